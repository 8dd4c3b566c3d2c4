package pubnet_test

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/fluxusproxy/fluxus/idpool"
	"github.com/fluxusproxy/fluxus/internal/hk"
	"github.com/fluxusproxy/fluxus/pubnet"
	"github.com/fluxusproxy/fluxus/visitor"
)

func TestPublicListenerAcceptsAndAllocatesID(t *testing.T) {
	housekeeper := hk.New()
	go housekeeper.Run()
	housekeeper.WaitStarted()
	defer housekeeper.Stop()

	binding, err := pubnet.BindTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("BindTCP: %v", err)
	}

	pool := idpool.New(housekeeper, "pubnet-test")
	defer pool.Close()

	inbox := make(chan visitor.Event, 4)
	done := make(chan struct{})
	defer close(done)

	l := pubnet.New(binding, pool, inbox, done, 256)
	go l.Run()

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(int(binding.Port())))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case ev := <-inbox:
		if ev.Kind != visitor.EventConnected {
			t.Fatalf("got %+v, want EventConnected", ev)
		}
		if ev.Handle.Cmds == nil {
			t.Fatal("expected a usable Cmds channel on the handle")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Connected event")
	}
}
