package visitor_test

import (
	"net"
	"testing"
	"time"

	"github.com/fluxusproxy/fluxus/registry"
	"github.com/fluxusproxy/fluxus/visitor"
)

func TestWorkerForwardsReadsUpstream(t *testing.T) {
	serverConn, peer := net.Pipe()
	defer peer.Close()

	inbox := make(chan visitor.Event, 4)
	sessionDone := make(chan struct{})

	w := visitor.NewWorker(1, serverConn, inbox, sessionDone, 256)
	go w.Run()

	go func() {
		peer.Write([]byte("hello"))
	}()

	select {
	case ev := <-inbox:
		if ev.Kind != visitor.EventForward || string(ev.Payload) != "hello" {
			t.Fatalf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forward event")
	}

	peer.Close()
	select {
	case ev := <-inbox:
		if ev.Kind != visitor.EventDisconnected || ev.Reason != visitor.ReasonPeerClosed {
			t.Fatalf("got %+v, want peer-closed disconnect", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disconnect event")
	}
}

func TestWorkerWritesForwardCmd(t *testing.T) {
	serverConn, peer := net.Pipe()
	defer serverConn.Close()
	defer peer.Close()

	inbox := make(chan visitor.Event, 4)
	sessionDone := make(chan struct{})

	w := visitor.NewWorker(2, serverConn, inbox, sessionDone, 256)
	go w.Run()

	h := w.Handle()
	h.Cmds <- registry.Cmd{Kind: registry.CmdForward, Payload: []byte("world")}

	buf := make([]byte, 16)
	peer.SetReadDeadline(time.Now().Add(time.Second))
	n, err := peer.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "world" {
		t.Fatalf("got %q, want %q", buf[:n], "world")
	}
}

func TestWorkerGracefulDisconnectReportsLocalEOF(t *testing.T) {
	serverConn, peer := net.Pipe()
	defer peer.Close()

	inbox := make(chan visitor.Event, 4)
	sessionDone := make(chan struct{})

	w := visitor.NewWorker(3, serverConn, inbox, sessionDone, 256)
	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()

	h := w.Handle()
	h.Cmds <- registry.Cmd{Kind: registry.CmdDisconnect}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after CmdDisconnect")
	}

	select {
	case ev := <-inbox:
		if ev.Kind != visitor.EventDisconnected || ev.Reason != visitor.ReasonLocalEOF {
			t.Fatalf("got %+v, want local-eof disconnect", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disconnect event")
	}
}

// TestWorkerSessionDoneSkipsDisconnectEvent covers the other exit path: when
// the owning session is already gone, Run must not try to report anything
// upstream (there's nothing left reading the inbox).
func TestWorkerSessionDoneSkipsDisconnectEvent(t *testing.T) {
	serverConn, peer := net.Pipe()
	defer serverConn.Close()
	defer peer.Close()

	inbox := make(chan visitor.Event, 4)
	sessionDone := make(chan struct{})

	w := visitor.NewWorker(4, serverConn, inbox, sessionDone, 256)
	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()

	close(sessionDone)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after sessionDone closed")
	}

	select {
	case ev := <-inbox:
		t.Fatalf("unexpected event after sessionDone exit: %+v", ev)
	default:
	}
}
