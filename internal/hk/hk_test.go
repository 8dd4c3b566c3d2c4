package hk_test

import (
	"testing"
	"time"

	"github.com/fluxusproxy/fluxus/internal/hk"
)

func TestHousekeeperRunsRegisteredTask(t *testing.T) {
	h := hk.New()
	go h.Run()
	h.WaitStarted()
	defer h.Stop()

	done := make(chan struct{})
	h.Reg("once", func() time.Duration {
		close(done)
		return 0
	}, 10*time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestHousekeeperReschedulesUntilZero(t *testing.T) {
	h := hk.New()
	go h.Run()
	h.WaitStarted()
	defer h.Stop()

	var ticks int
	done := make(chan struct{})
	h.Reg("repeat", func() time.Duration {
		ticks++
		if ticks >= 3 {
			close(done)
			return 0
		}
		return 5 * time.Millisecond
	}, 5*time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not reschedule enough times")
	}
	if ticks < 3 {
		t.Fatalf("ticks = %d, want >= 3", ticks)
	}
}

func TestHousekeeperUnregStopsFutureTicks(t *testing.T) {
	h := hk.New()
	go h.Run()
	h.WaitStarted()
	defer h.Stop()

	var ticks int
	h.Reg("cancelme", func() time.Duration {
		ticks++
		return 5 * time.Millisecond
	}, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	h.Unreg("cancelme")
	seen := ticks
	time.Sleep(50 * time.Millisecond)
	if ticks > seen+1 {
		t.Fatalf("task kept ticking after Unreg: before=%d after=%d", seen, ticks)
	}
}
