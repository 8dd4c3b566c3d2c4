// Package hk provides a mechanism for registering cleanup and maintenance
// functions which are invoked at specified intervals.
/*
 * idiom grounded on aistore's hk package (see hk/housekeeper_suite_test.go's
 * doc comment) and on the ticker+control-channel+min-heap scheduler shape of
 * aistore's transport/collect.go, re-purposed here from per-stream idle-ticks
 * to arbitrary named interval tasks.
 */
package hk

import (
	"container/heap"
	"time"
)

// Func runs one tick of a registered task and returns the delay until its
// next run; returning <= 0 unregisters the task.
type Func func() time.Duration

type task struct {
	name  string
	f     Func
	due   time.Time
	index int
}

type ctrlMsg struct {
	add  *task
	name string // set for remove
}

type taskHeap []*task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool   { return h[i].due.Before(h[j].due) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Housekeeper runs all registered tasks on one goroutine, ordered by next
// due-time in a min-heap so a slow task never delays the rest past its own
// interval.
type Housekeeper struct {
	ctrlCh  chan ctrlMsg
	stopCh  chan struct{}
	started chan struct{}
	h       taskHeap
	byName  map[string]*task
}

func New() *Housekeeper {
	return &Housekeeper{
		ctrlCh:  make(chan ctrlMsg, 64),
		stopCh:  make(chan struct{}),
		started: make(chan struct{}),
		byName:  make(map[string]*task),
	}
}

// Reg registers f to run once after delay, and again after whatever delay it
// returns, until it returns <= 0 or Unreg is called.
func (hk *Housekeeper) Reg(name string, f Func, delay time.Duration) {
	hk.ctrlCh <- ctrlMsg{add: &task{name: name, f: f, due: time.Now().Add(delay)}}
}

func (hk *Housekeeper) Unreg(name string) {
	hk.ctrlCh <- ctrlMsg{name: name}
}

func (hk *Housekeeper) Stop() { close(hk.stopCh) }

// Run is the housekeeper's main loop; it must be started as a goroutine.
func (hk *Housekeeper) Run() {
	heap.Init(&hk.h)
	close(hk.started)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		if len(hk.h) > 0 {
			d := time.Until(hk.h[0].due)
			if d < 0 {
				d = 0
			}
			resetTimer(timer, d)
		} else {
			resetTimer(timer, time.Hour)
		}

		select {
		case <-timer.C:
			now := time.Now()
			for len(hk.h) > 0 && !hk.h[0].due.After(now) {
				t := heap.Pop(&hk.h).(*task)
				delete(hk.byName, t.name)
				if d := t.f(); d > 0 {
					t.due = now.Add(d)
					heap.Push(&hk.h, t)
					hk.byName[t.name] = t
				}
			}
		case msg, ok := <-hk.ctrlCh:
			if !ok {
				return
			}
			if msg.add != nil {
				if old, ok := hk.byName[msg.add.name]; ok {
					heap.Remove(&hk.h, old.index)
				}
				heap.Push(&hk.h, msg.add)
				hk.byName[msg.add.name] = msg.add
			} else if t, ok := hk.byName[msg.name]; ok {
				heap.Remove(&hk.h, t.index)
				delete(hk.byName, msg.name)
			}
		case <-hk.stopCh:
			return
		}
	}
}

// WaitStarted blocks until Run has initialized its heap, for tests that
// register tasks immediately after starting the housekeeper goroutine.
func (hk *Housekeeper) WaitStarted() { <-hk.started }

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
