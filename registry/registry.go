// Package registry implements the per-session id -> visitor-channel map
// (spec section 4.4). A Registry is owned and mutated only by the
// session's own goroutine; every other goroutine reaches a visitor only by
// writing into a Handle it was handed when the visitor connected, so the
// map itself needs no lock.
package registry

import (
	"github.com/pkg/errors"

	"github.com/fluxusproxy/fluxus/internal/xdebug"
)

// CmdKind distinguishes the two things a session ever tells a visitor
// worker to do.
type CmdKind uint8

const (
	CmdForward CmdKind = iota
	CmdDisconnect
)

// Cmd is a session-to-worker instruction (spec's VisitorCmd).
type Cmd struct {
	Kind    CmdKind
	Payload []byte
}

// Handle is what a VisitorWorker hands the session when it starts: a
// channel the session can push Cmds into, and a Done channel the worker
// closes on exit so Send can detect a gone worker without blocking
// forever.
type Handle struct {
	Cmds chan<- Cmd
	Done <-chan struct{}
}

// ErrNoSuchVisitor and ErrClosed are the two failure modes of Send (spec
// section 4.4: "Result<(), NoSuchVisitor|Closed>").
var (
	ErrNoSuchVisitor = errors.New("registry: no such visitor")
	ErrClosed        = errors.New("registry: visitor worker closed")
)

// Registry is the per-session id -> Handle map.
type Registry struct {
	entries map[uint16]Handle
}

func New() *Registry {
	return &Registry{entries: make(map[uint16]Handle)}
}

// Insert records id's handle. Every entry corresponds to a running
// VisitorWorker (spec section 4.4's invariant).
func (r *Registry) Insert(id uint16, h Handle) {
	_, exists := r.entries[id]
	xdebug.Assertf(!exists, "registry: id %d inserted twice without an intervening Remove", id)
	r.entries[id] = h
}

// Remove drops id's entry, returning the handle that was there, if any.
// Dropping the entry is what lets the corresponding VisitorWorker's Cmds
// channel become unreferenced.
func (r *Registry) Remove(id uint16) (Handle, bool) {
	h, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	return h, ok
}

// Send delivers cmd to id's worker. It returns ErrNoSuchVisitor if id has
// no entry (a race with an already-sent Disconnected, per spec section
// 4.9), or ErrClosed if the worker has already exited.
func (r *Registry) Send(id uint16, cmd Cmd) error {
	h, ok := r.entries[id]
	if !ok {
		return ErrNoSuchVisitor
	}
	select {
	case h.Cmds <- cmd:
		return nil
	case <-h.Done:
		return ErrClosed
	}
}

// Len reports the number of live entries, for metrics (internal/metrics'
// visitors-connected gauge).
func (r *Registry) Len() int { return len(r.entries) }

// Ids returns a snapshot of currently registered visitor ids, in no
// particular order.
func (r *Registry) Ids() []uint16 {
	ids := make([]uint16, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}
