package visitor

import (
	"io"
	"net"
	"sync"

	"github.com/fluxusproxy/fluxus/internal/nlog"
	"github.com/fluxusproxy/fluxus/registry"
)

// Worker pumps one visitor socket (spec section 4.5): it reads raw bytes
// off the socket and reports them upstream as Forward events, and applies
// Forward/Disconnect Cmds the session sends back down.
type Worker struct {
	id   uint16
	conn net.Conn

	cmds chan registry.Cmd
	done chan struct{}

	inbox       chan<- Event
	sessionDone <-chan struct{}

	bufSize int
	bufPool *sync.Pool
}

// NewWorker builds a Worker for an already-accepted visitor socket. inbox
// is the session's event channel; sessionDone is closed when the owning
// session exits, so a blocked inbox send doesn't wedge the worker forever.
func NewWorker(id uint16, conn net.Conn, inbox chan<- Event, sessionDone <-chan struct{}, bufSize int) *Worker {
	return &Worker{
		id:          id,
		conn:        conn,
		cmds:        make(chan registry.Cmd, 16),
		done:        make(chan struct{}),
		inbox:       inbox,
		sessionDone: sessionDone,
		bufSize:     bufSize,
		bufPool: &sync.Pool{
			New: func() any { return make([]byte, bufSize) },
		},
	}
}

// Handle returns the registry.Handle the session inserts for this worker's
// id.
func (w *Worker) Handle() registry.Handle {
	return registry.Handle{Cmds: w.cmds, Done: w.done}
}

type readResult struct {
	buf []byte
	n   int
	err error
}

// Run drives the worker until the socket dies, the session tells it to
// disconnect, or the session itself goes away. It must be started as a
// goroutine; it closes Done on return.
func (w *Worker) Run() {
	defer close(w.done)
	defer w.conn.Close()

	// Buffered by one: once conn is closed (always happens via this
	// method's own deferred Close, whichever branch exits runloop),
	// readLoop's blocked Read unblocks, it posts its final error (or, if
	// the buffer still holds an unread result, gives up once Done closes),
	// and exits without waiting for a receiver that's already gone.
	reads := make(chan readResult, 1)
	go w.readLoop(reads)

	sessionGone := false
	reason := ReasonPeerClosed
runloop:
	for {
		select {
		case <-w.sessionDone:
			sessionGone = true
			break runloop

		case res, ok := <-reads:
			if !ok {
				reason = ReasonLocalError
				break runloop
			}
			if res.err != nil || res.n == 0 {
				if res.err != nil && res.err != io.EOF {
					nlog.Infof("visitor %d: read: %v", w.id, res.err)
					reason = ReasonLocalError
				} else {
					reason = ReasonPeerClosed
				}
				w.bufPool.Put(res.buf[:w.bufSize])
				break runloop
			}
			payload := make([]byte, res.n)
			copy(payload, res.buf[:res.n])
			w.bufPool.Put(res.buf[:w.bufSize])

			ev := Event{Kind: EventForward, ID: w.id, Payload: payload}
			select {
			case w.inbox <- ev:
			case <-w.sessionDone:
				sessionGone = true
				break runloop
			}

		case cmd, ok := <-w.cmds:
			if !ok {
				reason = ReasonLocalEOF
				break runloop
			}
			switch cmd.Kind {
			case registry.CmdForward:
				if _, err := w.conn.Write(cmd.Payload); err != nil {
					reason = ReasonLocalError
					break runloop
				}
			case registry.CmdDisconnect:
				reason = ReasonLocalEOF
				break runloop
			}
		}
	}

	// sessionDone means the owning session is already tearing itself down
	// and has stopped reading its inbox; Broker.teardown accounts for this
	// worker's disconnect directly instead of waiting on an event it will
	// never receive.
	if !sessionGone {
		ev := Event{Kind: EventDisconnected, ID: w.id, Reason: reason}
		select {
		case w.inbox <- ev:
		case <-w.sessionDone:
		}
	}
}

// readLoop feeds Run's select loop; it owns the socket's read side
// exclusively so Run's write side (Cmd handling) never races it.
func (w *Worker) readLoop(reads chan<- readResult) {
	defer close(reads)
	for {
		buf := w.bufPool.Get().([]byte)
		n, err := w.conn.Read(buf)
		select {
		case reads <- readResult{buf: buf, n: n, err: err}:
		case <-w.done:
			return
		}
		if err != nil {
			return
		}
	}
}
