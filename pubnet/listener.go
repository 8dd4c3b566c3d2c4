// Package pubnet implements the broker-side public listener (spec section
// 4.6): it accepts visitor sockets for one bound server (TCP or HTTP),
// allocates each an id from the owning session's IdPool, and hands them
// off to a visitor.Worker.
package pubnet

import (
	"net"

	"github.com/fluxusproxy/fluxus/idpool"
	"github.com/fluxusproxy/fluxus/internal/nlog"
	"github.com/fluxusproxy/fluxus/visitor"
)

// Socket is anything that hands out visitor connections one at a time:
// TCPBinding wraps a net.Listener directly, HTTPBinding wraps one routed
// slice of the broker's shared fasthttp.Server.
type Socket interface {
	Accept() (net.Conn, error)
	Close() error
}

// PublicListener drives the accept loop of spec section 4.6. One instance
// exists per bound server (i.e. per session that has issued CreateServer).
type PublicListener struct {
	socket  Socket
	pool    *idpool.Pool
	inbox   chan<- visitor.Event
	done    <-chan struct{} // session shutdown signal
	bufSize int
}

// New builds a PublicListener. done is closed by the owning session when
// it shuts down; Run then stops accepting and returns.
func New(socket Socket, pool *idpool.Pool, inbox chan<- visitor.Event, done <-chan struct{}, bufSize int) *PublicListener {
	return &PublicListener{socket: socket, pool: pool, inbox: inbox, done: done, bufSize: bufSize}
}

// Run accepts visitor connections until the socket errors or the session
// shuts down. It must be started as a goroutine.
func (l *PublicListener) Run() {
	defer l.socket.Close()

	accepted := make(chan net.Conn)
	acceptErr := make(chan error, 1)
	go l.acceptLoop(accepted, acceptErr)

	for {
		select {
		case <-l.done:
			return
		case err := <-acceptErr:
			nlog.Infof("pubnet: accept: %v", err)
			return
		case conn := <-accepted:
			l.handle(conn)
		}
	}
}

func (l *PublicListener) acceptLoop(accepted chan<- net.Conn, acceptErr chan<- error) {
	for {
		conn, err := l.socket.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- conn
	}
}

// handle implements the four steps of spec section 4.6 for one accepted
// visitor socket.
func (l *PublicListener) handle(conn net.Conn) {
	id, ok := l.pool.Request()
	if !ok {
		nlog.Infof("pubnet: id pool exhausted, dropping visitor")
		conn.Close()
		return
	}

	w := visitor.NewWorker(id, conn, l.inbox, l.done, l.bufSize)
	ev := visitor.Event{Kind: visitor.EventConnected, ID: id, Handle: w.Handle()}

	select {
	case l.inbox <- ev:
		go w.Run()
	case <-l.done:
		l.pool.Release(id)
		conn.Close()
	}
}
