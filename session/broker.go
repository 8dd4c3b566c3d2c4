// Package session implements the broker- and agent-side control
// connection state machines (spec sections 4.7-4.9): the single-goroutine
// loop that merges the control reader and the visitor inbox into one
// control writer.
package session

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fluxusproxy/fluxus/compress"
	"github.com/fluxusproxy/fluxus/internal/config"
	"github.com/fluxusproxy/fluxus/internal/hk"
	"github.com/fluxusproxy/fluxus/internal/metrics"
	"github.com/fluxusproxy/fluxus/internal/nlog"
	"github.com/fluxusproxy/fluxus/internal/xdebug"
	"github.com/fluxusproxy/fluxus/idpool"
	"github.com/fluxusproxy/fluxus/pubnet"
	"github.com/fluxusproxy/fluxus/registry"
	"github.com/fluxusproxy/fluxus/rights"
	"github.com/fluxusproxy/fluxus/visitor"
	"github.com/fluxusproxy/fluxus/wire"
)

// State is a broker Session's position in spec section 4.7's state table.
type State uint8

const (
	StateJustConnected State = iota
	StateAuthenticated
	StateServing
)

// Broker is the broker-side control connection state machine (spec
// section 4.7). One Broker exists per accepted agent connection.
type Broker struct {
	name string
	cfg  *config.Config
	hk   *hk.Housekeeper
	m    *metrics.Registry
	http *pubnet.HTTPRouter // nil if this broker doesn't serve HTTP tunnels

	conn net.Conn
	r    *wire.Reader
	w    *wire.Writer

	state  State
	rights rights.Rights

	adaptive *compress.Adaptive

	reg  *registry.Registry
	pool *idpool.Pool

	inbox          chan visitor.Event
	listenerExited chan struct{}

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewBroker builds a Broker for an accepted control connection. http may
// be nil, in which case CreateServer{Http} is rejected as unimplemented.
func NewBroker(conn net.Conn, cfg *config.Config, housekeeper *hk.Housekeeper, m *metrics.Registry, httpRouter *pubnet.HTTPRouter, name string) (*Broker, error) {
	codec, err := compress.NewZstdCodec(cfg.Compression.Zstd.Level)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	r := wire.NewReader(conn)
	r.MaxPayload = cfg.Server.Bufferization.Read

	return &Broker{
		name:     name,
		cfg:      cfg,
		hk:       housekeeper,
		m:        m,
		http:     httpRouter,
		conn:     conn,
		r:        r,
		w:        wire.NewWriter(conn),
		state:    StateJustConnected,
		rights:   cfg.Permissions.JustConnected.Rights(),
		adaptive: compress.NewAdaptive(codec, cfg.Compression.Zstd.Threshold),
		inbox:    make(chan visitor.Event, 256),
		shutdown: make(chan struct{}),
	}, nil
}

// Shutdown signals the session (and everything it cascades to — its
// PublicListener and every VisitorWorker) to stop. Safe to call more than
// once and from any goroutine.
func (s *Broker) Shutdown() { s.shutdownOnce.Do(func() { close(s.shutdown) }) }

// Run drives the session until the control connection ends or Shutdown is
// called. It must be started as a goroutine; it blocks until exit.
//
// The control-reader and a connection-closer run as an errgroup.Group: the
// reader's first real error cancels the group's context, which tells the
// closer to unblock the (otherwise uncancelable) in-flight ReadPacket by
// closing the connection outright — the same mechanism an explicit
// Shutdown uses. Run's own select loop is the dispatcher; whichever exit
// path it takes, it waits on the group before returning, so neither
// background goroutine outlives the session.
func (s *Broker) Run() {
	defer s.teardown()
	if s.m != nil {
		s.m.SessionsActive.Inc()
		defer s.m.SessionsActive.Dec()
	}

	reads := make(chan *wire.Packet)
	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		select {
		case <-s.shutdown:
		case <-gctx.Done():
		}
		s.conn.Close()
		return nil
	})
	g.Go(func() error {
		defer close(reads)
		for {
			pkt, err := s.r.ReadPacket()
			if err != nil {
				return err
			}
			select {
			case reads <- pkt:
			case <-gctx.Done():
				return nil
			case <-s.shutdown:
				return nil
			}
		}
	})

	for {
		var inboxCh <-chan visitor.Event
		if s.state == StateServing {
			inboxCh = s.inbox
		}

		select {
		case <-s.shutdown:
			g.Wait()
			return
		case pkt, ok := <-reads:
			if !ok {
				s.handleReadErr(g.Wait())
				return
			}
			if !s.resolve(s.dispatch(pkt)) {
				s.Shutdown()
				g.Wait()
				return
			}
		case ev := <-inboxCh:
			if !s.resolve(s.applyEvent(ev)) {
				s.Shutdown()
				g.Wait()
				return
			}
		case <-s.listenerExited:
			s.onListenerExited()
		}
	}
}

func (s *Broker) handleReadErr(err error) {
	if err == nil {
		return
	}
	rerr, ok := err.(*wire.ReadError)
	if !ok {
		nlog.Infof("session %s: read: %v", s.name, err)
		return
	}
	code, _ := classify(kindFromReadErr(rerr))
	s.writeErrorBestEffort(code)
}

// resolve turns a handler's return value into "keep looping?". A nil
// error continues; a *Error writes the mapped code and continues only if
// NonCritical; any other error is a raw I/O failure on an already-broken
// writer, so it's Critical with no further write attempted.
func (s *Broker) resolve(err error) bool {
	if err == nil {
		return true
	}
	if se, ok := err.(*Error); ok {
		code, tier := classify(se.Kind)
		s.writeErrorBestEffort(code)
		return tier == NonCritical
	}
	nlog.Infof("session %s: %v", s.name, err)
	return false
}

func (s *Broker) writeErrorBestEffort(code wire.ErrorCode) {
	if err := s.w.WriteError(code); err != nil {
		nlog.Infof("session %s: write error packet: %v", s.name, err)
	}
}

func (s *Broker) dispatch(pkt *wire.Packet) error {
	switch pkt.Type {
	case wire.TypePing:
		return s.handlePing()
	case wire.TypeAuthorizePassword:
		return s.handleAuthorizePassword(pkt)
	case wire.TypeCreateServer:
		return s.handleCreateServer(pkt)
	case wire.TypeForward:
		return s.handleForward(pkt)
	case wire.TypeDisconnect:
		return s.handleDisconnect(pkt)
	default:
		return newErr(KindUnexpectedPacket)
	}
}

func (s *Broker) handlePing() error {
	const zstdAlgo = 0
	level := uint8(s.cfg.Compression.Zstd.Level)
	bufRead := uint16(s.cfg.Server.Bufferization.Read)
	return s.w.WritePingResponse(zstdAlgo, level, bufRead, s.cfg.Server.Name)
}

func (s *Broker) handleAuthorizePassword(pkt *wire.Packet) error {
	if !s.cfg.Server.PasswordEnabled() {
		return newErr(KindPasswordDisabled)
	}
	if subtle.ConstantTimeCompare(pkt.Password, []byte(s.cfg.Server.UniversalPassword)) != 1 {
		return newErr(KindWrongPassword)
	}
	s.rights = s.cfg.Permissions.UniversalPasswordPermit.Rights()
	if err := s.w.WriteUpdateRights(uint8(s.rights)); err != nil {
		return err
	}
	if s.state == StateJustConnected {
		s.state = StateAuthenticated
	}
	return nil
}

func (s *Broker) handleCreateServer(pkt *wire.Packet) error {
	if s.state == StateServing {
		return newErr(KindAlreadyCreated)
	}
	switch pkt.Proto {
	case wire.ProtoTCP:
		return s.createTCPServer(pkt)
	case wire.ProtoHTTP:
		return s.createHTTPServer(pkt)
	default:
		return newErr(KindUnexpectedPacket)
	}
}

func (s *Broker) createTCPServer(pkt *wire.Packet) error {
	if !s.rights.Has(rights.CreateTcp) || (pkt.Port != 0 && !s.rights.Has(rights.SelectTcpPort)) {
		return newErr(KindNoRights)
	}
	binding, err := pubnet.BindTCP(fmt.Sprintf("0.0.0.0:%d", pkt.Port))
	if err != nil {
		return newErr(KindBindFailed)
	}
	s.startServing(binding)

	if pkt.Port != 0 && binding.Port() == pkt.Port {
		return s.w.WriteCreateServerResponseEcho()
	}
	return s.w.WriteCreateServerResponseTCP(binding.Port())
}

func (s *Broker) createHTTPServer(pkt *wire.Packet) error {
	if !s.rights.Has(rights.CreateHttp) || (pkt.Endpoint != "" && !s.rights.Has(rights.SelectHttpHost)) {
		return newErr(KindNoRights)
	}
	if s.http == nil {
		return newErr(KindHTTPUnsupported)
	}
	if pkt.Endpoint == "" {
		return newErr(KindUnexpectedPacket)
	}
	binding, err := s.http.Register(pkt.Endpoint)
	if err != nil {
		return newErr(KindBindFailed)
	}
	s.startServing(binding)
	return s.w.WriteCreateServerResponseHTTP(binding.Endpoint())
}

// startServing wires up the fresh IdPool + VisitorRegistry + PublicListener
// a successful CreateServer spawns, and transitions to Serving.
func (s *Broker) startServing(socket pubnet.Socket) {
	xdebug.Assert(s.state != StateServing, "session: startServing called on an already-serving session")
	s.pool = idpool.New(s.hk, s.name+"-idpool")
	s.reg = registry.New()
	s.listenerExited = make(chan struct{})

	l := pubnet.New(socket, s.pool, s.inbox, s.shutdown, s.cfg.Server.Bufferization.PerClient)
	listenerExited := s.listenerExited
	go func() {
		l.Run()
		close(listenerExited)
	}()

	s.state = StateServing
}

func (s *Broker) handleForward(pkt *wire.Packet) error {
	if s.state != StateServing {
		return newErr(KindUnexpectedPacket)
	}

	payload := pkt.Payload
	if pkt.Compressed {
		plain, err := s.adaptive.Decompress(pkt.Payload, s.cfg.Server.Bufferization.PerClient)
		if err != nil {
			return newErr(KindOversizePayload)
		}
		payload = plain
	}
	if s.m != nil {
		s.m.ObserveForward("to_visitor", len(payload), pkt.Compressed, len(pkt.Payload))
	}

	// NoSuchVisitor/Closed both mean a race with an already-sent
	// Disconnected; drop silently either way (spec section 4.7).
	_ = s.reg.Send(pkt.VisitorID, registry.Cmd{Kind: registry.CmdForward, Payload: payload})
	return nil
}

func (s *Broker) handleDisconnect(pkt *wire.Packet) error {
	if s.state != StateServing {
		return newErr(KindUnexpectedPacket)
	}
	if h, ok := s.reg.Remove(pkt.VisitorID); ok {
		select {
		case h.Cmds <- registry.Cmd{Kind: registry.CmdDisconnect}:
		case <-h.Done:
		}
	}
	return nil
}

func (s *Broker) applyEvent(ev visitor.Event) error {
	switch ev.Kind {
	case visitor.EventConnected:
		s.reg.Insert(ev.ID, ev.Handle)
		if s.m != nil {
			s.m.VisitorsConnected.Inc()
		}
		return s.w.WriteConnect(ev.ID)
	case visitor.EventForward:
		out, compressed := s.adaptive.Compress(ev.Payload)
		if s.m != nil {
			s.m.ObserveForward("to_agent", len(ev.Payload), compressed, len(out))
		}
		return s.w.WriteForward(ev.ID, out, compressed)
	case visitor.EventDisconnected:
		s.reg.Remove(ev.ID)
		s.pool.Release(ev.ID)
		if s.m != nil {
			s.m.VisitorsConnected.Dec()
			s.m.ObserveDisconnect(ev.Reason.String())
		}
		return s.w.WriteDisconnect(ev.ID)
	default:
		return nil
	}
}

// onListenerExited implements spec section 4.7's "PublicServer dropped its
// only sender" transition: the listener died on its own (bind loss, accept
// error) while still Serving, so the session downgrades rather than
// closing outright.
func (s *Broker) onListenerExited() {
	s.listenerExited = nil
	if s.state != StateServing {
		return
	}
	if s.pool != nil {
		s.pool.Close()
	}
	s.pool = nil
	s.reg = nil
	s.state = StateAuthenticated
	s.writeErrorBestEffort(wire.ErrShutdown)
}

func (s *Broker) teardown() {
	s.Shutdown()
	if s.pool != nil {
		s.pool.Close()
	}
	// every worker still registered here dies without emitting
	// EventDisconnected (sessionDone short-circuits its runloop), so the
	// gauge needs crediting back here instead.
	if s.m != nil && s.reg != nil {
		if n := s.reg.Len(); n > 0 {
			s.m.VisitorsConnected.Sub(float64(n))
		}
	}
	s.adaptive.Close()
	s.conn.Close()
}
