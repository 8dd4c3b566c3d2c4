package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fluxusproxy/fluxus/compress"
	"github.com/fluxusproxy/fluxus/internal/nlog"
	"github.com/fluxusproxy/fluxus/registry"
	"github.com/fluxusproxy/fluxus/rights"
	"github.com/fluxusproxy/fluxus/visitor"
	"github.com/fluxusproxy/fluxus/wire"
)

// pingIdleInterval is how often a connected agent pings an otherwise-idle
// control connection (spec.md §7: no application-level idle timeout, but an
// agent still probes liveness and logs what it hears back).
const pingIdleInterval = 30 * time.Second

// Request is what an agent asks the broker to bind, filled in by the
// cmd/agent subcommand the user ran (spec section 4.8's "tcp"/"http" verbs).
type Request struct {
	Proto    wire.Proto
	Port     uint16 // tcp: 0 means "any"
	Endpoint string // http: endpoint hint; the broker rejects an empty one
}

// Handshake is everything the broker told the agent during the initial
// Ping/AuthorizePassword/CreateServer exchange (spec section 4.8).
type Handshake struct {
	ServerName    string
	CompressAlgo  uint8
	CompressLevel uint8
	BufRead       uint16
	Rights        rights.Rights
	BoundPort     uint16 // tcp
	BoundEndpoint string // http
}

// Agent is the agent-side control connection state machine mirroring
// Broker (spec section 4.8): it performs the handshake, then pumps
// Connect/Forward/Disconnect/UpdateRights/Error from the broker and dials
// the local origin for every Connect it's handed.
type Agent struct {
	name   string
	conn   net.Conn
	r      *wire.Reader
	w      *wire.Writer
	origin string

	adaptive *compress.Adaptive
	reg      *registry.Registry

	inbox   chan visitor.Event
	bufSize int

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// Dial performs the full agent handshake over conn: Ping, an optional
// AuthorizePassword, then the CreateServer request named by req. It
// returns a ready-to-run Agent plus the Handshake the broker answered
// with, or an error if the broker rejected any step.
func Dial(conn net.Conn, origin string, password []byte, req Request, bufSize, compressThreshold int) (*Agent, *Handshake, error) {
	r := wire.NewReader(conn)
	w := wire.NewWriter(conn)

	if err := w.WritePing(); err != nil {
		return nil, nil, fmt.Errorf("session: ping: %w", err)
	}
	typ, flags, err := r.ReadHeader()
	if err != nil {
		return nil, nil, fmt.Errorf("session: ping response: %w", err)
	}
	if typ != wire.TypePing {
		return nil, nil, fmt.Errorf("session: expected ping response, got %v", typ)
	}
	pingResp, err := r.ReadPingResponse(flags)
	if err != nil {
		return nil, nil, fmt.Errorf("session: ping response: %w", err)
	}

	hs := &Handshake{
		ServerName:    pingResp.PingName,
		CompressAlgo:  pingResp.PingAlgo,
		CompressLevel: pingResp.PingLevel,
		BufRead:       pingResp.PingBufRead,
	}

	if len(password) > 0 {
		if err := w.WriteAuthorizePassword(password); err != nil {
			return nil, nil, fmt.Errorf("session: authorize: %w", err)
		}
		// neither UpdateRights nor Error is positionally ambiguous, so the
		// generic reader applies here (unlike Ping/CreateServer responses).
		resp, err := r.ReadPacket()
		if err != nil {
			return nil, nil, fmt.Errorf("session: authorize response: %w", err)
		}
		switch resp.Type {
		case wire.TypeUpdateRights:
			hs.Rights = rights.Rights(resp.Rights)
		case wire.TypeError:
			return nil, nil, fmt.Errorf("session: authorize rejected: %v", resp.Code)
		default:
			return nil, nil, fmt.Errorf("session: unexpected authorize response %v", resp.Type)
		}
	}

	switch req.Proto {
	case wire.ProtoTCP:
		if err := w.WriteCreateServerRequestTCP(req.Port); err != nil {
			return nil, nil, fmt.Errorf("session: create server: %w", err)
		}
	case wire.ProtoHTTP:
		if err := w.WriteCreateServerRequestHTTP(req.Endpoint); err != nil {
			return nil, nil, fmt.Errorf("session: create server: %w", err)
		}
	}

	typ, flags, err = r.ReadHeader()
	if err != nil {
		return nil, nil, fmt.Errorf("session: create server response: %w", err)
	}
	switch typ {
	case wire.TypeCreateServer:
		resp, err := r.ReadCreateServerResponse(flags, req.Proto)
		if err != nil {
			return nil, nil, fmt.Errorf("session: create server response: %w", err)
		}
		switch req.Proto {
		case wire.ProtoTCP:
			if resp.EchoedPort {
				hs.BoundPort = req.Port
			} else {
				hs.BoundPort = resp.Port
			}
		case wire.ProtoHTTP:
			hs.BoundEndpoint = resp.Endpoint
		}
	case wire.TypeError:
		code, err := r.ReadErrorCode()
		if err != nil {
			return nil, nil, fmt.Errorf("session: create server response: %w", err)
		}
		return nil, nil, fmt.Errorf("session: create server rejected: %v", code)
	default:
		return nil, nil, fmt.Errorf("session: unexpected create server response %v", typ)
	}

	codec, err := compress.NewZstdCodec(int(hs.CompressLevel))
	if err != nil {
		return nil, nil, fmt.Errorf("session: %w", err)
	}

	a := &Agent{
		name:     origin,
		conn:     conn,
		r:        r,
		w:        w,
		origin:   origin,
		adaptive: compress.NewAdaptive(codec, compressThreshold),
		reg:      registry.New(),
		inbox:    make(chan visitor.Event, 256),
		bufSize:  bufSize,
		shutdown: make(chan struct{}),
	}
	return a, hs, nil
}

// Shutdown signals the agent session (and every dialed-origin worker it
// spawned) to stop. Safe to call more than once and from any goroutine.
func (a *Agent) Shutdown() { a.shutdownOnce.Do(func() { close(a.shutdown) }) }

// Run drives the agent's steady state (spec section 4.8) until the control
// connection ends or Shutdown is called. It blocks until exit.
//
// Mirrors Broker.Run's errgroup.Group shape: the reader's first real error
// cancels the group's context, which tells the closer goroutine to
// unblock the in-flight ReadPacket by closing the connection — the same
// path an explicit Shutdown takes.
func (a *Agent) Run() {
	defer a.teardown()

	reads := make(chan *wire.Packet)
	pings := make(chan struct{}, 1)
	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		select {
		case <-a.shutdown:
		case <-gctx.Done():
		}
		a.conn.Close()
		return nil
	})
	g.Go(func() error {
		defer close(reads)
		for {
			pkt, err := a.r.ReadAgentPacket()
			if err != nil {
				return err
			}
			select {
			case reads <- pkt:
			case <-gctx.Done():
				return nil
			case <-a.shutdown:
				return nil
			}
		}
	})
	g.Go(a.pinger(gctx, pings))

	for {
		select {
		case <-a.shutdown:
			g.Wait()
			return
		case pkt, ok := <-reads:
			if !ok {
				if err := g.Wait(); err != nil {
					nlog.Infof("agent %s: read: %v", a.name, err)
				}
				return
			}
			if !a.dispatch(pkt) {
				a.Shutdown()
				g.Wait()
				return
			}
		case ev := <-a.inbox:
			if !a.applyEvent(ev) {
				a.Shutdown()
				g.Wait()
				return
			}
		case <-pings:
			// writes are serialized through this loop (wire.Writer isn't
			// safe for concurrent use); the pinger goroutine only signals.
			if err := a.w.WritePing(); err != nil {
				nlog.Infof("agent %s: write ping: %v", a.name, err)
				a.Shutdown()
				g.Wait()
				return
			}
		}
	}
}

// pinger is the idle-keepalive goroutine: every pingIdleInterval it signals
// the dispatch loop to send a Ping. It never writes to the connection
// itself, since wire.Writer is single-writer.
func (a *Agent) pinger(gctx context.Context, pings chan<- struct{}) func() error {
	return func() error {
		ticker := time.NewTicker(pingIdleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				select {
				case pings <- struct{}{}:
				default: // a ping is already pending delivery
				}
			case <-gctx.Done():
				return nil
			case <-a.shutdown:
				return nil
			}
		}
	}
}

func (a *Agent) dispatch(pkt *wire.Packet) bool {
	switch pkt.Type {
	case wire.TypePing:
		// idle-keepalive response; confirms the broker is still live.
	case wire.TypeConnect:
		a.handleConnect(pkt.VisitorID)
	case wire.TypeForward:
		a.handleForward(pkt)
	case wire.TypeDisconnect:
		a.handleDisconnect(pkt.VisitorID)
	case wire.TypeUpdateRights:
		// informational only on the agent side; nothing locally depends
		// on the rights bitset once a server is already bound.
	case wire.TypeError:
		nlog.Warningf("agent %s: broker error: %v", a.name, pkt.Code)
		if pkt.Code == wire.ErrShutdown {
			return false
		}
	default:
		nlog.Infof("agent %s: unexpected packet %v", a.name, pkt.Type)
	}
	return true
}

func (a *Agent) handleConnect(id uint16) {
	conn, err := net.Dial("tcp", a.origin)
	if err != nil {
		nlog.Infof("agent %s: dial origin for visitor %d: %v", a.name, id, err)
		_ = a.w.WriteDisconnect(id)
		return
	}
	w := visitor.NewWorker(id, conn, a.inbox, a.shutdown, a.bufSize)
	a.reg.Insert(id, w.Handle())
	go w.Run()
}

func (a *Agent) handleForward(pkt *wire.Packet) {
	payload := pkt.Payload
	if pkt.Compressed {
		plain, err := a.adaptive.Decompress(pkt.Payload, a.bufSize)
		if err != nil {
			nlog.Infof("agent %s: decompress visitor %d: %v", a.name, pkt.VisitorID, err)
			return
		}
		payload = plain
	}
	_ = a.reg.Send(pkt.VisitorID, registry.Cmd{Kind: registry.CmdForward, Payload: payload})
}

func (a *Agent) handleDisconnect(id uint16) {
	if h, ok := a.reg.Remove(id); ok {
		select {
		case h.Cmds <- registry.Cmd{Kind: registry.CmdDisconnect}:
		case <-h.Done:
		}
	}
}

func (a *Agent) applyEvent(ev visitor.Event) bool {
	switch ev.Kind {
	case visitor.EventForward:
		out, compressed := a.adaptive.Compress(ev.Payload)
		if err := a.w.WriteForward(ev.ID, out, compressed); err != nil {
			nlog.Infof("agent %s: write forward: %v", a.name, err)
			return false
		}
	case visitor.EventDisconnected:
		a.reg.Remove(ev.ID)
		if err := a.w.WriteDisconnect(ev.ID); err != nil {
			nlog.Infof("agent %s: write disconnect: %v", a.name, err)
			return false
		}
	}
	return true
}

func (a *Agent) teardown() {
	a.Shutdown()
	a.adaptive.Close()
	a.conn.Close()
}
