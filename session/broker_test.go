package session_test

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fluxusproxy/fluxus/internal/config"
	"github.com/fluxusproxy/fluxus/internal/hk"
	"github.com/fluxusproxy/fluxus/internal/metrics"
	"github.com/fluxusproxy/fluxus/session"
	"github.com/fluxusproxy/fluxus/wire"
)

func newTestBroker(t *testing.T, cfg *config.Config) (*session.Broker, net.Conn, *hk.Housekeeper) {
	t.Helper()
	housekeeper := hk.New()
	go housekeeper.Run()
	housekeeper.WaitStarted()

	serverSide, clientSide := net.Pipe()
	b, err := session.NewBroker(serverSide, cfg, housekeeper, nil, nil, "test-session")
	if err != nil {
		t.Fatalf("NewBroker: %v", err)
	}
	go b.Run()
	return b, clientSide, housekeeper
}

func TestBrokerPingReturnsServerInfo(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Name = "broker-under-test"
	_, clientSide, housekeeper := newTestBroker(t, cfg)
	defer housekeeper.Stop()
	defer clientSide.Close()

	r := wire.NewReader(clientSide)
	w := wire.NewWriter(clientSide)

	if err := w.WritePing(); err != nil {
		t.Fatalf("WritePing: %v", err)
	}
	typ, flags, err := r.ReadHeader()
	if err != nil || typ != wire.TypePing {
		t.Fatalf("ReadHeader: typ=%v err=%v", typ, err)
	}
	resp, err := r.ReadPingResponse(flags)
	if err != nil {
		t.Fatalf("ReadPingResponse: %v", err)
	}
	if resp.PingName != "broker-under-test" {
		t.Fatalf("PingName = %q, want %q", resp.PingName, "broker-under-test")
	}
}

func TestBrokerAuthorizePasswordDisabledByDefault(t *testing.T) {
	cfg := config.Default() // UniversalPassword == "" -> disabled
	_, clientSide, housekeeper := newTestBroker(t, cfg)
	defer housekeeper.Stop()
	defer clientSide.Close()

	r := wire.NewReader(clientSide)
	w := wire.NewWriter(clientSide)

	if err := w.WriteAuthorizePassword([]byte("anything")); err != nil {
		t.Fatalf("WriteAuthorizePassword: %v", err)
	}
	pkt, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if pkt.Type != wire.TypeError || pkt.Code != wire.ErrDisabled {
		t.Fatalf("got type=%v code=%v, want Error/Disabled", pkt.Type, pkt.Code)
	}
}

func TestBrokerWrongPasswordRejected(t *testing.T) {
	cfg := config.Default()
	cfg.Server.UniversalPassword = "correct-horse"
	_, clientSide, housekeeper := newTestBroker(t, cfg)
	defer housekeeper.Stop()
	defer clientSide.Close()

	r := wire.NewReader(clientSide)
	w := wire.NewWriter(clientSide)

	if err := w.WriteAuthorizePassword([]byte("wrong")); err != nil {
		t.Fatalf("WriteAuthorizePassword: %v", err)
	}
	pkt, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if pkt.Type != wire.TypeError || pkt.Code != wire.ErrAccessDenied {
		t.Fatalf("got type=%v code=%v, want Error/AccessDenied", pkt.Type, pkt.Code)
	}
}

func TestBrokerRejectsSecondCreateServer(t *testing.T) {
	cfg := config.Default()
	_, clientSide, housekeeper := newTestBroker(t, cfg)
	defer housekeeper.Stop()
	defer clientSide.Close()

	r := wire.NewReader(clientSide)
	w := wire.NewWriter(clientSide)

	if err := w.WriteCreateServerRequestTCP(0); err != nil {
		t.Fatalf("WriteCreateServerRequestTCP: %v", err)
	}
	typ, flags, err := r.ReadHeader()
	if err != nil || typ != wire.TypeCreateServer {
		t.Fatalf("first create server: typ=%v err=%v", typ, err)
	}
	if _, err := r.ReadCreateServerResponse(flags, wire.ProtoTCP); err != nil {
		t.Fatalf("ReadCreateServerResponse: %v", err)
	}

	if err := w.WriteCreateServerRequestTCP(0); err != nil {
		t.Fatalf("second WriteCreateServerRequestTCP: %v", err)
	}
	pkt, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if pkt.Type != wire.TypeError || pkt.Code != wire.ErrAlreadyCreated {
		t.Fatalf("got type=%v code=%v, want Error/AlreadyCreated", pkt.Type, pkt.Code)
	}
}

func TestBrokerCreateTcpWithoutRightsDenied(t *testing.T) {
	cfg := config.Default()
	cfg.Permissions.JustConnected.Tcp.CanCreate = false
	_, clientSide, housekeeper := newTestBroker(t, cfg)
	defer housekeeper.Stop()
	defer clientSide.Close()

	r := wire.NewReader(clientSide)
	w := wire.NewWriter(clientSide)

	if err := w.WriteCreateServerRequestTCP(0); err != nil {
		t.Fatalf("WriteCreateServerRequestTCP: %v", err)
	}
	pkt, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if pkt.Type != wire.TypeError || pkt.Code != wire.ErrAccessDenied {
		t.Fatalf("got type=%v code=%v, want Error/AccessDenied", pkt.Type, pkt.Code)
	}
}

// TestBrokerShutdownClosesBoundVisitorSockets exercises the graceful
// cascade: closing down a session (not its underlying conn being closed by
// the peer, but an explicit Shutdown) must eventually close every visitor
// socket accepted under that session's bound server.
func TestBrokerShutdownClosesBoundVisitorSockets(t *testing.T) {
	cfg := config.Default()
	b, clientSide, housekeeper := newTestBroker(t, cfg)
	defer housekeeper.Stop()
	defer clientSide.Close()

	r := wire.NewReader(clientSide)
	w := wire.NewWriter(clientSide)

	if err := w.WriteCreateServerRequestTCP(0); err != nil {
		t.Fatalf("WriteCreateServerRequestTCP: %v", err)
	}
	typ, flags, err := r.ReadHeader()
	if err != nil || typ != wire.TypeCreateServer {
		t.Fatalf("create server: typ=%v err=%v", typ, err)
	}
	resp, err := r.ReadCreateServerResponse(flags, wire.ProtoTCP)
	if err != nil {
		t.Fatalf("ReadCreateServerResponse: %v", err)
	}

	visitorConn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(int(resp.Port)))
	if err != nil {
		t.Fatalf("Dial visitor: %v", err)
	}
	defer visitorConn.Close()

	b.Shutdown()

	visitorConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := visitorConn.Read(buf); err == nil {
		t.Fatalf("expected visitor socket to be closed by cascading shutdown")
	}
}

// TestBrokerTracksVisitorsConnectedGauge exercises the metrics wiring in
// applyEvent/teardown: the gauge goes up when a visitor connects and back
// down to zero once the session (and the visitor socket with it) is gone,
// even though the worker never gets to emit EventDisconnected for it.
func TestBrokerTracksVisitorsConnectedGauge(t *testing.T) {
	cfg := config.Default()
	housekeeper := hk.New()
	go housekeeper.Run()
	housekeeper.WaitStarted()
	defer housekeeper.Stop()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	serverSide, clientSide := net.Pipe()
	b, err := session.NewBroker(serverSide, cfg, housekeeper, m, nil, "test-session")
	if err != nil {
		t.Fatalf("NewBroker: %v", err)
	}
	go b.Run()
	defer clientSide.Close()

	r := wire.NewReader(clientSide)
	w := wire.NewWriter(clientSide)

	if err := w.WriteCreateServerRequestTCP(0); err != nil {
		t.Fatalf("WriteCreateServerRequestTCP: %v", err)
	}
	typ, flags, err := r.ReadHeader()
	if err != nil || typ != wire.TypeCreateServer {
		t.Fatalf("create server: typ=%v err=%v", typ, err)
	}
	resp, err := r.ReadCreateServerResponse(flags, wire.ProtoTCP)
	if err != nil {
		t.Fatalf("ReadCreateServerResponse: %v", err)
	}

	visitorConn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(int(resp.Port)))
	if err != nil {
		t.Fatalf("Dial visitor: %v", err)
	}
	defer visitorConn.Close()

	// wait for the session to process the resulting EventConnected.
	pkt, err := r.ReadPacket()
	if err != nil || pkt.Type != wire.TypeConnect {
		t.Fatalf("expected Connect, got %v err=%v", pkt, err)
	}
	if got := m.Snapshot().VisitorsConnected; got != 1 {
		t.Fatalf("VisitorsConnected = %v, want 1", got)
	}

	b.Shutdown()
	time.Sleep(100 * time.Millisecond)
	if got := m.Snapshot().VisitorsConnected; got != 0 {
		t.Fatalf("VisitorsConnected after shutdown = %v, want 0", got)
	}
}
