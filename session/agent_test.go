package session_test

import (
	"net"
	"testing"
	"time"

	"github.com/fluxusproxy/fluxus/session"
	"github.com/fluxusproxy/fluxus/wire"
)

// brokerStub drives the broker half of the wire protocol by hand, so Dial
// and Agent.Run can be exercised without a real Broker.
type brokerStub struct {
	r *wire.Reader
	w *wire.Writer
}

func newBrokerStub(conn net.Conn) *brokerStub {
	return &brokerStub{r: wire.NewReader(conn), w: wire.NewWriter(conn)}
}

func (b *brokerStub) expectPingAndReply(t *testing.T, name string) {
	t.Helper()
	pkt, err := b.r.ReadPacket()
	if err != nil || pkt.Type != wire.TypePing {
		t.Fatalf("expected ping, got %v err=%v", pkt, err)
	}
	if err := b.w.WritePingResponse(0, 3, 16*1024, name); err != nil {
		t.Fatalf("WritePingResponse: %v", err)
	}
}

func (b *brokerStub) expectCreateServerTCPAndBind(t *testing.T, port uint16) {
	t.Helper()
	pkt, err := b.r.ReadPacket()
	if err != nil || pkt.Type != wire.TypeCreateServer || pkt.Proto != wire.ProtoTCP {
		t.Fatalf("expected CreateServer/tcp, got %v err=%v", pkt, err)
	}
	if err := b.w.WriteCreateServerResponseTCP(port); err != nil {
		t.Fatalf("WriteCreateServerResponseTCP: %v", err)
	}
}

func TestAgentDialHandshake(t *testing.T) {
	brokerSide, agentSide := net.Pipe()
	defer brokerSide.Close()

	stub := newBrokerStub(brokerSide)
	done := make(chan struct{})
	go func() {
		defer close(done)
		stub.expectPingAndReply(t, "my-broker")
		stub.expectCreateServerTCPAndBind(t, 9000)
	}()

	agent, hs, err := session.Dial(agentSide, "127.0.0.1:1", nil, session.Request{Proto: wire.ProtoTCP, Port: 0}, 4096, 256)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer agent.Shutdown()
	<-done

	if hs.ServerName != "my-broker" {
		t.Fatalf("ServerName = %q, want my-broker", hs.ServerName)
	}
	if hs.BoundPort != 9000 {
		t.Fatalf("BoundPort = %d, want 9000", hs.BoundPort)
	}
}

func TestAgentDialsOriginOnConnectAndForwardsBytes(t *testing.T) {
	origin, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer origin.Close()

	originAccepted := make(chan net.Conn, 1)
	go func() {
		c, err := origin.Accept()
		if err == nil {
			originAccepted <- c
		}
	}()

	brokerSide, agentSide := net.Pipe()
	defer brokerSide.Close()

	stub := newBrokerStub(brokerSide)
	handshakeDone := make(chan struct{})
	go func() {
		defer close(handshakeDone)
		stub.expectPingAndReply(t, "b")
		stub.expectCreateServerTCPAndBind(t, 1234)
	}()

	agent, _, err := session.Dial(agentSide, origin.Addr().String(), nil, session.Request{Proto: wire.ProtoTCP}, 4096, 256)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	<-handshakeDone
	go agent.Run()
	defer agent.Shutdown()

	if err := stub.w.WriteConnect(7); err != nil {
		t.Fatalf("WriteConnect: %v", err)
	}

	var originConn net.Conn
	select {
	case originConn = <-originAccepted:
	case <-time.After(2 * time.Second):
		t.Fatal("agent never dialed origin")
	}
	defer originConn.Close()

	if err := stub.w.WriteForward(7, []byte("hello"), false); err != nil {
		t.Fatalf("WriteForward: %v", err)
	}

	originConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 5)
	if _, err := readFull(originConn, buf); err != nil {
		t.Fatalf("read at origin: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("origin got %q, want hello", buf)
	}

	if _, err := originConn.Write([]byte("world")); err != nil {
		t.Fatalf("origin write: %v", err)
	}

	brokerSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt, err := stub.r.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if pkt.Type != wire.TypeForward || pkt.VisitorID != 7 || string(pkt.Payload) != "world" {
		t.Fatalf("got %+v, want Forward{7, world}", pkt)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
