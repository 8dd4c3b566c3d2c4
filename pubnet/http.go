package pubnet

import (
	"io"
	"net"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
)

const numShards = 16

// HTTPRouter is the single fasthttp.Server shared across every
// CreateServer{Http} session on the broker (SPEC_FULL's "HTTP endpoint
// hint and host-based routing" item): one listener, many tenants,
// dispatched by Host header into a sharded routing table keyed by a fast
// hash of the host string rather than Go's native map hash, mirroring the
// "fast hasher" treatment spec.md section 4.4 gives visitor ids.
type HTTPRouter struct {
	server *fasthttp.Server
	shards [numShards]*hostShard
}

type hostShard struct {
	mu     sync.RWMutex
	routes map[string]chan net.Conn
}

func NewHTTPRouter() *HTTPRouter {
	r := &HTTPRouter{}
	for i := range r.shards {
		r.shards[i] = &hostShard{routes: make(map[string]chan net.Conn)}
	}
	r.server = &fasthttp.Server{Handler: r.handle}
	return r
}

func (r *HTTPRouter) shardFor(host string) *hostShard {
	h := xxhash.ChecksumString64(host)
	return r.shards[h%numShards]
}

// Register binds host to a fresh Socket, failing if another session
// already owns that host (the broker's per-endpoint uniqueness, named in
// spec.md's SelectHttpHost).
func (r *HTTPRouter) Register(host string) (*HTTPBinding, error) {
	shard := r.shardFor(host)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if _, exists := shard.routes[host]; exists {
		return nil, errors.Errorf("pubnet: host %q already bound", host)
	}
	conns := make(chan net.Conn)
	shard.routes[host] = conns
	return &HTTPBinding{router: r, host: host, conns: conns, closeCh: make(chan struct{})}, nil
}

func (r *HTTPRouter) unregister(host string) {
	shard := r.shardFor(host)
	shard.mu.Lock()
	delete(shard.routes, host)
	shard.mu.Unlock()
}

// handle routes one incoming HTTP request by Host header, hijacking the
// underlying connection and forwarding it to the matching session's
// PublicListener as a raw visitor socket.
func (r *HTTPRouter) handle(ctx *fasthttp.RequestCtx) {
	host := string(ctx.Host())
	shard := r.shardFor(host)
	shard.mu.RLock()
	conns, ok := shard.routes[host]
	shard.mu.RUnlock()
	if !ok {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}
	ctx.Hijack(func(conn net.Conn) {
		select {
		case conns <- conn:
		default:
			conn.Close()
		}
	})
}

// Serve runs the shared server on ln; cmd/broker starts it once per broker
// process at boot, when server.http_listen is set.
func (r *HTTPRouter) Serve(ln net.Listener) error {
	return r.server.Serve(ln)
}

// HTTPBinding is the Socket a PublicListener drives for a CreateServer{Http}
// session: visitor connections arrive already hijacked from the shared
// fasthttp.Server, keyed by the endpoint this binding registered.
type HTTPBinding struct {
	router  *HTTPRouter
	host    string
	conns   chan net.Conn
	closeCh chan struct{}
}

func (b *HTTPBinding) Accept() (net.Conn, error) {
	select {
	case conn := <-b.conns:
		return conn, nil
	case <-b.closeCh:
		return nil, io.EOF
	}
}

func (b *HTTPBinding) Close() error {
	b.router.unregister(b.host)
	close(b.closeCh)
	return nil
}

// Endpoint returns the bound host, echoed back in the CreateServer
// response (spec section 4.1's length-prefixed endpoint string).
func (b *HTTPBinding) Endpoint() string { return b.host }
