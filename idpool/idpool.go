// Package idpool hands out and recycles the 16-bit visitor ids a session
// assigns to every accepted visitor socket (spec section 4.3).
package idpool

import (
	"sync"
	"time"

	"github.com/fluxusproxy/fluxus/internal/hk"
	"github.com/fluxusproxy/fluxus/internal/xdebug"
)

// swapInterval is how often staged (released-but-not-yet-reusable) ids are
// folded back into the free list, so an in-flight Disconnected write for an
// id can't race a freshly issued Connect carrying the same id.
const swapInterval = 2 * time.Second

// ceiling is the largest valid visitor id plus one: ids are a uint16, and
// the pool refuses to monotonically allocate past 0xFFFF.
const ceiling = 1 << 16

// Pool allocates and recycles visitor ids. It is guarded by a single mutex
// since only the owning PublicListener allocates (on accept) and the owning
// Session releases (on Disconnected); hold times are O(1) (spec section
// 5's concurrency notes).
type Pool struct {
	mu sync.Mutex

	next   uint32 // next never-yet-issued id; 0..ceiling, then exhausted
	free   []uint16
	staged []uint16

	hk   *hk.Housekeeper
	name string
}

// New creates a Pool and registers its periodic staged-to-free swap with
// hk. name must be unique per Pool for the lifetime of hk (session id is
// the natural choice).
func New(hk *hk.Housekeeper, name string) *Pool {
	p := &Pool{hk: hk, name: name}
	hk.Reg(name, p.swapTick, swapInterval)
	return p
}

// Close unregisters the periodic swap. Callers must call this when a
// session's PublicServer tears down, or the housekeeper keeps ticking a
// pool nothing references.
func (p *Pool) Close() { p.hk.Unreg(p.name) }

// Request allocates the next available id, preferring recently-freed ids
// in LIFO order over monotonic growth. It returns ok=false once the
// 65,536-visitor ceiling is reached and no freed id is available — callers
// must respond with Error{AccessDenied} or refuse the Connect (spec section
// 4.3/8).
func (p *Pool) Request() (id uint16, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		id = p.free[n-1]
		p.free = p.free[:n-1]
		xdebug.Assert(uint32(id) < p.next, "idpool: free list held an id past the issued range")
		return id, true
	}
	if p.next < ceiling {
		id = uint16(p.next)
		p.next++
		return id, true
	}

	// Exhausted the monotonic range with nothing in the free list: fold
	// staged ids in immediately rather than waiting out the swap interval
	// (spec: "swapped... once every ~2 seconds (or on exhaustion)").
	p.foldStagedLocked()
	if n := len(p.free); n > 0 {
		id = p.free[n-1]
		p.free = p.free[:n-1]
		return id, true
	}
	return 0, false
}

// Release returns id to the pool. It does not become reusable until the
// next swap tick, so a Disconnect write still in flight for this id never
// races a fresh Connect reusing it.
func (p *Pool) Release(id uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	xdebug.Assert(uint32(id) < p.next, "idpool: release of an id never issued")
	p.staged = append(p.staged, id)
}

func (p *Pool) foldStagedLocked() {
	if len(p.staged) == 0 {
		return
	}
	p.free = append(p.free, p.staged...)
	p.staged = p.staged[:0]
}

// swapTick is the hk.Func driving the periodic staged-to-free swap.
func (p *Pool) swapTick() time.Duration {
	p.mu.Lock()
	p.foldStagedLocked()
	p.mu.Unlock()
	return swapInterval
}
