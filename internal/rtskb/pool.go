package rtskb

import (
	"fmt"
	"sync"

	"github.com/rtnet-go/rtnet/internal/rterr"
)

// DefaultBufLen is the default usable buffer size for a pool's skbs,
// large enough for an Ethernet MTU (1500) plus headroom for link/
// network/transport headers.
const DefaultBufLen = 1600

// Pool is a bounded FIFO of free Skbs plus the bookkeeping needed to
// preserve the per-pool quota invariant: |free| + |in-flight from this
// pool| always equals capacity, except during the narrow window of an
// Acquire, which is itself atomic with respect to that invariant.
type Pool struct {
	mu   sync.Mutex
	name string

	free     *Skb // intrusive singly-linked free list
	freeTail *Skb
	freeLen  int

	capacity  int // current quota: free + charged-out
	chargedOut int
	highWater int

	bufLen int
}

// NewPool creates an empty pool with the given name (used only for
// diagnostics/metrics labels) and per-skb buffer size. Call Init to
// populate it.
func NewPool(name string, bufLen int) *Pool {
	if bufLen <= 0 {
		bufLen = DefaultBufLen
	}
	return &Pool{name: name, bufLen: bufLen}
}

// Name returns the pool's diagnostic name.
func (p *Pool) Name() string { return p.name }

// Capacity returns the pool's current quota (free + charged-out).
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}

// Free returns the number of currently-free (unallocated) skbs.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeLen
}

// ChargedOut returns the number of skbs currently allocated out of
// this pool (the "in-flight" side of the capacity invariant).
func (p *Pool) ChargedOut() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chargedOut
}

// HighWater returns the largest chargedOut value observed since the
// pool was created or last reset.
func (p *Pool) HighWater() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.highWater
}

func (p *Pool) newSkb() *Skb {
	s := &Skb{
		buf:      make([]byte, p.bufLen),
		bufStart: 0,
		end:      p.bufLen,
		BufLen:   p.bufLen,
	}
	s.chainEnd = s
	return s
}

func (p *Pool) pushFreeLocked(s *Skb) {
	s.next = nil
	if p.freeTail == nil {
		p.free, p.freeTail = s, s
	} else {
		p.freeTail.next = s
		p.freeTail = s
	}
	p.freeLen++
}

func (p *Pool) popFreeLocked() *Skb {
	s := p.free
	if s == nil {
		return nil
	}
	p.free = s.next
	if p.free == nil {
		p.freeTail = nil
	}
	s.next = nil
	p.freeLen--
	return s
}

// Init fills the pool to at most initial buffers, only ever called
// from non-RT context (it allocates memory). It allocates all initial
// buffers and returns initial, the count actually allocated.
func (p *Pool) Init(initial int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < initial; i++ {
		p.pushFreeLocked(p.newSkb())
		p.capacity++
	}
	return initial
}

// Extend grows the pool's quota by n additional free buffers. Must not
// be called from RT context (allocates). Returns the count actually
// added.
func (p *Pool) Extend(n int) int {
	if n <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n; i++ {
		p.pushFreeLocked(p.newSkb())
		p.capacity++
	}
	return n
}

// Shrink reduces the pool's quota by up to n buffers, taking only from
// the currently-free list so in-flight skbs are never invalidated.
// Returns the count actually removed.
func (p *Pool) Shrink(n int) int {
	if n <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for removed < n && p.freeLen > 0 {
		p.popFreeLocked()
		p.capacity--
		removed++
	}
	return removed
}

// Release asserts that the pool is fully returned (no charged-out
// skbs) and drops its backing storage. Called at socket/device
// teardown once the "quiesce before free" wait has confirmed no
// referrers remain.
func (p *Pool) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chargedOut != 0 {
		return fmt.Errorf("rtskb: release %q: %w (chargedOut=%d)", p.name, rterr.ErrBusy, p.chargedOut)
	}
	p.free = nil
	p.freeTail = nil
	p.freeLen = 0
	p.capacity = 0
	return nil
}

// Alloc pops a free skb, resets its buffer window to reserve size bytes
// of headroom, and charges it against the pool. O(1), no allocation.
func Alloc(size int, p *Pool) (*Skb, error) {
	p.mu.Lock()
	s := p.popFreeLocked()
	if s == nil {
		p.mu.Unlock()
		return nil, rterr.ErrOutOfBuffers
	}
	p.chargedOut++
	if p.chargedOut > p.highWater {
		p.highWater = p.chargedOut
	}
	p.mu.Unlock()

	s.ownerPool = p
	s.currentPool = p
	s.resetWindow(size)
	return s, nil
}

// Free returns the chain headed by s to the pool referenced by its
// current-pool field; only the presence of a current pool is asserted.
// The whole chain is walked up to s.chainEnd (s itself for a
// non-fragment skb) and each link is returned to
// ITS OWN current pool (fragments may have been acquired into
// different pools along the way in principle, though in practice a
// reassembled datagram shares one pool).
func Free(s *Skb) {
	if s == nil {
		return
	}
	cur := s
	for cur != nil {
		next := cur.chainNext
		pool := cur.currentPool
		assertf(pool != nil, fmt.Errorf("rtskb: free: skb has no current pool"))
		pool.mu.Lock()
		pool.pushFreeLocked(cur)
		pool.chargedOut--
		pool.mu.Unlock()
		if cur == s.chainEnd {
			break
		}
		cur = next
	}
}

// Acquire is the only legal way to transfer a live skb between pools
// while preserving each pool's quota: it dequeues one compensation skb
// from target, returns that compensation skb to skb's current pool
// (so the origin pool's free count is unaffected), and rebinds skb's
// current-pool field to target. After Acquire succeeds, Free(skb)
// returns it to target, not to its original pool.
func Acquire(skb *Skb, target *Pool) error {
	origin := skb.currentPool

	target.mu.Lock()
	comp := target.popFreeLocked()
	if comp == nil {
		target.mu.Unlock()
		return rterr.ErrOutOfCompensation
	}
	target.chargedOut++
	if target.chargedOut > target.highWater {
		target.highWater = target.chargedOut
	}
	target.mu.Unlock()

	comp.ownerPool = target
	comp.currentPool = origin

	origin.mu.Lock()
	origin.pushFreeLocked(comp)
	origin.chargedOut--
	origin.mu.Unlock()

	skb.currentPool = target
	return nil
}
