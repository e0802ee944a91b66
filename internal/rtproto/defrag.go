package rtproto

import (
	"fmt"
	"net"
	"sync"

	"github.com/rtnet-go/rtnet/internal/rterr"
	"github.com/rtnet-go/rtnet/internal/rtskb"
)

// CollectorCount bounds the number of in-flight reassemblies, mirroring
// the original's small fixed collector table rather than a dynamically
// sized one; a flood of fragmented datagrams from distinct sources
// degrades to ENOBUFS on the table, not unbounded memory growth.
const CollectorCount = 10

// DefaultGarbageCollectLimit is the number of Add calls a collector may
// sit idle (no new fragment for its datagram) before it is reclaimed,
// counted in calls to Add rather than wall-clock time so reclamation
// stays independent of however the caller paces its polling loop.
const DefaultGarbageCollectLimit = 10000

type collector struct {
	inUse bool

	saddr, daddr [4]byte
	id           uint16
	proto        uint8

	head, tail *rtskb.Skb
	pool       *rtskb.Pool

	expectedOffset int
	bornAtTick     int64
}

func (c *collector) matches(hdr IPv4Header, saddr, daddr [4]byte) bool {
	return c.inUse && c.saddr == saddr && c.daddr == daddr && c.id == hdr.ID && c.proto == hdr.Protocol
}

func (c *collector) reset() {
	*c = collector{}
}

// ResolvePool is consulted on the first fragment of a new datagram to
// learn which pool the reassembled chain should be acquired into
// (typically the destination socket's receive pool); returning ok=false
// means the fragment cannot be attributed (no listener) and is dropped.
type ResolvePool func(firstFragment *rtskb.Skb, hdr IPv4Header) (pool *rtskb.Pool, ok bool)

// Defragmenter reassembles fragmented IPv4 datagrams. Callers are
// expected to have already special-cased the (overwhelmingly common)
// unfragmented datagram: Add only ever sees skbs whose header declares
// MF or a nonzero fragment offset.
type Defragmenter struct {
	mu           sync.Mutex
	slots        [CollectorCount]collector
	tick         int64
	garbageLimit int64
}

// NewDefragmenter creates a defragmenter that reclaims an idle
// collector after garbageLimit calls to Add with no progress on its
// datagram. A non-positive garbageLimit uses DefaultGarbageCollectLimit.
func NewDefragmenter(garbageLimit int64) *Defragmenter {
	if garbageLimit <= 0 {
		garbageLimit = DefaultGarbageCollectLimit
	}
	return &Defragmenter{garbageLimit: garbageLimit}
}

func to4(ip net.IP) [4]byte {
	var a [4]byte
	copy(a[:], ip.To4())
	return a
}

// Add feeds one fragment into the reassembly table. It returns the
// completed chain (headed by the first fragment, payload-only, already
// acquired into the destination pool) when the fragment it was given
// was the last missing piece; otherwise complete is nil and done is
// false while the fragment is held pending siblings.
//
// dropped counts how many fragments this call discarded outright: any
// collector reclaimed for sitting idle too long (swept before skb is
// even looked at), plus — when skb itself aborts a reassembly in
// progress — every fragment the aborted chain had already accumulated.
// It is the caller's attribution for a drop counter, since one failed
// Add call can cost far more than the one packet it was given.
//
// A fragment that arrives out of order (byte offset does not match the
// next expected offset for its datagram) drops the whole chain built so
// far: the original rejects reordering within a single datagram rather
// than buffering out-of-order pieces.
func (d *Defragmenter) Add(skb *rtskb.Skb, hdr IPv4Header, resolve ResolvePool) (complete *rtskb.Skb, done bool, dropped int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick++
	dropped = d.reclaimStaleLocked()

	saddr, daddr := to4(hdr.Src), to4(hdr.Dst)

	for i := range d.slots {
		c := &d.slots[i]
		if !c.matches(hdr, saddr, daddr) {
			continue
		}
		if hdr.ByteOffset() != c.expectedOffset {
			dropped += rtskb.ChainLen(c.head)
			rtskb.Free(c.head)
			c.reset()
			rtskb.Free(skb)
			return nil, false, dropped, fmt.Errorf("rtproto: out-of-order fragment for id %d: %w", hdr.ID, rterr.ErrNotFound)
		}

		skb.Pull(hdr.IHL)
		skb.DataLen = skb.Len
		if err := rtskb.Acquire(skb, c.pool); err != nil {
			dropped += rtskb.ChainLen(c.head)
			rtskb.Free(c.head)
			c.reset()
			rtskb.Free(skb)
			return nil, false, dropped, err
		}

		c.tail.SetChainNext(skb)
		c.head.SetChainEnd(skb)
		c.tail = skb
		c.expectedOffset += skb.Len

		if !hdr.MoreFragments() {
			head := c.head
			c.reset()
			return head, true, dropped, nil
		}
		c.bornAtTick = d.tick
		return nil, false, dropped, nil
	}

	// No existing collector: this must be the first fragment (offset 0,
	// MF set) of a new datagram. Anything else is an orphaned fragment
	// whose first piece was lost or already reclaimed.
	if hdr.ByteOffset() != 0 {
		rtskb.Free(skb)
		dropped++
		return nil, false, dropped, fmt.Errorf("rtproto: fragment with no first piece for id %d: %w", hdr.ID, rterr.ErrNotFound)
	}

	slot := d.freeSlotLocked()
	if slot == nil {
		rtskb.Free(skb)
		dropped++
		return nil, false, dropped, rterr.ErrNoBufs
	}

	pool, ok := resolve(skb, hdr)
	if !ok {
		rtskb.Free(skb)
		dropped++
		return nil, false, dropped, rterr.ErrNotFound
	}

	skb.Pull(hdr.IHL)
	skb.DataLen = skb.Len
	if err := rtskb.Acquire(skb, pool); err != nil {
		rtskb.Free(skb)
		dropped++
		return nil, false, dropped, err
	}

	*slot = collector{
		inUse:          true,
		saddr:          saddr,
		daddr:          daddr,
		id:             hdr.ID,
		proto:          hdr.Protocol,
		head:           skb,
		tail:           skb,
		pool:           pool,
		expectedOffset: skb.Len,
		bornAtTick:     d.tick,
	}
	return nil, false, dropped, nil
}

func (d *Defragmenter) freeSlotLocked() *collector {
	for i := range d.slots {
		if !d.slots[i].inUse {
			return &d.slots[i]
		}
	}
	return nil
}

// reclaimStaleLocked frees every collector that has sat idle (no
// progress on its datagram) past the garbage-collect limit and returns
// the total number of fragments it swept, for the caller's drop count.
func (d *Defragmenter) reclaimStaleLocked() int {
	dropped := 0
	for i := range d.slots {
		c := &d.slots[i]
		if c.inUse && d.tick-c.bornAtTick > d.garbageLimit {
			dropped += rtskb.ChainLen(c.head)
			rtskb.Free(c.head)
			c.reset()
		}
	}
	return dropped
}
