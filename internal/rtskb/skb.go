// Package rtskb implements the deterministic packet-buffer subsystem:
// pre-allocated, pool-owned packet descriptors used on every send and
// receive path. No allocation occurs once a pool has been initialized;
// every buffer is tracked by its owning pool, and ownership transfers
// between pools only through the paired Acquire primitive.
package rtskb

import (
	"fmt"
)

// DeviceHandle is the minimal view of an ingress/egress device that an
// Skb needs to reference. Defined here (rather than imported from the
// device package) so rtskb has no dependency on rtdev; rtdev depends on
// rtskb, not the other way around.
type DeviceHandle interface {
	Name() string
}

// SocketHandle is the minimal view of an owning socket that an Skb
// needs in order to signal arrival of data. Implemented by rtsocket.Socket.
type SocketHandle interface {
	NotifyData()
}

// Skb is a fixed-capacity packet descriptor. Every field mirrors a field
// of the original rtskb: a pool-owned buffer window, routing/protocol
// tags, and the four raw offsets (bufStart, data, tail, end) bounding the
// usable buffer and the current payload range.
//
// Invariant: bufStart <= data <= tail <= end, and len() == tail - data
// for a linear (non-fragment-chain) skb.
type Skb struct {
	next *Skb // intrusive FIFO / priority-queue link

	// chainNext links to the next fragment in a reassembly chain. Kept
	// separate from next: a reassembled datagram's head is handed
	// straight to a socket's receive Queue, which threads next through
	// it for its own FIFO link, and that threading must not disturb the
	// chain the fragments still need to be walked and freed through.
	chainNext *Skb

	ownerPool   *Pool // the pool this skb must eventually be freed back to
	currentPool *Pool // the pool it is presently charged against

	Priority uint8 // 0 (QueueMaxPrio) .. 31 (QueueMinPrio)

	Socket SocketHandle
	Device DeviceHandle

	Protocol   uint16 // host-order EtherType or IP protocol number, context-dependent
	PacketType uint8  // PACKET_HOST / PACKET_BROADCAST / PACKET_OTHERHOST, etc.

	Checksum uint32
	CsumOK   bool

	// RouteCache is an opaque cache slot the routing layer may use to
	// avoid a second lookup when a single skb is handed off between
	// layers (e.g. IP output filling it in once for the UDP layer).
	RouteCache any

	Len       int // tail - data, kept in sync by the buffer operations
	DataLen   int // length of this skb's payload alone (fragment chains sum DataLen across links)
	BufLen    int // capacity of buf
	RXStampNs int64

	buf      []byte
	bufStart int
	data     int
	tail     int
	end      int

	// chainEnd anchors the tail of a fragment chain; Free(head) walks
	// chainNext until chainEnd to return the whole chain to its pool(s).
	// For a non-fragment skb, chainEnd == the skb itself.
	chainEnd *Skb
}

// Data returns the current payload window [data:tail).
func (s *Skb) Data() []byte {
	return s.buf[s.data:s.tail]
}

// Head returns the full usable buffer window [bufStart:end), useful for
// diagnostics and for validating offsets computed by header overlays.
func (s *Skb) Head() []byte {
	return s.buf[s.bufStart:s.end]
}

// HeadOffset returns the offset of data within the usable buffer window,
// i.e. how much headroom remains for Push.
func (s *Skb) HeadOffset() int { return s.data - s.bufStart }

// TailRoom returns how much room remains for Put before hitting end.
func (s *Skb) TailRoom() int { return s.end - s.tail }

// Next returns the next skb in whatever FIFO or priority queue this skb
// is currently linked into, or nil. It says nothing about fragment
// chains; use ChainNext for that.
func (s *Skb) Next() *Skb { return s.next }

// ChainNext returns the next fragment in s's reassembly chain, or nil
// if s is the chain's tail.
func (s *Skb) ChainNext() *Skb { return s.chainNext }

// ChainLen returns the number of fragments in head's chain (1 for a
// non-fragment skb), walking from head to its ChainEnd.
func ChainLen(head *Skb) int {
	if head == nil {
		return 0
	}
	n := 0
	for cur := head; cur != nil; cur = cur.chainNext {
		n++
		if cur == head.chainEnd {
			break
		}
	}
	return n
}

// OwnerPool returns the pool this skb must ultimately be freed back to.
func (s *Skb) OwnerPool() *Pool { return s.ownerPool }

// CurrentPool returns the pool this skb is presently charged against.
func (s *Skb) CurrentPool() *Pool { return s.currentPool }

// boundsError is a programming-error signal: a caller asked to move
// data/tail outside the buffer window. Per the buffer subsystem's
// design, this must trip an assertion rather than silently corrupt
// memory; the assert package decides whether that means panicking
// (debug builds / tests) or counting and refusing the operation
// (release builds).
type boundsError struct {
	op   string
	n    int
	want string
}

func (e *boundsError) Error() string {
	return fmt.Sprintf("rtskb: %s(%d) would violate %s", e.op, e.n, e.want)
}

// Reserve allocates n bytes of headroom at the front of a freshly
// allocated skb, before any Put. Used by link-layer header construction
// to leave room for the lower-layer header to be Pushed later.
func (s *Skb) Reserve(n int) {
	if n < 0 || s.data+n > s.end {
		assertf(false, &boundsError{"reserve", n, "data <= end"})
		return
	}
	s.data += n
	s.tail += n
	s.Len = s.tail - s.data
}

// Put extends the payload at the tail by n bytes and returns a slice
// over the newly added region for the caller to fill in.
func (s *Skb) Put(n int) []byte {
	if n < 0 || s.tail+n > s.end {
		assertf(false, &boundsError{"put", n, "tail <= end"})
		return nil
	}
	start := s.tail
	s.tail += n
	s.Len = s.tail - s.data
	if s.tail > s.dataEndHighWater() {
		s.DataLen = s.Len
	}
	return s.buf[start:s.tail]
}

// Push moves data backward by n bytes (into reserved headroom) and
// returns a slice over the newly exposed region, for prepending a
// header (e.g. IP atop UDP, Ethernet atop IP).
func (s *Skb) Push(n int) []byte {
	if n < 0 || s.data-n < s.bufStart {
		assertf(false, &boundsError{"push", n, "bufStart <= data"})
		return nil
	}
	s.data -= n
	s.Len = s.tail - s.data
	return s.buf[s.data : s.data+n]
}

// Pull strips n bytes from the front of the payload (consuming a parsed
// header) and returns a slice over the stripped region.
func (s *Skb) Pull(n int) []byte {
	if n < 0 || s.data+n > s.tail {
		assertf(false, &boundsError{"pull", n, "data <= tail"})
		return nil
	}
	start := s.data
	s.data += n
	s.Len = s.tail - s.data
	return s.buf[start:s.data]
}

// Trim shrinks the payload to newLen bytes by moving tail backward.
func (s *Skb) Trim(newLen int) {
	if newLen < 0 || s.data+newLen > s.tail {
		assertf(false, &boundsError{"trim", newLen, "data+newLen <= tail"})
		return
	}
	s.tail = s.data + newLen
	s.Len = s.tail - s.data
}

func (s *Skb) dataEndHighWater() int { return s.data }

// resetWindow re-centers data/tail at bufStart+headroom with zero
// payload, as alloc does; used internally when a pooled skb is reused.
func (s *Skb) resetWindow(headroom int) {
	s.data = s.bufStart + headroom
	s.tail = s.data
	s.Len = 0
	s.DataLen = 0
	s.Protocol = 0
	s.PacketType = 0
	s.Checksum = 0
	s.CsumOK = false
	s.RouteCache = nil
	s.Socket = nil
	s.Device = nil
	s.Priority = 0
	s.RXStampNs = 0
	s.next = nil
	s.chainNext = nil
	s.chainEnd = s
}

// SetChainNext links s to the next fragment in a reassembly chain and
// updates the chain's end marker so a subsequent Free(head) can walk
// the whole chain.
func (s *Skb) SetChainNext(next *Skb) {
	s.chainNext = next
	if next != nil {
		s.chainEnd = next.chainEnd
	}
}

// ChainEnd returns the tail anchor of s's fragment chain (s itself for
// a non-fragment skb).
func (s *Skb) ChainEnd() *Skb { return s.chainEnd }

// SetChainEnd overrides the chain-head's tail anchor directly. Used by
// reassembly code that appends fragments one at a time and must keep
// the head's chainEnd pointing at the current tail rather than the
// fragment most recently linked in front of it.
func (s *Skb) SetChainEnd(end *Skb) { s.chainEnd = end }
