// Package rtsocket implements the socket layer (spec component F): the
// polymorphic socket object bind/connect/sendmsg/recvmsg/close
// operate on, dispatched by family (UDP datagram, raw packet), plus
// the UDP port registry that resolves inbound datagrams to a bound
// socket.
package rtsocket

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rtnet-go/rtnet/internal/rterr"
	"github.com/rtnet-go/rtnet/internal/rtskb"
)

// Family is the socket address family; this stack only ever speaks IPv4
// and the link-layer packet family, so there is exactly one useful
// value of each relevant dimension rather than a general socket(2)
// surface.
type Family uint8

// Type is the socket type (analogous to SOCK_DGRAM / SOCK_RAW).
type Type uint8

const (
	TypeUDPDatagram Type = iota
	TypePacket
)

// Timeout sentinel values for RecvTimeout, mirroring the original's
// ioctl(RTNET_RTIOC_TIMEOUT) semantics.
const (
	NonBlocking time.Duration = -1
	BlockForever time.Duration = 0
)

// Socket is one open endpoint. The zero value is not usable; construct
// with NewUDPSocket or NewPacketSocket.
type Socket struct {
	mu sync.Mutex

	typ Type

	pool *rtskb.Pool // this socket's dedicated compensation pool

	rxQueue rtskb.Queue
	notify  chan struct{} // buffered 1; signaled on each enqueue, drained by recv

	localIP   net.IP
	localPort uint16

	remoteIP   net.IP
	remotePort uint16
	connected  bool

	closed atomic.Bool
	refs   atomic.Int32

	RecvTimeout time.Duration
}

func newSocket(typ Type, pool *rtskb.Pool) *Socket {
	return &Socket{
		typ:         typ,
		pool:        pool,
		notify:      make(chan struct{}, 1),
		RecvTimeout: BlockForever,
	}
}

// NotifyData implements rtskb.SocketHandle: called whenever a skb is
// enqueued on this socket's receive queue, waking any blocked recv.
func (s *Socket) NotifyData() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Pool returns the socket's dedicated receive pool (its compensation
// source: every inbound skb delivered to this socket is acquired into
// this pool before being enqueued, so a slow reader only ever exhausts
// its own quota, never another socket's).
func (s *Socket) Pool() *rtskb.Pool { return s.pool }

// Ref / Deref track in-flight callers (e.g. a blocking recv). Close
// does not wait on this count; it releases the pool on its one call.
func (s *Socket) Ref() { s.refs.Add(1) }

func (s *Socket) Deref() { s.refs.Add(-1) }

func (s *Socket) enqueue(skb *rtskb.Skb) {
	skb.Socket = s
	s.rxQueue.Enqueue(skb)
	s.NotifyData()
}

// recv pops the next datagram off the receive queue, blocking according
// to RecvTimeout: negative means non-blocking (ErrWouldBlock if empty),
// zero blocks until ctx is canceled or data arrives, positive bounds
// the wait with ErrTimedOut.
func (s *Socket) recv(ctx context.Context) (*rtskb.Skb, error) {
	if skb := s.rxQueue.Dequeue(); skb != nil {
		return skb, nil
	}
	if s.RecvTimeout < 0 {
		return nil, rterr.ErrWouldBlock
	}

	var timeout <-chan time.Time
	if s.RecvTimeout > 0 {
		timer := time.NewTimer(s.RecvTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-s.notify:
			if skb := s.rxQueue.Dequeue(); skb != nil {
				return skb, nil
			}
			// spurious wake (another goroutine drained it first); keep waiting
		case <-timeout:
			return nil, rterr.ErrTimedOut
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close marks the socket closed and frees everything still queued.
// Callers must have already unregistered the socket from whatever
// table (UDP port registry, packet-type table) could still deliver to
// it; Close itself does not touch those tables to keep the two
// packages' locking independent.
func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return rterr.ErrNotSocket
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		skb := s.rxQueue.Dequeue()
		if skb == nil {
			break
		}
		rtskb.Free(skb)
	}
	return s.pool.Release()
}

func (s *Socket) Closed() bool { return s.closed.Load() }
