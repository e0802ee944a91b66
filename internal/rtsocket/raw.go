package rtsocket

import (
	"context"
	"net"
	"sync"

	"github.com/rtnet-go/rtnet/internal/rtdev"
	"github.com/rtnet-go/rtnet/internal/rtskb"
)

// packetHeaderRoom reserves headroom for a driver's link-layer header,
// matching rtproto's linkHeaderRoom (kept as an independent constant so
// this package has no import-cycle-driven dependency on rtproto).
const packetHeaderRoom = 14

// PacketTable binds packet (AF_PACKET-equivalent) sockets to
// EtherTypes and implements stackmgr.RawDispatcher: every inbound skb
// is offered here before the IP path gets a look, matching the
// original's ordering of raw sockets ahead of protocol handlers.
type PacketTable struct {
	mu     sync.Mutex
	byType map[uint16][]*Socket
}

// NewPacketTable creates an empty table.
func NewPacketTable() *PacketTable {
	return &PacketTable{byType: make(map[uint16][]*Socket)}
}

// Bind registers sock to receive frames with the given EtherType.
func (t *PacketTable) Bind(sock *Socket, etherType uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byType[etherType] = append(t.byType[etherType], sock)
}

// Unbind removes sock's registration for etherType.
func (t *PacketTable) Unbind(sock *Socket, etherType uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.byType[etherType]
	for i, s := range list {
		if s == sock {
			t.byType[etherType] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Deliver implements stackmgr.RawDispatcher. The first socket bound to
// skb's EtherType claims it; additional sockets bound to the same type
// (e.g. for promiscuous monitoring) are a possible future extension,
// not exercised here.
func (t *PacketTable) Deliver(skb *rtskb.Skb, dev *rtdev.Device) (bool, error) {
	t.mu.Lock()
	list := t.byType[skb.Protocol]
	var target *Socket
	if len(list) > 0 {
		target = list[0]
	}
	t.mu.Unlock()

	if target == nil {
		return false, nil
	}
	if err := rtskb.Acquire(skb, target.Pool()); err != nil {
		return true, err
	}
	target.enqueue(skb)
	return true, nil
}

// PacketEndpoint is the send/recv surface for a raw packet socket bound
// to one EtherType on one device.
type PacketEndpoint struct {
	sock      *Socket
	table     *PacketTable
	etherType uint16
	dev       *rtdev.Device
}

// NewPacketSocket creates a packet socket backed by pool, bound to
// etherType, transmitting over dev.
func NewPacketSocket(pool *rtskb.Pool, table *PacketTable, etherType uint16, dev *rtdev.Device) *PacketEndpoint {
	p := &PacketEndpoint{
		sock:      newSocket(TypePacket, pool),
		table:     table,
		etherType: etherType,
		dev:       dev,
	}
	table.Bind(p.sock, etherType)
	return p
}

// Socket returns the underlying generic socket.
func (p *PacketEndpoint) Socket() *Socket { return p.sock }

// Send builds a frame from payload and transmits it toward destMAC.
func (p *PacketEndpoint) Send(destMAC net.HardwareAddr, payload []byte) error {
	skb, err := rtskb.Alloc(packetHeaderRoom, p.sock.pool)
	if err != nil {
		return err
	}
	copy(skb.Put(len(payload)), payload)
	skb.Protocol = p.etherType
	if err := p.dev.BuildHeader(skb, destMAC); err != nil {
		rtskb.Free(skb)
		return err
	}
	return p.dev.Xmit(skb)
}

// Recv blocks (per the socket's RecvTimeout) for the next frame and
// copies up to len(buf) bytes of its payload into it.
func (p *PacketEndpoint) Recv(ctx context.Context, buf []byte) (int, error) {
	skb, err := p.sock.recv(ctx)
	if err != nil {
		return 0, err
	}
	defer rtskb.Free(skb)
	return copy(buf, skb.Data()), nil
}

// Close unregisters the socket from the packet table and releases it.
func (p *PacketEndpoint) Close() error {
	p.table.Unbind(p.sock, p.etherType)
	return p.sock.Close()
}
