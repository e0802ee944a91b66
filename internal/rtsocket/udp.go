package rtsocket

import (
	"context"
	"net"
	"sync"

	"github.com/rtnet-go/rtnet/internal/rterr"
	"github.com/rtnet-go/rtnet/internal/rtproto"
	"github.com/rtnet-go/rtnet/internal/rtroute"
	"github.com/rtnet-go/rtnet/internal/rtskb"
)

// firstEphemeralPort is the lowest port handed out by auto-assignment
// (bind to port 0); ports below it are reserved for explicit binds,
// mirroring the original's IPPORT_RESERVED-style split.
const firstEphemeralPort = 1024

// PortRegistry is the UDP port table: one bound socket per port,
// consulted by the protocol layer on every inbound datagram. It
// implements rtproto.DatagramSink.
type PortRegistry struct {
	mu            sync.Mutex
	bound         map[uint16]*Socket
	nextEphemeral uint16
}

// NewPortRegistry creates an empty port table.
func NewPortRegistry() *PortRegistry {
	return &PortRegistry{bound: make(map[uint16]*Socket), nextEphemeral: firstEphemeralPort}
}

// Bind claims port for sock, or auto-assigns the next free ephemeral
// port if port is 0. Returns the assigned port.
func (r *PortRegistry) Bind(sock *Socket, port uint16) (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if port != 0 {
		if _, used := r.bound[port]; used {
			return 0, rterr.ErrAlreadyExists
		}
		r.bound[port] = sock
		return port, nil
	}

	for tries := 0; tries < 1<<16; tries++ {
		p := r.nextEphemeral
		if r.nextEphemeral == 0xffff {
			r.nextEphemeral = firstEphemeralPort
		} else {
			r.nextEphemeral++
		}
		if _, used := r.bound[p]; !used {
			r.bound[p] = sock
			return p, nil
		}
	}
	return 0, rterr.ErrNoBufs
}

// Unbind releases port, if held.
func (r *PortRegistry) Unbind(port uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bound, port)
}

// ResolvePool implements rtproto.DatagramSink.
func (r *PortRegistry) ResolvePool(dstIP net.IP, dstPort uint16) (*rtskb.Pool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.bound[dstPort]
	if !ok {
		return nil, false
	}
	return s.Pool(), true
}

// Deliver implements rtproto.DatagramSink: it enqueues skb onto the
// bound socket's receive queue, filtering by peer address first for a
// connected socket (a connected UDP socket only ever receives from its
// one peer, matching connect(2) semantics for datagram sockets).
func (r *PortRegistry) Deliver(skb *rtskb.Skb, srcIP net.IP, srcPort, dstPort uint16) error {
	r.mu.Lock()
	s, ok := r.bound[dstPort]
	r.mu.Unlock()
	if !ok {
		return rterr.ErrNotFound
	}

	s.mu.Lock()
	connected, remoteIP, remotePort := s.connected, s.remoteIP, s.remotePort
	s.mu.Unlock()
	if connected && (!remoteIP.Equal(srcIP) || remotePort != srcPort) {
		return rterr.ErrNotFound
	}

	skb.RouteCache = udpSender{ip: append(net.IP(nil), srcIP...), port: srcPort}
	s.enqueue(skb)
	return nil
}

type udpSender struct {
	ip   net.IP
	port uint16
}

// UDPEndpoint is the bind/connect/sendmsg/recvmsg surface for a UDP
// datagram socket, composing the generic Socket with the port
// registry, output builder, and routing table it needs to actually
// move bytes.
type UDPEndpoint struct {
	sock    *Socket
	ports   *PortRegistry
	udp     *rtproto.UDP
	routes  *rtroute.Table
	localIP net.IP
}

// NewUDPSocket creates an unbound UDP endpoint backed by pool.
func NewUDPSocket(pool *rtskb.Pool, ports *PortRegistry, udp *rtproto.UDP, routes *rtroute.Table, localIP net.IP) *UDPEndpoint {
	return &UDPEndpoint{
		sock:    newSocket(TypeUDPDatagram, pool),
		ports:   ports,
		udp:     udp,
		routes:  routes,
		localIP: localIP,
	}
}

// Socket returns the underlying generic socket (for refcounting and
// Closed()).
func (u *UDPEndpoint) Socket() *Socket { return u.sock }

// LocalPort returns the bound port, or 0 if not yet bound.
func (u *UDPEndpoint) LocalPort() uint16 { return u.sock.localPort }

// Bind claims a local port (0 for auto-assignment).
func (u *UDPEndpoint) Bind(port uint16) (uint16, error) {
	assigned, err := u.ports.Bind(u.sock, port)
	if err != nil {
		return 0, err
	}
	u.sock.localPort = assigned
	return assigned, nil
}

// Connect fixes the socket's peer; subsequent Send calls (and inbound
// filtering) are restricted to this address.
func (u *UDPEndpoint) Connect(remoteIP net.IP, remotePort uint16) {
	u.sock.mu.Lock()
	defer u.sock.mu.Unlock()
	u.sock.remoteIP = remoteIP
	u.sock.remotePort = remotePort
	u.sock.connected = true
}

// SendTo transmits payload to (dstIP, dstPort), auto-binding an
// ephemeral local port first if the socket has not bound one yet.
func (u *UDPEndpoint) SendTo(dstIP net.IP, dstPort uint16, payload []byte) error {
	if u.sock.localPort == 0 {
		if _, err := u.Bind(0); err != nil {
			return err
		}
	}
	dest, err := u.routes.Output(dstIP)
	if err != nil {
		return err
	}
	return u.udp.Send(u.sock.pool, dest, u.localIP, dstIP, u.sock.localPort, dstPort, payload)
}

// Send transmits to the connected peer; returns ErrNotFound if the
// socket has not been connected.
func (u *UDPEndpoint) Send(payload []byte) error {
	u.sock.mu.Lock()
	connected, ip, port := u.sock.connected, u.sock.remoteIP, u.sock.remotePort
	u.sock.mu.Unlock()
	if !connected {
		return rterr.ErrNotFound
	}
	return u.SendTo(ip, port, payload)
}

// RecvFrom blocks (per the socket's RecvTimeout) for the next datagram
// and copies up to len(buf) bytes into it. A reassembled datagram
// spans a chain of fragments, not just skb's own payload, so the whole
// chain is walked and concatenated. truncated reports whether the full
// datagram was longer than buf (the MSG_TRUNC case).
func (u *UDPEndpoint) RecvFrom(ctx context.Context, buf []byte) (n int, fromIP net.IP, fromPort uint16, truncated bool, err error) {
	skb, err := u.sock.recv(ctx)
	if err != nil {
		return 0, nil, 0, false, err
	}
	defer rtskb.Free(skb)

	total := 0
	for s := skb; s != nil; s = s.ChainNext() {
		data := s.Data()
		n += copy(buf[n:], data)
		total += len(data)
		if s == skb.ChainEnd() {
			break
		}
	}
	truncated = total > len(buf)
	if sender, ok := skb.RouteCache.(udpSender); ok {
		fromIP, fromPort = sender.ip, sender.port
	}
	return n, fromIP, fromPort, truncated, nil
}

// Close unbinds the socket's port (if any) and releases it.
func (u *UDPEndpoint) Close() error {
	if u.sock.localPort != 0 {
		u.ports.Unbind(u.sock.localPort)
	}
	return u.sock.Close()
}
