package rtsocket

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtnet-go/rtnet/internal/rtdev"
	"github.com/rtnet-go/rtnet/internal/rtproto"
	"github.com/rtnet-go/rtnet/internal/rtroute"
	"github.com/rtnet-go/rtnet/internal/rtskb"
)

type captureDriver struct {
	mu   sync.Mutex
	sent [][]byte
}

func (c *captureDriver) Open(d *rtdev.Device) error { return nil }
func (c *captureDriver) Stop(d *rtdev.Device) error { return nil }
func (c *captureDriver) HardHeader(skb *rtskb.Skb, d *rtdev.Device, destMAC net.HardwareAddr) error {
	return nil
}
func (c *captureDriver) HardStartXmit(skb *rtskb.Skb, d *rtdev.Device) error {
	c.mu.Lock()
	c.sent = append(c.sent, append([]byte(nil), skb.Data()...))
	c.mu.Unlock()
	rtskb.Free(skb)
	return nil
}
func (c *captureDriver) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func newTestStack(t *testing.T) (*rtdev.Device, *captureDriver, *rtroute.Table, *rtproto.UDP) {
	t.Helper()
	reg := rtdev.NewRegistry(nil)
	drv := &captureDriver{}
	dev, err := reg.Register(rtdev.NewDeviceConfig{Name: "rteth0", MTU: 1500, Driver: drv, LocalIP: net.ParseIP("10.0.0.1")})
	require.NoError(t, err)
	require.NoError(t, rtdev.Open(dev))

	routes := rtroute.NewTable(rtroute.DefaultHostBuckets, rtroute.DefaultNetBuckets, rtroute.DefaultNetHashShift)
	mac, _ := net.ParseMAC("02:00:00:00:00:05")
	routes.AddHostRoute(net.ParseIP("10.0.0.2"), mac, dev)

	udp := rtproto.NewUDP(rtproto.NewOutput(), nil)
	return dev, drv, routes, udp
}

func TestPortRegistryBindAndDuplicateRejected(t *testing.T) {
	ports := NewPortRegistry()
	s1 := newSocket(TypeUDPDatagram, newTestPool(t, 2))
	s2 := newSocket(TypeUDPDatagram, newTestPool(t, 2))

	p, err := ports.Bind(s1, 5000)
	require.NoError(t, err)
	assert.Equal(t, uint16(5000), p)

	_, err = ports.Bind(s2, 5000)
	assert.Error(t, err)

	auto, err := ports.Bind(s2, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, auto, uint16(firstEphemeralPort))
}

func TestUDPSendToBuildsWireFrame(t *testing.T) {
	_, drv, routes, udp := newTestStack(t)
	ports := NewPortRegistry()
	pool := newTestPool(t, 4)

	ep := NewUDPSocket(pool, ports, udp, routes, net.ParseIP("10.0.0.1"))
	_, err := ep.Bind(9000)
	require.NoError(t, err)

	require.NoError(t, ep.SendTo(net.ParseIP("10.0.0.2"), 53, []byte("query")))

	frames := drv.frames()
	require.Len(t, frames, 1)
	iphdr, err := rtproto.ParseIPv4Header(frames[0])
	require.NoError(t, err)
	uhdr, err := rtproto.ParseUDPHeader(frames[0][iphdr.IHL:])
	require.NoError(t, err)
	assert.Equal(t, uint16(9000), uhdr.SrcPort)
	assert.Equal(t, uint16(53), uhdr.DstPort)
}

func TestUDPDeliverAndRecvFrom(t *testing.T) {
	_, _, routes, udp := newTestStack(t)
	ports := NewPortRegistry()
	pool := newTestPool(t, 4)

	ep := NewUDPSocket(pool, ports, udp, routes, net.ParseIP("10.0.0.1"))
	_, err := ep.Bind(5353)
	require.NoError(t, err)

	rxPool := newTestPool(t, 4)
	skb, err := rtskb.Alloc(0, rxPool)
	require.NoError(t, err)
	copy(skb.Put(4), []byte("pong"))

	require.NoError(t, ports.Deliver(skb, net.ParseIP("10.0.0.2"), 53, 5353))

	n, fromIP, fromPort, truncated, err := ep.RecvFrom(context.Background(), make([]byte, 16))
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, 4, n)
	assert.True(t, fromIP.Equal(net.ParseIP("10.0.0.2")))
	assert.Equal(t, uint16(53), fromPort)
}

func TestUDPRecvFromWalksFragmentChain(t *testing.T) {
	_, _, routes, udp := newTestStack(t)
	ports := NewPortRegistry()
	pool := newTestPool(t, 4)

	ep := NewUDPSocket(pool, ports, udp, routes, net.ParseIP("10.0.0.1"))
	_, err := ep.Bind(5353)
	require.NoError(t, err)

	rxPool := newTestPool(t, 4)
	head, err := rtskb.Alloc(0, rxPool)
	require.NoError(t, err)
	copy(head.Put(4), []byte("0123"))

	tail, err := rtskb.Alloc(0, rxPool)
	require.NoError(t, err)
	copy(tail.Put(4), []byte("4567"))
	head.SetChainNext(tail)

	require.NoError(t, ports.Deliver(head, net.ParseIP("10.0.0.2"), 53, 5353))

	n, _, _, truncated, err := ep.RecvFrom(context.Background(), make([]byte, 16))
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, 8, n)

	head2, err := rtskb.Alloc(0, rxPool)
	require.NoError(t, err)
	copy(head2.Put(4), []byte("0123"))
	tail2, err := rtskb.Alloc(0, rxPool)
	require.NoError(t, err)
	copy(tail2.Put(4), []byte("4567"))
	head2.SetChainNext(tail2)
	require.NoError(t, ports.Deliver(head2, net.ParseIP("10.0.0.2"), 53, 5353))

	n, _, _, truncated, err = ep.RecvFrom(context.Background(), make([]byte, 5))
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Equal(t, 5, n)
}

func TestUDPConnectedSocketFiltersUnrelatedSenders(t *testing.T) {
	_, _, routes, udp := newTestStack(t)
	ports := NewPortRegistry()
	pool := newTestPool(t, 4)

	ep := NewUDPSocket(pool, ports, udp, routes, net.ParseIP("10.0.0.1"))
	_, err := ep.Bind(6000)
	require.NoError(t, err)
	ep.Connect(net.ParseIP("10.0.0.2"), 53)

	rxPool := newTestPool(t, 4)
	skb, err := rtskb.Alloc(0, rxPool)
	require.NoError(t, err)
	copy(skb.Put(3), []byte("no!"))

	err = ports.Deliver(skb, net.ParseIP("10.0.0.9"), 53, 6000)
	assert.Error(t, err)
}
