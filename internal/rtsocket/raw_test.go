package rtsocket

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtnet-go/rtnet/internal/rtdev"
	"github.com/rtnet-go/rtnet/internal/rtskb"
)

func newTestDevice(t *testing.T) (*rtdev.Device, *captureDriver) {
	t.Helper()
	reg := rtdev.NewRegistry(nil)
	drv := &captureDriver{}
	dev, err := reg.Register(rtdev.NewDeviceConfig{Name: "rteth0", MTU: 1500, Driver: drv})
	require.NoError(t, err)
	require.NoError(t, rtdev.Open(dev))
	return dev, drv
}

func TestPacketSocketSendBuildsFrame(t *testing.T) {
	dev, drv := newTestDevice(t)
	table := NewPacketTable()
	pool := newTestPool(t, 4)

	ep := NewPacketSocket(pool, table, 0x9021, dev)
	mac, _ := net.ParseMAC("02:00:00:00:00:06")
	require.NoError(t, ep.Send(mac, []byte("sync")))

	frames := drv.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("sync"), frames[0])
}

func TestPacketTableDeliversBoundEtherType(t *testing.T) {
	dev, _ := newTestDevice(t)
	table := NewPacketTable()
	pool := newTestPool(t, 4)
	ep := NewPacketSocket(pool, table, 0x9021, dev)

	rxPool := newTestPool(t, 4)
	skb, err := rtskb.Alloc(0, rxPool)
	require.NoError(t, err)
	skb.Protocol = 0x9021
	copy(skb.Put(3), []byte("abc"))

	matched, err := table.Deliver(skb, dev)
	require.NoError(t, err)
	assert.True(t, matched)

	n, err := ep.Recv(context.Background(), make([]byte, 8))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPacketTableIgnoresUnboundEtherType(t *testing.T) {
	dev, _ := newTestDevice(t)
	table := NewPacketTable()

	rxPool := newTestPool(t, 4)
	skb, err := rtskb.Alloc(0, rxPool)
	require.NoError(t, err)
	skb.Protocol = 0xBEEF

	matched, err := table.Deliver(skb, dev)
	require.NoError(t, err)
	assert.False(t, matched)
	rtskb.Free(skb)
}

func TestPacketSocketCloseUnbinds(t *testing.T) {
	dev, _ := newTestDevice(t)
	table := NewPacketTable()
	pool := newTestPool(t, 4)
	ep := NewPacketSocket(pool, table, 0x9021, dev)

	require.NoError(t, ep.Close())

	rxPool := newTestPool(t, 4)
	skb, err := rtskb.Alloc(0, rxPool)
	require.NoError(t, err)
	skb.Protocol = 0x9021

	matched, err := table.Deliver(skb, dev)
	require.NoError(t, err)
	assert.False(t, matched)
	rtskb.Free(skb)
}
