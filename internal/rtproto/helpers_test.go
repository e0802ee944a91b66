package rtproto

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rtnet-go/rtnet/internal/rtdev"
	"github.com/rtnet-go/rtnet/internal/rtskb"
)

// captureDriver is a test double standing in for a NIC driver: it
// records every transmitted skb's payload and frees it, mirroring a
// real driver's ownership contract on a successful HardStartXmit.
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

func newTestDevice(t *testing.T, mtu int) (*rtdev.Device, *captureDriver) {
	t.Helper()
	reg := rtdev.NewRegistry(nil)
	drv := &captureDriver{}
	dev, err := reg.Register(rtdev.NewDeviceConfig{
		Name:    "rteth0",
		MTU:     mtu,
		LocalIP: net.ParseIP("10.0.0.1"),
		Driver:  drv,
	})
	require.NoError(t, err)
	require.NoError(t, rtdev.Open(dev))
	return dev, drv
}

func newTestPool(t *testing.T, n int) *rtskb.Pool {
	t.Helper()
	p := rtskb.NewPool("test", rtskb.DefaultBufLen)
	p.Init(n)
	return p
}
