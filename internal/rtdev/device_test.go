package rtdev

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rtnet-go/rtnet/internal/rterr"
	"github.com/rtnet-go/rtnet/internal/rtskb"
)

type nopDriver struct{}

func (nopDriver) Open(d *Device) error  { return nil }
func (nopDriver) Stop(d *Device) error  { return nil }
func (nopDriver) HardHeader(skb *rtskb.Skb, d *Device, destMAC net.HardwareAddr) error {
	return nil
}
func (nopDriver) HardStartXmit(skb *rtskb.Skb, d *Device) error { return nil }

func newTestRegistry(t *testing.T) *Registry {
	return NewRegistry(zaptest.NewLogger(t))
}

func TestRegisterDuplicateRejected(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(NewDeviceConfig{Name: "rteth0", Driver: nopDriver{}})
	require.NoError(t, err)
	_, err = r.Register(NewDeviceConfig{Name: "rteth0", Driver: nopDriver{}})
	assert.ErrorIs(t, err, rterr.ErrAlreadyExists)
}

func TestRegisterTableFull(t *testing.T) {
	r := newTestRegistry(t)
	for i := 0; i < MaxDevices; i++ {
		_, err := r.Register(NewDeviceConfig{Name: string(rune('a' + i)), Driver: nopDriver{}})
		require.NoError(t, err)
	}
	_, err := r.Register(NewDeviceConfig{Name: "overflow", Driver: nopDriver{}})
	assert.ErrorIs(t, err, rterr.ErrNoBufs)
}

func TestUnregisterWaitsForRefcount(t *testing.T) {
	r := newTestRegistry(t)
	d, err := r.Register(NewDeviceConfig{Name: "rteth0", Driver: nopDriver{}})
	require.NoError(t, err)
	d.Ref()

	done := make(chan error, 1)
	go func() { done <- r.Unregister("rteth0") }()

	select {
	case <-done:
		t.Fatal("unregister returned before refcount dropped to zero")
	case <-time.After(50 * time.Millisecond):
	}

	d.Deref()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("unregister did not complete after refcount dropped")
	}

	_, err = r.GetByName("rteth0")
	assert.ErrorIs(t, err, rterr.ErrNotFound)
}

func TestOpenUpSetsFlags(t *testing.T) {
	r := newTestRegistry(t)
	d, err := r.Register(NewDeviceConfig{Name: "rteth0", Driver: nopDriver{}})
	require.NoError(t, err)
	assert.False(t, d.Up())

	require.NoError(t, Open(d))
	assert.True(t, d.Up())

	require.NoError(t, Close(d))
	assert.False(t, d.Up())
}

func TestXmitDownDropsAndFreesSkb(t *testing.T) {
	r := newTestRegistry(t)
	d, err := r.Register(NewDeviceConfig{Name: "rteth0", Driver: nopDriver{}})
	require.NoError(t, err)

	p := rtskb.NewPool("p", 64)
	p.Init(1)
	s, err := rtskb.Alloc(0, p)
	require.NoError(t, err)

	err = d.Xmit(s)
	assert.ErrorIs(t, err, rterr.ErrNetDown)
	assert.Equal(t, 1, p.Free()) // freed back despite the error
}
