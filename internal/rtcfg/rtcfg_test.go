package rtcfg

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtnet-go/rtnet/internal/rtdev"
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

func newTestAttachment(t *testing.T, burstHz float64) (*Attachment, *captureDriver) {
	t.Helper()
	reg := rtdev.NewRegistry(nil)
	drv := &captureDriver{}
	mac, _ := net.ParseMAC("02:00:00:00:00:0a")
	dev, err := reg.Register(rtdev.NewDeviceConfig{Name: "rteth0", MTU: 1500, Driver: drv, Broadcast: mac})
	require.NoError(t, err)
	require.NoError(t, rtdev.Open(dev))

	pool := rtskb.NewPool("rtcfg-test", rtskb.DefaultBufLen)
	pool.Init(4)

	return Attach(dev, pool, AddrIP, burstHz), drv
}

func TestConnectionStartsSearching(t *testing.T) {
	c := &Connection{state: ConnSearching}
	assert.Equal(t, ConnSearching, c.State())
	assert.Equal(t, "SEARCHING", c.State().String())
}

func TestConnectionStateTransitions(t *testing.T) {
	c := &Connection{state: ConnSearching}
	c.onAnnounce()
	assert.Equal(t, ConnStage1, c.State())

	c.onAckCfg(false)
	assert.Equal(t, ConnStage2, c.State())

	c.onAckCfg(true)
	assert.Equal(t, ConnReady, c.State())

	c.onTimeout()
	assert.Equal(t, ConnSearching, c.State())
}

func TestAttachmentAddPeerIsIdempotent(t *testing.T) {
	a, _ := newTestAttachment(t, 10)
	station := Station{IP: net.ParseIP("10.0.0.9")}
	c1 := a.AddPeer(station)
	c2 := a.AddPeer(station)
	assert.Same(t, c1, c2)
	assert.Len(t, a.Stations(), 1)
}

func TestAnnounceNewBuildsWireFrame(t *testing.T) {
	a, drv := newTestAttachment(t, 1000)
	err := a.AnnounceNew(context.Background(), net.ParseIP("10.0.0.2"), net.ParseIP("10.0.0.1"), []byte("hello"))
	require.NoError(t, err)

	frames := drv.frames()
	require.Len(t, frames, 1)
	parsed, err := ParseStage1Announce(frames[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), parsed.Config)
}

func TestAnnounceNewRespectsBurstRate(t *testing.T) {
	a, drv := newTestAttachment(t, 2) // 2/sec, burst 1
	require.NoError(t, a.AnnounceNew(context.Background(), nil, nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := a.AnnounceNew(ctx, nil, nil, nil)
	assert.Error(t, err) // second announce can't clear the limiter within 10ms at 2/sec

	assert.Len(t, drv.frames(), 1)
}

func TestHandlePacketLearnsIPPeer(t *testing.T) {
	a, _ := newTestAttachment(t, 10)
	pool := rtskb.NewPool("rx", rtskb.DefaultBufLen)
	pool.Init(2)

	frame := Stage1Announce{AddrType: AddrIP, ClientIP: net.ParseIP("10.0.0.7").To4(), ServerIP: net.ParseIP("10.0.0.1").To4()}
	payload := frame.Build()
	skb, err := rtskb.Alloc(0, pool)
	require.NoError(t, err)
	copy(skb.Put(len(payload)), payload)

	require.NoError(t, a.HandlePacket(skb, a.dev))

	conn, ok := a.Peer(Station{IP: net.ParseIP("10.0.0.7").To4()})
	require.True(t, ok)
	assert.Equal(t, ConnStage1, conn.State())
}

func TestHandlePacketIgnoresMalformedFrame(t *testing.T) {
	a, _ := newTestAttachment(t, 10)
	pool := rtskb.NewPool("rx", rtskb.DefaultBufLen)
	pool.Init(2)
	skb, err := rtskb.Alloc(0, pool)
	require.NoError(t, err)
	copy(skb.Put(2), []byte{0xFF, 0xFF})

	assert.NoError(t, a.HandlePacket(skb, a.dev))
	assert.Empty(t, a.Stations())
}
