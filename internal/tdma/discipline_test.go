package tdma

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

func newTestDiscipline(t *testing.T, cyclePeriod time.Duration) (*Discipline, *captureDriver) {
	t.Helper()
	reg := rtdev.NewRegistry(nil)
	drv := &captureDriver{}
	mac, _ := net.ParseMAC("02:00:00:00:00:09")
	dev, err := reg.Register(rtdev.NewDeviceConfig{
		Name: "rteth0", MTU: 1500, Driver: drv, Broadcast: mac, Exclusive: true,
	})
	require.NoError(t, err)
	require.NoError(t, rtdev.Open(dev))

	pool := rtskb.NewPool("tdma-test", rtskb.DefaultBufLen)
	pool.Init(8)

	d := New(dev, pool, cyclePeriod, nil)
	return d, drv
}

func TestJobListOrderingForMasterWithSlot(t *testing.T) {
	d, _ := newTestDiscipline(t, 10*time.Millisecond)
	d.BecomeMaster()
	require.NoError(t, d.AddSlot(0, 2*time.Millisecond, 1, 0, 1500))

	ids := idsInOrder(&d.jobs)
	require.Len(t, ids, 3)
	assert.Equal(t, jobXmitSync, ids[0])
	assert.Equal(t, int32(0), ids[1])
	assert.Equal(t, jobXmitReplyCal, ids[2])
}

func TestPacketTxEnqueuesIntoDefaultSlot(t *testing.T) {
	d, _ := newTestDiscipline(t, 10*time.Millisecond)
	d.BecomeMaster()
	require.NoError(t, d.AddSlot(DefaultSlotID, time.Millisecond, 1, 0, 1500))

	pool := rtskb.NewPool("payload", rtskb.DefaultBufLen)
	pool.Init(2)
	skb, err := rtskb.Alloc(0, pool)
	require.NoError(t, err)
	copy(skb.Put(3), []byte("hey"))

	require.NoError(t, d.PacketTx(skb, d.dev))
	assert.Equal(t, 1, d.slotsByID[DefaultSlotID].queue.Len())
}

func TestPacketTxUnknownSlotDropsAndErrors(t *testing.T) {
	d, _ := newTestDiscipline(t, 10*time.Millisecond)
	pool := rtskb.NewPool("payload", rtskb.DefaultBufLen)
	pool.Init(2)
	skb, err := rtskb.Alloc(0, pool)
	require.NoError(t, err)

	err = d.PacketTx(skb, d.dev)
	assert.Error(t, err)
}

func TestMasterWorkerTransmitsSyncThenSlot(t *testing.T) {
	d, drv := newTestDiscipline(t, 20*time.Millisecond)
	d.BecomeMaster()
	require.NoError(t, d.AddSlot(DefaultSlotID, 2*time.Millisecond, 1, 0, 1500))

	pool := rtskb.NewPool("payload", rtskb.DefaultBufLen)
	pool.Init(2)
	skb, err := rtskb.Alloc(0, pool)
	require.NoError(t, err)
	copy(skb.Put(4), []byte("data"))
	require.NoError(t, d.PacketTx(skb, d.dev))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_ = d.Run(ctx)

	frames := drv.frames()
	require.GreaterOrEqual(t, len(frames), 2)
	pf, err := parseFrame(frames[0])
	require.NoError(t, err)
	assert.Equal(t, frameSync, pf.frameID)
	assert.Equal(t, []byte("data"), frames[1])
}

func TestSlaveHandleSyncWakesWaitOnSync(t *testing.T) {
	d, _ := newTestDiscipline(t, 50*time.Millisecond)
	d.BecomeSlave()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	d.handleSync(time.Now().UnixNano(), time.Now().UnixNano())

	assert.Eventually(t, func() bool { return d.Calibrated() }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestSlaveDeclaresSyncLostAfterTwoMisses(t *testing.T) {
	d, _ := newTestDiscipline(t, 5*time.Millisecond)
	d.BecomeSlave()

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	_ = d.Run(ctx)

	assert.True(t, d.SyncLost())
	assert.False(t, d.Calibrated())
}

func TestAddSlotRejectsDuplicateAndNegativeID(t *testing.T) {
	d, _ := newTestDiscipline(t, 10*time.Millisecond)
	require.NoError(t, d.AddSlot(1, 0, 1, 0, 1500))
	assert.Error(t, d.AddSlot(1, 0, 1, 0, 1500))
	assert.Error(t, d.AddSlot(-1, 0, 1, 0, 1500))
}

func TestRemoveSlotQuiescesBeforeFreeing(t *testing.T) {
	d, _ := newTestDiscipline(t, 10*time.Millisecond)
	old := quiescePollInterval
	quiescePollInterval = time.Millisecond
	defer func() { quiescePollInterval = old }()

	require.NoError(t, d.AddSlot(1, 0, 1, 0, 1500))
	j := d.jobs.find(1)
	require.NotNil(t, j)
	j.refCount.Add(1)

	done := make(chan struct{})
	go func() {
		require.NoError(t, d.RemoveSlot(1))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("RemoveSlot returned before refcount quiesced")
	case <-time.After(10 * time.Millisecond):
	}

	j.refCount.Add(-1)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RemoveSlot never completed after quiesce")
	}
	assert.Nil(t, d.jobs.find(1))
}

func TestMTUReflectsSmallestSlot(t *testing.T) {
	d, _ := newTestDiscipline(t, 10*time.Millisecond)
	require.NoError(t, d.AddSlot(1, 0, 1, 0, 1500))
	require.NoError(t, d.AddSlot(2, 0, 1, 0, 800))
	assert.Equal(t, 800, d.MTU())
}

func TestCalibrationRequestAndReplyRoundTrip(t *testing.T) {
	d, drv := newTestDiscipline(t, 10*time.Millisecond)
	d.BecomeMaster()

	require.NoError(t, d.RequestCalibration())
	require.Len(t, drv.frames(), 1)

	reqPf, err := parseFrame(drv.frames()[0])
	require.NoError(t, err)
	assert.Equal(t, frameCalRequest, reqPf.frameID)

	d.handleCalRequest(reqPf.stampA, time.Now().UnixNano())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()
	_ = d.Run(ctx)

	frames := drv.frames()
	require.GreaterOrEqual(t, len(frames), 2)
	var sawReply bool
	for _, f := range frames[1:] {
		pf, err := parseFrame(f)
		require.NoError(t, err)
		if pf.frameID == frameCalReply {
			sawReply = true
			assert.Equal(t, reqPf.stampA, pf.stampA)
		}
	}
	assert.True(t, sawReply)
}
