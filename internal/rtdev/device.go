// Package rtdev implements the device layer (spec component B): a
// bounded registry of network devices, per-device transmit locking,
// redirection of transmit through an attached MAC discipline such as
// TDMA, and the receive queue each device exposes to the stack manager.
package rtdev

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rtnet-go/rtnet/internal/rterr"
	"github.com/rtnet-go/rtnet/internal/rtskb"
)

// MaxDevices bounds the device table, mirroring the original's
// small fixed-size device array (N≈8 default).
const MaxDevices = 8

// Flags captures the device state bits named in the data model.
type Flags uint32

const (
	FlagUp Flags = 1 << iota
	FlagRunning
	FlagBroadcast
	FlagLoopback
	FlagPromisc
	FlagNoARP
)

// Stats mirrors the netdev-style counters exposed via /proc/rtnet/stats.
type Stats struct {
	RXPackets  atomic.Uint64
	TXPackets  atomic.Uint64
	RXDropped  atomic.Uint64
	TXDropped  atomic.Uint64
	Collisions atomic.Uint64
	RXBytes    atomic.Uint64
	TXBytes    atomic.Uint64
}

// Driver is the set of callbacks a NIC driver (out of scope; specified
// only by this interface) must provide.
type Driver interface {
	Open(d *Device) error
	Stop(d *Device) error
	HardHeader(skb *rtskb.Skb, d *Device, destMAC net.HardwareAddr) error
	HardStartXmit(skb *rtskb.Skb, d *Device) error
}

// NonRTTransmitter is the optional hook a MAC discipline (TDMA) or a
// driver may expose for proxy transmission from the non-realtime
// stack (the interface-level stand-in for rtnetproxy's nrt_packet_tx).
type NonRTTransmitter interface {
	NonRTPacketTx(skb *rtskb.Skb, d *Device) error
}

// MACDiscipline is the subset of a MAC discipline (e.g. TDMA) that the
// device layer calls into on transmit, if one is attached.
type MACDiscipline interface {
	PacketTx(skb *rtskb.Skb, d *Device) error
}

// Device is one entry in the fixed-size device table.
type Device struct {
	index   int
	name    string
	ifindex int

	LinkType    string // e.g. "ether"
	AddrLen     int
	HWAddr      net.HardwareAddr
	Broadcast   net.HardwareAddr
	MTU         int
	LocalIP     net.IP
	BroadcastIP net.IP

	flags     atomic.Uint32
	refcount  atomic.Int32
	addQuota  int // additional rtskbs this device contributed to the global pool

	rtLock  sync.Mutex // guards flag bits analogous to rtdev_lock
	nrtLock sync.Mutex // non-RT configuration mutex

	xmitLock    sync.Mutex // per-device transmit lock (exclusive devices only)
	exclusive   bool

	RXQueue rtskb.Queue

	driver Driver
	mac    MACDiscipline
	nrtTx  NonRTTransmitter

	Stats Stats

	wakeCh chan struct{} // signaled when the RX queue gets new data

	log *zap.Logger
}

// Name implements rtskb.DeviceHandle.
func (d *Device) Name() string { return d.name }

// Index returns the device's table slot (1-based, matching the
// original's 1..N indexing).
func (d *Device) Index() int { return d.index }

// Flags returns the current flag bits.
func (d *Device) Flags() Flags { return Flags(d.flags.Load()) }

func (d *Device) hasFlag(f Flags) bool { return d.Flags()&f != 0 }

func (d *Device) setFlag(f Flags, on bool) {
	d.rtLock.Lock()
	defer d.rtLock.Unlock()
	for {
		old := d.flags.Load()
		var next uint32
		if on {
			next = old | uint32(f)
		} else {
			next = old &^ uint32(f)
		}
		if d.flags.CompareAndSwap(old, next) {
			return
		}
	}
}

// Up returns whether the administrative UP flag is set.
func (d *Device) Up() bool { return d.hasFlag(FlagUp) }

// Ref increments the device's reference count; callers must call
// Deref when done. Unregister will not proceed while refcount > 0.
func (d *Device) Ref() { d.refcount.Add(1) }

// Deref decrements the device's reference count.
func (d *Device) Deref() { d.refcount.Add(-1) }

// RefCount returns the current reference count.
func (d *Device) RefCount() int32 { return d.refcount.Load() }

// AttachMAC installs a MAC discipline (e.g. TDMA) in front of this
// device's transmit path.
func (d *Device) AttachMAC(m MACDiscipline) {
	d.nrtLock.Lock()
	defer d.nrtLock.Unlock()
	d.mac = m
	if nrt, ok := m.(NonRTTransmitter); ok {
		d.nrtTx = nrt
	}
}

// DetachMAC removes any attached MAC discipline.
func (d *Device) DetachMAC() {
	d.nrtLock.Lock()
	defer d.nrtLock.Unlock()
	d.mac = nil
	d.nrtTx = nil
}

// BuildHeader asks the driver to prepend its link-layer header (e.g.
// Ethernet) onto skb for transmission toward destMAC. Network-layer
// output builders call this once routing has resolved a destination,
// before handing the skb to Xmit.
func (d *Device) BuildHeader(skb *rtskb.Skb, destMAC net.HardwareAddr) error {
	return d.driver.HardHeader(skb, d, destMAC)
}

// startXmit hands skb to the attached MAC discipline, if any; otherwise
// it is either the raw driver hard_start_xmit (for devices that declare
// themselves non-exclusive) or the wrapper that acquires the per-device
// xmit lock around the call, per spec §4.B.
func (d *Device) startXmit(skb *rtskb.Skb) error {
	if d.mac != nil {
		return d.mac.PacketTx(skb, d)
	}
	if !d.exclusive {
		return d.driver.HardStartXmit(skb, d)
	}
	d.xmitLock.Lock()
	defer d.xmitLock.Unlock()
	return d.driver.HardStartXmit(skb, d)
}

// Xmit calls the device's start_xmit function. On error the skb is
// freed here, matching the spec's "the driver is responsible for
// success" contract: whatever path is taken, the caller never needs to
// free skb itself.
func (d *Device) Xmit(skb *rtskb.Skb) error {
	if !d.Up() {
		rtskb.Free(skb)
		return rterr.ErrNetDown
	}
	err := d.startXmit(skb)
	if err != nil {
		d.Stats.TXDropped.Add(1)
		rtskb.Free(skb)
		return err
	}
	d.Stats.TXPackets.Add(1)
	return nil
}

// DriverXmit calls the driver directly, bypassing any attached MAC
// discipline. A MAC discipline's own worker task calls this to place
// the skb it dequeued from a slot onto the wire; going through Xmit
// instead would hand the skb straight back to PacketTx and loop.
func (d *Device) DriverXmit(skb *rtskb.Skb) error {
	if !d.Up() {
		rtskb.Free(skb)
		return rterr.ErrNetDown
	}
	var err error
	if d.exclusive {
		d.xmitLock.Lock()
		err = d.driver.HardStartXmit(skb, d)
		d.xmitLock.Unlock()
	} else {
		err = d.driver.HardStartXmit(skb, d)
	}
	if err != nil {
		d.Stats.TXDropped.Add(1)
		rtskb.Free(skb)
		return err
	}
	d.Stats.TXPackets.Add(1)
	return nil
}

// EnqueueRX is called by a driver's receive path (conceptually the
// interrupt bottom half) to place an inbound skb on this device's
// receive queue and wake the stack manager.
func (d *Device) EnqueueRX(skb *rtskb.Skb) {
	skb.Device = d
	skb.RXStampNs = time.Now().UnixNano()
	d.RXQueue.Enqueue(skb)
	d.Stats.RXPackets.Add(1)
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// WakeChannel returns the channel the stack manager selects on to learn
// that one or more devices have new receive-queue work.
func (d *Device) WakeChannel() <-chan struct{} { return d.wakeCh }
