// Package stackmgr implements the stack manager (spec component D):
// the single real-time task that drains each device's receive queue
// and dispatches inbound skbs to raw packet sockets, the IP ingress
// path, or any other registered link-layer packet-type handler.
//
// The manager never blocks on non-real-time primitives; it does
// allocate, since each pass rebuilds its select set over the devices'
// wake channels. Every per-device queue drain is O(1) per packet, and a
// slow consumer yields drops at the pool (OutOfCompensation). Wake-ups
// are not counted: a device's wake channel holds at most one pending
// wake, and each wake (or poll tick) drains every queue completely, so
// queued packets are not left behind.
package stackmgr

import (
	"context"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rtnet-go/rtnet/internal/rtdev"
	"github.com/rtnet-go/rtnet/internal/rterr"
	"github.com/rtnet-go/rtnet/internal/rtskb"
)

// Well-known EtherTypes referenced by the link-layer dispatch table.
const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806
	EtherTypeRTmac uint16 = 0x9021
)

// PacketHandler processes one inbound skb whose EtherType matched its
// registration. It takes ownership of skb: on return it must have
// either enqueued it somewhere (acquiring it into the destination's
// pool first) or freed it.
type PacketHandler interface {
	HandlePacket(skb *rtskb.Skb, dev *rtdev.Device) error
}

// RawDispatcher is consulted for every inbound skb before IP ingress;
// it is the interface-level hook for the packet-socket layer (F).
// Deliver returns matched=true if a raw socket's bind claimed the skb
// (in which case it has been acquired into that socket's pool and
// enqueued); the IP path is independent and still runs when matched is
// false.
type RawDispatcher interface {
	Deliver(skb *rtskb.Skb, dev *rtdev.Device) (matched bool, err error)
}

// IPDispatcher is the IP ingress entry point (route_input, defrag,
// per-protocol dispatch); see the rtproto package. Deliver always takes
// ownership of skb — every path, success or failure, either enqueues it
// somewhere or frees it — and reports how many complete packets should
// be counted as dropped (almost always 1 on error and 0 on success, but
// a reassembly abort can discard several already-accumulated fragments
// in one call).
type IPDispatcher interface {
	Deliver(skb *rtskb.Skb, dev *rtdev.Device) (dropped int, err error)
}

// Manager is the single per-stack RT task.
type Manager struct {
	registry *rtdev.Registry

	typesMu     sync.RWMutex // write-locked only from non-RT setup code
	packetTypes map[uint16]PacketHandler

	raw RawDispatcher
	ip  IPDispatcher

	log *zap.Logger

	pollInterval time.Duration // fallback poll period so newly (un)registered devices are picked up
}

// New constructs a stack manager bound to registry. raw and ip may be
// nil if those layers are not wired (e.g. in unit tests exercising
// dispatch of a single EtherType).
func New(registry *rtdev.Registry, raw RawDispatcher, ip IPDispatcher, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		registry:     registry,
		packetTypes:  make(map[uint16]PacketHandler),
		raw:          raw,
		ip:           ip,
		log:          log.Named("stackmgr"),
		pollInterval: 50 * time.Millisecond,
	}
}

// RegisterPacketType installs a handler for the given EtherType. A
// registered protocol number has exactly one handler; this must only
// be called from non-RT setup code, never while Run may be dispatching.
func (m *Manager) RegisterPacketType(etherType uint16, h PacketHandler) error {
	m.typesMu.Lock()
	defer m.typesMu.Unlock()
	if _, exists := m.packetTypes[etherType]; exists {
		return rterr.ErrAlreadyExists
	}
	m.packetTypes[etherType] = h
	return nil
}

func (m *Manager) lookupPacketType(etherType uint16) PacketHandler {
	m.typesMu.RLock()
	defer m.typesMu.RUnlock()
	return m.packetTypes[etherType]
}

// Run drains device receive queues until ctx is canceled. It is meant
// to be run as the sole goroutine servicing the stack's ingress path;
// callers typically supervise it with an errgroup alongside the TDMA
// workers.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Info("stack manager started")
	defer m.log.Info("stack manager stopped")

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		m.drainAll()

		cases, devices := m.buildWakeCases(ctx, ticker.C)
		chosen, _, _ := reflect.Select(cases)
		if chosen == 0 { // ctx.Done()
			return ctx.Err()
		}
		_ = devices
		// any other case firing (a device wake, or the ticker) just
		// means "go around and drain again"
	}
}

func (m *Manager) buildWakeCases(ctx context.Context, tick <-chan time.Time) ([]reflect.SelectCase, []*rtdev.Device) {
	cases := []reflect.SelectCase{
		{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
		{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(tick)},
	}
	var devices []*rtdev.Device
	m.registry.Each(func(d *rtdev.Device) {
		devices = append(devices, d)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(d.WakeChannel())})
	})
	return cases, devices
}

// drainAll pops every queued skb off every device's receive queue and
// dispatches it. Called once per wake-up; a device that receives
// faster than the manager drains will simply have its queue grow
// (bounded by its pool's capacity, which is where real backpressure
// is enforced).
func (m *Manager) drainAll() {
	m.registry.Each(func(d *rtdev.Device) {
		for {
			skb := d.RXQueue.Dequeue()
			if skb == nil {
				return
			}
			m.dispatch(skb, d)
		}
	})
}

func (m *Manager) dispatch(skb *rtskb.Skb, dev *rtdev.Device) {
	if m.raw != nil {
		matched, err := m.raw.Deliver(skb, dev)
		if err != nil {
			dev.Stats.RXDropped.Add(1)
			rtskb.Free(skb)
			return
		}
		if matched {
			return
		}
	}

	if skb.Protocol == EtherTypeIPv4 && m.ip != nil {
		// Deliver always takes ownership of skb itself — on every path it
		// either enqueues the packet or frees it — so dispatch must not
		// free it again here regardless of the error outcome.
		dropped, _ := m.ip.Deliver(skb, dev)
		if dropped > 0 {
			dev.Stats.RXDropped.Add(uint64(dropped))
		}
		return
	}

	if h := m.lookupPacketType(skb.Protocol); h != nil {
		if err := h.HandlePacket(skb, dev); err != nil {
			dev.Stats.RXDropped.Add(1)
			rtskb.Free(skb)
		}
		return
	}

	dev.Stats.RXDropped.Add(1)
	rtskb.Free(skb)
}
