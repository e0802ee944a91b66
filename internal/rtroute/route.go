// Package rtroute implements the routing layer (spec component C):
// bounded host-route and network-route hash tables that resolve a
// destination IPv4 address to (dest MAC, egress device), plus the
// inbound acceptance test used when a driver cannot already attribute
// a received skb to a socket.
package rtroute

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/rtnet-go/rtnet/internal/rterr"
	"github.com/rtnet-go/rtnet/internal/rtdev"
)

// Defaults mirror spec §3/§6.
const (
	DefaultHostBuckets   = 64
	DefaultHostFreeList  = 32
	DefaultNetBuckets    = 64
	DefaultNetHashShift  = 8
)

// Dest is the resolved (dest MAC, egress device) tuple routing produces.
type Dest struct {
	MAC    net.HardwareAddr
	Device *rtdev.Device
}

type hostEntry struct {
	ip     uint32
	mac    net.HardwareAddr
	device *rtdev.Device
	next   *hostEntry
}

type netEntry struct {
	net     uint32
	mask    uint32
	gateway uint32
	next    *netEntry
}

// Table is the combined host/network routing table. Host routes are
// always consulted first; if NetworkRoutingEnabled, network routes
// provide a second level that resolves to a gateway IP and restarts
// the host lookup exactly once (the gateway is looked up in the host
// table only, so a misconfigured gateway cannot recurse).
type Table struct {
	mu sync.RWMutex

	hostBuckets []*hostEntry
	hostCount   int

	netBuckets []*netEntry
	netCount   int
	netShift   uint

	NetworkRoutingEnabled bool

	// Forwarder, if set, is consulted by Input when a received
	// packet's destination does not match any local device. Returning
	// true means the forwarder will re-route and transmit the packet;
	// Input then does not deliver it locally.
	Forwarder func(destIP net.IP) bool
}

// NewTable creates a routing table with the given bucket counts and
// network-route hash shift. Network routes are consulted only when
// NetworkRoutingEnabled is set; the shift does not enable or disable them.
func NewTable(hostBuckets, netBuckets int, netShift uint) *Table {
	if hostBuckets <= 0 {
		hostBuckets = DefaultHostBuckets
	}
	if netBuckets <= 0 {
		netBuckets = DefaultNetBuckets
	}
	return &Table{
		hostBuckets: make([]*hostEntry, hostBuckets),
		// one extra overflow bucket, keyed by table size, for
		// networks whose mask does not contain the hash shift.
		netBuckets: make([]*netEntry, netBuckets+1),
		netShift:   netShift,
	}
}

func ip4ToU32(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(ip4)
}

func (t *Table) hostHash(ip uint32) int {
	return int(ip) & (len(t.hostBuckets) - 1)
}

// AddHostRoute adds or updates a host route. On a duplicate key the
// MAC/device are replaced, matching the add-or-update semantics of
// spec §3.
func (t *Table) AddHostRoute(destIP net.IP, mac net.HardwareAddr, dev *rtdev.Device) {
	key := ip4ToU32(destIP)
	h := t.hostHash(key)

	t.mu.Lock()
	defer t.mu.Unlock()
	for e := t.hostBuckets[h]; e != nil; e = e.next {
		if e.ip == key {
			e.mac = mac
			e.device = dev
			return
		}
	}
	t.hostBuckets[h] = &hostEntry{ip: key, mac: mac, device: dev, next: t.hostBuckets[h]}
	t.hostCount++
}

// DeleteHostRoute unlinks the host route for destIP, if present.
func (t *Table) DeleteHostRoute(destIP net.IP) bool {
	key := ip4ToU32(destIP)
	h := t.hostHash(key)

	t.mu.Lock()
	defer t.mu.Unlock()
	var prev *hostEntry
	for e := t.hostBuckets[h]; e != nil; e = e.next {
		if e.ip == key {
			if prev == nil {
				t.hostBuckets[h] = e.next
			} else {
				prev.next = e.next
			}
			t.hostCount--
			return true
		}
		prev = e
	}
	return false
}

// DeleteDeviceRoutes sweeps all host routes referencing dev (a
// device-wide delete, per spec §3).
func (t *Table) DeleteDeviceRoutes(dev *rtdev.Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for h := range t.hostBuckets {
		var prev *hostEntry
		e := t.hostBuckets[h]
		for e != nil {
			if e.device == dev {
				next := e.next
				if prev == nil {
					t.hostBuckets[h] = next
				} else {
					prev.next = next
				}
				t.hostCount--
				e = next
				continue
			}
			prev = e
			e = e.next
		}
	}
}

// AddNetRoute adds a network route; if the mask does not "contain"
// the configured hash shift (i.e. the shift falls within the host
// part of the mask), the route is placed in the overflow bucket.
func (t *Table) AddNetRoute(destNet net.IP, mask net.IPMask, gateway net.IP) {
	maskU32 := binary.BigEndian.Uint32(mask)
	netU32 := ip4ToU32(destNet) & maskU32
	gwU32 := ip4ToU32(gateway)

	h := t.netHashBucket(maskU32, netU32)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.netBuckets[h] = &netEntry{net: netU32, mask: maskU32, gateway: gwU32, next: t.netBuckets[h]}
	t.netCount++
}

func (t *Table) netHashBucket(maskU32, netU32 uint32) int {
	overflow := len(t.netBuckets) - 1
	shiftMask := uint32(1) << t.netShift
	if maskU32&shiftMask == 0 {
		return overflow
	}
	return int((netU32>>t.netShift)%uint32(overflow)) // modulo keeps this within bounds regardless of bucket count
}

// Output resolves destIP to a (dest MAC, egress device) tuple, per the
// lookup order in spec §4.C: host table, then (if enabled) network
// table, then the network table's overflow bucket, restarting the
// host lookup at most once via the gateway IP.
func (t *Table) Output(destIP net.IP) (Dest, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	key := ip4ToU32(destIP)
	if d, ok := t.lookupHostLocked(key); ok {
		return d, nil
	}

	// A gateway IP is resolved through the host table only, so a
	// misconfigured gateway (pointing at another network route) cannot
	// recurse.
	if t.NetworkRoutingEnabled {
		for _, head := range []*netEntry{t.netBucketLocked(key), t.overflowLocked()} {
			for e := head; e != nil; e = e.next {
				if e.net == (key & e.mask) {
					if d, ok := t.lookupHostLocked(e.gateway); ok {
						return d, nil
					}
					return Dest{}, fmt.Errorf("rtroute: output %s via gateway: %w", destIP, rterr.ErrHostUnreachable)
				}
			}
		}
	}

	return Dest{}, fmt.Errorf("rtroute: output %s: %w", destIP, rterr.ErrHostUnreachable)
}

func (t *Table) lookupHostLocked(key uint32) (Dest, bool) {
	h := t.hostHash(key)
	for e := t.hostBuckets[h]; e != nil; e = e.next {
		if e.ip == key {
			return Dest{MAC: e.mac, Device: e.device}, true
		}
	}
	return Dest{}, false
}

func (t *Table) netBucketLocked(key uint32) *netEntry {
	overflow := len(t.netBuckets) - 1
	h := int((key >> t.netShift) % uint32(overflow))
	return t.netBuckets[h]
}

func (t *Table) overflowLocked() *netEntry {
	return t.netBuckets[len(t.netBuckets)-1]
}

func uint32ToIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}

// Input decides whether an inbound packet destined for destIP should
// be accepted locally: destIP matches dev's local or broadcast address,
// or dev is loopback; otherwise it is forwarded if a Forwarder is
// configured, and dropped otherwise.
func (t *Table) Input(dev *rtdev.Device, destIP net.IP) error {
	if dev.Flags()&rtdev.FlagLoopback != 0 {
		return nil
	}
	if dev.LocalIP != nil && dev.LocalIP.Equal(destIP) {
		return nil
	}
	if dev.BroadcastIP != nil && dev.BroadcastIP.Equal(destIP) {
		return nil
	}
	if t.Forwarder != nil && t.Forwarder(destIP) {
		return nil
	}
	return fmt.Errorf("rtroute: input %s on %s: %w", destIP, dev.Name(), rterr.ErrHostUnreachable)
}

// HostRouteSnapshot is one row of a /proc-style listing.
type HostRouteSnapshot struct {
	IP     net.IP
	MAC    net.HardwareAddr
	Device string
}

// SnapshotHostRoutes copies each bucket under the read lock for a
// consistent-per-bucket (not globally consistent) /proc view, per
// spec §4.C.
func (t *Table) SnapshotHostRoutes() []HostRouteSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []HostRouteSnapshot
	for _, bucket := range t.hostBuckets {
		for e := bucket; e != nil; e = e.next {
			devName := ""
			if e.device != nil {
				devName = e.device.Name()
			}
			out = append(out, HostRouteSnapshot{IP: uint32ToIP(e.ip), MAC: e.mac, Device: devName})
		}
	}
	return out
}
