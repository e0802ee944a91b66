package rtcfg

import (
	"context"
	"net"
	"sync"

	"golang.org/x/time/rate"

	"github.com/rtnet-go/rtnet/internal/rtdev"
	"github.com/rtnet-go/rtnet/internal/rtskb"
)

// EtherType values carrying RTcfg traffic, per spec §6: 0x8999 names
// the legacy discipline type, 0x2004 the current one. Both are
// registered to the same handler.
const (
	EtherTypeRTcfgLegacy uint16 = 0x8999
	EtherTypeRTcfg       uint16 = 0x2004
)

// ConnState names a peer connection's position in the stage-1/stage-2
// distribution handshake.
type ConnState int32

const (
	ConnSearching ConnState = iota
	ConnStage1
	ConnStage2
	ConnReady
)

func (s ConnState) String() string {
	switch s {
	case ConnSearching:
		return "SEARCHING"
	case ConnStage1:
		return "STAGE_1"
	case ConnStage2:
		return "STAGE_2"
	case ConnReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// Connection is one peer's state in the per-device station list, keyed
// by either its IP or MAC address depending on the device's AddrType.
type Connection struct {
	mu    sync.Mutex
	state ConnState

	IP  net.IP
	MAC net.HardwareAddr
}

// State returns the connection's current state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// onAnnounce transitions a newly learned peer from SEARCHING to
// STAGE_1, mirroring the original event table's RTCFG_FRM_ANNOUNCE_NEW
// handling — it is reachable from any earlier state (a peer that
// restarts re-announces).
func (c *Connection) onAnnounce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ConnStage1
}

// onAckCfg advances a connection that has received its configuration
// to STAGE_2 (more fragments expected) or directly to READY.
func (c *Connection) onAckCfg(final bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if final {
		c.state = ConnReady
	} else {
		c.state = ConnStage2
	}
}

// onReady advances a connection to READY once the peer signals it has
// finished applying its configuration.
func (c *Connection) onReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ConnReady
}

// onTimeout reverts a connection to SEARCHING, mirroring the original
// state machine's handling of a stalled handshake.
func (c *Connection) onTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ConnSearching
}

// Station identifies a peer by whichever address type the owning
// device's announce frames carry.
type Station struct {
	IP  net.IP
	MAC net.HardwareAddr
}

func (s Station) key() string {
	if s.MAC != nil {
		return "mac:" + s.MAC.String()
	}
	return "ip:" + s.IP.String()
}

// Attachment is one device's RTcfg registration: its address type, the
// announce burst-rate limiter, and the station list of peers learned
// by address.
type Attachment struct {
	dev      *rtdev.Device
	pool     *rtskb.Pool
	addrType AddrType
	burstHz  float64

	limiter *rate.Limiter

	mu       sync.Mutex
	stations map[string]*Connection
}

// Attach installs RTcfg on dev: announce frames this node sends are
// rate-limited to burstHz per second (per spec's per-node burst rate
// field), governed by golang.org/x/time/rate exactly as the admin
// API's non-RT route/slot mutation endpoints are (SPEC_FULL.md §11).
func Attach(dev *rtdev.Device, pool *rtskb.Pool, addrType AddrType, burstHz float64) *Attachment {
	return &Attachment{
		dev:      dev,
		pool:     pool,
		addrType: addrType,
		burstHz:  burstHz,
		limiter:  rate.NewLimiter(rate.Limit(burstHz), 1),
		stations: make(map[string]*Connection),
	}
}

// AddPeer registers a peer to track, starting in SEARCHING, and
// returns its Connection.
func (a *Attachment) AddPeer(s Station) *Connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.stations[s.key()]; ok {
		return c
	}
	c := &Connection{state: ConnSearching, IP: s.IP, MAC: s.MAC}
	a.stations[s.key()] = c
	return c
}

// Peer looks up a previously added peer by station identity.
func (a *Attachment) Peer(s Station) (*Connection, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.stations[s.key()]
	return c, ok
}

// Stations returns a snapshot of every known peer, for the /proc
// rtnet/rtcfg/<if>/station_list surface.
func (a *Attachment) Stations() []*Connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Connection, 0, len(a.stations))
	for _, c := range a.stations {
		out = append(out, c)
	}
	return out
}

// AnnounceNew broadcasts a stage-1 announce frame declaring this
// node's address and configuration, waiting on the burst-rate limiter
// so a flapping link cannot flood the segment with announces.
func (a *Attachment) AnnounceNew(ctx context.Context, clientIP, serverIP net.IP, config []byte) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	frame := Stage1Announce{
		AddrType:  a.addrType,
		ClientIP:  clientIP,
		ServerIP:  serverIP,
		BurstRate: uint32(a.burstHz),
		Config:    config,
	}
	payload := frame.Build()

	skb, err := rtskb.Alloc(stage1LinkHeaderRoom, a.pool)
	if err != nil {
		return err
	}
	copy(skb.Put(len(payload)), payload)
	skb.Protocol = EtherTypeRTcfg
	if err := a.dev.BuildHeader(skb, a.dev.Broadcast); err != nil {
		rtskb.Free(skb)
		return err
	}
	return a.dev.DriverXmit(skb)
}

// stage1LinkHeaderRoom mirrors the other protocol packages' headroom
// constant for the driver's link-layer header.
const stage1LinkHeaderRoom = 14

// HandlePacket implements stackmgr.PacketHandler for the RTcfg
// EtherTypes: it parses the stage-1 announce frame and advances (or
// creates) the sender's connection state. Stage-2 configuration
// distribution is out of scope at this interface level; frames other
// than the stage-1 announce are acknowledged structurally (dropped
// without error) rather than processed further.
func (a *Attachment) HandlePacket(skb *rtskb.Skb, dev *rtdev.Device) error {
	defer rtskb.Free(skb)
	frame, err := ParseStage1Announce(skb.Data())
	if err != nil {
		return nil
	}
	if frame.AddrType != AddrIP {
		// MAC-addressed peers are identified by their frame's source
		// address, which this layer does not have access to (skbs
		// carry no preserved link-layer source field); IP-addressed
		// peers carry their own identity in the frame body instead.
		return nil
	}
	conn := a.AddPeer(Station{IP: frame.ClientIP})
	conn.onAnnounce()
	return nil
}
