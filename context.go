package rtnet

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rtnet-go/rtnet/internal/rtcfg"
	"github.com/rtnet-go/rtnet/internal/rtdev"
	"github.com/rtnet-go/rtnet/internal/rtproto"
	"github.com/rtnet-go/rtnet/internal/rterr"
	"github.com/rtnet-go/rtnet/internal/rtroute"
	"github.com/rtnet-go/rtnet/internal/rtskb"
	"github.com/rtnet-go/rtnet/internal/rtsocket"
	"github.com/rtnet-go/rtnet/internal/stackmgr"
	"github.com/rtnet-go/rtnet/internal/tdma"
)

// Context owns the lifetime of every component provisioned from a
// Config: devices, pools, routes, the stack manager task, and any
// TDMA/RTcfg attachments, the way caddy.Context owns the modules
// loaded from the config that spawned it. It is canceled exactly once,
// at which point every OnCancel hook runs in registration order.
type Context struct {
	context.Context
	cancel context.CancelFunc

	instanceID uuid.UUID
	cfg        *Config
	log        *zap.Logger

	metricsRegistry *prometheus.Registry
	metrics         *metrics

	devices    *rtdev.Registry
	routes     *rtroute.Table
	sockets    *rtsocket.PacketTable
	ports      *rtsocket.PortRegistry
	stackMgr   *stackmgr.Manager

	pools map[string]*rtskb.Pool

	disciplines map[string]*tdma.Discipline
	attachments map[string]*rtcfg.Attachment

	mu           sync.Mutex
	cleanupFuncs []func()

	group *errgroup.Group
}

// NewContext provisions every component described by cfg (but does not
// start any background task; see Context.Run) and returns a Context
// derived from parent.
func NewContext(parent context.Context, cfg *Config) (*Context, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	cfg.Params.applyDefaults()

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("rtnet: generating instance id: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	log := Log()
	reg := prometheus.NewRegistry()

	c := &Context{
		Context:         ctx,
		cancel:          cancel,
		instanceID:      id,
		cfg:             cfg,
		log:             log,
		metricsRegistry: reg,
		metrics:         newMetrics(reg),
		devices:         rtdev.NewRegistry(log.Named("rtdev")),
		routes:          rtroute.NewTable(256, 256, uint(cfg.Params.NetHashKeyShift)),
		sockets:         rtsocket.NewPacketTable(),
		ports:           rtsocket.NewPortRegistry(),
		pools:           make(map[string]*rtskb.Pool),
		disciplines:     make(map[string]*tdma.Discipline),
		attachments:     make(map[string]*rtcfg.Attachment),
		group:           new(errgroup.Group),
	}

	devicePool := rtskb.NewPool("device", rtskb.DefaultBufLen)
	devicePool.Init(cfg.Params.DeviceRtskbs)
	c.pools["device"] = devicePool

	out := rtproto.NewOutput()
	icmp := rtproto.NewICMP(out, c.routes)
	udp := rtproto.NewUDP(out, c.ports)
	defrag := rtproto.NewDefragmenter(int64(cfg.Params.DeviceRtskbs) * int64(rtskb.DefaultBufLen))
	ingress := rtproto.NewIngress(c.routes, defrag, icmp, udp, log.Named("rtproto"))

	c.stackMgr = stackmgr.New(c.devices, c.sockets, ingress, log.Named("stackmgr"))

	for _, rc := range cfg.Routes {
		if err := c.applyRoute(rc); err != nil {
			cancel()
			return nil, err
		}
	}

	c.log.Info("provisioned stack context",
		zap.String("instance_id", id.String()),
		zap.Int("devices", len(cfg.Devices)),
		zap.Int("routes", len(cfg.Routes)))

	return c, nil
}

// InstanceID returns this context's random per-process instance
// identifier, generated once in NewContext. It is only exposed through
// this accessor; RTcfg stage-1 announces do not carry it.
func (ctx *Context) InstanceID() uuid.UUID { return ctx.instanceID }

// Logger returns the process logger named for the given subsystem.
func (ctx *Context) Logger(name string) *zap.Logger { return ctx.log.Named(name) }

// MetricsRegistry returns this context's private Prometheus registry.
func (ctx *Context) MetricsRegistry() *prometheus.Registry { return ctx.metricsRegistry }

// AdminAddr returns the configured admin API listen address, or ""
// if the admin API is disabled.
func (ctx *Context) AdminAddr() string { return ctx.cfg.Admin.Listen }

// Devices returns the device registry.
func (ctx *Context) Devices() *rtdev.Registry { return ctx.devices }

// Routes returns the route table.
func (ctx *Context) Routes() *rtroute.Table { return ctx.routes }

// Sockets returns the raw packet-socket table.
func (ctx *Context) Sockets() *rtsocket.PacketTable { return ctx.sockets }

// Ports returns the UDP port registry.
func (ctx *Context) Ports() *rtsocket.PortRegistry { return ctx.ports }

// Discipline returns the TDMA discipline attached to a device, if any.
func (ctx *Context) Discipline(device string) (*tdma.Discipline, bool) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	d, ok := ctx.disciplines[device]
	return d, ok
}

// Attachment returns the RTcfg attachment for a device, if any.
func (ctx *Context) Attachment(device string) (*rtcfg.Attachment, bool) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	a, ok := ctx.attachments[device]
	return a, ok
}

// OnCancel registers f to run once, when the context is canceled
// (via Stop or process shutdown), mirroring caddy.Context.OnCancel.
func (ctx *Context) OnCancel(f func()) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.cleanupFuncs = append(ctx.cleanupFuncs, f)
}

// RegisterDevice attaches a real driver (out of this spec's scope per
// component B) to one of cfg.Devices' declared names and brings it up.
// It must be called, for every non-loopback device named in the
// config, before Run starts the stack manager task.
func (ctx *Context) RegisterDevice(name string, driver rtdev.Driver) (*rtdev.Device, error) {
	var dc *DeviceConfig
	for i := range ctx.cfg.Devices {
		if ctx.cfg.Devices[i].Name == name {
			dc = &ctx.cfg.Devices[i]
			break
		}
	}
	if dc == nil {
		return nil, fmt.Errorf("rtnet: device %s: %w", name, rterr.ErrNotFound)
	}

	ndc := rtdev.NewDeviceConfig{
		Name:     dc.Name,
		MTU:      dc.MTU,
		Loopback: dc.Loopback,
		Driver:   driver,
	}
	if dc.HWAddr != "" {
		ndc.HWAddr, _ = net.ParseMAC(dc.HWAddr)
	}
	if dc.LocalIP != "" {
		ndc.LocalIP = net.ParseIP(dc.LocalIP)
	}
	if dc.BroadcastIP != "" {
		ndc.BroadcastIP = net.ParseIP(dc.BroadcastIP)
	}
	if ndc.MTU == 0 {
		ndc.MTU = 1500
	}

	dev, err := ctx.devices.Register(ndc)
	if err != nil {
		return nil, err
	}
	if err := rtdev.Open(dev); err != nil {
		return nil, err
	}

	for _, rc := range ctx.cfg.Routes {
		if rc.Device == name {
			if err := ctx.applyRoute(rc); err != nil {
				return nil, err
			}
		}
	}

	if ctx.cfg.TDMA != nil && ctx.cfg.TDMA.Device == name {
		if err := ctx.attachTDMA(dev, *ctx.cfg.TDMA); err != nil {
			return nil, err
		}
	}
	if ctx.cfg.RTcfg != nil && ctx.cfg.RTcfg.Device == name {
		if err := ctx.attachRTcfg(dev, *ctx.cfg.RTcfg); err != nil {
			return nil, err
		}
	}

	return dev, nil
}

func (ctx *Context) applyRoute(rc RouteConfig) error {
	dev, err := ctx.devices.GetByName(rc.Device)
	if err != nil {
		// the device may not be registered yet (drivers attach after
		// NewContext); RegisterDevice applies the routes that name it
		// once it is registered.
		return nil
	}
	if rc.MAC != "" {
		mac, err := net.ParseMAC(rc.MAC)
		if err != nil {
			return fmt.Errorf("route %s: %w", rc.Dest, err)
		}
		ctx.routes.AddHostRoute(net.ParseIP(rc.Dest), mac, dev)
		return nil
	}
	ip, ipnet, err := net.ParseCIDR(rc.Dest)
	if err != nil {
		return fmt.Errorf("route %s: %w", rc.Dest, err)
	}
	ctx.routes.AddNetRoute(ip, ipnet.Mask, net.ParseIP(rc.Gateway))
	return nil
}

func (ctx *Context) attachTDMA(dev *rtdev.Device, tc TDMAConfig) error {
	pool := rtskb.NewPool("tdma-"+dev.Name(), rtskb.DefaultBufLen)
	pool.Init(32)
	ctx.pools[pool.Name()] = pool

	disc := tdma.New(dev, pool, time.Duration(tc.CyclePeriod), ctx.Logger("tdma"))
	disc.Attach()
	switch tc.Role {
	case "master":
		disc.BecomeMaster()
	case "slave":
		disc.BecomeSlave()
	case "backup-master":
		disc.BecomeBackupMaster(time.Duration(tc.BackupSyncInc))
	}
	for _, sc := range tc.Slots {
		mtu := sc.MTU
		if mtu == 0 {
			mtu = dev.MTU()
		}
		if err := disc.AddSlot(sc.ID, time.Duration(sc.Offset), sc.Period, sc.Phasing, mtu); err != nil {
			return err
		}
	}

	ctx.mu.Lock()
	ctx.disciplines[dev.Name()] = disc
	ctx.mu.Unlock()

	ctx.group.Go(func() error { return disc.Run(ctx) })
	return nil
}

func (ctx *Context) attachRTcfg(dev *rtdev.Device, rc RTcfgConfig) error {
	pool := rtskb.NewPool("rtcfg-"+dev.Name(), rtskb.DefaultBufLen)
	pool.Init(8)
	ctx.pools[pool.Name()] = pool

	addrType := rtcfg.AddrIP
	if rc.AddrType == "mac" {
		addrType = rtcfg.AddrMAC
	}
	burstHz := rc.BurstHz
	if burstHz <= 0 {
		burstHz = 1
	}
	att := rtcfg.Attach(dev, pool, addrType, burstHz)

	ctx.mu.Lock()
	ctx.attachments[dev.Name()] = att
	ctx.mu.Unlock()

	if err := ctx.stackMgr.RegisterPacketType(rtcfg.EtherTypeRTcfgLegacy, att); err != nil {
		return err
	}
	return ctx.stackMgr.RegisterPacketType(rtcfg.EtherTypeRTcfg, att)
}

// Run starts the stack manager task and blocks until it and every TDMA
// worker (each started when its discipline was attached) have
// returned, the errgroup-supervised analogue of the spec's single
// real-time task. The group carries no context of its own, so one task
// returning an error does not stop the others; Stop cancels them all.
func (ctx *Context) Run() error {
	ctx.group.Go(func() error { return ctx.stackMgr.Run(ctx) })
	err := ctx.group.Wait()
	if err != nil && ctx.Context.Err() != nil {
		// cancellation, not a real failure
		return nil
	}
	return err
}

// Stop cancels the context and runs every OnCancel hook exactly once,
// in registration order, then releases every pool this context owns.
func (ctx *Context) Stop() error {
	ctx.cancel()

	ctx.mu.Lock()
	hooks := ctx.cleanupFuncs
	ctx.cleanupFuncs = nil
	ctx.mu.Unlock()
	for _, f := range hooks {
		f()
	}

	var firstErr error
	for _, p := range ctx.pools {
		if err := p.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
