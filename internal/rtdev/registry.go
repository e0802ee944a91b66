package rtdev

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rtnet-go/rtnet/internal/rterr"
)

// Registry is the fixed-size device table described in spec §3/§4.B.
// register/unregister are non-RT, sleeping operations; the lookups
// (get_by_*) are O(1) and safe to call from RT context.
type Registry struct {
	nrtMu sync.Mutex // serializes register/unregister (non-RT)
	rtMu  sync.RWMutex

	slots [MaxDevices]*Device

	log *zap.Logger
}

// NewRegistry creates an empty device table.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{log: log}
}

// NewDeviceConfig describes a device at registration time.
type NewDeviceConfig struct {
	Name        string
	LinkType    string
	HWAddr      net.HardwareAddr
	Broadcast   net.HardwareAddr
	MTU         int
	LocalIP     net.IP
	BroadcastIP net.IP
	Loopback    bool
	Exclusive   bool
	Driver      Driver
}

// Register finds the first free table slot, rejects duplicate names,
// and installs the device. Post-registration state is PRESENT but not
// UP (the driver/CLI must bring it up separately).
func (r *Registry) Register(cfg NewDeviceConfig) (*Device, error) {
	r.nrtMu.Lock()
	defer r.nrtMu.Unlock()

	r.rtMu.RLock()
	for _, d := range r.slots {
		if d != nil && d.name == cfg.Name {
			r.rtMu.RUnlock()
			return nil, fmt.Errorf("rtdev: register %q: %w", cfg.Name, rterr.ErrAlreadyExists)
		}
	}
	r.rtMu.RUnlock()

	d := &Device{
		name:        cfg.Name,
		LinkType:    cfg.LinkType,
		AddrLen:     len(cfg.HWAddr),
		HWAddr:      cfg.HWAddr,
		Broadcast:   cfg.Broadcast,
		MTU:         cfg.MTU,
		LocalIP:     cfg.LocalIP,
		BroadcastIP: cfg.BroadcastIP,
		exclusive:   cfg.Exclusive,
		driver:      cfg.Driver,
		wakeCh:      make(chan struct{}, 1),
		log:         r.log.Named(cfg.Name),
	}
	if cfg.Loopback {
		d.setFlag(FlagLoopback|FlagBroadcast, true)
	} else {
		d.setFlag(FlagBroadcast, true)
	}

	r.rtMu.Lock()
	slot := -1
	for i := range r.slots {
		if r.slots[i] == nil {
			slot = i
			break
		}
	}
	if slot == -1 {
		r.rtMu.Unlock()
		return nil, fmt.Errorf("rtdev: register %q: %w (table full)", cfg.Name, rterr.ErrNoBufs)
	}
	d.index = slot + 1
	d.ifindex = d.index
	r.slots[slot] = d
	r.rtMu.Unlock()

	r.log.Info("device registered", zap.String("device", d.name), zap.Int("ifindex", d.ifindex))
	return d, nil
}

// Unregister waits (sleeping, non-RT) for refcount to drop to zero,
// polling at 1s granularity, exactly as the device layer's
// "quiesce before free" pattern requires, then removes the device
// from the table.
func (r *Registry) Unregister(name string) error {
	r.nrtMu.Lock()
	defer r.nrtMu.Unlock()

	r.rtMu.RLock()
	var d *Device
	var slot int
	for i, cand := range r.slots {
		if cand != nil && cand.name == name {
			d, slot = cand, i
			break
		}
	}
	r.rtMu.RUnlock()
	if d == nil {
		return fmt.Errorf("rtdev: unregister %q: %w", name, rterr.ErrNotFound)
	}

	for d.RefCount() > 0 {
		time.Sleep(time.Second)
	}

	r.rtMu.Lock()
	r.slots[slot] = nil
	r.rtMu.Unlock()
	r.log.Info("device unregistered", zap.String("device", name))
	return nil
}

// GetByName looks up a device by name under the RT lock and increments
// its refcount on hit. Caller must call Deref when finished.
func (r *Registry) GetByName(name string) (*Device, error) {
	r.rtMu.RLock()
	defer r.rtMu.RUnlock()
	for _, d := range r.slots {
		if d != nil && d.name == name {
			d.Ref()
			return d, nil
		}
	}
	return nil, fmt.Errorf("rtdev: get %q: %w", name, rterr.ErrNotFound)
}

// GetByIndex looks up a device by ifindex under the RT lock.
func (r *Registry) GetByIndex(ifindex int) (*Device, error) {
	r.rtMu.RLock()
	defer r.rtMu.RUnlock()
	for _, d := range r.slots {
		if d != nil && d.ifindex == ifindex {
			d.Ref()
			return d, nil
		}
	}
	return nil, fmt.Errorf("rtdev: get index %d: %w", ifindex, rterr.ErrNotFound)
}

// Each calls f for every registered device, incrementing and
// decrementing its refcount around the call so f may safely block
// briefly (e.g. to copy stats for a /proc snapshot).
func (r *Registry) Each(f func(*Device)) {
	r.rtMu.RLock()
	devices := make([]*Device, 0, MaxDevices)
	for _, d := range r.slots {
		if d != nil {
			d.Ref()
			devices = append(devices, d)
		}
	}
	r.rtMu.RUnlock()
	for _, d := range devices {
		f(d)
		d.Deref()
	}
}

// Open brings a device up: delegates to the driver's Open callback
// under the non-RT mutex, then sets UP|RUNNING.
func Open(d *Device) error {
	d.nrtLock.Lock()
	defer d.nrtLock.Unlock()
	if d.driver != nil {
		if err := d.driver.Open(d); err != nil {
			return err
		}
	}
	d.setFlag(FlagUp|FlagRunning, true)
	return nil
}

// Close brings a device down: delegates to the driver's Stop callback,
// then clears UP|RUNNING.
func Close(d *Device) error {
	d.nrtLock.Lock()
	defer d.nrtLock.Unlock()
	d.setFlag(FlagUp|FlagRunning, false)
	if d.driver != nil {
		return d.driver.Stop(d)
	}
	return nil
}
