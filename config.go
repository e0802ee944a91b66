package rtnet

import (
	"fmt"
	"net"
	"time"
)

// Config is the root, JSON-encodable description of one running stack
// instance: its devices, static routes, TDMA schedule, RTcfg
// attachment, and the module-parameter table spec §6 names
// (`device_rtskbs`, `socket_rtskbs`, `auto_port_start`,
// `auto_port_mask`, `rtcap_rtskbs`, `net_hash_key_shift`). Generally
// all fields are optional; applyDefaults fills in the same defaults
// `stack/rtnet_module.c` fixes at module-load time.
type Config struct {
	Admin AdminConfig `json:"admin,omitempty"`

	Params ModuleParams `json:"params,omitempty"`

	Devices []DeviceConfig `json:"devices,omitempty"`
	Routes  []RouteConfig  `json:"routes,omitempty"`

	TDMA  *TDMAConfig  `json:"tdma,omitempty"`
	RTcfg *RTcfgConfig `json:"rtcfg,omitempty"`
}

// AdminConfig configures the local admin HTTP surface (internal/adminapi).
type AdminConfig struct {
	// Listen is the admin listener address, e.g. "localhost:7021". An
	// empty value disables the admin API.
	Listen string `json:"listen,omitempty"`
}

// ModuleParams mirrors the defaults `rtnet_module.c` fixes at
// module-load time and logs once at startup.
type ModuleParams struct {
	DeviceRtskbs    int `json:"device_rtskbs,omitempty"`
	SocketRtskbs    int `json:"socket_rtskbs,omitempty"`
	RTcapRtskbs     int `json:"rtcap_rtskbs,omitempty"`
	AutoPortStart   int `json:"auto_port_start,omitempty"`
	AutoPortMask    int `json:"auto_port_mask,omitempty"`
	NetHashKeyShift int `json:"net_hash_key_shift,omitempty"`
}

// applyDefaults fills unset module parameters with the values
// `rtnet_module.c` compiles in.
func (p *ModuleParams) applyDefaults() {
	if p.DeviceRtskbs == 0 {
		p.DeviceRtskbs = 32
	}
	if p.SocketRtskbs == 0 {
		p.SocketRtskbs = 16
	}
	if p.RTcapRtskbs == 0 {
		p.RTcapRtskbs = 8
	}
	if p.AutoPortStart == 0 {
		p.AutoPortStart = 1024
	}
	if p.AutoPortMask == 0 {
		p.AutoPortMask = 0xFFFF
	}
	if p.NetHashKeyShift == 0 {
		p.NetHashKeyShift = 8
	}
}

// DeviceConfig declares one network device. A real device still needs
// an `rtdev.Driver` registered programmatically (spec §4.B scopes the
// driver itself out), so loading a Config only validates and records
// the device's addressing; `Context.RegisterDevice` is how a driver is
// actually attached.
type DeviceConfig struct {
	Name        string `json:"name"`
	MTU         int    `json:"mtu,omitempty"`
	HWAddr      string `json:"hw_addr,omitempty"`
	LocalIP     string `json:"local_ip,omitempty"`
	BroadcastIP string `json:"broadcast_ip,omitempty"`
	Loopback    bool   `json:"loopback,omitempty"`
}

func (d DeviceConfig) validate() error {
	if d.Name == "" {
		return fmt.Errorf("device: name is required")
	}
	if d.HWAddr != "" {
		if _, err := net.ParseMAC(d.HWAddr); err != nil {
			return fmt.Errorf("device %s: %w", d.Name, err)
		}
	}
	if d.LocalIP != "" && net.ParseIP(d.LocalIP) == nil {
		return fmt.Errorf("device %s: invalid local_ip %q", d.Name, d.LocalIP)
	}
	return nil
}

// RouteConfig declares one static host or net route (spec component
// C; dynamic routing protocols are an explicit Non-goal).
type RouteConfig struct {
	Dest    string `json:"dest"`            // host IP, or network in CIDR form
	Gateway string `json:"gateway,omitempty"`
	MAC     string `json:"mac,omitempty"`   // required for a host route
	Device  string `json:"device"`
}

func (r RouteConfig) validate() error {
	if r.Dest == "" {
		return fmt.Errorf("route: dest is required")
	}
	if r.Device == "" {
		return fmt.Errorf("route %s: device is required", r.Dest)
	}
	return nil
}

// TDMAConfig declares a device's TDMA schedule (spec component G).
type TDMAConfig struct {
	Device      string        `json:"device"`
	Role        string        `json:"role"` // "master", "slave", or "backup-master"
	CyclePeriod Duration      `json:"cycle_period"`
	BackupSyncInc Duration    `json:"backup_sync_inc,omitempty"`
	Slots       []SlotConfig  `json:"slots,omitempty"`
}

// SlotConfig declares one transmit slot within a TDMA cycle.
type SlotConfig struct {
	ID     int32    `json:"id"`
	Offset Duration `json:"offset"`
	Period uint32   `json:"period,omitempty"`  // in cycles; 0 means every cycle
	Phasing uint32  `json:"phasing,omitempty"`
	MTU    int      `json:"mtu,omitempty"`
}

func (t TDMAConfig) validate() error {
	if t.Device == "" {
		return fmt.Errorf("tdma: device is required")
	}
	switch t.Role {
	case "master", "slave", "backup-master":
	default:
		return fmt.Errorf("tdma %s: invalid role %q", t.Device, t.Role)
	}
	if t.CyclePeriod <= 0 {
		return fmt.Errorf("tdma %s: cycle_period must be positive", t.Device)
	}
	return nil
}

// RTcfgConfig declares a device's configuration-distribution
// attachment (spec component H, interface level only).
type RTcfgConfig struct {
	Device   string  `json:"device"`
	AddrType string  `json:"addr_type"` // "ip" or "mac"
	BurstHz  float64 `json:"burst_hz,omitempty"`
}

func (r RTcfgConfig) validate() error {
	if r.Device == "" {
		return fmt.Errorf("rtcfg: device is required")
	}
	switch r.AddrType {
	case "ip", "mac", "":
	default:
		return fmt.Errorf("rtcfg %s: invalid addr_type %q", r.Device, r.AddrType)
	}
	return nil
}

// Validate checks cfg for structural errors without starting anything,
// mirroring caddy.Validate's pre-flight role.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	seen := make(map[string]bool, len(cfg.Devices))
	for _, d := range cfg.Devices {
		if err := d.validate(); err != nil {
			return err
		}
		if seen[d.Name] {
			return fmt.Errorf("device %s: duplicate", d.Name)
		}
		seen[d.Name] = true
	}
	for _, r := range cfg.Routes {
		if err := r.validate(); err != nil {
			return err
		}
	}
	if cfg.TDMA != nil {
		if err := cfg.TDMA.validate(); err != nil {
			return err
		}
	}
	if cfg.RTcfg != nil {
		if err := cfg.RTcfg.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Duration is a JSON-encodable time.Duration, accepting either an
// integer number of nanoseconds or a Go duration string ("300ms",
// "1.5h"), the same shape Caddy's Duration type exposes.
type Duration time.Duration

// UnmarshalJSON satisfies json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		dur, err := time.ParseDuration(s[1 : len(s)-1])
		if err != nil {
			return err
		}
		*d = Duration(dur)
		return nil
	}
	var ns int64
	if _, err := fmt.Sscanf(s, "%d", &ns); err != nil {
		return err
	}
	*d = Duration(ns)
	return nil
}

// MarshalJSON satisfies json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Duration(d).String())), nil
}
