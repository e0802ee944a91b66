// Package rtconfig loads the operator-facing static configuration file
// (module parameters, device list, route list, TDMA schedule — spec
// §6) from TOML and converts it into a JSON rtnet.Config the way
// Caddyfile adaptation converts a human-authored format into the JSON
// caddy.Config Caddy actually runs. This package does not import the
// root rtnet package (it would be a cycle since rtnet.Run accepts the
// converted config); callers round-trip through JSON themselves.
package rtconfig

import (
	"encoding/json"
	"fmt"

	"github.com/BurntSushi/toml"
)

// File is the on-disk TOML shape: one table per rtnet.Config section,
// using the same key names as rtnet.Config's JSON tags; toJSON maps
// each field onto its JSON key.
type File struct {
	Admin struct {
		Listen string `toml:"listen"`
	} `toml:"admin"`

	Params struct {
		DeviceRtskbs    int `toml:"device_rtskbs"`
		SocketRtskbs    int `toml:"socket_rtskbs"`
		RTcapRtskbs     int `toml:"rtcap_rtskbs"`
		AutoPortStart   int `toml:"auto_port_start"`
		AutoPortMask    int `toml:"auto_port_mask"`
		NetHashKeyShift int `toml:"net_hash_key_shift"`
	} `toml:"params"`

	Devices []struct {
		Name        string `toml:"name"`
		MTU         int    `toml:"mtu"`
		HWAddr      string `toml:"hw_addr"`
		LocalIP     string `toml:"local_ip"`
		BroadcastIP string `toml:"broadcast_ip"`
		Loopback    bool   `toml:"loopback"`
	} `toml:"devices"`

	Routes []struct {
		Dest    string `toml:"dest"`
		Gateway string `toml:"gateway"`
		MAC     string `toml:"mac"`
		Device  string `toml:"device"`
	} `toml:"routes"`

	TDMA *struct {
		Device        string `toml:"device"`
		Role          string `toml:"role"`
		CyclePeriod   string `toml:"cycle_period"`
		BackupSyncInc string `toml:"backup_sync_inc"`
		Slots         []struct {
			ID      int32  `toml:"id"`
			Offset  string `toml:"offset"`
			Period  uint32 `toml:"period"`
			Phasing uint32 `toml:"phasing"`
			MTU     int    `toml:"mtu"`
		} `toml:"slots"`
	} `toml:"tdma"`

	RTcfg *struct {
		Device   string  `toml:"device"`
		AddrType string  `toml:"addr_type"`
		BurstHz  float64 `toml:"burst_hz"`
	} `toml:"rtcfg"`
}

// LoadFile parses the TOML file at path and returns the equivalent
// rtnet.Config, encoded as JSON (ready for rtnet.Load).
func LoadFile(path string) ([]byte, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("rtconfig: decoding %s: %w", path, err)
	}
	return toJSON(f)
}

// LoadBytes parses raw TOML content and returns the equivalent JSON.
func LoadBytes(data []byte) ([]byte, error) {
	var f File
	if _, err := toml.Decode(string(data), &f); err != nil {
		return nil, fmt.Errorf("rtconfig: decoding config: %w", err)
	}
	return toJSON(f)
}

// toJSON builds the JSON shape rtnet.Config's json tags expect. The
// struct field names below line up 1:1 with config.go's types; this
// package deliberately does not import rtnet to avoid a cycle with
// rtnet.Load accepting the bytes this function returns, so it builds
// the equivalent map by hand rather than sharing the Go type.
func toJSON(f File) ([]byte, error) {
	out := map[string]any{
		"admin":  map[string]any{"listen": f.Admin.Listen},
		"params": map[string]any{
			"device_rtskbs":      f.Params.DeviceRtskbs,
			"socket_rtskbs":      f.Params.SocketRtskbs,
			"rtcap_rtskbs":       f.Params.RTcapRtskbs,
			"auto_port_start":    f.Params.AutoPortStart,
			"auto_port_mask":     f.Params.AutoPortMask,
			"net_hash_key_shift": f.Params.NetHashKeyShift,
		},
	}

	devices := make([]map[string]any, 0, len(f.Devices))
	for _, d := range f.Devices {
		devices = append(devices, map[string]any{
			"name": d.Name, "mtu": d.MTU, "hw_addr": d.HWAddr,
			"local_ip": d.LocalIP, "broadcast_ip": d.BroadcastIP, "loopback": d.Loopback,
		})
	}
	out["devices"] = devices

	routes := make([]map[string]any, 0, len(f.Routes))
	for _, r := range f.Routes {
		routes = append(routes, map[string]any{
			"dest": r.Dest, "gateway": r.Gateway, "mac": r.MAC, "device": r.Device,
		})
	}
	out["routes"] = routes

	if f.TDMA != nil {
		slots := make([]map[string]any, 0, len(f.TDMA.Slots))
		for _, s := range f.TDMA.Slots {
			slots = append(slots, map[string]any{
				"id": s.ID, "offset": s.Offset, "period": s.Period, "phasing": s.Phasing, "mtu": s.MTU,
			})
		}
		out["tdma"] = map[string]any{
			"device": f.TDMA.Device, "role": f.TDMA.Role,
			"cycle_period": f.TDMA.CyclePeriod, "backup_sync_inc": f.TDMA.BackupSyncInc,
			"slots": slots,
		}
	}

	if f.RTcfg != nil {
		out["rtcfg"] = map[string]any{
			"device": f.RTcfg.Device, "addr_type": f.RTcfg.AddrType, "burst_hz": f.RTcfg.BurstHz,
		}
	}

	return json.Marshal(out)
}
