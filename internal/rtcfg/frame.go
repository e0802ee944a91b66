// Package rtcfg specifies, at interface level, the configuration-
// distribution protocol that runs above the socket layer to discover
// and register peers on a device (spec component H). Full stage-1/
// stage-2 distribution is out of core scope; this package covers the
// stage-1 announce frame's wire format, attaching rtcfg to a device,
// and the per-connection state machine's states and transitions.
package rtcfg

import (
	"encoding/binary"
	"net"

	"github.com/rtnet-go/rtnet/internal/rterr"
)

// AddrType names whether a peer is addressed by IP or MAC.
type AddrType uint8

const (
	AddrIP AddrType = iota
	AddrMAC
)

// stage1CfgID is the value of the stage-1 announce frame's id field.
const stage1CfgID uint8 = 0x01

const stage1Version uint8 = 1

// stage1HeaderLen is id(1) + version(1) + addrType(1) + burstRate(4) +
// configLen(2), before the variable-length address/config payload.
const stage1HeaderLen = 9

const ipAddrPairLen = 8 // two IPv4 addresses, 4 bytes each

// Stage1Announce is the stage-1 configuration announce frame, per
// spec §6's wire protocol: header (id, version), address type, an
// optional (client, server) IPv4 address pair, a per-node burst rate,
// and a length-prefixed configuration payload.
type Stage1Announce struct {
	AddrType  AddrType
	ClientIP  net.IP // present only when AddrType == AddrIP
	ServerIP  net.IP // present only when AddrType == AddrIP
	BurstRate uint32
	Config    []byte
}

// Build encodes a announce frame onto the wire.
func (f Stage1Announce) Build() []byte {
	size := stage1HeaderLen + len(f.Config)
	if f.AddrType == AddrIP {
		size += ipAddrPairLen
	}
	buf := make([]byte, size)
	buf[0] = stage1CfgID
	buf[1] = stage1Version
	buf[2] = byte(f.AddrType)
	off := 3
	if f.AddrType == AddrIP {
		copy(buf[off:off+4], f.ClientIP.To4())
		copy(buf[off+4:off+8], f.ServerIP.To4())
		off += ipAddrPairLen
	}
	binary.BigEndian.PutUint32(buf[off:off+4], f.BurstRate)
	off += 4
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(f.Config)))
	off += 2
	copy(buf[off:], f.Config)
	return buf
}

// ParseStage1Announce decodes a stage-1 announce frame.
func ParseStage1Announce(data []byte) (Stage1Announce, error) {
	if len(data) < 3 {
		return Stage1Announce{}, rterr.ErrNotFound
	}
	if data[0] != stage1CfgID {
		return Stage1Announce{}, rterr.ErrNotFound
	}
	f := Stage1Announce{AddrType: AddrType(data[2])}
	off := 3
	if f.AddrType == AddrIP {
		if len(data) < off+ipAddrPairLen {
			return Stage1Announce{}, rterr.ErrNotFound
		}
		f.ClientIP = net.IP(append([]byte(nil), data[off:off+4]...))
		f.ServerIP = net.IP(append([]byte(nil), data[off+4:off+8]...))
		off += ipAddrPairLen
	}
	if len(data) < off+6 {
		return Stage1Announce{}, rterr.ErrNotFound
	}
	f.BurstRate = binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	cfgLen := int(binary.BigEndian.Uint16(data[off : off+2]))
	off += 2
	if len(data) < off+cfgLen {
		return Stage1Announce{}, rterr.ErrNotFound
	}
	f.Config = append([]byte(nil), data[off:off+cfgLen]...)
	return f, nil
}
