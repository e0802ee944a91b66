// Package rtproto implements the protocol layer (spec component E): IP
// output and fragmentation, a bounded defragmentation collector table,
// ICMP echo, and UDP send/receive, sitting between the routing layer
// and the socket layer.
package rtproto

import (
	"encoding/binary"
	"fmt"
	"net"
)

// IP protocol numbers used by this package.
const (
	ProtoICMP uint8 = 1
	ProtoUDP  uint8 = 17
)

const (
	ipv4HeaderLen = 20
	ipv4Version   = 4

	flagDF     uint16 = 0x4000
	flagMF     uint16 = 0x2000
	fragOffMask uint16 = 0x1fff
)

// IPv4Header is the subset of the IPv4 header fields the stack acts on.
// Options are never generated and are skipped (not parsed) on ingress.
type IPv4Header struct {
	TOS      uint8
	TotalLen uint16
	ID       uint16
	DF       bool
	MF       bool
	FragOff  uint16 // in 8-byte units
	TTL      uint8
	Protocol uint8
	Checksum uint16
	Src      net.IP
	Dst      net.IP
	IHL      int // header length in bytes, including options
}

// MoreFragments reports whether this is anything but the last fragment
// of a reassembled datagram.
func (h IPv4Header) MoreFragments() bool { return h.MF }

// ByteOffset returns the fragment's offset in bytes within the full
// datagram.
func (h IPv4Header) ByteOffset() int { return int(h.FragOff) * 8 }

// ParseIPv4Header parses the IPv4 header at the front of data. It does
// not validate the header checksum; call VerifyChecksum separately.
func ParseIPv4Header(data []byte) (IPv4Header, error) {
	if len(data) < ipv4HeaderLen {
		return IPv4Header{}, fmt.Errorf("rtproto: short ip header (%d bytes)", len(data))
	}
	verIHL := data[0]
	version := verIHL >> 4
	ihl := int(verIHL&0x0f) * 4
	if version != ipv4Version {
		return IPv4Header{}, fmt.Errorf("rtproto: unsupported ip version %d", version)
	}
	if ihl < ipv4HeaderLen || ihl > len(data) {
		return IPv4Header{}, fmt.Errorf("rtproto: invalid ihl %d", ihl)
	}
	totalLen := binary.BigEndian.Uint16(data[2:4])
	id := binary.BigEndian.Uint16(data[4:6])
	flagsFrag := binary.BigEndian.Uint16(data[6:8])

	return IPv4Header{
		TOS:      data[1],
		TotalLen: totalLen,
		ID:       id,
		DF:       flagsFrag&flagDF != 0,
		MF:       flagsFrag&flagMF != 0,
		FragOff:  flagsFrag & fragOffMask,
		TTL:      data[8],
		Protocol: data[9],
		Checksum: binary.BigEndian.Uint16(data[10:12]),
		Src:      net.IP(append(net.IP(nil), data[12:16]...)),
		Dst:      net.IP(append(net.IP(nil), data[16:20]...)),
		IHL:      ihl,
	}, nil
}

// VerifyChecksum recomputes the IPv4 header checksum over the first
// ihl bytes of data and reports whether it matches.
func VerifyChecksum(data []byte, ihl int) bool {
	if len(data) < ihl {
		return false
	}
	return internetChecksum(data[:ihl]) == 0
}

// BuildIPv4Header writes a header into buf (which must be at least
// ipv4HeaderLen bytes) and returns the number of bytes written. The
// checksum is computed over the header as written.
func BuildIPv4Header(buf []byte, h IPv4Header) int {
	buf[0] = ipv4Version<<4 | (ipv4HeaderLen / 4)
	buf[1] = h.TOS
	binary.BigEndian.PutUint16(buf[2:4], h.TotalLen)
	binary.BigEndian.PutUint16(buf[4:6], h.ID)
	flagsFrag := h.FragOff & fragOffMask
	if h.DF {
		flagsFrag |= flagDF
	}
	if h.MF {
		flagsFrag |= flagMF
	}
	binary.BigEndian.PutUint16(buf[6:8], flagsFrag)
	buf[8] = h.TTL
	buf[9] = h.Protocol
	binary.BigEndian.PutUint16(buf[10:12], 0)
	copy(buf[12:16], h.Src.To4())
	copy(buf[16:20], h.Dst.To4())
	binary.BigEndian.PutUint16(buf[10:12], internetChecksum(buf[:ipv4HeaderLen]))
	return ipv4HeaderLen
}

// internetChecksum computes the ones'-complement checksum used by IP,
// ICMP, and (with a pseudo-header) UDP.
func internetChecksum(data []byte) uint16 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// udpChecksum computes the UDP checksum over the IPv4 pseudo-header
// and udpSegment; a computed 0 is sent as 0xffff.
func udpChecksum(src, dst net.IP, udpSegment []byte) uint16 {
	var sum uint32
	src4, dst4 := src.To4(), dst.To4()
	sum += uint32(src4[0])<<8 | uint32(src4[1])
	sum += uint32(src4[2])<<8 | uint32(src4[3])
	sum += uint32(dst4[0])<<8 | uint32(dst4[1])
	sum += uint32(dst4[2])<<8 | uint32(dst4[3])
	sum += uint32(ProtoUDP)
	sum += uint32(len(udpSegment))

	n := len(udpSegment)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(udpSegment[i])<<8 | uint32(udpSegment[i+1])
	}
	if n%2 == 1 {
		sum += uint32(udpSegment[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	out := ^uint16(sum)
	if out == 0 {
		out = 0xffff // 0 is reserved to mean "no checksum"
	}
	return out
}
