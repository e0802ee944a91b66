package rtproto

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/rtnet-go/rtnet/internal/rterr"
	"github.com/rtnet-go/rtnet/internal/rtroute"
	"github.com/rtnet-go/rtnet/internal/rtskb"
)

// DefaultTTL is used for datagrams this stack originates itself
// (echo replies, and any UDP send that does not specify its own).
const DefaultTTL uint8 = 64

const udpHeaderLen = 8

// UDPHeader is the 8-byte UDP header.
type UDPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

// ParseUDPHeader reads the fixed UDP header from the front of data.
func ParseUDPHeader(data []byte) (UDPHeader, error) {
	if len(data) < udpHeaderLen {
		return UDPHeader{}, fmt.Errorf("rtproto: short udp header (%d bytes)", len(data))
	}
	return UDPHeader{
		SrcPort:  binary.BigEndian.Uint16(data[0:2]),
		DstPort:  binary.BigEndian.Uint16(data[2:4]),
		Length:   binary.BigEndian.Uint16(data[4:6]),
		Checksum: binary.BigEndian.Uint16(data[6:8]),
	}, nil
}

// BuildUDPHeader writes h into the first 8 bytes of buf.
func BuildUDPHeader(buf []byte, h UDPHeader) {
	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	binary.BigEndian.PutUint16(buf[6:8], h.Checksum)
}

// DatagramSink is the socket layer's hook into UDP ingress: it resolves
// which pool a datagram destined for (dstIP, dstPort) should be
// reassembled/acquired into, and takes delivery of the finished skb
// (binding it to the bound socket's receive queue). Implemented by
// rtsocket's port registry; defined here so rtproto never imports
// rtsocket (rtsocket imports rtproto for UDP.Send on the send side).
type DatagramSink interface {
	ResolvePool(dstIP net.IP, dstPort uint16) (pool *rtskb.Pool, ok bool)
	Deliver(skb *rtskb.Skb, srcIP net.IP, srcPort, dstPort uint16) error
}

// UDP implements UDP send (via the IP output builder) and receive
// (dispatch to a bound socket's DatagramSink) for spec component E.
type UDP struct {
	out  *Output
	sink DatagramSink
}

// NewUDP builds a UDP protocol handler. sink may be nil until the
// socket layer has finished its own construction; set it with
// SetSink once available, which callers must do before any inbound
// traffic is dispatched.
func NewUDP(out *Output, sink DatagramSink) *UDP {
	return &UDP{out: out, sink: sink}
}

// SetSink installs the socket layer's datagram sink. Must be called
// exactly once, from non-RT setup code, before Run starts draining
// device queues.
func (u *UDP) SetSink(sink DatagramSink) { u.sink = sink }

// Send builds one UDP datagram (fragmenting at the IP layer if the
// payload exceeds the egress MTU) and transmits it toward dest.
func (u *UDP) Send(pool *rtskb.Pool, dest rtroute.Dest, srcIP, dstIP net.IP, srcPort, dstPort uint16, payload []byte) error {
	segment := make([]byte, udpHeaderLen+len(payload))
	copy(segment[udpHeaderLen:], payload)
	BuildUDPHeader(segment, UDPHeader{SrcPort: srcPort, DstPort: dstPort, Length: uint16(len(segment))})
	binary.BigEndian.PutUint16(segment[6:8], udpChecksum(srcIP, dstIP, segment))

	return u.out.Send(pool, dest, srcIP, dstIP, ProtoUDP, DefaultTTL, segment)
}

// resolvePool peeks the destination port out of a first-fragment's
// payload (the UDP header, if present) so the defragmenter knows which
// pool to acquire the reassembly chain into before the datagram is
// complete.
func (u *UDP) resolvePool(dstIP net.IP, firstFragmentPayload []byte) (*rtskb.Pool, bool) {
	if u.sink == nil || len(firstFragmentPayload) < 4 {
		return nil, false
	}
	dstPort := binary.BigEndian.Uint16(firstFragmentPayload[2:4])
	return u.sink.ResolvePool(dstIP, dstPort)
}

// ResolveFragmentPool adapts resolvePool to the Defragmenter's
// ResolvePool signature, used only for the first fragment of a
// UDP datagram; any other protocol is not reassembled.
func (u *UDP) ResolveFragmentPool(first *rtskb.Skb, hdr IPv4Header) (*rtskb.Pool, bool) {
	if hdr.Protocol != ProtoUDP {
		return nil, false
	}
	data := first.Data()
	if len(data) < hdr.IHL {
		return nil, false
	}
	return u.resolvePool(hdr.Dst, data[hdr.IHL:])
}

// HandleDatagram processes one fully-reassembled (or never-fragmented)
// IP payload known to carry UDP: it parses the header, trims the
// payload to the declared UDP length (truncating any trailing padding
// the link layer may have added), and hands it to the sink.
func (u *UDP) HandleDatagram(skb *rtskb.Skb, srcIP, dstIP net.IP) error {
	if u.sink == nil {
		rtskb.Free(skb)
		return rterr.ErrNotFound
	}

	hdr, err := ParseUDPHeader(skb.Data())
	if err != nil {
		rtskb.Free(skb)
		return err
	}

	pool, ok := u.sink.ResolvePool(dstIP, hdr.DstPort)
	if !ok {
		rtskb.Free(skb)
		return fmt.Errorf("rtproto: udp port %d: %w", hdr.DstPort, rterr.ErrNotFound)
	}
	if skb.CurrentPool() != pool {
		if err := rtskb.Acquire(skb, pool); err != nil {
			rtskb.Free(skb)
			return err
		}
	}

	skb.Pull(udpHeaderLen)
	declared := int(hdr.Length) - udpHeaderLen
	if declared >= 0 && declared < skb.Len {
		skb.Trim(declared) // MSG_TRUNC case handled by the socket layer comparing the chain's total length to the caller's buffer
	}
	skb.DataLen = skb.Len

	if err := u.sink.Deliver(skb, srcIP, hdr.SrcPort, hdr.DstPort); err != nil {
		rtskb.Free(skb)
		return err
	}
	return nil
}
