package rtproto

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/rtnet-go/rtnet/internal/rtroute"
	"github.com/rtnet-go/rtnet/internal/rtskb"
)

const (
	icmpHeaderLen    = 8
	icmpEchoRequest  = 8
	icmpEchoReply    = 0
)

// ICMPHeader is the common 8-byte echo request/reply header.
type ICMPHeader struct {
	Type uint8
	Code uint8
	ID   uint16
	Seq  uint16
}

// ParseICMPHeader reads the header and returns the remaining payload.
func ParseICMPHeader(data []byte) (ICMPHeader, []byte, error) {
	if len(data) < icmpHeaderLen {
		return ICMPHeader{}, nil, fmt.Errorf("rtproto: short icmp header (%d bytes)", len(data))
	}
	h := ICMPHeader{
		Type: data[0],
		Code: data[1],
		ID:   binary.BigEndian.Uint16(data[4:6]),
		Seq:  binary.BigEndian.Uint16(data[6:8]),
	}
	return h, data[icmpHeaderLen:], nil
}

func buildEchoReply(id, seq uint16, payload []byte) []byte {
	buf := make([]byte, icmpHeaderLen+len(payload))
	buf[0] = icmpEchoReply
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[4:6], id)
	binary.BigEndian.PutUint16(buf[6:8], seq)
	copy(buf[icmpHeaderLen:], payload)
	binary.BigEndian.PutUint16(buf[2:4], internetChecksum(buf))
	return buf
}

// ICMP is the static echo-reply responder: the only ICMP behavior the
// stack implements, matching the original's rt_icmp_dest_unreach /
// rt_icmp_echo_request split (here, only the echo side).
type ICMP struct {
	out    *Output
	routes *rtroute.Table
}

// NewICMP builds an ICMP handler that replies to echo requests by
// routing back through routes.
func NewICMP(out *Output, routes *rtroute.Table) *ICMP {
	return &ICMP{out: out, routes: routes}
}

// HandleEcho processes one ICMP payload. Non-echo-request messages are
// silently dropped (no ICMP error generation; out of scope). skb is
// always consumed.
func (i *ICMP) HandleEcho(skb *rtskb.Skb, srcIP, dstIP net.IP) error {
	hdr, payload, err := ParseICMPHeader(skb.Data())
	if err != nil {
		rtskb.Free(skb)
		return err
	}
	if hdr.Type != icmpEchoRequest {
		rtskb.Free(skb)
		return nil
	}

	dest, err := i.routes.Output(srcIP)
	if err != nil {
		rtskb.Free(skb)
		return err
	}

	pool := skb.CurrentPool()
	echoed := append([]byte(nil), payload...)
	rtskb.Free(skb)

	return i.out.Send(pool, dest, dstIP, srcIP, ProtoICMP, DefaultTTL, buildEchoReply(hdr.ID, hdr.Seq, echoed))
}
