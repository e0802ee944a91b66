package rtproto

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/rtnet-go/rtnet/internal/rtroute"
	"github.com/rtnet-go/rtnet/internal/rtskb"
)

// linkHeaderRoom is reserved headroom for the link-layer header a
// driver's HardHeader will Push; 14 bytes covers an Ethernet header,
// matching the original's hard_header_len default.
const linkHeaderRoom = 14

// Output builds and transmits IPv4 datagrams, fragmenting at the
// egress device's MTU when the payload does not fit in one packet.
type Output struct {
	idCounter atomic.Uint32
}

// NewOutput returns a ready-to-use output builder.
func NewOutput() *Output { return &Output{} }

// Send builds one or more IPv4 datagrams carrying payload and
// transmits each over dest.Device toward dest.MAC. Each fragment takes
// one buffer from pool; callers size the pool's buffers for the egress
// device's MTU. On a multi-fragment send, a failure partway through
// still transmits (and thus frees) every skb it already built; the
// caller only has to account for datagrams that Send never attempted.
func (o *Output) Send(pool *rtskb.Pool, dest rtroute.Dest, srcIP, dstIP net.IP, proto uint8, ttl uint8, payload []byte) error {
	mtu := dest.Device.MTU
	if mtu <= 0 {
		mtu = 1500
	}
	maxFragData := (mtu - ipv4HeaderLen) &^ 7 // must be a multiple of 8 bytes, except the last fragment

	id := uint16(o.idCounter.Add(1))

	if len(payload) <= mtu-ipv4HeaderLen {
		return o.sendOne(pool, dest, srcIP, dstIP, proto, ttl, id, 0, false, payload)
	}

	if maxFragData <= 0 {
		return fmt.Errorf("rtproto: mtu %d too small to fragment", mtu)
	}

	for off := 0; off < len(payload); off += maxFragData {
		end := off + maxFragData
		more := true
		if end >= len(payload) {
			end = len(payload)
			more = false
		}
		if err := o.sendOne(pool, dest, srcIP, dstIP, proto, ttl, id, off, more, payload[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func (o *Output) sendOne(pool *rtskb.Pool, dest rtroute.Dest, srcIP, dstIP net.IP, proto uint8, ttl uint8, id uint16, byteOffset int, more bool, chunk []byte) error {
	skb, err := rtskb.Alloc(linkHeaderRoom, pool)
	if err != nil {
		return err
	}

	h := IPv4Header{
		TotalLen: uint16(ipv4HeaderLen + len(chunk)),
		ID:       id,
		MF:       more,
		FragOff:  uint16(byteOffset / 8),
		TTL:      ttl,
		Protocol: proto,
		Src:      srcIP,
		Dst:      dstIP,
	}

	hdrBuf := skb.Put(ipv4HeaderLen)
	BuildIPv4Header(hdrBuf, h)
	copy(skb.Put(len(chunk)), chunk)

	if err := dest.Device.BuildHeader(skb, dest.MAC); err != nil {
		rtskb.Free(skb)
		return err
	}
	return dest.Device.Xmit(skb)
}
