package rtproto

import (
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/rtnet-go/rtnet/internal/rterr"
	"github.com/rtnet-go/rtnet/internal/rtdev"
	"github.com/rtnet-go/rtnet/internal/rtroute"
	"github.com/rtnet-go/rtnet/internal/rtskb"
)

// Ingress is the IP ingress entry point the stack manager dispatches
// EtherType 0x0800 packets to (stackmgr.IPDispatcher). It validates the
// header, applies the local-delivery acceptance test, reassembles
// fragments, and dispatches by protocol number.
type Ingress struct {
	routes *rtroute.Table
	defrag *Defragmenter
	icmp   *ICMP
	udp    *UDP
	log    *zap.Logger
}

// NewIngress wires the IP ingress path.
func NewIngress(routes *rtroute.Table, defrag *Defragmenter, icmp *ICMP, udp *UDP, log *zap.Logger) *Ingress {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingress{routes: routes, defrag: defrag, icmp: icmp, udp: udp, log: log.Named("rtproto")}
}

// Deliver implements stackmgr.IPDispatcher. skb is always consumed by
// the time Deliver returns, on every path (success, parse/routing
// failure, or reassembly abort); callers must never free it themselves.
// dropped is the number of complete packets to attribute as dropped —
// ordinarily 1, but a reassembly abort can discard a whole chain of
// already-accumulated fragments at once.
func (g *Ingress) Deliver(skb *rtskb.Skb, dev *rtdev.Device) (dropped int, err error) {
	data := skb.Data()
	hdr, err := ParseIPv4Header(data)
	if err != nil {
		rtskb.Free(skb)
		return 1, err
	}
	if !VerifyChecksum(data, hdr.IHL) {
		rtskb.Free(skb)
		return 1, fmt.Errorf("rtproto: bad ip header checksum from %s", hdr.Src)
	}
	if err := g.routes.Input(dev, hdr.Dst); err != nil {
		rtskb.Free(skb)
		return 1, err
	}

	if !hdr.MoreFragments() && hdr.ByteOffset() == 0 {
		skb.Pull(hdr.IHL)
		skb.DataLen = skb.Len
		return g.dispatch(skb, hdr.Protocol, hdr.Src, hdr.Dst)
	}

	complete, done, fragsDropped, err := g.defrag.Add(skb, hdr, g.udp.ResolveFragmentPool)
	if err != nil {
		return fragsDropped, err
	}
	if !done {
		return fragsDropped, nil
	}
	dispatched, err := g.dispatch(complete, hdr.Protocol, hdr.Src, hdr.Dst)
	return fragsDropped + dispatched, err
}

// dispatch hands a fully-assembled (or never-fragmented) IP payload to
// its protocol handler. It always consumes skb and reports 1 as its
// dropped count on any error, since by this point skb represents a
// single complete datagram regardless of how many fragments it took to
// build.
func (g *Ingress) dispatch(skb *rtskb.Skb, proto uint8, src, dst net.IP) (int, error) {
	switch proto {
	case ProtoICMP:
		if err := g.icmp.HandleEcho(skb, src, dst); err != nil {
			return 1, err
		}
		return 0, nil
	case ProtoUDP:
		if err := g.udp.HandleDatagram(skb, src, dst); err != nil {
			return 1, err
		}
		return 0, nil
	default:
		rtskb.Free(skb)
		return 1, fmt.Errorf("rtproto: unsupported ip protocol %d: %w", proto, rterr.ErrNotFound)
	}
}
