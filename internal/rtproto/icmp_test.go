package rtproto

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtnet-go/rtnet/internal/rtroute"
	"github.com/rtnet-go/rtnet/internal/rtskb"
)

func TestICMPEchoRequestGeneratesReply(t *testing.T) {
	dev, drv := newTestDevice(t, 1500)
	mac, _ := net.ParseMAC("02:00:00:00:00:04")
	routes := rtroute.NewTable(rtroute.DefaultHostBuckets, rtroute.DefaultNetBuckets, rtroute.DefaultNetHashShift)
	peer := net.ParseIP("10.0.0.9")
	routes.AddHostRoute(peer, mac, dev)

	icmp := NewICMP(NewOutput(), routes)

	rxPool := newTestPool(t, 4)
	skb, err := rtskb.Alloc(0, rxPool)
	require.NoError(t, err)
	req := buildEchoRequest(42, 1, []byte("payload"))
	copy(skb.Put(len(req)), req)

	require.NoError(t, icmp.HandleEcho(skb, peer, net.ParseIP("10.0.0.1")))

	frames := drv.frames()
	require.Len(t, frames, 1)
	iphdr, err := ParseIPv4Header(frames[0])
	require.NoError(t, err)
	assert.Equal(t, ProtoICMP, iphdr.Protocol)
	assert.True(t, iphdr.Dst.Equal(peer))

	rhdr, payload, err := ParseICMPHeader(frames[0][iphdr.IHL:])
	require.NoError(t, err)
	assert.EqualValues(t, icmpEchoReply, rhdr.Type)
	assert.Equal(t, uint16(42), rhdr.ID)
	assert.Equal(t, uint16(1), rhdr.Seq)
	assert.Equal(t, []byte("payload"), payload)
}

func TestICMPNonEchoMessageDropped(t *testing.T) {
	dev, drv := newTestDevice(t, 1500)
	routes := rtroute.NewTable(rtroute.DefaultHostBuckets, rtroute.DefaultNetBuckets, rtroute.DefaultNetHashShift)
	icmp := NewICMP(NewOutput(), routes)

	rxPool := newTestPool(t, 4)
	skb, err := rtskb.Alloc(0, rxPool)
	require.NoError(t, err)
	msg := buildEchoRequest(1, 1, nil)
	msg[0] = 3 // destination unreachable, not an echo request
	copy(skb.Put(len(msg)), msg)

	require.NoError(t, icmp.HandleEcho(skb, net.ParseIP("10.0.0.9"), net.ParseIP("10.0.0.1")))
	assert.Empty(t, drv.frames())
	assert.Equal(t, 4, rxPool.Free())
	_ = dev
}

func buildEchoRequest(id, seq uint16, payload []byte) []byte {
	buf := make([]byte, icmpHeaderLen+len(payload))
	buf[0] = icmpEchoRequest
	binary.BigEndian.PutUint16(buf[4:6], id)
	binary.BigEndian.PutUint16(buf[6:8], seq)
	copy(buf[icmpHeaderLen:], payload)
	binary.BigEndian.PutUint16(buf[2:4], internetChecksum(buf))
	return buf
}
