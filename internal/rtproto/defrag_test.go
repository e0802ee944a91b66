package rtproto

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtnet-go/rtnet/internal/rtskb"
)

func fragSkb(t *testing.T, pool *rtskb.Pool, hdr IPv4Header, payload []byte) *rtskb.Skb {
	t.Helper()
	skb, err := rtskb.Alloc(0, pool)
	require.NoError(t, err)
	hdr.TotalLen = uint16(ipv4HeaderLen + len(payload))
	buf := skb.Put(ipv4HeaderLen)
	BuildIPv4Header(buf, hdr)
	copy(skb.Put(len(payload)), payload)
	return skb
}

func parsedHdr(t *testing.T, skb *rtskb.Skb) IPv4Header {
	t.Helper()
	h, err := ParseIPv4Header(skb.Data())
	require.NoError(t, err)
	return h
}

func TestDefragReassemblesTwoFragments(t *testing.T) {
	rxPool := newTestPool(t, 4)
	sinkPool := newTestPool(t, 4)
	d := NewDefragmenter(0)

	src, dst := net.ParseIP("10.0.0.5"), net.ParseIP("10.0.0.1")
	first := fragSkb(t, rxPool, IPv4Header{ID: 7, MF: true, Protocol: ProtoUDP, Src: src, Dst: dst}, []byte("0123456789012345")) // 16 bytes, multiple of 8
	h1 := parsedHdr(t, first)

	resolve := func(skb *rtskb.Skb, hdr IPv4Header) (*rtskb.Pool, bool) { return sinkPool, true }

	complete, done, _, err := d.Add(first, h1, resolve)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Nil(t, complete)

	second := fragSkb(t, rxPool, IPv4Header{ID: 7, FragOff: 2, Protocol: ProtoUDP, Src: src, Dst: dst}, []byte("tail"))
	h2 := parsedHdr(t, second)

	complete, done, _, err = d.Add(second, h2, resolve)
	require.NoError(t, err)
	require.True(t, done)
	require.NotNil(t, complete)

	var reassembled []byte
	for s := complete; s != nil; s = s.ChainNext() {
		reassembled = append(reassembled, s.Data()...)
		if s == complete.ChainEnd() {
			break
		}
	}
	assert.Equal(t, "0123456789012345tail", string(reassembled))
	rtskb.Free(complete)
}

func TestDefragOutOfOrderDropsChain(t *testing.T) {
	rxPool := newTestPool(t, 4)
	sinkPool := newTestPool(t, 4)
	d := NewDefragmenter(0)
	resolve := func(skb *rtskb.Skb, hdr IPv4Header) (*rtskb.Pool, bool) { return sinkPool, true }

	src, dst := net.ParseIP("10.0.0.5"), net.ParseIP("10.0.0.1")
	first := fragSkb(t, rxPool, IPv4Header{ID: 9, MF: true, Protocol: ProtoUDP, Src: src, Dst: dst}, []byte("12345678"))
	h1 := parsedHdr(t, first)
	_, done, _, err := d.Add(first, h1, resolve)
	require.NoError(t, err)
	require.False(t, done)

	// skip ahead: offset 3*8=24 instead of the expected 8
	bogus := fragSkb(t, rxPool, IPv4Header{ID: 9, FragOff: 3, Protocol: ProtoUDP, Src: src, Dst: dst}, []byte("tail"))
	h2 := parsedHdr(t, bogus)
	_, done, dropped, err := d.Add(bogus, h2, resolve)
	assert.Error(t, err)
	assert.False(t, done)
	assert.Equal(t, 1, dropped) // the one already-accumulated fragment from the aborted chain
}

func TestDefragGarbageCollectsStaleCollector(t *testing.T) {
	rxPool := newTestPool(t, 4)
	sinkPool := newTestPool(t, 4)
	d := NewDefragmenter(2) // reclaim after 2 ticks of no progress
	resolve := func(skb *rtskb.Skb, hdr IPv4Header) (*rtskb.Pool, bool) { return sinkPool, true }

	src, dst := net.ParseIP("10.0.0.5"), net.ParseIP("10.0.0.1")
	first := fragSkb(t, rxPool, IPv4Header{ID: 11, MF: true, Protocol: ProtoUDP, Src: src, Dst: dst}, []byte("12345678"))
	h1 := parsedHdr(t, first)
	_, _, _, err := d.Add(first, h1, resolve)
	require.NoError(t, err)

	// burn through unrelated Add calls (different datagram ids) so the
	// garbage-collect tick counter advances past the limit
	totalReclaimed := 0
	for i := 0; i < 5; i++ {
		other := fragSkb(t, rxPool, IPv4Header{ID: uint16(100 + i), MF: true, Protocol: ProtoUDP, Src: src, Dst: dst}, []byte("zz"))
		ho := parsedHdr(t, other)
		_, _, dropped, _ := d.Add(other, ho, resolve)
		totalReclaimed += dropped
	}

	assert.Equal(t, 4, rxPool.Free())     // the id=11 collector's fragment was reclaimed and freed back here
	assert.Equal(t, 1, totalReclaimed) // the sweep that reclaimed it reported its one fragment
}
