package rtproto

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtnet-go/rtnet/internal/rtroute"
)

func TestOutputSendsSingleDatagramUnfragmented(t *testing.T) {
	dev, drv := newTestDevice(t, 1500)
	mac, _ := net.ParseMAC("02:00:00:00:00:01")
	dest := rtroute.Dest{MAC: mac, Device: dev}

	out := NewOutput()
	pool := newTestPool(t, 4)
	payload := []byte("hello rtnet")

	require.NoError(t, out.Send(pool, dest, net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"), ProtoUDP, 64, payload))

	frames := drv.frames()
	require.Len(t, frames, 1)
	hdr, err := ParseIPv4Header(frames[0])
	require.NoError(t, err)
	assert.False(t, hdr.MoreFragments())
	assert.Equal(t, 0, hdr.ByteOffset())
	assert.Equal(t, ProtoUDP, hdr.Protocol)
	assert.Equal(t, payload, frames[0][hdr.IHL:])
}

func TestOutputFragmentsAtMTU(t *testing.T) {
	dev, drv := newTestDevice(t, 40) // maxFragData = (40-20)&^7 = 16
	mac, _ := net.ParseMAC("02:00:00:00:00:02")
	dest := rtroute.Dest{MAC: mac, Device: dev}

	out := NewOutput()
	pool := newTestPool(t, 8)
	payload := make([]byte, 50)
	for i := range payload {
		payload[i] = byte(i)
	}

	require.NoError(t, out.Send(pool, dest, net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"), ProtoUDP, 64, payload))

	frames := drv.frames()
	require.Len(t, frames, 4)

	var reassembled []byte
	var lastID uint16
	for i, f := range frames {
		hdr, err := ParseIPv4Header(f)
		require.NoError(t, err)
		if i == 0 {
			lastID = hdr.ID
		} else {
			assert.Equal(t, lastID, hdr.ID)
		}
		assert.Equal(t, i < 3, hdr.MoreFragments())
		reassembled = append(reassembled, f[hdr.IHL:]...)
	}
	assert.Equal(t, payload, reassembled)
}
