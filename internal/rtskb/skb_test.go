package rtskb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferWindowInvariant(t *testing.T) {
	p := NewPool("p", 256)
	p.Init(1)

	s, err := Alloc(32, p)
	require.NoError(t, err)
	defer Free(s)

	assert.Equal(t, 32, s.HeadOffset())
	assert.Equal(t, 0, s.Len)

	payload := s.Put(10)
	assert.Len(t, payload, 10)
	assert.Equal(t, 10, s.Len)

	hdr := s.Push(8)
	assert.Len(t, hdr, 8)
	assert.Equal(t, 18, s.Len)
	assert.Equal(t, 24, s.HeadOffset())

	stripped := s.Pull(8)
	assert.Len(t, stripped, 8)
	assert.Equal(t, 10, s.Len)

	s.Trim(4)
	assert.Equal(t, 4, s.Len)
}

func TestPutOutOfBoundsPanics(t *testing.T) {
	p := NewPool("p", 16)
	p.Init(1)
	s, err := Alloc(0, p)
	require.NoError(t, err)
	defer Free(s)

	assert.Panics(t, func() {
		s.Put(17) // exceeds buffer length
	})
}

func TestFreeWalksFragmentChain(t *testing.T) {
	p := NewPool("p", 64)
	p.Init(2)
	a, err := Alloc(0, p)
	require.NoError(t, err)
	b, err := Alloc(0, p)
	require.NoError(t, err)

	a.SetChainNext(b)
	assert.Equal(t, b, a.ChainEnd())

	Free(a) // walks the chain, returns both a and b
	assert.Equal(t, 2, p.Free())
	assert.Equal(t, 0, p.ChargedOut())
}
