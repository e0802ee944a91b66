package rtskb

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtnet-go/rtnet/internal/rterr"
)

func TestAllocFreeRestoresPool(t *testing.T) {
	p := NewPool("p", 256)
	p.Init(4)

	s, err := Alloc(16, p)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Free())
	assert.Equal(t, 1, p.ChargedOut())

	Free(s)
	assert.Equal(t, 4, p.Free())
	assert.Equal(t, 0, p.ChargedOut())
}

func TestAllocExhaustion(t *testing.T) {
	p := NewPool("p", 64)
	p.Init(2)

	_, err := Alloc(0, p)
	require.NoError(t, err)
	_, err = Alloc(0, p)
	require.NoError(t, err)
	_, err = Alloc(0, p)
	assert.ErrorIs(t, err, rterr.ErrOutOfBuffers)
}

func TestAcquireRoundTrip(t *testing.T) {
	p := NewPool("p", 64)
	q := NewPool("q", 64)
	p.Init(2)
	q.Init(2)

	s, err := Alloc(0, p)
	require.NoError(t, err)

	err = Acquire(s, q)
	require.NoError(t, err)

	// q lost one free buffer (now "charged out" via the transferred skb),
	// p gained a compensation buffer it didn't have before.
	assert.Equal(t, 1, q.Free())
	assert.Equal(t, 1, q.ChargedOut())
	assert.Equal(t, 2, p.Free())
	assert.Equal(t, 0, p.ChargedOut())

	Free(s)

	// q is fully restored; p's capacity (2) is unchanged throughout.
	assert.Equal(t, 2, q.Free())
	assert.Equal(t, 0, q.ChargedOut())
	assert.Equal(t, 2, p.Capacity())
	assert.Equal(t, 2, q.Capacity())
}

func TestAcquireOutOfCompensation(t *testing.T) {
	p := NewPool("p", 64)
	q := NewPool("q", 64)
	p.Init(1)
	q.Init(0)

	s, err := Alloc(0, p)
	require.NoError(t, err)

	err = Acquire(s, q)
	assert.ErrorIs(t, err, rterr.ErrOutOfCompensation)

	// p is untouched since acquire failed before any mutation.
	assert.Equal(t, 0, p.Free())
	assert.Equal(t, 1, p.ChargedOut())
}

func TestReleaseRequiresZeroBalance(t *testing.T) {
	p := NewPool("p", 64)
	p.Init(2)

	s, err := Alloc(0, p)
	require.NoError(t, err)

	err = p.Release()
	assert.ErrorIs(t, err, rterr.ErrBusy)

	Free(s)
	require.NoError(t, p.Release())
}

func TestExtendShrink(t *testing.T) {
	p := NewPool("p", 64)
	p.Init(2)

	added := p.Extend(3)
	assert.Equal(t, 3, added)
	assert.Equal(t, 5, p.Capacity())

	removed := p.Shrink(10)
	assert.Equal(t, 5, removed) // cannot shrink past what's free
	assert.Equal(t, 0, p.Capacity())
}

func TestPoolConcurrentAllocFree(t *testing.T) {
	p := NewPool("p", 64)
	p.Init(8)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				s, err := Alloc(0, p)
				if err != nil {
					continue
				}
				Free(s)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, p.Free())
	assert.Equal(t, 0, p.ChargedOut())
}
