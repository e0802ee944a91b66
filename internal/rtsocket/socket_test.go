package rtsocket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtnet-go/rtnet/internal/rterr"
	"github.com/rtnet-go/rtnet/internal/rtskb"
)

func newTestPool(t *testing.T, n int) *rtskb.Pool {
	t.Helper()
	p := rtskb.NewPool("test", rtskb.DefaultBufLen)
	p.Init(n)
	return p
}

func TestRecvNonBlockingReturnsWouldBlockWhenEmpty(t *testing.T) {
	s := newSocket(TypeUDPDatagram, newTestPool(t, 2))
	s.RecvTimeout = NonBlocking
	_, err := s.recv(context.Background())
	assert.ErrorIs(t, err, rterr.ErrWouldBlock)
}

func TestRecvTimesOutWhenNothingArrives(t *testing.T) {
	s := newSocket(TypeUDPDatagram, newTestPool(t, 2))
	s.RecvTimeout = 20 * time.Millisecond
	start := time.Now()
	_, err := s.recv(context.Background())
	assert.ErrorIs(t, err, rterr.ErrTimedOut)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestRecvWakesOnEnqueue(t *testing.T) {
	pool := newTestPool(t, 2)
	s := newSocket(TypeUDPDatagram, pool)
	s.RecvTimeout = BlockForever

	skb, err := rtskb.Alloc(0, pool)
	require.NoError(t, err)
	copy(skb.Put(3), []byte("hey"))

	done := make(chan struct{})
	go func() {
		got, err := s.recv(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []byte("hey"), got.Data())
		rtskb.Free(got)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	s.enqueue(skb)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recv never woke up")
	}
}

func TestCloseDrainsQueueAndReleasesPool(t *testing.T) {
	pool := newTestPool(t, 2)
	s := newSocket(TypeUDPDatagram, pool)
	skb, err := rtskb.Alloc(0, pool)
	require.NoError(t, err)
	s.enqueue(skb)

	require.NoError(t, s.Close())
	assert.True(t, s.Closed())
	assert.Equal(t, 0, pool.Capacity()) // released
}

func TestDoubleCloseErrors(t *testing.T) {
	s := newSocket(TypeUDPDatagram, newTestPool(t, 2))
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Close(), rterr.ErrNotSocket)
}
