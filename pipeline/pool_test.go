package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolAcquireRelease(t *testing.T) {
	p := NewPool(2)
	ctx := context.Background()

	require.NoError(t, p.Acquire(ctx))
	require.NoError(t, p.Acquire(ctx))
	assert.Equal(t, 2, p.InFlight())

	p.Release()
	assert.Equal(t, 1, p.InFlight())
	p.Release()
	assert.Equal(t, 0, p.InFlight())
}

func TestPoolAcquireBlocksWhenFull(t *testing.T) {
	p := NewPool(1)
	ctx := context.Background()
	require.NoError(t, p.Acquire(ctx))

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err := p.Acquire(cctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	p.Release()
	require.NoError(t, p.Acquire(ctx), "a released slot is acquirable again")
}

func TestPoolDrainWaitsForInFlightWork(t *testing.T) {
	p := NewPool(4)
	ctx := context.Background()

	var done sync.WaitGroup
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Acquire(ctx))
		done.Add(1)
		go func() {
			defer done.Done()
			time.Sleep(5 * time.Millisecond)
			p.Release()
		}()
	}

	require.NoError(t, p.Drain(ctx))
	assert.Equal(t, 0, p.InFlight(), "drain returns only after every slot is released")
	done.Wait()
}

func TestPoolDrainHonorsContext(t *testing.T) {
	p := NewPool(1)
	require.NoError(t, p.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Drain(ctx), context.DeadlineExceeded)
	p.Release()
}

func TestPoolAcquireAfterClose(t *testing.T) {
	p := NewPool(1)
	p.Close()
	assert.Error(t, p.Acquire(context.Background()))
}

func TestPoolCoercesSize(t *testing.T) {
	p := NewPool(0)
	require.NoError(t, p.Acquire(context.Background()), "a zero size pool still has one slot")
}
