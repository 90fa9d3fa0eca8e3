package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsAllTasks(t *testing.T) {
	pool := NewPool(4)
	defer pool.Stop()

	var done atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(context.Background(), func() {
			defer wg.Done()
			done.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(50), done.Load())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	const workers = 3
	pool := NewPool(workers)
	defer pool.Stop()

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(context.Background(), func() {
			defer wg.Done()
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			current.Add(-1)
		}))
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(workers))
	assert.Positive(t, peak.Load())
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(1)
	pool.Stop()

	err := pool.Submit(context.Background(), func() {})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestSubmitHonorsContext(t *testing.T) {
	pool := NewPool(1)
	defer pool.Stop()

	// Saturate the single worker and the buffered queue.
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(context.Background(), func() {
			defer wg.Done()
			<-release
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func() { t.Error("task must not run") })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	wg.Wait()
}

func TestSubmitRacingStopNeverPanicsOrDropsTasks(t *testing.T) {
	// Hammer Submit from many goroutines while Stop runs concurrently:
	// no send on a closed channel, and every accepted task executes.
	for iter := 0; iter < 200; iter++ {
		pool := NewPool(2)

		var accepted, executed atomic.Int32
		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					err := pool.Submit(context.Background(), func() {
						executed.Add(1)
					})
					if err == nil {
						accepted.Add(1)
					} else if !assert.ErrorIs(t, err, ErrPoolClosed) {
						return
					}
				}
			}()
		}

		pool.Stop()
		wg.Wait()

		require.Equal(t, accepted.Load(), executed.Load(), "iteration %d", iter)
	}
}

func TestStopWaitsForInFlightTasks(t *testing.T) {
	pool := NewPool(2)

	var done atomic.Int32
	for i := 0; i < 2; i++ {
		require.NoError(t, pool.Submit(context.Background(), func() {
			time.Sleep(5 * time.Millisecond)
			done.Add(1)
		}))
	}

	pool.Stop()
	assert.Equal(t, int32(2), done.Load())

	// Stop is idempotent.
	pool.Stop()
}
