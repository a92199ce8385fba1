package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPoolRunsTask(t *testing.T) {
	p := New(ForceMerge, 2, WithLogger(zaptest.NewLogger(t)))
	defer p.Close()

	err := <-p.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.NoError(t, err)

	boom := errors.New("boom")
	err = <-p.Submit(context.Background(), func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New(ForceMerge, 2)
	defer p.Close()

	var running, peak atomic.Int64
	var results []<-chan error
	for i := 0; i < 10; i++ {
		results = append(results, p.Submit(context.Background(), func(ctx context.Context) error {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return nil
		}))
	}
	for _, ch := range results {
		require.NoError(t, <-ch)
	}

	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, Stats{Name: ForceMerge, Size: 2}, p.Stats())
}

func TestPoolRecoversPanics(t *testing.T) {
	p := New(ForceMerge, 1)
	defer p.Close()

	err := <-p.Submit(context.Background(), func(ctx context.Context) error { panic("segment corrupted") })
	require.ErrorIs(t, err, ErrTaskPanicked)
	assert.Contains(t, err.Error(), "segment corrupted")

	// The slot is released after a panic.
	assert.NoError(t, <-p.Submit(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestPoolQueuedTaskHonoursContext(t *testing.T) {
	p := New(ForceMerge, 1)
	defer p.Close()

	gate := make(chan struct{})
	first := p.Submit(context.Background(), func(ctx context.Context) error {
		<-gate
		return nil
	})

	require.Eventually(t, func() bool { return p.Stats().Active == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	second := p.Submit(ctx, func(ctx context.Context) error { return nil })
	cancel()

	assert.ErrorIs(t, <-second, context.Canceled)
	close(gate)
	assert.NoError(t, <-first)
}

func TestPoolCloseRejectsAndDrains(t *testing.T) {
	p := New(ForceMerge, 1)

	var finished atomic.Bool
	ch := p.Submit(context.Background(), func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	p.Close()

	assert.True(t, finished.Load())
	assert.NoError(t, <-ch)
	assert.ErrorIs(t, <-p.Submit(context.Background(), func(ctx context.Context) error { return nil }), ErrPoolClosed)
}

type recordingObserver struct {
	mu        sync.Mutex
	maxQueued int64
}

func (r *recordingObserver) ObservePool(s Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.Queued > r.maxQueued {
		r.maxQueued = s.Queued
	}
}

func TestPoolReportsOccupancy(t *testing.T) {
	obs := &recordingObserver{}
	p := New(ForceMerge, 1, WithObserver(obs))
	defer p.Close()

	gate := make(chan struct{})
	var chans []<-chan error
	for i := 0; i < 3; i++ {
		chans = append(chans, p.Submit(context.Background(), func(ctx context.Context) error {
			<-gate
			return nil
		}))
	}
	close(gate)
	for _, ch := range chans {
		require.NoError(t, <-ch)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.GreaterOrEqual(t, obs.maxQueued, int64(1))
}
