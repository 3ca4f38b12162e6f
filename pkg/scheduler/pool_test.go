package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type concurrencyRecorder struct {
	mu      sync.Mutex
	current map[int64]int
	peak    map[int64]int
	runs    atomic.Int32
	release chan struct{}
}

func newConcurrencyRecorder() *concurrencyRecorder {
	return &concurrencyRecorder{
		current: map[int64]int{},
		peak:    map[int64]int{},
		release: make(chan struct{}),
	}
}

func (p *concurrencyRecorder) run(ctx context.Context, e *execution) error {
	p.mu.Lock()
	p.current[e.jobDescriptorKey]++
	p.peak[e.jobDescriptorKey] = max(p.peak[e.jobDescriptorKey], p.current[e.jobDescriptorKey])
	p.mu.Unlock()
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	p.mu.Lock()
	p.current[e.jobDescriptorKey]--
	p.mu.Unlock()
	p.runs.Add(1)
	return nil
}

func (p *concurrencyRecorder) peakOf(key int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak[key]
}

func TestPoolDefersDisallowedConcurrentExecution(t *testing.T) {
	rec := newConcurrencyRecorder()
	pool := newWorkerPool(rec.run)
	pool.start(4)
	defer pool.stop(context.Background())

	require.NoError(t, pool.submit(&execution{jobDescriptorKey: 1, disallowConcurrent: true}))
	assert.Eventually(t, func() bool {
		return rec.peakOf(1) == 1
	}, time.Second, 10*time.Millisecond)
	waiters := make([]chan error, 3)
	for i := range waiters {
		waiters[i] = make(chan error, 1)
		require.NoError(t, pool.submit(&execution{jobDescriptorKey: 1, disallowConcurrent: true, done: waiters[i]}))
	}
	// the later submissions wait for the running one as a single execution
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.peakOf(1))
	assert.Equal(t, int32(0), rec.runs.Load())
	pool.mu.Lock()
	pending := pool.deferred[1]
	pool.mu.Unlock()
	require.NotNil(t, pending)
	assert.Len(t, pending.waiters, 2)

	close(rec.release)
	for _, done := range waiters {
		assert.NoError(t, <-done)
	}
	assert.Equal(t, int32(2), rec.runs.Load())
	assert.Equal(t, 1, rec.peakOf(1))
}

func TestPoolStopRejectsMergedWaiters(t *testing.T) {
	rec := newConcurrencyRecorder()
	pool := newWorkerPool(rec.run)
	pool.start(1)

	require.NoError(t, pool.submit(&execution{jobDescriptorKey: 1, disallowConcurrent: true}))
	assert.Eventually(t, func() bool {
		return rec.peakOf(1) == 1
	}, time.Second, 10*time.Millisecond)
	first := &execution{jobDescriptorKey: 1, disallowConcurrent: true, done: make(chan error, 1)}
	second := &execution{jobDescriptorKey: 1, disallowConcurrent: true, done: make(chan error, 1)}
	require.NoError(t, pool.submit(first))
	require.NoError(t, pool.submit(second))

	require.NoError(t, pool.stop(context.Background()))
	assert.ErrorIs(t, <-first.done, ErrStopped)
	assert.ErrorIs(t, <-second.done, ErrStopped)
}

func TestPoolRunsAllowedExecutionsInParallel(t *testing.T) {
	rec := newConcurrencyRecorder()
	pool := newWorkerPool(rec.run)
	pool.start(3)
	defer pool.stop(context.Background())

	for range 3 {
		require.NoError(t, pool.submit(&execution{jobDescriptorKey: 2}))
	}
	assert.Eventually(t, func() bool {
		return rec.peakOf(2) == 3
	}, time.Second, 10*time.Millisecond)
	close(rec.release)
	assert.Eventually(t, func() bool {
		return rec.runs.Load() == 3
	}, time.Second, 10*time.Millisecond)
}

func TestPoolStopRejectsQueued(t *testing.T) {
	rec := newConcurrencyRecorder()
	pool := newWorkerPool(rec.run)
	pool.start(1)

	first := &execution{jobDescriptorKey: 1, done: make(chan error, 1)}
	queued := &execution{jobDescriptorKey: 2, done: make(chan error, 1)}
	require.NoError(t, pool.submit(first))
	assert.Eventually(t, func() bool {
		return rec.peakOf(1) == 1
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, pool.submit(queued))

	require.NoError(t, pool.stop(context.Background()))
	assert.NoError(t, <-first.done)
	assert.ErrorIs(t, <-queued.done, ErrStopped)
	assert.ErrorIs(t, pool.submit(&execution{jobDescriptorKey: 3}), ErrStopped)
}
