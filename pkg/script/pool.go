package script

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Runner is a script VM used by one caller at a time. Reset is called before it goes back to the pool.
type Runner interface {
	Reset()
}

type RunnerFactory[R Runner] func() R

type RunnerPool[R Runner] struct {
	pool               chan R
	runnerFactory      RunnerFactory[R]
	activeRunnersCount int
	activeRunnersMu    sync.Mutex
	maxVmPoolSize      int // max amount of active runners
	minVmPoolSize      int // min amount of active runners
}

const idleRunnerCleanupInterval = 10 * time.Minute

func NewRunnerPool[R Runner](ctx context.Context, runnerFactory RunnerFactory[R], maxVmPoolSize int, minVmPoolSize int) (*RunnerPool[R], error) {
	if maxVmPoolSize < 1 || maxVmPoolSize < minVmPoolSize || minVmPoolSize < 0 {
		return nil, fmt.Errorf("invalid vm pool size min %d max %d", minVmPoolSize, maxVmPoolSize)
	}
	p := &RunnerPool[R]{
		pool:          make(chan R, maxVmPoolSize),
		runnerFactory: runnerFactory,
		maxVmPoolSize: maxVmPoolSize,
		minVmPoolSize: minVmPoolSize,
	}
	for range minVmPoolSize {
		p.pool <- runnerFactory()
		p.activeRunnersCount++
	}

	// idle runners above the minimum are dropped periodically
	go func() {
		ticker := time.NewTicker(idleRunnerCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.shrink()
			case <-ctx.Done():
				return
			}
		}
	}()
	return p, nil
}

func (p *RunnerPool[R]) shrink() {
	p.activeRunnersMu.Lock()
	defer p.activeRunnersMu.Unlock()
	for p.activeRunnersCount > p.minVmPoolSize {
		select {
		case <-p.pool:
			p.activeRunnersCount--
		default:
			return
		}
	}
}

// Get returns an idle runner, creates one while below the maximum or waits for one to be returned.
func (p *RunnerPool[R]) Get(ctx context.Context) (R, error) {
	select {
	case runner := <-p.pool:
		return runner, nil
	default:
	}
	p.activeRunnersMu.Lock()
	if p.activeRunnersCount < p.maxVmPoolSize {
		p.activeRunnersCount++
		p.activeRunnersMu.Unlock()
		return p.runnerFactory(), nil
	}
	p.activeRunnersMu.Unlock()
	select {
	case runner := <-p.pool:
		return runner, nil
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

func (p *RunnerPool[R]) Put(runner R) {
	runner.Reset()
	select {
	case p.pool <- runner:
	default:
		// pool is full
		p.activeRunnersMu.Lock()
		p.activeRunnersCount--
		p.activeRunnersMu.Unlock()
	}
}

func (p *RunnerPool[R]) Active() int {
	p.activeRunnersMu.Lock()
	defer p.activeRunnersMu.Unlock()
	return p.activeRunnersCount
}
