package scheduler

import (
	"context"
	"sync"
)

type execution struct {
	jobDescriptorKey   int64
	disallowConcurrent bool
	// done receives the result when set, it must be buffered
	done chan error
	// waiters of executions merged into this one while it was deferred
	waiters []chan error
}

func (e *execution) complete(err error) {
	if e.done != nil {
		e.done <- err
	}
	for _, w := range e.waiters {
		w <- err
	}
}

type runFunc func(ctx context.Context, e *execution) error

// workerPool runs executions on a fixed number of goroutines. Submitting never blocks,
// executions of a descriptor that disallows concurrency wait until the running one ends.
// At most one such execution waits per descriptor, later submissions merge into it.
type workerPool struct {
	mu       sync.Mutex
	queue    []*execution
	running  map[int64]int
	deferred map[int64]*execution
	stopped  bool

	notify chan struct{}
	run    runFunc
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newWorkerPool(run runFunc) *workerPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &workerPool{
		running:  make(map[int64]int),
		deferred: make(map[int64]*execution),
		notify:   make(chan struct{}, 1),
		run:      run,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (p *workerPool) start(workers int) {
	for range max(workers, 1) {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *workerPool) submit(e *execution) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if e.disallowConcurrent && p.running[e.jobDescriptorKey] > 0 {
		if pending, ok := p.deferred[e.jobDescriptorKey]; ok {
			if e.done != nil {
				pending.waiters = append(pending.waiters, e.done)
			}
			pending.waiters = append(pending.waiters, e.waiters...)
			return nil
		}
		p.deferred[e.jobDescriptorKey] = e
		return nil
	}
	p.enqueue(e)
	return nil
}

// enqueue must be called with mu held
func (p *workerPool) enqueue(e *execution) {
	p.running[e.jobDescriptorKey]++
	p.queue = append(p.queue, e)
	p.signal()
}

func (p *workerPool) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *workerPool) next() *execution {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	e := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	if len(p.queue) > 0 {
		// wake another worker for the rest
		p.signal()
	}
	return e
}

func (p *workerPool) finish(e *execution) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running[e.jobDescriptorKey]--
	if p.running[e.jobDescriptorKey] <= 0 {
		delete(p.running, e.jobDescriptorKey)
	}
	waiting, ok := p.deferred[e.jobDescriptorKey]
	if !ok {
		return
	}
	delete(p.deferred, e.jobDescriptorKey)
	if p.stopped {
		p.reject(waiting)
		return
	}
	p.enqueue(waiting)
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.notify:
		}
		for p.ctx.Err() == nil {
			e := p.next()
			if e == nil {
				break
			}
			err := p.run(p.ctx, e)
			p.finish(e)
			e.complete(err)
		}
	}
}

func (p *workerPool) reject(e *execution) {
	e.complete(ErrStopped)
}

// stop cancels running executions, waits for the workers and rejects everything still queued.
func (p *workerPool) stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cancel()

	workersDone := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.queue {
		p.reject(e)
	}
	p.queue = nil
	for key, waiting := range p.deferred {
		p.reject(waiting)
		delete(p.deferred, key)
	}
	return nil
}
