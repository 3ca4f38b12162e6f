package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
)

// fireFunc takes over a due trigger. It runs on the dispatch goroutine and must not execute the job itself.
type fireFunc func(trigger runtime.JobTrigger)

// pollFunc must return scheduled triggers that fire before end.
// The dispatcher de-duplicates them against the triggers it is already waiting for.
type pollFunc func(ctx context.Context, end time.Time) ([]runtime.JobTrigger, error)

type waitingTrigger struct {
	cancel  context.CancelFunc
	trigger runtime.JobTrigger
}

// dispatcher loads triggers due in the current poll cycle and waits for each of them in memory.
type dispatcher struct {
	pollDelay time.Duration
	mu        sync.Mutex
	nextPoll  time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	ch        chan runtime.JobTrigger
	done      chan struct{}
	logger    hclog.Logger
	fire      fireFunc
	poll      pollFunc
	waiting   map[int64]waitingTrigger
	started   bool
}

func newDispatcher(fire fireFunc, poll pollFunc, pollDelay time.Duration, logger hclog.Logger) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &dispatcher{
		pollDelay: pollDelay,
		ctx:       ctx,
		cancel:    cancel,
		ch:        make(chan runtime.JobTrigger),
		done:      make(chan struct{}),
		logger:    logger,
		fire:      fire,
		poll:      poll,
		waiting:   make(map[int64]waitingTrigger),
	}
}

// register arms the trigger right away when it is due before the next poll
func (d *dispatcher) register(trigger runtime.JobTrigger) {
	d.mu.Lock()
	due := !trigger.NextFireAt.After(d.nextPoll)
	d.mu.Unlock()
	if due {
		d.addWaiting(trigger)
	}
}

func (d *dispatcher) remove(jobDescriptorKey int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.waiting[jobDescriptorKey]; ok {
		w.cancel()
		delete(d.waiting, jobDescriptorKey)
	}
}

func (d *dispatcher) waitingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waiting)
}

func (d *dispatcher) addWaiting(trigger runtime.JobTrigger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx.Err() != nil {
		return
	}
	if w, ok := d.waiting[trigger.JobDescriptorKey]; ok {
		if w.trigger.EqualTo(trigger) {
			return
		}
		// rescheduled since it was armed
		w.cancel()
	}
	ctx, cancel := context.WithCancel(d.ctx)
	d.waiting[trigger.JobDescriptorKey] = waitingTrigger{cancel: cancel, trigger: trigger}
	go func() {
		t := time.NewTimer(time.Until(trigger.NextFireAt))
		defer t.Stop()
		select {
		case <-t.C:
			select {
			case d.ch <- trigger:
			case <-ctx.Done():
			}
		case <-ctx.Done():
		}
	}()
}

func (d *dispatcher) run() {
	defer close(d.done)
	d.pollOnce(time.Now())
	pollTicker := time.NewTicker(d.pollDelay)
	defer pollTicker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case trigger := <-d.ch:
			d.mu.Lock()
			if w, ok := d.waiting[trigger.JobDescriptorKey]; ok && w.trigger.EqualTo(trigger) {
				w.cancel()
				delete(d.waiting, trigger.JobDescriptorKey)
			}
			d.mu.Unlock()
			d.fire(trigger)
		case t := <-pollTicker.C:
			d.pollOnce(t)
		}
	}
}

func (d *dispatcher) pollOnce(t time.Time) {
	nextPoll := t.Add(d.pollDelay)
	// moved first so triggers registered during the poll are armed as well
	d.mu.Lock()
	d.nextPoll = nextPoll
	d.mu.Unlock()
	toFire, err := d.poll(d.ctx, nextPoll)
	if err != nil {
		d.logger.Error("failed to poll job triggers", "err", err)
		return
	}
	for _, trigger := range toFire {
		d.addWaiting(trigger)
	}
}

func (d *dispatcher) start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.ctx.Err() != nil {
		return
	}
	d.started = true
	go d.run()
}

func (d *dispatcher) stop() {
	d.mu.Lock()
	d.cancel()
	d.waiting = make(map[int64]waitingTrigger)
	started := d.started
	d.mu.Unlock()
	if started {
		<-d.done
	}
}
