package inmemory

import (
	"context"
	"slices"
	"time"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/storage"
)

// StorageBatch collects statements and applies them under a single write lock.
// In-memory statements cannot fail, so Flush is all-or-nothing.
type StorageBatch struct {
	db        *Storage
	stmtToRun []func()
}

var _ storage.Batch = &StorageBatch{}

func (b *StorageBatch) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	for _, stmt := range b.stmtToRun {
		stmt()
	}
	b.stmtToRun = make([]func(), 0, 10)
	return nil
}

func (b *StorageBatch) SaveProcessDefinition(ctx context.Context, definition model.ProcessDefinition) error {
	b.stmtToRun = append(b.stmtToRun, func() {
		b.db.saveProcessDefinition(definition)
	})
	return nil
}

func (b *StorageBatch) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	processInstance = cloneProcessInstance(processInstance)
	b.stmtToRun = append(b.stmtToRun, func() {
		b.db.saveProcessInstance(processInstance)
	})
	return nil
}

func (b *StorageBatch) SaveFlowNodeInstance(ctx context.Context, flowNodeInstance runtime.FlowNodeInstance) error {
	flowNodeInstance = cloneFlowNodeInstance(flowNodeInstance)
	b.stmtToRun = append(b.stmtToRun, func() {
		b.db.saveFlowNodeInstance(flowNodeInstance)
	})
	return nil
}

func (b *StorageBatch) SaveWaitingEvent(ctx context.Context, waitingEvent runtime.WaitingEvent) error {
	waitingEvent.Correlation = waitingEvent.Correlation.Clone()
	b.stmtToRun = append(b.stmtToRun, func() {
		b.db.WaitingEvents[waitingEvent.Key] = waitingEvent
	})
	return nil
}

func (b *StorageBatch) DeleteWaitingEvent(ctx context.Context, key int64) error {
	b.stmtToRun = append(b.stmtToRun, func() {
		delete(b.db.WaitingEvents, key)
	})
	return nil
}

func (b *StorageBatch) SaveTrigger(ctx context.Context, trigger runtime.Trigger) error {
	trigger = cloneTrigger(trigger)
	b.stmtToRun = append(b.stmtToRun, func() {
		b.db.Triggers[trigger.Key] = trigger
	})
	return nil
}

func (b *StorageBatch) DeleteTrigger(ctx context.Context, key int64) error {
	b.stmtToRun = append(b.stmtToRun, func() {
		delete(b.db.Triggers, key)
	})
	return nil
}

func (b *StorageBatch) DeleteExpiredTriggers(ctx context.Context, now time.Time) error {
	b.stmtToRun = append(b.stmtToRun, func() {
		b.db.deleteExpiredTriggers(now)
	})
	return nil
}

func (b *StorageBatch) SaveJobDescriptor(ctx context.Context, descriptor runtime.JobDescriptor) error {
	b.stmtToRun = append(b.stmtToRun, func() {
		b.db.JobDescriptors[descriptor.Key] = descriptor
	})
	return nil
}

func (b *StorageBatch) SaveJobParameters(ctx context.Context, jobDescriptorKey int64, parameters []runtime.JobParameter) error {
	parameters = slices.Clone(parameters)
	b.stmtToRun = append(b.stmtToRun, func() {
		b.db.JobParameters[jobDescriptorKey] = parameters
	})
	return nil
}

func (b *StorageBatch) SaveJobLog(ctx context.Context, jobLog runtime.JobLog) error {
	b.stmtToRun = append(b.stmtToRun, func() {
		b.db.JobLogs[jobLog.JobDescriptorKey] = jobLog
	})
	return nil
}

func (b *StorageBatch) DeleteJobLog(ctx context.Context, jobDescriptorKey int64) error {
	b.stmtToRun = append(b.stmtToRun, func() {
		delete(b.db.JobLogs, jobDescriptorKey)
	})
	return nil
}

func (b *StorageBatch) SaveJobTrigger(ctx context.Context, trigger runtime.JobTrigger) error {
	b.stmtToRun = append(b.stmtToRun, func() {
		b.db.JobTriggers[trigger.JobDescriptorKey] = trigger
	})
	return nil
}

func (b *StorageBatch) DeleteJobDescriptor(ctx context.Context, key int64) error {
	b.stmtToRun = append(b.stmtToRun, func() {
		b.db.deleteJobDescriptor(key)
	})
	return nil
}
