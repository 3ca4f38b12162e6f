package sqlite

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/storage"
)

type batchStmt func(ctx context.Context, tx sqlx.ExtContext) error

// StorageBatch collects statements and runs them in one transaction on Flush.
type StorageBatch struct {
	db        *Storage
	stmtToRun []batchStmt
}

var _ storage.Batch = &StorageBatch{}

func (b *StorageBatch) Flush(ctx context.Context) error {
	stmts := b.stmtToRun
	b.stmtToRun = make([]batchStmt, 0, 10)
	if len(stmts) == 0 {
		return nil
	}
	return b.db.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, stmt := range stmts {
			if err := stmt(ctx, tx); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *StorageBatch) add(stmt batchStmt) error {
	b.stmtToRun = append(b.stmtToRun, stmt)
	return nil
}

func (b *StorageBatch) SaveProcessDefinition(ctx context.Context, definition model.ProcessDefinition) error {
	return b.add(func(ctx context.Context, tx sqlx.ExtContext) error {
		return saveProcessDefinition(ctx, tx, definition)
	})
}

func (b *StorageBatch) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	return b.add(func(ctx context.Context, tx sqlx.ExtContext) error {
		return saveProcessInstance(ctx, tx, processInstance)
	})
}

func (b *StorageBatch) SaveFlowNodeInstance(ctx context.Context, flowNodeInstance runtime.FlowNodeInstance) error {
	return b.add(func(ctx context.Context, tx sqlx.ExtContext) error {
		return saveFlowNodeInstance(ctx, tx, flowNodeInstance)
	})
}

func (b *StorageBatch) SaveWaitingEvent(ctx context.Context, waitingEvent runtime.WaitingEvent) error {
	return b.add(func(ctx context.Context, tx sqlx.ExtContext) error {
		return saveWaitingEvent(ctx, tx, waitingEvent)
	})
}

func (b *StorageBatch) DeleteWaitingEvent(ctx context.Context, key int64) error {
	return b.add(func(ctx context.Context, tx sqlx.ExtContext) error {
		return deleteWaitingEvent(ctx, tx, key)
	})
}

func (b *StorageBatch) SaveTrigger(ctx context.Context, trigger runtime.Trigger) error {
	return b.add(func(ctx context.Context, tx sqlx.ExtContext) error {
		return saveTrigger(ctx, tx, trigger)
	})
}

func (b *StorageBatch) DeleteTrigger(ctx context.Context, key int64) error {
	return b.add(func(ctx context.Context, tx sqlx.ExtContext) error {
		return deleteTrigger(ctx, tx, key)
	})
}

func (b *StorageBatch) DeleteExpiredTriggers(ctx context.Context, now time.Time) error {
	return b.add(func(ctx context.Context, tx sqlx.ExtContext) error {
		return deleteExpiredTriggers(ctx, tx, now)
	})
}

func (b *StorageBatch) SaveJobDescriptor(ctx context.Context, descriptor runtime.JobDescriptor) error {
	return b.add(func(ctx context.Context, tx sqlx.ExtContext) error {
		return saveJobDescriptor(ctx, tx, descriptor)
	})
}

func (b *StorageBatch) SaveJobParameters(ctx context.Context, jobDescriptorKey int64, parameters []runtime.JobParameter) error {
	return b.add(func(ctx context.Context, tx sqlx.ExtContext) error {
		return saveJobParameters(ctx, tx, jobDescriptorKey, parameters)
	})
}

func (b *StorageBatch) SaveJobLog(ctx context.Context, jobLog runtime.JobLog) error {
	return b.add(func(ctx context.Context, tx sqlx.ExtContext) error {
		return saveJobLog(ctx, tx, jobLog)
	})
}

func (b *StorageBatch) DeleteJobLog(ctx context.Context, jobDescriptorKey int64) error {
	return b.add(func(ctx context.Context, tx sqlx.ExtContext) error {
		return deleteJobLog(ctx, tx, jobDescriptorKey)
	})
}

func (b *StorageBatch) SaveJobTrigger(ctx context.Context, trigger runtime.JobTrigger) error {
	return b.add(func(ctx context.Context, tx sqlx.ExtContext) error {
		return saveJobTrigger(ctx, tx, trigger)
	})
}

func (b *StorageBatch) DeleteJobDescriptor(ctx context.Context, key int64) error {
	return b.add(func(ctx context.Context, tx sqlx.ExtContext) error {
		return deleteJobDescriptor(ctx, tx, key)
	})
}
