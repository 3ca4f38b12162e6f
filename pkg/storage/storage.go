// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrLockConflict is returned when a record is already locked by a concurrent caller.
	ErrLockConflict = errors.New("lock conflict")

	// ErrNegativeTokenCount is returned when a token update would drop a counter below zero.
	// The counter is left unchanged.
	ErrNegativeTokenCount = errors.New("token count must not be negative")
)

// Storage interface for reading and writing process data into a (persistent) state.
// Interface is used by the engine components to interact with state.
//
// Methods that are expected to return exactly one match MUST return ErrNotFound when the result does not exist
type Storage interface {
	ProcessDefinitionStorageReader
	ProcessDefinitionStorageWriter
	ProcessInstanceStorageReader
	ProcessInstanceStorageWriter
	FlowNodeInstanceStorageReader
	FlowNodeInstanceStorageWriter
	WaitingEventStorageReader
	WaitingEventStorageWriter
	TriggerStorageReader
	TriggerStorageWriter
	JobStorageReader
	JobStorageWriter
	TokenCounter
	RecordLocker

	GenerateId() int64
	NewBatch() Batch
}

type Batch interface {
	ProcessDefinitionStorageWriter
	ProcessInstanceStorageWriter
	FlowNodeInstanceStorageWriter
	WaitingEventStorageWriter
	TriggerStorageWriter
	JobStorageWriter

	// Flush applies all collected statements at once and prepares the batch for new statements.
	// Either all statements are applied or none.
	Flush(ctx context.Context) error
}

type ProcessDefinitionStorageReader interface {
	FindLatestProcessDefinitionById(ctx context.Context, bpmnProcessId string) (model.ProcessDefinition, error)

	FindProcessDefinitionByKey(ctx context.Context, processDefinitionKey int64) (model.ProcessDefinition, error)

	// FindProcessDefinitionsById return zero or many registered processes with given ID
	// result array is ordered by version number, from 1 (first) and largest version (last)
	FindProcessDefinitionsById(ctx context.Context, bpmnProcessId string) ([]model.ProcessDefinition, error)
}

type ProcessDefinitionStorageWriter interface {
	// SaveProcessDefinition persists a ProcessDefinition
	// and potentially overwrites prior data stored with the given key
	SaveProcessDefinition(ctx context.Context, definition model.ProcessDefinition) error
}

type ProcessInstanceStorageReader interface {
	FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error)

	// FindProcessInstancesByParentFlowNode returns instances started by a call activity instance
	FindProcessInstancesByParentFlowNode(ctx context.Context, flowNodeInstanceKey int64) ([]runtime.ProcessInstance, error)
}

type ProcessInstanceStorageWriter interface {
	// SaveProcessInstance persists the instance
	// and potentially overwrites prior data stored with given process instance key
	SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error
}

type FlowNodeInstanceStorageReader interface {
	FindFlowNodeInstanceByKey(ctx context.Context, key int64) (runtime.FlowNodeInstance, error)

	// FindFlowNodeInstances returns all flow node instances of the process instance
	FindFlowNodeInstances(ctx context.Context, processInstanceKey int64) ([]runtime.FlowNodeInstance, error)

	// FindChildFlowNodeInstances returns instances directly contained in parentContainerKey,
	// 0 selects the process level
	FindChildFlowNodeInstances(ctx context.Context, processInstanceKey int64, parentContainerKey int64) ([]runtime.FlowNodeInstance, error)

	// FindActiveFlowNodeInstanceByElementId returns the non terminal instance of elementId in the container
	FindActiveFlowNodeInstanceByElementId(ctx context.Context, processInstanceKey int64, parentContainerKey int64, elementId string) (runtime.FlowNodeInstance, error)
}

type FlowNodeInstanceStorageWriter interface {
	SaveFlowNodeInstance(ctx context.Context, flowNodeInstance runtime.FlowNodeInstance) error
}

// TokenCounter exposes the atomic counters. Results reflect the counter after the update.
type TokenCounter interface {
	AddToken(ctx context.Context, flowNodeInstanceKey int64, delta int) (int, error)

	AddProcessInstanceTokens(ctx context.Context, processInstanceKey int64, delta int) (int, error)
}

// RecordLocker implements compare-and-set locks on correlation records.
// Lock methods return ErrLockConflict when the record is already locked and ErrNotFound when it is gone.
type RecordLocker interface {
	LockWaitingEvent(ctx context.Context, key int64) error
	UnlockWaitingEvent(ctx context.Context, key int64) error
	LockTrigger(ctx context.Context, key int64) error
	UnlockTrigger(ctx context.Context, key int64) error
}

type WaitingEventStorageReader interface {
	FindWaitingEventByKey(ctx context.Context, key int64) (runtime.WaitingEvent, error)

	// FindWaitingEvents returns unlocked registrations for the trigger name ordered by creation
	FindWaitingEvents(ctx context.Context, triggerType runtime.TriggerType, name string) ([]runtime.WaitingEvent, error)

	FindFlowNodeWaitingEvents(ctx context.Context, flowNodeInstanceKey int64) ([]runtime.WaitingEvent, error)

	FindProcessInstanceWaitingEvents(ctx context.Context, processInstanceKey int64) ([]runtime.WaitingEvent, error)
}

type WaitingEventStorageWriter interface {
	SaveWaitingEvent(ctx context.Context, waitingEvent runtime.WaitingEvent) error

	// DeleteWaitingEvent removes the registration, deleting a missing one is not an error
	DeleteWaitingEvent(ctx context.Context, key int64) error
}

type TriggerStorageReader interface {
	FindTriggerByKey(ctx context.Context, key int64) (runtime.Trigger, error)

	// FindPendingTriggers returns unlocked, unhandled and unexpired triggers ordered by creation
	FindPendingTriggers(ctx context.Context, triggerType runtime.TriggerType, name string, now time.Time) ([]runtime.Trigger, error)
}

type TriggerStorageWriter interface {
	SaveTrigger(ctx context.Context, trigger runtime.Trigger) error

	// DeleteTrigger removes the trigger, deleting a missing one is not an error
	DeleteTrigger(ctx context.Context, key int64) error

	// DeleteExpiredTriggers removes unhandled triggers whose ExpiresAt is not after now
	DeleteExpiredTriggers(ctx context.Context, now time.Time) error
}

type JobStorageReader interface {
	FindJobDescriptorByKey(ctx context.Context, key int64) (runtime.JobDescriptor, error)

	FindJobParameters(ctx context.Context, jobDescriptorKey int64) ([]runtime.JobParameter, error)

	FindJobLog(ctx context.Context, jobDescriptorKey int64) (runtime.JobLog, error)

	// FindJobLogs returns a page of job logs, most recently updated first
	FindJobLogs(ctx context.Context, offset int, limit int) ([]runtime.JobLog, error)

	FindJobTrigger(ctx context.Context, jobDescriptorKey int64) (runtime.JobTrigger, error)

	// FindDueJobTriggers returns scheduled triggers with NextFireAt not after end
	FindDueJobTriggers(ctx context.Context, end time.Time) ([]runtime.JobTrigger, error)
}

type JobStorageWriter interface {
	SaveJobDescriptor(ctx context.Context, descriptor runtime.JobDescriptor) error

	// SaveJobParameters replaces all parameters of the descriptor
	SaveJobParameters(ctx context.Context, jobDescriptorKey int64, parameters []runtime.JobParameter) error

	SaveJobLog(ctx context.Context, jobLog runtime.JobLog) error

	// DeleteJobLog removes the log, deleting a missing one is not an error
	DeleteJobLog(ctx context.Context, jobDescriptorKey int64) error

	SaveJobTrigger(ctx context.Context, trigger runtime.JobTrigger) error

	// DeleteJobDescriptor removes the descriptor together with its parameters, trigger and log
	DeleteJobDescriptor(ctx context.Context, key int64) error
}
