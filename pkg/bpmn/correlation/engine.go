// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package correlation matches thrown messages and signals to the registrations waiting for them.
//
// There is no global lock: a delivery takes compare-and-set locks on the waiting event and,
// for messages, on the trigger. Losing either lock moves on to the next candidate.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zenflow/pkg/otel"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// errTriggerTaken is returned when another caller holds the trigger
var errTriggerTaken = fmt.Errorf("trigger taken: %w", storage.ErrLockConflict)

// ResumeFunc continues the process at the waiting registration.
// An error rolls the delivery back and leaves both records for redelivery.
type ResumeFunc func(ctx context.Context, waiting runtime.WaitingEvent, trigger runtime.Trigger) error

type Store interface {
	storage.WaitingEventStorageReader
	storage.WaitingEventStorageWriter
	storage.TriggerStorageReader
	storage.TriggerStorageWriter
	storage.RecordLocker
	GenerateId() int64
	NewBatch() storage.Batch
}

type Engine struct {
	store   Store
	resume  ResumeFunc
	logger  hclog.Logger
	tracer  trace.Tracer
	metrics *otelPkg.EngineMetrics
	now     func() time.Time
}

type Option func(*Engine)

func WithLogger(logger hclog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

func WithMetrics(metrics *otelPkg.EngineMetrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func New(store Store, resume ResumeFunc, options ...Option) *Engine {
	e := &Engine{
		store:   store,
		resume:  resume,
		logger:  hclog.Default().Named("correlation"),
		tracer:  otel.GetTracerProvider().Tracer("zenflow/correlation"),
		metrics: otelPkg.NewNoopMetrics(),
		now:     time.Now,
	}
	for _, option := range options {
		option(e)
	}
	return e
}

// RegisterWaitingEvent persists the registration and delivers a pending message right away
// when one was thrown before the registration existed.
func (e *Engine) RegisterWaitingEvent(ctx context.Context, waiting runtime.WaitingEvent) (runtime.WaitingEvent, bool, error) {
	if waiting.Key == 0 {
		waiting.Key = e.store.GenerateId()
	}
	if waiting.CreatedAt.IsZero() {
		waiting.CreatedAt = e.now()
	}
	waiting.Locked = false
	if err := e.store.SaveWaitingEvent(ctx, waiting); err != nil {
		return waiting, false, fmt.Errorf("failed to save %s: %w", waiting, err)
	}
	// signals are never buffered
	if waiting.TriggerType != runtime.TriggerTypeMessage {
		return waiting, false, nil
	}
	pending, err := e.store.FindPendingTriggers(ctx, waiting.TriggerType, waiting.Name, e.now())
	if err != nil {
		return waiting, false, fmt.Errorf("failed to find pending triggers for %s: %w", waiting, err)
	}
	for _, trigger := range pending {
		if !Matches(trigger, waiting) {
			continue
		}
		err := e.deliver(ctx, waiting, trigger, true)
		if errors.Is(err, errTriggerTaken) {
			continue
		}
		if errors.Is(err, storage.ErrLockConflict) {
			// the registration itself was taken by a concurrent trigger
			return waiting, true, nil
		}
		if err != nil {
			return waiting, false, err
		}
		return waiting, true, nil
	}
	return waiting, false, nil
}

// MatchTrigger persists the trigger and delivers it. Messages go to exactly one matching
// registration and stay pending when there is none, signals go to all of them and are removed.
// The number of deliveries is returned.
func (e *Engine) MatchTrigger(ctx context.Context, trigger runtime.Trigger) (delivered int, err error) {
	if trigger.Key == 0 {
		trigger.Key = e.store.GenerateId()
	}
	if trigger.CreatedAt.IsZero() {
		trigger.CreatedAt = e.now()
	}
	ctx, span := e.tracer.Start(ctx, fmt.Sprintf("trigger:%s", trigger.Name), trace.WithAttributes(
		attribute.String(otelPkg.AttributeTriggerType, string(trigger.TriggerType)),
		attribute.String(otelPkg.AttributeTriggerName, trigger.Name),
		attribute.Int64(otelPkg.AttributeTriggerKey, trigger.Key),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("delivered", delivered))
		span.End()
	}()

	if trigger.IsExpired(e.now()) {
		return 0, nil
	}
	if _, err := e.store.FindTriggerByKey(ctx, trigger.Key); errors.Is(err, storage.ErrNotFound) {
		trigger.Locked = false
		trigger.Handled = false
		if err := e.store.SaveTrigger(ctx, trigger); err != nil {
			return 0, fmt.Errorf("failed to save %s: %w", trigger, err)
		}
	} else if err != nil {
		return 0, fmt.Errorf("failed to load %s: %w", trigger, err)
	}

	candidates, err := e.store.FindWaitingEvents(ctx, trigger.TriggerType, trigger.Name)
	if err != nil {
		return 0, fmt.Errorf("failed to find waiting events for %s: %w", trigger, err)
	}

	if trigger.TriggerType == runtime.TriggerTypeSignal {
		return e.broadcast(ctx, trigger, candidates)
	}

	for _, waiting := range candidates {
		if !Matches(trigger, waiting) {
			continue
		}
		err := e.deliver(ctx, waiting, trigger, true)
		if errors.Is(err, errTriggerTaken) {
			return 0, nil
		}
		if errors.Is(err, storage.ErrLockConflict) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return 1, nil
	}
	e.logger.Debug("message is pending", "trigger", trigger.String())
	return 0, nil
}

func (e *Engine) broadcast(ctx context.Context, trigger runtime.Trigger, candidates []runtime.WaitingEvent) (int, error) {
	delivered := 0
	var errJoin error
	for _, waiting := range candidates {
		if !Matches(trigger, waiting) {
			continue
		}
		err := e.deliver(ctx, waiting, trigger, false)
		if errors.Is(err, storage.ErrLockConflict) {
			continue
		}
		if err != nil {
			errJoin = errors.Join(errJoin, err)
			continue
		}
		delivered++
	}
	if err := e.store.DeleteTrigger(ctx, trigger.Key); err != nil {
		errJoin = errors.Join(errJoin, fmt.Errorf("failed to delete %s: %w", trigger, err))
	}
	return delivered, errJoin
}

// deliver runs the resume callback while holding the locks on both records.
// Start registrations stay in place for the next trigger.
func (e *Engine) deliver(ctx context.Context, waiting runtime.WaitingEvent, trigger runtime.Trigger, lockTrigger bool) (err error) {
	ctx, span := e.tracer.Start(ctx, fmt.Sprintf("deliver:%s", waiting.ElementId), trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeWaitingEventKey, waiting.Key),
		attribute.Int64(otelPkg.AttributeTriggerKey, trigger.Key),
		attribute.Int64(otelPkg.AttributeProcessInstanceKey, waiting.ProcessInstanceKey),
	))
	defer func() {
		if err != nil && !errors.Is(err, storage.ErrLockConflict) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := e.store.LockWaitingEvent(ctx, waiting.Key); err != nil {
		if errors.Is(err, storage.ErrLockConflict) || errors.Is(err, storage.ErrNotFound) {
			e.metrics.LockConflicts.Add(ctx, 1)
			return fmt.Errorf("%s is taken: %w", waiting, storage.ErrLockConflict)
		}
		return fmt.Errorf("failed to lock %s: %w", waiting, err)
	}
	if lockTrigger {
		if err := e.store.LockTrigger(ctx, trigger.Key); err != nil {
			e.unlockWaitingEvent(ctx, waiting)
			if errors.Is(err, storage.ErrLockConflict) || errors.Is(err, storage.ErrNotFound) {
				e.metrics.LockConflicts.Add(ctx, 1)
				return errTriggerTaken
			}
			return fmt.Errorf("failed to lock %s: %w", trigger, err)
		}
	}

	rollback := func() {
		e.unlockWaitingEvent(ctx, waiting)
		if lockTrigger {
			if err := e.store.UnlockTrigger(ctx, trigger.Key); err != nil {
				e.logger.Error("failed to unlock trigger", "trigger", trigger.String(), "err", err)
			}
		}
	}

	if err := e.resume(ctx, waiting, trigger); err != nil {
		rollback()
		return fmt.Errorf("failed to resume %s with %s: %w", waiting, trigger, err)
	}

	batch := e.store.NewBatch()
	if waiting.Kind != runtime.WaitingEventKindStart {
		err = errors.Join(err, batch.DeleteWaitingEvent(ctx, waiting.Key))
	}
	if lockTrigger {
		err = errors.Join(err, batch.DeleteTrigger(ctx, trigger.Key))
	}
	if err == nil {
		err = batch.Flush(ctx)
	}
	if err != nil {
		rollback()
		return fmt.Errorf("failed to remove delivered records of %s: %w", waiting, err)
	}
	if waiting.Kind == runtime.WaitingEventKindStart {
		e.unlockWaitingEvent(ctx, waiting)
	}
	e.metrics.TriggersDelivered.Add(ctx, 1, metric.WithAttributes(
		attribute.String(otelPkg.AttributeTriggerType, string(trigger.TriggerType)),
	))
	e.logger.Debug("trigger delivered", "trigger", trigger.String(), "waiting", waiting.String())
	return nil
}

func (e *Engine) unlockWaitingEvent(ctx context.Context, waiting runtime.WaitingEvent) {
	if err := e.store.UnlockWaitingEvent(ctx, waiting.Key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.Error("failed to unlock waiting event", "waiting", waiting.String(), "err", err)
	}
}

// DeleteForFlowNode discards the registrations held by a flow node instance.
func (e *Engine) DeleteForFlowNode(ctx context.Context, flowNodeInstanceKey int64) error {
	waiting, err := e.store.FindFlowNodeWaitingEvents(ctx, flowNodeInstanceKey)
	if err != nil {
		return fmt.Errorf("failed to find waiting events of flow node %d: %w", flowNodeInstanceKey, err)
	}
	return e.deleteAll(ctx, waiting)
}

// DeleteForProcessInstance discards all registrations of a process instance.
func (e *Engine) DeleteForProcessInstance(ctx context.Context, processInstanceKey int64) error {
	waiting, err := e.store.FindProcessInstanceWaitingEvents(ctx, processInstanceKey)
	if err != nil {
		return fmt.Errorf("failed to find waiting events of process instance %d: %w", processInstanceKey, err)
	}
	return e.deleteAll(ctx, waiting)
}

func (e *Engine) deleteAll(ctx context.Context, waiting []runtime.WaitingEvent) error {
	if len(waiting) == 0 {
		return nil
	}
	batch := e.store.NewBatch()
	for _, w := range waiting {
		if err := batch.DeleteWaitingEvent(ctx, w.Key); err != nil {
			return err
		}
	}
	return batch.Flush(ctx)
}

// ExpireTriggers removes messages that were never delivered before their expiry.
func (e *Engine) ExpireTriggers(ctx context.Context, now time.Time) error {
	if err := e.store.DeleteExpiredTriggers(ctx, now); err != nil {
		return fmt.Errorf("failed to expire triggers: %w", err)
	}
	return nil
}
