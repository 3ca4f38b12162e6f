// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package statemachine drives flow node instances through their lifecycle and
// synchronizes tokens at joins and containers.
//
// Every write of a FlowNodeInstance goes through a Machine, which serializes the
// writes per instance key. Token counters are additionally atomic in storage.
package statemachine

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
	"go.opentelemetry.io/otel/trace"
)

var ErrNotAJoin = errors.New("flow node is not a join")

type Store interface {
	storage.FlowNodeInstanceStorageReader
	storage.FlowNodeInstanceStorageWriter
	storage.TokenCounter
}

// SubInstanceCanceller cancels the process instances started by a call activity.
// Each cancelled instance must hit the call activity once it reaches its end.
type SubInstanceCanceller func(ctx context.Context, callActivity runtime.FlowNodeInstance) error

type Machine struct {
	store            Store
	locks            *keyedMutex
	logger           hclog.Logger
	tracer           trace.Tracer
	now              func() time.Time
	cancelSubProcess SubInstanceCanceller
}

type Option func(*Machine)

func WithLogger(logger hclog.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(m *Machine) {
		m.tracer = tracer
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

func WithSubInstanceCanceller(fn SubInstanceCanceller) Option {
	return func(m *Machine) {
		m.cancelSubProcess = fn
	}
}

func New(store Store, options ...Option) *Machine {
	m := &Machine{
		store:  store,
		locks:  newKeyedMutex(),
		logger: hclog.Default().Named("state-machine"),
		tracer: otel.GetTracerProvider().Tracer("zenflow/statemachine"),
		now:    time.Now,
	}
	for _, option := range options {
		option(m)
	}
	return m
}

// Create stores a new instance in the ready state.
func (m *Machine) Create(ctx context.Context, fni runtime.FlowNodeInstance) (runtime.FlowNodeInstance, error) {
	if fni.Kind == "" {
		return fni, fmt.Errorf("flow node instance %d of %s has no kind", fni.Key, fni.ElementId)
	}
	fni.StateId = runtime.StateReady
	fni.Terminal = false
	fni.ArchivedAt = nil
	fni.TokenCount = 0
	if fni.CreatedAt.IsZero() {
		fni.CreatedAt = m.now()
	}
	if err := m.store.SaveFlowNodeInstance(ctx, fni); err != nil {
		return fni, fmt.Errorf("failed to create flow node instance %d: %w", fni.Key, err)
	}
	return fni, nil
}

func (m *Machine) load(ctx context.Context, key int64) (runtime.FlowNodeInstance, error) {
	fni, err := m.store.FindFlowNodeInstanceByKey(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return fni, &StructuralError{FlowNodeInstanceKey: key, Err: ErrFlowNodeNotFound}
	}
	if err != nil {
		return fni, fmt.Errorf("failed to load flow node instance %d: %w", key, err)
	}
	return fni, nil
}

// Transition applies event to the instance and persists the new state.
func (m *Machine) Transition(ctx context.Context, key int64, event Event) (runtime.FlowNodeInstance, error) {
	unlock := m.locks.lock(key)
	defer unlock()
	fni, err := m.load(ctx, key)
	if err != nil {
		return fni, err
	}
	return m.transitionLocked(ctx, fni, event)
}

func (m *Machine) transitionLocked(ctx context.Context, fni runtime.FlowNodeInstance, event Event) (runtime.FlowNodeInstance, error) {
	next, err := NextState(fni, event)
	if err != nil {
		return fni, err
	}
	prev := fni.StateId
	fni.StateId = next
	if next.IsTerminal() {
		fni.Terminal = true
		archivedAt := m.now()
		fni.ArchivedAt = &archivedAt
	}
	if err := m.store.SaveFlowNodeInstance(ctx, fni); err != nil {
		return fni, fmt.Errorf("failed to save flow node instance %d: %w", fni.Key, err)
	}
	m.logger.Debug("transition", "element", fni.ElementId, "key", fni.Key, "event", event, "from", prev, "to", next)
	return fni, nil
}

// Hit notifies the parent that child arrived and reports whether the parent fires.
// Hits on the same parent are serialized.
func (m *Machine) Hit(ctx context.Context, parentKey int64, child Child) (fired bool, err error) {
	ctx, span := m.tracer.Start(ctx, fmt.Sprintf("hit:%d", parentKey), trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeElementKey, parentKey),
		attribute.String(otelPkg.AttributeElementId, child.ElementId),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Bool("fired", fired))
		span.End()
	}()

	unlock := m.locks.lock(parentKey)
	defer unlock()

	parent, err := m.load(ctx, parentKey)
	if err != nil {
		return false, err
	}
	fn, ok := hitTable[kindState{kind: parent.Kind, state: parent.StateId}]
	if !ok {
		return false, newStructuralError(parent, "", ErrHitNotAllowed)
	}
	fired, err = fn(ctx, m, parent, child)
	if err != nil {
		return false, fmt.Errorf("failed to hit %s (%d): %w", parent.ElementId, parent.Key, err)
	}
	return fired, nil
}

// AddToken changes the token counter atomically. A negative result is rejected with
// storage.ErrNegativeTokenCount and the counter stays unchanged.
func (m *Machine) AddToken(ctx context.Context, key int64, delta int) (int, error) {
	unlock := m.locks.lock(key)
	defer unlock()
	count, err := m.store.AddToken(ctx, key, delta)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, &StructuralError{FlowNodeInstanceKey: key, Err: ErrFlowNodeNotFound}
	}
	if err != nil {
		return count, fmt.Errorf("failed to add %d tokens to %d: %w", delta, key, err)
	}
	return count, nil
}

// SetExpectedTokens records how many branches a join waits for.
func (m *Machine) SetExpectedTokens(ctx context.Context, key int64, expected int) error {
	unlock := m.locks.lock(key)
	defer unlock()
	fni, err := m.load(ctx, key)
	if err != nil {
		return err
	}
	if !fni.Kind.IsJoin() {
		return newStructuralError(fni, "", ErrNotAJoin)
	}
	if expected < 1 {
		return fmt.Errorf("join %s expects %d tokens, at least one is required", fni.ElementId, expected)
	}
	fni.ExpectedTokens = expected
	return m.store.SaveFlowNodeInstance(ctx, fni)
}

// ClaimPreset clears the preset mark of a join and reports whether this call cleared it.
func (m *Machine) ClaimPreset(ctx context.Context, key int64) (bool, error) {
	unlock := m.locks.lock(key)
	defer unlock()
	fni, err := m.load(ctx, key)
	if err != nil {
		return false, err
	}
	if !fni.Preset || fni.Terminal {
		return false, nil
	}
	fni.Preset = false
	if err := m.store.SaveFlowNodeInstance(ctx, fni); err != nil {
		return false, fmt.Errorf("failed to claim join %s (%d): %w", fni.ElementId, fni.Key, err)
	}
	return true, nil
}

// Cancel drives the instance and all of its non terminal children to cancelled.
// A container reaches cancelled only after every child released its token.
// The returned flag reports whether the parent container fired because of this cancellation.
func (m *Machine) Cancel(ctx context.Context, key int64) (parentFired bool, err error) {
	unlock := m.locks.lock(key)
	fni, err := m.load(ctx, key)
	if err != nil {
		unlock()
		return false, err
	}
	if fni.Terminal || fni.StateId == runtime.StateCancelling {
		// ended on its own or another caller owns the cancellation
		unlock()
		return false, nil
	}
	fni, err = m.transitionLocked(ctx, fni, EventCancel)
	unlock()
	if err != nil {
		return false, err
	}

	if !fni.Terminal {
		if err := m.cancelChildren(ctx, fni); err != nil {
			return false, err
		}
		fni, err = m.Transition(ctx, key, EventFinish)
		if err != nil {
			return false, err
		}
	}

	if fni.ParentContainerKey == 0 || fni.Preset {
		return false, nil
	}
	return m.Hit(ctx, fni.ParentContainerKey, Child{Key: fni.Key, ElementId: fni.ElementId})
}

func (m *Machine) cancelChildren(ctx context.Context, fni runtime.FlowNodeInstance) error {
	switch fni.Kind {
	case runtime.NodeKindSubProcess:
		children, err := m.store.FindChildFlowNodeInstances(ctx, fni.ProcessInstanceKey, fni.Key)
		if err != nil {
			return fmt.Errorf("failed to find children of %d: %w", fni.Key, err)
		}
		var errJoin error
		for _, child := range children {
			if child.Terminal {
				continue
			}
			_, err := m.Cancel(ctx, child.Key)
			errJoin = errors.Join(errJoin, err)
		}
		return errJoin
	case runtime.NodeKindCallActivity:
		if m.cancelSubProcess == nil {
			return nil
		}
		return m.cancelSubProcess(ctx, fni)
	}
	return nil
}
