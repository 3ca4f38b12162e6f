// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/bpmn/statemachine"
	otelPkg "github.com/pbinitiative/zenflow/pkg/otel"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// callerRef points at the call activity that started a process instance.
type callerRef struct {
	instance runtime.ProcessInstance
	activity runtime.FlowNodeInstance
}

// CreateInstance starts a new instance of the definition at its none start events.
func (engine *Engine) CreateInstance(ctx context.Context, processDefinitionKey int64, variables map[string]any) (inst runtime.ProcessInstance, err error) {
	ctx, span := engine.tracer.Start(ctx, fmt.Sprintf("create-instance:%d", processDefinitionKey), trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeProcessDefinitionKey, processDefinitionKey),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	definition, err := engine.definition(ctx, processDefinitionKey)
	if errors.Is(err, storage.ErrNotFound) {
		return inst, wrapEngineErrorf(err, "process definition %d not found", processDefinitionKey)
	}
	if err != nil {
		return inst, err
	}
	starts := noneStartNodes(*definition, "")
	if len(starts) == 0 {
		return inst, newEngineErrorf("process %s has no none start event", definition.BpmnProcessId)
	}
	inst, err = engine.startInstance(ctx, definition, variables, starts, nil)
	if err == nil {
		span.SetAttributes(attribute.Int64(otelPkg.AttributeProcessInstanceKey, inst.Key))
	}
	return inst, err
}

// CreateInstanceById starts the latest version of the process.
func (engine *Engine) CreateInstanceById(ctx context.Context, bpmnProcessId string, variables map[string]any) (runtime.ProcessInstance, error) {
	definition, err := engine.store.FindLatestProcessDefinitionById(ctx, bpmnProcessId)
	if errors.Is(err, storage.ErrNotFound) {
		return runtime.ProcessInstance{}, wrapEngineErrorf(err, "no process definition deployed for %s", bpmnProcessId)
	}
	if err != nil {
		return runtime.ProcessInstance{}, fmt.Errorf("failed to find process definition %s: %w", bpmnProcessId, err)
	}
	return engine.CreateInstance(ctx, definition.Key, variables)
}

func (engine *Engine) FindProcessInstance(ctx context.Context, key int64) (runtime.ProcessInstance, error) {
	return engine.store.FindProcessInstanceByKey(ctx, key)
}

func (engine *Engine) FindFlowNodeInstances(ctx context.Context, processInstanceKey int64) ([]runtime.FlowNodeInstance, error) {
	return engine.store.FindFlowNodeInstances(ctx, processInstanceKey)
}

// startInstance creates the instance and runs its start events until every token waits or ends.
func (engine *Engine) startInstance(ctx context.Context, definition *model.ProcessDefinition, variables map[string]any, starts []model.FlowNode, caller *callerRef) (runtime.ProcessInstance, error) {
	inst := runtime.ProcessInstance{
		Key:                  engine.store.GenerateId(),
		ProcessDefinitionKey: definition.Key,
		BpmnProcessId:        definition.BpmnProcessId,
		State:                runtime.ProcessInstanceStateActive,
		Variables:            maps.Clone(variables),
		CreatedAt:            engine.now(),
	}
	if inst.Variables == nil {
		inst.Variables = map[string]any{}
	}
	inst.RootProcessInstanceKey = inst.Key
	if caller != nil {
		inst.RootProcessInstanceKey = caller.instance.RootProcessInstanceKey
		inst.ParentProcessInstanceKey = caller.instance.Key
		inst.ParentFlowNodeInstanceKey = caller.activity.Key
	}

	ctx, unlock := engine.instances.lockInstance(ctx, inst.RootProcessInstanceKey)
	defer unlock()

	if err := engine.store.SaveProcessInstance(ctx, inst); err != nil {
		return inst, fmt.Errorf("failed to save process instance of %s: %w", definition.BpmnProcessId, err)
	}
	attrs := metric.WithAttributes(attribute.String(otelPkg.AttributeProcessId, definition.BpmnProcessId))
	engine.metrics.ProcessesStarted.Add(ctx, 1, attrs)
	engine.metrics.ProcessesRunning.Add(ctx, 1, attrs)
	engine.logger.Debug("process instance started", "id", definition.BpmnProcessId, "key", inst.Key, "root", inst.RootProcessInstanceKey)

	tokens := make([]token, 0, len(starts))
	for _, start := range starts {
		tok, err := engine.spawn(ctx, inst, definition, start, 0, statemachine.Child{Key: inst.Key, ElementId: inst.BpmnProcessId})
		if err != nil {
			return inst, err
		}
		tokens = append(tokens, tok)
	}
	// a pending message may interrupt the instance before the start events run
	if err := engine.registerEventSubProcesses(ctx, inst, definition, 0, ""); err != nil {
		return inst, err
	}
	if err := engine.runAll(ctx, inst, definition, tokens); err != nil {
		return inst, err
	}
	return engine.store.FindProcessInstanceByKey(ctx, inst.Key)
}

// completeInstance ends an active instance whose last token was released and
// hands its variables back to the calling activity.
func (engine *Engine) completeInstance(ctx context.Context, inst runtime.ProcessInstance) error {
	current, err := engine.store.FindProcessInstanceByKey(ctx, inst.Key)
	if err != nil {
		return fmt.Errorf("failed to load process instance %d: %w", inst.Key, err)
	}
	if current.State != runtime.ProcessInstanceStateActive {
		return nil
	}
	current, err = engine.updateInstance(ctx, inst.Key, func(pi *runtime.ProcessInstance) {
		pi.State = runtime.ProcessInstanceStateCompleted
		endedAt := engine.now()
		pi.EndedAt = &endedAt
	})
	if err != nil {
		return err
	}
	if err := engine.correlation.DeleteForProcessInstance(ctx, inst.Key); err != nil {
		return err
	}
	engine.recordEnded(ctx, current)
	engine.logger.Debug("process instance completed", "id", current.BpmnProcessId, "key", current.Key)

	if current.ParentFlowNodeInstanceKey == 0 {
		return nil
	}
	return engine.returnToCaller(ctx, current)
}

func (engine *Engine) recordEnded(ctx context.Context, inst runtime.ProcessInstance) {
	attrs := metric.WithAttributes(
		attribute.String(otelPkg.AttributeProcessId, inst.BpmnProcessId),
		attribute.String(otelPkg.AttributeState, string(inst.State)),
	)
	engine.metrics.ProcessesEnded.Add(ctx, 1, attrs)
	engine.metrics.ProcessesRunning.Add(ctx, -1, metric.WithAttributes(attribute.String(otelPkg.AttributeProcessId, inst.BpmnProcessId)))
}

// failInstance moves the instance to failed and tears down everything still running in it.
func (engine *Engine) failInstance(ctx context.Context, inst runtime.ProcessInstance, cause error) error {
	current, err := engine.store.FindProcessInstanceByKey(ctx, inst.Key)
	if err != nil {
		return fmt.Errorf("failed to load process instance %d: %w", inst.Key, err)
	}
	if current.State.IsTerminal() {
		return nil
	}
	current, err = engine.updateInstance(ctx, inst.Key, func(pi *runtime.ProcessInstance) {
		pi.State = runtime.ProcessInstanceStateFailed
		endedAt := engine.now()
		pi.EndedAt = &endedAt
	})
	if err != nil {
		return err
	}
	if err := engine.cancelActiveFlowNodes(ctx, current); err != nil {
		return err
	}
	if err := engine.correlation.DeleteForProcessInstance(ctx, inst.Key); err != nil {
		return err
	}
	engine.recordEnded(ctx, current)
	engine.logger.Warn("process instance failed", "id", current.BpmnProcessId, "key", current.Key, "err", cause)

	if current.ParentFlowNodeInstanceKey == 0 {
		return nil
	}
	parent, err := engine.store.FindProcessInstanceByKey(ctx, current.ParentProcessInstanceKey)
	if err != nil {
		return fmt.Errorf("failed to load calling instance %d: %w", current.ParentProcessInstanceKey, err)
	}
	return engine.failFlowNode(ctx, parent, current.ParentFlowNodeInstanceKey, fmt.Errorf("called instance %d failed: %w", current.Key, cause))
}

// cancelActiveFlowNodes cancels every non terminal flow node on the process level.
func (engine *Engine) cancelActiveFlowNodes(ctx context.Context, inst runtime.ProcessInstance) error {
	fnis, err := engine.store.FindChildFlowNodeInstances(ctx, inst.Key, 0)
	if err != nil {
		return fmt.Errorf("failed to find flow nodes of %d: %w", inst.Key, err)
	}
	var errJoin error
	cancelled := 0
	for _, fni := range fnis {
		if fni.Terminal {
			continue
		}
		if _, err := engine.machine.Cancel(ctx, fni.Key); err != nil {
			errJoin = errors.Join(errJoin, err)
			continue
		}
		if !fni.Preset {
			cancelled++
		}
	}
	if cancelled > 0 {
		if _, err := engine.store.AddProcessInstanceTokens(ctx, inst.Key, -cancelled); err != nil {
			errJoin = errors.Join(errJoin, fmt.Errorf("failed to release cancelled tokens of %d: %w", inst.Key, err))
		}
	}
	return errJoin
}

// CancelInstance cancels a root process instance together with the instances it called.
func (engine *Engine) CancelInstance(ctx context.Context, processInstanceKey int64) (err error) {
	ctx, span := engine.tracer.Start(ctx, fmt.Sprintf("cancel-instance:%d", processInstanceKey), trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeProcessInstanceKey, processInstanceKey),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	return engine.withInstance(ctx, processInstanceKey, func(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition) error {
		if inst.ParentFlowNodeInstanceKey != 0 {
			return newEngineErrorf("process instance %d was called by %d, cancel its root instance %d", inst.Key, inst.ParentProcessInstanceKey, inst.RootProcessInstanceKey)
		}
		if inst.State.IsTerminal() {
			return fmt.Errorf("process instance %d is %s: %w", inst.Key, inst.State, ErrInstanceNotActive)
		}
		return engine.cancelInstanceLocked(ctx, inst)
	})
}

func (engine *Engine) cancelInstanceLocked(ctx context.Context, inst runtime.ProcessInstance) error {
	if _, err := engine.updateInstance(ctx, inst.Key, func(pi *runtime.ProcessInstance) {
		pi.State = runtime.ProcessInstanceStateCancelling
	}); err != nil {
		return err
	}
	if err := engine.cancelActiveFlowNodes(ctx, inst); err != nil {
		return err
	}
	if err := engine.correlation.DeleteForProcessInstance(ctx, inst.Key); err != nil {
		return err
	}
	current, err := engine.updateInstance(ctx, inst.Key, func(pi *runtime.ProcessInstance) {
		pi.State = runtime.ProcessInstanceStateCancelled
		endedAt := engine.now()
		pi.EndedAt = &endedAt
	})
	if err != nil {
		return err
	}
	engine.recordEnded(ctx, current)
	engine.logger.Info("process instance cancelled", "id", current.BpmnProcessId, "key", current.Key)
	return nil
}

// cancelCalledInstances cancels the instances started by a call activity that is being cancelled.
// Each cancelled instance releases the token it holds on the call activity.
func (engine *Engine) cancelCalledInstances(ctx context.Context, callActivity runtime.FlowNodeInstance) error {
	children, err := engine.store.FindProcessInstancesByParentFlowNode(ctx, callActivity.Key)
	if err != nil {
		return fmt.Errorf("failed to find instances called by %d: %w", callActivity.Key, err)
	}
	var errJoin error
	for _, child := range children {
		if child.State.IsTerminal() {
			continue
		}
		if err := engine.cancelInstanceLocked(ctx, child); err != nil {
			errJoin = errors.Join(errJoin, err)
			continue
		}
		if _, err := engine.machine.Hit(ctx, callActivity.Key, statemachine.Child{Key: child.Key, ElementId: child.BpmnProcessId}); err != nil {
			errJoin = errors.Join(errJoin, err)
		}
	}
	return errJoin
}

// FlowNodeCompleted completes a waiting task with the given output variables.
func (engine *Engine) FlowNodeCompleted(ctx context.Context, flowNodeInstanceKey int64, variables map[string]any) error {
	return engine.withFlowNode(ctx, flowNodeInstanceKey, func(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition, fni runtime.FlowNodeInstance, node model.FlowNode) error {
		if fni.Terminal || inst.State != runtime.ProcessInstanceStateActive {
			return fmt.Errorf("flow node %s (%d) is %s: %w", fni.ElementId, fni.Key, fni.StateId, ErrFlowNodeNotActive)
		}
		if fni.StateId != runtime.StateWaiting {
			return newEngineErrorf("flow node %s (%d) is %s and cannot be completed", fni.ElementId, fni.Key, fni.StateId)
		}
		return engine.complete(ctx, inst, definition, fni, node, variables)
	})
}

// FlowNodeFailed fails a waiting task and with it the process instance.
func (engine *Engine) FlowNodeFailed(ctx context.Context, flowNodeInstanceKey int64, cause error) error {
	return engine.withFlowNode(ctx, flowNodeInstanceKey, func(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition, fni runtime.FlowNodeInstance, node model.FlowNode) error {
		if fni.Terminal || inst.State != runtime.ProcessInstanceStateActive {
			return fmt.Errorf("flow node %s (%d) is %s: %w", fni.ElementId, fni.Key, fni.StateId, ErrFlowNodeNotActive)
		}
		return engine.failFlowNode(ctx, inst, fni.Key, cause)
	})
}
