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

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/bpmn/statemachine"
	otelPkg "github.com/pbinitiative/zenflow/pkg/otel"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// token is a spawned flow node instance that has not been run yet.
type token struct {
	fni  runtime.FlowNodeInstance
	node model.FlowNode
	// join arrivals hit an existing join instead of running a new flow node
	join    bool
	arrival statemachine.Child
}

// withInstance loads the process instance, locks its tree and runs fn with the locked context.
func (engine *Engine) withInstance(ctx context.Context, processInstanceKey int64, fn func(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition) error) error {
	inst, err := engine.store.FindProcessInstanceByKey(ctx, processInstanceKey)
	if errors.Is(err, storage.ErrNotFound) {
		return wrapEngineErrorf(err, "process instance %d not found", processInstanceKey)
	}
	if err != nil {
		return fmt.Errorf("failed to load process instance %d: %w", processInstanceKey, err)
	}
	ctx, unlock := engine.instances.lockInstance(ctx, inst.RootProcessInstanceKey)
	defer unlock()

	inst, err = engine.store.FindProcessInstanceByKey(ctx, processInstanceKey)
	if err != nil {
		return fmt.Errorf("failed to load process instance %d: %w", processInstanceKey, err)
	}
	definition, err := engine.definition(ctx, inst.ProcessDefinitionKey)
	if err != nil {
		return err
	}
	return fn(ctx, inst, definition)
}

// withFlowNode runs fn for a flow node instance under the lock of its process instance tree.
func (engine *Engine) withFlowNode(ctx context.Context, flowNodeInstanceKey int64, fn func(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition, fni runtime.FlowNodeInstance, node model.FlowNode) error) error {
	fni, err := engine.store.FindFlowNodeInstanceByKey(ctx, flowNodeInstanceKey)
	if errors.Is(err, storage.ErrNotFound) {
		return wrapEngineErrorf(err, "flow node instance %d not found", flowNodeInstanceKey)
	}
	if err != nil {
		return fmt.Errorf("failed to load flow node instance %d: %w", flowNodeInstanceKey, err)
	}
	return engine.withInstance(ctx, fni.ProcessInstanceKey, func(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition) error {
		fni, err := engine.store.FindFlowNodeInstanceByKey(ctx, flowNodeInstanceKey)
		if err != nil {
			return fmt.Errorf("failed to load flow node instance %d: %w", flowNodeInstanceKey, err)
		}
		node, err := findNode(definition, fni.ElementId)
		if err != nil {
			return err
		}
		return fn(ctx, inst, definition, fni, node)
	})
}

func (engine *Engine) variables(ctx context.Context, processInstanceKey int64) (map[string]any, error) {
	inst, err := engine.store.FindProcessInstanceByKey(ctx, processInstanceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load variables of %d: %w", processInstanceKey, err)
	}
	if inst.Variables == nil {
		return map[string]any{}, nil
	}
	return inst.Variables, nil
}

// updateInstance applies fn to a fresh copy of the instance. Token counters are only changed by the storage.
func (engine *Engine) updateInstance(ctx context.Context, processInstanceKey int64, fn func(inst *runtime.ProcessInstance)) (runtime.ProcessInstance, error) {
	inst, err := engine.store.FindProcessInstanceByKey(ctx, processInstanceKey)
	if err != nil {
		return inst, fmt.Errorf("failed to load process instance %d: %w", processInstanceKey, err)
	}
	fn(&inst)
	if err := engine.store.SaveProcessInstance(ctx, inst); err != nil {
		return inst, fmt.Errorf("failed to save process instance %d: %w", processInstanceKey, err)
	}
	return inst, nil
}

func (engine *Engine) mergeVariables(ctx context.Context, processInstanceKey int64, variables map[string]any) error {
	if len(variables) == 0 {
		return nil
	}
	_, err := engine.updateInstance(ctx, processInstanceKey, func(inst *runtime.ProcessInstance) {
		inst.SetVariables(variables)
	})
	return err
}

func (engine *Engine) addScopeTokens(ctx context.Context, inst runtime.ProcessInstance, parentContainerKey int64, delta int) (int, error) {
	if parentContainerKey == 0 {
		return engine.store.AddProcessInstanceTokens(ctx, inst.Key, delta)
	}
	return engine.machine.AddToken(ctx, parentContainerKey, delta)
}

func (engine *Engine) newFlowNode(ctx context.Context, inst runtime.ProcessInstance, node model.FlowNode, parentContainerKey int64, preset bool) (runtime.FlowNodeInstance, error) {
	return engine.machine.Create(ctx, runtime.FlowNodeInstance{
		Key:                  engine.store.GenerateId(),
		ElementId:            node.Id,
		Kind:                 runtime.KindOf(node),
		Preset:               preset,
		ProcessInstanceKey:   inst.Key,
		ProcessDefinitionKey: inst.ProcessDefinitionKey,
		ParentContainerKey:   parentContainerKey,
	})
}

// createFlowNode creates a ready flow node instance holding one token of its scope.
func (engine *Engine) createFlowNode(ctx context.Context, inst runtime.ProcessInstance, node model.FlowNode, parentContainerKey int64) (runtime.FlowNodeInstance, error) {
	fni, err := engine.newFlowNode(ctx, inst, node, parentContainerKey, false)
	if err != nil {
		return fni, err
	}
	return fni, engine.takeScopeToken(ctx, inst, fni)
}

func (engine *Engine) takeScopeToken(ctx context.Context, inst runtime.ProcessInstance, fni runtime.FlowNodeInstance) error {
	if _, err := engine.addScopeTokens(ctx, inst, fni.ParentContainerKey, 1); err != nil {
		return fmt.Errorf("failed to add token of %s to its scope: %w", fni.ElementId, err)
	}
	return nil
}

func isJoin(definition *model.ProcessDefinition, node model.FlowNode) bool {
	return runtime.KindOf(node).IsJoin() && len(definition.IncomingFlows(node.Id)) > 1
}

// findOrCreateJoin returns the executing join of the scope, a new one expects all incoming flows.
// A preset join is created without a scope token, the first arriving branch takes it.
func (engine *Engine) findOrCreateJoin(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition, node model.FlowNode, parentContainerKey int64, preset bool) (runtime.FlowNodeInstance, error) {
	fni, err := engine.store.FindActiveFlowNodeInstanceByElementId(ctx, inst.Key, parentContainerKey, node.Id)
	if err == nil {
		if preset || !fni.Preset {
			return fni, nil
		}
		claimed, err := engine.machine.ClaimPreset(ctx, fni.Key)
		if err != nil {
			return fni, err
		}
		if claimed {
			if err := engine.takeScopeToken(ctx, inst, fni); err != nil {
				return fni, err
			}
		}
		return engine.store.FindFlowNodeInstanceByKey(ctx, fni.Key)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fni, fmt.Errorf("failed to find join %s: %w", node.Id, err)
	}
	if preset {
		fni, err = engine.newFlowNode(ctx, inst, node, parentContainerKey, true)
	} else {
		fni, err = engine.createFlowNode(ctx, inst, node, parentContainerKey)
	}
	if err != nil {
		return fni, err
	}
	if _, err := engine.machine.Transition(ctx, fni.Key, statemachine.EventStart); err != nil {
		return fni, err
	}
	if err := engine.machine.SetExpectedTokens(ctx, fni.Key, len(definition.IncomingFlows(node.Id))); err != nil {
		return fni, err
	}
	return engine.store.FindFlowNodeInstanceByKey(ctx, fni.Key)
}

// spawn takes the token for node in the scope, it does not execute the node yet.
func (engine *Engine) spawn(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition, node model.FlowNode, parentContainerKey int64, arrival statemachine.Child) (token, error) {
	if isJoin(definition, node) {
		fni, err := engine.findOrCreateJoin(ctx, inst, definition, node, parentContainerKey, false)
		return token{fni: fni, node: node, join: true, arrival: arrival}, err
	}
	fni, err := engine.createFlowNode(ctx, inst, node, parentContainerKey)
	return token{fni: fni, node: node, arrival: arrival}, err
}

func (engine *Engine) run(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition, tok token) (err error) {
	ctx, span := engine.tracer.Start(ctx, fmt.Sprintf("flow-node:%s", tok.node.Id), trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeProcessInstanceKey, inst.Key),
		attribute.String(otelPkg.AttributeElementId, tok.node.Id),
		attribute.Int64(otelPkg.AttributeElementKey, tok.fni.Key),
		attribute.String(otelPkg.AttributeNodeKind, string(tok.fni.Kind)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// an earlier token may have failed or cancelled the instance
	current, err := engine.store.FindFlowNodeInstanceByKey(ctx, tok.fni.Key)
	if err != nil {
		return fmt.Errorf("failed to load flow node instance %d: %w", tok.fni.Key, err)
	}
	if current.Terminal {
		return nil
	}

	if tok.join {
		fired, err := engine.machine.Hit(ctx, tok.fni.Key, tok.arrival)
		if err != nil || !fired {
			return err
		}
		return engine.complete(ctx, inst, definition, tok.fni, tok.node, nil)
	}

	fni, err := engine.machine.Transition(ctx, tok.fni.Key, statemachine.EventStart)
	if err != nil {
		return err
	}
	if err := engine.execute(ctx, inst, definition, fni, tok.node, tok.arrival); err != nil {
		return engine.handleStepError(ctx, inst, definition, fni, err)
	}
	return nil
}

// handleStepError fails the flow node for errors caused by the process model or its data.
// Storage and structural errors are returned to the caller.
func (engine *Engine) handleStepError(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition, fni runtime.FlowNodeInstance, err error) error {
	var engineErr *BpmnEngineError
	var expressionErr *ExpressionEvaluationError
	if !errors.As(err, &engineErr) && !errors.As(err, &expressionErr) {
		return err
	}
	engine.logger.Warn("flow node failed", "element", fni.ElementId, "key", fni.Key, "instance", inst.Key, "err", err)
	return engine.failFlowNode(ctx, inst, fni.Key, err)
}

func (engine *Engine) execute(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition, fni runtime.FlowNodeInstance, node model.FlowNode, arrival statemachine.Child) error {
	switch fni.Kind {
	case runtime.NodeKindStartEvent, runtime.NodeKindEndEvent, runtime.NodeKindBoundaryEvent,
		runtime.NodeKindParallelGateway, runtime.NodeKindInclusiveGateway:
		return engine.complete(ctx, inst, definition, fni, node, nil)
	case runtime.NodeKindExclusiveGateway:
		fired, err := engine.machine.Hit(ctx, fni.Key, arrival)
		if err != nil || !fired {
			return err
		}
		return engine.complete(ctx, inst, definition, fni, node, nil)
	case runtime.NodeKindThrowEvent:
		if err := engine.throwFromProcess(ctx, inst, node); err != nil {
			return err
		}
		return engine.complete(ctx, inst, definition, fni, node, nil)
	case runtime.NodeKindCatchEvent:
		fni, err := engine.machine.Transition(ctx, fni.Key, statemachine.EventWait)
		if err != nil {
			return err
		}
		if node.HasEvent(model.EventDefinitionTimer) {
			return engine.scheduleTimer(ctx, inst, fni.Key, node)
		}
		return engine.registerCatchEvent(ctx, inst, fni, node)
	case runtime.NodeKindTask:
		return engine.executeTask(ctx, inst, definition, fni, node)
	case runtime.NodeKindSubProcess:
		return engine.executeSubProcess(ctx, inst, definition, fni, node)
	case runtime.NodeKindCallActivity:
		return engine.executeCallActivity(ctx, inst, definition, fni, node)
	}
	return newEngineErrorf("unsupported flow node kind %s of %s", fni.Kind, node.Id)
}

// activate registers boundary events of an activity. It reports false when a registration
// already interrupted the activity.
func (engine *Engine) activate(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition, fni runtime.FlowNodeInstance, node model.FlowNode) (bool, error) {
	if err := engine.registerBoundaryEvents(ctx, inst, definition, fni, node); err != nil {
		return false, err
	}
	current, err := engine.store.FindFlowNodeInstanceByKey(ctx, fni.Key)
	if err != nil {
		return false, err
	}
	return !current.Terminal, nil
}

func (engine *Engine) executeTask(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition, fni runtime.FlowNodeInstance, node model.FlowNode) error {
	active, err := engine.activate(ctx, inst, definition, fni, node)
	if err != nil || !active {
		return err
	}
	if node.Connector != nil {
		return engine.dispatchConnector(ctx, inst, fni, node)
	}
	// completed by the driver through FlowNodeCompleted
	_, err = engine.machine.Transition(ctx, fni.Key, statemachine.EventWait)
	return err
}

func (engine *Engine) executeSubProcess(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition, fni runtime.FlowNodeInstance, node model.FlowNode) error {
	active, err := engine.activate(ctx, inst, definition, fni, node)
	if err != nil || !active {
		return err
	}
	starts := noneStartNodes(*definition, node.Id)
	if len(starts) == 0 {
		return engine.complete(ctx, inst, definition, fni, node, nil)
	}
	tokens := make([]token, 0, len(starts))
	for _, start := range starts {
		tok, err := engine.spawn(ctx, inst, definition, start, fni.Key, statemachine.Child{Key: fni.Key, ElementId: node.Id})
		if err != nil {
			return err
		}
		tokens = append(tokens, tok)
	}
	if err := engine.registerEventSubProcesses(ctx, inst, definition, fni.Key, node.Id); err != nil {
		return err
	}
	return engine.runAll(ctx, inst, definition, tokens)
}

func (engine *Engine) runAll(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition, tokens []token) error {
	var errJoin error
	for _, tok := range tokens {
		errJoin = errors.Join(errJoin, engine.run(ctx, inst, definition, tok))
	}
	return errJoin
}

// complete finishes the flow node and moves its token along the selected outgoing flows.
func (engine *Engine) complete(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition, fni runtime.FlowNodeInstance, node model.FlowNode, variables map[string]any) error {
	if err := engine.mergeVariables(ctx, inst.Key, variables); err != nil {
		return err
	}
	vars, err := engine.variables(ctx, inst.Key)
	if err != nil {
		return err
	}
	flows, err := selectOutgoingFlows(definition, node, vars)
	if err != nil {
		engine.logger.Warn("no outgoing flow", "element", node.Id, "instance", inst.Key, "err", err)
		return engine.failFlowNode(ctx, inst, fni.Key, err)
	}

	if _, err := engine.machine.Transition(ctx, fni.Key, statemachine.EventComplete); err != nil {
		return err
	}
	if fni, err = engine.machine.Transition(ctx, fni.Key, statemachine.EventFinish); err != nil {
		return err
	}
	if err := engine.correlation.DeleteForFlowNode(ctx, fni.Key); err != nil {
		return err
	}

	if node.IsGateway() && node.Gateway.Join != "" && len(flows) > 0 {
		if err := engine.presetJoin(ctx, inst, definition, node.Gateway.Join, fni.ParentContainerKey, len(flows)); err != nil {
			return err
		}
	}
	tokens := make([]token, 0, len(flows))
	for _, flow := range flows {
		target, err := findNode(definition, flow.TargetRef)
		if err != nil {
			return err
		}
		tok, err := engine.spawn(ctx, inst, definition, target, fni.ParentContainerKey, statemachine.Child{
			Key:            fni.Key,
			ElementId:      fni.ElementId,
			SequenceFlowId: flow.Id,
		})
		if err != nil {
			return err
		}
		tokens = append(tokens, tok)
	}
	if err := engine.release(ctx, inst, definition, fni); err != nil {
		return err
	}
	return engine.runAll(ctx, inst, definition, tokens)
}

// presetJoin records how many branches an inclusive split activated on its paired join.
func (engine *Engine) presetJoin(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition, joinId string, parentContainerKey int64, branches int) error {
	node, err := findNode(definition, joinId)
	if err != nil {
		return err
	}
	if !isJoin(definition, node) {
		return nil
	}
	join, err := engine.findOrCreateJoin(ctx, inst, definition, node, parentContainerKey, true)
	if err != nil {
		return err
	}
	return engine.machine.SetExpectedTokens(ctx, join.Key, branches)
}

// release gives the token of a finished flow node back to its scope. The scope completes
// when its last token is released.
func (engine *Engine) release(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition, fni runtime.FlowNodeInstance) error {
	if fni.ParentContainerKey == 0 {
		remaining, err := engine.store.AddProcessInstanceTokens(ctx, inst.Key, -1)
		if err != nil {
			return fmt.Errorf("failed to release token of %s: %w", fni.ElementId, err)
		}
		if remaining == 0 {
			return engine.completeInstance(ctx, inst)
		}
		return nil
	}
	fired, err := engine.machine.Hit(ctx, fni.ParentContainerKey, statemachine.Child{Key: fni.Key, ElementId: fni.ElementId})
	if err != nil || !fired {
		return err
	}
	return engine.completeContainer(ctx, inst, definition, fni.ParentContainerKey)
}

func (engine *Engine) completeContainer(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition, containerKey int64) error {
	container, err := engine.store.FindFlowNodeInstanceByKey(ctx, containerKey)
	if err != nil {
		return fmt.Errorf("failed to load container %d: %w", containerKey, err)
	}
	if container.StateId != runtime.StateExecuting {
		// cancellation drives the container itself
		return nil
	}
	node, err := findNode(definition, container.ElementId)
	if err != nil {
		return err
	}
	return engine.complete(ctx, inst, definition, container, node, nil)
}

// cancelFlowNode cancels a single flow node with its children and gives its token back.
func (engine *Engine) cancelFlowNode(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition, key int64) error {
	fni, err := engine.store.FindFlowNodeInstanceByKey(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load flow node instance %d: %w", key, err)
	}
	if fni.Terminal {
		return nil
	}
	fired, err := engine.machine.Cancel(ctx, key)
	if err != nil {
		return err
	}
	if err := engine.deleteRegistrations(ctx, inst, key); err != nil {
		return err
	}
	if fni.Preset {
		return nil
	}
	if fni.ParentContainerKey == 0 {
		remaining, err := engine.store.AddProcessInstanceTokens(ctx, inst.Key, -1)
		if err != nil {
			return fmt.Errorf("failed to release token of %s: %w", fni.ElementId, err)
		}
		if remaining == 0 {
			return engine.completeInstance(ctx, inst)
		}
		return nil
	}
	if fired {
		return engine.completeContainer(ctx, inst, definition, fni.ParentContainerKey)
	}
	return nil
}

// deleteRegistrations removes the waiting events of a flow node and everything it contains.
func (engine *Engine) deleteRegistrations(ctx context.Context, inst runtime.ProcessInstance, key int64) error {
	if err := engine.correlation.DeleteForFlowNode(ctx, key); err != nil {
		return err
	}
	children, err := engine.store.FindChildFlowNodeInstances(ctx, inst.Key, key)
	if err != nil {
		return fmt.Errorf("failed to find children of %d: %w", key, err)
	}
	var errJoin error
	for _, child := range children {
		errJoin = errors.Join(errJoin, engine.deleteRegistrations(ctx, inst, child.Key))
	}
	return errJoin
}

// failFlowNode moves the flow node to failed and fails its process instance.
func (engine *Engine) failFlowNode(ctx context.Context, inst runtime.ProcessInstance, key int64, cause error) error {
	fni, err := engine.store.FindFlowNodeInstanceByKey(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load flow node instance %d: %w", key, err)
	}
	if !fni.Terminal {
		if fni, err = engine.machine.Transition(ctx, key, statemachine.EventFail); err != nil {
			return err
		}
		if err := engine.deleteRegistrations(ctx, inst, key); err != nil {
			return err
		}
		// the failed node keeps no token, so its scope can drain while the instance is torn down
		if _, err := engine.addScopeTokens(ctx, inst, fni.ParentContainerKey, -1); err != nil {
			return fmt.Errorf("failed to release token of %s: %w", fni.ElementId, err)
		}
	}
	return engine.failInstance(ctx, inst, fmt.Errorf("flow node %s failed: %w", fni.ElementId, cause))
}
