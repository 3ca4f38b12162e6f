package bpmn

import (
	"context"
	"errors"
	"fmt"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/bpmn/statemachine"
	"github.com/pbinitiative/zenflow/pkg/storage"
)

// executeCallActivity starts the latest version of the called process. The call activity holds
// one token per called instance and completes once it is released.
func (engine *Engine) executeCallActivity(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition, fni runtime.FlowNodeInstance, node model.FlowNode) error {
	active, err := engine.activate(ctx, inst, definition, fni, node)
	if err != nil || !active {
		return err
	}
	latest, err := engine.store.FindLatestProcessDefinitionById(ctx, node.CalledProcessId)
	if errors.Is(err, storage.ErrNotFound) {
		return wrapEngineErrorf(err, "call activity %s references unknown process %s", node.Id, node.CalledProcessId)
	}
	if err != nil {
		return fmt.Errorf("failed to find called process %s: %w", node.CalledProcessId, err)
	}
	called, err := engine.definition(ctx, latest.Key)
	if err != nil {
		return err
	}
	starts := noneStartNodes(*called, "")
	if len(starts) == 0 {
		return newEngineErrorf("called process %s has no none start event", called.BpmnProcessId)
	}
	variables, err := engine.variables(ctx, inst.Key)
	if err != nil {
		return err
	}
	if _, err := engine.machine.AddToken(ctx, fni.Key, 1); err != nil {
		return err
	}
	child, err := engine.startInstance(ctx, called, variables, starts, &callerRef{instance: inst, activity: fni})
	if err != nil {
		return fmt.Errorf("failed to start %s from call activity %s: %w", called.BpmnProcessId, node.Id, err)
	}
	engine.logger.Debug("called process started", "element", node.Id, "called", called.BpmnProcessId, "child", child.Key)
	return nil
}

// returnToCaller copies the variables of a completed called instance into its caller
// and releases the token it held on the call activity.
func (engine *Engine) returnToCaller(ctx context.Context, child runtime.ProcessInstance) error {
	parent, err := engine.store.FindProcessInstanceByKey(ctx, child.ParentProcessInstanceKey)
	if err != nil {
		return fmt.Errorf("failed to load calling instance %d: %w", child.ParentProcessInstanceKey, err)
	}
	if parent.State != runtime.ProcessInstanceStateActive {
		return nil
	}
	if err := engine.mergeVariables(ctx, parent.Key, child.Variables); err != nil {
		return err
	}
	fired, err := engine.machine.Hit(ctx, child.ParentFlowNodeInstanceKey, statemachine.Child{Key: child.Key, ElementId: child.BpmnProcessId})
	if err != nil || !fired {
		return err
	}
	definition, err := engine.definition(ctx, parent.ProcessDefinitionKey)
	if err != nil {
		return err
	}
	return engine.completeContainer(ctx, parent, definition, child.ParentFlowNodeInstanceKey)
}
