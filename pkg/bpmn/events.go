package bpmn

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/pbinitiative/zenflow/pkg/bpmn/correlation"
	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/bpmn/statemachine"
)

// resume is called by the correlation engine with both records locked.
func (engine *Engine) resume(ctx context.Context, waiting runtime.WaitingEvent, trigger runtime.Trigger) error {
	if waiting.Kind == runtime.WaitingEventKindStart {
		definition, err := engine.definition(ctx, waiting.ProcessDefinitionKey)
		if err != nil {
			return err
		}
		node, err := findNode(definition, waiting.ElementId)
		if err != nil {
			return err
		}
		inst, err := engine.startInstance(ctx, definition, trigger.Variables, []model.FlowNode{node}, nil)
		if err != nil {
			return err
		}
		engine.logger.Debug("process instance started by trigger", "trigger", trigger.String(), "instance", inst.Key)
		return nil
	}
	return engine.withInstance(ctx, waiting.ProcessInstanceKey, func(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition) error {
		node, err := findNode(definition, waiting.ElementId)
		if err != nil {
			return err
		}
		return engine.deliverEvent(ctx, inst, definition, node, waiting.FlowNodeInstanceKey, trigger.Variables)
	})
}

// deliverEvent reacts to a message, signal or timer. ownerKey is the flow node instance the event
// was registered for: the catch event, the activity of a boundary event or the scope of an event sub process.
func (engine *Engine) deliverEvent(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition, node model.FlowNode, ownerKey int64, variables map[string]any) error {
	if inst.State != runtime.ProcessInstanceStateActive {
		return fmt.Errorf("process instance %d is %s: %w", inst.Key, inst.State, ErrInstanceNotActive)
	}
	switch node.Type {
	case model.ElementTypeIntermediateCatchEvent:
		fni, err := engine.store.FindFlowNodeInstanceByKey(ctx, ownerKey)
		if err != nil {
			return fmt.Errorf("failed to load catch event %d: %w", ownerKey, err)
		}
		if fni.StateId != runtime.StateWaiting {
			return fmt.Errorf("catch event %s (%d) is %s: %w", fni.ElementId, fni.Key, fni.StateId, ErrFlowNodeNotActive)
		}
		if fni, err = engine.machine.Transition(ctx, fni.Key, statemachine.EventResume); err != nil {
			return err
		}
		return engine.complete(ctx, inst, definition, fni, node, variables)
	case model.ElementTypeBoundaryEvent:
		activity, err := engine.store.FindFlowNodeInstanceByKey(ctx, ownerKey)
		if err != nil {
			return fmt.Errorf("failed to load activity %d: %w", ownerKey, err)
		}
		if activity.Terminal {
			return fmt.Errorf("activity %s (%d) is %s: %w", activity.ElementId, activity.Key, activity.StateId, ErrFlowNodeNotActive)
		}
		return engine.triggerBoundary(ctx, inst, definition, activity, node, variables)
	case model.ElementTypeStartEvent:
		esp, err := findNode(definition, node.Container)
		if err != nil {
			return err
		}
		if ownerKey != 0 {
			scope, err := engine.store.FindFlowNodeInstanceByKey(ctx, ownerKey)
			if err != nil {
				return fmt.Errorf("failed to load scope %d: %w", ownerKey, err)
			}
			if scope.Terminal {
				return fmt.Errorf("scope %s (%d) is %s: %w", scope.ElementId, scope.Key, scope.StateId, ErrFlowNodeNotActive)
			}
		}
		return engine.triggerEventSubProcess(ctx, inst, definition, ownerKey, esp, node, variables)
	}
	return newEngineErrorf("element %s of type %s does not wait for events", node.Id, node.Type)
}

func (engine *Engine) triggerBoundary(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition, activity runtime.FlowNodeInstance, node model.FlowNode, variables map[string]any) error {
	boundary, err := engine.createFlowNode(ctx, inst, node, activity.ParentContainerKey)
	if err != nil {
		return err
	}
	if boundary, err = engine.machine.Transition(ctx, boundary.Key, statemachine.EventStart); err != nil {
		return err
	}
	if node.Event != nil && node.Event.Interrupting {
		if err := engine.cancelFlowNode(ctx, inst, definition, activity.Key); err != nil {
			return err
		}
	} else if !node.HasEvent(model.EventDefinitionTimer) {
		if err := engine.registerBoundaryEvent(ctx, inst, activity, node); err != nil {
			return err
		}
	}
	engine.logger.Debug("boundary event triggered", "element", node.Id, "activity", activity.ElementId, "instance", inst.Key)
	return engine.complete(ctx, inst, definition, boundary, node, variables)
}

func (engine *Engine) triggerEventSubProcess(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition, scopeKey int64, esp model.FlowNode, start model.FlowNode, variables map[string]any) error {
	espFni, err := engine.createFlowNode(ctx, inst, esp, scopeKey)
	if err != nil {
		return err
	}
	if espFni, err = engine.machine.Transition(ctx, espFni.Key, statemachine.EventStart); err != nil {
		return err
	}
	if start.Event != nil && start.Event.Interrupting {
		if err := engine.interruptScope(ctx, inst, definition, scopeKey, espFni.Key); err != nil {
			return err
		}
	} else if !start.HasEvent(model.EventDefinitionTimer) {
		if err := engine.registerEventSubProcessStart(ctx, inst, scopeKey, start); err != nil {
			return err
		}
	}
	if err := engine.registerEventSubProcesses(ctx, inst, definition, espFni.Key, esp.Id); err != nil {
		return err
	}
	startFni, err := engine.createFlowNode(ctx, inst, start, espFni.Key)
	if err != nil {
		return err
	}
	if startFni, err = engine.machine.Transition(ctx, startFni.Key, statemachine.EventStart); err != nil {
		return err
	}
	engine.logger.Debug("event sub process triggered", "element", esp.Id, "instance", inst.Key, "scope", scopeKey)
	return engine.complete(ctx, inst, definition, startFni, start, variables)
}

// interruptScope cancels everything in the scope except the triggered event sub process
// and drops the other event sub process registrations of the scope.
func (engine *Engine) interruptScope(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition, scopeKey int64, keep int64) error {
	siblings, err := engine.store.FindChildFlowNodeInstances(ctx, inst.Key, scopeKey)
	if err != nil {
		return fmt.Errorf("failed to find flow nodes of scope %d: %w", scopeKey, err)
	}
	var errJoin error
	for _, sibling := range siblings {
		if sibling.Terminal || sibling.Key == keep {
			continue
		}
		errJoin = errors.Join(errJoin, engine.cancelFlowNode(ctx, inst, definition, sibling.Key))
	}
	registrations, err := engine.store.FindProcessInstanceWaitingEvents(ctx, inst.Key)
	if err != nil {
		return errors.Join(errJoin, fmt.Errorf("failed to find waiting events of %d: %w", inst.Key, err))
	}
	for _, w := range registrations {
		if w.Kind == runtime.WaitingEventKindEventSubProcess && w.FlowNodeInstanceKey == scopeKey {
			errJoin = errors.Join(errJoin, engine.store.DeleteWaitingEvent(ctx, w.Key))
		}
	}
	return errJoin
}

// registerBoundaryEvents arms the boundary events of an activity that became executing.
func (engine *Engine) registerBoundaryEvents(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition, activity runtime.FlowNodeInstance, node model.FlowNode) error {
	for _, boundary := range definition.BoundaryEvents(node.Id) {
		var err error
		if boundary.HasEvent(model.EventDefinitionTimer) {
			err = engine.scheduleTimer(ctx, inst, activity.Key, boundary)
		} else {
			err = engine.registerBoundaryEvent(ctx, inst, activity, boundary)
		}
		if err != nil {
			return err
		}
		// a pending message may have interrupted the activity already
		current, err := engine.store.FindFlowNodeInstanceByKey(ctx, activity.Key)
		if err != nil {
			return err
		}
		if current.Terminal {
			return nil
		}
	}
	return nil
}

func (engine *Engine) registerBoundaryEvent(ctx context.Context, inst runtime.ProcessInstance, activity runtime.FlowNodeInstance, node model.FlowNode) error {
	corr, err := engine.correlationOf(ctx, inst, node)
	if err != nil {
		return err
	}
	_, _, err = engine.correlation.RegisterWaitingEvent(ctx, correlation.NewBoundaryWaitingEvent(inst, activity, node, corr))
	return err
}

func (engine *Engine) registerCatchEvent(ctx context.Context, inst runtime.ProcessInstance, fni runtime.FlowNodeInstance, node model.FlowNode) error {
	corr, err := engine.correlationOf(ctx, inst, node)
	if err != nil {
		return err
	}
	_, _, err = engine.correlation.RegisterWaitingEvent(ctx, correlation.NewIntermediateCatchWaitingEvent(inst, fni, node, corr))
	return err
}

// registerEventSubProcesses arms the start events of the event sub processes declared in container.
// scopeKey is the flow node instance of the container, 0 on process level.
func (engine *Engine) registerEventSubProcesses(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition, scopeKey int64, container string) error {
	for _, esp := range definition.EventSubProcesses(container) {
		for _, start := range definition.StartEvents(esp.Id) {
			var err error
			switch {
			case start.HasEvent(model.EventDefinitionTimer):
				err = engine.scheduleTimer(ctx, inst, scopeKey, start)
			case start.HasEvent(model.EventDefinitionMessage), start.HasEvent(model.EventDefinitionSignal):
				err = engine.registerEventSubProcessStart(ctx, inst, scopeKey, start)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (engine *Engine) registerEventSubProcessStart(ctx context.Context, inst runtime.ProcessInstance, scopeKey int64, start model.FlowNode) error {
	corr, err := engine.correlationOf(ctx, inst, start)
	if err != nil {
		return err
	}
	_, _, err = engine.correlation.RegisterWaitingEvent(ctx, correlation.NewEventSubProcessWaitingEvent(inst, scopeKey, start, corr))
	return err
}

func (engine *Engine) correlationOf(ctx context.Context, inst runtime.ProcessInstance, node model.FlowNode) (runtime.Correlation, error) {
	variables, err := engine.variables(ctx, inst.Key)
	if err != nil {
		return runtime.Correlation{}, err
	}
	return evaluateCorrelation(node, variables)
}

// throwFromProcess publishes the message or signal of a throw event. Delivery happens on the bus
// so that the throwing instance never waits for the lock of another instance.
func (engine *Engine) throwFromProcess(ctx context.Context, inst runtime.ProcessInstance, node model.FlowNode) error {
	if node.Event == nil || node.Event.Type == model.EventDefinitionNone {
		return nil
	}
	variables, err := engine.variables(ctx, inst.Key)
	if err != nil {
		return err
	}
	corr, err := evaluateCorrelation(node, variables)
	if err != nil {
		return err
	}
	triggerType := runtime.TriggerTypeMessage
	if node.HasEvent(model.EventDefinitionSignal) {
		triggerType = runtime.TriggerTypeSignal
	}
	trigger := runtime.Trigger{
		Key:         engine.store.GenerateId(),
		TriggerType: triggerType,
		Name:        node.Event.Name,
		Correlation: corr,
		Variables:   maps.Clone(variables),
		CreatedAt:   engine.now(),
	}
	return engine.publish(ctx, TopicTriggerThrown, trigger)
}

// ThrowMessage delivers a message to one matching waiting event. Without a match the message stays
// pending until it expires.
func (engine *Engine) ThrowMessage(ctx context.Context, trigger runtime.Trigger) (int, error) {
	trigger.TriggerType = runtime.TriggerTypeMessage
	return engine.throw(ctx, trigger)
}

// ThrowSignal delivers a signal to every matching waiting event.
func (engine *Engine) ThrowSignal(ctx context.Context, trigger runtime.Trigger) (int, error) {
	trigger.TriggerType = runtime.TriggerTypeSignal
	return engine.throw(ctx, trigger)
}

func (engine *Engine) throw(ctx context.Context, trigger runtime.Trigger) (int, error) {
	if trigger.Name == "" {
		return 0, newEngineErrorf("%s trigger without a name", trigger.TriggerType)
	}
	if trigger.Key == 0 {
		trigger.Key = engine.store.GenerateId()
	}
	if trigger.CreatedAt.IsZero() {
		trigger.CreatedAt = engine.now()
	}
	var delivered int
	err := engine.retryOnConflict(ctx, func(ctx context.Context) error {
		var err error
		delivered, err = engine.correlation.MatchTrigger(ctx, trigger)
		return err
	})
	if err != nil {
		return delivered, fmt.Errorf("failed to deliver %s: %w", trigger, err)
	}
	return delivered, nil
}

// ExpireTriggers removes pending messages whose expiry passed.
func (engine *Engine) ExpireTriggers(ctx context.Context) error {
	return engine.correlation.ExpireTriggers(ctx, engine.now())
}
