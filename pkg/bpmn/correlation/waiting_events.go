package correlation

import (
	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
)

func triggerTypeOf(node model.FlowNode) runtime.TriggerType {
	if node.HasEvent(model.EventDefinitionSignal) {
		return runtime.TriggerTypeSignal
	}
	return runtime.TriggerTypeMessage
}

func eventName(node model.FlowNode) string {
	if node.Event == nil {
		return ""
	}
	return node.Event.Name
}

// NewStartWaitingEvent registers a start event of a deployed definition, it is not bound to an instance.
func NewStartWaitingEvent(definition model.ProcessDefinition, node model.FlowNode) runtime.WaitingEvent {
	return runtime.WaitingEvent{
		Kind:                 runtime.WaitingEventKindStart,
		TriggerType:          triggerTypeOf(node),
		Name:                 eventName(node),
		BpmnProcessId:        definition.BpmnProcessId,
		ProcessDefinitionKey: definition.Key,
		ElementId:            node.Id,
	}
}

// NewEventSubProcessWaitingEvent registers the start event of an event sub process within a running instance.
// flowNodeInstanceKey is the enclosing container, 0 at process level.
func NewEventSubProcessWaitingEvent(instance runtime.ProcessInstance, flowNodeInstanceKey int64, node model.FlowNode, correlation runtime.Correlation) runtime.WaitingEvent {
	return runtime.WaitingEvent{
		Kind:                   runtime.WaitingEventKindEventSubProcess,
		TriggerType:            triggerTypeOf(node),
		Name:                   eventName(node),
		BpmnProcessId:          instance.BpmnProcessId,
		ProcessDefinitionKey:   instance.ProcessDefinitionKey,
		ProcessInstanceKey:     instance.Key,
		RootProcessInstanceKey: instance.RootProcessInstanceKey,
		FlowNodeInstanceKey:    flowNodeInstanceKey,
		ElementId:              node.Id,
		Correlation:            correlation,
	}
}

func NewIntermediateCatchWaitingEvent(instance runtime.ProcessInstance, catchEvent runtime.FlowNodeInstance, node model.FlowNode, correlation runtime.Correlation) runtime.WaitingEvent {
	return runtime.WaitingEvent{
		Kind:                   runtime.WaitingEventKindIntermediateCatch,
		TriggerType:            triggerTypeOf(node),
		Name:                   eventName(node),
		BpmnProcessId:          instance.BpmnProcessId,
		ProcessDefinitionKey:   instance.ProcessDefinitionKey,
		ProcessInstanceKey:     instance.Key,
		RootProcessInstanceKey: instance.RootProcessInstanceKey,
		FlowNodeInstanceKey:    catchEvent.Key,
		ElementId:              node.Id,
		Correlation:            correlation,
	}
}

// NewBoundaryWaitingEvent registers a boundary event on the activity instance it is attached to.
func NewBoundaryWaitingEvent(instance runtime.ProcessInstance, activity runtime.FlowNodeInstance, node model.FlowNode, correlation runtime.Correlation) runtime.WaitingEvent {
	return runtime.WaitingEvent{
		Kind:                   runtime.WaitingEventKindBoundary,
		TriggerType:            triggerTypeOf(node),
		Name:                   eventName(node),
		BpmnProcessId:          instance.BpmnProcessId,
		ProcessDefinitionKey:   instance.ProcessDefinitionKey,
		ProcessInstanceKey:     instance.Key,
		RootProcessInstanceKey: instance.RootProcessInstanceKey,
		FlowNodeInstanceKey:    activity.Key,
		ElementId:              node.Id,
		Correlation:            correlation,
	}
}
