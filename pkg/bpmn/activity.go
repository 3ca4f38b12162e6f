package bpmn

import (
	"context"
	"maps"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/bpmn/statemachine"
)

// dispatchConnector puts the task into waiting and runs its connector outside the instance lock.
// The result comes back over the notification bus.
func (engine *Engine) dispatchConnector(ctx context.Context, inst runtime.ProcessInstance, fni runtime.FlowNodeInstance, node model.FlowNode) error {
	variables, err := engine.variables(ctx, inst.Key)
	if err != nil {
		return err
	}
	inputs, err := evaluateMapping(node.Id, node.Connector.Inputs, variables)
	if err != nil {
		return err
	}
	if _, err := engine.machine.Transition(ctx, fni.Key, statemachine.EventWait); err != nil {
		return err
	}

	engine.inflight.Add(1)
	go func(ctx context.Context) {
		defer engine.inflight.Done()
		result := flowNodeResult{FlowNodeInstanceKey: fni.Key}
		topic := TopicFlowNodeCompleted
		outputs, err := engine.connectors.ExecuteByType(ctx, node.Connector.Type, inputs)
		if err == nil {
			result.Variables, err = mapOutputs(node, outputs)
		}
		if err != nil {
			topic = TopicFlowNodeFailed
			result.Error = err.Error()
			engine.logger.Warn("connector failed", "element", node.Id, "type", node.Connector.Type, "key", fni.Key, "err", err)
		}
		if err := engine.publish(ctx, topic, result); err != nil {
			engine.logger.Error("failed to publish connector result", "element", node.Id, "key", fni.Key, "err", err)
		}
	}(detach(ctx))
	return nil
}

// mapOutputs evaluates the output mapping against the connector outputs.
// Without a mapping all outputs become process variables.
func mapOutputs(node model.FlowNode, outputs map[string]any) (map[string]any, error) {
	if len(node.Connector.Outputs) == 0 {
		return maps.Clone(outputs), nil
	}
	return evaluateMapping(node.Id, node.Connector.Outputs, outputs)
}
