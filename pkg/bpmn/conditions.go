// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"fmt"
	"strings"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
)

// selectOutgoingFlows returns the sequence flows a token leaving node follows.
func selectOutgoingFlows(definition *model.ProcessDefinition, node model.FlowNode, variableContext map[string]any) ([]model.SequenceFlow, error) {
	flows := definition.OutgoingFlows(node.Id)
	if len(flows) == 0 || !node.IsGateway() {
		return flows, nil
	}
	switch node.Gateway.Type {
	case model.GatewayTypeParallel:
		return flows, nil
	case model.GatewayTypeInclusive:
		return inclusivelyFilterByConditionExpression(node, flows, variableContext)
	default:
		return exclusivelyFilterByConditionExpression(node, flows, variableContext)
	}
}

func splitDefaultFlow(node model.FlowNode, flows []model.SequenceFlow) ([]model.SequenceFlow, *model.SequenceFlow) {
	if node.Gateway.DefaultFlow == "" {
		return flows, nil
	}
	rest := make([]model.SequenceFlow, 0, len(flows))
	var defaultFlow *model.SequenceFlow
	for _, flow := range flows {
		if flow.Id == node.Gateway.DefaultFlow {
			defaultFlow = &flow
			continue
		}
		rest = append(rest, flow)
	}
	return rest, defaultFlow
}

func evaluateCondition(flow model.SequenceFlow, variableContext map[string]any) (bool, error) {
	out, err := evaluateExpression(flow.GetConditionExpression(), variableContext)
	if err != nil {
		return false, &ExpressionEvaluationError{
			Msg: fmt.Sprintf("Error evaluating expression in flow element id='%s' name='%s'", flow.Id, flow.Name),
			Err: err,
		}
	}
	return out == true, nil
}

// exclusivelyFilterByConditionExpression takes the first flow whose condition holds, the default flow
// when none does. Without a default flow that is an error.
func exclusivelyFilterByConditionExpression(node model.FlowNode, flows []model.SequenceFlow, variableContext map[string]any) ([]model.SequenceFlow, error) {
	flows, defaultFlow := splitDefaultFlow(node, flows)
	flowIds := strings.Builder{}
	for _, flow := range flows {
		if flow.GetConditionExpression() == "" {
			// one unconditional flow is enough to proceed further
			if len(flows) == 1 {
				return []model.SequenceFlow{flow}, nil
			}
			continue
		}
		flowIds.WriteString(fmt.Sprintf("[id='%s',name='%s']", flow.Id, flow.Name))
		ok, err := evaluateCondition(flow, variableContext)
		if err != nil {
			return nil, err
		}
		if ok {
			return []model.SequenceFlow{flow}, nil
		}
	}
	if defaultFlow == nil {
		return nil, &ExpressionEvaluationError{
			Msg: fmt.Sprintf("No default flow, nor matching expressions found, for flow elements: %s", flowIds.String()),
		}
	}
	return []model.SequenceFlow{*defaultFlow}, nil
}

// inclusivelyFilterByConditionExpression takes every flow whose condition holds, from zero to all,
// and the default flow when none does.
func inclusivelyFilterByConditionExpression(node model.FlowNode, flows []model.SequenceFlow, variableContext map[string]any) ([]model.SequenceFlow, error) {
	flows, defaultFlow := splitDefaultFlow(node, flows)
	var ret []model.SequenceFlow
	for _, flow := range flows {
		if flow.GetConditionExpression() == "" {
			ret = append(ret, flow)
			continue
		}
		ok, err := evaluateCondition(flow, variableContext)
		if err != nil {
			return nil, err
		}
		if ok {
			ret = append(ret, flow)
		}
	}
	if len(ret) == 0 {
		if defaultFlow == nil {
			return nil, &ExpressionEvaluationError{
				Msg: fmt.Sprintf("No default flow, nor matching expressions found for gateway: %s", node.Id),
			}
		}
		ret = append(ret, *defaultFlow)
	}
	return ret, nil
}
