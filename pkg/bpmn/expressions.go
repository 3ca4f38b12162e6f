package bpmn

import (
	"fmt"
	"strings"

	"github.com/pbinitiative/feel"
	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
)

func isExpression(expression string) bool {
	return strings.HasPrefix(strings.TrimSpace(expression), "=")
}

// evaluateExpression evaluates FEEL expressions prefixed with '=', anything else is a constant.
func evaluateExpression(expression string, variableContext map[string]any) (any, error) {
	expression = strings.TrimSpace(expression)
	if !strings.HasPrefix(expression, "=") {
		return expression, nil
	}
	expression = strings.TrimPrefix(expression, "=")
	if variableContext == nil {
		variableContext = map[string]any{}
	}
	res, err := feel.EvalStringWithScope(expression, variableContext)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %s: %w", expression, err)
	}
	return res, nil
}

// evaluateMapping evaluates every expression of mapping and returns the results by target name.
func evaluateMapping(elementId string, mapping map[string]string, variableContext map[string]any) (map[string]any, error) {
	res := make(map[string]any, len(mapping))
	for name, expression := range mapping {
		value, err := evaluateExpression(expression, variableContext)
		if err != nil {
			return nil, &ExpressionEvaluationError{
				Msg: fmt.Sprintf("failed to map %s of element %s", name, elementId),
				Err: err,
			}
		}
		res[name] = value
	}
	return res, nil
}

// evaluateCorrelation fills the correlation slots of an event from the variables.
// Slots that evaluate to nil stay wildcards.
func evaluateCorrelation(node model.FlowNode, variableContext map[string]any) (runtime.Correlation, error) {
	var values []string
	if node.Event != nil {
		values = make([]string, len(node.Event.Correlation))
		for i, expression := range node.Event.Correlation {
			value, err := evaluateExpression(expression, variableContext)
			if err != nil {
				return runtime.Correlation{}, &ExpressionEvaluationError{
					Msg: fmt.Sprintf("failed to evaluate correlation key %d of %s", i, node.Id),
					Err: err,
				}
			}
			if value != nil {
				values[i] = fmt.Sprint(value)
			}
		}
	}
	return runtime.NewCorrelation(values...), nil
}

// constantCorrelation keeps only the constant slots, used where no variables exist yet.
func constantCorrelation(node model.FlowNode) runtime.Correlation {
	var values []string
	if node.Event != nil {
		values = make([]string, len(node.Event.Correlation))
		for i, expression := range node.Event.Correlation {
			if !isExpression(expression) {
				values[i] = strings.TrimSpace(expression)
			}
		}
	}
	return runtime.NewCorrelation(values...)
}
