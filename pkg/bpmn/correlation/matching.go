package correlation

import (
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/ptr"
)

// Matches reports whether trigger can be delivered to waiting.
// Correlation slots only have to agree where both sides are set, an unset slot is a wildcard.
func Matches(trigger runtime.Trigger, waiting runtime.WaitingEvent) bool {
	if trigger.TriggerType != waiting.TriggerType || trigger.Name != waiting.Name {
		return false
	}
	if trigger.TargetProcessId != "" && trigger.TargetProcessId != waiting.BpmnProcessId {
		return false
	}
	if trigger.TargetFlowNodeId != "" && trigger.TargetFlowNodeId != waiting.ElementId {
		return false
	}
	for i := range trigger.Correlation {
		t, w := trigger.Correlation[i], waiting.Correlation[i]
		if ptr.BothSet(t, w) && *t != *w {
			return false
		}
	}
	return true
}
