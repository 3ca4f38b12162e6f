package correlation

import (
	"testing"

	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/stretchr/testify/assert"
)

func TestMatches(t *testing.T) {
	waiting := runtime.WaitingEvent{
		TriggerType:   runtime.TriggerTypeMessage,
		Name:          "payment",
		BpmnProcessId: "order",
		ElementId:     "wait-payment",
		Correlation:   runtime.NewCorrelation("order-1", "", "eu"),
	}
	tests := []struct {
		name    string
		trigger runtime.Trigger
		want    bool
	}{
		{
			name:    "all slots equal",
			trigger: runtime.Trigger{TriggerType: runtime.TriggerTypeMessage, Name: "payment", Correlation: runtime.NewCorrelation("order-1", "", "eu")},
			want:    true,
		},
		{
			name:    "trigger slot unset is a wildcard",
			trigger: runtime.Trigger{TriggerType: runtime.TriggerTypeMessage, Name: "payment", Correlation: runtime.NewCorrelation("order-1")},
			want:    true,
		},
		{
			name:    "waiting slot unset is a wildcard",
			trigger: runtime.Trigger{TriggerType: runtime.TriggerTypeMessage, Name: "payment", Correlation: runtime.NewCorrelation("order-1", "customer-9", "eu")},
			want:    true,
		},
		{
			name:    "no correlation at all",
			trigger: runtime.Trigger{TriggerType: runtime.TriggerTypeMessage, Name: "payment"},
			want:    true,
		},
		{
			name:    "differing slot",
			trigger: runtime.Trigger{TriggerType: runtime.TriggerTypeMessage, Name: "payment", Correlation: runtime.NewCorrelation("order-2")},
			want:    false,
		},
		{
			name:    "differing last slot",
			trigger: runtime.Trigger{TriggerType: runtime.TriggerTypeMessage, Name: "payment", Correlation: runtime.NewCorrelation("", "", "us")},
			want:    false,
		},
		{
			name:    "other name",
			trigger: runtime.Trigger{TriggerType: runtime.TriggerTypeMessage, Name: "refund"},
			want:    false,
		},
		{
			name:    "other type",
			trigger: runtime.Trigger{TriggerType: runtime.TriggerTypeSignal, Name: "payment"},
			want:    false,
		},
		{
			name:    "targeted at the process",
			trigger: runtime.Trigger{TriggerType: runtime.TriggerTypeMessage, Name: "payment", TargetProcessId: "order", TargetFlowNodeId: "wait-payment"},
			want:    true,
		},
		{
			name:    "targeted at another process",
			trigger: runtime.Trigger{TriggerType: runtime.TriggerTypeMessage, Name: "payment", TargetProcessId: "invoice"},
			want:    false,
		},
		{
			name:    "targeted at another flow node",
			trigger: runtime.Trigger{TriggerType: runtime.TriggerTypeMessage, Name: "payment", TargetFlowNodeId: "other"},
			want:    false,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, Matches(test.trigger, waiting))
		})
	}
}
