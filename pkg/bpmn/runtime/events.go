package runtime

import (
	"fmt"
	"strings"
	"time"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/ptr"
)

type WaitingEventKind string

const (
	WaitingEventKindStart             WaitingEventKind = "START"
	WaitingEventKindEventSubProcess   WaitingEventKind = "EVENT_SUBPROCESS"
	WaitingEventKindIntermediateCatch WaitingEventKind = "INTERMEDIATE_CATCH"
	WaitingEventKindBoundary          WaitingEventKind = "BOUNDARY"
)

type TriggerType string

const (
	TriggerTypeMessage TriggerType = "MESSAGE"
	TriggerTypeSignal  TriggerType = "SIGNAL"
)

// Correlation holds the correlation slots of a trigger or a waiting event, nil slots are unset.
type Correlation [model.MaxCorrelationKeys]*string

// NewCorrelation fills the slots in order, empty strings leave a slot unset.
func NewCorrelation(values ...string) Correlation {
	var c Correlation
	for i, v := range values {
		if i >= len(c) {
			break
		}
		if v != "" {
			c[i] = ptr.To(v)
		}
	}
	return c
}

// Clone copies the slot values, the copy shares no pointers with c.
func (c Correlation) Clone() Correlation {
	var res Correlation
	for i, s := range c {
		res[i] = ptr.Clone(s)
	}
	return res
}

func (c Correlation) String() string {
	parts := make([]string, len(c))
	for i, s := range c {
		parts[i] = ptr.Deref(s, "*")
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// WaitingEvent registers that a process instance, or a pending start, is blocked on a message or signal.
// Which container keys are populated depends on Kind:
// START only ProcessDefinitionKey, EVENT_SUBPROCESS adds the instance keys,
// INTERMEDIATE_CATCH and BOUNDARY also FlowNodeInstanceKey.
type WaitingEvent struct {
	Key                    int64            `json:"k"`
	Kind                   WaitingEventKind `json:"kd"`
	TriggerType            TriggerType      `json:"tt"`
	Name                   string           `json:"n"`
	BpmnProcessId          string           `json:"pid"`
	ProcessDefinitionKey   int64            `json:"pdk"`
	ProcessInstanceKey     int64            `json:"pik,omitempty"`
	RootProcessInstanceKey int64            `json:"rk,omitempty"`
	FlowNodeInstanceKey    int64            `json:"fk,omitempty"`
	ElementId              string           `json:"e"`
	Correlation            Correlation      `json:"cr"`
	Locked                 bool             `json:"l"`
	CreatedAt              time.Time        `json:"c"`
}

func (w WaitingEvent) GetKey() int64 {
	return w.Key
}

func (w WaitingEvent) String() string {
	return fmt.Sprintf("waiting event %d (%s %s %q %s)", w.Key, w.Kind, w.TriggerType, w.Name, w.Correlation)
}

// Trigger is a produced message or signal searching for a matching waiting event.
// TargetProcessId and TargetFlowNodeId narrow delivery when set.
type Trigger struct {
	Key              int64          `json:"k"`
	TriggerType      TriggerType    `json:"tt"`
	Name             string         `json:"n"`
	TargetProcessId  string         `json:"tp,omitempty"`
	TargetFlowNodeId string         `json:"tf,omitempty"`
	Correlation      Correlation    `json:"cr"`
	Variables        map[string]any `json:"v,omitempty"`
	Locked           bool           `json:"l"`
	Handled          bool           `json:"h"`
	CreatedAt        time.Time      `json:"c"`
	ExpiresAt        *time.Time     `json:"x,omitempty"`
}

func (t Trigger) GetKey() int64 {
	return t.Key
}

func (t Trigger) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

func (t Trigger) String() string {
	return fmt.Sprintf("trigger %d (%s %q %s)", t.Key, t.TriggerType, t.Name, t.Correlation)
}
