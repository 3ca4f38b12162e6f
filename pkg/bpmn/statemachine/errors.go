package statemachine

import (
	"errors"
	"fmt"

	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
)

var (
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrHitNotAllowed     = errors.New("hit not allowed")
	ErrFlowNodeNotFound  = errors.New("flow node instance not found")
)

// StructuralError reports a request the process graph or the node lifecycle does not allow.
// These are not retried.
type StructuralError struct {
	FlowNodeInstanceKey int64
	ElementId           string
	Kind                runtime.NodeKind
	State               runtime.StateId
	Event               Event
	Err                 error
}

func (e *StructuralError) Error() string {
	if e.Event != "" {
		return fmt.Sprintf("flow node %s (%d, %s) in state %s on %s: %v", e.ElementId, e.FlowNodeInstanceKey, e.Kind, e.State, e.Event, e.Err)
	}
	return fmt.Sprintf("flow node %s (%d, %s) in state %s: %v", e.ElementId, e.FlowNodeInstanceKey, e.Kind, e.State, e.Err)
}

func (e *StructuralError) Unwrap() error {
	return e.Err
}

func newStructuralError(fni runtime.FlowNodeInstance, event Event, err error) *StructuralError {
	return &StructuralError{
		FlowNodeInstanceKey: fni.Key,
		ElementId:           fni.ElementId,
		Kind:                fni.Kind,
		State:               fni.StateId,
		Event:               event,
		Err:                 err,
	}
}

// IsStructural reports whether err is caused by the graph or lifecycle rather than by the environment.
func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}
