package statemachine

import (
	"fmt"

	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
)

type Event string

const (
	EventStart    Event = "start"
	EventWait     Event = "wait"
	EventResume   Event = "resume"
	EventComplete Event = "complete"
	EventFinish   Event = "finish"
	EventAbort    Event = "abort"
	EventCancel   Event = "cancel"
	EventFail     Event = "fail"
)

// transitionFunc computes the next state. It must not have side effects.
type transitionFunc func(fni runtime.FlowNodeInstance) (runtime.StateId, error)

type stateEvent struct {
	state runtime.StateId
	event Event
}

func to(state runtime.StateId) transitionFunc {
	return func(runtime.FlowNodeInstance) (runtime.StateId, error) {
		return state, nil
	}
}

// whenDrained only lets a container leave once no child is in flight
func whenDrained(state runtime.StateId) transitionFunc {
	return func(fni runtime.FlowNodeInstance) (runtime.StateId, error) {
		if fni.TokenCount != 0 {
			return "", fmt.Errorf("%w: %d children still in flight", ErrIllegalTransition, fni.TokenCount)
		}
		return state, nil
	}
}

var defaultTransitions = map[stateEvent]transitionFunc{
	{runtime.StateReady, EventStart}:  to(runtime.StateExecuting),
	{runtime.StateReady, EventCancel}: to(runtime.StateCancelled),
	{runtime.StateReady, EventAbort}:  to(runtime.StateAborted),

	{runtime.StateExecuting, EventWait}:     to(runtime.StateWaiting),
	{runtime.StateExecuting, EventComplete}: to(runtime.StateCompleting),
	{runtime.StateExecuting, EventFail}:     to(runtime.StateFailed),
	{runtime.StateExecuting, EventAbort}:    to(runtime.StateAborting),
	{runtime.StateExecuting, EventCancel}:   to(runtime.StateCancelling),

	{runtime.StateWaiting, EventResume}:   to(runtime.StateExecuting),
	{runtime.StateWaiting, EventComplete}: to(runtime.StateCompleting),
	{runtime.StateWaiting, EventFail}:     to(runtime.StateFailed),
	{runtime.StateWaiting, EventAbort}:    to(runtime.StateAborting),
	{runtime.StateWaiting, EventCancel}:   to(runtime.StateCancelling),

	{runtime.StateCompleting, EventFinish}: to(runtime.StateCompleted),
	{runtime.StateCompleting, EventFail}:   to(runtime.StateFailed),
	{runtime.StateCompleting, EventCancel}: to(runtime.StateCancelling),

	{runtime.StateAborting, EventFinish}:   to(runtime.StateAborted),
	{runtime.StateCancelling, EventFinish}: to(runtime.StateCancelled),
	{runtime.StateCancelling, EventCancel}: to(runtime.StateCancelling),
	{runtime.StateCancelling, EventAbort}:  to(runtime.StateCancelling),
}

var containerTransitions = map[stateEvent]transitionFunc{
	{runtime.StateExecuting, EventComplete}: whenDrained(runtime.StateCompleting),
	{runtime.StateAborting, EventFinish}:    whenDrained(runtime.StateAborted),
	{runtime.StateCancelling, EventFinish}:  whenDrained(runtime.StateCancelled),
}

// kindTransitions overrides the default table per node kind
var kindTransitions = map[runtime.NodeKind]map[stateEvent]transitionFunc{
	runtime.NodeKindSubProcess:   containerTransitions,
	runtime.NodeKindCallActivity: containerTransitions,
}

func lookupTransition(kind runtime.NodeKind, state runtime.StateId, event Event) (transitionFunc, bool) {
	key := stateEvent{state: state, event: event}
	if overrides, ok := kindTransitions[kind]; ok {
		if fn, ok := overrides[key]; ok {
			return fn, true
		}
	}
	fn, ok := defaultTransitions[key]
	return fn, ok
}

// NextState evaluates the transition table without touching storage.
func NextState(fni runtime.FlowNodeInstance, event Event) (runtime.StateId, error) {
	fn, ok := lookupTransition(fni.Kind, fni.StateId, event)
	if !ok {
		return "", newStructuralError(fni, event, ErrIllegalTransition)
	}
	next, err := fn(fni)
	if err != nil {
		return "", newStructuralError(fni, event, err)
	}
	return next, nil
}
