// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package runtime

import (
	"maps"
	"time"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
)

type ProcessInstanceState string

const (
	ProcessInstanceStateReady      ProcessInstanceState = "READY"
	ProcessInstanceStateActive     ProcessInstanceState = "ACTIVE"
	ProcessInstanceStateCompleted  ProcessInstanceState = "COMPLETED"
	ProcessInstanceStateCancelling ProcessInstanceState = "CANCELLING"
	ProcessInstanceStateCancelled  ProcessInstanceState = "CANCELLED"
	ProcessInstanceStateFailed     ProcessInstanceState = "FAILED"
)

func (s ProcessInstanceState) IsTerminal() bool {
	return s == ProcessInstanceStateCompleted || s == ProcessInstanceStateCancelled || s == ProcessInstanceStateFailed
}

// ProcessInstance is one execution of a ProcessDefinition.
// ActiveTokens counts the branches in flight on process level, the instance completes when it drops to 0.
type ProcessInstance struct {
	Key                       int64                `json:"k"`
	ProcessDefinitionKey      int64                `json:"pdk"`
	BpmnProcessId             string               `json:"pid"`
	RootProcessInstanceKey    int64                `json:"rk"`
	ParentProcessInstanceKey  int64                `json:"pk,omitempty"`
	ParentFlowNodeInstanceKey int64                `json:"pfk,omitempty"`
	State                     ProcessInstanceState `json:"s"`
	Variables                 map[string]any       `json:"v,omitempty"`
	ActiveTokens              int                  `json:"t"`
	CreatedAt                 time.Time            `json:"c"`
	EndedAt                   *time.Time           `json:"e,omitempty"`
}

func (pi *ProcessInstance) GetVariable(key string) any {
	return pi.Variables[key]
}

func (pi *ProcessInstance) SetVariable(key string, value any) {
	if pi.Variables == nil {
		pi.Variables = map[string]any{}
	}
	pi.Variables[key] = value
}

func (pi *ProcessInstance) SetVariables(variables map[string]any) {
	if pi.Variables == nil {
		pi.Variables = make(map[string]any, len(variables))
	}
	maps.Copy(pi.Variables, variables)
}

// NodeKind selects the state machine behaviour of a flow node instance.
type NodeKind string

const (
	NodeKindStartEvent       NodeKind = "START_EVENT"
	NodeKindEndEvent         NodeKind = "END_EVENT"
	NodeKindTask             NodeKind = "TASK"
	NodeKindExclusiveGateway NodeKind = "EXCLUSIVE_GATEWAY"
	NodeKindParallelGateway  NodeKind = "PARALLEL_GATEWAY"
	NodeKindInclusiveGateway NodeKind = "INCLUSIVE_GATEWAY"
	NodeKindCatchEvent       NodeKind = "CATCH_EVENT"
	NodeKindThrowEvent       NodeKind = "THROW_EVENT"
	NodeKindBoundaryEvent    NodeKind = "BOUNDARY_EVENT"
	NodeKindSubProcess       NodeKind = "SUB_PROCESS"
	NodeKindCallActivity     NodeKind = "CALL_ACTIVITY"
)

// KindOf maps a definition element onto its runtime kind.
func KindOf(node model.FlowNode) NodeKind {
	switch node.Type {
	case model.ElementTypeStartEvent:
		return NodeKindStartEvent
	case model.ElementTypeEndEvent:
		return NodeKindEndEvent
	case model.ElementTypeGateway:
		if node.Gateway == nil {
			return NodeKindExclusiveGateway
		}
		switch node.Gateway.Type {
		case model.GatewayTypeParallel:
			return NodeKindParallelGateway
		case model.GatewayTypeInclusive:
			return NodeKindInclusiveGateway
		default:
			return NodeKindExclusiveGateway
		}
	case model.ElementTypeIntermediateCatchEvent:
		return NodeKindCatchEvent
	case model.ElementTypeIntermediateThrowEvent:
		return NodeKindThrowEvent
	case model.ElementTypeBoundaryEvent:
		return NodeKindBoundaryEvent
	case model.ElementTypeSubProcess, model.ElementTypeEventSubProcess:
		return NodeKindSubProcess
	case model.ElementTypeCallActivity:
		return NodeKindCallActivity
	default:
		return NodeKindTask
	}
}

func (k NodeKind) IsJoin() bool {
	return k == NodeKindParallelGateway || k == NodeKindInclusiveGateway
}

func (k NodeKind) IsGateway() bool {
	return k == NodeKindExclusiveGateway || k.IsJoin()
}

func (k NodeKind) IsContainer() bool {
	return k == NodeKindSubProcess || k == NodeKindCallActivity
}

// StateId is the state of a flow node instance, only the state machine changes it.
type StateId string

const (
	StateReady      StateId = "READY"
	StateExecuting  StateId = "EXECUTING"
	StateWaiting    StateId = "WAITING"
	StateCompleting StateId = "COMPLETING"
	StateCompleted  StateId = "COMPLETED"
	StateAborting   StateId = "ABORTING"
	StateAborted    StateId = "ABORTED"
	StateCancelling StateId = "CANCELLING"
	StateCancelled  StateId = "CANCELLED"
	StateFailed     StateId = "FAILED"
)

func (s StateId) IsTerminal() bool {
	switch s {
	case StateCompleted, StateAborted, StateCancelled, StateFailed:
		return true
	}
	return false
}

// FlowNodeInstance is one executing node.
// ParentContainerKey points to the sub process / call activity instance containing it, 0 on process level.
// For joins TokenCount counts the arrived branches, for containers the branches still in flight.
// Preset marks a join created ahead of its branches, it holds no scope token until the first one arrives.
type FlowNodeInstance struct {
	Key                  int64      `json:"k"`
	ElementId            string     `json:"e"`
	Kind                 NodeKind   `json:"kd"`
	StateId              StateId    `json:"s"`
	TokenCount           int        `json:"t"`
	ExpectedTokens       int        `json:"et,omitempty"`
	HitBy                []string   `json:"hb,omitempty"`
	Preset               bool       `json:"ps,omitempty"`
	ProcessInstanceKey   int64      `json:"pik"`
	ProcessDefinitionKey int64      `json:"pdk"`
	ParentContainerKey   int64      `json:"pck,omitempty"`
	Terminal             bool       `json:"tr"`
	CreatedAt            time.Time  `json:"c"`
	ArchivedAt           *time.Time `json:"a,omitempty"`
}

func (fni FlowNodeInstance) GetKey() int64 {
	return fni.Key
}

func (fni FlowNodeInstance) GetState() StateId {
	return fni.StateId
}
