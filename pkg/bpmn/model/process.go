// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package model

import (
	"errors"
	"fmt"
)

var ErrInvalidDefinition = errors.New("invalid process definition")

// ProcessDefinition is the immutable graph of one process version.
// Lookups scan the slices so that copies of the definition can be shared across goroutines.
type ProcessDefinition struct {
	BpmnProcessId string         `yaml:"id" json:"id"`
	Name          string         `yaml:"name,omitempty" json:"name,omitempty"`
	Version       int32          `yaml:"-" json:"version"`
	Key           int64          `yaml:"-" json:"key"`
	FlowNodes     []FlowNode     `yaml:"flowNodes" json:"flowNodes"`
	SequenceFlows []SequenceFlow `yaml:"sequenceFlows" json:"sequenceFlows"`
}

func (p *ProcessDefinition) FindFlowNode(id string) (FlowNode, bool) {
	for _, n := range p.FlowNodes {
		if n.Id == id {
			return n, true
		}
	}
	return FlowNode{}, false
}

func (p *ProcessDefinition) FindSequenceFlow(id string) (SequenceFlow, bool) {
	for _, f := range p.SequenceFlows {
		if f.Id == id {
			return f, true
		}
	}
	return SequenceFlow{}, false
}

// OutgoingFlows returns flows leaving the element in declaration order.
func (p *ProcessDefinition) OutgoingFlows(elementId string) []SequenceFlow {
	res := make([]SequenceFlow, 0, 2)
	for _, f := range p.SequenceFlows {
		if f.SourceRef == elementId {
			res = append(res, f)
		}
	}
	return res
}

func (p *ProcessDefinition) IncomingFlows(elementId string) []SequenceFlow {
	res := make([]SequenceFlow, 0, 2)
	for _, f := range p.SequenceFlows {
		if f.TargetRef == elementId {
			res = append(res, f)
		}
	}
	return res
}

// StartEvents returns the start events of the given container, "" being the process itself.
func (p *ProcessDefinition) StartEvents(container string) []FlowNode {
	res := make([]FlowNode, 0, 1)
	for _, n := range p.FlowNodes {
		if n.Type == ElementTypeStartEvent && n.Container == container {
			res = append(res, n)
		}
	}
	return res
}

func (p *ProcessDefinition) BoundaryEvents(attachedTo string) []FlowNode {
	res := make([]FlowNode, 0)
	for _, n := range p.FlowNodes {
		if n.Type == ElementTypeBoundaryEvent && n.AttachedTo == attachedTo {
			res = append(res, n)
		}
	}
	return res
}

// EventSubProcesses returns event sub processes declared directly in container.
func (p *ProcessDefinition) EventSubProcesses(container string) []FlowNode {
	res := make([]FlowNode, 0)
	for _, n := range p.FlowNodes {
		if n.Type == ElementTypeEventSubProcess && n.Container == container {
			res = append(res, n)
		}
	}
	return res
}

// Validate checks the structural consistency of the graph.
func (p *ProcessDefinition) Validate() error {
	var errJoin error
	if p.BpmnProcessId == "" {
		errJoin = errors.Join(errJoin, errors.New("process id must not be empty"))
	}
	ids := make(map[string]struct{}, len(p.FlowNodes))
	for _, n := range p.FlowNodes {
		if _, dup := ids[n.Id]; dup {
			errJoin = errors.Join(errJoin, fmt.Errorf("duplicate flow node id %s", n.Id))
		}
		ids[n.Id] = struct{}{}
		errJoin = errors.Join(errJoin, validateFlowNode(n))
	}
	for _, n := range p.FlowNodes {
		if n.Container != "" {
			c, ok := p.FindFlowNode(n.Container)
			if !ok || (c.Type != ElementTypeSubProcess && c.Type != ElementTypeEventSubProcess) {
				errJoin = errors.Join(errJoin, fmt.Errorf("flow node %s references unknown container %s", n.Id, n.Container))
			}
		}
		if n.IsGateway() && n.Gateway.Join != "" {
			j, ok := p.FindFlowNode(n.Gateway.Join)
			if !ok || !j.IsGateway() || j.Gateway.Type != GatewayTypeInclusive || n.Gateway.Type != GatewayTypeInclusive {
				errJoin = errors.Join(errJoin, fmt.Errorf("gateway %s must pair inclusive gateways, got join %s", n.Id, n.Gateway.Join))
			} else if j.Container != n.Container {
				errJoin = errors.Join(errJoin, fmt.Errorf("gateway %s and its join %s are in different containers", n.Id, j.Id))
			}
		}
		if n.Type == ElementTypeBoundaryEvent {
			if _, ok := ids[n.AttachedTo]; !ok {
				errJoin = errors.Join(errJoin, fmt.Errorf("boundary event %s is attached to unknown element %s", n.Id, n.AttachedTo))
			}
		}
	}
	flowIds := make(map[string]struct{}, len(p.SequenceFlows))
	for _, f := range p.SequenceFlows {
		if _, dup := flowIds[f.Id]; dup {
			errJoin = errors.Join(errJoin, fmt.Errorf("duplicate sequence flow id %s", f.Id))
		}
		flowIds[f.Id] = struct{}{}
		if _, ok := ids[f.SourceRef]; !ok {
			errJoin = errors.Join(errJoin, fmt.Errorf("sequence flow %s has unknown source %s", f.Id, f.SourceRef))
		}
		if _, ok := ids[f.TargetRef]; !ok {
			errJoin = errors.Join(errJoin, fmt.Errorf("sequence flow %s has unknown target %s", f.Id, f.TargetRef))
		}
	}
	if len(p.StartEvents("")) == 0 {
		errJoin = errors.Join(errJoin, fmt.Errorf("process %s has no start event", p.BpmnProcessId))
	}
	if errJoin != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDefinition, errJoin)
	}
	return nil
}

func validateFlowNode(n FlowNode) error {
	if n.Id == "" {
		return errors.New("flow node id must not be empty")
	}
	switch n.Type {
	case ElementTypeGateway:
		if n.Gateway == nil || !n.Gateway.Type.Valid() {
			return fmt.Errorf("gateway %s has no valid gateway type", n.Id)
		}
	case ElementTypeIntermediateCatchEvent, ElementTypeBoundaryEvent:
		if n.Event == nil || n.Event.Type == EventDefinitionNone {
			return fmt.Errorf("catch event %s has no event definition", n.Id)
		}
	case ElementTypeCallActivity:
		if n.CalledProcessId == "" {
			return fmt.Errorf("call activity %s has no called process id", n.Id)
		}
	case ElementTypeStartEvent, ElementTypeEndEvent, ElementTypeServiceTask, ElementTypeUserTask,
		ElementTypeIntermediateThrowEvent, ElementTypeSubProcess, ElementTypeEventSubProcess:
	default:
		return fmt.Errorf("flow node %s has unsupported type %s", n.Id, n.Type)
	}
	if n.Event != nil {
		if len(n.Event.Correlation) > MaxCorrelationKeys {
			return fmt.Errorf("event %s declares %d correlation keys, at most %d allowed", n.Id, len(n.Event.Correlation), MaxCorrelationKeys)
		}
		if (n.Event.Type == EventDefinitionMessage || n.Event.Type == EventDefinitionSignal) && n.Event.Name == "" {
			return fmt.Errorf("event %s has no message or signal name", n.Id)
		}
		if n.Event.Type == EventDefinitionTimer && n.Event.Duration == "" {
			return fmt.Errorf("timer event %s has no duration", n.Id)
		}
	}
	if n.Connector != nil && n.Connector.Type == "" {
		return fmt.Errorf("connector of %s has no type", n.Id)
	}
	return nil
}
