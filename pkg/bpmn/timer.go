// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/command"
	"github.com/pbinitiative/zenflow/pkg/scheduler"
)

// TimerJobClass is the job class of timer catch events, timer boundary events and timer event sub processes.
const TimerJobClass = "timer-catch-event"

const (
	timerParamProcessInstance = "processInstanceKey"
	timerParamOwner           = "flowNodeInstanceKey"
	timerParamElement         = "elementId"
)

// timerJob delivers a due timer to its process instance.
type timerJob struct {
	engine *Engine

	processInstanceKey  int64
	flowNodeInstanceKey int64
	elementId           string
}

var _ scheduler.Job = &timerJob{}

func (engine *Engine) newTimerJob() scheduler.Job {
	return &timerJob{engine: engine}
}

func (j *timerJob) SetAttributes(attributes map[string]any) error {
	var err error
	if j.processInstanceKey, err = command.Int64Param(attributes, timerParamProcessInstance); err != nil {
		return err
	}
	if j.flowNodeInstanceKey, err = command.Int64Param(attributes, timerParamOwner); err != nil {
		return err
	}
	j.elementId, err = command.StringParam(attributes, timerParamElement)
	return err
}

func (j *timerJob) Execute(ctx context.Context) error {
	err := j.engine.retryOnConflict(ctx, func(ctx context.Context) error {
		return j.engine.withInstance(ctx, j.processInstanceKey, func(ctx context.Context, inst runtime.ProcessInstance, definition *model.ProcessDefinition) error {
			node, err := findNode(definition, j.elementId)
			if err != nil {
				return err
			}
			return j.engine.deliverEvent(ctx, inst, definition, node, j.flowNodeInstanceKey, nil)
		})
	})
	if errors.Is(err, ErrFlowNodeNotActive) || errors.Is(err, ErrInstanceNotActive) {
		j.engine.logger.Debug("timer fired for an inactive element", "element", j.elementId, "instance", j.processInstanceKey)
		return nil
	}
	return err
}

func (j *timerJob) Description() string {
	return "fires a timer event of a process instance"
}

// scheduleTimer arms a one-shot job for a timer event. ownerKey is the flow node instance
// the timer belongs to, 0 for event sub processes on process level.
func (engine *Engine) scheduleTimer(ctx context.Context, inst runtime.ProcessInstance, ownerKey int64, node model.FlowNode) error {
	if node.Event == nil || node.Event.Duration == "" {
		return newEngineErrorf("timer %s has no duration", node.Id)
	}
	descriptor, err := engine.scheduler.Schedule(ctx, runtime.JobDescriptor{
		JobClassName:                TimerJobClass,
		JobName:                     fmt.Sprintf("timer-%s-%d", node.Id, inst.Key),
		DisallowConcurrentExecution: true,
	}, map[string]any{
		timerParamProcessInstance: strconv.FormatInt(inst.Key, 10),
		timerParamOwner:           strconv.FormatInt(ownerKey, 10),
		timerParamElement:         node.Id,
	}, scheduler.OneShotAfter(node.Event.Duration))
	var validationErr *scheduler.ValidationError
	if errors.As(err, &validationErr) {
		return wrapEngineErrorf(err, "invalid timer %s", node.Id)
	}
	if err != nil {
		return err
	}
	engine.logger.Debug("timer scheduled", "element", node.Id, "instance", inst.Key, "job", descriptor.Key, "duration", node.Event.Duration)
	return nil
}
