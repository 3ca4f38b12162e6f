// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"errors"
	"fmt"
)

var (
	// ErrFlowNodeNotActive is returned for results that arrive after the flow node ended,
	// for example a connector result for a cancelled task.
	ErrFlowNodeNotActive = errors.New("flow node is not active")

	ErrInstanceNotActive = errors.New("process instance is not active")
)

type BpmnEngineError struct {
	Msg string
	Err error
}

func (e *BpmnEngineError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *BpmnEngineError) Unwrap() error {
	return e.Err
}

// newEngineErrorf uses fmt.Sprintf(format, a...) to format the message
func newEngineErrorf(format string, a ...any) error {
	return &BpmnEngineError{
		Msg: fmt.Sprintf(format, a...),
	}
}

func wrapEngineErrorf(err error, format string, a ...any) error {
	return &BpmnEngineError{
		Msg: fmt.Sprintf(format, a...),
		Err: err,
	}
}

type ExpressionEvaluationError struct {
	Msg string
	Err error
}

func (e *ExpressionEvaluationError) Error() string {
	if e.Err != nil {
		return e.Msg + "\nerror: " + e.Err.Error()
	}
	return e.Msg
}

func (e *ExpressionEvaluationError) Unwrap() error {
	return e.Err
}
