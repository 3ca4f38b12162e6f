// Package connector executes pluggable connectors on a bounded pool of workers.
//
// Every execution binds its inputs, validates, connects, executes and finally disconnects.
// Disconnect runs exactly once for every connector that passed validation, whatever the outcome.
package connector

import (
	"context"
	"fmt"
)

type Connector interface {
	SetInputParameters(inputs map[string]any) error
	Validate() error
	Connect(ctx context.Context) error
	Execute(ctx context.Context) (map[string]any, error)
	Disconnect(ctx context.Context) error
}

// Named connectors report their type in errors, logs and spans.
type Named interface {
	Type() string
}

type Factory func() Connector

type Phase string

const (
	PhaseBind       Phase = "bind"
	PhaseValidate   Phase = "validate"
	PhaseConnect    Phase = "connect"
	PhaseExecute    Phase = "execute"
	PhaseDisconnect Phase = "disconnect"
)

func typeOf(c Connector) string {
	if n, ok := c.(Named); ok {
		return n.Type()
	}
	return fmt.Sprintf("%T", c)
}

// safeCall turns a panic of a connector phase into an error
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connector panicked: %v", r)
		}
	}()
	return fn()
}
