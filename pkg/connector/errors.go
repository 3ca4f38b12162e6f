package connector

import (
	"errors"
	"fmt"
)

var (
	ErrConnectorTimeout  = errors.New("connector timed out")
	ErrExecutorClosed    = errors.New("connector executor is shut down")
	ErrConnectorNotFound = errors.New("connector type not registered")
	ErrConnectorExists   = errors.New("connector type already registered")
)

// ValidationError means the connector rejected its inputs, it was neither connected nor executed.
type ValidationError struct {
	Connector string
	Err       error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("connector %s rejected its input: %s", e.Connector, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

type ExecutionError struct {
	Connector string
	Phase     Phase
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("connector %s failed to %s: %s", e.Connector, e.Phase, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrConnectorTimeout)
}
