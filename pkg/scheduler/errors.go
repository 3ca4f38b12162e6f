package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrJobClassExists = errors.New("job class already registered")
	ErrJobNotFailed   = errors.New("job has no failure record")
	ErrStopped        = errors.New("scheduler is stopped")
)

// ValidationError is returned by Schedule when the job can not be accepted. Nothing is persisted.
type ValidationError struct {
	Field string
	Msg   string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid job %s: %s: %s", e.Field, e.Msg, e.Err)
	}
	return fmt.Sprintf("invalid job %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func newValidationError(field string, err error, format string, a ...any) *ValidationError {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, a...), Err: err}
}
