package scheduler

import (
	"context"
	"time"

	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
)

// Job is a unit of deferred work loaded by its class name.
// A fresh instance is created for every execution.
type Job interface {
	// SetAttributes receives the stored job parameters before execution
	SetAttributes(attributes map[string]any) error
	Execute(ctx context.Context) error
	Description() string
}

type Factory func() Job

// FailedJob pairs a failure record with the description of its job.
type FailedJob struct {
	JobDescriptorKey int64
	JobClassName     string
	JobName          string
	Description      string
	RetryNumber      int64
	LastMessage      string
	LastUpdateDate   time.Time
}

func newFailedJob(descriptor runtime.JobDescriptor, log runtime.JobLog) FailedJob {
	return FailedJob{
		JobDescriptorKey: descriptor.Key,
		JobClassName:     descriptor.JobClassName,
		JobName:          descriptor.JobName,
		Description:      descriptor.Description,
		RetryNumber:      log.RetryNumber,
		LastMessage:      log.LastMessage,
		LastUpdateDate:   log.LastUpdateDate,
	}
}

// JobFunc adapts a function to the Job interface. Attributes are kept and passed on.
type JobFunc struct {
	Name       string
	Attributes map[string]any
	Fn         func(ctx context.Context, attributes map[string]any) error
}

func (j *JobFunc) SetAttributes(attributes map[string]any) error {
	j.Attributes = attributes
	return nil
}

func (j *JobFunc) Execute(ctx context.Context) error {
	return j.Fn(ctx, j.Attributes)
}

func (j *JobFunc) Description() string {
	return j.Name
}
