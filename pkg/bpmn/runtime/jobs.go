package runtime

import "time"

// JobDescriptor defines a unit of deferred work, it is immutable after creation.
type JobDescriptor struct {
	Key                         int64     `json:"k"`
	JobClassName                string    `json:"cls"`
	JobName                     string    `json:"n"`
	Description                 string    `json:"d,omitempty"`
	DisallowConcurrentExecution bool      `json:"dce"`
	CreatedAt                   time.Time `json:"c"`
}

type JobParameter struct {
	Key              int64  `json:"k"`
	JobDescriptorKey int64  `json:"jdk"`
	Name             string `json:"n"`
	Value            any    `json:"v"`
}

// JobLog exists for every job descriptor whose last execution failed.
// RetryNumber is 0 after the first failure and grows by one with every further failure.
type JobLog struct {
	JobDescriptorKey int64     `json:"jdk"`
	RetryNumber      int64     `json:"r"`
	LastMessage      string    `json:"m"`
	LastUpdateDate   time.Time `json:"u"`
}

type JobTriggerKind string

const (
	JobTriggerKindOneShot  JobTriggerKind = "ONE_SHOT"
	JobTriggerKindCron     JobTriggerKind = "CRON"
	JobTriggerKindInterval JobTriggerKind = "INTERVAL"
)

type JobTriggerState string

const (
	JobTriggerStateScheduled   JobTriggerState = "SCHEDULED"
	JobTriggerStateDone        JobTriggerState = "DONE"
	JobTriggerStateUnscheduled JobTriggerState = "UNSCHEDULED"
)

// JobTrigger arms a job descriptor, one per descriptor.
type JobTrigger struct {
	JobDescriptorKey int64           `json:"jdk"`
	Kind             JobTriggerKind  `json:"kd"`
	Expression       string          `json:"x,omitempty"`
	NextFireAt       time.Time       `json:"nf"`
	State            JobTriggerState `json:"s"`
}

func (t JobTrigger) EqualTo(o JobTrigger) bool {
	return t.JobDescriptorKey == o.JobDescriptorKey && t.NextFireAt.Equal(o.NextFireAt)
}
