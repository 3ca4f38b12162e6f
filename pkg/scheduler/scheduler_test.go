package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/pbinitiative/zenflow/pkg/storage/inmemory"
	"github.com/pbinitiative/zenflow/pkg/zenflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingJob remembers every execution and fails while fail is set
type recordingJob struct {
	mu         sync.Mutex
	executions []map[string]any
	fail       atomic.Bool
}

func (r *recordingJob) factory() Job {
	return &JobFunc{
		Name: "records executions",
		Fn: func(ctx context.Context, attributes map[string]any) error {
			r.mu.Lock()
			r.executions = append(r.executions, attributes)
			r.mu.Unlock()
			if r.fail.Load() {
				return errors.New("job failed on purpose")
			}
			return nil
		},
	}
}

func (r *recordingJob) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.executions)
}

func (r *recordingJob) last() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.executions[len(r.executions)-1]
}

// attributesJob rejects its attributes
type attributesJob struct{}

func (attributesJob) SetAttributes(map[string]any) error { return errors.New("missing attribute") }
func (attributesJob) Execute(context.Context) error      { return nil }
func (attributesJob) Description() string                { return "rejects attributes" }

func newTestScheduler(t *testing.T) (*Scheduler, *inmemory.Storage) {
	t.Helper()
	keys, err := zenflake.NewGenerator(2)
	require.NoError(t, err)
	store := inmemory.NewStorage(keys)
	s := New(store, WithPollInterval(50*time.Millisecond), WithWorkers(2))
	t.Cleanup(func() {
		_ = s.Stop(context.Background())
	})
	return s, store
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	s, _ := newTestScheduler(t)
	job := &recordingJob{}
	require.NoError(t, s.Register("record", job.factory))
	assert.ErrorIs(t, s.Register("record", job.factory), ErrJobClassExists)
	assert.Error(t, s.Register("", job.factory))
}

func TestScheduleValidation(t *testing.T) {
	s, store := newTestScheduler(t)
	job := &recordingJob{}
	require.NoError(t, s.Register("record", job.factory))

	var validationErr *ValidationError
	_, err := s.Schedule(t.Context(), runtime.JobDescriptor{JobClassName: "unknown"}, nil, OneShotAfter("PT1M"))
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "class", validationErr.Field)

	_, err = s.Schedule(t.Context(), runtime.JobDescriptor{JobClassName: "record"}, nil, Cron("not a cron"))
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "trigger", validationErr.Field)

	assert.Empty(t, store.JobDescriptors)
	assert.Empty(t, store.JobTriggers)
	assert.Empty(t, store.JobParameters)
}

func TestSchedulePersistsJob(t *testing.T) {
	s, store := newTestScheduler(t)
	job := &recordingJob{}
	require.NoError(t, s.Register("record", job.factory))

	descriptor, err := s.Schedule(t.Context(), runtime.JobDescriptor{JobClassName: "record"}, map[string]any{"b": 2, "a": "one"}, OneShotAfter("PT1H"))
	require.NoError(t, err)
	assert.NotZero(t, descriptor.Key)
	assert.Equal(t, "record", descriptor.JobName)
	assert.Equal(t, "records executions", descriptor.Description)

	params, err := store.FindJobParameters(t.Context(), descriptor.Key)
	require.NoError(t, err)
	require.Len(t, params, 2)
	trigger, err := store.FindJobTrigger(t.Context(), descriptor.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.JobTriggerStateScheduled, trigger.State)
	assert.WithinDuration(t, time.Now().Add(time.Hour), trigger.NextFireAt, time.Minute)
}

func TestOneShotJobFires(t *testing.T) {
	s, store := newTestScheduler(t)
	job := &recordingJob{}
	require.NoError(t, s.Register("record", job.factory))
	s.Start()

	descriptor, err := s.Schedule(t.Context(), runtime.JobDescriptor{JobClassName: "record"}, map[string]any{"order": "o-1"}, OneShotAt(time.Now().Add(100*time.Millisecond)))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return job.count() == 1
	}, 2*time.Second, 20*time.Millisecond, "job should fire once")
	assert.Equal(t, "o-1", job.last()["order"])

	trigger, err := store.FindJobTrigger(t.Context(), descriptor.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.JobTriggerStateDone, trigger.State)
	_, err = store.FindJobLog(t.Context(), descriptor.Key)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// a done trigger is not polled again
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, job.count())
}

func TestCronJobKeepsFiring(t *testing.T) {
	s, store := newTestScheduler(t)
	job := &recordingJob{}
	require.NoError(t, s.Register("record", job.factory))
	s.Start()

	descriptor, err := s.Schedule(t.Context(), runtime.JobDescriptor{JobClassName: "record"}, nil, Cron("* * * * * *"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return job.count() >= 2
	}, 4*time.Second, 50*time.Millisecond)

	trigger, err := store.FindJobTrigger(t.Context(), descriptor.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.JobTriggerStateScheduled, trigger.State)

	require.NoError(t, s.Unschedule(t.Context(), descriptor.Key))
	trigger, err = store.FindJobTrigger(t.Context(), descriptor.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.JobTriggerStateUnscheduled, trigger.State)
	// an execution may still be queued at the time of unscheduling
	time.Sleep(100 * time.Millisecond)
	count := job.count()
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, count, job.count())
}

func TestFailedJobRetryNumberGrowsUntilSuccess(t *testing.T) {
	s, store := newTestScheduler(t)
	job := &recordingJob{}
	job.fail.Store(true)
	require.NoError(t, s.Register("record", job.factory))
	s.Start()

	descriptor, err := s.Schedule(t.Context(), runtime.JobDescriptor{JobClassName: "record", Description: "nightly export"}, map[string]any{"attempt": 0}, OneShotAt(time.Now()))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := store.FindJobLog(context.Background(), descriptor.Key)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	jobLog, err := store.FindJobLog(t.Context(), descriptor.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), jobLog.RetryNumber)
	assert.Equal(t, "job failed on purpose", jobLog.LastMessage)

	failed, err := s.ListFailedJobs(t.Context(), 0, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, descriptor.Key, failed[0].JobDescriptorKey)
	assert.Equal(t, "nightly export", failed[0].Description)

	// still failing, the retry number grows by one
	err = s.ReplayFailedJob(t.Context(), descriptor.Key, map[string]any{"attempt": 1})
	assert.ErrorContains(t, err, "job failed on purpose")
	jobLog, err = store.FindJobLog(t.Context(), descriptor.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), jobLog.RetryNumber)
	assert.Equal(t, 1, job.last()["attempt"])

	job.fail.Store(false)
	require.NoError(t, s.ReplayFailedJob(t.Context(), descriptor.Key, map[string]any{"attempt": 2, "force": true}))
	_, err = store.FindJobLog(t.Context(), descriptor.Key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, map[string]any{"attempt": 2, "force": true}, job.last())

	params, err := store.FindJobParameters(t.Context(), descriptor.Key)
	require.NoError(t, err)
	assert.Len(t, params, 2)

	// nothing left to replay
	assert.ErrorIs(t, s.ReplayFailedJob(t.Context(), descriptor.Key, nil), ErrJobNotFailed)
	failed, err = s.ListFailedJobs(t.Context(), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestAttributeFailureIsRecorded(t *testing.T) {
	s, store := newTestScheduler(t)
	require.NoError(t, s.Register("attributes", func() Job { return attributesJob{} }))
	s.Start()

	descriptor, err := s.Schedule(t.Context(), runtime.JobDescriptor{JobClassName: "attributes"}, nil, OneShotAt(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "rejects attributes", descriptor.Description)
	assert.Eventually(t, func() bool {
		jobLog, err := store.FindJobLog(context.Background(), descriptor.Key)
		return err == nil && jobLog.RetryNumber == 0
	}, 2*time.Second, 20*time.Millisecond)
	jobLog, err := store.FindJobLog(t.Context(), descriptor.Key)
	require.NoError(t, err)
	assert.Contains(t, jobLog.LastMessage, "missing attribute")
}

func TestPurgeFailedJob(t *testing.T) {
	s, store := newTestScheduler(t)
	job := &recordingJob{}
	job.fail.Store(true)
	require.NoError(t, s.Register("record", job.factory))
	s.Start()

	descriptor, err := s.Schedule(t.Context(), runtime.JobDescriptor{JobClassName: "record"}, map[string]any{"a": 1}, OneShotAt(time.Now()))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, err := store.FindJobLog(context.Background(), descriptor.Key)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, s.PurgeFailedJob(t.Context(), descriptor.Key))
	_, err = store.FindJobDescriptorByKey(t.Context(), descriptor.Key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.FindJobLog(t.Context(), descriptor.Key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.PurgeFailedJob(t.Context(), descriptor.Key), ErrJobNotFailed)
}

func TestBlockedJobDoesNotStopDispatch(t *testing.T) {
	s, _ := newTestScheduler(t)
	release := make(chan struct{})
	defer close(release)
	var blockedStarted, quickRan atomic.Bool
	require.NoError(t, s.Register("blocking", func() Job {
		return &JobFunc{Name: "blocks", Fn: func(ctx context.Context, _ map[string]any) error {
			blockedStarted.Store(true)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		}}
	}))
	require.NoError(t, s.Register("quick", func() Job {
		return &JobFunc{Name: "quick", Fn: func(context.Context, map[string]any) error {
			quickRan.Store(true)
			return nil
		}}
	}))
	s.Start()

	_, err := s.Schedule(t.Context(), runtime.JobDescriptor{JobClassName: "blocking"}, nil, OneShotAt(time.Now()))
	require.NoError(t, err)
	assert.Eventually(t, blockedStarted.Load, 2*time.Second, 20*time.Millisecond)

	_, err = s.Schedule(t.Context(), runtime.JobDescriptor{JobClassName: "quick"}, nil, OneShotAt(time.Now().Add(50*time.Millisecond)))
	require.NoError(t, err)
	assert.Eventually(t, quickRan.Load, 2*time.Second, 20*time.Millisecond)
}
