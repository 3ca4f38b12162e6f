package scheduler

import (
	"testing"
	"time"

	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerArm(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		trigger Trigger
		kind    runtime.JobTriggerKind
		fireAt  time.Time
	}{
		{
			name:    "one shot at",
			trigger: OneShotAt(now.Add(time.Hour)),
			kind:    runtime.JobTriggerKindOneShot,
			fireAt:  now.Add(time.Hour),
		},
		{
			name:    "one shot after",
			trigger: OneShotAfter("PT90S"),
			kind:    runtime.JobTriggerKindOneShot,
			fireAt:  now.Add(90 * time.Second),
		},
		{
			name:    "one shot without delay",
			trigger: OneShotAfter("PT0S"),
			kind:    runtime.JobTriggerKindOneShot,
			fireAt:  now,
		},
		{
			name:    "cron with seconds",
			trigger: Cron("30 */5 * * * *"),
			kind:    runtime.JobTriggerKindCron,
			fireAt:  now.Add(30 * time.Second),
		},
		{
			name:    "cron descriptor",
			trigger: Cron("@daily"),
			kind:    runtime.JobTriggerKindCron,
			fireAt:  time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC),
		},
		{
			name:    "interval",
			trigger: Interval("P1D"),
			kind:    runtime.JobTriggerKindInterval,
			fireAt:  now.AddDate(0, 0, 1),
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			jt, err := test.trigger.arm(42, now)
			require.NoError(t, err)
			assert.Equal(t, int64(42), jt.JobDescriptorKey)
			assert.Equal(t, test.kind, jt.Kind)
			assert.Equal(t, runtime.JobTriggerStateScheduled, jt.State)
			assert.True(t, test.fireAt.Equal(jt.NextFireAt), "expected %s got %s", test.fireAt, jt.NextFireAt)
		})
	}
}

func TestTriggerArmRejectsInvalid(t *testing.T) {
	for name, trigger := range map[string]Trigger{
		"zero time":         OneShotAt(time.Time{}),
		"bad duration":      OneShotAfter("ten minutes"),
		"empty duration":    Interval(""),
		"zero interval":     Interval("PT0S"),
		"bad cron":          Cron("every monday"),
		"cron missing secs": Cron("* * * *"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := trigger.arm(1, time.Now())
			var validationErr *ValidationError
			assert.ErrorAs(t, err, &validationErr)
		})
	}
}

func TestRecurringTriggerAdvances(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	jt, err := Interval("PT10M").arm(1, now)
	require.NoError(t, err)

	next, err := nextFireTime(jt, jt.NextFireAt)
	require.NoError(t, err)
	assert.True(t, now.Add(20*time.Minute).Equal(next))

	_, err = nextFireTime(runtime.JobTrigger{Kind: runtime.JobTriggerKindOneShot}, now)
	assert.Error(t, err)
}
