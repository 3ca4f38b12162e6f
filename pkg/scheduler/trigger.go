package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/robfig/cron/v3"
	"github.com/senseyeio/duration"
)

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Trigger describes when a scheduled job fires.
type Trigger struct {
	kind       runtime.JobTriggerKind
	at         time.Time
	expression string
	// oneShotDelay marks a one shot trigger given as a duration from now
	oneShotDelay bool
}

// OneShotAt fires once at the given time. A time in the past fires on the next poll.
func OneShotAt(at time.Time) Trigger {
	return Trigger{kind: runtime.JobTriggerKindOneShot, at: at}
}

// OneShotAfter fires once after an ISO-8601 duration such as PT30S.
func OneShotAfter(isoDuration string) Trigger {
	return Trigger{kind: runtime.JobTriggerKindOneShot, expression: isoDuration, oneShotDelay: true}
}

// Cron fires on a six field cron expression with seconds, descriptors like @hourly are accepted.
func Cron(expression string) Trigger {
	return Trigger{kind: runtime.JobTriggerKindCron, expression: expression}
}

// Interval fires repeatedly every ISO-8601 duration, the first time one interval from now.
func Interval(isoDuration string) Trigger {
	return Trigger{kind: runtime.JobTriggerKindInterval, expression: isoDuration}
}

func (t Trigger) String() string {
	if t.kind == runtime.JobTriggerKindOneShot && !t.oneShotDelay {
		return fmt.Sprintf("%s@%s", t.kind, t.at.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s(%s)", t.kind, t.expression)
}

// arm validates the trigger and returns its persisted form.
// Fire times are kept at millisecond precision, the resolution storage keeps.
func (t Trigger) arm(jobDescriptorKey int64, now time.Time) (runtime.JobTrigger, error) {
	jt := runtime.JobTrigger{
		JobDescriptorKey: jobDescriptorKey,
		Kind:             t.kind,
		Expression:       t.expression,
		State:            runtime.JobTriggerStateScheduled,
	}
	switch t.kind {
	case runtime.JobTriggerKindOneShot:
		if !t.oneShotDelay {
			if t.at.IsZero() {
				return jt, newValidationError("trigger", nil, "one shot trigger without a fire time")
			}
			jt.NextFireAt = t.at.Truncate(time.Millisecond)
			return jt, nil
		}
		d, err := parseDuration(t.expression, true)
		if err != nil {
			return jt, err
		}
		jt.NextFireAt = d.Shift(now).Truncate(time.Millisecond)
		// the delay is consumed, keep the absolute time only
		jt.Expression = ""
		return jt, nil
	case runtime.JobTriggerKindCron, runtime.JobTriggerKindInterval:
		next, err := nextFireTime(jt, now)
		if err != nil {
			return jt, err
		}
		jt.NextFireAt = next
		return jt, nil
	default:
		return jt, newValidationError("trigger", nil, "unknown trigger kind %q", t.kind)
	}
}

// nextFireTime computes the fire time of a recurring trigger following after.
func nextFireTime(jt runtime.JobTrigger, after time.Time) (time.Time, error) {
	switch jt.Kind {
	case runtime.JobTriggerKindCron:
		schedule, err := cronParser.Parse(strings.TrimSpace(jt.Expression))
		if err != nil {
			return time.Time{}, newValidationError("trigger", err, "invalid cron expression %q", jt.Expression)
		}
		next := schedule.Next(after)
		if next.IsZero() {
			return time.Time{}, newValidationError("trigger", nil, "cron expression %q never fires", jt.Expression)
		}
		return next, nil
	case runtime.JobTriggerKindInterval:
		d, err := parseDuration(jt.Expression, false)
		if err != nil {
			return time.Time{}, err
		}
		return d.Shift(after).Truncate(time.Millisecond), nil
	default:
		return time.Time{}, fmt.Errorf("trigger kind %s does not recur", jt.Kind)
	}
}

// parseDuration rejects negative durations, a zero one only when allowZero is set.
func parseDuration(isoDuration string, allowZero bool) (duration.Duration, error) {
	if strings.TrimSpace(isoDuration) == "" {
		return duration.Duration{}, newValidationError("trigger", nil, "missing duration")
	}
	d, err := duration.ParseISO8601(strings.TrimSpace(isoDuration))
	if err != nil {
		return d, newValidationError("trigger", err, "invalid duration %q", isoDuration)
	}
	epoch := time.Unix(0, 0).UTC()
	switch shifted := d.Shift(epoch); {
	case shifted.Before(epoch):
		return d, newValidationError("trigger", nil, "duration %q is negative", isoDuration)
	case shifted.Equal(epoch) && !allowZero:
		return d, newValidationError("trigger", nil, "duration %q is not positive", isoDuration)
	}
	return d, nil
}
