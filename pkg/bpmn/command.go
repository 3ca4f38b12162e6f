package bpmn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/command"
	"github.com/pbinitiative/zenflow/pkg/scheduler"
)

const (
	CommandScheduleJob    = "schedule-job"
	CommandThrowSignal    = "throw-signal"
	CommandThrowMessage   = "throw-message"
	CommandReplayJob      = "replay-job"
	CommandCancelInstance = "cancel-instance"
	CommandCreateInstance = "create-instance"
)

func (engine *Engine) registerCommands() error {
	return errors.Join(
		engine.commands.Register(command.Func{
			CommandName: CommandScheduleJob,
			Help:        "schedules a job: class, name, one of at|after|cron|interval, parameters",
			Fn:          engine.scheduleJobCommand,
		}),
		engine.commands.Register(command.Func{
			CommandName: CommandThrowSignal,
			Help:        "broadcasts a signal: name, correlation, variables, processId, elementId",
			Fn: func(ctx context.Context, params map[string]any) (any, error) {
				return engine.throwCommand(ctx, runtime.TriggerTypeSignal, params)
			},
		}),
		engine.commands.Register(command.Func{
			CommandName: CommandThrowMessage,
			Help:        "sends a message: name, correlation, variables, processId, elementId, ttl",
			Fn: func(ctx context.Context, params map[string]any) (any, error) {
				return engine.throwCommand(ctx, runtime.TriggerTypeMessage, params)
			},
		}),
		engine.commands.Register(command.Func{
			CommandName: CommandReplayJob,
			Help:        "replays a failed job: key, parameters",
			Fn:          engine.replayJobCommand,
		}),
		engine.commands.Register(command.Func{
			CommandName: CommandCancelInstance,
			Help:        "cancels a process instance: key",
			Fn: func(ctx context.Context, params map[string]any) (any, error) {
				key, err := command.Int64Param(params, "key")
				if err != nil {
					return nil, err
				}
				return map[string]any{"key": key}, engine.CancelInstance(ctx, key)
			},
		}),
		engine.commands.Register(command.Func{
			CommandName: CommandCreateInstance,
			Help:        "starts the latest version of a process: processId, variables",
			Fn:          engine.createInstanceCommand,
		}),
	)
}

func (engine *Engine) scheduleJobCommand(ctx context.Context, params map[string]any) (any, error) {
	class, err := command.StringParam(params, "class")
	if err != nil {
		return nil, err
	}
	name, err := command.OptionalStringParam(params, "name")
	if err != nil {
		return nil, err
	}
	trigger, err := jobTriggerParam(params)
	if err != nil {
		return nil, err
	}
	parameters, err := command.MapParam(params, "parameters")
	if err != nil {
		return nil, err
	}
	descriptor, err := engine.scheduler.Schedule(ctx, runtime.JobDescriptor{
		JobClassName: class,
		JobName:      name,
	}, parameters, trigger)
	if err != nil {
		return nil, err
	}
	return descriptor, nil
}

// jobTriggerParam reads exactly one of at, after, cron and interval.
func jobTriggerParam(params map[string]any) (scheduler.Trigger, error) {
	var triggers []scheduler.Trigger
	at, err := command.OptionalStringParam(params, "at")
	if err != nil {
		return scheduler.Trigger{}, err
	}
	if at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return scheduler.Trigger{}, fmt.Errorf("%w: at: %w", command.ErrInvalidParameter, err)
		}
		triggers = append(triggers, scheduler.OneShotAt(t))
	}
	for name, build := range map[string]func(string) scheduler.Trigger{
		"after":    scheduler.OneShotAfter,
		"cron":     scheduler.Cron,
		"interval": scheduler.Interval,
	} {
		value, err := command.OptionalStringParam(params, name)
		if err != nil {
			return scheduler.Trigger{}, err
		}
		if value != "" {
			triggers = append(triggers, build(value))
		}
	}
	if len(triggers) != 1 {
		return scheduler.Trigger{}, fmt.Errorf("%w: exactly one of at, after, cron, interval is required", command.ErrInvalidParameter)
	}
	return triggers[0], nil
}

func (engine *Engine) throwCommand(ctx context.Context, triggerType runtime.TriggerType, params map[string]any) (any, error) {
	name, err := command.StringParam(params, "name")
	if err != nil {
		return nil, err
	}
	values, err := command.StringsParam(params, "correlation")
	if err != nil {
		return nil, err
	}
	variables, err := command.MapParam(params, "variables")
	if err != nil {
		return nil, err
	}
	processId, err := command.OptionalStringParam(params, "processId")
	if err != nil {
		return nil, err
	}
	elementId, err := command.OptionalStringParam(params, "elementId")
	if err != nil {
		return nil, err
	}
	trigger := runtime.Trigger{
		TriggerType:      triggerType,
		Name:             name,
		TargetProcessId:  processId,
		TargetFlowNodeId: elementId,
		Correlation:      runtime.NewCorrelation(values...),
		Variables:        variables,
	}
	ttl, err := command.OptionalStringParam(params, "ttl")
	if err != nil {
		return nil, err
	}
	if ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return nil, fmt.Errorf("%w: ttl: %w", command.ErrInvalidParameter, err)
		}
		expiresAt := engine.now().Add(d)
		trigger.ExpiresAt = &expiresAt
	}
	delivered, err := engine.throw(ctx, trigger)
	if err != nil {
		return nil, err
	}
	return map[string]any{"delivered": delivered}, nil
}

func (engine *Engine) replayJobCommand(ctx context.Context, params map[string]any) (any, error) {
	key, err := command.Int64Param(params, "key")
	if err != nil {
		return nil, err
	}
	overrides, err := command.MapParam(params, "parameters")
	if err != nil {
		return nil, err
	}
	if err := engine.scheduler.ReplayFailedJob(ctx, key, overrides); err != nil {
		return nil, err
	}
	return map[string]any{"key": key, "replayed": true}, nil
}

func (engine *Engine) createInstanceCommand(ctx context.Context, params map[string]any) (any, error) {
	processId, err := command.StringParam(params, "processId")
	if err != nil {
		return nil, err
	}
	variables, err := command.MapParam(params, "variables")
	if err != nil {
		return nil, err
	}
	inst, err := engine.CreateInstanceById(ctx, processId, variables)
	if err != nil {
		return nil, err
	}
	return inst, nil
}
