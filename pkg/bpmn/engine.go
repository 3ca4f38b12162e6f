// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package bpmn drives process instances: it wires the flow node state machine, the correlation engine,
// the job scheduler and the connector executor to a storage backend.
package bpmn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pbinitiative/zenflow/pkg/bpmn/correlation"
	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/statemachine"
	"github.com/pbinitiative/zenflow/pkg/command"
	"github.com/pbinitiative/zenflow/pkg/connector"
	otelPkg "github.com/pbinitiative/zenflow/pkg/otel"
	"github.com/pbinitiative/zenflow/pkg/scheduler"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type Engine struct {
	name  string
	store storage.Storage

	machine     *statemachine.Machine
	correlation *correlation.Engine
	scheduler   *scheduler.Scheduler
	executor    *connector.Executor
	connectors  *connector.Registry
	commands    *command.Service

	definitions *expirable.LRU[int64, model.ProcessDefinition]
	instances   *RunningInstancesCache

	bus    *gochannel.GoChannel
	router *message.Router

	logger  hclog.Logger
	tracer  trace.Tracer
	metrics *otelPkg.EngineMetrics
	now     func() time.Time

	cacheSize          int
	cacheTTL           time.Duration
	lockRetries        int
	lockRetryDelay     time.Duration
	executorOptions    []connector.ExecutorOption
	schedulerOptions   []scheduler.Option
	connectorFactories map[string]connector.Factory
	jobFactories       map[string]scheduler.Factory

	// in flight connector executions
	inflight sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// NewEngine creates a new instance of the BPMN Engine on top of the storage
func NewEngine(store storage.Storage, options ...EngineOption) (*Engine, error) {
	engine := &Engine{
		name:               fmt.Sprintf("Bpmn-Engine-%d", store.GenerateId()),
		store:              store,
		instances:          newRunningInstancesCache(),
		logger:             hclog.Default().Named("bpmn"),
		tracer:             otel.GetTracerProvider().Tracer("zenflow/bpmn"),
		metrics:            otelPkg.NewNoopMetrics(),
		now:                time.Now,
		cacheSize:          256,
		cacheTTL:           time.Hour,
		lockRetries:        5,
		lockRetryDelay:     10 * time.Millisecond,
		connectorFactories: map[string]connector.Factory{},
		jobFactories:       map[string]scheduler.Factory{},
	}
	for _, option := range options {
		option(engine)
	}

	engine.definitions = expirable.NewLRU[int64, model.ProcessDefinition](engine.cacheSize, nil, engine.cacheTTL)
	engine.machine = statemachine.New(store,
		statemachine.WithLogger(engine.logger.Named("state-machine")),
		statemachine.WithTracer(engine.tracer),
		statemachine.WithClock(engine.now),
		statemachine.WithSubInstanceCanceller(engine.cancelCalledInstances),
	)
	engine.correlation = correlation.New(store, engine.resume,
		correlation.WithLogger(engine.logger.Named("correlation")),
		correlation.WithTracer(engine.tracer),
		correlation.WithMetrics(engine.metrics),
		correlation.WithClock(engine.now),
	)
	engine.scheduler = scheduler.New(store, append([]scheduler.Option{
		scheduler.WithLogger(engine.logger.Named("scheduler")),
		scheduler.WithTracer(engine.tracer),
		scheduler.WithMetrics(engine.metrics),
		scheduler.WithClock(engine.now),
	}, engine.schedulerOptions...)...)
	engine.executor = connector.NewExecutor(append([]connector.ExecutorOption{
		connector.WithLogger(engine.logger.Named("connector")),
		connector.WithTracer(engine.tracer),
		connector.WithMetrics(engine.metrics),
	}, engine.executorOptions...)...)
	engine.connectors = connector.NewRegistry(engine.executor)
	engine.commands = command.NewService(
		command.WithLogger(engine.logger.Named("command")),
		command.WithTracer(engine.tracer),
	)

	var errJoin error
	for connectorType, factory := range engine.connectorFactories {
		errJoin = errors.Join(errJoin, engine.connectors.Register(connectorType, factory))
	}
	errJoin = errors.Join(errJoin, engine.scheduler.Register(TimerJobClass, engine.newTimerJob))
	for className, factory := range engine.jobFactories {
		errJoin = errors.Join(errJoin, engine.scheduler.Register(className, factory))
	}
	errJoin = errors.Join(errJoin, engine.registerCommands())
	if err := engine.setupBus(); err != nil {
		errJoin = errors.Join(errJoin, err)
	}
	if errJoin != nil {
		return nil, wrapEngineErrorf(errJoin, "failed to create engine %s", engine.name)
	}
	return engine, nil
}

// Start runs the notification bus and the job dispatcher. Results of connectors are only processed
// after Start returned.
func (engine *Engine) Start(ctx context.Context) error {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if engine.started {
		return nil
	}
	go func() {
		if err := engine.router.Run(context.WithoutCancel(ctx)); err != nil {
			engine.logger.Error("notification bus stopped", "err", err)
		}
	}()
	select {
	case <-engine.router.Running():
	case <-ctx.Done():
		return ctx.Err()
	}
	engine.scheduler.Start()
	engine.started = true
	engine.logger.Info("engine started", "name", engine.name)
	return nil
}

// Stop waits for running connectors and jobs and closes the bus.
func (engine *Engine) Stop(ctx context.Context) error {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	var errJoin error
	errJoin = errors.Join(errJoin, engine.executor.Shutdown(ctx))
	errJoin = errors.Join(errJoin, engine.scheduler.Stop(ctx))

	done := make(chan struct{})
	go func() {
		engine.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errJoin = errors.Join(errJoin, fmt.Errorf("connector results still in flight: %w", ctx.Err()))
	}
	errJoin = errors.Join(errJoin, engine.router.Close(), engine.bus.Close())
	engine.started = false
	engine.logger.Info("engine stopped", "name", engine.name)
	return errJoin
}

func (engine *Engine) Name() string {
	return engine.name
}

func (engine *Engine) Storage() storage.Storage {
	return engine.store
}

func (engine *Engine) Scheduler() *scheduler.Scheduler {
	return engine.scheduler
}

func (engine *Engine) Connectors() *connector.Registry {
	return engine.connectors
}

func (engine *Engine) Commands() *command.Service {
	return engine.commands
}

// retryOnConflict repeats fn while it loses record locks to concurrent callers.
func (engine *Engine) retryOnConflict(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= engine.lockRetries; attempt++ {
		err = fn(ctx)
		if !errors.Is(err, storage.ErrLockConflict) {
			return err
		}
		engine.metrics.LockConflicts.Add(ctx, 1)
		engine.logger.Debug("lock conflict, retrying", "attempt", attempt+1, "err", err)
		select {
		case <-time.After(engine.lockRetryDelay * time.Duration(attempt+1)):
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		}
	}
	return err
}
