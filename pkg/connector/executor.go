// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenflow/internal/appcontext"
	otelPkg "github.com/pbinitiative/zenflow/pkg/otel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type result struct {
	outputs map[string]any
	err     error
}

// unit is one connector execution travelling from the submitter to a worker
type unit struct {
	id        string
	typeName  string
	connector Connector
	inputs    map[string]any
	ctx       context.Context
	cancel    context.CancelFunc
	result    chan result
}

type Executor struct {
	workers   int
	queueSize int
	timeout   time.Duration
	logger    hclog.Logger
	tracer    trace.Tracer
	metrics   *otelPkg.EngineMetrics

	queue     chan *unit
	closed    chan struct{}
	closedMu  sync.RWMutex
	isClosed  bool
	wg        sync.WaitGroup
	workerSeq atomic.Int64
}

type ExecutorOption func(*Executor)

func WithWorkers(n int) ExecutorOption {
	return func(e *Executor) {
		e.workers = n
	}
}

// WithQueueSize bounds the backlog, submissions block while it is full.
func WithQueueSize(n int) ExecutorOption {
	return func(e *Executor) {
		e.queueSize = n
	}
}

// WithTimeout limits a single execution, zero disables the limit.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.timeout = d
	}
}

func WithLogger(logger hclog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) ExecutorOption {
	return func(e *Executor) {
		e.tracer = tracer
	}
}

func WithMetrics(metrics *otelPkg.EngineMetrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = metrics
	}
}

func NewExecutor(options ...ExecutorOption) *Executor {
	e := &Executor{
		workers:   4,
		queueSize: 16,
		timeout:   30 * time.Second,
		logger:    hclog.Default().Named("connector-executor"),
		tracer:    otel.GetTracerProvider().Tracer("zenflow/connector"),
		metrics:   otelPkg.NewNoopMetrics(),
		closed:    make(chan struct{}),
	}
	for _, option := range options {
		option(e)
	}
	e.workers = max(e.workers, 1)
	e.queue = make(chan *unit, max(e.queueSize, 0))
	for range e.workers {
		e.wg.Add(1)
		name := fmt.Sprintf("connector-worker-%d", e.workerSeq.Add(1))
		go e.worker(e.logger.Named(name))
	}
	return e
}

// Execute runs the connector on a worker and waits for its outputs.
// It blocks while the backlog is full. Session and execution key of ctx are handed to the worker.
func (e *Executor) Execute(ctx context.Context, connector Connector, inputs map[string]any) (map[string]any, error) {
	return e.execute(ctx, typeOf(connector), connector, inputs)
}

func (e *Executor) execute(ctx context.Context, typeName string, connector Connector, inputs map[string]any) (map[string]any, error) {
	u := e.newUnit(ctx, typeName, connector, inputs)
	if err := e.submit(ctx, u); err != nil {
		u.cancel()
		return nil, err
	}
	select {
	case r := <-u.result:
		return r.outputs, r.err
	case <-u.ctx.Done():
	}
	// the worker may still be finishing, prefer its result
	select {
	case r := <-u.result:
		return r.outputs, r.err
	default:
	}
	if errors.Is(u.ctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &ExecutionError{Connector: typeName, Phase: PhaseExecute, Err: ErrConnectorTimeout}
	}
	return nil, ctx.Err()
}

func (e *Executor) newUnit(ctx context.Context, typeName string, connector Connector, inputs map[string]any) *unit {
	// the worker context only carries what is handed over explicitly
	workerCtx := trace.ContextWithSpan(context.Background(), trace.SpanFromContext(ctx))
	if session, ok := appcontext.CurrentSession(ctx); ok {
		workerCtx = appcontext.WithSession(workerCtx, session)
	}
	if key, ok := appcontext.GetExecutionKey(ctx); ok {
		workerCtx = appcontext.WithExecutionKey(workerCtx, key)
	}
	var cancel context.CancelFunc
	if e.timeout > 0 {
		workerCtx, cancel = context.WithTimeout(workerCtx, e.timeout)
	} else {
		workerCtx, cancel = context.WithCancel(workerCtx)
	}
	stop := context.AfterFunc(ctx, cancel)
	return &unit{
		id:        uuid.NewString(),
		typeName:  typeName,
		connector: connector,
		inputs:    inputs,
		ctx:       workerCtx,
		cancel: func() {
			stop()
			cancel()
		},
		result: make(chan result, 1),
	}
}

func (e *Executor) submit(ctx context.Context, u *unit) error {
	e.closedMu.RLock()
	defer e.closedMu.RUnlock()
	if e.isClosed {
		return ErrExecutorClosed
	}
	select {
	case e.queue <- u:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closed:
		return ErrExecutorClosed
	}
}

func (e *Executor) worker(logger hclog.Logger) {
	defer e.wg.Done()
	for {
		select {
		case u := <-e.queue:
			e.runUnit(logger, u)
		case <-e.closed:
			// finish the backlog before leaving
			for {
				select {
				case u := <-e.queue:
					e.runUnit(logger, u)
				default:
					return
				}
			}
		}
	}
}

func (e *Executor) runUnit(logger hclog.Logger, u *unit) {
	defer u.cancel()
	if err := u.ctx.Err(); err != nil {
		// the caller gave up while the unit waited in the backlog
		logger.Debug("connector skipped", "type", u.typeName, "execution", u.id, "err", err)
		if errors.Is(err, context.DeadlineExceeded) {
			e.metrics.ConnectorsTimedOut.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String(otelPkg.AttributeConnectorType, u.typeName)))
			err = &ExecutionError{Connector: u.typeName, Phase: PhaseBind, Err: ErrConnectorTimeout}
		}
		u.result <- result{err: err}
		return
	}
	ctx, span := e.tracer.Start(u.ctx, fmt.Sprintf("connector:%s", u.typeName), trace.WithAttributes(
		attribute.String(otelPkg.AttributeConnectorType, u.typeName),
		attribute.String(otelPkg.AttributeConnectorExecutionId, u.id),
	))
	start := time.Now()
	outputs, err := e.run(ctx, u)
	typeAttr := metric.WithAttributes(attribute.String(otelPkg.AttributeConnectorType, u.typeName))
	e.metrics.ConnectorsExecuted.Add(ctx, 1, typeAttr)
	e.metrics.ConnectorDuration.Record(ctx, time.Since(start).Seconds(), typeAttr)
	if err != nil {
		if IsTimeout(err) {
			e.metrics.ConnectorsTimedOut.Add(ctx, 1, typeAttr)
		}
		e.metrics.ConnectorsFailed.Add(ctx, 1, typeAttr)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("connector failed", "type", u.typeName, "execution", u.id, "err", err)
	} else {
		logger.Debug("connector executed", "type", u.typeName, "execution", u.id, "duration", time.Since(start))
	}
	span.End()
	u.result <- result{outputs: outputs, err: err}
}

// run walks the connector through its phases, Disconnect is deferred as soon as validation passed.
func (e *Executor) run(ctx context.Context, u *unit) (outputs map[string]any, err error) {
	c := u.connector
	if err := safeCall(func() error { return c.SetInputParameters(u.inputs) }); err != nil {
		return nil, &ValidationError{Connector: u.typeName, Err: err}
	}
	if err := safeCall(c.Validate); err != nil {
		return nil, &ValidationError{Connector: u.typeName, Err: err}
	}

	phase := PhaseConnect
	defer func() {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			outputs = nil
			if err == nil {
				err = ctx.Err()
			}
			err = &ExecutionError{Connector: u.typeName, Phase: phase, Err: fmt.Errorf("%w: %w", ErrConnectorTimeout, unwrapExecution(err))}
		}
		disconnectErr := safeCall(func() error { return c.Disconnect(context.WithoutCancel(ctx)) })
		if disconnectErr != nil {
			e.logger.Warn("connector failed to disconnect", "type", u.typeName, "execution", u.id, "err", disconnectErr)
			if err == nil {
				outputs = nil
				err = &ExecutionError{Connector: u.typeName, Phase: PhaseDisconnect, Err: disconnectErr}
			}
		}
	}()

	if err := safeCall(func() error { return c.Connect(ctx) }); err != nil {
		return nil, &ExecutionError{Connector: u.typeName, Phase: phase, Err: err}
	}
	phase = PhaseExecute
	err = safeCall(func() error {
		var execErr error
		outputs, execErr = c.Execute(ctx)
		return execErr
	})
	if err != nil {
		return nil, &ExecutionError{Connector: u.typeName, Phase: phase, Err: err}
	}
	return outputs, nil
}

func unwrapExecution(err error) error {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Err
	}
	return err
}

// Shutdown stops accepting executions and waits until the backlog is drained.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.closedMu.Lock()
	if !e.isClosed {
		e.isClosed = true
		close(e.closed)
	}
	e.closedMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
