// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package scheduler persists deferred jobs, fires them from their triggers on a bounded
// worker pool and keeps a failure record for every job whose last execution failed.
//
// Failed jobs are never retried automatically, they are listed with ListFailedJobs and
// executed again with ReplayFailedJob.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zenflow/pkg/otel"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type Store interface {
	storage.JobStorageReader
	storage.JobStorageWriter
	GenerateId() int64
	NewBatch() storage.Batch
}

type Scheduler struct {
	store        Store
	logger       hclog.Logger
	tracer       trace.Tracer
	metrics      *otelPkg.EngineMetrics
	now          func() time.Time
	workers      int
	pollInterval time.Duration

	mu        sync.RWMutex
	factories map[string]Factory

	// serializes read-modify-write of job logs
	logMu sync.Mutex
	// serializes trigger updates between the dispatcher and Unschedule/Purge
	triggerMu sync.Mutex

	dispatcher *dispatcher
	pool       *workerPool
}

type Option func(*Scheduler)

func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		s.workers = n
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.pollInterval = d
	}
}

func WithLogger(logger hclog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scheduler) {
		s.tracer = tracer
	}
}

func WithMetrics(metrics *otelPkg.EngineMetrics) Option {
	return func(s *Scheduler) {
		s.metrics = metrics
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func New(store Store, options ...Option) *Scheduler {
	s := &Scheduler{
		store:        store,
		logger:       hclog.Default().Named("scheduler"),
		tracer:       otel.GetTracerProvider().Tracer("zenflow/scheduler"),
		metrics:      otelPkg.NewNoopMetrics(),
		now:          time.Now,
		workers:      4,
		pollInterval: time.Second,
		factories:    make(map[string]Factory),
	}
	for _, option := range options {
		option(s)
	}
	s.dispatcher = newDispatcher(s.fire, s.store.FindDueJobTriggers, s.pollInterval, s.logger.Named("dispatcher"))
	s.pool = newWorkerPool(s.execute)
	return s
}

// Register makes a job implementation available under its class name.
func (s *Scheduler) Register(className string, factory Factory) error {
	if className == "" || factory == nil {
		return errors.New("job class name and factory are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.factories[className]; ok {
		return fmt.Errorf("%w: %s", ErrJobClassExists, className)
	}
	s.factories[className] = factory
	return nil
}

func (s *Scheduler) factory(className string) (Factory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.factories[className]
	return f, ok
}

func (s *Scheduler) Start() {
	s.pool.start(s.workers)
	s.dispatcher.start()
}

// Stop ends the dispatch loop and cancels running jobs. Queued executions are dropped,
// their triggers were already advanced.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.dispatcher.stop()
	return s.pool.stop(ctx)
}

// Schedule validates and persists the job together with its parameters and trigger.
// Invalid input yields a *ValidationError and nothing is stored.
func (s *Scheduler) Schedule(ctx context.Context, descriptor runtime.JobDescriptor, params map[string]any, trigger Trigger) (runtime.JobDescriptor, error) {
	if descriptor.JobClassName == "" {
		return descriptor, newValidationError("class", nil, "job class name is empty")
	}
	factory, ok := s.factory(descriptor.JobClassName)
	if !ok {
		return descriptor, newValidationError("class", nil, "job class %q is not registered", descriptor.JobClassName)
	}
	now := s.now()
	descriptor.Key = s.store.GenerateId()
	descriptor.CreatedAt = now
	if descriptor.JobName == "" {
		descriptor.JobName = descriptor.JobClassName
	}
	if descriptor.Description == "" {
		descriptor.Description = factory().Description()
	}
	jobTrigger, err := trigger.arm(descriptor.Key, now)
	if err != nil {
		return descriptor, err
	}

	parameters := make([]runtime.JobParameter, 0, len(params))
	for _, name := range slices.Sorted(maps.Keys(params)) {
		parameters = append(parameters, runtime.JobParameter{
			Key:              s.store.GenerateId(),
			JobDescriptorKey: descriptor.Key,
			Name:             name,
			Value:            params[name],
		})
	}
	batch := s.store.NewBatch()
	err = errors.Join(
		batch.SaveJobDescriptor(ctx, descriptor),
		batch.SaveJobParameters(ctx, descriptor.Key, parameters),
		batch.SaveJobTrigger(ctx, jobTrigger),
	)
	if err == nil {
		err = batch.Flush(ctx)
	}
	if err != nil {
		return descriptor, fmt.Errorf("failed to save job %s: %w", descriptor.JobName, err)
	}
	s.metrics.JobsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String(otelPkg.AttributeJobClass, descriptor.JobClassName)))
	s.logger.Debug("job scheduled", "key", descriptor.Key, "class", descriptor.JobClassName, "trigger", trigger.String(), "fireAt", jobTrigger.NextFireAt)
	s.dispatcher.register(jobTrigger)
	return descriptor, nil
}

// fire advances the trigger and queues the execution, it runs on the dispatch goroutine.
func (s *Scheduler) fire(trigger runtime.JobTrigger) {
	ctx := context.Background()
	s.triggerMu.Lock()
	defer s.triggerMu.Unlock()
	stored, err := s.store.FindJobTrigger(ctx, trigger.JobDescriptorKey)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Error("failed to load job trigger", "key", trigger.JobDescriptorKey, "err", err)
		return
	}
	if stored.State != runtime.JobTriggerStateScheduled || !stored.EqualTo(trigger) {
		// unscheduled or moved since it was armed
		return
	}
	descriptor, err := s.store.FindJobDescriptorByKey(ctx, trigger.JobDescriptorKey)
	if err != nil {
		s.logger.Error("failed to load job descriptor", "key", trigger.JobDescriptorKey, "err", err)
		return
	}

	if stored.Kind == runtime.JobTriggerKindOneShot {
		stored.State = runtime.JobTriggerStateDone
	} else {
		next, err := nextFireTime(stored, s.now())
		if err != nil {
			s.logger.Error("failed to compute next fire time, unscheduling", "key", stored.JobDescriptorKey, "err", err)
			stored.State = runtime.JobTriggerStateUnscheduled
		} else {
			stored.NextFireAt = next
		}
	}
	if err := s.store.SaveJobTrigger(ctx, stored); err != nil {
		s.logger.Error("failed to save job trigger", "key", stored.JobDescriptorKey, "err", err)
		return
	}
	if stored.State == runtime.JobTriggerStateScheduled {
		s.dispatcher.register(stored)
	}
	err = s.pool.submit(&execution{
		jobDescriptorKey:   descriptor.Key,
		disallowConcurrent: descriptor.DisallowConcurrentExecution,
	})
	if err != nil {
		s.logger.Warn("job not queued", "key", descriptor.Key, "err", err)
	}
}

// execute runs on a pool worker
func (s *Scheduler) execute(ctx context.Context, e *execution) (err error) {
	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("job:%d", e.jobDescriptorKey), trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeJobKey, e.jobDescriptorKey),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	descriptor, err := s.store.FindJobDescriptorByKey(ctx, e.jobDescriptorKey)
	if err != nil {
		// purged while queued
		return fmt.Errorf("failed to load job %d: %w", e.jobDescriptorKey, err)
	}
	span.SetAttributes(attribute.String(otelPkg.AttributeJobClass, descriptor.JobClassName))
	parameters, err := s.store.FindJobParameters(ctx, descriptor.Key)
	if err != nil {
		return fmt.Errorf("failed to load parameters of job %d: %w", descriptor.Key, err)
	}

	classAttr := metric.WithAttributes(attribute.String(otelPkg.AttributeJobClass, descriptor.JobClassName))
	s.metrics.JobsRunning.Add(ctx, 1, classAttr)
	jobErr := s.runJob(ctx, descriptor, parameters)
	s.metrics.JobsRunning.Add(ctx, -1, classAttr)

	if jobErr != nil {
		s.metrics.JobsFailed.Add(ctx, 1, classAttr)
		s.logger.Warn("job failed", "key", descriptor.Key, "class", descriptor.JobClassName, "err", jobErr)
		if err := s.recordFailure(ctx, descriptor, jobErr); err != nil {
			return errors.Join(jobErr, err)
		}
		return jobErr
	}
	s.metrics.JobsCompleted.Add(ctx, 1, classAttr)
	s.logger.Debug("job completed", "key", descriptor.Key, "class", descriptor.JobClassName)
	return s.recordSuccess(ctx, descriptor)
}

func (s *Scheduler) runJob(ctx context.Context, descriptor runtime.JobDescriptor, parameters []runtime.JobParameter) (err error) {
	factory, ok := s.factory(descriptor.JobClassName)
	if !ok {
		return fmt.Errorf("job class %q is not registered", descriptor.JobClassName)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", descriptor.JobName, r)
		}
	}()
	job := factory()
	attributes := make(map[string]any, len(parameters))
	for _, p := range parameters {
		attributes[p.Name] = p.Value
	}
	if err := job.SetAttributes(attributes); err != nil {
		return fmt.Errorf("failed to set attributes of job %s: %w", descriptor.JobName, err)
	}
	return job.Execute(ctx)
}

// recordFailure creates the job log with retry number 0 or increments it.
func (s *Scheduler) recordFailure(ctx context.Context, descriptor runtime.JobDescriptor, jobErr error) error {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	jobLog, err := s.store.FindJobLog(ctx, descriptor.Key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		jobLog = runtime.JobLog{JobDescriptorKey: descriptor.Key}
	case err != nil:
		return fmt.Errorf("failed to load job log %d: %w", descriptor.Key, err)
	default:
		jobLog.RetryNumber++
	}
	jobLog.LastMessage = jobErr.Error()
	jobLog.LastUpdateDate = s.now()
	if err := s.store.SaveJobLog(ctx, jobLog); err != nil {
		return fmt.Errorf("failed to save job log %d: %w", descriptor.Key, err)
	}
	return nil
}

func (s *Scheduler) recordSuccess(ctx context.Context, descriptor runtime.JobDescriptor) error {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if err := s.store.DeleteJobLog(ctx, descriptor.Key); err != nil {
		return fmt.Errorf("failed to delete job log %d: %w", descriptor.Key, err)
	}
	return nil
}

// ListFailedJobs returns a page of failed jobs, most recently failed first.
func (s *Scheduler) ListFailedJobs(ctx context.Context, offset int, limit int) ([]FailedJob, error) {
	logs, err := s.store.FindJobLogs(ctx, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load job logs: %w", err)
	}
	res := make([]FailedJob, 0, len(logs))
	for _, jobLog := range logs {
		descriptor, err := s.store.FindJobDescriptorByKey(ctx, jobLog.JobDescriptorKey)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load job %d: %w", jobLog.JobDescriptorKey, err)
		}
		res = append(res, newFailedJob(descriptor, jobLog))
	}
	return res, nil
}

// ReplayFailedJob executes a failed job again and waits for the result.
// Override parameters replace the stored ones of the same name and are persisted.
func (s *Scheduler) ReplayFailedJob(ctx context.Context, jobDescriptorKey int64, overrides map[string]any) error {
	descriptor, err := s.store.FindJobDescriptorByKey(ctx, jobDescriptorKey)
	if err != nil {
		return fmt.Errorf("failed to load job %d: %w", jobDescriptorKey, err)
	}
	if _, err := s.store.FindJobLog(ctx, jobDescriptorKey); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("job %d: %w", jobDescriptorKey, ErrJobNotFailed)
		}
		return fmt.Errorf("failed to load job log %d: %w", jobDescriptorKey, err)
	}
	if len(overrides) > 0 {
		if err := s.mergeParameters(ctx, descriptor, overrides); err != nil {
			return err
		}
	}
	e := &execution{
		jobDescriptorKey:   descriptor.Key,
		disallowConcurrent: descriptor.DisallowConcurrentExecution,
		done:               make(chan error, 1),
	}
	if err := s.pool.submit(e); err != nil {
		return err
	}
	select {
	case err := <-e.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) mergeParameters(ctx context.Context, descriptor runtime.JobDescriptor, overrides map[string]any) error {
	parameters, err := s.store.FindJobParameters(ctx, descriptor.Key)
	if err != nil {
		return fmt.Errorf("failed to load parameters of job %d: %w", descriptor.Key, err)
	}
	for _, name := range slices.Sorted(maps.Keys(overrides)) {
		i := slices.IndexFunc(parameters, func(p runtime.JobParameter) bool {
			return p.Name == name
		})
		if i >= 0 {
			parameters[i].Value = overrides[name]
			continue
		}
		parameters = append(parameters, runtime.JobParameter{
			Key:              s.store.GenerateId(),
			JobDescriptorKey: descriptor.Key,
			Name:             name,
			Value:            overrides[name],
		})
	}
	if err := s.store.SaveJobParameters(ctx, descriptor.Key, parameters); err != nil {
		return fmt.Errorf("failed to save parameters of job %d: %w", descriptor.Key, err)
	}
	return nil
}

// Unschedule stops future firings of the job, an execution already queued still runs.
func (s *Scheduler) Unschedule(ctx context.Context, jobDescriptorKey int64) error {
	s.triggerMu.Lock()
	defer s.triggerMu.Unlock()
	trigger, err := s.store.FindJobTrigger(ctx, jobDescriptorKey)
	if err != nil {
		return fmt.Errorf("failed to load trigger of job %d: %w", jobDescriptorKey, err)
	}
	s.dispatcher.remove(jobDescriptorKey)
	if trigger.State != runtime.JobTriggerStateScheduled {
		return nil
	}
	trigger.State = runtime.JobTriggerStateUnscheduled
	if err := s.store.SaveJobTrigger(ctx, trigger); err != nil {
		return fmt.Errorf("failed to save trigger of job %d: %w", jobDescriptorKey, err)
	}
	return nil
}

// PurgeFailedJob deletes a failed job with its parameters, trigger and failure record.
func (s *Scheduler) PurgeFailedJob(ctx context.Context, jobDescriptorKey int64) error {
	s.triggerMu.Lock()
	defer s.triggerMu.Unlock()
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if _, err := s.store.FindJobLog(ctx, jobDescriptorKey); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("job %d: %w", jobDescriptorKey, ErrJobNotFailed)
		}
		return fmt.Errorf("failed to load job log %d: %w", jobDescriptorKey, err)
	}
	s.dispatcher.remove(jobDescriptorKey)
	if err := s.store.DeleteJobDescriptor(ctx, jobDescriptorKey); err != nil {
		return fmt.Errorf("failed to delete job %d: %w", jobDescriptorKey, err)
	}
	return nil
}
