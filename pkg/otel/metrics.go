package otel

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type EngineMetrics struct {
	ProcessesStarted metric.Int64Counter
	ProcessesEnded   metric.Int64Counter
	ProcessesRunning metric.Int64UpDownCounter

	JobsCreated   metric.Int64Counter
	JobsCompleted metric.Int64Counter
	JobsFailed    metric.Int64Counter
	JobsRunning   metric.Int64UpDownCounter

	ConnectorsExecuted metric.Int64Counter
	ConnectorsFailed   metric.Int64Counter
	ConnectorsTimedOut metric.Int64Counter
	ConnectorDuration  metric.Float64Histogram

	TriggersDelivered metric.Int64Counter
	LockConflicts     metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*EngineMetrics, error) {
	var errJoin error

	processesStartedTotal, err := meter.Int64Counter("processes_started", metric.WithDescription("Number of processes started"))
	errJoin = errors.Join(errJoin, err)

	processesCompletedTotal, err := meter.Int64Counter("processes_completed", metric.WithDescription("Number of processes completed"))
	errJoin = errors.Join(errJoin, err)

	processesRunning, err := meter.Int64UpDownCounter("processes_running", metric.WithDescription("Number of processes currently running"))
	errJoin = errors.Join(errJoin, err)

	jobsCreated, err := meter.Int64Counter("jobs_created", metric.WithDescription("Number of jobs created"))
	errJoin = errors.Join(errJoin, err)

	jobsCompleted, err := meter.Int64Counter("jobs_completed", metric.WithDescription("Number of jobs completed"))
	errJoin = errors.Join(errJoin, err)

	jobsFailed, err := meter.Int64Counter("jobs_failed", metric.WithDescription("Number of jobs failed"))
	errJoin = errors.Join(errJoin, err)

	jobsRunning, err := meter.Int64UpDownCounter("jobs_running", metric.WithDescription("Number of jobs currently executing"))
	errJoin = errors.Join(errJoin, err)

	connectorsExecuted, err := meter.Int64Counter("connectors_executed", metric.WithDescription("Number of connector executions"))
	errJoin = errors.Join(errJoin, err)

	connectorsFailed, err := meter.Int64Counter("connectors_failed", metric.WithDescription("Number of failed connector executions"))
	errJoin = errors.Join(errJoin, err)

	connectorsTimedOut, err := meter.Int64Counter("connectors_timed_out", metric.WithDescription("Number of connector executions cancelled by timeout"))
	errJoin = errors.Join(errJoin, err)

	connectorDuration, err := meter.Float64Histogram("connector_duration", metric.WithDescription("Connector execution time"), metric.WithUnit("s"))
	errJoin = errors.Join(errJoin, err)

	triggersDelivered, err := meter.Int64Counter("triggers_delivered", metric.WithDescription("Number of triggers delivered to waiting events"))
	errJoin = errors.Join(errJoin, err)

	lockConflicts, err := meter.Int64Counter("lock_conflicts", metric.WithDescription("Number of lost compare-and-set locks"))
	errJoin = errors.Join(errJoin, err)

	metrics := EngineMetrics{
		ProcessesStarted:   processesStartedTotal,
		ProcessesEnded:     processesCompletedTotal,
		ProcessesRunning:   processesRunning,
		JobsCreated:        jobsCreated,
		JobsCompleted:      jobsCompleted,
		JobsFailed:         jobsFailed,
		JobsRunning:        jobsRunning,
		ConnectorsExecuted: connectorsExecuted,
		ConnectorsFailed:   connectorsFailed,
		ConnectorsTimedOut: connectorsTimedOut,
		ConnectorDuration:  connectorDuration,
		TriggersDelivered:  triggersDelivered,
		LockConflicts:      lockConflicts,
	}
	return &metrics, errJoin
}

// NewNoopMetrics returns instruments that record nothing, used when no meter is configured
func NewNoopMetrics() *EngineMetrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter("noop"))
	return m
}
