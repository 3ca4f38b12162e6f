package bpmn

import (
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenflow/pkg/connector"
	otelPkg "github.com/pbinitiative/zenflow/pkg/otel"
	"github.com/pbinitiative/zenflow/pkg/scheduler"
	"go.opentelemetry.io/otel/trace"
)

type EngineOption = func(*Engine)

func WithName(name string) EngineOption {
	return func(engine *Engine) {
		engine.name = name
	}
}

func WithLogger(logger hclog.Logger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) EngineOption {
	return func(engine *Engine) {
		engine.tracer = tracer
	}
}

func WithMetrics(metrics *otelPkg.EngineMetrics) EngineOption {
	return func(engine *Engine) {
		engine.metrics = metrics
	}
}

func WithClock(now func() time.Time) EngineOption {
	return func(engine *Engine) {
		engine.now = now
	}
}

// WithDefinitionCache sets the size and entry ttl of the process definition cache.
func WithDefinitionCache(size int, ttl time.Duration) EngineOption {
	return func(engine *Engine) {
		engine.cacheSize = size
		engine.cacheTTL = ttl
	}
}

// WithLockRetries sets how often an operation losing a record lock is repeated.
func WithLockRetries(retries int, delay time.Duration) EngineOption {
	return func(engine *Engine) {
		engine.lockRetries = retries
		engine.lockRetryDelay = delay
	}
}

func WithExecutorOptions(options ...connector.ExecutorOption) EngineOption {
	return func(engine *Engine) {
		engine.executorOptions = append(engine.executorOptions, options...)
	}
}

func WithSchedulerOptions(options ...scheduler.Option) EngineOption {
	return func(engine *Engine) {
		engine.schedulerOptions = append(engine.schedulerOptions, options...)
	}
}

// WithConnector registers a connector factory for service tasks of the given type.
func WithConnector(connectorType string, factory connector.Factory) EngineOption {
	return func(engine *Engine) {
		engine.connectorFactories[connectorType] = factory
	}
}

// WithJob registers an additional job class on the engine scheduler.
func WithJob(className string, factory scheduler.Factory) EngineOption {
	return func(engine *Engine) {
		engine.jobFactories[className] = factory
	}
}
