// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenflow/internal/config"
	"github.com/pbinitiative/zenflow/internal/log"
	"github.com/pbinitiative/zenflow/internal/otel"
	"github.com/pbinitiative/zenflow/internal/rest"
	"github.com/pbinitiative/zenflow/pkg/bpmn"
	"github.com/pbinitiative/zenflow/pkg/connector"
	"github.com/pbinitiative/zenflow/pkg/connector/js"
	otelPkg "github.com/pbinitiative/zenflow/pkg/otel"
	"github.com/pbinitiative/zenflow/pkg/scheduler"
	jsRuntime "github.com/pbinitiative/zenflow/pkg/script/js"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/pbinitiative/zenflow/pkg/storage/inmemory"
	"github.com/pbinitiative/zenflow/pkg/storage/sqlite"
	"github.com/pbinitiative/zenflow/pkg/zenflake"
	"github.com/spf13/cobra"
)

func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a zenflow node with its REST API",
		Long: `Run a zenflow node. Configuration is read from the file named by CONFIG_FILE,
conf.yaml of the working directory, or the environment.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Init()
			conf := config.InitConfig()
			return runServe(cmd.Context(), conf)
		},
	}
}

func runServe(ctx context.Context, conf config.Config) error {
	appContext, ctxCancel := context.WithCancel(ctx)
	defer ctxCancel()

	openTelemetry, err := otel.SetupOtel(conf.Tracing)
	if err != nil {
		return fmt.Errorf("failed to set up OTEL: %w", err)
	}
	defer openTelemetry.Stop(context.WithoutCancel(appContext))

	n, err := startNode(appContext, conf, openTelemetry)
	if err != nil {
		log.Error("Failed to start zenflow node: %s", err)
		return err
	}

	svr := rest.NewServer(n.engine, conf)
	if _, err := svr.Start(); err != nil {
		_ = n.stop(context.WithoutCancel(appContext))
		return err
	}

	appStop := make(chan os.Signal, 2)
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	handleSigterm(appStop, appContext)

	ctxCancel()
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	svr.Stop(stopCtx)
	if err := n.stop(stopCtx); err != nil {
		log.Error("failed to properly stop zenflow node: %s", err)
		return err
	}
	return nil
}

func handleSigterm(appStop chan os.Signal, ctx context.Context) {
	select {
	case sig := <-appStop:
		log.Infof(ctx, "Received %s. Shutting down", sig.String())
	case <-ctx.Done():
	}
}

// node is a started engine together with the resources it owns.
type node struct {
	engine  *bpmn.Engine
	store   storage.Storage
	closers []func() error
	done    chan struct{}
}

func startNode(ctx context.Context, conf config.Config, o *otel.Otel) (*node, error) {
	hclog.SetDefault(hclog.New(&hclog.LoggerOptions{
		Name:  conf.Name,
		Level: log.Level(),
	}))

	keys, err := zenflake.NewGenerator(conf.Engine.Node)
	if err != nil {
		return nil, err
	}
	n := &node{done: make(chan struct{})}
	n.store, err = openStorage(ctx, conf.Persistence, keys, n)
	if err != nil {
		return nil, err
	}

	metrics := otelPkg.NewNoopMetrics()
	scope := instrumentationName(conf)
	if o != nil {
		metrics, err = otelPkg.NewMetrics(o.Meter(scope))
		if err != nil {
			n.close()
			return nil, fmt.Errorf("failed to create engine metrics: %w", err)
		}
	}

	scripts, err := jsRuntime.NewJsRuntime(ctx, conf.Engine.ScriptVmPoolMax, conf.Engine.ScriptVmPoolMin)
	if err != nil {
		n.close()
		return nil, fmt.Errorf("failed to create script runtime: %w", err)
	}

	options := []bpmn.EngineOption{
		bpmn.WithName(conf.Name),
		bpmn.WithLogger(hclog.Default().Named("bpmn")),
		bpmn.WithMetrics(metrics),
		bpmn.WithDefinitionCache(conf.Engine.DefinitionCacheSize, conf.Engine.DefinitionCacheTtl),
		bpmn.WithExecutorOptions(
			connector.WithWorkers(conf.Engine.ConnectorWorkers),
			connector.WithQueueSize(conf.Engine.ConnectorQueueSize),
			connector.WithTimeout(conf.Engine.ConnectorTimeout),
		),
		bpmn.WithSchedulerOptions(
			scheduler.WithWorkers(conf.Engine.SchedulerWorkers),
			scheduler.WithPollInterval(conf.Engine.SchedulerPoll),
		),
		bpmn.WithConnector(js.Type, js.NewFactory(scripts)),
	}
	if o != nil {
		options = append(options, bpmn.WithTracer(o.Tracer(scope)))
	}
	n.engine, err = bpmn.NewEngine(n.store, options...)
	if err != nil {
		n.close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	if err := n.engine.Start(ctx); err != nil {
		n.close()
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	go n.sweepExpiredTriggers(ctx, conf.Engine.TriggerExpiryInterval)
	return n, nil
}

func instrumentationName(conf config.Config) string {
	if conf.Name == "" {
		return "zenflow"
	}
	return conf.Name
}

func openStorage(ctx context.Context, conf config.Persistence, keys zenflake.KeyGenerator, n *node) (storage.Storage, error) {
	switch conf.Type {
	case config.PersistenceSqlite:
		if dir := filepath.Dir(conf.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
			}
		}
		store, err := sqlite.Open(ctx, conf.Path, keys)
		if err != nil {
			return nil, err
		}
		n.closers = append(n.closers, store.Close)
		return store, nil
	case config.PersistenceInMemory, "":
		return inmemory.NewStorage(keys), nil
	default:
		return nil, fmt.Errorf("unknown persistence type %q", conf.Type)
	}
}

// sweepExpiredTriggers removes expired pending messages until ctx is done.
func (n *node) sweepExpiredTriggers(ctx context.Context, interval time.Duration) {
	defer close(n.done)
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.engine.ExpireTriggers(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("failed to expire pending triggers: %s", err)
			}
		}
	}
}

func (n *node) stop(ctx context.Context) error {
	err := n.engine.Stop(ctx)
	select {
	case <-n.done:
	case <-ctx.Done():
	}
	return errors.Join(err, n.close())
}

func (n *node) close() error {
	var errJoin error
	for _, c := range n.closers {
		errJoin = errors.Join(errJoin, c())
	}
	n.closers = nil
	return errJoin
}
