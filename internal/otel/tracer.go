// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package otel

import (
	"context"
	"fmt"
	"strings"

	"github.com/pbinitiative/zenflow/internal/config"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// exporterOptions turns the configured endpoint into otlp http options.
// Plain http endpoints and endpoints without a scheme are exported without TLS.
func exporterOptions(endpoint string) []otlptracehttp.Option {
	secure := strings.HasPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	host, path, hasPath := strings.Cut(endpoint, "/")
	options := []otlptracehttp.Option{otlptracehttp.WithEndpoint(host)}
	if hasPath && path != "" {
		options = append(options, otlptracehttp.WithURLPath("/"+path))
	}
	if !secure {
		options = append(options, otlptracehttp.WithInsecure())
	}
	return options
}

func setupTraceProvider(ctx context.Context, conf config.Tracing) (*trace.TracerProvider, error) {
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(exporterOptions(conf.Endpoint)...))
	if err != nil {
		return nil, fmt.Errorf("creating new exporter: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(conf.Name)),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create new tracing resource: %w", err)
	}

	return trace.NewTracerProvider(
		trace.WithBatcher(exporter, trace.WithMaxExportBatchSize(trace.DefaultMaxExportBatchSize)),
		trace.WithResource(res),
	), nil
}
