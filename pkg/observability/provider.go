// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability wires OpenTelemetry tracing and metrics for the
// maestro daemon. Metrics are exported through a Prometheus registry
// served on the daemon's /metrics endpoint; traces go to stdout when
// enabled.
package observability

import (
	"context"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config controls which signals the provider produces.
type Config struct {
	// ServiceName tags exported telemetry; defaults to "maestro"
	ServiceName string

	// EnableTracing turns on the stdout span exporter
	EnableTracing bool

	// Registry receives the metric families; a fresh one is created
	// when nil
	Registry *prometheus.Registry
}

// Provider owns the telemetry pipelines for one daemon process.
type Provider struct {
	registry *prometheus.Registry
	meters   *sdkmetric.MeterProvider
	traces   *sdktrace.TracerProvider
}

// New builds a provider: a Prometheus-backed meter provider, and
// optionally a stdout trace pipeline.
func New(cfg Config) (*Provider, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "maestro"
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(name),
	))
	if err != nil {
		return nil, err
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}
	meters := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	p := &Provider{registry: registry, meters: meters}

	if cfg.EnableTracing {
		spanExporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return nil, err
		}
		p.traces = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(spanExporter),
		)
		otel.SetTracerProvider(p.traces)
	}
	otel.SetMeterProvider(meters)

	return p, nil
}

// Meter returns a meter in the maestro instrumentation scope.
func (p *Provider) Meter(scope string) metric.Meter {
	return p.meters.Meter(scope)
}

// Tracer returns a tracer, a no-op one when tracing is disabled.
func (p *Provider) Tracer(scope string) trace.Tracer {
	if p.traces == nil {
		return noop.NewTracerProvider().Tracer(scope)
	}
	return p.traces.Tracer(scope)
}

// MetricsHandler serves the Prometheus exposition endpoint.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the pipelines.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := p.meters.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if p.traces != nil {
		if err := p.traces.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
