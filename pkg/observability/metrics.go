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

package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EngineMetrics holds the instruments recorded around ensemble
// executions.
type EngineMetrics struct {
	executions metric.Int64Counter
	duration   metric.Float64Histogram
	cacheHits  metric.Int64Counter
	retries    metric.Int64Counter
	suspended  metric.Int64Counter
	webhooks   metric.Int64Counter
	schedules  metric.Int64Counter
}

// NewEngineMetrics registers the engine instruments on a meter.
func NewEngineMetrics(meter metric.Meter) (*EngineMetrics, error) {
	m := &EngineMetrics{}
	var err error

	if m.executions, err = meter.Int64Counter("maestro_executions_total",
		metric.WithDescription("Completed ensemble executions by status")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("maestro_execution_duration_seconds",
		metric.WithDescription("End-to-end ensemble execution time")); err != nil {
		return nil, err
	}
	if m.cacheHits, err = meter.Int64Counter("maestro_cache_hits_total",
		metric.WithDescription("Step results served from the cache")); err != nil {
		return nil, err
	}
	if m.retries, err = meter.Int64Counter("maestro_retries_total",
		metric.WithDescription("Member and scoring retries")); err != nil {
		return nil, err
	}
	if m.suspended, err = meter.Int64Counter("maestro_suspensions_total",
		metric.WithDescription("Executions suspended for approval")); err != nil {
		return nil, err
	}
	if m.webhooks, err = meter.Int64Counter("maestro_webhook_requests_total",
		metric.WithDescription("Webhook requests by outcome")); err != nil {
		return nil, err
	}
	if m.schedules, err = meter.Int64Counter("maestro_schedule_firings_total",
		metric.WithDescription("Cron schedule firings by ensemble")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordExecution records one finished execution.
func (m *EngineMetrics) RecordExecution(ctx context.Context, ensembleName, status string, durationSeconds float64, cacheHits, retries int) {
	attrs := metric.WithAttributes(
		attribute.String("ensemble", ensembleName),
		attribute.String("status", status),
	)
	m.executions.Add(ctx, 1, attrs)
	m.duration.Record(ctx, durationSeconds, attrs)
	if cacheHits > 0 {
		m.cacheHits.Add(ctx, int64(cacheHits), metric.WithAttributes(attribute.String("ensemble", ensembleName)))
	}
	if retries > 0 {
		m.retries.Add(ctx, int64(retries), metric.WithAttributes(attribute.String("ensemble", ensembleName)))
	}
	if status == "suspended" {
		m.suspended.Add(ctx, 1, metric.WithAttributes(attribute.String("ensemble", ensembleName)))
	}
}

// RecordWebhook counts one webhook request.
func (m *EngineMetrics) RecordWebhook(ctx context.Context, path, outcome string) {
	m.webhooks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("path", path),
		attribute.String("outcome", outcome),
	))
}

// RecordScheduleFiring counts one cron dispatch.
func (m *EngineMetrics) RecordScheduleFiring(ctx context.Context, ensembleName, schedule string) {
	m.schedules.Add(ctx, 1, metric.WithAttributes(
		attribute.String("ensemble", ensembleName),
		attribute.String("schedule", schedule),
	))
}
