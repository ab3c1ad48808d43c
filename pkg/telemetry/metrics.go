// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/okodu/switchboard/pkg/core"
)

// DispatchMetrics tracks dispatch volume, per-attempt outcomes and
// registry health for production monitoring.
type DispatchMetrics struct {
	dispatchCounter  metric.Int64Counter
	attemptCounter   metric.Int64Counter
	dispatchDuration metric.Float64Histogram
	healthGauge      metric.Int64Gauge
}

// NewDispatchMetrics creates the dispatcher metric instruments on the
// global meter provider.
func NewDispatchMetrics() (*DispatchMetrics, error) {
	meter := otel.Meter("switchboard/router")

	dispatchCounter, err := meter.Int64Counter(
		"switchboard.dispatches.total",
		metric.WithDescription("Completed Submit calls by outcome"),
	)
	if err != nil {
		return nil, err
	}

	attemptCounter, err := meter.Int64Counter(
		"switchboard.attempts.total",
		metric.WithDescription("Dispatch attempts by agent and outcome"),
	)
	if err != nil {
		return nil, err
	}

	dispatchDuration, err := meter.Float64Histogram(
		"switchboard.dispatch.duration_ms",
		metric.WithDescription("End-to-end Submit duration in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	healthGauge, err := meter.Int64Gauge(
		"switchboard.agent.health",
		metric.WithDescription("Agent health (0=healthy, 1=unknown, 2=degraded, 3=unreachable)"),
	)
	if err != nil {
		return nil, err
	}

	return &DispatchMetrics{
		dispatchCounter:  dispatchCounter,
		attemptCounter:   attemptCounter,
		dispatchDuration: dispatchDuration,
		healthGauge:      healthGauge,
	}, nil
}

// RecordDispatch records one finished Submit call.
func (dm *DispatchMetrics) RecordDispatch(ctx context.Context, result core.DispatchResult) {
	if dm == nil {
		return
	}
	outcome := "failed"
	if result.Succeeded() {
		outcome = "succeeded"
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrDispatchOutcome, outcome),
		attribute.Int(AttrDispatchAttempts, len(result.Attempts)),
	)
	dm.dispatchCounter.Add(ctx, 1, attrs)
	dm.dispatchDuration.Record(ctx, float64(result.Elapsed)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String(AttrDispatchOutcome, outcome)))
}

// RecordAttempt records one transport attempt against one agent.
func (dm *DispatchMetrics) RecordAttempt(ctx context.Context, attempt core.Attempt) {
	if dm == nil {
		return
	}
	dm.attemptCounter.Add(ctx, 1, metric.WithAttributes(AttemptAttrs(attempt)...))
}

// RecordHealth records the current health of an agent.
func (dm *DispatchMetrics) RecordHealth(ctx context.Context, agentID string, health core.Health) {
	if dm == nil {
		return
	}
	dm.healthGauge.Record(ctx, int64(health.Rank()), metric.WithAttributes(
		attribute.String(AttrAgentID, agentID),
	))
}
