package daemon

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds interval-mode operational metrics.
type Metrics struct {
	runs        metric.Int64Counter
	runDuration metric.Float64Histogram
	lastSuccess metric.Int64Gauge
}

// NewMetrics creates daemon metrics on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("github.com/yairfalse/buildfleet/daemon")

	runs, err := meter.Int64Counter(
		"buildfleet_daemon_runs_total",
		metric.WithDescription("Interval reap runs by status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"buildfleet_daemon_run_duration_seconds",
		metric.WithDescription("Duration of interval reap runs including emission"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastSuccess, err := meter.Int64Gauge(
		"buildfleet_daemon_last_success_timestamp_seconds",
		metric.WithDescription("Unix time of the last run without errors"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runs:        runs,
		runDuration: runDuration,
		lastSuccess: lastSuccess,
	}, nil
}

// RecordRun records one run with its status.
func (m *Metrics) RecordRun(ctx context.Context, status string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.runs.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, d.Seconds(), attrs)
	if status != "error" {
		m.lastSuccess.Record(ctx, time.Now().Unix())
	}
}
