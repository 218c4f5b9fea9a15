package emitter

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/buildfleet/pkg/fleet"
)

// Run statuses recorded on buildfleet_reap_runs_total.
const (
	StatusOK             = "ok"
	StatusPartialFailure = "partial_failure"
	StatusError          = "error"
)

// MetricsEmitter records reap reports as OTEL metrics. With a Prometheus
// reader on the meter provider they are scraped from /metrics.
type MetricsEmitter struct {
	meter metric.Meter

	reapDuration   metric.Float64Histogram
	reapRunsTotal  metric.Int64Counter
	reapItemsTotal metric.Int64Counter
	retainedImages metric.Int64ObservableGauge
	retainedMoves  metric.Int64Counter

	mu   sync.RWMutex
	last *fleet.ReapReport

	tracker *RetainedTracker
}

// NewMetricsEmitter creates a metrics emitter on the global meter provider.
func NewMetricsEmitter() (*MetricsEmitter, error) {
	e := &MetricsEmitter{
		meter:   otel.Meter("github.com/yairfalse/buildfleet"),
		tracker: NewRetainedTracker(),
	}

	if err := e.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	return e, nil
}

func (e *MetricsEmitter) initMetrics() error {
	var err error

	e.reapDuration, err = e.meter.Float64Histogram(
		"buildfleet_reap_duration_seconds",
		metric.WithDescription("Time taken by a reap run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create reap_duration histogram: %w", err)
	}

	e.reapRunsTotal, err = e.meter.Int64Counter(
		"buildfleet_reap_runs_total",
		metric.WithDescription("Reap runs by status"),
	)
	if err != nil {
		return fmt.Errorf("create reap_runs counter: %w", err)
	}

	e.reapItemsTotal, err = e.meter.Int64Counter(
		"buildfleet_reap_items_total",
		metric.WithDescription("Images processed for removal by outcome"),
	)
	if err != nil {
		return fmt.Errorf("create reap_items counter: %w", err)
	}

	e.retainedImages, err = e.meter.Int64ObservableGauge(
		"buildfleet_retained_images",
		metric.WithDescription("Images kept by the last reap run"),
		metric.WithInt64Callback(e.observeRetained),
	)
	if err != nil {
		return fmt.Errorf("create retained_images gauge: %w", err)
	}

	e.retainedMoves, err = e.meter.Int64Counter(
		"buildfleet_retained_changes_total",
		metric.WithDescription("Images entering or leaving the retained set between runs"),
	)
	if err != nil {
		return fmt.Errorf("create retained_changes counter: %w", err)
	}

	return nil
}

// Emit records the report.
func (e *MetricsEmitter) Emit(ctx context.Context, report *fleet.ReapReport) error {
	prefix := attribute.String("prefix", report.Prefix)

	status := StatusOK
	if report.PartialFailure() {
		status = StatusPartialFailure
	}
	e.reapRunsTotal.Add(ctx, 1, metric.WithAttributes(prefix, attribute.String("status", status)))
	e.reapDuration.Record(ctx, report.Duration.Seconds(), metric.WithAttributes(prefix))

	for _, item := range report.Items {
		e.reapItemsTotal.Add(ctx, 1, metric.WithAttributes(prefix, attribute.String("outcome", string(item.Outcome))))
	}

	e.emitChanges(ctx, report)

	e.mu.Lock()
	e.last = report
	e.mu.Unlock()
	e.tracker.Update(report.Kept)

	return nil
}

// SeedRetained sets the baseline for the first retained-set diff, so a
// restarted daemon reports changes against the last stored run.
func (e *MetricsEmitter) SeedRetained(kept []fleet.TagEntry) {
	e.tracker.Update(kept)
}

// RecordError counts a run that aborted before producing a report.
func (e *MetricsEmitter) RecordError(ctx context.Context, prefix string) {
	e.reapRunsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("prefix", prefix),
		attribute.String("status", StatusError),
	))
}

func (e *MetricsEmitter) emitChanges(ctx context.Context, report *fleet.ReapReport) {
	for _, change := range e.tracker.Diff(report.Kept) {
		e.retainedMoves.Add(ctx, 1, metric.WithAttributes(
			attribute.String("prefix", report.Prefix),
			attribute.String("change", change.Type),
		))
		log.Info().Ctx(ctx).
			Str("image_id", change.Entry.Image.ImageID).
			Int("sequence", change.Entry.Tag.Sequence).
			Str("change", change.Type).
			Msg("retained set changed")
	}
}

func (e *MetricsEmitter) observeRetained(_ context.Context, o metric.Int64Observer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.last == nil {
		return nil
	}
	o.Observe(int64(len(e.last.Kept)), metric.WithAttributes(attribute.String("prefix", e.last.Prefix)))
	return nil
}

// Close is a no-op for the metrics emitter.
func (e *MetricsEmitter) Close() error {
	return nil
}
