// Package daemon runs the image reaper on a fixed interval.
package daemon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/buildfleet/internal/emitter"
	"github.com/yairfalse/buildfleet/internal/reaper"
	"github.com/yairfalse/buildfleet/pkg/fleet"
)

// Reaper is the reap operation the daemon repeats.
type Reaper interface {
	Reap(ctx context.Context, req reaper.Request) (*fleet.ReapReport, error)
}

// Config holds daemon configuration.
type Config struct {
	Interval time.Duration
	Request  reaper.Request
}

// Daemon repeats a reap run every interval until its context ends.
type Daemon struct {
	interval  time.Duration
	request   reaper.Request
	reaper    Reaper
	emitter   emitter.Emitter
	metrics   *Metrics
	startTime time.Time
	runCount  atomic.Int64
	failCount atomic.Int64

	mu      sync.RWMutex
	lastRun time.Time
	lastErr error
}

// NewDaemon creates a daemon. The emitter receives every report.
func NewDaemon(cfg Config, r Reaper, em emitter.Emitter) (*Daemon, error) {
	if cfg.Interval <= 0 {
		return nil, &fleet.ConfigError{Field: "reap.interval", Reason: "must be positive in interval mode"}
	}
	if err := cfg.Request.Validate(); err != nil {
		return nil, err
	}

	metrics, err := NewMetrics()
	if err != nil {
		return nil, err
	}

	return &Daemon{
		interval:  cfg.Interval,
		request:   cfg.Request,
		reaper:    r,
		emitter:   em,
		metrics:   metrics,
		startTime: time.Now(),
	}, nil
}

// Start runs one reap immediately and then one per interval. It returns nil
// when ctx is canceled.
func (d *Daemon) Start(ctx context.Context) error {
	log.Info().
		Dur("interval", d.interval).
		Str("prefix", d.request.Prefix).
		Msg("reap daemon started")

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Int64("runs", d.RunCount()).Msg("reap daemon stopped")
			return nil
		case <-ticker.C:
			d.runOnce(ctx)
		}
	}
}

func (d *Daemon) runOnce(ctx context.Context) {
	d.runCount.Add(1)
	start := time.Now()

	report, err := d.reaper.Reap(ctx, d.request)
	if err == nil {
		err = d.emitter.Emit(ctx, report)
	}

	status := emitter.StatusOK
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		status = emitter.StatusError
		d.failCount.Add(1)
		log.Error().Ctx(ctx).Err(err).Str("prefix", d.request.Prefix).Msg("reap run failed")
		if rec, ok := d.emitter.(emitter.ErrorRecorder); ok {
			rec.RecordError(ctx, d.request.Prefix)
		}
	case report.PartialFailure():
		status = emitter.StatusPartialFailure
	}

	d.metrics.RecordRun(ctx, status, time.Since(start))

	d.mu.Lock()
	d.lastRun = start
	d.lastErr = err
	d.mu.Unlock()
}

// HealthStatus represents daemon health.
type HealthStatus struct {
	Status    string    `json:"status"`
	Uptime    int64     `json:"uptime_seconds"`
	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Health returns daemon health. The daemon is degraded while its most
// recent run failed.
func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	h := HealthStatus{
		Status:   "healthy",
		Uptime:   int64(time.Since(d.startTime).Seconds()),
		Runs:     d.runCount.Load(),
		Failures: d.failCount.Load(),
		LastRun:  d.lastRun,
	}
	if d.lastErr != nil {
		h.Status = "degraded"
		h.LastError = d.lastErr.Error()
	}
	return h
}

// RunCount returns total reap runs started.
func (d *Daemon) RunCount() int64 {
	return d.runCount.Load()
}
