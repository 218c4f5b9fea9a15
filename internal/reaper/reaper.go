// Package reaper retires old tagged images and their root snapshots while
// keeping a minimum number of recent images.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yairfalse/buildfleet/internal/audit"
	"github.com/yairfalse/buildfleet/internal/filter"
	"github.com/yairfalse/buildfleet/internal/retention"
	"github.com/yairfalse/buildfleet/pkg/fleet"
)

// DefaultConcurrency processes removals one at a time.
const DefaultConcurrency = 1

// ImageAPI is the part of the Compute API the reaper needs.
type ImageAPI interface {
	ListImages(ctx context.Context, tagKey, device string) ([]fleet.TaggedImage, error)
	DeregisterImage(ctx context.Context, imageID string) error
	DeleteSnapshot(ctx context.Context, snapshotID string) error
}

// Recorder receives audit entries. *audit.Log satisfies it.
type Recorder interface {
	Append(entryType audit.EntryType, subject string, data any) error
	AppendError(entryType audit.EntryType, subject string, data any, cause error) error
}

// Request describes one reap run.
type Request struct {
	TagKey          string           `json:"tag_key"`
	Prefix          string           `json:"prefix"`
	Device          string           `json:"device"`
	MinimumToRetain int              `json:"minimum_to_retain"`
	Parser          retention.Parser `json:"-"`           // defaults to retention.SequenceParser
	Concurrency     int              `json:"concurrency"` // removals in flight, defaults to 1
	DryRun          bool             `json:"dry_run"`
	Filter          *filter.Filter   `json:"-"` // protects images by tag, nil allows all
}

// Validate rejects requests before any API call is made.
func (r Request) Validate() error {
	if strings.TrimSpace(r.TagKey) == "" {
		return &fleet.ConfigError{Field: "reap.tag_key", Reason: "required"}
	}
	if r.Prefix == "" {
		return &fleet.ConfigError{Field: "reap.prefix", Reason: "required"}
	}
	if r.MinimumToRetain < 0 {
		return &fleet.ConfigError{Field: "reap.minimum_to_retain", Reason: "must not be negative"}
	}
	if r.Concurrency < 0 {
		return &fleet.ConfigError{Field: "reap.concurrency", Reason: "must not be negative"}
	}
	return nil
}

// Reaper runs the retention policy against the Compute API.
type Reaper struct {
	api      ImageAPI
	recorder Recorder
	now      func() time.Time
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithRecorder sends decisions and outcomes to an audit recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Reaper) {
		r.recorder = rec
	}
}

// New creates a Reaper.
func New(api ImageAPI, opts ...Option) *Reaper {
	r := &Reaper{
		api: api,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reap lists the tagged images, decides which to retire and retires them.
// A configuration or listing error aborts the run before anything is removed.
// Per-item failures are reported in the result and never abort the run.
func (r *Reaper) Reap(ctx context.Context, req Request) (report *fleet.ReapReport, err error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Parser == nil {
		req.Parser = retention.SequenceParser{}
	}
	if req.Concurrency == 0 {
		req.Concurrency = DefaultConcurrency
	}

	ctx, span := otel.Tracer("buildfleet/reaper").Start(ctx, "buildfleet.reap")
	span.SetAttributes(
		attribute.String("reap.tag_key", req.TagKey),
		attribute.String("reap.prefix", req.Prefix),
		attribute.Int("reap.minimum_to_retain", req.MinimumToRetain),
		attribute.Bool("reap.dry_run", req.DryRun),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Int("reap.removed", len(report.Items)),
				attribute.Int("reap.failed", report.FailedCount()),
			)
		}
		span.End()
	}()

	report = &fleet.ReapReport{
		TagKey:          req.TagKey,
		Prefix:          req.Prefix,
		MinimumToRetain: req.MinimumToRetain,
		DryRun:          req.DryRun,
		StartTime:       r.now(),
	}
	r.record(audit.EntryStarted, req.Prefix, req)

	images, err := r.api.ListImages(ctx, req.TagKey, req.Device)
	if err != nil {
		return nil, fmt.Errorf("list images tagged %s: %w", req.TagKey, err)
	}
	report.Listed = len(images)

	entries, excluded := retention.Candidates(images, req.Prefix, req.Parser)
	entries, filtered := req.Filter.Entries(entries)
	excluded = append(excluded, filtered...)
	report.Excluded = excluded
	for _, ex := range excluded {
		log.Debug().Ctx(ctx).
			Str("image_id", ex.ImageID).
			Str("tag_value", ex.TagValue).
			Str("reason", ex.Reason).
			Msg("image excluded")
		r.record(audit.EntryExcluded, ex.ImageID, ex)
	}

	decision, err := retention.Decide(entries, req.MinimumToRetain)
	if err != nil {
		return nil, err
	}
	report.Kept = decision.Keep

	log.Info().Ctx(ctx).
		Str("prefix", req.Prefix).
		Int("listed", len(images)).
		Int("candidates", len(entries)).
		Ints("keep", lo.Map(decision.Keep, sequenceOf)).
		Ints("remove", lo.Map(decision.Remove, sequenceOf)).
		Bool("dry_run", req.DryRun).
		Msg("retention decided")
	r.record(audit.EntryDecided, req.Prefix, decision)

	report.Items = r.removeAll(ctx, decision.Remove, req)

	report.EndTime = r.now()
	report.Duration = report.EndTime.Sub(report.StartTime)

	counts := lo.CountValuesBy(report.Items, func(item fleet.ItemResult) fleet.Outcome { return item.Outcome })
	log.Info().Ctx(ctx).
		Str("prefix", req.Prefix).
		Int("removed", len(report.Items)).
		Int("failed", report.FailedCount()).
		Interface("outcomes", counts).
		Dur("duration", report.Duration).
		Msg("reap finished")

	return report, nil
}

// removeAll retires every entry with at most req.Concurrency in flight.
// Results keep the order of entries.
func (r *Reaper) removeAll(ctx context.Context, entries []fleet.TagEntry, req Request) []fleet.ItemResult {
	results := make([]fleet.ItemResult, len(entries))
	sem := make(chan struct{}, req.Concurrency)
	var wg sync.WaitGroup

	for i, entry := range entries {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, entry fleet.TagEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = r.remove(ctx, entry, req.DryRun)
		}(i, entry)
	}
	wg.Wait()

	return results
}

// remove deregisters one image and, only once that succeeded, deletes its
// snapshot.
func (r *Reaper) remove(ctx context.Context, entry fleet.TagEntry, dryRun bool) fleet.ItemResult {
	start := r.now()
	img := entry.Image
	result := fleet.ItemResult{
		ImageID:    img.ImageID,
		SnapshotID: img.SnapshotID,
		Sequence:   entry.Tag.Sequence,
	}
	finish := func(outcome fleet.Outcome, detail string) fleet.ItemResult {
		result.Outcome = outcome
		result.Detail = detail
		result.Duration = r.now().Sub(start)
		return result
	}

	logger := log.With().
		Str("image_id", img.ImageID).
		Str("snapshot_id", img.SnapshotID).
		Int("sequence", entry.Tag.Sequence).
		Logger()

	if dryRun {
		logger.Info().Ctx(ctx).Str("outcome", string(fleet.OutcomeDryRun)).Msg("would remove image")
		return finish(fleet.OutcomeDryRun, "")
	}

	if err := ctx.Err(); err != nil {
		r.recordError(audit.EntryFailed, img.ImageID, result, err)
		return finish(fleet.OutcomeFailed, "skipped: "+err.Error())
	}

	if err := r.api.DeregisterImage(ctx, img.ImageID); err != nil {
		logger.Warn().Ctx(ctx).Err(err).Str("outcome", string(fleet.OutcomeFailed)).Msg("deregister image failed")
		r.recordError(audit.EntryFailed, img.ImageID, result, err)
		return finish(fleet.OutcomeFailed, "deregister: "+err.Error())
	}
	r.record(audit.EntryDeregistered, img.ImageID, result)

	if img.SnapshotID == "" {
		logger.Info().Ctx(ctx).Str("outcome", string(fleet.OutcomeDeregistered)).Msg("image deregistered")
		return finish(fleet.OutcomeDeregistered, "no snapshot on device")
	}

	if err := r.api.DeleteSnapshot(ctx, img.SnapshotID); err != nil {
		logger.Warn().Ctx(ctx).Err(err).Str("outcome", string(fleet.OutcomeSnapshotFailed)).Msg("delete snapshot failed")
		r.recordError(audit.EntryFailed, img.SnapshotID, result, err)
		return finish(fleet.OutcomeSnapshotFailed, "delete snapshot: "+err.Error())
	}
	r.record(audit.EntrySnapshotDeleted, img.SnapshotID, result)

	logger.Info().Ctx(ctx).Str("outcome", string(fleet.OutcomeSnapshotDeleted)).Msg("image and snapshot removed")
	return finish(fleet.OutcomeSnapshotDeleted, "")
}

func (r *Reaper) record(entryType audit.EntryType, subject string, data any) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.Append(entryType, subject, data); err != nil {
		log.Warn().Err(err).Str("entry", string(entryType)).Msg("audit append failed")
	}
}

func (r *Reaper) recordError(entryType audit.EntryType, subject string, data any, cause error) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.AppendError(entryType, subject, data, cause); err != nil {
		log.Warn().Err(errors.Join(err, cause)).Str("entry", string(entryType)).Msg("audit append failed")
	}
}

func sequenceOf(e fleet.TagEntry, _ int) int {
	return e.Tag.Sequence
}
