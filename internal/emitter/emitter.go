// Package emitter renders and publishes reap reports.
package emitter

import (
	"context"
	"errors"

	"github.com/yairfalse/buildfleet/pkg/fleet"
)

// Emitter outputs a reap report to a backend.
type Emitter interface {
	// Emit publishes one report.
	Emit(ctx context.Context, report *fleet.ReapReport) error

	// Close releases the backend.
	Close() error
}

// ErrorRecorder is implemented by emitters that count runs which aborted
// before producing a report.
type ErrorRecorder interface {
	RecordError(ctx context.Context, prefix string)
}

// MultiEmitter fans out to multiple emitters.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates an emitter that sends to multiple backends.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit sends to all emitters, returns first error.
func (m *MultiEmitter) Emit(ctx context.Context, report *fleet.ReapReport) error {
	for _, e := range m.emitters {
		if err := e.Emit(ctx, report); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every emitter and joins their errors.
func (m *MultiEmitter) Close() error {
	var errs []error
	for _, e := range m.emitters {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordError forwards to every emitter that counts aborted runs.
func (m *MultiEmitter) RecordError(ctx context.Context, prefix string) {
	for _, e := range m.emitters {
		if rec, ok := e.(ErrorRecorder); ok {
			rec.RecordError(ctx, prefix)
		}
	}
}
