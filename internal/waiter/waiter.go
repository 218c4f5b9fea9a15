// Package waiter blocks until a launched instance is usable: in the target
// state, addressable, with the requested ports accepting connections.
package waiter

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yairfalse/buildfleet/internal/probe"
	"github.com/yairfalse/buildfleet/pkg/fleet"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultPortInterval = 1 * time.Second

	// RefreshTimeout bounds the describe that follows the settle delay,
	// which runs after the wait budget may already be spent.
	RefreshTimeout = 10 * time.Second
)

// Describer fetches the current state of an instance.
type Describer interface {
	DescribeInstance(ctx context.Context, id string) (*fleet.Instance, error)
}

// Request describes one wait.
type Request struct {
	InstanceID     string
	TargetState    fleet.InstanceState // defaults to running
	Ports          []int
	Timeout        time.Duration
	ExtraWait      time.Duration // settle delay after readiness, not bounded by Timeout
	PrivateAddress bool          // probe the private IP instead of the public address
}

// Validate rejects requests that can never succeed.
func (r Request) Validate() error {
	if r.InstanceID == "" {
		return &fleet.ConfigError{Field: "instance_id", Reason: "required"}
	}
	if r.Timeout <= 0 {
		return &fleet.ConfigError{Field: "wait.timeout", Reason: "must be positive"}
	}
	if r.ExtraWait < 0 {
		return &fleet.ConfigError{Field: "wait.extra_wait", Reason: "must not be negative"}
	}
	for _, port := range r.Ports {
		if port < 1 || port > 65535 {
			return &fleet.ConfigError{Field: "wait.ports", Reason: fmt.Sprintf("port %d out of range", port)}
		}
	}
	if len(r.Ports) > 0 && r.targetState() != fleet.StateRunning {
		return &fleet.ConfigError{
			Field:  "wait.ports",
			Reason: fmt.Sprintf("ports need state %q, got %q", fleet.StateRunning, r.targetState()),
		}
	}
	return nil
}

func (r Request) targetState() fleet.InstanceState {
	if r.TargetState == "" {
		return fleet.StateRunning
	}
	return r.TargetState
}

// needsAddress reports whether readiness includes an assigned address.
func (r Request) needsAddress() bool {
	return r.targetState() == fleet.StateRunning
}

// Waiter polls the Compute API until an instance is ready.
type Waiter struct {
	describer    Describer
	prober       probe.Prober
	clock        Clock
	pollInterval time.Duration
	portInterval time.Duration
}

// Option configures a Waiter.
type Option func(*Waiter)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(w *Waiter) {
		w.clock = c
	}
}

// WithPollInterval sets the delay between describe calls.
func WithPollInterval(d time.Duration) Option {
	return func(w *Waiter) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithPortInterval sets the delay between connection attempts.
func WithPortInterval(d time.Duration) Option {
	return func(w *Waiter) {
		if d > 0 {
			w.portInterval = d
		}
	}
}

// New creates a Waiter.
func New(describer Describer, prober probe.Prober, opts ...Option) *Waiter {
	w := &Waiter{
		describer:    describer,
		prober:       prober,
		clock:        realClock{},
		pollInterval: DefaultPollInterval,
		portInterval: DefaultPortInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Await blocks until the instance reaches the target state, has an address
// (for running), has every requested port open, and the settle delay has
// passed. The deadline is fixed at entry and bounds every describe call and
// connection attempt as well as the sleeps between them. The returned
// instance is described again after the settle delay; if that final describe
// fails, the snapshot that satisfied readiness is returned instead. A timeout
// leaves the instance as is.
func (w *Waiter) Await(ctx context.Context, req Request) (inst *fleet.Instance, err error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.TargetState = req.targetState()

	ctx, span := otel.Tracer("buildfleet/waiter").Start(ctx, "buildfleet.await")
	span.SetAttributes(
		attribute.String("instance.id", req.InstanceID),
		attribute.String("instance.target_state", string(req.TargetState)),
		attribute.IntSlice("instance.ports", req.Ports),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	start := w.clock.Now()
	deadline := start.Add(req.Timeout)

	// The clock may not be the wall clock, so the context gets the
	// remaining budget rather than the deadline itself.
	callCtx, cancel := context.WithTimeout(ctx, deadline.Sub(start))
	defer cancel()

	inst, err = w.pollState(ctx, callCtx, req, start, deadline)
	if err != nil {
		return nil, err
	}

	if req.needsAddress() && len(req.Ports) > 0 {
		if err := w.waitPorts(ctx, callCtx, req, inst, start, deadline); err != nil {
			return nil, err
		}
	}

	if req.ExtraWait > 0 {
		log.Info().Ctx(ctx).
			Str("instance_id", req.InstanceID).
			Dur("extra_wait", req.ExtraWait).
			Msg("settling")
		if err := w.clock.Sleep(ctx, req.ExtraWait); err != nil {
			return nil, err
		}
	}
	if req.ExtraWait > 0 || (req.needsAddress() && len(req.Ports) > 0) {
		inst = w.refresh(ctx, req, inst)
	}

	log.Info().Ctx(ctx).
		Str("instance_id", inst.ID).
		Str("state", string(inst.State)).
		Str("address", inst.Address(req.PrivateAddress)).
		Dur("elapsed", w.clock.Now().Sub(start)).
		Msg("instance ready")

	return inst, nil
}

// refresh describes the instance once more so the caller sees its state after
// ports and settle. Failures keep the snapshot that satisfied readiness.
func (w *Waiter) refresh(ctx context.Context, req Request, ready *fleet.Instance) *fleet.Instance {
	ctx, cancel := context.WithTimeout(ctx, RefreshTimeout)
	defer cancel()

	inst, err := w.describer.DescribeInstance(ctx, req.InstanceID)
	if err != nil {
		log.Warn().Ctx(ctx).Err(err).Str("instance_id", req.InstanceID).Msg("describe after settle failed, using earlier snapshot")
		return ready
	}
	return inst
}

// expired reports whether the wait budget ran out while the caller is still
// waiting.
func expired(ctx, callCtx context.Context) bool {
	return ctx.Err() == nil && callCtx.Err() != nil
}

// pollState describes under callCtx, which carries the deadline, and sleeps
// under ctx.
func (w *Waiter) pollState(ctx, callCtx context.Context, req Request, start, deadline time.Time) (*fleet.Instance, error) {
	var (
		last    *fleet.Instance
		lastErr error
		stage   = StagePolling
	)

	for {
		inst, err := w.describer.DescribeInstance(callCtx, req.InstanceID)
		switch {
		case err != nil && expired(ctx, callCtx):
			if lastErr == nil {
				lastErr = err
			}
			return nil, timeoutError(req, stage, last, 0, w.clock.Now().Sub(start), lastErr)
		case err == nil:
			if last == nil || last.State != inst.State {
				log.Info().Ctx(ctx).
					Str("instance_id", req.InstanceID).
					Str("state", string(inst.State)).
					Str("target_state", string(req.TargetState)).
					Msg("instance state")
			}
			last, lastErr = inst, nil

			if inst.State == req.TargetState {
				if !req.needsAddress() || inst.Address(req.PrivateAddress) != "" {
					return inst, nil
				}
				if stage != StageAddressPending {
					log.Debug().Ctx(ctx).Str("instance_id", req.InstanceID).Msg("waiting for address")
				}
				stage = StageAddressPending
			} else {
				stage = StagePolling
			}
		case fleet.IsRetryable(err):
			lastErr = err
			log.Warn().Ctx(ctx).Err(err).Str("instance_id", req.InstanceID).Msg("describe instance throttled, retrying")
		default:
			return nil, fmt.Errorf("poll instance %s: %w", req.InstanceID, err)
		}

		now := w.clock.Now()
		if !now.Before(deadline) {
			return nil, timeoutError(req, stage, last, 0, now.Sub(start), lastErr)
		}
		if err := w.clock.Sleep(ctx, minDuration(w.pollInterval, deadline.Sub(now))); err != nil {
			return nil, err
		}
	}
}

func (w *Waiter) waitPorts(ctx, callCtx context.Context, req Request, inst *fleet.Instance, start, deadline time.Time) error {
	host := inst.Address(req.PrivateAddress)

	for _, port := range req.Ports {
		for attempt := 1; ; attempt++ {
			err := w.prober.Probe(callCtx, host, port)
			if err == nil {
				log.Info().Ctx(ctx).
					Str("instance_id", req.InstanceID).
					Str("address", host).
					Int("port", port).
					Int("attempts", attempt).
					Msg("port open")
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			now := w.clock.Now()
			if !now.Before(deadline) || expired(ctx, callCtx) {
				return timeoutError(req, StagePortChecking, inst, port, now.Sub(start), err)
			}
			log.Debug().Ctx(ctx).Err(err).Str("address", host).Int("port", port).Msg("port not open yet")
			if err := w.clock.Sleep(ctx, minDuration(w.portInterval, deadline.Sub(now))); err != nil {
				return err
			}
		}
	}

	return nil
}

func timeoutError(req Request, stage Stage, last *fleet.Instance, port int, elapsed time.Duration, cause error) *TimeoutError {
	e := &TimeoutError{
		InstanceID: req.InstanceID,
		Stage:      stage,
		Port:       port,
		Elapsed:    elapsed,
		Cause:      cause,
	}
	if last != nil {
		e.LastState = last.State
		e.Address = last.Address(req.PrivateAddress)
	}
	return e
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
