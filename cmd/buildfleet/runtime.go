package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/buildfleet/internal/audit"
	"github.com/yairfalse/buildfleet/internal/compute"
	"github.com/yairfalse/buildfleet/internal/config"
	"github.com/yairfalse/buildfleet/internal/probe"
	"github.com/yairfalse/buildfleet/internal/state"
	"github.com/yairfalse/buildfleet/internal/telemetry"
	"github.com/yairfalse/buildfleet/internal/waiter"
	"github.com/yairfalse/buildfleet/pkg/fleet"
)

// newComputeClient builds the EC2 client and logs which account it acts on.
func newComputeClient(ctx context.Context, cfg *config.Config) (*compute.Client, error) {
	client, err := compute.New(ctx,
		compute.WithRegion(cfg.AWS.Region),
		compute.WithProfile(cfg.AWS.Profile),
	)
	if err != nil {
		return nil, err
	}

	account, err := client.AccountID(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not resolve caller identity")
	} else {
		log.Info().Str("account", account).Str("region", client.Region()).Msg("connected to aws")
	}
	return client, nil
}

// openAudit opens the audit log when audit.dir is set. It returns a nil log
// otherwise.
func openAudit(cfg *config.Config) (*audit.Log, error) {
	if cfg.Audit.Dir == "" {
		return nil, nil
	}

	if n, err := audit.Prune(cfg.Audit.Dir, cfg.Audit.RetentionDays, time.Now()); err != nil {
		log.Warn().Err(err).Str("dir", cfg.Audit.Dir).Msg("audit prune failed")
	} else if n > 0 {
		log.Debug().Int("removed", n).Msg("pruned audit files")
	}

	l, err := audit.Open(cfg.Audit.Dir)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("path", l.Path()).Msg("audit log opened")
	return l, nil
}

func closeAudit(l *audit.Log) {
	if l == nil {
		return
	}
	if err := l.Close(); err != nil {
		log.Warn().Err(err).Msg("close audit log")
	}
}

// openState opens the reap history when state.dir is set and compacts it to
// state.keep_runs. It returns a nil store otherwise.
func openState(cfg *config.Config) (*state.Store, error) {
	if cfg.State.Dir == "" {
		return nil, nil
	}

	s, err := state.Open(cfg.State.Dir)
	if err != nil {
		return nil, err
	}
	if n, err := s.Compact(cfg.State.KeepRuns); err != nil {
		log.Warn().Err(err).Str("path", s.Path()).Msg("state compaction failed")
	} else if n > 0 {
		log.Debug().Int("removed", n).Msg("compacted reap history")
	}
	log.Debug().Str("path", s.Path()).Int64("revision", s.CurrentRevision()).Msg("state opened")
	return s, nil
}

// waitRequest builds a waiter request from the wait section.
func waitRequest(wc config.WaitConfig, instanceID string) waiter.Request {
	return waiter.Request{
		InstanceID:     instanceID,
		TargetState:    fleet.InstanceState(wc.State),
		Ports:          wc.Ports,
		Timeout:        wc.Timeout,
		ExtraWait:      wc.ExtraWait,
		PrivateAddress: wc.PrivateAddress,
	}
}

// awaitReady waits for instanceID and records the outcome in metrics and the
// audit log.
func awaitReady(ctx context.Context, describer waiter.Describer, wc config.WaitConfig, instanceID string, auditLog *audit.Log) (*fleet.Instance, error) {
	w := waiter.New(describer, probe.NewTCPProber(wc.DialTimeout),
		waiter.WithPollInterval(wc.PollInterval),
		waiter.WithPortInterval(wc.PortInterval),
	)

	start := time.Now()
	inst, err := w.Await(ctx, waitRequest(wc, instanceID))
	if appTelemetry != nil {
		appTelemetry.RecordWait(ctx, time.Since(start), err)
	}

	if auditLog != nil {
		var aerr error
		switch telemetry.WaitOutcome(err) {
		case telemetry.WaitReady:
			aerr = auditLog.Append(audit.EntryReady, instanceID, inst)
		case telemetry.WaitTimeout:
			aerr = auditLog.AppendError(audit.EntryTimedOut, instanceID, wc, err)
		default:
			aerr = auditLog.AppendError(audit.EntryFailed, instanceID, wc, err)
		}
		if aerr != nil {
			log.Warn().Err(aerr).Msg("audit append failed")
		}
	}

	if err != nil {
		return nil, fmt.Errorf("wait for %s: %w", instanceID, err)
	}
	return inst, nil
}

// pause sleeps for d unless ctx ends first.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
