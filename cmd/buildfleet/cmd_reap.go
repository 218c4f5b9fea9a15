package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/yairfalse/buildfleet/internal/config"
	"github.com/yairfalse/buildfleet/internal/daemon"
	"github.com/yairfalse/buildfleet/internal/emitter"
	"github.com/yairfalse/buildfleet/internal/filter"
	"github.com/yairfalse/buildfleet/internal/reaper"
	"github.com/yairfalse/buildfleet/internal/retention"
)

var (
	reapTagKey      string
	reapPrefix      string
	reapDevice      string
	reapMinimum     int
	reapTagFormat   string
	reapConcurrency int
	reapDryRun      bool
	reapStrict      bool
	reapInterval    time.Duration
	reapMetricsAddr string
	reapIncludeTags map[string]string
	reapExcludeTags map[string]string
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Retire old runner images and their snapshots",
	Long: `List the images carrying the tag key, keep the newest --minimum whose tag
value starts with --prefix, and retire the rest: deregister each image, then
delete its root snapshot once deregistration succeeded.

The sequence number is the integer that ends the tag value, as in
"CI Slave 2023-05-01 #0007". Values without one are skipped and reported.
One image failing does not stop the others; use --strict to exit non-zero
when any did.

Images matching an --exclude-tag are never reaped and do not count toward
--minimum.

With --interval the reaper runs periodically and serves /metrics and
/health until interrupted.`,
	Example: `  buildfleet reap --dry-run
  buildfleet reap --prefix "CI Slave" --minimum 5 -o json
  buildfleet reap --interval 6h --metrics-addr :9090`,
	Args: cobra.NoArgs,
	RunE: runReap,
}

func init() {
	rootCmd.AddCommand(reapCmd)
	addReapFlags(reapCmd.Flags())
}

func addReapFlags(fs *pflag.FlagSet) {
	fs.StringVar(&reapTagKey, "tag-key", "Name", "Tag key holding the sequence label")
	fs.StringVar(&reapPrefix, "prefix", "CI Slave", "Tag value prefix selecting this fleet")
	fs.StringVar(&reapDevice, "device", "/dev/sda1", "Root device whose snapshot is deleted")
	fs.IntVar(&reapMinimum, "minimum", 3, "Newest images always kept")
	fs.StringVar(&reapTagFormat, "tag-format", retention.FormatSequence, "Tag convention: sequence or kv")
	fs.IntVar(&reapConcurrency, "concurrency", 1, "Images removed in parallel")
	fs.BoolVar(&reapDryRun, "dry-run", false, "Report what would be removed without removing it")
	fs.BoolVar(&reapStrict, "strict", false, "Exit with code 2 when any image failed")
	fs.DurationVar(&reapInterval, "interval", 0, "Run every interval instead of once")
	fs.StringVar(&reapMetricsAddr, "metrics-addr", ":9090", "Metrics and health address in interval mode")
	fs.StringToStringVar(&reapIncludeTags, "include-tag", nil, "Only reap images carrying this tag (key=value, repeatable)")
	fs.StringToStringVar(&reapExcludeTags, "exclude-tag", nil, "Never reap images carrying this tag (key=value, repeatable)")
}

func runReap(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := appConfig
	applyReapFlags(cmd.Flags(), cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	req, err := reapRequest(cfg.Reap)
	if err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}

	client, err := newComputeClient(ctx, cfg)
	if err != nil {
		return err
	}

	auditLog, err := openAudit(cfg)
	if err != nil {
		return err
	}
	defer closeAudit(auditLog)

	var opts []reaper.Option
	if auditLog != nil {
		opts = append(opts, reaper.WithRecorder(auditLog))
	}
	r := reaper.New(client, opts...)

	metrics, err := emitter.NewMetricsEmitter()
	if err != nil {
		return err
	}
	emitters := []emitter.Emitter{
		emitter.NewWriterEmitter(cmd.OutOrStdout(), appOutput),
		metrics,
	}

	store, err := openState(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		if kept, ok := store.LastRetained(req.Prefix); ok {
			metrics.SeedRetained(kept)
		}
		// Closed with the other emitters.
		emitters = append(emitters, store)
	}

	out := emitter.NewMultiEmitter(emitters...)
	defer func() {
		if err := out.Close(); err != nil {
			log.Warn().Err(err).Msg("close emitters")
		}
	}()

	if cfg.Reap.Interval > 0 {
		return runReapInterval(ctx, cfg, req, r, out)
	}

	report, err := r.Reap(ctx, req)
	if err != nil {
		metrics.RecordError(ctx, req.Prefix)
		return err
	}
	if err := out.Emit(ctx, report); err != nil {
		return err
	}

	if report.PartialFailure() {
		log.Warn().Int("failed", report.FailedCount()).Msg("reap finished with failures")
		if reapStrict {
			return fmt.Errorf("%w: %d of %d", errPartialFailure, report.FailedCount(), len(report.Items))
		}
	}
	return nil
}

// runReapInterval runs the daemon and the metrics server until a signal
// arrives or either of them stops.
func runReapInterval(ctx context.Context, cfg *config.Config, req reaper.Request, r *reaper.Reaper, out emitter.Emitter) error {
	d, err := daemon.NewDaemon(daemon.Config{Interval: cfg.Reap.Interval, Request: req}, r, out)
	if err != nil {
		return err
	}

	var g run.Group
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return d.Start(ctx)
		}, func(error) {
			cancel()
		})
	}
	{
		srv := daemon.NewServer(cfg.Metrics.Addr, d, appTelemetry.Registry())
		ln, err := net.Listen("tcp", cfg.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.Metrics.Addr, err)
		}
		g.Add(func() error {
			log.Info().Str("addr", ln.Addr().String()).Msg("serving /metrics and /health")
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err = g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) || errors.Is(err, context.Canceled) {
		log.Info().Msg("reap daemon shut down")
		return nil
	}
	return err
}

// applyReapFlags overrides the reap section with flags the user set.
func applyReapFlags(fs *pflag.FlagSet, cfg *config.Config) {
	rc := &cfg.Reap
	if fs.Changed("tag-key") {
		rc.TagKey = reapTagKey
	}
	if fs.Changed("prefix") {
		rc.Prefix = reapPrefix
	}
	if fs.Changed("device") {
		rc.Device = reapDevice
	}
	if fs.Changed("minimum") {
		rc.MinimumToRetain = reapMinimum
	}
	if fs.Changed("tag-format") {
		rc.TagFormat = reapTagFormat
	}
	if fs.Changed("concurrency") {
		rc.Concurrency = reapConcurrency
	}
	if fs.Changed("dry-run") {
		rc.DryRun = reapDryRun
	}
	if fs.Changed("interval") {
		rc.Interval = reapInterval
	}
	if fs.Changed("metrics-addr") {
		cfg.Metrics.Addr = reapMetricsAddr
	}
	if fs.Changed("include-tag") {
		rc.IncludeTags = reapIncludeTags
	}
	if fs.Changed("exclude-tag") {
		rc.ExcludeTags = reapExcludeTags
	}
}

// reapRequest builds a reaper request from the reap section.
func reapRequest(rc config.ReapConfig) (reaper.Request, error) {
	parser, err := retention.NewParser(rc.TagFormat)
	if err != nil {
		return reaper.Request{}, err
	}
	return reaper.Request{
		TagKey:          rc.TagKey,
		Prefix:          rc.Prefix,
		Device:          rc.Device,
		MinimumToRetain: rc.MinimumToRetain,
		Parser:          parser,
		Concurrency:     rc.Concurrency,
		DryRun:          rc.DryRun,
		Filter:          filter.New(rc.IncludeTags, rc.ExcludeTags),
	}, nil
}
