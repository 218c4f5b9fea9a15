package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yairfalse/buildfleet/internal/config"
	"github.com/yairfalse/buildfleet/internal/emitter"
	"github.com/yairfalse/buildfleet/internal/telemetry"
)

var (
	version = "0.1.0"

	cfgFile      string
	region       string
	profile      string
	debug        bool
	outputFormat string

	// Set by the root PersistentPreRunE for every subcommand.
	appConfig    *config.Config
	appTelemetry *telemetry.Provider
	appOutput    emitter.Format
)

var rootCmd = &cobra.Command{
	Use:   "buildfleet",
	Short: "Manage EC2 build runners and their images",
	Long: `buildfleet launches CI build runners on EC2, blocks until they are
reachable, and retires old runner images while keeping a minimum number
of recent ones for rollback.

  buildfleet launch                 # start a runner and wait for it
  buildfleet wait i-0abc --port 22  # wait for an existing instance
  buildfleet reap --dry-run         # show which images would be retired`,
	Version:           version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
		return shutdownTelemetry()
	},
}

// Execute runs the root command.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		_ = shutdownTelemetry()
		log.Error().Err(err).Msg("buildfleet failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(exitCode(err))
	}
}

func init() {
	cobra.OnInitialize(initViper)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "YAML config file")
	flags.StringVarP(&region, "region", "r", "", "AWS region")
	flags.StringVarP(&profile, "profile", "p", "", "AWS shared config profile")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")
	flags.StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")

	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("region", flags.Lookup("region"))
	_ = viper.BindPFlag("profile", flags.Lookup("profile"))

	rootCmd.SetVersionTemplate("buildfleet {{.Version}}\n")
}

func initViper() {
	viper.SetEnvPrefix("BUILDFLEET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// setup loads configuration, installs the logger and starts telemetry.
func setup(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := telemetry.SetupLogger(cfg.Log, os.Stderr); err != nil {
		return err
	}

	format, err := emitter.ParseFormat(outputFormat)
	if err != nil {
		return err
	}

	provider, err := telemetry.NewProvider(cmd.Context(), cfg.OTEL,
		telemetry.WithPrometheusRegistry(promclient.NewRegistry()))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	appConfig = cfg
	appTelemetry = provider
	appOutput = format
	return nil
}

// loadConfig reads the config file and applies flag and environment
// overrides. Flags win over BUILDFLEET_* variables, which win over the file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}

	if v := viper.GetString("region"); v != "" {
		cfg.AWS.Region = v
	}
	if v := viper.GetString("profile"); v != "" {
		cfg.AWS.Profile = v
	}
	if debug {
		cfg.Log.Level = "debug"
	}

	return cfg, nil
}

func shutdownTelemetry() error {
	if appTelemetry == nil {
		return nil
	}
	p := appTelemetry
	appTelemetry = nil

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Shutdown(ctx)
}

// errPartialFailure is returned by reap --strict when an item failed.
var errPartialFailure = errors.New("one or more images could not be removed")

// Exit codes.
const (
	exitError          = 1
	exitPartialFailure = 2
	exitTimeout        = 3
)

func exitCode(err error) int {
	switch {
	case errors.Is(err, errPartialFailure):
		return exitPartialFailure
	case telemetry.WaitOutcome(err) == telemetry.WaitTimeout:
		return exitTimeout
	default:
		return exitError
	}
}
