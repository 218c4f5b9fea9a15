// Package config handles YAML configuration for buildfleet.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/buildfleet/pkg/fleet"
)

// Config is the root configuration structure.
type Config struct {
	AWS     AWSConfig        `yaml:"aws"`
	Log     LogConfig        `yaml:"log"`
	OTEL    OTELConfig       `yaml:"otel"`
	Metrics PrometheusConfig `yaml:"metrics"`
	Audit   AuditConfig      `yaml:"audit"`
	State   StateConfig      `yaml:"state"`
	Launch  LaunchConfig     `yaml:"launch"`
	Wait    WaitConfig       `yaml:"wait"`
	Reap    ReapConfig       `yaml:"reap"`
}

// AWSConfig holds AWS provider settings.
type AWSConfig struct {
	Region  string `yaml:"region"`
	Profile string `yaml:"profile"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Insecure    bool          `yaml:"insecure"`
	ServiceName string        `yaml:"service_name"`
	Traces      TracesConfig  `yaml:"traces"`
	Metrics     MetricsConfig `yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// MetricsConfig holds OTLP metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// PrometheusConfig holds the scrape endpoint used in interval mode.
type PrometheusConfig struct {
	Addr string `yaml:"addr"`
}

// AuditConfig holds audit log settings. An empty Dir disables auditing.
type AuditConfig struct {
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// StateConfig controls the local reap history database. An empty dir
// disables it.
type StateConfig struct {
	Dir      string `yaml:"dir"`
	KeepRuns int    `yaml:"keep_runs"` // older runs are compacted away, zero keeps all
}

// LaunchConfig describes the instance to start.
type LaunchConfig struct {
	ImageID        string            `yaml:"image_id"`
	InstanceType   string            `yaml:"instance_type"`
	KeyName        string            `yaml:"key_name"`
	SecurityGroups []string          `yaml:"security_groups"`
	SubnetID       string            `yaml:"subnet_id"`
	Tags           map[string]string `yaml:"tags"`
	InitialPause   time.Duration     `yaml:"initial_pause"`
}

// WaitConfig controls readiness waiting.
type WaitConfig struct {
	Enabled        bool          `yaml:"enabled"`
	State          string        `yaml:"state"`
	Timeout        time.Duration `yaml:"timeout"`
	ExtraWait      time.Duration `yaml:"extra_wait"`
	Ports          []int         `yaml:"ports"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	PortInterval   time.Duration `yaml:"port_interval"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	PrivateAddress bool          `yaml:"private_address"`
}

// ReapConfig controls image retention.
type ReapConfig struct {
	TagKey          string            `yaml:"tag_key"`
	Prefix          string            `yaml:"prefix"`
	Device          string            `yaml:"device"`
	MinimumToRetain int               `yaml:"minimum_to_retain"`
	TagFormat       string            `yaml:"tag_format"` // sequence or kv
	Concurrency     int               `yaml:"concurrency"`
	DryRun          bool              `yaml:"dry_run"`
	Interval        time.Duration     `yaml:"interval"`     // zero runs once
	IncludeTags     map[string]string `yaml:"include_tags"` // all must match for an image to be reaped
	ExcludeTags     map[string]string `yaml:"exclude_tags"` // any match protects an image
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		OTEL: OTELConfig{
			ServiceName: "buildfleet",
			Traces:      TracesConfig{SampleRate: 1.0},
		},
		Metrics: PrometheusConfig{Addr: ":9090"},
		State:   StateConfig{KeepRuns: 100},
		Launch: LaunchConfig{
			InstanceType: "t2.medium",
			InitialPause: 3 * time.Second,
		},
		Wait: WaitConfig{
			Enabled:      true,
			State:        string(fleet.StateRunning),
			Timeout:      300 * time.Second,
			PollInterval: 2 * time.Second,
			PortInterval: 1 * time.Second,
			DialTimeout:  3 * time.Second,
		},
		Reap: ReapConfig{
			TagKey:          "Name",
			Prefix:          "CI Slave",
			Device:          "/dev/sda1",
			MinimumToRetain: 3,
			TagFormat:       "sequence",
			Concurrency:     1,
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration is usable. Each section reports its first
// problem as a *fleet.ConfigError; the results are joined.
func (c *Config) Validate() error {
	return errors.Join(
		c.validateTelemetry(),
		c.validateWait(),
		c.validateReap(),
		c.validateStorage(),
	)
}

func (c *Config) validateTelemetry() error {
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return invalid("otel.traces.sample_rate", "must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return invalid("log.format", "unknown format %q", c.Log.Format)
	}
	return nil
}

func (c *Config) validateWait() error {
	w := c.Wait
	if w.Timeout <= 0 {
		return invalid("wait.timeout", "must be positive")
	}
	if w.PollInterval <= 0 {
		return invalid("wait.poll_interval", "must be positive")
	}
	if w.PortInterval <= 0 {
		return invalid("wait.port_interval", "must be positive")
	}
	if w.DialTimeout <= 0 {
		return invalid("wait.dial_timeout", "must be positive")
	}
	if w.ExtraWait < 0 {
		return invalid("wait.extra_wait", "must not be negative")
	}
	if !validState(w.State) {
		return invalid("wait.state", "unknown state %q", w.State)
	}
	for _, port := range w.Ports {
		if port < 1 || port > 65535 {
			return invalid("wait.ports", "port %d out of range", port)
		}
	}
	if len(w.Ports) > 0 && w.State != string(fleet.StateRunning) {
		return invalid("wait.ports", "ports need state %q, got %q", fleet.StateRunning, w.State)
	}
	if c.Launch.InitialPause < 0 {
		return invalid("launch.initial_pause", "must not be negative")
	}
	return nil
}

func (c *Config) validateReap() error {
	r := c.Reap
	if r.TagKey == "" {
		return invalid("reap.tag_key", "required")
	}
	if r.Prefix == "" {
		return invalid("reap.prefix", "required")
	}
	if r.MinimumToRetain < 0 {
		return invalid("reap.minimum_to_retain", "must not be negative")
	}
	if r.Concurrency < 1 {
		return invalid("reap.concurrency", "must be at least 1")
	}
	if r.Interval < 0 {
		return invalid("reap.interval", "must not be negative")
	}
	switch r.TagFormat {
	case "", "sequence", "kv":
	default:
		return invalid("reap.tag_format", "unknown format %q", r.TagFormat)
	}
	return nil
}

func (c *Config) validateStorage() error {
	if c.Audit.RetentionDays < 0 {
		return invalid("audit.retention_days", "must not be negative")
	}
	if c.State.KeepRuns < 0 {
		return invalid("state.keep_runs", "must not be negative")
	}
	return nil
}

func validState(s string) bool {
	switch fleet.InstanceState(s) {
	case fleet.StatePending, fleet.StateRunning, fleet.StateShuttingDown,
		fleet.StateTerminated, fleet.StateStopping, fleet.StateStopped:
		return true
	}
	return false
}

func invalid(field, format string, args ...any) error {
	return &fleet.ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
