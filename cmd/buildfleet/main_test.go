package main

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/buildfleet/internal/config"
	"github.com/yairfalse/buildfleet/internal/retention"
	"github.com/yairfalse/buildfleet/internal/waiter"
	"github.com/yairfalse/buildfleet/pkg/fleet"
)

func TestRootCommand_Subcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"launch", "wait", "reap", "history"} {
		assert.True(t, names[want], want)
	}
}

func TestApplyWaitFlags(t *testing.T) {
	fs := pflag.NewFlagSet("wait", pflag.ContinueOnError)
	addWaitFlags(fs)
	require.NoError(t, fs.Parse([]string{"--port", "22", "--port", "8080", "--timeout", "90s", "--private-address"}))

	wc := config.Default().Wait
	wc.ExtraWait = 10 * time.Second
	applyWaitFlags(fs, &wc)

	assert.Equal(t, []int{22, 8080}, wc.Ports)
	assert.Equal(t, 90*time.Second, wc.Timeout)
	assert.True(t, wc.PrivateAddress)
	assert.Equal(t, 10*time.Second, wc.ExtraWait, "unset flags keep config values")
	assert.Equal(t, "running", wc.State)
}

func TestWaitRequest(t *testing.T) {
	wc := config.Default().Wait
	wc.Ports = []int{22}
	wc.ExtraWait = 2 * time.Second

	req := waitRequest(wc, "i-0abc")
	assert.Equal(t, "i-0abc", req.InstanceID)
	assert.Equal(t, fleet.StateRunning, req.TargetState)
	assert.Equal(t, 300*time.Second, req.Timeout)
	require.NoError(t, req.Validate())

	wc.State = "stopped"
	assert.ErrorIs(t, waitRequest(wc, "i-0abc").Validate(), fleet.ErrInvalidConfig)
}

func TestApplyLaunchFlags(t *testing.T) {
	fs := pflag.NewFlagSet("launch", pflag.ContinueOnError)
	addLaunchFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--image", "ami-123",
		"--security-group", "sg-1,builders",
		"--tag", "Name=CI Slave #4",
		"--no-wait",
	}))

	cfg := config.Default()
	cfg.Launch.Tags = map[string]string{"team": "ci"}
	applyLaunchFlags(fs, &cfg.Launch, &cfg.Wait)

	spec := launchSpec(cfg.Launch)
	assert.Equal(t, "ami-123", spec.ImageID)
	assert.Equal(t, "t2.medium", spec.InstanceType)
	assert.Equal(t, []string{"sg-1", "builders"}, spec.SecurityGroups)
	assert.Equal(t, map[string]string{"team": "ci", "Name": "CI Slave #4"}, spec.Tags)
	assert.False(t, cfg.Wait.Enabled)
}

func TestApplyReapFlags(t *testing.T) {
	fs := pflag.NewFlagSet("reap", pflag.ContinueOnError)
	addReapFlags(fs)
	require.NoError(t, fs.Parse([]string{"--minimum", "0", "--dry-run", "--tag-format", "kv", "--interval", "1h", "--exclude-tag", "keep=true"}))

	cfg := config.Default()
	cfg.Reap.Prefix = "Nightly"
	applyReapFlags(fs, cfg)

	assert.Equal(t, 0, cfg.Reap.MinimumToRetain)
	assert.True(t, cfg.Reap.DryRun)
	assert.Equal(t, time.Hour, cfg.Reap.Interval)
	assert.Equal(t, "Nightly", cfg.Reap.Prefix, "unset flags keep config values")

	req, err := reapRequest(cfg.Reap)
	require.NoError(t, err)
	assert.IsType(t, retention.KeyValueParser{}, req.Parser)
	assert.Equal(t, "/dev/sda1", req.Device)
	require.NoError(t, req.Validate())
	assert.False(t, req.Filter.IsEmpty())
	assert.False(t, req.Filter.Allows(fleet.TaggedImage{Tags: map[string]string{"keep": "true"}}))
}

func TestReapRequest_UnknownFormat(t *testing.T) {
	rc := config.Default().Reap
	rc.TagFormat = "xml"

	_, err := reapRequest(rc)
	assert.ErrorIs(t, err, fleet.ErrInvalidConfig)
}

func TestLoadConfig_FlagsAndEnv(t *testing.T) {
	t.Setenv("BUILDFLEET_PROFILE", "ci")
	initViper()
	viper.Set("region", "ap-southeast-2")
	defer viper.Reset()

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "ap-southeast-2", cfg.AWS.Region)
	assert.Equal(t, "ci", cfg.AWS.Profile)
	assert.Equal(t, "CI Slave", cfg.Reap.Prefix)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitPartialFailure, exitCode(fmt.Errorf("%w: 1 of 2", errPartialFailure)))
	assert.Equal(t, exitTimeout, exitCode(fmt.Errorf("wait for i-1: %w", &waiter.TimeoutError{InstanceID: "i-1"})))
	assert.Equal(t, exitError, exitCode(errors.New("boom")))
	assert.Equal(t, exitError, exitCode(&fleet.ConfigError{Field: "reap.prefix", Reason: "required"}))
}

func TestOpenState(t *testing.T) {
	cfg := config.Default()

	store, err := openState(cfg)
	require.NoError(t, err)
	assert.Nil(t, store, "disabled without state.dir")

	cfg.State.Dir = t.TempDir()
	cfg.State.KeepRuns = 1
	store, err = openState(cfg)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := store.Record(&fleet.ReapReport{Prefix: "CI Slave"})
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	store, err = openState(cfg)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	runs := store.History("", 0)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(3), runs[0].Revision)
}
