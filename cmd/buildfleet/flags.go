package main

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/yairfalse/buildfleet/internal/config"
)

// Wait flags are shared by launch and wait.
var (
	waitState          string
	waitPorts          []int
	waitTimeout        time.Duration
	waitExtra          time.Duration
	waitPrivateAddress bool
)

func addWaitFlags(fs *pflag.FlagSet) {
	fs.StringVar(&waitState, "state", "running", "Instance state to wait for")
	fs.IntSliceVar(&waitPorts, "port", nil, "TCP port that must accept connections (repeatable)")
	fs.DurationVar(&waitTimeout, "timeout", 300*time.Second, "Overall readiness timeout")
	fs.DurationVar(&waitExtra, "extra-wait", 0, "Settle delay after the instance is ready")
	fs.BoolVar(&waitPrivateAddress, "private-address", false, "Probe ports on the private IP")
}

// applyWaitFlags overrides the wait section with flags the user set.
func applyWaitFlags(fs *pflag.FlagSet, wc *config.WaitConfig) {
	if fs.Changed("state") {
		wc.State = waitState
	}
	if fs.Changed("port") {
		wc.Ports = waitPorts
	}
	if fs.Changed("timeout") {
		wc.Timeout = waitTimeout
	}
	if fs.Changed("extra-wait") {
		wc.ExtraWait = waitExtra
	}
	if fs.Changed("private-address") {
		wc.PrivateAddress = waitPrivateAddress
	}
}
