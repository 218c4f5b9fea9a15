package main

import (
	"github.com/spf13/cobra"

	"github.com/yairfalse/buildfleet/internal/emitter"
)

var waitCmd = &cobra.Command{
	Use:   "wait <instance-id>",
	Short: "Wait for an existing instance to become reachable",
	Long: `Poll an instance until it reaches the target state, has an address, and
every requested port accepts TCP connections, then sleep the extra wait.

The timeout covers state, address and port checks together. Exit code 3
means the wait timed out.`,
	Example: `  buildfleet wait i-0abc --port 22
  buildfleet wait i-0abc --state stopped --timeout 10m
  buildfleet wait i-0abc --port 22 --private-address --extra-wait 30s`,
	Args: cobra.ExactArgs(1),
	RunE: runWait,
}

func init() {
	rootCmd.AddCommand(waitCmd)
	addWaitFlags(waitCmd.Flags())
}

func runWait(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := appConfig
	applyWaitFlags(cmd.Flags(), &cfg.Wait)
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Validate the request before touching AWS.
	if err := waitRequest(cfg.Wait, args[0]).Validate(); err != nil {
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

	inst, err := awaitReady(ctx, client, cfg.Wait, args[0], auditLog)
	if err != nil {
		return err
	}

	return emitter.WriteInstance(cmd.OutOrStdout(), appOutput, inst)
}
