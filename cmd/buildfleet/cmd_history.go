package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/yairfalse/buildfleet/internal/emitter"
	"github.com/yairfalse/buildfleet/pkg/fleet"
)

var (
	historyPrefix string
	historyLimit  int
	historyState  string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past reap runs from the local state database",
	Long: `List reap runs recorded in state.dir, newest first. Each run shows how
many images were listed, kept, removed and failed.

The database is locked while a reap --interval daemon holds it open.`,
	Example: `  buildfleet history --state-dir /var/lib/buildfleet
  buildfleet history --prefix "CI Slave" --limit 5 -o json`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	addHistoryFlags(historyCmd.Flags())
}

func addHistoryFlags(fs *pflag.FlagSet) {
	fs.StringVar(&historyPrefix, "prefix", "", "Only show runs for this prefix")
	fs.IntVar(&historyLimit, "limit", 20, "Maximum runs to show, 0 for all")
	fs.StringVar(&historyState, "state-dir", "", "State directory (overrides state.dir)")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	if cmd.Flags().Changed("state-dir") {
		cfg.State.Dir = historyState
	}
	if cfg.State.Dir == "" {
		return &fleet.ConfigError{Field: "state.dir", Reason: "required for history"}
	}
	if historyLimit < 0 {
		return &fleet.ConfigError{Field: "limit", Reason: "must not be negative"}
	}

	store, err := openState(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	return emitter.WriteHistory(cmd.OutOrStdout(), appOutput, store.History(historyPrefix, historyLimit))
}
