package emitter

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/yairfalse/buildfleet/internal/state"
)

// WriteHistory renders stored reap runs, newest first.
func WriteHistory(out io.Writer, format Format, runs []state.Run) error {
	if runs == nil {
		runs = []state.Run{}
	}
	switch format {
	case FormatJSON:
		return writeJSON(out, runs)
	case FormatYAML:
		return writeYAML(out, runs)
	}

	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"Rev", "Started", "Prefix", "Listed", "Kept", "Removed", "Failed", "Dry run"})
	for _, run := range runs {
		failed := strconv.Itoa(len(run.Failed))
		if len(run.Failed) > 0 {
			failed = text.FgRed.Sprint(failed)
		}
		tw.AppendRow(table.Row{
			run.Revision,
			run.StartTime.UTC().Format(time.RFC3339),
			run.Prefix,
			run.Listed,
			len(run.Kept),
			len(run.Removed),
			failed,
			run.DryRun,
		})
	}
	tw.SetStyle(table.StyleRounded)

	_, err := fmt.Fprintln(out, tw.Render())
	return err
}
