package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/buildfleet/pkg/fleet"
)

// Format selects how reports and instances are written.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat validates an --output value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatTable, nil
	default:
		return "", &fleet.ConfigError{Field: "output", Reason: fmt.Sprintf("unknown format %q", s)}
	}
}

// WriterEmitter writes each report to an io.Writer.
type WriterEmitter struct {
	out    io.Writer
	format Format
}

// NewWriterEmitter creates a WriterEmitter.
func NewWriterEmitter(out io.Writer, format Format) *WriterEmitter {
	return &WriterEmitter{out: out, format: format}
}

// Emit renders the report.
func (e *WriterEmitter) Emit(_ context.Context, report *fleet.ReapReport) error {
	switch e.format {
	case FormatJSON:
		return writeJSON(e.out, report)
	case FormatYAML:
		return writeYAML(e.out, report)
	default:
		return writeReportTable(e.out, report)
	}
}

// Close is a no-op; the writer belongs to the caller.
func (e *WriterEmitter) Close() error {
	return nil
}

// WriteInstance renders one instance snapshot.
func WriteInstance(out io.Writer, format Format, inst *fleet.Instance) error {
	switch format {
	case FormatJSON:
		return writeJSON(out, inst)
	case FormatYAML:
		return writeYAML(out, inst)
	}

	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"Instance", "State", "Name", "Public IP", "Public DNS", "Private IP"})
	tw.AppendRow(table.Row{inst.ID, inst.State, inst.Name(), inst.PublicIP, inst.PublicDNS, inst.PrivateIP})
	tw.SetStyle(table.StyleRounded)
	_, err := fmt.Fprintln(out, tw.Render())
	return err
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

func writeYAML(out io.Writer, v any) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

func writeReportTable(out io.Writer, report *fleet.ReapReport) error {
	tw := table.NewWriter()
	tw.SetTitle(reportTitle(report))
	tw.AppendHeader(table.Row{"Image", "Snapshot", "Seq", "Outcome", "Detail"})

	for _, item := range report.Items {
		outcome := string(item.Outcome)
		if item.Outcome.Failed() {
			outcome = text.FgRed.Sprint(outcome)
		}
		tw.AppendRow(table.Row{item.ImageID, item.SnapshotID, item.Sequence, outcome, item.Detail})
	}
	for _, kept := range report.Kept {
		tw.AppendRow(table.Row{kept.Image.ImageID, kept.Image.SnapshotID, kept.Tag.Sequence, "kept", ""})
	}
	for _, ex := range report.Excluded {
		tw.AppendRow(table.Row{ex.ImageID, "", "", "excluded", ex.Reason})
	}

	tw.AppendFooter(table.Row{"", "", "", "failed", strconv.Itoa(report.FailedCount())})
	tw.SetStyle(table.StyleRounded)
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
	})

	_, err := fmt.Fprintln(out, tw.Render())
	return err
}

func reportTitle(report *fleet.ReapReport) string {
	title := fmt.Sprintf("%s %q: %d kept, %d removed (minimum %d)", report.TagKey, report.Prefix,
		len(report.Kept), len(report.Items), report.MinimumToRetain)
	if report.DryRun {
		title += " (dry run)"
	}
	return title
}
