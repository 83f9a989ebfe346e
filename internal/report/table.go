package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var tableHeader = []string{
	"backend", "kind", "mode", "strategy", "parents", "children", "batch",
	"rows", "flushes", "millis", "rows/s", "status",
}

// TableSink collects results and renders them as a markdown table.
type TableSink struct {
	Collector

	// Host, when set, is printed under the table.
	Host *HostInfo

	// NoColor disables the colored status column.
	NoColor bool
}

// Render writes the table for every result recorded so far, ordered by
// backend label, followed by any failure messages.
func (s *TableSink) Render(w io.Writer) error {
	results := s.Results()
	if len(results) == 0 {
		_, err := io.WriteString(w, "_No runs_\n")
		return err
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].BackendLabel < results[j].BackendLabel })

	p := message.NewPrinter(language.English)
	var b strings.Builder

	alignment := make([]tw.Align, len(tableHeader))
	for i := range alignment {
		alignment[i] = tw.AlignNone
	}
	table := tablewriter.NewTable(&b,
		tablewriter.WithRenderer(renderer.NewMarkdown()),
		tablewriter.WithAlignment(alignment),
		tablewriter.WithHeaderAutoFormat(tw.Off),
	)
	table.Header(tableHeader)

	var failures []string
	for _, r := range results {
		row := []string{
			r.BackendLabel,
			r.BackendKind,
			r.Mode,
			r.Strategy,
			p.Sprintf("%d", r.Workload.ParentCount),
			p.Sprintf("%d", r.Workload.ChildrenPerParent),
			p.Sprintf("%d", r.Workload.BatchSize),
			p.Sprintf("%d", r.Stats.Rows()),
			p.Sprintf("%d", r.Stats.Flushes),
			p.Sprintf("%d", r.Millis()),
			p.Sprintf("%.0f", r.RowsPerSecond()),
			s.status(r),
		}
		if err := table.Append(row); err != nil {
			return fmt.Errorf("report: table row: %w", err)
		}
		if r.Err != nil {
			failures = append(failures, fmt.Sprintf("- %s: %v", r.BackendLabel, r.Err))
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("report: render: %w", err)
	}

	p.Fprintf(&b, "\n_%d runs, %d failed_\n", len(results), len(failures))
	if len(failures) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(failures, "\n"))
		b.WriteString("\n")
	}
	if s.Host != nil {
		b.WriteString("\n")
		b.WriteString(s.Host.String())
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func (s *TableSink) status(r Result) string {
	st := r.Status()
	if s.NoColor {
		return st
	}
	if r.Err != nil {
		return color.RedString(st)
	}
	return color.GreenString(st)
}
