package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/ChuLiYu/geebatch/internal/controller"
	"github.com/ChuLiYu/geebatch/internal/report"
	"github.com/ChuLiYu/geebatch/internal/temporal"
	"github.com/ChuLiYu/geebatch/pkg/types"
)

const (
	boxWidth      = 64
	maxErrorWidth = 48
)

// counts are printed with thousands separators.
var printer = message.NewPrinter(language.English)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("33"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	boxStyle     = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1).
			Width(boxWidth)
)

// isWriterTerminal reports whether w is a file attached to a terminal.
// Buffers used in tests always get plain output.
func isWriterTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// renderReport writes the run summary followed by any failures.
func renderReport(w io.Writer, title string, rep *types.Report) error {
	if rep == nil {
		return nil
	}
	stats := report.Summarize(rep)
	failures := report.Failures(rep)

	if !isWriterTerminal(w) {
		return renderPlainReport(w, title, stats, failures)
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(strings.ToUpper(title)))
	b.WriteString("\n\n")
	printer.Fprintf(&b, "Units:       %d\n", stats.Units)
	fmt.Fprintf(&b, "Succeeded:   %s\n", okStyle.Render(fmt.Sprint(stats.Succeeded)))
	if stats.Failed > 0 {
		fmt.Fprintf(&b, "Failed:      %s\n", failStyle.Render(fmt.Sprint(stats.Failed)))
	} else {
		fmt.Fprintf(&b, "Failed:      %d\n", stats.Failed)
	}
	fmt.Fprintf(&b, "Success:     %.1f%%\n", stats.SuccessRate*100)
	fmt.Fprintf(&b, "Duration:    %s\n", round(stats.TotalDuration))
	if stats.ItemsProcessed > 0 {
		printer.Fprintf(&b, "Items:       %d (%s/item)\n", stats.ItemsProcessed, round(stats.AvgPerItem))
	}
	if len(failures) > 0 {
		b.WriteString("\n")
		b.WriteString(sectionStyle.Render("FAILURES"))
		b.WriteString("\n")
		for _, e := range failures {
			fmt.Fprintf(&b, "%s %s\n", failStyle.Render("✗ "+e.UnitID), dimStyle.Render(truncate(e.Error, maxErrorWidth)))
		}
	}
	_, err := fmt.Fprintln(w, boxStyle.Render(strings.TrimRight(b.String(), "\n")))
	return err
}

func renderPlainReport(w io.Writer, title string, stats report.Stats, failures []types.ReportEntry) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", title)
	printer.Fprintf(&b, "  units=%d succeeded=%d failed=%d success=%.1f%% duration=%s\n",
		stats.Units, stats.Succeeded, stats.Failed, stats.SuccessRate*100, round(stats.TotalDuration))
	if stats.ItemsProcessed > 0 {
		printer.Fprintf(&b, "  items=%d per_item=%s\n", stats.ItemsProcessed, round(stats.AvgPerItem))
	}
	for _, e := range failures {
		fmt.Fprintf(&b, "  FAILED %s: %s\n", e.UnitID, e.Error)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func renderTiles(w io.Writer, tiles []types.Tile) error {
	styled := isWriterTerminal(w)
	var b strings.Builder
	for _, t := range tiles {
		id := t.ID
		if styled {
			id = sectionStyle.Render(id)
		}
		fmt.Fprintf(&b, "%s\t[%g, %g, %g, %g]\n", id, t.MinX, t.MinY, t.MaxX, t.MaxY)
	}
	printer.Fprintf(&b, "%d tiles\n", len(tiles))
	_, err := io.WriteString(w, b.String())
	return err
}

func renderPeriods(w io.Writer, periods []types.Period) error {
	styled := isWriterTerminal(w)
	var b strings.Builder
	for _, p := range periods {
		label := temporal.Label(p)
		if styled {
			label = sectionStyle.Render(label)
		}
		fmt.Fprintf(&b, "%d\t%s\t%dd\n", p.ID, label, p.Days())
	}
	printer.Fprintf(&b, "%d periods\n", len(periods))
	_, err := io.WriteString(w, b.String())
	return err
}

// renderJobs lists launched jobs in launch order.
func renderJobs(w io.Writer, jobs []*types.Job) error {
	var b strings.Builder
	for _, j := range jobs {
		line := fmt.Sprintf("%s\t%s\t%s", j.ID, j.UnitID, j.State)
		if j.Error != "" {
			line += "\t" + j.Error
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func renderStatus(w io.Writer, st *controller.Status) error {
	styled := isWriterTerminal(w)
	heading := func(s string) string {
		if styled {
			return sectionStyle.Render(s)
		}
		return s
	}

	var b strings.Builder
	b.WriteString(heading("Snapshot"))
	b.WriteString("\n")
	if st.SnapshotPath != "" {
		fmt.Fprintf(&b, "  path: %s\n", st.SnapshotPath)
	}
	if len(st.Jobs) == 0 {
		b.WriteString("  no jobs\n")
	}
	states := make([]string, 0, len(st.Jobs))
	for s := range st.Jobs {
		states = append(states, string(s))
	}
	sort.Strings(states)
	for _, s := range states {
		fmt.Fprintf(&b, "  %-10s %d\n", s, st.Jobs[types.JobState(s)])
	}

	b.WriteString(heading("Runs"))
	b.WriteString("\n")
	if len(st.Runs) == 0 {
		b.WriteString("  none\n")
	}
	for _, r := range st.Runs {
		fmt.Fprintf(&b, "  %s  %-8s %-11s %s  %s\n",
			r.ID, r.Kind, r.Status, r.CreatedAt.Local().Format(time.DateTime), r.Description)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func round(d time.Duration) time.Duration {
	if d > time.Second {
		return d.Round(10 * time.Millisecond)
	}
	return d.Round(time.Microsecond)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
