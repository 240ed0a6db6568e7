package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Row is one target's outcome as shown in the run summary
type Row struct {
	Target          string
	State           string
	NewFollowsFound int
	EdgesWritten    int
	EdgesFailed     int
	Duration        time.Duration
	Errors          []string
}

var summaryColumns = []string{"TARGET", "STATE", "NEW", "WRITTEN", "FAILED", "DURATION"}

// Summary prints a titled table of rows followed by totals and any errors
func (p *Printer) Summary(title string, rows []Row) {
	if len(rows) == 0 {
		p.Dim("no targets processed")
		return
	}

	cells := make([][]string, 0, len(rows))
	for _, r := range rows {
		cells = append(cells, []string{
			r.Target,
			r.State,
			fmt.Sprint(r.NewFollowsFound),
			fmt.Sprint(r.EdgesWritten),
			fmt.Sprint(r.EdgesFailed),
			r.Duration.Round(time.Millisecond).String(),
		})
	}

	widths := make([]int, len(summaryColumns))
	for i, c := range summaryColumns {
		widths[i] = len(c)
	}
	for _, row := range cells {
		for i, c := range row {
			if w := lipgloss.Width(c); w > widths[i] {
				widths[i] = w
			}
		}
	}

	fmt.Fprintln(p.out, p.label.Render(title))
	fmt.Fprintln(p.out, p.header.Render(pad(summaryColumns, widths)))

	var totalNew, totalWritten, totalFailed int
	for i, r := range rows {
		line := pad(cells[i], widths)
		fmt.Fprintln(p.out, p.stateStyle(r.State).Render(line))
		totalNew += r.NewFollowsFound
		totalWritten += r.EdgesWritten
		totalFailed += r.EdgesFailed
	}

	fmt.Fprintln(p.out, p.dim.Render(fmt.Sprintf("%d targets, %d new follows, %d edges written, %d failed",
		len(rows), totalNew, totalWritten, totalFailed)))

	for _, r := range rows {
		for _, e := range r.Errors {
			p.Error(r.Target, fmt.Errorf("%s", e))
		}
	}
}

func (p *Printer) stateStyle(state string) lipgloss.Style {
	switch state {
	case "Done":
		return p.success.UnsetBold()
	case "PartiallyComplete":
		return p.warning.UnsetBold()
	case "Failed":
		return p.failure.UnsetBold()
	default:
		return p.value
	}
}

func pad(cols []string, widths []int) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c + strings.Repeat(" ", widths[i]-lipgloss.Width(c))
	}
	return strings.TrimRight(strings.Join(parts, "  "), " ")
}
