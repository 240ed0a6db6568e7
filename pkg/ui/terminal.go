// Package ui renders human-facing terminal output: status lines and the
// per-target run summary. Structured logs go through pkg/logger instead.
package ui

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

var (
	cyan    = lipgloss.Color("#00FFFF")
	green   = lipgloss.Color("#39FF14")
	yellow  = lipgloss.Color("#FFFF00")
	orange  = lipgloss.Color("#FF6700")
	red     = lipgloss.Color("#FF0000")
	dimGray = lipgloss.Color("#808080")
)

// Printer writes styled lines. With color off every style renders plain
// text, which keeps piped output and tests free of escape codes.
type Printer struct {
	out io.Writer

	label   lipgloss.Style
	value   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
	dim     lipgloss.Style
	header  lipgloss.Style
}

// NewPrinter creates a printer writing to out
func NewPrinter(out io.Writer, color bool) *Printer {
	p := &Printer{out: out}
	if !color {
		plain := lipgloss.NewStyle()
		p.label, p.value, p.success, p.warning = plain, plain, plain, plain
		p.failure, p.dim, p.header = plain, plain, plain
		return p
	}
	p.label = lipgloss.NewStyle().Foreground(cyan).Bold(true)
	p.value = lipgloss.NewStyle().Foreground(yellow)
	p.success = lipgloss.NewStyle().Foreground(green).Bold(true)
	p.warning = lipgloss.NewStyle().Foreground(orange).Bold(true)
	p.failure = lipgloss.NewStyle().Foreground(red).Bold(true)
	p.dim = lipgloss.NewStyle().Foreground(dimGray)
	p.header = lipgloss.NewStyle().Foreground(cyan).Bold(true).Underline(true)
	return p
}

// Info prints a label and its value
func (p *Printer) Info(label, value string) {
	fmt.Fprintf(p.out, "%s: %s\n", p.label.Render(label), p.value.Render(value))
}

// Success prints a success line
func (p *Printer) Success(msg string) {
	fmt.Fprintln(p.out, p.success.Render(msg))
}

// Warning prints a warning line
func (p *Printer) Warning(msg string) {
	fmt.Fprintln(p.out, p.warning.Render(msg))
}

// Error prints an error line, with err appended when set
func (p *Printer) Error(msg string, err error) {
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	fmt.Fprintln(p.out, p.failure.Render(msg))
}

// Dim prints secondary text
func (p *Printer) Dim(msg string) {
	fmt.Fprintln(p.out, p.dim.Render(msg))
}
