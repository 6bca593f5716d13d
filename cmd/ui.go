package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF79C6")).
			Background(lipgloss.Color("#282A36")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8BE9FD"))

	statStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFB86C"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6272A4"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5555"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#BD93F9")).
			Padding(0, 2)
)

// stdoutTerminal reports whether styled output and progress bars make sense.
func stdoutTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func stderrTerminal() bool {
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func render(style lipgloss.Style, s string) string {
	if !stdoutTerminal() {
		return s
	}
	return style.Render(s)
}

// newProgress returns a progress bar on stderr terminals and nil otherwise.
func newProgress(total int, description string) *progressbar.ProgressBar {
	if total <= 0 || !stderrTerminal() {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

// tick adapts a possibly nil bar into a progress callback.
func tick(bar *progressbar.ProgressBar) func() {
	if bar == nil {
		return nil
	}
	return func() { _ = bar.Add(1) }
}

func finish(bar *progressbar.ProgressBar) {
	if bar != nil {
		_ = bar.Finish()
	}
}

// row is one label/value line of a summary box.
type row struct {
	label, value string
}

func printSummary(title string, rows []row) {
	width := 0
	for _, r := range rows {
		width = max(width, len(r.label))
	}
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		label := r.label + ":" + strings.Repeat(" ", width-len(r.label)+1)
		lines = append(lines, render(labelStyle, label)+render(statStyle, r.value))
	}

	body := strings.Join(lines, "\n")
	if stdoutTerminal() {
		fmt.Println(titleStyle.Render(title))
		fmt.Println(boxStyle.Render(body))
		return
	}
	fmt.Println(title)
	fmt.Println(body)
}

func formatDuration(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second)).Round(time.Minute)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %02dm", h, m)
}
