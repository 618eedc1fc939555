package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/vilshansen/synapse-go/engine"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	secretStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	labelStyle   = lipgloss.NewStyle().Faint(true)
	barStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
)

const barWidth = 24

// progressLine renders engine progress events as a single terminal line
// that is redrawn in place. It prints nothing when disabled.
type progressLine struct {
	out       io.Writer
	enabled   bool
	startTime time.Time
	drawn     bool
}

func (a *app) newProgressLine() *progressLine {
	return &progressLine{out: a.stderr, enabled: a.interactive, startTime: time.Now()}
}

// Update draws one event. It has the signature of an engine progress
// callback.
func (p *progressLine) Update(ev engine.Progress) {
	if !p.enabled {
		return
	}
	filled := ev.Percent * barWidth / 100
	bar := barStyle.Render(strings.Repeat("█", filled)) + strings.Repeat("░", barWidth-filled)
	elapsed := time.Since(p.startTime).Truncate(100 * time.Millisecond)

	fmt.Fprintf(p.out, "\r\033[K%s %3d%% %s %s", bar, ev.Percent, ev.Label, labelStyle.Render("["+elapsed.String()+"]"))
	p.drawn = true
}

// Done clears the line.
func (p *progressLine) Done() {
	if p.drawn {
		fmt.Fprint(p.out, "\r\033[K")
		p.drawn = false
	}
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
