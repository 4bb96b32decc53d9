package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/domain"
)

// maxVisibleRows bounds how many rows a tab shows before scrolling
const maxVisibleRows = 15

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244"))
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	running, completed := 0, 0
	for _, rv := range m.runs {
		switch rv.Run.State {
		case domain.RunRunning:
			running++
		case domain.RunCompleted:
			completed++
		}
	}
	header := fmt.Sprintf(" Autobuild Orchestrator │ Runs: %d │ Running: %d │ Completed: %d ",
		len(m.runs), running, completed)
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	var section string
	switch m.activeTab {
	case tabRuns:
		section = m.renderRuns()
	case tabPhases:
		section = m.renderPhases()
	case tabUsage:
		section = m.renderUsage()
	}
	b.WriteString(sectionStyle.Width(m.width - 2).Render(section))
	b.WriteString("\n")

	if m.loadErr != nil {
		b.WriteString(failedStyle.Width(m.width).Render(" load error: " + m.loadErr.Error() + " "))
		b.WriteString("\n")
	}

	var statusBar string
	switch m.activeTab {
	case tabPhases:
		statusBar = " [tab]switch [j/k]scroll [esc]back [r]efresh [q]uit "
	default:
		statusBar = " [tab]switch [j/k]navigate [enter]phases [r]efresh [q]uit "
	}
	b.WriteString(statusBarStyle.Width(m.width).Render(statusBar))

	return b.String()
}

func (m Model) renderTabs() string {
	tabs := []string{"Runs", "Phases", "Usage"}
	var parts []string

	for i, tab := range tabs {
		if i == m.activeTab {
			parts = append(parts, tabActiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		} else {
			parts = append(parts, tabInactiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		}
	}

	return strings.Join(parts, "│")
}

func (m Model) renderRuns() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("RUNS"))
	b.WriteString("\n")

	if len(m.runs) == 0 {
		b.WriteString(dimStyle.Render("  No runs yet. Start one with 'autobuild run <spec>'."))
		return b.String()
	}

	start := m.scroll
	if start >= len(m.runs) {
		start = 0
	}
	end := start + maxVisibleRows
	if end > len(m.runs) {
		end = len(m.runs)
	}

	for i := start; i < end; i++ {
		rv := m.runs[i]
		line := fmt.Sprintf("  %s %-24s %-10s %3.0f%%  %s tok",
			stateIcon(string(rv.Run.State)), truncate(rv.Run.Name, 24),
			rv.Run.State, rv.Progress.Percent, humanize.Comma(rv.Tokens))

		if i == m.selectedRun {
			b.WriteString(tabActiveStyle.Render("> " + line[2:]))
		} else {
			b.WriteString(runStateStyle(rv.Run.State).Render(line))
		}
		b.WriteString("\n")
	}

	if len(m.runs) > maxVisibleRows {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  ... showing %d-%d of %d (j/k to scroll)", start+1, end, len(m.runs))))
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderPhases() string {
	var b strings.Builder

	runID := m.selectedRunID()
	if runID == "" {
		b.WriteString(titleStyle.Render("PHASES"))
		b.WriteString("\n")
		b.WriteString(dimStyle.Render("  Select a run first"))
		return b.String()
	}

	b.WriteString(titleStyle.Render(fmt.Sprintf("PHASES of %s", truncate(runID, 12))))
	b.WriteString("\n")

	if len(m.phases) == 0 {
		b.WriteString(dimStyle.Render("  No phases"))
		return b.String()
	}

	header := fmt.Sprintf("  %-4s %-20s %-20s %-18s %3s %10s", "Tier", "Phase", "Category", "State", "Try", "Tokens")
	b.WriteString(headerStyle.Render(header))
	b.WriteString("\n")

	start := m.scroll
	if start >= len(m.phases) {
		start = 0
	}
	end := start + maxVisibleRows
	if end > len(m.phases) {
		end = len(m.phases)
	}

	for i := start; i < end; i++ {
		p := m.phases[i]
		line := fmt.Sprintf("  %-4d %-20s %-20s %-18s %3d %10s",
			p.TierIndex, truncate(p.Name, 20), truncate(p.Category, 20),
			p.State, p.Attempts, humanize.Comma(p.TokensUsed))
		b.WriteString(phaseStateStyle(p.State).Render(line))
		b.WriteString("\n")
		if p.LastError != "" && p.State == domain.PhaseFailed {
			b.WriteString(failedStyle.Render("       " + truncate(p.LastError, m.width-10)))
			b.WriteString("\n")
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderUsage() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("PROVIDER USAGE"))
	b.WriteString("\n")

	if len(m.providers) == 0 {
		b.WriteString(dimStyle.Render("  No quota entries configured"))
		return b.String()
	}

	header := fmt.Sprintf("  %-12s %14s %14s %6s", "Provider", "Consumed", "Cap", "Used")
	b.WriteString(headerStyle.Render(header))
	b.WriteString("\n")

	for _, p := range m.providers {
		line := fmt.Sprintf("  %-12s %14s %14s %5.0f%%",
			p.Provider, humanize.Comma(p.Consumed), humanize.Comma(p.Cap), p.Ratio*100)

		style := dimStyle
		switch {
		case p.Exhausted:
			style = failedStyle
			line += "  exhausted"
		case p.SoftLimit:
			style = warningStyle
			line += "  soft limit"
		}
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func stateIcon(state string) string {
	switch state {
	case "running":
		return "●"
	case "completed":
		return "✓"
	case "failed", "aborted":
		return "✗"
	default:
		return "○"
	}
}

func runStateStyle(state domain.RunState) lipgloss.Style {
	switch state {
	case domain.RunRunning:
		return runningStyle
	case domain.RunCompleted:
		return completedStyle
	case domain.RunFailed, domain.RunAborted:
		return failedStyle
	default:
		return dimStyle
	}
}

func phaseStateStyle(state domain.PhaseState) lipgloss.Style {
	switch state {
	case domain.PhaseBuilding, domain.PhaseAuditing, domain.PhaseDispatched:
		return runningStyle
	case domain.PhaseDoneSuccess, domain.PhaseDoneEscalated:
		return completedStyle
	case domain.PhaseFailed:
		return failedStyle
	case domain.PhaseBlockedQuota, domain.PhaseEscalated:
		return warningStyle
	default:
		return dimStyle
	}
}

func truncate(s string, max int) string {
	if max < 4 {
		max = 4
	}
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
