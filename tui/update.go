package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit

		case "r":
			return m, m.refreshCmd()

		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			m.scroll = 0

		case "j", "down":
			switch m.activeTab {
			case tabRuns:
				if m.selectedRun < len(m.runs)-1 {
					m.selectedRun++
				}
				if m.selectedRun >= m.scroll+maxVisibleRows {
					m.scroll = m.selectedRun - maxVisibleRows + 1
				}
			case tabPhases:
				if m.scroll < len(m.phases)-1 {
					m.scroll++
				}
			}

		case "k", "up":
			switch m.activeTab {
			case tabRuns:
				if m.selectedRun > 0 {
					m.selectedRun--
				}
				if m.selectedRun < m.scroll {
					m.scroll = m.selectedRun
				}
			case tabPhases:
				if m.scroll > 0 {
					m.scroll--
				}
			}

		case "enter":
			// Drill into the selected run's phases
			if m.activeTab == tabRuns && len(m.runs) > 0 {
				m.activeTab = tabPhases
				m.scroll = 0
				return m, m.refreshCmd()
			}

		case "esc":
			if m.activeTab == tabPhases {
				m.activeTab = tabRuns
				m.scroll = 0
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(m.refreshCmd(), tickCmd())

	case DataMsg:
		if msg.Err != nil {
			m.loadErr = msg.Err
			return m, nil
		}
		m.loadErr = nil
		m.runs = msg.Runs
		m.phases = msg.Phases
		m.providers = msg.Providers
		m.lastRefresh = time.Now()
		if m.selectedRun >= len(m.runs) {
			m.selectedRun = 0
		}
	}

	return m, nil
}
