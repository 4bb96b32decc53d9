// Package tui renders a terminal dashboard over the run store: runs and
// their progress, the phases of a selected run, and provider token usage.
// The model polls the store on a ticker; it never mutates orchestration
// state.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/domain"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/runstore"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/usage"
)

// Tab indexes
const (
	tabRuns = iota
	tabPhases
	tabUsage
	tabCount
)

// RunView is one run row plus its progress
type RunView struct {
	Run      *domain.Run
	Progress domain.Progress
	Tokens   int64
}

// Model is the TUI application model
type Model struct {
	store *runstore.Store
	usage *usage.Ledger

	// Data
	runs      []RunView
	phases    []*domain.Phase
	providers []domain.ProviderUsage

	// UI state
	width       int
	height      int
	activeTab   int
	selectedRun int
	scroll      int
	loadErr     error

	lastRefresh time.Time
}

// NewModel creates a TUI model over the given store and usage ledger
func NewModel(store *runstore.Store, usageLedger *usage.Ledger) Model {
	return Model{
		store: store,
		usage: usageLedger,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), tickCmd())
}

// TickMsg triggers a refresh
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// DataMsg carries freshly loaded store data
type DataMsg struct {
	Runs      []RunView
	Phases    []*domain.Phase
	Providers []domain.ProviderUsage
	Err       error
}

// refreshCmd loads runs, the selected run's phases, and provider usage
func (m Model) refreshCmd() tea.Cmd {
	selected := m.selectedRunID()
	return func() tea.Msg {
		msg := DataMsg{}

		runs, err := m.store.ListRuns()
		if err != nil {
			msg.Err = err
			return msg
		}
		for _, run := range runs {
			progress, err := m.store.Progress(run.ID)
			if err != nil {
				msg.Err = err
				return msg
			}
			tokens, err := m.usage.RunTokens(run.ID)
			if err != nil {
				msg.Err = err
				return msg
			}
			msg.Runs = append(msg.Runs, RunView{Run: run, Progress: progress, Tokens: tokens})
		}

		if selected != "" {
			phases, err := m.store.GetPhases(selected)
			if err != nil {
				msg.Err = err
				return msg
			}
			msg.Phases = phases
		}

		providers, err := m.usage.Summary()
		if err != nil {
			msg.Err = err
			return msg
		}
		msg.Providers = providers

		return msg
	}
}

func (m Model) selectedRunID() string {
	if m.selectedRun >= 0 && m.selectedRun < len(m.runs) {
		return m.runs[m.selectedRun].Run.ID
	}
	return ""
}
