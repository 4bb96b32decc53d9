package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/domain"
)

func testRuns() []RunView {
	return []RunView{
		{
			Run:      &domain.Run{ID: "run-1", Name: "docs sweep", State: domain.RunRunning},
			Progress: domain.Progress{TotalPhases: 4, TerminalPhases: 1, Percent: 25},
			Tokens:   12_500,
		},
		{
			Run:      &domain.Run{ID: "run-2", Name: "api cleanup", State: domain.RunCompleted},
			Progress: domain.Progress{TotalPhases: 2, TerminalPhases: 2, Percent: 100},
			Tokens:   40_000,
		},
	}
}

func TestModel_TabSwitching(t *testing.T) {
	model := NewModel(nil, nil)
	model.width = 100
	model.height = 40

	if model.activeTab != tabRuns {
		t.Fatalf("initial activeTab = %d, want tabRuns", model.activeTab)
	}

	newModel, _ := model.Update(tea.KeyMsg{Type: tea.KeyTab})
	model = newModel.(Model)

	if model.activeTab != tabPhases {
		t.Errorf("after first tab: activeTab = %d, want tabPhases", model.activeTab)
	}

	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyTab})
	model = newModel.(Model)

	if model.activeTab != tabUsage {
		t.Errorf("after second tab: activeTab = %d, want tabUsage", model.activeTab)
	}

	// Wraps back around
	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyTab})
	model = newModel.(Model)

	if model.activeTab != tabRuns {
		t.Errorf("after wrap: activeTab = %d, want tabRuns", model.activeTab)
	}
}

func TestModel_RunNavigation(t *testing.T) {
	model := NewModel(nil, nil)
	model.width = 100
	model.height = 40
	model.runs = testRuns()

	newModel, _ := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	model = newModel.(Model)

	if model.selectedRun != 1 {
		t.Errorf("after j: selectedRun = %d, want 1", model.selectedRun)
	}

	// Clamped at the last run
	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	model = newModel.(Model)

	if model.selectedRun != 1 {
		t.Errorf("j past end: selectedRun = %d, want 1", model.selectedRun)
	}

	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")})
	model = newModel.(Model)

	if model.selectedRun != 0 {
		t.Errorf("after k: selectedRun = %d, want 0", model.selectedRun)
	}
}

func TestModel_EnterDrillsIntoPhases(t *testing.T) {
	model := NewModel(nil, nil)
	model.width = 100
	model.height = 40
	model.runs = testRuns()

	newModel, cmd := model.Update(tea.KeyMsg{Type: tea.KeyEnter})
	model = newModel.(Model)

	if model.activeTab != tabPhases {
		t.Errorf("after enter: activeTab = %d, want tabPhases", model.activeTab)
	}
	if cmd == nil {
		t.Error("enter should return a refresh command")
	}

	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyEsc})
	model = newModel.(Model)

	if model.activeTab != tabRuns {
		t.Errorf("after esc: activeTab = %d, want tabRuns", model.activeTab)
	}
}

func TestModel_QuitCommands(t *testing.T) {
	model := NewModel(nil, nil)
	model.width = 100
	model.height = 40

	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Error("'q' should return a quit command")
	}

	_, cmd = model.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Error("ctrl+c should return a quit command")
	}
}

func TestModel_WindowResize(t *testing.T) {
	model := NewModel(nil, nil)

	newModel, _ := model.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	model = newModel.(Model)

	if model.width != 120 {
		t.Errorf("width = %d, want 120", model.width)
	}
	if model.height != 40 {
		t.Errorf("height = %d, want 40", model.height)
	}
}

func TestModel_TickMsg(t *testing.T) {
	model := NewModel(nil, nil)
	model.width = 100
	model.height = 40

	// TickMsg should schedule the next refresh
	_, cmd := model.Update(TickMsg(time.Now()))

	if cmd == nil {
		t.Error("TickMsg should return a command for the next tick")
	}
}

func TestModel_DataMsg(t *testing.T) {
	model := NewModel(nil, nil)
	model.width = 100
	model.height = 40
	model.loadErr = errors.New("stale")

	msg := DataMsg{
		Runs: testRuns(),
		Providers: []domain.ProviderUsage{
			{Provider: "openai", Consumed: 5000, Cap: 1_000_000, Ratio: 0.005},
		},
	}

	newModel, _ := model.Update(msg)
	model = newModel.(Model)

	if model.loadErr != nil {
		t.Errorf("loadErr = %v, want nil", model.loadErr)
	}
	if len(model.runs) != 2 {
		t.Errorf("runs count = %d, want 2", len(model.runs))
	}
	if len(model.providers) != 1 {
		t.Errorf("providers count = %d, want 1", len(model.providers))
	}
}

func TestModel_DataMsgError(t *testing.T) {
	model := NewModel(nil, nil)
	model.runs = testRuns()

	newModel, _ := model.Update(DataMsg{Err: errors.New("db locked")})
	model = newModel.(Model)

	if model.loadErr == nil {
		t.Fatal("loadErr should be set")
	}
	// Stale data stays on screen while the error is shown
	if len(model.runs) != 2 {
		t.Errorf("runs count = %d, want 2", len(model.runs))
	}
}

func TestModel_DataMsgClampsSelection(t *testing.T) {
	model := NewModel(nil, nil)
	model.runs = testRuns()
	model.selectedRun = 1

	newModel, _ := model.Update(DataMsg{Runs: testRuns()[:1]})
	model = newModel.(Model)

	if model.selectedRun != 0 {
		t.Errorf("selectedRun = %d, want 0 after run list shrank", model.selectedRun)
	}
}

func TestView_RendersRuns(t *testing.T) {
	model := NewModel(nil, nil)
	model.width = 100
	model.height = 40
	model.runs = testRuns()

	out := model.View()

	if !strings.Contains(out, "docs sweep") {
		t.Error("view should contain the run name")
	}
	if !strings.Contains(out, "12,500") {
		t.Error("view should contain the formatted token count")
	}
}

func TestView_RendersUsageTab(t *testing.T) {
	model := NewModel(nil, nil)
	model.width = 100
	model.height = 40
	model.activeTab = tabUsage
	model.providers = []domain.ProviderUsage{
		{Provider: "anthropic", Consumed: 900_000, Cap: 1_000_000, Ratio: 0.9, SoftLimit: true},
	}

	out := model.View()

	if !strings.Contains(out, "anthropic") {
		t.Error("view should contain the provider name")
	}
	if !strings.Contains(out, "soft limit") {
		t.Error("view should flag the soft limit")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short, 10) = %q", got)
	}
	if got := truncate("a very long phase name", 10); got != "a very ..." {
		t.Errorf("truncate long = %q", got)
	}
	if len(truncate("abcdefgh", 2)) != 4 {
		t.Errorf("minimum width not enforced: %q", truncate("abcdefgh", 2))
	}
}
