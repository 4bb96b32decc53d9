package domain

import "time"

// RunBudget holds the run-wide limits derived by the strategy compiler
type RunBudget struct {
	MaxMinorIssues int           `json:"max_minor_issues"`
	MaxMajorIssues int           `json:"max_major_issues"`
	TokenCap       int64         `json:"token_cap"`
	WallClock      time.Duration `json:"wall_clock"`
}

// PhaseBudget holds the per-phase limits derived by the strategy compiler
type PhaseBudget struct {
	MaxAttempts    int   `json:"max_attempts"`
	MaxMinorIssues int   `json:"max_minor_issues"`
	MaxMajorIssues int   `json:"max_major_issues"`
	TokenCap       int64 `json:"token_cap"`
}

// Run represents one end-to-end autonomous build execution
type Run struct {
	ID          string
	Name        string
	Workspace   string
	Profile     SafetyProfile
	Scope       RunScope
	State       RunState
	Budget      RunBudget
	AbortReason string
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// Tier is an ordered group of phases within a run. It has no lifecycle of
// its own; its state is derived from its phases.
type Tier struct {
	RunID string
	Index int
	Name  string
}

// TierDone returns true when every phase of the tier is terminal
func TierDone(phases []*Phase) bool {
	for _, p := range phases {
		if !p.State.Terminal() {
			return false
		}
	}
	return true
}

// Phase is the smallest dispatchable unit of work
type Phase struct {
	ID          string
	RunID       string
	TierIndex   int
	Index       int
	Name        string
	Category    string
	Complexity  Complexity
	Description string
	DependsOn   []string // names of phases in the same tier
	State       PhaseState
	Attempts    int
	Budget      PhaseBudget
	TokensUsed  int64
	LastError   string
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// Attempt records one builder/auditor cycle of a phase
type Attempt struct {
	ID              string
	PhaseID         string
	RunID           string
	Number          int
	BuilderProvider string
	BuilderModel    string
	AuditorProvider string
	AuditorModel    string
	Escalated       bool
	RiskScore       int
	GateLabel       string
	Passed          bool
	FailureKind     string
	Detail          string
	TokensInput     int64
	TokensOutput    int64
	StartedAt       time.Time
	FinishedAt      *time.Time
}

// Progress summarizes how far a run has come, for the status surface
type Progress struct {
	RunID          string  `json:"run_id"`
	State          string  `json:"state"`
	TotalPhases    int     `json:"total_phases"`
	TerminalPhases int     `json:"terminal_phases"`
	Percent        float64 `json:"percent"`
}
