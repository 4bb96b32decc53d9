package domain

import "time"

// Issue is an append-only record of a problem observed during execution.
// It is stored once with a scope tag; run and project counts are computed
// by query so the upward-aggregation invariant holds by construction.
type Issue struct {
	Key       string
	RunID     string
	PhaseID   string
	Scope     IssueScope
	Severity  Severity
	Category  string
	Source    string
	Message   string
	CreatedAt time.Time
}

// Finding is a severity-tagged problem reported by an auditor
type Finding struct {
	Severity Severity `json:"severity"`
	Category string   `json:"category"`
	Message  string   `json:"message"`
}

// AuditReport is an auditor's structured response for one applied change
type AuditReport struct {
	Verdict      Verdict   `json:"verdict"`
	Findings     []Finding `json:"findings,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	Model        string    `json:"model,omitempty"`
	TokensInput  int64     `json:"tokens_input"`
	TokensOutput int64     `json:"tokens_output"`
}

// WorstFinding returns the highest-ranked severity among the findings,
// or an empty severity if there are none.
func (r *AuditReport) WorstFinding() Severity {
	var worst Severity
	for _, f := range r.Findings {
		if f.Severity.Rank() > worst.Rank() {
			worst = f.Severity
		}
	}
	return worst
}
