package dispatcher

import (
	"time"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/domain"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/issues"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/runstore"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/usage"
)

// Outcome classifies a finished run by the remediation it implies:
// exhausted retries, resource exhaustion, and timeouts are different
// problems and the report never conflates them.
const (
	OutcomeCompleted    = "completed"
	OutcomeFailed       = "failed"
	OutcomeBlockedQuota = "blocked_quota"
	OutcomeAborted      = "aborted"
	OutcomeInProgress   = "in_progress"
)

// PhaseReport is the per-phase slice of a run report
type PhaseReport struct {
	ID         string                `json:"id"`
	Name       string                `json:"name"`
	Category   string                `json:"category"`
	State      domain.PhaseState     `json:"state"`
	Attempts   []*domain.Attempt     `json:"attempts,omitempty"`
	Issues     issues.SeverityCounts `json:"issues"`
	TokensUsed int64                 `json:"tokens_used"`
	LastError  string                `json:"last_error,omitempty"`
}

// RunReport is the final per-run report
type RunReport struct {
	Run        *domain.Run           `json:"run"`
	Outcome    string                `json:"outcome"`
	Detail     string                `json:"detail,omitempty"`
	Duration   time.Duration         `json:"duration"`
	Phases     []PhaseReport         `json:"phases"`
	Issues     issues.SeverityCounts `json:"issues"`
	TokensUsed int64                 `json:"tokens_used"`
}

// BuildReport assembles the report for a run from the registry and ledgers
func BuildReport(store *runstore.Store, usageLedger *usage.Ledger, issueLedger *issues.Ledger, runID string) (*RunReport, error) {
	run, err := store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	phases, err := store.GetPhases(runID)
	if err != nil {
		return nil, err
	}

	report := &RunReport{Run: run, Detail: run.AbortReason}

	blocked := false
	for _, p := range phases {
		attempts, err := store.ListAttempts(p.ID)
		if err != nil {
			return nil, err
		}
		counts, err := issueLedger.PhaseCounts(p.ID)
		if err != nil {
			return nil, err
		}
		if p.State == domain.PhaseBlockedQuota {
			blocked = true
		}
		report.Phases = append(report.Phases, PhaseReport{
			ID:         p.ID,
			Name:       p.Name,
			Category:   p.Category,
			State:      p.State,
			Attempts:   attempts,
			Issues:     counts,
			TokensUsed: p.TokensUsed,
			LastError:  p.LastError,
		})
	}

	switch run.State {
	case domain.RunCompleted:
		report.Outcome = OutcomeCompleted
	case domain.RunAborted:
		report.Outcome = OutcomeAborted
	case domain.RunFailed:
		report.Outcome = OutcomeFailed
		if blocked {
			report.Outcome = OutcomeBlockedQuota
		}
	default:
		report.Outcome = OutcomeInProgress
	}

	if run.StartedAt != nil {
		end := time.Now()
		if run.FinishedAt != nil {
			end = *run.FinishedAt
		}
		report.Duration = end.Sub(*run.StartedAt)
	}

	report.Issues, err = issueLedger.RunCounts(runID)
	if err != nil {
		return nil, err
	}
	report.TokensUsed, err = usageLedger.RunTokens(runID)
	if err != nil {
		return nil, err
	}
	return report, nil
}
