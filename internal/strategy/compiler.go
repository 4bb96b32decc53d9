// Package strategy derives run and phase budgets from a run's safety
// profile and scope before any phase executes. Compilation happens once at
// run creation; the resulting budgets are persisted with the run.
package strategy

import (
	"time"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/domain"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/policy"
)

// Base limits before the safety-profile factor is applied
const (
	baseMaxAttempts      = 3
	basePhaseMinorIssues = 5
	basePhaseMajorIssues = 2
	// Run-wide minor ceiling scales with phase count rather than being a
	// fixed number, so larger runs get proportionally more slack.
	minorIssuesPerPhase = 3
	majorIssuesPerPhase = 1

	basePhaseTokenCap = 500_000
	baseRunWallClock  = 4 * time.Hour
)

// Compiler turns a phase list into budgets under a routing policy
type Compiler struct {
	policy *policy.Document
}

// NewCompiler creates a Compiler bound to a policy snapshot
func NewCompiler(doc *policy.Document) *Compiler {
	return &Compiler{policy: doc}
}

// issueFactor scales issue allowances per safety profile: strict halves
// them, lenient doubles them.
func issueFactor(p domain.SafetyProfile) float64 {
	switch p {
	case domain.ProfileStrict:
		return 0.5
	case domain.ProfileLenient:
		return 2.0
	default:
		return 1.0
	}
}

// attemptBonus gives lenient runs one extra attempt and strict runs one less
func attemptBonus(p domain.SafetyProfile) int {
	switch p {
	case domain.ProfileStrict:
		return -1
	case domain.ProfileLenient:
		return 1
	default:
		return 0
	}
}

// Compile derives the run budget and a budget per phase. It fails fast with
// a ConfigurationError if any phase declares a category with no matching
// policy and no default fallback, so a misconfigured run never starts.
func (c *Compiler) Compile(run *domain.Run, phases []*domain.Phase) (domain.RunBudget, map[string]domain.PhaseBudget, error) {
	factor := issueFactor(run.Profile)
	budgets := make(map[string]domain.PhaseBudget, len(phases))

	for _, p := range phases {
		cat, err := c.policy.Category(p.Category)
		if err != nil {
			return domain.RunBudget{}, nil, &domain.ConfigurationError{
				Detail: "phase " + p.Name + ": " + err.Error(),
			}
		}

		attempts := baseMaxAttempts + attemptBonus(run.Profile)
		// The escalation model takes over at attempt escalate_after; the
		// attempt budget must reach it.
		if cat.Strategy != policy.BestFirst && attempts < cat.EscalateAfter {
			attempts = cat.EscalateAfter
		}
		if attempts < 1 {
			attempts = 1
		}

		tokenCap := int64(basePhaseTokenCap)
		if p.Complexity == domain.ComplexityHigh {
			tokenCap *= 2
		}

		budgets[p.ID] = domain.PhaseBudget{
			MaxAttempts:    attempts,
			MaxMinorIssues: scale(basePhaseMinorIssues, factor),
			MaxMajorIssues: scale(basePhaseMajorIssues, factor),
			TokenCap:       tokenCap,
		}
	}

	wallClock := baseRunWallClock
	if run.Scope == domain.ScopeMultiTier {
		wallClock *= 2
	}

	runBudget := domain.RunBudget{
		MaxMinorIssues: scale(len(phases)*minorIssuesPerPhase, factor),
		MaxMajorIssues: scale(len(phases)*majorIssuesPerPhase, factor),
		TokenCap:       int64(len(phases)) * basePhaseTokenCap,
		WallClock:      wallClock,
	}

	return runBudget, budgets, nil
}

func scale(base int, factor float64) int {
	v := int(float64(base) * factor)
	if v < 1 {
		v = 1
	}
	return v
}
