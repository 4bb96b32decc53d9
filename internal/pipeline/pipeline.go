// Package pipeline drives one phase attempt end to end: assemble context,
// invoke the builder, apply the result, invoke the auditor(s), evaluate
// the quality gate, and decide retry/escalate/terminate. Retry behavior
// lives here, never in the adapters.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/agent"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/domain"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/issues"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/notify"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/policy"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/risk"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/router"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/runstore"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/usage"
)

// DefaultCallTimeout bounds one builder or auditor invocation
const DefaultCallTimeout = 15 * time.Minute

// Pipeline executes phases. It owns the retry/escalation ladder and all
// ledger writes; the router and adapters stay side-effect free.
type Pipeline struct {
	Store    *runstore.Store
	Router   *router.Router
	Policy   *policy.Document
	Usage    *usage.Ledger
	Issues   *issues.Ledger
	Builder  agent.Builder
	Auditor  agent.Auditor
	Applier  agent.Applier
	Notifier notify.Notifier

	// CallTimeout overrides DefaultCallTimeout when set
	CallTimeout time.Duration
}

func (p *Pipeline) callTimeout() time.Duration {
	if p.CallTimeout > 0 {
		return p.CallTimeout
	}
	return DefaultCallTimeout
}

func (p *Pipeline) notifier() notify.Notifier {
	if p.Notifier != nil {
		return p.Notifier
	}
	return notify.NoopNotifier{}
}

// RunPhase executes a phase until it reaches a terminal state. The
// returned error reports infrastructure problems only; a phase that
// terminates FAILED or BLOCKED_QUOTA is a nil-error outcome recorded in
// the run store.
func (p *Pipeline) RunPhase(ctx context.Context, run *domain.Run, phase *domain.Phase) error {
	cat, err := p.Policy.Category(phase.Category)
	if err != nil {
		return &domain.ConfigurationError{Detail: err.Error()}
	}

	if err := p.Store.TransitionPhase(phase.ID, domain.PhaseDispatched, ""); err != nil {
		return err
	}

	for attempt := 1; attempt <= phase.Budget.MaxAttempts; attempt++ {
		outcome, err := p.runAttempt(ctx, run, phase, cat, attempt)
		if err != nil {
			return err
		}

		switch {
		case outcome.blocked != nil:
			p.log(run.ID, phase.ID, "error", outcome.blocked.Error())
			p.notifier().Send(notify.QuotaIncident(run.ID, phase.ID, phase.Category, outcome.blocked.Provider, outcome.blocked.Model))
			return p.Store.TransitionPhase(phase.ID, domain.PhaseBlockedQuota, outcome.blocked.Error())

		case outcome.passed:
			final := domain.PhaseDoneSuccess
			if attempt > 1 {
				final = domain.PhaseDoneEscalated
			}
			p.log(run.ID, phase.ID, "info", fmt.Sprintf("phase passed on attempt %d", attempt))
			return p.Store.TransitionPhase(phase.ID, final, "")

		default:
			p.log(run.ID, phase.ID, "warn", fmt.Sprintf("attempt %d failed: %s", attempt, outcome.detail))
			if err := p.recordFailureIssue(run, phase, attempt, outcome); err != nil {
				return err
			}

			over, reason, err := p.overBudget(phase)
			if err != nil {
				return err
			}
			if over {
				return p.Store.TransitionPhase(phase.ID, domain.PhaseFailed, reason)
			}
			if attempt == phase.Budget.MaxAttempts {
				return p.Store.TransitionPhase(phase.ID, domain.PhaseFailed,
					fmt.Sprintf("exhausted %d attempts: %s", attempt, outcome.detail))
			}
			if err := p.Store.TransitionPhase(phase.ID, domain.PhaseEscalated, outcome.detail); err != nil {
				return err
			}
		}
	}
	return nil
}

// attemptOutcome is the result of one builder/auditor cycle
type attemptOutcome struct {
	passed  bool
	kind    domain.FailureKind
	detail  string
	worst   domain.Severity
	blocked *domain.QuotaExhaustedError
}

func failed(kind domain.FailureKind, detail string) attemptOutcome {
	return attemptOutcome{kind: kind, detail: detail}
}

func (p *Pipeline) runAttempt(ctx context.Context, run *domain.Run, phase *domain.Phase, cat *policy.CategoryPolicy, attempt int) (attemptOutcome, error) {
	// Model selection happens fresh each attempt so escalation and quota
	// state are re-resolved.
	builderSel, err := p.Router.Select(domain.RoleBuilder, phase.Category, phase.Complexity, attempt)
	if err != nil {
		return p.selectError(err)
	}
	auditorSels, err := p.Router.SelectAuditors(phase.Category, phase.Complexity, attempt)
	if err != nil {
		return p.selectError(err)
	}

	if err := p.Store.TransitionPhase(phase.ID, domain.PhaseBuilding, ""); err != nil {
		return attemptOutcome{}, err
	}

	rec := &domain.Attempt{
		ID:              attemptID(phase.ID, attempt),
		PhaseID:         phase.ID,
		RunID:           run.ID,
		Number:          attempt,
		BuilderProvider: builderSel.Provider,
		BuilderModel:    builderSel.Model,
		Escalated:       builderSel.Escalated,
		StartedAt:       time.Now(),
	}
	if err := p.Store.SaveAttempt(rec); err != nil {
		return attemptOutcome{}, err
	}

	outcome, err := p.buildAuditCycle(ctx, run, phase, cat, builderSel, auditorSels, attempt, rec)
	if err != nil {
		return attemptOutcome{}, err
	}

	now := time.Now()
	rec.FinishedAt = &now
	rec.Passed = outcome.passed
	rec.FailureKind = string(outcome.kind)
	rec.Detail = outcome.detail
	if err := p.Store.SaveAttempt(rec); err != nil {
		return attemptOutcome{}, err
	}
	return outcome, nil
}

// buildAuditCycle performs steps 1-5 of an attempt: context, build, apply,
// audit, gate. The attempt record is filled in as evidence arrives.
func (p *Pipeline) buildAuditCycle(ctx context.Context, run *domain.Run, phase *domain.Phase, cat *policy.CategoryPolicy, builderSel router.Selection, auditorSels []router.Selection, attempt int, rec *domain.Attempt) (attemptOutcome, error) {
	files, err := AssembleContext(run.Workspace, phase.Category, phase.Description)
	if err != nil {
		return failed(domain.FailureBuilder, fmt.Sprintf("assembling context: %v", err)), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout())
	defer cancel()

	result, buildErr := p.Builder.Build(callCtx, agent.BuildRequest{
		RunID:       run.ID,
		PhaseID:     phase.ID,
		Category:    phase.Category,
		Complexity:  string(phase.Complexity),
		Description: phase.Description,
		Workspace:   run.Workspace,
		Provider:    builderSel.Provider,
		Model:       builderSel.Model,
		Attempt:     attempt,
		Context:     files,
	})

	// Tokens were consumed even when the call failed; the ledger records
	// them either way.
	if result != nil {
		if err := p.recordUsage(run, phase, domain.RoleBuilder, builderSel.Provider, builderSel.Model, result.TokensInput, result.TokensOutput, rec); err != nil {
			return attemptOutcome{}, err
		}
	}
	if buildErr != nil {
		if errors.Is(buildErr, context.DeadlineExceeded) {
			return failed(domain.FailureTimeout, "builder call timed out"), nil
		}
		if ctx.Err() != nil {
			return attemptOutcome{}, ctx.Err()
		}
		return failed(domain.FailureBuilder, buildErr.Error()), nil
	}

	if applyErr := p.Applier.Apply(ctx, run.Workspace, result.Patch); applyErr != nil {
		var ae *domain.ApplyError
		if errors.As(applyErr, &ae) {
			return failed(domain.FailureApply, ae.Detail), nil
		}
		if ctx.Err() != nil {
			return attemptOutcome{}, ctx.Err()
		}
		return failed(domain.FailureApply, applyErr.Error()), nil
	}

	if err := p.Store.TransitionPhase(phase.ID, domain.PhaseAuditing, ""); err != nil {
		return attemptOutcome{}, err
	}

	var reports []*domain.AuditReport
	for _, sel := range auditorSels {
		auditCtx, cancelAudit := context.WithTimeout(ctx, p.callTimeout())
		report, auditErr := p.Auditor.Audit(auditCtx, agent.AuditRequest{
			RunID:       run.ID,
			PhaseID:     phase.ID,
			Category:    phase.Category,
			Description: phase.Description,
			Workspace:   run.Workspace,
			Patch:       result.Patch,
			Provider:    sel.Provider,
			Model:       sel.Model,
		})
		cancelAudit()

		if report != nil {
			if err := p.recordUsage(run, phase, domain.RoleAuditor, sel.Provider, sel.Model, report.TokensInput, report.TokensOutput, rec); err != nil {
				return attemptOutcome{}, err
			}
		}
		if auditErr != nil {
			if errors.Is(auditErr, context.DeadlineExceeded) {
				return failed(domain.FailureTimeout, "auditor call timed out"), nil
			}
			if ctx.Err() != nil {
				return attemptOutcome{}, ctx.Err()
			}
			return failed(domain.FailureBuilder, fmt.Sprintf("auditor adapter: %v", auditErr)), nil
		}
		reports = append(reports, report)
		rec.AuditorProvider = sel.Provider
		rec.AuditorModel = sel.Model
	}

	score := risk.ScoreChange(result.Patch, result.Files)
	rec.RiskScore = score.Total

	ciPassed := result.TestsRun && result.TestsPassed
	gate := risk.Evaluate(cat, ciPassed, reports, score)
	if gate.Passed && !cat.AutoApply {
		// Categories without auto-apply keep the change staged for a
		// human look even when the gate passes.
		gate.Label = risk.LabelNeedsReview
	}
	rec.GateLabel = gate.Label

	if !gate.Passed {
		worst := domain.SeverityMinor
		for _, r := range reports {
			if w := r.WorstFinding(); w.Rank() > worst.Rank() {
				worst = w
			}
		}
		detail := "quality gate failed"
		if len(gate.Reasons) > 0 {
			detail = gate.Reasons[0]
		}
		out := failed(domain.FailureAuditor, detail)
		out.worst = worst
		return out, nil
	}
	return attemptOutcome{passed: true}, nil
}

// selectError maps a router error into an attempt outcome. Quota
// exhaustion with no permitted downgrade is terminal and surfaced as an
// incident, never as an ordinary failure.
func (p *Pipeline) selectError(err error) (attemptOutcome, error) {
	var quota *domain.QuotaExhaustedError
	if errors.As(err, &quota) {
		return attemptOutcome{blocked: quota}, nil
	}
	return attemptOutcome{}, err
}

func (p *Pipeline) recordUsage(run *domain.Run, phase *domain.Phase, role domain.Role, provider, model string, in, out int64, rec *domain.Attempt) error {
	if err := p.Usage.Record(domain.UsageEvent{
		Provider:     provider,
		Model:        model,
		Role:         role,
		RunID:        run.ID,
		PhaseID:      phase.ID,
		TokensInput:  in,
		TokensOutput: out,
	}); err != nil {
		return fmt.Errorf("recording usage: %w", err)
	}
	rec.TokensInput += in
	rec.TokensOutput += out
	return p.Store.AddPhaseTokens(phase.ID, in+out)
}

// recordFailureIssue writes the phase-scoped issue for a failed attempt.
// The key is derived from phase and attempt so a re-read of the same
// failure cannot double-count.
func (p *Pipeline) recordFailureIssue(run *domain.Run, phase *domain.Phase, attempt int, outcome attemptOutcome) error {
	severity := outcome.worst
	if severity == "" {
		severity = domain.SeverityMinor
	}
	return p.Issues.Record(domain.Issue{
		Key:      fmt.Sprintf("%s-attempt-%d-%s", phase.ID, attempt, outcome.kind),
		RunID:    run.ID,
		PhaseID:  phase.ID,
		Scope:    domain.IssueScopePhase,
		Severity: severity,
		Category: phase.Category,
		Source:   string(outcome.kind),
		Message:  outcome.detail,
	})
}

// overBudget checks the phase's own issue and token ceilings
func (p *Pipeline) overBudget(phase *domain.Phase) (bool, string, error) {
	counts, err := p.Issues.PhaseCounts(phase.ID)
	if err != nil {
		return false, "", err
	}
	if counts.Minor > phase.Budget.MaxMinorIssues {
		return true, fmt.Sprintf("minor issue ceiling exceeded (%d > %d)", counts.Minor, phase.Budget.MaxMinorIssues), nil
	}
	if counts.Major+counts.Critical > phase.Budget.MaxMajorIssues {
		return true, fmt.Sprintf("major issue ceiling exceeded (%d > %d)", counts.Major+counts.Critical, phase.Budget.MaxMajorIssues), nil
	}

	current, err := p.Store.GetPhase(phase.ID)
	if err != nil {
		return false, "", err
	}
	if phase.Budget.TokenCap > 0 && current.TokensUsed > phase.Budget.TokenCap {
		return true, fmt.Sprintf("phase token cap exceeded (%d > %d)", current.TokensUsed, phase.Budget.TokenCap), nil
	}
	return false, "", nil
}

func (p *Pipeline) log(runID, phaseID, level, message string) {
	if err := p.Store.AppendLog(runID, phaseID, level, message); err != nil {
		fmt.Fprintf(os.Stderr, "warning: appending run log: %v\n", err)
	}
}

// attemptID derives a stable identifier for (phase, attempt) so a crashed
// and re-driven attempt updates its own row instead of inserting twice
func attemptID(phaseID string, attempt int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%d", phaseID, attempt))).String()
}
