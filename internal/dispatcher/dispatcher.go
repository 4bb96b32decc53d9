// Package dispatcher walks a run's tiers in order and drives each phase
// through the execution pipeline. Tiers are strict barriers; within a
// tier, phases run concurrently up to a limit, respecting declared
// dependencies.
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/domain"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/issues"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/lease"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/notify"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/runstore"
)

// Dispatcher executes runs. One ExecuteRun call is one dispatcher loop;
// multiple runs may execute concurrently as independent loops, serialized
// per workspace by the lease manager.
type Dispatcher struct {
	Store    *runstore.Store
	Issues   *issues.Ledger
	Pipeline *pipeline.Pipeline
	Leases   *lease.Manager
	Notifier notify.Notifier

	// Concurrency bounds how many phases of one tier run at once
	Concurrency int
	// WaitForLease makes a run queue on a busy workspace instead of
	// failing fast
	WaitForLease bool
}

func (d *Dispatcher) concurrency() int {
	if d.Concurrency > 0 {
		return d.Concurrency
	}
	return 1
}

func (d *Dispatcher) notifier() notify.Notifier {
	if d.Notifier != nil {
		return d.Notifier
	}
	return notify.NoopNotifier{}
}

// ExecuteRun drives a run from CREATED to a terminal state
func (d *Dispatcher) ExecuteRun(ctx context.Context, runID string) error {
	run, err := d.Store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.State != domain.RunCreated {
		return fmt.Errorf("run %s is %s, not created", runID, run.State)
	}

	if err := d.acquireLease(ctx, run); err != nil {
		failErr := d.Store.TransitionRun(run.ID, domain.RunFailed, err.Error())
		if failErr != nil {
			return failErr
		}
		d.notifier().Send(notify.RunFinished(run.ID, run.Name, string(domain.RunFailed), err.Error()))
		return nil
	}
	defer d.Leases.Release(run.Workspace, run.ID)

	if err := d.Store.TransitionRun(run.ID, domain.RunRunning, ""); err != nil {
		return err
	}

	deadline := time.Now().Add(run.Budget.WallClock)
	abortReason := ""

	tiers, err := d.Store.GetTiers(run.ID)
	if err != nil {
		return err
	}
	for _, tier := range tiers {
		reason, err := d.runTier(ctx, run, tier.Index, deadline)
		if err != nil {
			return err
		}
		if reason != "" {
			abortReason = reason
			break
		}
	}

	return d.finalize(run, abortReason)
}

func (d *Dispatcher) acquireLease(ctx context.Context, run *domain.Run) error {
	if d.WaitForLease {
		return d.Leases.Acquire(ctx, run.Workspace, run.ID)
	}
	return d.Leases.TryAcquire(run.Workspace, run.ID)
}

// runTier executes one tier to completion. It returns a non-empty abort
// reason when a run-level ceiling was hit; phases in flight finish their
// current work, nothing new is dispatched.
func (d *Dispatcher) runTier(ctx context.Context, run *domain.Run, tierIndex int, deadline time.Time) (string, error) {
	for {
		phases, err := d.tierPhases(run.ID, tierIndex)
		if err != nil {
			return "", err
		}
		if domain.TierDone(phases) {
			return "", nil
		}

		// Ceilings gate dispatch, not completion: work already terminal
		// stays as recorded even when a ceiling was crossed by it.
		if reason, err := d.checkCeilings(run, deadline); reason != "" || err != nil {
			return reason, err
		}

		batch, changed, err := d.eligible(phases)
		if err != nil {
			return "", err
		}
		if len(batch) == 0 {
			if changed {
				// Dependents of failed phases were just failed; re-evaluate.
				continue
			}
			// Nothing pending can run and nothing is in flight between
			// rounds: the remaining phases are unreachable. Fail them so
			// the run still reaches a terminal state.
			for _, p := range phases {
				if p.State == domain.PhasePending {
					detail := fmt.Sprintf("unreachable in tier %d: unresolvable dependencies", tierIndex)
					if err := d.Store.TransitionPhase(p.ID, domain.PhaseFailed, detail); err != nil {
						return "", err
					}
				}
			}
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.concurrency())
		for _, phase := range batch {
			g.Go(func() error {
				return d.Pipeline.RunPhase(gctx, run, phase)
			})
		}
		if err := g.Wait(); err != nil {
			return "", err
		}
	}
}

// eligible returns the pending phases whose dependencies are satisfied.
// Phases whose dependency terminally failed are themselves failed here;
// the changed flag reports such transitions so the caller re-evaluates.
func (d *Dispatcher) eligible(phases []*domain.Phase) ([]*domain.Phase, bool, error) {
	byName := make(map[string]*domain.Phase, len(phases))
	for _, p := range phases {
		byName[p.Name] = p
	}

	var batch []*domain.Phase
	changed := false
	for _, p := range phases {
		if p.State != domain.PhasePending {
			continue
		}
		ready := true
		for _, depName := range p.DependsOn {
			dep := byName[depName]
			if dep == nil {
				continue
			}
			if dep.State.Terminal() && !dep.State.Successful() {
				detail := fmt.Sprintf("dependency %s is %s", depName, dep.State)
				if err := d.Store.TransitionPhase(p.ID, domain.PhaseFailed, detail); err != nil {
					return nil, changed, err
				}
				changed = true
				ready = false
				break
			}
			if !dep.State.Successful() {
				ready = false
				break
			}
		}
		if ready {
			batch = append(batch, p)
		}
	}
	return batch, changed, nil
}

// checkCeilings enforces the run-wide wall clock and issue ceilings
func (d *Dispatcher) checkCeilings(run *domain.Run, deadline time.Time) (string, error) {
	if time.Now().After(deadline) {
		return fmt.Sprintf("wall clock ceiling of %s exceeded", run.Budget.WallClock), nil
	}

	counts, err := d.Issues.RunCounts(run.ID)
	if err != nil {
		return "", err
	}
	if counts.Minor > run.Budget.MaxMinorIssues {
		return fmt.Sprintf("run minor issue ceiling exceeded (%d > %d)", counts.Minor, run.Budget.MaxMinorIssues), nil
	}
	if counts.Major+counts.Critical > run.Budget.MaxMajorIssues {
		return fmt.Sprintf("run major issue ceiling exceeded (%d > %d)", counts.Major+counts.Critical, run.Budget.MaxMajorIssues), nil
	}
	return "", nil
}

func (d *Dispatcher) tierPhases(runID string, tierIndex int) ([]*domain.Phase, error) {
	all, err := d.Store.GetPhases(runID)
	if err != nil {
		return nil, err
	}
	var out []*domain.Phase
	for _, p := range all {
		if p.TierIndex == tierIndex {
			out = append(out, p)
		}
	}
	return out, nil
}

// finalize moves the run to its terminal state. COMPLETED requires every
// phase to be terminal and successful; a blocked phase beats a failed one
// in the report because it implies a different remediation.
func (d *Dispatcher) finalize(run *domain.Run, abortReason string) error {
	phases, err := d.Store.GetPhases(run.ID)
	if err != nil {
		return err
	}

	failed, blocked, pending := 0, 0, 0
	for _, p := range phases {
		switch {
		case !p.State.Terminal():
			pending++
		case p.State == domain.PhaseBlockedQuota:
			blocked++
		case !p.State.Successful():
			failed++
		}
	}

	state := domain.RunCompleted
	detail := fmt.Sprintf("%d phases passed", len(phases))
	switch {
	case abortReason != "":
		state = domain.RunAborted
		detail = abortReason
	case blocked > 0:
		state = domain.RunFailed
		detail = fmt.Sprintf("%d phase(s) blocked on quota, %d failed", blocked, failed)
	case failed > 0 || pending > 0:
		state = domain.RunFailed
		detail = fmt.Sprintf("%d phase(s) failed, %d never ran", failed, pending)
	}

	if err := d.Store.TransitionRun(run.ID, state, detail); err != nil {
		return err
	}
	if err := d.notifier().Send(notify.RunFinished(run.ID, run.Name, string(state), detail)); err != nil {
		fmt.Fprintf(os.Stderr, "warning: sending run notification: %v\n", err)
	}
	return nil
}
