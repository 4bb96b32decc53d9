package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/agent"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/domain"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/issues"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/lease"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/notify"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/policy"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/router"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/runstore"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/usage"
)

const testPolicy = `
default_category: general
categories:
  general:
    strategy: progressive
    escalate_after: 2
    auto_apply: true
    keywords: [refactor, cleanup]
    builder:
      primary: {provider: openai, model: mini}
      escalation: {provider: anthropic, model: large}
    auditor:
      primary: {provider: openai, model: mini}
      escalation: {provider: anthropic, model: large}
  risky:
    strategy: best_first
    auto_apply: false
    builder:
      primary: {provider: openai, model: mini}
    auditor:
      primary: {provider: openai, model: mini}
`

// recordingBuilder always produces a patch and remembers call order
type recordingBuilder struct {
	mu    sync.Mutex
	order []string // phase descriptions in call order
}

func (b *recordingBuilder) Build(ctx context.Context, req agent.BuildRequest) (*agent.BuildResult, error) {
	b.mu.Lock()
	b.order = append(b.order, req.Description)
	b.mu.Unlock()
	return &agent.BuildResult{
		Patch:        "--- a/x\n+++ b/x\n+y\n",
		Files:        []string{"x"},
		TestsRun:     true,
		TestsPassed:  true,
		TokensInput:  10,
		TokensOutput: 5,
	}, nil
}

// markerAuditor rejects any phase whose description contains "always-fail"
// with a major finding, and any containing "minor-fail" with a minor one
type markerAuditor struct{}

func (markerAuditor) Audit(ctx context.Context, req agent.AuditRequest) (*domain.AuditReport, error) {
	if strings.Contains(req.Description, "always-fail") {
		return &domain.AuditReport{
			Verdict:  domain.VerdictIssuesFound,
			Findings: []domain.Finding{{Severity: domain.SeverityMajor, Message: "rejected"}},
			Provider: req.Provider,
			Model:    req.Model,
		}, nil
	}
	if strings.Contains(req.Description, "minor-fail") {
		return &domain.AuditReport{
			Verdict:  domain.VerdictIssuesFound,
			Findings: []domain.Finding{{Severity: domain.SeverityMinor, Message: "nitpick"}},
			Provider: req.Provider,
			Model:    req.Model,
		}, nil
	}
	return &domain.AuditReport{Verdict: domain.VerdictApproved, Provider: req.Provider, Model: req.Model}, nil
}

type okApplier struct{}

func (okApplier) Apply(ctx context.Context, workspace, patch string) error { return nil }

type fixture struct {
	store      *runstore.Store
	doc        *policy.Document
	issues     *issues.Ledger
	usage      *usage.Ledger
	dispatcher *Dispatcher
	builder    *recordingBuilder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	quotas := &policy.Quotas{Providers: map[string]policy.ProviderQuota{
		"anthropic": {Period: 168 * time.Hour, TokenCap: 10_000_000, SoftLimitRatio: 0.8},
		"openai":    {Period: 168 * time.Hour, TokenCap: 10_000_000, SoftLimitRatio: 0.8},
	}}
	doc, err := policy.Parse([]byte(testPolicy), quotas)
	if err != nil {
		t.Fatal(err)
	}

	store, err := runstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	usageLedger, err := usage.New(store.DB(), quotas)
	if err != nil {
		t.Fatal(err)
	}
	issueLedger, err := issues.New(store.DB())
	if err != nil {
		t.Fatal(err)
	}
	leases, err := lease.New(store.DB(), func(runID string) (bool, error) {
		run, err := store.GetRun(runID)
		if err != nil {
			return false, err
		}
		return run.State.Terminal(), nil
	})
	if err != nil {
		t.Fatal(err)
	}

	builder := &recordingBuilder{}
	return &fixture{
		store:   store,
		doc:     doc,
		issues:  issueLedger,
		usage:   usageLedger,
		builder: builder,
		dispatcher: &Dispatcher{
			Store:  store,
			Issues: issueLedger,
			Leases: leases,
			Pipeline: &pipeline.Pipeline{
				Store:    store,
				Router:   router.New(doc, usageLedger),
				Policy:   doc,
				Usage:    usageLedger,
				Issues:   issueLedger,
				Builder:  builder,
				Auditor:  markerAuditor{},
				Applier:  okApplier{},
				Notifier: notify.NoopNotifier{},
			},
			Concurrency: 2,
		},
	}
}

func (f *fixture) plan(t *testing.T, workspace string, tiers []TierSpec) *domain.Run {
	return f.planProfile(t, workspace, "normal", tiers)
}

func (f *fixture) planProfile(t *testing.T, workspace, profile string, tiers []TierSpec) *domain.Run {
	t.Helper()
	run, err := Plan(f.store, f.doc, RunSpec{
		Name:      "test run",
		Workspace: workspace,
		Profile:   profile,
		Tiers:     tiers,
	})
	if err != nil {
		t.Fatal(err)
	}
	return run
}

func TestExecuteRunCompletes(t *testing.T) {
	f := newFixture(t)
	ws := t.TempDir()
	run := f.plan(t, ws, []TierSpec{
		{Name: "core", Phases: []PhaseSpec{
			{Name: "a", Description: "refactor the parser"},
			{Name: "b", Description: "cleanup the emitter"},
		}},
	})

	if err := f.dispatcher.ExecuteRun(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := f.store.GetRun(run.ID)
	if got.State != domain.RunCompleted {
		t.Fatalf("run state = %s (%s), want completed", got.State, got.AbortReason)
	}
	phases, _ := f.store.GetPhases(run.ID)
	for _, p := range phases {
		if !p.State.Successful() {
			t.Errorf("phase %s state = %s, want successful", p.Name, p.State)
		}
	}

	// lease was released on completion
	holder, err := f.dispatcher.Leases.Holder(ws)
	if err != nil {
		t.Fatal(err)
	}
	if holder != "" {
		t.Errorf("lease still held by %s", holder)
	}
}

func TestTierBarrier(t *testing.T) {
	f := newFixture(t)
	run := f.plan(t, t.TempDir(), []TierSpec{
		{Name: "first", Phases: []PhaseSpec{{Name: "a", Description: "tier-one work"}}},
		{Name: "second", Phases: []PhaseSpec{{Name: "b", Description: "tier-two work"}}},
	})

	if err := f.dispatcher.ExecuteRun(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}

	if len(f.builder.order) != 2 {
		t.Fatalf("builder calls = %d, want 2", len(f.builder.order))
	}
	if f.builder.order[0] != "tier-one work" || f.builder.order[1] != "tier-two work" {
		t.Errorf("tier order violated: %v", f.builder.order)
	}
}

func TestIntraTierDependencyOrder(t *testing.T) {
	f := newFixture(t)
	run := f.plan(t, t.TempDir(), []TierSpec{
		{Name: "core", Phases: []PhaseSpec{
			{Name: "schema", Description: "schema work"},
			{Name: "api", Description: "api work", DependsOn: []string{"schema"}},
		}},
	})

	if err := f.dispatcher.ExecuteRun(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}

	if f.builder.order[0] != "schema work" {
		t.Errorf("dependency order violated: %v", f.builder.order)
	}
	got, _ := f.store.GetRun(run.ID)
	if got.State != domain.RunCompleted {
		t.Errorf("run state = %s, want completed", got.State)
	}
}

func TestDependencyFailurePropagates(t *testing.T) {
	f := newFixture(t)
	// lenient profile keeps the failing base phase's issues under the
	// run-level ceiling, so the run fails instead of aborting
	run := f.planProfile(t, t.TempDir(), "lenient", []TierSpec{
		{Name: "core", Phases: []PhaseSpec{
			{Name: "base", Description: "always-fail base work"},
			{Name: "dependent", Description: "dependent work", DependsOn: []string{"base"}},
		}},
	})

	if err := f.dispatcher.ExecuteRun(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}

	phases, _ := f.store.GetPhases(run.ID)
	var base, dependent *domain.Phase
	for _, p := range phases {
		switch p.Name {
		case "base":
			base = p
		case "dependent":
			dependent = p
		}
	}
	if base.State != domain.PhaseFailed {
		t.Errorf("base state = %s, want failed", base.State)
	}
	if dependent.State != domain.PhaseFailed {
		t.Errorf("dependent state = %s, want failed", dependent.State)
	}
	if !strings.Contains(dependent.LastError, "dependency") {
		t.Errorf("dependent last error = %q, want dependency detail", dependent.LastError)
	}
	// the dependent phase never reached a builder
	for _, desc := range f.builder.order {
		if desc == "dependent work" {
			t.Error("dependent phase was built despite failed dependency")
		}
	}

	got, _ := f.store.GetRun(run.ID)
	if got.State != domain.RunFailed {
		t.Errorf("run state = %s, want failed", got.State)
	}
}

func TestRunMajorCeilingAborts(t *testing.T) {
	f := newFixture(t)
	run := f.plan(t, t.TempDir(), []TierSpec{
		{Name: "a", Phases: []PhaseSpec{{Name: "p1", Description: "always-fail one"}}},
		{Name: "b", Phases: []PhaseSpec{{Name: "p2", Description: "always-fail two"}}},
		{Name: "c", Phases: []PhaseSpec{{Name: "p3", Description: "fine work"}}},
	})

	// Tighten the run ceiling below what two failing phases will produce.
	// The compiled budget is rewritten in place before execution.
	run.Budget.MaxMinorIssues = 100
	run.Budget.MaxMajorIssues = 3
	if err := overwriteBudget(f.store, run); err != nil {
		t.Fatal(err)
	}

	if err := f.dispatcher.ExecuteRun(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := f.store.GetRun(run.ID)
	if got.State != domain.RunAborted {
		t.Fatalf("run state = %s, want aborted", got.State)
	}
	if !strings.Contains(got.AbortReason, "major issue ceiling") {
		t.Errorf("abort reason = %q", got.AbortReason)
	}
	// the third tier never dispatched
	for _, desc := range f.builder.order {
		if desc == "fine work" {
			t.Error("phase dispatched after run ceiling was exceeded")
		}
	}
}

func TestRunMinorCeilingAborts(t *testing.T) {
	f := newFixture(t)
	// risky is a high-risk category, so a rejection with only minor
	// findings still fails each attempt and accumulates minor issues.
	run := f.plan(t, t.TempDir(), []TierSpec{
		{Name: "a", Phases: []PhaseSpec{{Name: "p1", Category: "risky", Description: "minor-fail work"}}},
		{Name: "b", Phases: []PhaseSpec{{Name: "p2", Description: "fine work"}}},
	})

	run.Budget.MaxMinorIssues = 2
	run.Budget.MaxMajorIssues = 100
	if err := overwriteBudget(f.store, run); err != nil {
		t.Fatal(err)
	}

	if err := f.dispatcher.ExecuteRun(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := f.store.GetRun(run.ID)
	if got.State != domain.RunAborted {
		t.Fatalf("run state = %s, want aborted", got.State)
	}
	if !strings.Contains(got.AbortReason, "minor issue ceiling") {
		t.Errorf("abort reason = %q", got.AbortReason)
	}
	for _, desc := range f.builder.order {
		if desc == "fine work" {
			t.Error("phase dispatched after run minor ceiling was exceeded")
		}
	}
}

func TestLeaseFailFast(t *testing.T) {
	f := newFixture(t)
	ws := t.TempDir()

	run1 := f.plan(t, ws, []TierSpec{
		{Name: "a", Phases: []PhaseSpec{{Name: "p1", Description: "work"}}},
	})
	run2 := f.plan(t, ws, []TierSpec{
		{Name: "a", Phases: []PhaseSpec{{Name: "p1", Description: "work"}}},
	})

	// run1 holds the workspace
	if err := f.dispatcher.Leases.TryAcquire(ws, run1.ID); err != nil {
		t.Fatal(err)
	}

	if err := f.dispatcher.ExecuteRun(context.Background(), run2.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.GetRun(run2.ID)
	if got.State != domain.RunFailed {
		t.Fatalf("run2 state = %s, want failed (lease busy)", got.State)
	}
	if !strings.Contains(got.AbortReason, "leased") {
		t.Errorf("reason = %q, want lease detail", got.AbortReason)
	}
}

func TestPlanRejectsUnknownDependency(t *testing.T) {
	f := newFixture(t)
	_, err := Plan(f.store, f.doc, RunSpec{
		Name: "bad", Workspace: t.TempDir(),
		Tiers: []TierSpec{{Name: "a", Phases: []PhaseSpec{
			{Name: "p1", Description: "work", DependsOn: []string{"ghost"}},
		}}},
	})
	var ce *domain.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
}

func TestPlanRejectsDependencyCycle(t *testing.T) {
	f := newFixture(t)
	_, err := Plan(f.store, f.doc, RunSpec{
		Name: "cyclic", Workspace: t.TempDir(),
		Tiers: []TierSpec{{Name: "a", Phases: []PhaseSpec{
			{Name: "p1", Description: "work", DependsOn: []string{"p2"}},
			{Name: "p2", Description: "work", DependsOn: []string{"p1"}},
		}}},
	})
	var ce *domain.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
	if !strings.Contains(ce.Error(), "cycle") {
		t.Errorf("detail = %q, want cycle detail", ce.Error())
	}
}

func TestUnreachablePhasesStillFinalizeRun(t *testing.T) {
	f := newFixture(t)

	// Bypass planning to persist a run whose phases wait on each other, the
	// kind of state a pre-validation database could still hold.
	run := &domain.Run{
		ID: "run-stuck", Name: "stuck", Workspace: t.TempDir(),
		Profile: domain.ProfileNormal, Scope: domain.ScopeIncremental,
		State:     domain.RunCreated,
		Budget:    domain.RunBudget{MaxMinorIssues: 10, MaxMajorIssues: 10, TokenCap: 1_000_000, WallClock: time.Hour},
		CreatedAt: time.Now(),
	}
	budget := domain.PhaseBudget{MaxAttempts: 3, MaxMinorIssues: 5, MaxMajorIssues: 3, TokenCap: 500_000}
	phases := []*domain.Phase{
		{ID: "st-1", RunID: run.ID, TierIndex: 0, Index: 0, Name: "p1", Category: "general",
			Complexity: domain.ComplexityLow, DependsOn: []string{"p2"}, State: domain.PhasePending, Budget: budget},
		{ID: "st-2", RunID: run.ID, TierIndex: 0, Index: 1, Name: "p2", Category: "general",
			Complexity: domain.ComplexityLow, DependsOn: []string{"p1"}, State: domain.PhasePending, Budget: budget},
	}
	if err := f.store.CreateRun(run, []domain.Tier{{RunID: run.ID, Index: 0, Name: "a"}}, phases); err != nil {
		t.Fatal(err)
	}

	if err := f.dispatcher.ExecuteRun(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := f.store.GetRun(run.ID)
	if got.State != domain.RunFailed {
		t.Fatalf("run state = %s, want failed (terminal)", got.State)
	}
	stored, _ := f.store.GetPhases(run.ID)
	for _, p := range stored {
		if p.State != domain.PhaseFailed {
			t.Errorf("phase %s state = %s, want failed", p.Name, p.State)
		}
	}
}

func TestPlanDetectsCategoryFromKeywords(t *testing.T) {
	f := newFixture(t)
	run := f.plan(t, t.TempDir(), []TierSpec{
		{Name: "a", Phases: []PhaseSpec{{Name: "p1", Description: "refactor the parser"}}},
	})

	phases, _ := f.store.GetPhases(run.ID)
	if phases[0].Category != "general" {
		t.Errorf("category = %s, want general", phases[0].Category)
	}
	if phases[0].Budget.MaxAttempts == 0 {
		t.Error("phase budget was not compiled")
	}
	if run.Budget.MaxMinorIssues != 3 {
		t.Errorf("run minor ceiling = %d, want 3 for one phase", run.Budget.MaxMinorIssues)
	}
}

// overwriteBudget rewrites a created run's budget, for ceiling tests
func overwriteBudget(s *runstore.Store, run *domain.Run) error {
	return s.ReplaceRunBudget(run.ID, run.Budget)
}

func TestReportDistinguishesBlockedQuota(t *testing.T) {
	f := newFixture(t)
	run := f.plan(t, t.TempDir(), []TierSpec{
		{Name: "a", Phases: []PhaseSpec{{Name: "p1", Description: "work"}}},
	})

	// drain the primary provider so the progressive category blocks
	if err := f.usage.Record(domain.UsageEvent{
		Provider: "openai", Model: "mini", Role: domain.RoleBuilder,
		TokensInput: 10_000_000,
	}); err != nil {
		t.Fatal(err)
	}

	if err := f.dispatcher.ExecuteRun(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}

	report, err := BuildReport(f.store, f.usage, f.issues, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if report.Outcome != OutcomeBlockedQuota {
		t.Fatalf("outcome = %s, want blocked_quota", report.Outcome)
	}
	if len(report.Phases) != 1 || report.Phases[0].State != domain.PhaseBlockedQuota {
		t.Errorf("phase report = %+v", report.Phases)
	}
}

func TestReportFailedRun(t *testing.T) {
	f := newFixture(t)
	run := f.planProfile(t, t.TempDir(), "lenient", []TierSpec{
		{Name: "a", Phases: []PhaseSpec{{Name: "p1", Description: "always-fail work"}}},
	})

	if err := f.dispatcher.ExecuteRun(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}

	report, err := BuildReport(f.store, f.usage, f.issues, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if report.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", report.Outcome)
	}
	if len(report.Phases[0].Attempts) == 0 {
		t.Error("report is missing the attempt history")
	}
	if report.TokensUsed == 0 {
		t.Error("report is missing token usage")
	}
	if report.Issues.Total() == 0 {
		t.Error("report is missing issue counts")
	}
}
