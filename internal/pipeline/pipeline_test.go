package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/agent"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/domain"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/issues"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/notify"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/policy"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/router"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/runstore"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/usage"
)

const testPolicy = `
default_category: docs
categories:
  docs:
    strategy: cheap_first
    escalate_after: 2
    auto_apply: true
    builder:
      primary: {provider: openai, model: mini}
      escalation: {provider: anthropic, model: large}
    auditor:
      primary: {provider: openai, model: mini}
      escalation: {provider: anthropic, model: large}
  security_auth_change:
    strategy: best_first
    auto_apply: false
    dual_audit: true
    builder:
      primary: {provider: anthropic, model: opus}
    auditor:
      primary: {provider: anthropic, model: opus}
    secondary_auditor: {provider: openai, model: large}
`

func testQuotas() *policy.Quotas {
	return &policy.Quotas{Providers: map[string]policy.ProviderQuota{
		"anthropic": {Period: 168 * time.Hour, TokenCap: 1_000_000, SoftLimitRatio: 0.8},
		"openai":    {Period: 168 * time.Hour, TokenCap: 1_000_000, SoftLimitRatio: 0.8},
	}}
}

// scriptedBuilder returns one canned result per attempt
type scriptedBuilder struct {
	results []agent.BuildResult
	errs    []error
	calls   []agent.BuildRequest
}

func (b *scriptedBuilder) Build(ctx context.Context, req agent.BuildRequest) (*agent.BuildResult, error) {
	i := len(b.calls)
	b.calls = append(b.calls, req)
	if i >= len(b.results) {
		return nil, &domain.BuilderError{Detail: "script exhausted"}
	}
	r := b.results[i]
	var err error
	if i < len(b.errs) {
		err = b.errs[i]
	}
	return &r, err
}

// scriptedAuditor returns one canned report per call
type scriptedAuditor struct {
	reports []domain.AuditReport
	calls   []agent.AuditRequest
}

func (a *scriptedAuditor) Audit(ctx context.Context, req agent.AuditRequest) (*domain.AuditReport, error) {
	i := len(a.calls)
	a.calls = append(a.calls, req)
	if i >= len(a.reports) {
		return nil, fmt.Errorf("audit script exhausted")
	}
	r := a.reports[i]
	r.Provider = req.Provider
	r.Model = req.Model
	return &r, nil
}

type okApplier struct{}

func (okApplier) Apply(ctx context.Context, workspace, patch string) error { return nil }

type failApplier struct{ failures int }

func (f *failApplier) Apply(ctx context.Context, workspace, patch string) error {
	if f.failures > 0 {
		f.failures--
		return &domain.ApplyError{Workspace: workspace, Detail: "patch does not apply"}
	}
	return nil
}

type captureNotifier struct{ sent []notify.Notification }

func (c *captureNotifier) Send(n notify.Notification) error {
	c.sent = append(c.sent, n)
	return nil
}

type fixture struct {
	store    *runstore.Store
	pipeline *Pipeline
	run      *domain.Run
	phase    *domain.Phase
	notifier *captureNotifier
	usage    *usage.Ledger
	issues   *issues.Ledger
}

func newFixture(t *testing.T, category string, b agent.Builder, a agent.Auditor, ap agent.Applier) *fixture {
	t.Helper()

	quotas := testQuotas()
	doc, err := policy.Parse([]byte(testPolicy), quotas)
	if err != nil {
		t.Fatalf("parsing policy: %v", err)
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

	run := &domain.Run{
		ID: "run-1", Name: "test", Workspace: t.TempDir(),
		Profile: domain.ProfileNormal, Scope: domain.ScopeIncremental,
		CreatedAt: time.Now(),
	}
	phase := &domain.Phase{
		ID: "ph-1", RunID: run.ID, Name: "work", Category: category,
		Complexity: domain.ComplexityLow,
		Budget:     domain.PhaseBudget{MaxAttempts: 3, MaxMinorIssues: 5, MaxMajorIssues: 3, TokenCap: 500_000},
	}
	if err := store.CreateRun(run, []domain.Tier{{RunID: run.ID, Index: 0, Name: "t0"}}, []*domain.Phase{phase}); err != nil {
		t.Fatal(err)
	}

	notifier := &captureNotifier{}
	return &fixture{
		store:    store,
		notifier: notifier,
		usage:    usageLedger,
		issues:   issueLedger,
		run:      run,
		phase:    phase,
		pipeline: &Pipeline{
			Store:    store,
			Router:   router.New(doc, usageLedger),
			Policy:   doc,
			Usage:    usageLedger,
			Issues:   issueLedger,
			Builder:  b,
			Auditor:  a,
			Applier:  ap,
			Notifier: notifier,
		},
	}
}

func goodResult() agent.BuildResult {
	return agent.BuildResult{
		Patch:        "--- a/doc.md\n+++ b/doc.md\n+updated\n",
		Files:        []string{"doc.md"},
		TestsRun:     true,
		TestsPassed:  true,
		TokensInput:  100,
		TokensOutput: 50,
	}
}

func TestPhasePassesFirstAttempt(t *testing.T) {
	builder := &scriptedBuilder{results: []agent.BuildResult{goodResult()}}
	auditor := &scriptedAuditor{reports: []domain.AuditReport{{Verdict: domain.VerdictApproved}}}
	f := newFixture(t, "docs", builder, auditor, okApplier{})

	if err := f.pipeline.RunPhase(context.Background(), f.run, f.phase); err != nil {
		t.Fatal(err)
	}

	p, _ := f.store.GetPhase("ph-1")
	if p.State != domain.PhaseDoneSuccess {
		t.Errorf("state = %s, want done_success", p.State)
	}
	if p.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", p.Attempts)
	}
	if p.TokensUsed != 150 {
		t.Errorf("tokens used = %d, want 150", p.TokensUsed)
	}
}

func TestEscalatedSuccessOnThirdAttempt(t *testing.T) {
	// Two rejections with a major finding, then a clean pass. Attempts 2
	// and 3 are at or past the escalate_after threshold of 2 and must use
	// the escalation model.
	builder := &scriptedBuilder{results: []agent.BuildResult{goodResult(), goodResult(), goodResult()}}
	auditor := &scriptedAuditor{reports: []domain.AuditReport{
		{Verdict: domain.VerdictIssuesFound, Findings: []domain.Finding{{Severity: domain.SeverityMajor, Message: "broken link"}}},
		{Verdict: domain.VerdictIssuesFound, Findings: []domain.Finding{{Severity: domain.SeverityMajor, Message: "broken link"}}},
		{Verdict: domain.VerdictApproved},
	}}
	f := newFixture(t, "docs", builder, auditor, okApplier{})

	if err := f.pipeline.RunPhase(context.Background(), f.run, f.phase); err != nil {
		t.Fatal(err)
	}

	p, _ := f.store.GetPhase("ph-1")
	if p.State != domain.PhaseDoneEscalated {
		t.Fatalf("state = %s, want done_escalated_success", p.State)
	}
	if p.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", p.Attempts)
	}
	if got := builder.calls[2].Model; got != "large" {
		t.Errorf("attempt 3 model = %s, want escalation model large", got)
	}
	if got := builder.calls[1].Model; got != "large" {
		t.Errorf("attempt 2 model = %s, want escalation model large", got)
	}
	if got := builder.calls[0].Model; got != "mini" {
		t.Errorf("attempt 1 model = %s, want primary mini", got)
	}

	// the two failed attempts each left a phase-scoped issue
	counts, err := f.issues.PhaseCounts("ph-1")
	if err != nil {
		t.Fatal(err)
	}
	if counts.Major != 2 {
		t.Errorf("major issues = %d, want 2", counts.Major)
	}
}

func TestBestFirstQuotaBlocksPhase(t *testing.T) {
	builder := &scriptedBuilder{results: []agent.BuildResult{goodResult()}}
	auditor := &scriptedAuditor{reports: []domain.AuditReport{{Verdict: domain.VerdictApproved}}}
	f := newFixture(t, "security_auth_change", builder, auditor, okApplier{})

	// burn the whole anthropic budget before the phase starts
	if err := f.usage.Record(domain.UsageEvent{
		Provider: "anthropic", Model: "opus", Role: domain.RoleBuilder,
		TokensInput: 1_000_000,
	}); err != nil {
		t.Fatal(err)
	}

	if err := f.pipeline.RunPhase(context.Background(), f.run, f.phase); err != nil {
		t.Fatal(err)
	}

	p, _ := f.store.GetPhase("ph-1")
	if p.State != domain.PhaseBlockedQuota {
		t.Fatalf("state = %s, want blocked_quota", p.State)
	}
	// never silently downgraded: no builder call happened at all
	if len(builder.calls) != 0 {
		t.Errorf("builder was called %d times with an exhausted provider", len(builder.calls))
	}
	// surfaced as an incident
	if len(f.notifier.sent) != 1 || f.notifier.sent[0].Type != notify.NotifyError {
		t.Errorf("expected one error incident, got %+v", f.notifier.sent)
	}
}

func TestDualAuditStrictestVerdictGoverns(t *testing.T) {
	builder := &scriptedBuilder{results: []agent.BuildResult{goodResult(), goodResult()}}
	// primary approves, secondary finds a major issue: the gate must fail
	auditor := &scriptedAuditor{reports: []domain.AuditReport{
		{Verdict: domain.VerdictApproved},
		{Verdict: domain.VerdictIssuesFound, Findings: []domain.Finding{{Severity: domain.SeverityMajor, Message: "privilege check missing"}}},
		{Verdict: domain.VerdictApproved},
		{Verdict: domain.VerdictApproved},
	}}
	f := newFixture(t, "security_auth_change", builder, auditor, okApplier{})
	f.phase.Budget.MaxAttempts = 2

	if err := f.pipeline.RunPhase(context.Background(), f.run, f.phase); err != nil {
		t.Fatal(err)
	}

	p, _ := f.store.GetPhase("ph-1")
	if p.State != domain.PhaseDoneEscalated {
		t.Fatalf("state = %s, want done_escalated_success after retry", p.State)
	}
	// both auditors were consulted on each attempt
	if len(auditor.calls) != 4 {
		t.Errorf("auditor calls = %d, want 4", len(auditor.calls))
	}
	if auditor.calls[0].Provider == auditor.calls[1].Provider {
		t.Error("dual audit used the same provider twice")
	}
}

func TestApplyFailureFeedsRetryPath(t *testing.T) {
	builder := &scriptedBuilder{results: []agent.BuildResult{goodResult(), goodResult()}}
	auditor := &scriptedAuditor{reports: []domain.AuditReport{{Verdict: domain.VerdictApproved}}}
	f := newFixture(t, "docs", builder, auditor, &failApplier{failures: 1})

	if err := f.pipeline.RunPhase(context.Background(), f.run, f.phase); err != nil {
		t.Fatal(err)
	}

	p, _ := f.store.GetPhase("ph-1")
	if p.State != domain.PhaseDoneEscalated {
		t.Fatalf("state = %s, want done_escalated_success", p.State)
	}
	if p.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", p.Attempts)
	}

	attempts, err := f.store.ListAttempts("ph-1")
	if err != nil {
		t.Fatal(err)
	}
	if attempts[0].FailureKind != string(domain.FailureApply) {
		t.Errorf("first attempt failure kind = %s, want apply_failure", attempts[0].FailureKind)
	}
}

func TestExhaustedAttemptsFailPhase(t *testing.T) {
	builder := &scriptedBuilder{results: []agent.BuildResult{goodResult(), goodResult(), goodResult()}}
	auditor := &scriptedAuditor{reports: []domain.AuditReport{
		{Verdict: domain.VerdictIssuesFound, Findings: []domain.Finding{{Severity: domain.SeverityMajor, Message: "wrong"}}},
		{Verdict: domain.VerdictIssuesFound, Findings: []domain.Finding{{Severity: domain.SeverityMajor, Message: "still wrong"}}},
		{Verdict: domain.VerdictIssuesFound, Findings: []domain.Finding{{Severity: domain.SeverityMajor, Message: "wrong again"}}},
	}}
	f := newFixture(t, "docs", builder, auditor, okApplier{})

	if err := f.pipeline.RunPhase(context.Background(), f.run, f.phase); err != nil {
		t.Fatal(err)
	}

	p, _ := f.store.GetPhase("ph-1")
	if p.State != domain.PhaseFailed {
		t.Fatalf("state = %s, want failed", p.State)
	}
	if p.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", p.Attempts)
	}
}

func TestBuilderFailureRetries(t *testing.T) {
	builder := &scriptedBuilder{
		results: []agent.BuildResult{{Failure: "no viable change", TokensInput: 30}, goodResult()},
		errs:    []error{&domain.BuilderError{Detail: "no viable change"}, nil},
	}
	auditor := &scriptedAuditor{reports: []domain.AuditReport{{Verdict: domain.VerdictApproved}}}
	f := newFixture(t, "docs", builder, auditor, okApplier{})

	if err := f.pipeline.RunPhase(context.Background(), f.run, f.phase); err != nil {
		t.Fatal(err)
	}

	p, _ := f.store.GetPhase("ph-1")
	if !p.State.Successful() {
		t.Fatalf("state = %s, want successful terminal", p.State)
	}
	// tokens of the failed call were still recorded
	consumed, err := f.usage.Consumed("openai")
	if err != nil {
		t.Fatal(err)
	}
	if consumed < 30 {
		t.Errorf("consumed = %d, failed call tokens not recorded", consumed)
	}
}
