package agentpool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/agent"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/domain"
)

type stubBuilder struct {
	result *agent.BuildResult
	err    error
}

func (b *stubBuilder) Build(ctx context.Context, req agent.BuildRequest) (*agent.BuildResult, error) {
	return b.result, b.err
}

type stubAuditor struct {
	report *domain.AuditReport
}

func (a *stubAuditor) Audit(ctx context.Context, req agent.AuditRequest) (*domain.AuditReport, error) {
	return a.report, nil
}

func newTestCoordinator(builder agent.Builder, auditor agent.Auditor) *Coordinator {
	registry := NewRegistry()
	dispatcher := NewDispatcher(registry, NewLocalFunc(builder, auditor))
	return NewCoordinator(CoordinatorConfig{Port: 0}, registry, dispatcher)
}

func TestCoordinator_BuildFallsBackToLocal(t *testing.T) {
	builder := &stubBuilder{result: &agent.BuildResult{Patch: "diff", TokensInput: 42}}
	coord := newTestCoordinator(builder, &stubAuditor{})

	result, err := coord.Build(context.Background(), agent.BuildRequest{
		PhaseID:     "ph-1",
		Description: "wire config loader",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Patch != "diff" {
		t.Errorf("got patch %q, want diff", result.Patch)
	}
}

func TestCoordinator_AuditFallsBackToLocal(t *testing.T) {
	auditor := &stubAuditor{report: &domain.AuditReport{
		Verdict:  domain.VerdictApproved,
		Provider: "openai",
		Model:    "mini",
	}}
	coord := newTestCoordinator(&stubBuilder{}, auditor)

	report, err := coord.Audit(context.Background(), agent.AuditRequest{PhaseID: "ph-1"})
	if err != nil {
		t.Fatal(err)
	}
	if report.Verdict != domain.VerdictApproved {
		t.Errorf("got verdict %s, want approved", report.Verdict)
	}
}

func TestCoordinator_LocalBuilderErrorSurfaces(t *testing.T) {
	builder := &stubBuilder{err: errors.New("agent crashed")}
	coord := newTestCoordinator(builder, &stubAuditor{})

	_, err := coord.Build(context.Background(), agent.BuildRequest{PhaseID: "ph-1"})
	if err == nil {
		t.Fatal("expected error from failing builder")
	}
}

func TestCoordinator_QueuedJobCancelledByContext(t *testing.T) {
	// A registered worker with no free slots keeps the job queued; the
	// caller's context then expires.
	registry := NewRegistry()
	registry.Register(&ConnectedWorker{ID: "busy", MaxJobs: 1, Slots: 0})

	dispatcher := NewDispatcher(registry, nil)
	coord := NewCoordinator(CoordinatorConfig{Port: 0}, registry, dispatcher)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := coord.Build(ctx, agent.BuildRequest{PhaseID: "ph-1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got err %v, want deadline exceeded", err)
	}
}

func TestJobMessageRoundTrip(t *testing.T) {
	data, err := MarshalEnvelope(TypeJob, JobMessage{
		JobID: "job-1",
		Mode:  ModeBuild,
		Build: &agent.BuildRequest{PhaseID: "ph-1", Provider: "anthropic", Model: "opus"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var env EnvelopeRaw
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != TypeJob {
		t.Fatalf("got type %q, want job", env.Type)
	}

	var job JobMessage
	if err := json.Unmarshal(env.Payload, &job); err != nil {
		t.Fatal(err)
	}
	if job.Build == nil || job.Build.Model != "opus" {
		t.Errorf("payload did not survive the round trip: %+v", job)
	}
}
