// Package agent defines the builder and auditor adapter contracts and the
// local CLI-backed implementation. Adapters are synchronous request/response;
// retry behavior is owned entirely by the execution pipeline.
package agent

import (
	"context"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/domain"
)

// ContextFile is one workspace file included in a builder's minimal context
type ContextFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// BuildRequest is the input to a builder adapter call
type BuildRequest struct {
	RunID       string        `json:"run_id"`
	PhaseID     string        `json:"phase_id"`
	Category    string        `json:"category"`
	Complexity  string        `json:"complexity"`
	Description string        `json:"description"`
	Workspace   string        `json:"workspace"`
	Provider    string        `json:"provider"`
	Model       string        `json:"model"`
	Attempt     int           `json:"attempt"`
	Context     []ContextFile `json:"context,omitempty"`
}

// BuildResult is a builder's proposed change plus self-reported evidence
type BuildResult struct {
	Patch        string   `json:"patch"`
	Files        []string `json:"files,omitempty"`
	TestsRun     bool     `json:"tests_run"`
	TestsPassed  bool     `json:"tests_passed"`
	TokensInput  int64    `json:"tokens_input"`
	TokensOutput int64    `json:"tokens_output"`
	Failure      string   `json:"failure,omitempty"`
}

// AuditRequest is the input to an auditor adapter call
type AuditRequest struct {
	RunID       string `json:"run_id"`
	PhaseID     string `json:"phase_id"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Workspace   string `json:"workspace"`
	Patch       string `json:"patch"`
	Provider    string `json:"provider"`
	Model       string `json:"model"`
}

// Builder proposes a change for a phase using the selected model
type Builder interface {
	Build(ctx context.Context, req BuildRequest) (*BuildResult, error)
}

// Auditor reviews an applied change and returns a structured verdict
type Auditor interface {
	Audit(ctx context.Context, req AuditRequest) (*domain.AuditReport, error)
}

// Applier applies a builder's proposed change to the target workspace
type Applier interface {
	Apply(ctx context.Context, workspace, patch string) error
}
