package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/domain"
)

// CLIAgent runs an external agent binary for both roles. The binary gets
// the request as JSON on stdin and must print, as its final output line, a
// single JSON object matching BuildResult (builder mode) or AuditReport
// (auditor mode). Everything before that line is treated as streamed
// progress output and ignored.
type CLIAgent struct {
	Binary string
	// ExtraArgs are passed before the mode argument, e.g. a config flag
	ExtraArgs []string
}

// NewCLIAgent creates an adapter around the given agent binary
func NewCLIAgent(binary string, extraArgs ...string) *CLIAgent {
	return &CLIAgent{Binary: binary, ExtraArgs: extraArgs}
}

// Build invokes the binary in builder mode
func (a *CLIAgent) Build(ctx context.Context, req BuildRequest) (*BuildResult, error) {
	out, err := a.invoke(ctx, "build", req, req.Workspace)
	if err != nil {
		return nil, err
	}

	var result BuildResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, &domain.BuilderError{Detail: "malformed builder output", Err: err}
	}
	if result.Failure != "" {
		return &result, &domain.BuilderError{Detail: result.Failure}
	}
	if result.Patch == "" {
		return &result, &domain.BuilderError{Detail: "builder returned no patch"}
	}
	return &result, nil
}

// Audit invokes the binary in auditor mode
func (a *CLIAgent) Audit(ctx context.Context, req AuditRequest) (*domain.AuditReport, error) {
	out, err := a.invoke(ctx, "audit", req, req.Workspace)
	if err != nil {
		return nil, err
	}

	var report domain.AuditReport
	if err := json.Unmarshal(out, &report); err != nil {
		return nil, fmt.Errorf("malformed auditor output: %w", err)
	}
	if report.Verdict != domain.VerdictApproved && report.Verdict != domain.VerdictIssuesFound {
		return nil, fmt.Errorf("auditor returned unknown verdict %q", report.Verdict)
	}
	report.Provider = req.Provider
	report.Model = req.Model
	return &report, nil
}

// invoke runs the binary and returns the last JSON object line it printed
func (a *CLIAgent) invoke(ctx context.Context, mode string, payload interface{}, dir string) ([]byte, error) {
	input, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	args := append(append([]string{}, a.ExtraArgs...), mode)
	cmd := exec.CommandContext(ctx, a.Binary, args...)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	last := lastJSONLine(&stdout)
	if runErr != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = runErr.Error()
		}
		return nil, &domain.BuilderError{Detail: fmt.Sprintf("%s %s: %s", a.Binary, mode, detail), Err: runErr}
	}
	if last == nil {
		return nil, &domain.BuilderError{Detail: fmt.Sprintf("%s %s produced no result line", a.Binary, mode)}
	}
	return last, nil
}

// lastJSONLine scans output for the final line that looks like a JSON object
func lastJSONLine(buf *bytes.Buffer) []byte {
	scanner := bufio.NewScanner(buf)
	// Increase buffer size for long JSON lines
	b := make([]byte, 0, 64*1024)
	scanner.Buffer(b, 4*1024*1024)

	var last []byte
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "{") && strings.HasSuffix(line, "}") {
			last = []byte(line)
		}
	}
	return last
}
