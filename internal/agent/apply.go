package agent

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/domain"
)

// GitApplier applies unified-diff patches with git in the target workspace
type GitApplier struct{}

// Apply runs git apply with a three-way fallback. A failure here is a
// build-type failure and feeds the normal retry/escalation path.
func (GitApplier) Apply(ctx context.Context, workspace, patch string) error {
	if strings.TrimSpace(patch) == "" {
		return &domain.ApplyError{Workspace: workspace, Detail: "empty patch"}
	}

	cmd := exec.CommandContext(ctx, "git", "apply", "--3way", "--whitespace=nowarn", "-")
	cmd.Dir = workspace
	cmd.Stdin = strings.NewReader(patch)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return &domain.ApplyError{Workspace: workspace, Detail: detail}
	}
	return nil
}
