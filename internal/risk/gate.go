package risk

import (
	"fmt"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/domain"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/policy"
)

// Gate labels attached to attempts
const (
	LabelOK          = "ok"
	LabelNeedsReview = "needs_review"
)

// GateResult is the pass/fail decision over an attempt's combined evidence
type GateResult struct {
	Passed  bool     `json:"passed"`
	Label   string   `json:"label"`
	Reasons []string `json:"reasons,omitempty"`
}

// needsReviewScore is the advisory threshold above which work is flagged
// for a human look without being blocked.
const needsReviewScore = 60

// Evaluate runs the quality gate over the attempt's combined evidence.
//
// When multiple auditors report, the strictest verdict governs. High-risk
// categories (best_first or dual-audit) mandate CI success and the absence
// of major/critical findings. Routine categories fail only on an outright
// rejection carrying major/critical findings; the risk score and CI state
// attach an ok/needs_review label without blocking.
func Evaluate(cat *policy.CategoryPolicy, ciPassed bool, reports []*domain.AuditReport, score Score) GateResult {
	worst := domain.Severity("")
	rejected := false
	for _, r := range reports {
		if r.Verdict != domain.VerdictApproved {
			rejected = true
		}
		if w := r.WorstFinding(); w.Rank() > worst.Rank() {
			worst = w
		}
	}

	if cat.HighRisk() {
		var reasons []string
		if !ciPassed {
			reasons = append(reasons, "ci failed")
		}
		if worst.Rank() >= domain.SeverityMajor.Rank() {
			reasons = append(reasons, fmt.Sprintf("auditor reported %s finding", worst))
		} else if rejected {
			reasons = append(reasons, "auditor withheld approval")
		}
		if len(reasons) > 0 {
			return GateResult{Passed: false, Label: LabelNeedsReview, Reasons: reasons}
		}
		return GateResult{Passed: true, Label: LabelOK}
	}

	// Routine tier: only a rejection with major/critical findings blocks.
	if rejected && worst.Rank() >= domain.SeverityMajor.Rank() {
		return GateResult{
			Passed:  false,
			Label:   LabelNeedsReview,
			Reasons: []string{fmt.Sprintf("auditor reported %s finding", worst)},
		}
	}

	label := LabelOK
	var reasons []string
	if rejected || worst != "" {
		label = LabelNeedsReview
		reasons = append(reasons, "auditor findings present")
	}
	if !ciPassed {
		label = LabelNeedsReview
		reasons = append(reasons, "ci failed")
	}
	if score.Total >= needsReviewScore {
		label = LabelNeedsReview
		reasons = append(reasons, fmt.Sprintf("risk score %d", score.Total))
	}
	return GateResult{Passed: true, Label: label, Reasons: reasons}
}
