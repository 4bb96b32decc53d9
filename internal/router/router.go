// Package router selects a concrete (provider, model) pair for each unit of
// work, applying the category's routing strategy and escalation ladder
// against live quota state. The router only ever reads quota state; the
// usage ledger is written by the pipeline after a call completes.
package router

import (
	"fmt"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/domain"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/policy"
)

// QuotaReader is the slice of the usage ledger the router needs
type QuotaReader interface {
	Exhausted(provider string) (bool, error)
}

// Selection is a resolved model choice for one adapter call
type Selection struct {
	Provider  string
	Model     string
	Escalated bool
}

func (s Selection) String() string { return s.Provider + "/" + s.Model }

// Router resolves model selections under a fixed policy snapshot
type Router struct {
	policy *policy.Document
	quotas QuotaReader
}

// New creates a Router over a policy snapshot and a quota reader
func New(doc *policy.Document, quotas QuotaReader) *Router {
	return &Router{policy: doc, quotas: quotas}
}

// Select resolves the model for a role on a given attempt. It is
// deterministic for identical ledger state and policy configuration.
//
// best_first categories fail with QuotaExhaustedError rather than silently
// substituting a weaker model. progressive categories escalate once the
// attempt threshold is reached but block below their configured floor. cheap_first
// categories may additionally fall back on quota exhaustion.
func (r *Router) Select(role domain.Role, category string, complexity domain.Complexity, attempt int) (Selection, error) {
	cat, err := r.policy.Category(category)
	if err != nil {
		return Selection{}, &domain.ConfigurationError{Detail: err.Error()}
	}

	rp := cat.Builder
	if role == domain.RoleAuditor {
		rp = cat.Auditor
	}

	ref, escalated := r.ladder(cat, rp, complexity, attempt)

	exhausted, err := r.quotas.Exhausted(ref.Provider)
	if err != nil {
		return Selection{}, fmt.Errorf("checking quota for %s: %w", ref.Provider, err)
	}
	if !exhausted {
		return Selection{Provider: ref.Provider, Model: ref.Model, Escalated: escalated}, nil
	}

	// Primary (or escalation) provider is dry. Only cheap_first may keep
	// going down the ladder; everything else blocks.
	if cat.Strategy == policy.CheapFirst && rp.Fallback != nil {
		fbExhausted, err := r.quotas.Exhausted(rp.Fallback.Provider)
		if err != nil {
			return Selection{}, fmt.Errorf("checking quota for %s: %w", rp.Fallback.Provider, err)
		}
		if !fbExhausted {
			return Selection{Provider: rp.Fallback.Provider, Model: rp.Fallback.Model, Escalated: escalated}, nil
		}
	}

	return Selection{}, &domain.QuotaExhaustedError{
		Provider: ref.Provider,
		Model:    ref.Model,
		Category: cat.Name,
	}
}

// ladder picks the rung of the escalation ladder for this attempt. The
// primary serves attempts below the threshold; from the threshold on, the
// escalation model takes over. High complexity work reaches it one attempt
// earlier.
func (r *Router) ladder(cat *policy.CategoryPolicy, rp policy.RolePolicy, complexity domain.Complexity, attempt int) (policy.ModelRef, bool) {
	if cat.Strategy == policy.BestFirst || rp.Escalation == nil {
		return rp.Primary, false
	}

	threshold := cat.EscalateAfter
	if complexity == domain.ComplexityHigh && threshold > 1 {
		threshold--
	}
	if attempt >= threshold {
		return *rp.Escalation, true
	}
	return rp.Primary, false
}

// SelectAuditors resolves every auditor required for a category on the
// given attempt. Dual-audit categories get a second, independent selection
// from a different provider than the primary auditor.
func (r *Router) SelectAuditors(category string, complexity domain.Complexity, attempt int) ([]Selection, error) {
	cat, err := r.policy.Category(category)
	if err != nil {
		return nil, &domain.ConfigurationError{Detail: err.Error()}
	}

	primary, err := r.Select(domain.RoleAuditor, category, complexity, attempt)
	if err != nil {
		return nil, err
	}
	selections := []Selection{primary}

	if cat.DualAudit {
		sec := cat.SecondaryAuditor
		exhausted, err := r.quotas.Exhausted(sec.Provider)
		if err != nil {
			return nil, fmt.Errorf("checking quota for %s: %w", sec.Provider, err)
		}
		if exhausted {
			// A dual-audit category cannot run half-audited.
			return nil, &domain.QuotaExhaustedError{Provider: sec.Provider, Model: sec.Model, Category: cat.Name}
		}
		selections = append(selections, Selection{Provider: sec.Provider, Model: sec.Model})
	}

	return selections, nil
}
