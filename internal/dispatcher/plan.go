package dispatcher

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/domain"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/policy"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/runstore"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/strategy"
)

// PhaseSpec describes one phase of a run before planning
type PhaseSpec struct {
	Name        string   `yaml:"name" json:"name"`
	Category    string   `yaml:"category,omitempty" json:"category,omitempty"`
	Complexity  string   `yaml:"complexity,omitempty" json:"complexity,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	DependsOn   []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}

// TierSpec is an ordered group of phases
type TierSpec struct {
	Name   string      `yaml:"name" json:"name"`
	Phases []PhaseSpec `yaml:"phases" json:"phases"`
}

// RunSpec is the operator-facing description of a run
type RunSpec struct {
	Name      string     `yaml:"name" json:"name"`
	Workspace string     `yaml:"workspace" json:"workspace"`
	Profile   string     `yaml:"profile,omitempty" json:"profile,omitempty"`
	Scope     string     `yaml:"scope,omitempty" json:"scope,omitempty"`
	Tiers     []TierSpec `yaml:"tiers" json:"tiers"`
}

// Plan turns a run spec into a persisted run: categories are resolved,
// budgets compiled, and the run created in the registry, all before any
// phase executes. A configuration problem fails the run here, never
// mid-run.
func Plan(store *runstore.Store, doc *policy.Document, spec RunSpec) (*domain.Run, error) {
	run := &domain.Run{
		ID:        uuid.NewString(),
		Name:      spec.Name,
		Workspace: spec.Workspace,
		Profile:   domain.SafetyProfile(spec.Profile),
		Scope:     domain.RunScope(spec.Scope),
		State:     domain.RunCreated,
		CreatedAt: time.Now(),
	}
	if run.Profile == "" {
		run.Profile = domain.ProfileNormal
	}
	if !run.Profile.Valid() {
		return nil, &domain.ConfigurationError{Detail: "unknown safety profile " + string(run.Profile)}
	}
	if run.Scope == "" {
		run.Scope = domain.ScopeIncremental
		if len(spec.Tiers) > 1 {
			run.Scope = domain.ScopeMultiTier
		}
	}

	var tiers []domain.Tier
	var phases []*domain.Phase
	for ti, tierSpec := range spec.Tiers {
		tiers = append(tiers, domain.Tier{RunID: run.ID, Index: ti, Name: tierSpec.Name})
		for pi, ps := range tierSpec.Phases {
			category, err := doc.DetectCategory(ps.Category, ps.Description)
			if err != nil {
				return nil, &domain.ConfigurationError{Detail: "phase " + ps.Name + ": " + err.Error()}
			}
			complexity := domain.Complexity(ps.Complexity)
			if complexity == "" {
				complexity = domain.ComplexityMedium
			}
			phases = append(phases, &domain.Phase{
				ID:          uuid.NewString(),
				RunID:       run.ID,
				TierIndex:   ti,
				Index:       pi,
				Name:        ps.Name,
				Category:    category,
				Complexity:  complexity,
				Description: ps.Description,
				DependsOn:   ps.DependsOn,
				State:       domain.PhasePending,
			})
		}
	}
	if len(phases) == 0 {
		return nil, &domain.ConfigurationError{Detail: "run declares no phases"}
	}
	if err := validateDependencies(phases); err != nil {
		return nil, err
	}

	runBudget, phaseBudgets, err := strategy.NewCompiler(doc).Compile(run, phases)
	if err != nil {
		return nil, err
	}
	run.Budget = runBudget
	for _, p := range phases {
		p.Budget = phaseBudgets[p.ID]
	}

	if err := store.CreateRun(run, tiers, phases); err != nil {
		return nil, err
	}
	return run, nil
}

// validateDependencies checks that every dependency names another phase in
// the same tier and that no tier's dependency graph contains a cycle
func validateDependencies(phases []*domain.Phase) error {
	byTier := map[int]map[string]*domain.Phase{}
	for _, p := range phases {
		if byTier[p.TierIndex] == nil {
			byTier[p.TierIndex] = map[string]*domain.Phase{}
		}
		byTier[p.TierIndex][p.Name] = p
	}
	for _, p := range phases {
		for _, dep := range p.DependsOn {
			if dep == p.Name {
				return &domain.ConfigurationError{Detail: "phase " + p.Name + " depends on itself"}
			}
			if byTier[p.TierIndex][dep] == nil {
				return &domain.ConfigurationError{Detail: "phase " + p.Name + " depends on unknown phase " + dep + " in its tier"}
			}
		}
	}

	// Topological check per tier. A cycle would leave its members waiting
	// on each other forever at dispatch time.
	for tier, members := range byTier {
		indegree := make(map[string]int, len(members))
		dependents := map[string][]string{}
		for name, p := range members {
			indegree[name] = len(p.DependsOn)
			for _, dep := range p.DependsOn {
				dependents[dep] = append(dependents[dep], name)
			}
		}
		var queue []string
		for name, n := range indegree {
			if n == 0 {
				queue = append(queue, name)
			}
		}
		resolved := 0
		for len(queue) > 0 {
			name := queue[0]
			queue = queue[1:]
			resolved++
			for _, next := range dependents[name] {
				indegree[next]--
				if indegree[next] == 0 {
					queue = append(queue, next)
				}
			}
		}
		if resolved != len(members) {
			return &domain.ConfigurationError{Detail: fmt.Sprintf("tier %d has a dependency cycle", tier)}
		}
	}
	return nil
}
