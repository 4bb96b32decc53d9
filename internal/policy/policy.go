// Package policy loads and validates the operator-maintained routing-policy
// and provider-quota documents. A loaded Document is immutable for the
// lifetime of a run; hot reloads only affect runs created afterwards.
package policy

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Strategy selects how a category routes between models
type Strategy string

const (
	BestFirst   Strategy = "best_first"
	Progressive Strategy = "progressive"
	CheapFirst  Strategy = "cheap_first"
)

// Valid returns true if the strategy is a known value
func (s Strategy) Valid() bool {
	switch s {
	case BestFirst, Progressive, CheapFirst:
		return true
	}
	return false
}

// ModelRef names a concrete (provider, model) pair
type ModelRef struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// IsZero returns true when the reference is unset
func (m ModelRef) IsZero() bool { return m.Provider == "" && m.Model == "" }

func (m ModelRef) String() string { return m.Provider + "/" + m.Model }

// RolePolicy holds the model ladder for one agent role within a category
type RolePolicy struct {
	Primary    ModelRef  `yaml:"primary"`
	Escalation *ModelRef `yaml:"escalation,omitempty"`
	Fallback   *ModelRef `yaml:"fallback,omitempty"`
}

// CategoryPolicy is the routing configuration for one work category
type CategoryPolicy struct {
	Name             string     `yaml:"-"`
	Strategy         Strategy   `yaml:"strategy"`
	Builder          RolePolicy `yaml:"builder"`
	Auditor          RolePolicy `yaml:"auditor"`
	SecondaryAuditor *ModelRef  `yaml:"secondary_auditor,omitempty"`
	EscalateAfter    int        `yaml:"escalate_after,omitempty"`
	DualAudit        bool       `yaml:"dual_audit,omitempty"`
	AutoApply        bool       `yaml:"auto_apply,omitempty"`
	Keywords         []string   `yaml:"keywords,omitempty"`
}

// NeverDowngrade reports whether quota exhaustion must block rather than
// substitute a weaker model. best_first categories never downgrade;
// progressive categories may escalate but never fall below their floor.
func (c *CategoryPolicy) NeverDowngrade() bool {
	return c.Strategy == BestFirst || c.Strategy == Progressive
}

// HighRisk reports whether the category is held to the strict quality bar
func (c *CategoryPolicy) HighRisk() bool {
	return c.Strategy == BestFirst || c.DualAudit
}

// Document is a compiled routing-policy document
type Document struct {
	Categories      map[string]*CategoryPolicy `yaml:"categories"`
	DefaultCategory string                     `yaml:"default_category,omitempty"`
}

// Load reads and validates a routing-policy document from a YAML file
func Load(path string, quotas *Quotas) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading routing policy: %w", err)
	}
	return Parse(data, quotas)
}

// Parse parses and validates a routing-policy document
func Parse(data []byte, quotas *Quotas) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing routing policy: %w", err)
	}
	for name, cat := range doc.Categories {
		cat.Name = name
		if cat.EscalateAfter == 0 {
			cat.EscalateAfter = 2
		}
	}
	if err := doc.Validate(quotas); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks the document once at load time so an invalid
// category/strategy combination is a start-time error, not a runtime one.
func (d *Document) Validate(quotas *Quotas) error {
	if len(d.Categories) == 0 {
		return fmt.Errorf("routing policy declares no categories")
	}
	if d.DefaultCategory != "" {
		if _, ok := d.Categories[d.DefaultCategory]; !ok {
			return fmt.Errorf("default category %q is not declared", d.DefaultCategory)
		}
	}

	for _, name := range d.CategoryNames() {
		cat := d.Categories[name]
		if !cat.Strategy.Valid() {
			return fmt.Errorf("category %q: unknown strategy %q", name, cat.Strategy)
		}
		if cat.Builder.Primary.IsZero() {
			return fmt.Errorf("category %q: builder primary model is required", name)
		}
		if cat.Auditor.Primary.IsZero() {
			return fmt.Errorf("category %q: auditor primary model is required", name)
		}
		if cat.Strategy != BestFirst {
			if cat.Builder.Escalation == nil {
				return fmt.Errorf("category %q: %s strategy requires a builder escalation model", name, cat.Strategy)
			}
		}
		if cat.Strategy == BestFirst && cat.Builder.Fallback != nil {
			return fmt.Errorf("category %q: best_first permits no fallback model", name)
		}
		if cat.Strategy == Progressive && cat.Builder.Fallback != nil {
			return fmt.Errorf("category %q: progressive permits no fallback below its floor", name)
		}
		if cat.DualAudit {
			if cat.SecondaryAuditor == nil {
				return fmt.Errorf("category %q: dual audit requires a secondary auditor", name)
			}
			if cat.SecondaryAuditor.Provider == cat.Auditor.Primary.Provider {
				return fmt.Errorf("category %q: secondary auditor must be on a different provider than %s", name, cat.Auditor.Primary.Provider)
			}
		}
		if cat.EscalateAfter < 1 {
			return fmt.Errorf("category %q: escalate_after must be at least 1", name)
		}
		if quotas != nil {
			for _, ref := range cat.modelRefs() {
				if _, ok := quotas.Providers[ref.Provider]; !ok {
					return fmt.Errorf("category %q: provider %q has no quota entry", name, ref.Provider)
				}
			}
		}
	}
	return nil
}

// Category resolves a category policy by name, falling back to the default.
// A missing category with no default is a configuration error.
func (d *Document) Category(name string) (*CategoryPolicy, error) {
	if cat, ok := d.Categories[name]; ok {
		return cat, nil
	}
	if d.DefaultCategory != "" {
		return d.Categories[d.DefaultCategory], nil
	}
	return nil, fmt.Errorf("no routing policy for category %q and no default configured", name)
}

// CategoryNames returns the declared category names in stable order
func (d *Document) CategoryNames() []string {
	names := make([]string, 0, len(d.Categories))
	for name := range d.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *CategoryPolicy) modelRefs() []ModelRef {
	refs := []ModelRef{c.Builder.Primary, c.Auditor.Primary}
	for _, opt := range []*ModelRef{c.Builder.Escalation, c.Builder.Fallback, c.Auditor.Escalation, c.Auditor.Fallback, c.SecondaryAuditor} {
		if opt != nil {
			refs = append(refs, *opt)
		}
	}
	return refs
}
