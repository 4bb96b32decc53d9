package policy

import (
	"strings"
	"testing"
)

const validQuotas = `
providers:
  anthropic:
    period: 168h
    token_cap: 10000000
    soft_limit_ratio: 0.8
  openai:
    period: 168h
    token_cap: 5000000
`

const validPolicy = `
default_category: general
categories:
  general:
    strategy: cheap_first
    escalate_after: 3
    builder:
      primary: {provider: openai, model: small}
      escalation: {provider: openai, model: large}
      fallback: {provider: anthropic, model: haiku}
    auditor:
      primary: {provider: anthropic, model: haiku}
      escalation: {provider: anthropic, model: sonnet}
    keywords: [docs, readme]
  security_auth_change:
    strategy: best_first
    dual_audit: true
    builder:
      primary: {provider: anthropic, model: opus}
    auditor:
      primary: {provider: anthropic, model: opus}
    secondary_auditor: {provider: openai, model: large}
    keywords: [auth, login, permission]
  schema_change:
    strategy: progressive
    escalate_after: 2
    builder:
      primary: {provider: openai, model: small}
      escalation: {provider: anthropic, model: sonnet}
    auditor:
      primary: {provider: anthropic, model: sonnet}
      escalation: {provider: anthropic, model: opus}
    keywords: [migration, schema]
`

func mustQuotas(t *testing.T) *Quotas {
	t.Helper()
	q, err := ParseQuotas([]byte(validQuotas))
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func mustPolicy(t *testing.T) *Document {
	t.Helper()
	doc, err := Parse([]byte(validPolicy), mustQuotas(t))
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestParseValidPolicy(t *testing.T) {
	doc := mustPolicy(t)

	if len(doc.Categories) != 3 {
		t.Fatalf("categories = %d, want 3", len(doc.Categories))
	}

	sec := doc.Categories["security_auth_change"]
	if sec.Strategy != BestFirst {
		t.Errorf("strategy = %s, want best_first", sec.Strategy)
	}
	if !sec.NeverDowngrade() {
		t.Error("best_first must never downgrade")
	}
	if !sec.HighRisk() {
		t.Error("best_first is high risk")
	}
	if sec.SecondaryAuditor.Provider != "openai" {
		t.Errorf("secondary auditor provider = %s, want openai", sec.SecondaryAuditor.Provider)
	}

	gen := doc.Categories["general"]
	if gen.NeverDowngrade() {
		t.Error("cheap_first may downgrade")
	}
	if gen.EscalateAfter != 3 {
		t.Errorf("escalate_after = %d, want 3", gen.EscalateAfter)
	}

	schema := doc.Categories["schema_change"]
	if !schema.NeverDowngrade() {
		t.Error("progressive must not downgrade below its floor")
	}
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	bad := strings.Replace(validPolicy, "strategy: cheap_first", "strategy: yolo", 1)
	if _, err := Parse([]byte(bad), mustQuotas(t)); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestValidateRejectsSameProviderDualAudit(t *testing.T) {
	bad := strings.Replace(validPolicy, "secondary_auditor: {provider: openai, model: large}", "secondary_auditor: {provider: anthropic, model: sonnet}", 1)
	_, err := Parse([]byte(bad), mustQuotas(t))
	if err == nil {
		t.Fatal("expected error for same-provider secondary auditor")
	}
	if !strings.Contains(err.Error(), "different provider") {
		t.Errorf("error = %v, want different-provider complaint", err)
	}
}

func TestValidateRejectsMissingEscalation(t *testing.T) {
	bad := strings.Replace(validPolicy, "      escalation: {provider: openai, model: large}\n", "", 1)
	if _, err := Parse([]byte(bad), mustQuotas(t)); err == nil {
		t.Fatal("expected error for cheap_first without escalation model")
	}
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	bad := strings.Replace(validPolicy, "{provider: openai, model: small}", "{provider: mystery, model: small}", 1)
	if _, err := Parse([]byte(bad), mustQuotas(t)); err == nil {
		t.Fatal("expected error for provider without quota entry")
	}
}

func TestCategoryFallsBackToDefault(t *testing.T) {
	doc := mustPolicy(t)

	cat, err := doc.Category("does_not_exist")
	if err != nil {
		t.Fatal(err)
	}
	if cat.Name != "general" {
		t.Errorf("fallback category = %s, want general", cat.Name)
	}
}

func TestCategoryErrorsWithoutDefault(t *testing.T) {
	doc := mustPolicy(t)
	doc.DefaultCategory = ""

	if _, err := doc.Category("does_not_exist"); err == nil {
		t.Fatal("expected error when no default category is configured")
	}
}

func TestDetectCategoryExplicitWins(t *testing.T) {
	doc := mustPolicy(t)

	// Explicit metadata beats keyword matches in the description.
	got, err := doc.DetectCategory("schema_change", "fix login and auth flow")
	if err != nil {
		t.Fatal(err)
	}
	if got != "schema_change" {
		t.Errorf("category = %s, want schema_change", got)
	}
}

func TestDetectCategoryKeywords(t *testing.T) {
	doc := mustPolicy(t)

	got, err := doc.DetectCategory("", "tighten auth permission checks on login")
	if err != nil {
		t.Fatal(err)
	}
	if got != "security_auth_change" {
		t.Errorf("category = %s, want security_auth_change", got)
	}

	// Nothing matches: default applies.
	got, err = doc.DetectCategory("", "completely unrelated work")
	if err != nil {
		t.Fatal(err)
	}
	if got != "general" {
		t.Errorf("category = %s, want general", got)
	}
}

func TestParseQuotas(t *testing.T) {
	q := mustQuotas(t)

	a, ok := q.Providers["anthropic"]
	if !ok {
		t.Fatal("anthropic provider missing")
	}
	if a.TokenCap != 10000000 {
		t.Errorf("token cap = %d", a.TokenCap)
	}
	if a.SoftLimitRatio != 0.8 {
		t.Errorf("soft limit ratio = %f", a.SoftLimitRatio)
	}

	// Defaulted ratio
	o := q.Providers["openai"]
	if o.SoftLimitRatio != 0.8 {
		t.Errorf("default soft limit ratio = %f, want 0.8", o.SoftLimitRatio)
	}
}

func TestParseQuotasRejectsBadPeriod(t *testing.T) {
	bad := strings.Replace(validQuotas, "period: 168h", "period: weekly", 1)
	if _, err := ParseQuotas([]byte(bad)); err == nil {
		t.Fatal("expected error for unparseable period")
	}
}
