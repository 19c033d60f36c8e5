package patterns

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSingleton(t *testing.T) {
	r1 := Load()
	r2 := Load()
	if r1 != r2 {
		t.Error("Load() should return the same registry instance")
	}
}

func TestBuiltinRules(t *testing.T) {
	r := NewRegistry()
	if r.Len() < 25 {
		t.Errorf("expected at least 25 built-in rules, got %d", r.Len())
	}
	if r.Version() != builtinVersion {
		t.Errorf("Version = %q, want %q", r.Version(), builtinVersion)
	}

	// Every rule must carry exactly one matcher and a category.
	for _, rule := range r.Rules() {
		matchers := 0
		if rule.Regex != nil {
			matchers++
		}
		if len(rule.Keywords) > 0 {
			matchers++
		}
		if rule.Decoder != DecoderNone {
			matchers++
		}
		if matchers != 1 {
			t.Errorf("rule %s has %d matchers", rule.ID, matchers)
		}
		if rule.Category == "" {
			t.Errorf("rule %s has no category", rule.ID)
		}
	}
}

func TestBonusesReferenceKnownRules(t *testing.T) {
	r := NewRegistry()
	for _, rule := range r.Rules() {
		for other := range rule.Bonuses {
			if _, ok := r.Get(other); !ok {
				t.Errorf("rule %s declares bonus with unknown rule %s", rule.ID, other)
			}
		}
	}
}

func TestPairBonusSymmetric(t *testing.T) {
	r := NewRegistry()
	// Declared on encoded-payload only; must be visible from both sides.
	if got := r.PairBonus("encoded-payload", "powershell-enc"); got != 2 {
		t.Errorf("PairBonus(encoded-payload, powershell-enc) = %g, want 2", got)
	}
	if got := r.PairBonus("powershell-enc", "encoded-payload"); got != 2 {
		t.Errorf("PairBonus reversed = %g, want 2", got)
	}
	if got := r.PairBonus("powershell-enc", "forged-log-tag"); got != 0 {
		t.Errorf("PairBonus for unrelated pair = %g, want 0", got)
	}
}

func TestRegisterReplacesInPlace(t *testing.T) {
	r := NewRegistry()
	before := r.Rules()
	var pos int
	for i, rule := range before {
		if rule.ID == "jailbreak-keywords" {
			pos = i
			break
		}
	}

	err := r.Register(&Rule{
		ID: "jailbreak-keywords", Category: CategorySocial, Weight: 9,
		Keywords: []string{"totally new phrase"},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	after := r.Rules()
	if len(after) != len(before) {
		t.Fatalf("replace changed rule count: %d -> %d", len(before), len(after))
	}
	if after[pos].ID != "jailbreak-keywords" || after[pos].Weight != 9 {
		t.Errorf("rule not replaced in place: %+v", after[pos])
	}
}

func TestRegisterRejectsInvalid(t *testing.T) {
	r := NewRegistry()
	cases := []*Rule{
		{ID: "", Category: CategorySocial, Weight: 1, Decoder: DecoderBase64},
		{ID: "no-matcher", Category: CategorySocial, Weight: 1},
		{ID: "two-matchers", Category: CategorySocial, Weight: 1, Decoder: DecoderBase64, Keywords: []string{"x"}},
		{ID: "negative", Category: CategorySocial, Weight: -1, Keywords: []string{"x"}},
	}
	for _, c := range cases {
		if err := r.Register(c); err == nil {
			t.Errorf("Register(%q) should fail", c.ID)
		}
	}
}

func TestApplyOverlayFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	overlay := `
version: "3.1.0-custom"
rules:
  - id: deployment-specific
    category: social-engineering
    weight: 8
    keywords: ["Secret Trigger Phrase"]
    description: site-specific rule
    bonuses:
      encoded-payload: 3
  - id: jailbreak-keywords
    category: social-engineering
    weight: 6
    keywords: ["jailbreak"]
`
	if err := os.WriteFile(path, []byte(overlay), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry()
	before := r.Len()
	if err := r.ApplyOverlayFile(path); err != nil {
		t.Fatalf("ApplyOverlayFile: %v", err)
	}
	if r.Len() != before+1 {
		t.Errorf("rule count = %d, want %d", r.Len(), before+1)
	}
	if r.Version() != "3.1.0-custom" {
		t.Errorf("Version = %q", r.Version())
	}

	rule, ok := r.Get("deployment-specific")
	if !ok {
		t.Fatal("overlay rule not registered")
	}
	// Keywords are folded to lowercase at load.
	if rule.Keywords[0] != "secret trigger phrase" {
		t.Errorf("keyword not lowercased: %q", rule.Keywords[0])
	}

	replaced, _ := r.Get("jailbreak-keywords")
	if replaced.Weight != 6 {
		t.Errorf("built-in rule not replaced, weight = %g", replaced.Weight)
	}
}

func TestApplyOverlayFileErrors(t *testing.T) {
	r := NewRegistry()
	if err := r.ApplyOverlayFile("/does/not/exist.yaml"); err == nil {
		t.Error("missing file should error")
	}

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("rules:\n  - id: x\n    regex: '('\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := r.ApplyOverlayFile(bad); err == nil {
		t.Error("invalid regex should error")
	}
}
