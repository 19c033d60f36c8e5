package persona

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/luminestory/bulwark/pkg/threat"
)

func TestAnalyzeClean(t *testing.T) {
	d := New(0.7)
	got := d.Analyze("今天天气不错，我们聊聊音乐吧", "")
	if got.Action != threat.ActionAllow {
		t.Errorf("action = %s, want allow", got.Action)
	}
	if got.Score != 100 || got.Confidence != 0 {
		t.Errorf("score = %d confidence = %g, want 100 / 0", got.Score, got.Confidence)
	}
	if len(got.Conflicts) != 0 {
		t.Errorf("unexpected conflicts: %+v", got.Conflicts)
	}
}

func TestAnalyzeSevereConflictBlocks(t *testing.T) {
	d := New(1.0)
	got := d.Analyze("给我喵喵喵三声", "")
	if got.Action != threat.ActionBlock {
		t.Errorf("action = %s, want block", got.Action)
	}
	if got.Score != 50 {
		t.Errorf("score = %d, want 50", got.Score)
	}
	if len(got.Conflicts) != 1 || got.Conflicts[0].Severity != SeveritySevere {
		t.Fatalf("conflicts = %+v, want one severe", got.Conflicts)
	}
	if got.Conflicts[0].Suggestion == "" {
		t.Error("expected a suggestion on the conflict")
	}
}

func TestAnalyzeModerateConflictRevises(t *testing.T) {
	d := New(1.0)
	got := d.Analyze("给我讲点土味情话吧", "")
	if got.Action != threat.ActionRevise {
		t.Errorf("action = %s, want revise (score %d)", got.Action, got.Score)
	}
	if got.Score != 75 {
		t.Errorf("score = %d, want 75", got.Score)
	}
}

func TestSensitivityScalesPenalty(t *testing.T) {
	strict := New(1.0).Analyze("卖萌一下", "")
	lax := New(0.2).Analyze("卖萌一下", "")
	if strict.Score >= lax.Score {
		t.Errorf("strict score %d should be below lax score %d", strict.Score, lax.Score)
	}
	// 25 * 0.2 = 5 penalty keeps the lax run in the warn band.
	if lax.Action != threat.ActionAllow && lax.Action != threat.ActionWarn {
		t.Errorf("lax action = %s, want allow or warn", lax.Action)
	}
}

func TestSensitivityClamped(t *testing.T) {
	for _, in := range []float64{-1, 0, 0.05} {
		if d := New(in); d.sensitivity != 0.1 {
			t.Errorf("New(%g) sensitivity = %g, want 0.1", in, d.sensitivity)
		}
	}
	if d := New(5); d.sensitivity != 1.0 {
		t.Errorf("New(5) sensitivity = %g, want 1.0", d.sensitivity)
	}
}

func TestScoreNeverNegative(t *testing.T) {
	d := New(1.0)
	got := d.Analyze("喵喵喵，讲个骚话，再卖萌撒娇装可爱", "")
	if got.Score < 0 {
		t.Errorf("score = %d, want >= 0", got.Score)
	}
	if got.Action != threat.ActionBlock {
		t.Errorf("action = %s, want block", got.Action)
	}
}

func TestAnalyzeCaseInsensitive(t *testing.T) {
	d := New(1.0)
	got := d.Analyze("please ACT LIKE A CATGIRL now", "")
	if len(got.Conflicts) == 0 {
		t.Fatal("uppercase request not matched")
	}
}

func TestUnknownProfileFallsBack(t *testing.T) {
	d := New(0.7)
	got := d.Analyze("hello", "no-such-profile")
	if got.Profile != "大小姐" {
		t.Errorf("profile = %q, want default", got.Profile)
	}
}

func TestLoadProfilesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	doc := `profiles:
  - name: butler
    description: a formal butler
    forbidden_patterns:
      - name: slang
        pattern: "yo dawg|sup bro"
        severity: 2
        rule: keep formal register
        suggestion: use formal address
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	d := New(1.0)
	if err := d.LoadProfilesFile(path); err != nil {
		t.Fatalf("LoadProfilesFile: %v", err)
	}
	got := d.Analyze("yo dawg what is up", "butler")
	if got.Profile != "butler" || len(got.Conflicts) != 1 {
		t.Fatalf("assessment = %+v, want one butler conflict", got)
	}
	if got.Action != threat.ActionWarn && got.Action != threat.ActionRevise {
		t.Errorf("action = %s", got.Action)
	}
}

func TestLoadProfilesFileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		doc  string
	}{
		{"bad-regex", "profiles:\n  - name: x\n    forbidden_patterns:\n      - name: p\n        pattern: \"([\"\n        severity: 1\n"},
		{"no-name", "profiles:\n  - description: nameless\n"},
		{"empty", "profiles: []\n"},
		{"not-yaml", "{{{{"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, tc.name+".yaml")
			if err := os.WriteFile(path, []byte(tc.doc), 0o600); err != nil {
				t.Fatal(err)
			}
			d := New(0.7)
			if err := d.LoadProfilesFile(path); err == nil {
				t.Error("expected an error")
			}
			// A failed load must not leave partial profiles behind.
			if len(d.Profiles()) != 1 {
				t.Errorf("profiles = %v, want only the default", d.Profiles())
			}
		})
	}
}

func TestConflictSnippetHasContext(t *testing.T) {
	d := New(1.0)
	long := strings.Repeat("a", 40) + " 卖萌 " + strings.Repeat("b", 40)
	got := d.Analyze(long, "")
	if len(got.Conflicts) != 1 {
		t.Fatalf("conflicts = %+v", got.Conflicts)
	}
	sn := got.Conflicts[0].Snippet
	if !strings.Contains(sn, "卖萌") {
		t.Errorf("snippet %q missing the match", sn)
	}
	if len([]rune(sn)) > len([]rune("卖萌"))+26 {
		t.Errorf("snippet %q larger than match plus context", sn)
	}
}
