// Package patterns provides the versioned detection rule library used by the
// heuristic scanner. All regexes are compiled once at first load and shared
// across every in-flight message.
//
// Design principles:
//   - COMPILE ONCE: rules are compiled at load, not per-message
//   - DATA, NOT CODE: rules are table entries; adding one is a data change
//   - CO-OCCURRENCE AWARE: rules may declare symmetric bonus weights with
//     other rule IDs, applied once per unordered pair
package patterns

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Category tags a rule with the kind of attack surface it covers.
type Category string

const (
	CategoryEncoding     Category = "encoding"           // encoded/obfuscated payloads
	CategoryExecution    Category = "execution"          // interpreter/decode-then-execute chains
	CategorySocial       Category = "social-engineering" // jailbreak, role override, prompt forgery
	CategoryExfiltration Category = "exfiltration"       // prompt leaks, external fetch combos
)

// Decoder names the deobfuscation strategy for rules matched by the
// scanner's decode pass rather than by regex or keyword.
type Decoder string

const (
	DecoderNone    Decoder = ""
	DecoderBase64  Decoder = "base64"
	DecoderDataURI Decoder = "data-uri"
	DecoderPercent Decoder = "percent"
	DecoderUnicode Decoder = "unicode-escape"
	DecoderHex     Decoder = "hex-escape"
	DecoderLength  Decoder = "length"
)

// Rule is a single weighted detection rule. Exactly one matcher is set:
// a compiled regex, a lowercase keyword set, or a decoder strategy.
type Rule struct {
	ID          string
	Category    Category
	Weight      float64
	Description string

	Regex    *regexp.Regexp
	Keywords []string
	Decoder  Decoder

	// Bonuses maps other rule IDs to the extra weight granted when both
	// rules match the same message. Bonuses are symmetric; declaring the
	// pair on either side is enough.
	Bonuses map[string]float64
}

// Registry holds the full ordered rule set.
type Registry struct {
	mu      sync.RWMutex
	ordered []*Rule
	byID    map[string]*Rule
	version string
}

var (
	defaultRegistry *Registry
	loadOnce        sync.Once
)

// Load returns the process-wide registry with the built-in rule set.
func Load() *Registry {
	loadOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry builds a registry populated with the built-in rules.
// Tests and overlays that must not share global state use this directly.
func NewRegistry() *Registry {
	r := &Registry{
		byID:    make(map[string]*Rule, 64),
		version: builtinVersion,
	}
	registerBuiltinRules(r)
	return r
}

// Register adds or replaces a rule. Replacing keeps the original position so
// scoring stays deterministic across overlay reloads.
func (r *Registry) Register(rule *Rule) error {
	if rule.ID == "" {
		return fmt.Errorf("rule has no id")
	}
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
		return fmt.Errorf("rule %s: exactly one matcher required, got %d", rule.ID, matchers)
	}
	if rule.Weight < 0 {
		return fmt.Errorf("rule %s: negative weight", rule.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byID[rule.ID]; ok {
		for i, existing := range r.ordered {
			if existing == old {
				r.ordered[i] = rule
				break
			}
		}
	} else {
		r.ordered = append(r.ordered, rule)
	}
	r.byID[rule.ID] = rule
	return nil
}

// Rules returns the rules in registration order. The returned slice is a
// copy; the rules themselves are immutable after load.
func (r *Registry) Rules() []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Rule, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Get looks up a rule by ID.
func (r *Registry) Get(id string) (*Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.byID[id]
	return rule, ok
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ordered)
}

// Version identifies the rule set. Applying an overlay changes it.
func (r *Registry) Version() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// PairBonus returns the symmetric co-occurrence bonus between two matched
// rules, checking the declaration on either side.
func (r *Registry) PairBonus(a, b string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ra, ok := r.byID[a]; ok {
		if w, ok := ra.Bonuses[b]; ok {
			return w
		}
	}
	if rb, ok := r.byID[b]; ok {
		if w, ok := rb.Bonuses[a]; ok {
			return w
		}
	}
	return 0
}

// overlayFile is the YAML shape of a rules overlay.
type overlayFile struct {
	Version string        `yaml:"version"`
	Rules   []overlayRule `yaml:"rules"`
}

type overlayRule struct {
	ID          string             `yaml:"id"`
	Category    string             `yaml:"category"`
	Weight      float64            `yaml:"weight"`
	Regex       string             `yaml:"regex"`
	Keywords    []string           `yaml:"keywords"`
	Decoder     string             `yaml:"decoder"`
	Description string             `yaml:"description"`
	Bonuses     map[string]float64 `yaml:"bonuses"`
}

// ApplyOverlayFile loads a YAML rule overlay, adding new rules and replacing
// built-in rules with matching IDs. A malformed file is a configuration
// error surfaced to the caller before any rule is applied.
func (r *Registry) ApplyOverlayFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rules overlay: %w", err)
	}
	var f overlayFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse rules overlay %s: %w", path, err)
	}

	// Validate the whole file before mutating the registry.
	parsed := make([]*Rule, 0, len(f.Rules))
	for _, or := range f.Rules {
		rule := &Rule{
			ID:          or.ID,
			Category:    Category(or.Category),
			Weight:      or.Weight,
			Description: or.Description,
			Decoder:     Decoder(or.Decoder),
			Bonuses:     or.Bonuses,
		}
		if or.Regex != "" {
			re, err := regexp.Compile(or.Regex)
			if err != nil {
				return fmt.Errorf("rules overlay %s: rule %s: %w", path, or.ID, err)
			}
			rule.Regex = re
		}
		for _, k := range or.Keywords {
			rule.Keywords = append(rule.Keywords, strings.ToLower(k))
		}
		parsed = append(parsed, rule)
	}
	for _, rule := range parsed {
		if err := r.Register(rule); err != nil {
			return fmt.Errorf("rules overlay %s: %w", path, err)
		}
	}

	r.mu.Lock()
	if f.Version != "" {
		r.version = f.Version
	} else {
		r.version = r.version + "+overlay"
	}
	r.mu.Unlock()
	return nil
}

// IDs returns all rule IDs, sorted, for diagnostics.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
