// Package scanner applies the pattern library to message text and produces
// a threat assessment. Scanning is pure and synchronous: no I/O, no shared
// mutable state, identical input always yields an identical assessment.
package scanner

import (
	"strings"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"

	"github.com/luminestory/bulwark/pkg/config"
	"github.com/luminestory/bulwark/pkg/patterns"
	"github.com/luminestory/bulwark/pkg/threat"
)

// Signal records one matched rule with the evidence that triggered it.
type Signal struct {
	RuleID      string  `json:"rule_id"`
	Weight      float64 `json:"weight"`
	Detail      string  `json:"detail"`
	Description string  `json:"description"`
}

// Assessment is the scanner's verdict for one message.
type Assessment struct {
	Score   float64     `json:"score"`
	Tier    threat.Tier `json:"tier"`
	Matched []string    `json:"matched"` // rule IDs in registry order
	Signals []Signal    `json:"signals"`
	Reason  string      `json:"reason"`
}

// Scanner evaluates text against a rule registry with fixed thresholds.
type Scanner struct {
	registry   *patterns.Registry
	thresholds config.TierThresholds
}

// New creates a scanner over the given registry.
func New(registry *patterns.Registry, thresholds config.TierThresholds) *Scanner {
	return &Scanner{registry: registry, thresholds: thresholds}
}

const (
	snippetLimit = 160
	// multiHighRisk adds extra weight when several heavy signals co-occur,
	// a strong indicator of a composite payload.
	multiHighRiskCount  = 3
	multiHighRiskWeight = 2
	highSignalWeight    = 5
)

// Scan evaluates the message text. It never fails: unmatchable or
// undecodable content simply contributes no signal.
func (s *Scanner) Scan(text string) Assessment {
	normalized := Normalize(text)

	var (
		score   float64
		matched []string
		signals []Signal
	)

	add := func(rule *patterns.Rule, detail string) {
		score += rule.Weight
		matched = append(matched, rule.ID)
		signals = append(signals, Signal{
			RuleID:      rule.ID,
			Weight:      rule.Weight,
			Detail:      snippet(detail),
			Description: rule.Description,
		})
	}

	for _, rule := range s.registry.Rules() {
		switch {
		case rule.Regex != nil:
			if m := rule.Regex.FindString(text); m != "" {
				add(rule, m)
			} else if m := rule.Regex.FindString(normalized); m != "" {
				add(rule, m)
			}
		case len(rule.Keywords) > 0:
			if kw, ok := matchKeywords(normalized, rule.Keywords); ok {
				add(rule, kw)
			}
		case rule.Decoder != patterns.DecoderNone:
			if detail, ok := runDecoder(rule.Decoder, text); ok {
				add(rule, detail)
			}
		}
	}

	// Co-occurrence bonuses, once per unordered pair.
	for i := 0; i < len(matched); i++ {
		for j := i + 1; j < len(matched); j++ {
			if bonus := s.registry.PairBonus(matched[i], matched[j]); bonus > 0 {
				score += bonus
				signals = append(signals, Signal{
					RuleID:      matched[i] + "+" + matched[j],
					Weight:      bonus,
					Description: "co-occurrence bonus",
				})
			}
		}
	}

	// Several heavy signals at once suggest a composite payload.
	heavy := 0
	for _, sig := range signals {
		if sig.Weight >= highSignalWeight {
			heavy++
		}
	}
	if heavy >= multiHighRiskCount {
		score += multiHighRiskWeight
		signals = append(signals, Signal{
			RuleID:      "multi-high-risk",
			Weight:      multiHighRiskWeight,
			Description: "multiple high-risk signals in one message",
		})
	}

	return Assessment{
		Score:   score,
		Tier:    s.tier(score),
		Matched: matched,
		Signals: signals,
		Reason:  reason(signals),
	}
}

func (s *Scanner) tier(score float64) threat.Tier {
	switch {
	case score >= s.thresholds.Critical:
		return threat.TierCritical
	case score >= s.thresholds.High:
		return threat.TierHigh
	case score >= s.thresholds.Medium:
		return threat.TierMedium
	default:
		return threat.TierLow
	}
}

// Normalize folds width variants, applies NFKC and lowercases, so keyword
// matching sees through fullwidth and compatibility-form obfuscation.
func Normalize(text string) string {
	return strings.ToLower(norm.NFKC.String(width.Fold.String(text)))
}

func matchKeywords(normalized string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		if strings.Contains(normalized, kw) {
			return kw, true
		}
	}
	return "", false
}

func reason(signals []Signal) string {
	n := len(signals)
	if n == 0 {
		return ""
	}
	if n > 3 {
		n = 3
	}
	parts := make([]string, 0, n)
	for _, sig := range signals[:n] {
		parts = append(parts, sig.Description)
	}
	return strings.Join(parts, "; ")
}

func snippet(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= snippetLimit {
		return s
	}
	// Cut on a rune boundary.
	runes := []rune(s)
	if len(runes) > snippetLimit {
		runes = runes[:snippetLimit]
	}
	return string(runes)
}
