// Package defense holds the process-wide defense mode: which of the four
// escalating policy profiles is active, plus an optional time-boxed
// observation override. Per-mode policy is a data table so the resolver
// stays free of mode branching.
package defense

import (
	"fmt"
	"sync"
	"time"

	"github.com/luminestory/bulwark/pkg/threat"
)

// Mode selects a policy profile. Cycle order is the declaration order.
type Mode int

const (
	// ModeSentry observes and hardens but never blocks.
	ModeSentry Mode = iota
	// ModeAegis gates high-tier blocking behind a confirming review.
	ModeAegis
	// ModeScorch rewrites anything medium and above into a refusal.
	ModeScorch
	// ModeIntercept blocks outright on medium and above.
	ModeIntercept

	modeCount = 4
)

func (m Mode) String() string {
	switch m {
	case ModeSentry:
		return "sentry"
	case ModeAegis:
		return "aegis"
	case ModeScorch:
		return "scorch"
	case ModeIntercept:
		return "intercept"
	default:
		return "unknown"
	}
}

// ParseMode maps an operator-supplied mode name.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "sentry":
		return ModeSentry, nil
	case "aegis":
		return ModeAegis, nil
	case "scorch":
		return ModeScorch, nil
	case "intercept":
		return ModeIntercept, nil
	default:
		return ModeSentry, fmt.Errorf("unknown defense mode %q", s)
	}
}

// Policy maps severity tiers to actions for one mode. Arrays are indexed by
// threat.Tier.
type Policy struct {
	// TierActions is the action taken on heuristic evidence alone, which is
	// also the fallback when a required review yields no verdict.
	TierActions [4]threat.Action
	// ReviewTiers marks tiers that want a reviewer verdict before the
	// resolver escalates past TierActions.
	ReviewTiers [4]bool
	// OnConfirm is the action once the reviewer confirms an injection.
	OnConfirm [4]threat.Action
	// MaxAction caps everything the resolver produces in this mode.
	MaxAction threat.Action
	// BlockOnVerdict blocks on a confirmed verdict regardless of tier.
	BlockOnVerdict bool
}

var policies = [modeCount]Policy{
	ModeSentry: {
		TierActions: [4]threat.Action{threat.ActionAllow, threat.ActionWarn, threat.ActionRevise, threat.ActionRevise},
		OnConfirm:   [4]threat.Action{threat.ActionRevise, threat.ActionRevise, threat.ActionRevise, threat.ActionRevise},
		MaxAction:   threat.ActionRevise,
	},
	ModeAegis: {
		TierActions: [4]threat.Action{threat.ActionAllow, threat.ActionWarn, threat.ActionRevise, threat.ActionRevise},
		ReviewTiers: [4]bool{false, false, true, true},
		OnConfirm:   [4]threat.Action{threat.ActionRevise, threat.ActionRevise, threat.ActionBlock, threat.ActionBlock},
		MaxAction:   threat.ActionBan,
	},
	ModeScorch: {
		TierActions: [4]threat.Action{threat.ActionAllow, threat.ActionRevise, threat.ActionRevise, threat.ActionBlock},
		OnConfirm:   [4]threat.Action{threat.ActionRevise, threat.ActionRevise, threat.ActionBlock, threat.ActionBlock},
		MaxAction:   threat.ActionBan,
	},
	ModeIntercept: {
		TierActions:    [4]threat.Action{threat.ActionAllow, threat.ActionBlock, threat.ActionBlock, threat.ActionBlock},
		OnConfirm:      [4]threat.Action{threat.ActionBlock, threat.ActionBlock, threat.ActionBlock, threat.ActionBlock},
		MaxAction:      threat.ActionBan,
		BlockOnVerdict: true,
	},
}

// PolicyFor returns the policy table for a mode.
func PolicyFor(m Mode) Policy {
	if m < 0 || m >= modeCount {
		return policies[ModeSentry]
	}
	return policies[m]
}

// State is the shared mode cell. The temporary override expires lazily: the
// read that observes an elapsed expiry clears it under the same lock, so no
// reader ever sees a stale override.
type State struct {
	mu            sync.Mutex
	base          Mode
	overrideUntil time.Time // zero means no override
}

// NewState starts in the given base mode with no override.
func NewState(initial Mode) *State {
	return &State{base: initial}
}

// Current returns the effective mode, clearing an expired override first.
func (s *State) Current() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.overrideUntil.IsZero() {
		if time.Now().Before(s.overrideUntil) {
			return ModeSentry
		}
		s.overrideUntil = time.Time{}
	}
	return s.base
}

// Base returns the underlying mode regardless of any override.
func (s *State) Base() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

// Cycle advances the base mode and cancels any observation override, since
// the operator is explicitly steering.
func (s *State) Cycle() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = (s.base + 1) % modeCount
	s.overrideUntil = time.Time{}
	return s.base
}

// Set forces the base mode and cancels any override.
func (s *State) Set(m Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = m
	s.overrideUntil = time.Time{}
}

// TempObserve installs a sentry override for d. The base mode resumes
// automatically once d elapses; a second call replaces the expiry.
func (s *State) TempObserve(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d <= 0 {
		s.overrideUntil = time.Time{}
		return
	}
	s.overrideUntil = time.Now().Add(d)
}
