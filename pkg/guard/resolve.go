package guard

import (
	"github.com/luminestory/bulwark/pkg/defense"
	"github.com/luminestory/bulwark/pkg/review"
	"github.com/luminestory/bulwark/pkg/threat"
)

// Resolve merges all detection signals into one action under the active
// mode's policy. Pure function; the most restrictive signal wins, capped by
// the mode's ceiling.
//
// A persona block on weak heuristic evidence softens to revise: persona
// conflicts are style violations, and only corroborating heuristic tier
// high or above lets them block on their own.
func Resolve(tier threat.Tier, personaAction threat.Action, outcome *review.Outcome, policy defense.Policy) threat.Action {
	action := policy.TierActions[tier]

	if personaAction > threat.ActionAllow {
		pa := personaAction
		if pa >= threat.ActionBlock && tier < threat.TierHigh {
			pa = threat.ActionRevise
		}
		action = threat.MostRestrictive(action, pa)
	}

	if outcome != nil && outcome.Confirmed() {
		// A confirmed verdict escalates to at least revise in every mode.
		action = threat.MostRestrictive(action, threat.ActionRevise)
		action = threat.MostRestrictive(action, policy.OnConfirm[tier])
		if policy.BlockOnVerdict {
			action = threat.MostRestrictive(action, threat.ActionBlock)
		}
	}

	if action > policy.MaxAction {
		action = policy.MaxAction
	}
	return action
}

// banEligible reports whether a resolved action at a tier counts as an
// offense for the auto-ban policy.
func banEligible(action threat.Action, tier threat.Tier) bool {
	if action != threat.ActionBlock && action != threat.ActionRevise {
		return false
	}
	return tier.AtLeast(threat.TierHigh)
}
