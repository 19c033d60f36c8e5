// Package threat defines the shared vocabulary of the defense pipeline:
// inbound messages, severity tiers and resolved actions.
package threat

import (
	"encoding/json"
	"time"
)

// Channel distinguishes group traffic from direct messages. Private-channel
// review is opt-in, so the pipeline needs to know where a message came from.
type Channel string

const (
	ChannelGroup   Channel = "group"
	ChannelPrivate Channel = "private"
)

// Message is the immutable input to the pipeline.
type Message struct {
	Sender  string
	Session string
	Text    string
	Channel Channel
	At      time.Time
}

// Tier is the discrete risk bucket derived from a continuous heuristic score.
type Tier int

const (
	TierLow Tier = iota
	TierMedium
	TierHigh
	TierCritical
)

var tierNames = [...]string{"low", "medium", "high", "critical"}

func (t Tier) String() string {
	if t < TierLow || t > TierCritical {
		return "low"
	}
	return tierNames[t]
}

// AtLeast reports whether t is at or above min.
func (t Tier) AtLeast(min Tier) bool { return t >= min }

// MarshalJSON emits the tier name. Audit exports and API payloads are read
// by operators, not machines.
func (t Tier) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

// Action is the single outcome of evaluating one message. The ordering
// allow < warn < revise < block < ban is load-bearing: the resolver combines
// signals by taking the most restrictive one.
type Action int

const (
	ActionAllow Action = iota
	ActionWarn
	ActionRevise
	ActionBlock
	ActionBan
)

var actionNames = [...]string{"allow", "warn", "revise", "block", "ban"}

func (a Action) String() string {
	if a < ActionAllow || a > ActionBan {
		return "allow"
	}
	return actionNames[a]
}

// MarshalJSON emits the action name.
func (a Action) MarshalJSON() ([]byte, error) { return json.Marshal(a.String()) }

// MostRestrictive returns the stricter of two actions.
func MostRestrictive(a, b Action) Action {
	if b > a {
		return b
	}
	return a
}

// Blocking reports whether the action stops the message from reaching the agent.
func (a Action) Blocking() bool { return a >= ActionBlock }
