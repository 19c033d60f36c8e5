// Package audit keeps a bounded, append-only record of evaluated incidents
// and review events for the dashboard/export collaborator. Appends are O(1)
// and never apply backpressure to message handling.
package audit

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luminestory/bulwark/pkg/threat"
)

// Incident is one evaluated message and everything that went into its
// resolution.
type Incident struct {
	ID      string         `json:"id"`
	At      time.Time      `json:"at"`
	Sender  string         `json:"sender"`
	Session string         `json:"session"`
	Channel threat.Channel `json:"channel"`
	Snippet string         `json:"snippet"`

	Score   float64     `json:"score"`
	Tier    threat.Tier `json:"tier"`
	Matched []string    `json:"matched,omitempty"`

	PersonaAction threat.Action `json:"persona_action"`
	PersonaReason string        `json:"persona_reason,omitempty"`

	Reviewed         bool    `json:"reviewed"`
	ReviewConfirmed  bool    `json:"review_confirmed"`
	ReviewConfidence float64 `json:"review_confidence,omitempty"`
	ReviewFailure    string  `json:"review_failure,omitempty"`

	Action     threat.Action `json:"action"`
	Reason     string        `json:"reason,omitempty"`
	Banned     bool          `json:"banned"`
	AutoBanned bool          `json:"auto_banned"`
}

// ReviewEvent is one entry in the review log: a verdict, a failure, or a
// skip the operator should be able to see.
type ReviewEvent struct {
	At         time.Time `json:"at"`
	Sender     string    `json:"sender"`
	Result     string    `json:"result"` // verdict, timeout, protocol, transport, skipped
	Confirmed  bool      `json:"confirmed"`
	Confidence float64   `json:"confidence,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// Filter selects incidents from a snapshot. Zero values match everything.
type Filter struct {
	Sender  string
	MinTier threat.Tier
	Action  string // action name, empty matches all
	Keyword string // substring of snippet or reason
	From    time.Time
	To      time.Time
}

func (f Filter) matches(inc Incident) bool {
	if f.Sender != "" && inc.Sender != f.Sender {
		return false
	}
	if inc.Tier < f.MinTier {
		return false
	}
	if f.Action != "" && inc.Action.String() != f.Action {
		return false
	}
	if f.Keyword != "" &&
		!strings.Contains(inc.Snippet, f.Keyword) && !strings.Contains(inc.Reason, f.Keyword) {
		return false
	}
	if !f.From.IsZero() && inc.At.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && inc.At.After(f.To) {
		return false
	}
	return true
}

// Archiver receives incidents for durable storage. Implementations must not
// block; the trail calls Archive inline on the evaluate path.
type Archiver interface {
	Archive(inc Incident)
}

const reviewLogCapacity = 256

// Trail is the in-memory ring. Oldest incidents are evicted first.
type Trail struct {
	mu       sync.Mutex
	ring     []Incident
	start    int // index of the oldest element
	count    int
	reviews  []ReviewEvent
	revStart int
	revCount int
	archiver Archiver
}

// NewTrail creates a trail holding at most capacity incidents.
func NewTrail(capacity int) *Trail {
	if capacity < 1 {
		capacity = 1
	}
	return &Trail{
		ring:    make([]Incident, capacity),
		reviews: make([]ReviewEvent, reviewLogCapacity),
	}
}

// SetArchiver attaches an optional durable archiver. Call before traffic.
func (t *Trail) SetArchiver(a Archiver) {
	t.mu.Lock()
	t.archiver = a
	t.mu.Unlock()
}

// Append records an incident, stamping ID and timestamp when unset.
func (t *Trail) Append(inc Incident) Incident {
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	if inc.At.IsZero() {
		inc.At = time.Now()
	}

	t.mu.Lock()
	idx := (t.start + t.count) % len(t.ring)
	if t.count == len(t.ring) {
		t.start = (t.start + 1) % len(t.ring) // evict oldest
	} else {
		t.count++
	}
	t.ring[idx] = inc
	a := t.archiver
	t.mu.Unlock()

	if a != nil {
		a.Archive(inc)
	}
	return inc
}

// LogReview records a review event in its own smaller ring.
func (t *Trail) LogReview(ev ReviewEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	t.mu.Lock()
	idx := (t.revStart + t.revCount) % len(t.reviews)
	if t.revCount == len(t.reviews) {
		t.revStart = (t.revStart + 1) % len(t.reviews)
	} else {
		t.revCount++
	}
	t.reviews[idx] = ev
	t.mu.Unlock()
}

// Snapshot returns matching incidents oldest-first. The result is a copy;
// mutating it cannot touch the trail.
func (t *Trail) Snapshot(f Filter) []Incident {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Incident, 0, t.count)
	for i := 0; i < t.count; i++ {
		inc := t.ring[(t.start+i)%len(t.ring)]
		if f.matches(inc) {
			out = append(out, inc)
		}
	}
	return out
}

// Reviews returns the review log oldest-first.
func (t *Trail) Reviews() []ReviewEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ReviewEvent, 0, t.revCount)
	for i := 0; i < t.revCount; i++ {
		out = append(out, t.reviews[(t.revStart+i)%len(t.reviews)])
	}
	return out
}

// Len reports how many incidents are currently held.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}
