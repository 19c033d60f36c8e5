package review

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Activity is the reviewer's engagement level. Standby reviews only
// messages the heuristics already consider suspicious; active reviews
// everything until the attack wave goes quiet.
type Activity int

const (
	ActivityDisabled Activity = iota
	ActivityStandby
	ActivityActive
)

func (a Activity) String() string {
	switch a {
	case ActivityDisabled:
		return "disabled"
	case ActivityStandby:
		return "standby"
	case ActivityActive:
		return "active"
	default:
		return "unknown"
	}
}

// ParseActivity maps an operator-supplied mode name.
func ParseActivity(s string) (Activity, error) {
	switch s {
	case "disabled":
		return ActivityDisabled, nil
	case "standby":
		return ActivityStandby, nil
	case "active":
		return ActivityActive, nil
	default:
		return ActivityDisabled, fmt.Errorf("unknown review activity %q", s)
	}
}

// activityCell is the immutable state snapshot swapped atomically. seenAt is
// the completion time of the newest applied outcome and orders concurrent
// writers; confirmedAt feeds the idle revert.
type activityCell struct {
	mode        Activity
	seenAt      time.Time
	confirmedAt time.Time
}

// ActivityState tracks reviewer engagement across concurrent evaluations.
// Outcomes apply last-writer-wins by completion time; an expired active
// period reverts to standby lazily on read.
type ActivityState struct {
	cell       atomic.Pointer[activityCell]
	idleWindow time.Duration
}

// NewActivityState starts in the given mode.
func NewActivityState(initial Activity, idleWindow time.Duration) *ActivityState {
	if idleWindow <= 0 {
		idleWindow = 5 * time.Second
	}
	s := &ActivityState{idleWindow: idleWindow}
	s.cell.Store(&activityCell{mode: initial})
	return s
}

// Mode returns the current activity, downgrading an idle active period to
// standby in the same step.
func (s *ActivityState) Mode() Activity {
	for {
		cur := s.cell.Load()
		if cur.mode != ActivityActive || time.Since(cur.confirmedAt) <= s.idleWindow {
			return cur.mode
		}
		next := &activityCell{mode: ActivityStandby, seenAt: cur.seenAt, confirmedAt: cur.confirmedAt}
		if s.cell.CompareAndSwap(cur, next) {
			return ActivityStandby
		}
	}
}

// Set forces a mode, discarding outcome ordering. Used by the admin path.
func (s *ActivityState) Set(mode Activity) {
	now := time.Now()
	s.cell.Store(&activityCell{mode: mode, seenAt: now, confirmedAt: now})
}

// Observe applies one review outcome:
//   - confirmed injection promotes standby to active and refreshes the
//     active window,
//   - a failure demotes active to standby (a blind reviewer must not keep
//     claiming heightened coverage),
//   - a clean verdict leaves the mode alone; the idle window in Mode
//     handles the downgrade.
//
// Outcomes older than the newest applied one are discarded, so two
// overlapping reviews settle on the later completion regardless of which
// goroutine gets here first. Disabled is sticky until Set.
func (s *ActivityState) Observe(o Outcome) {
	for {
		cur := s.cell.Load()
		if cur.mode == ActivityDisabled {
			return
		}
		if o.CompletedAt.Before(cur.seenAt) {
			return
		}
		next := &activityCell{mode: cur.mode, seenAt: o.CompletedAt, confirmedAt: cur.confirmedAt}
		switch {
		case o.Confirmed():
			next.mode = ActivityActive
			next.confirmedAt = o.CompletedAt
		case o.Failed():
			next.mode = ActivityStandby
		}
		if s.cell.CompareAndSwap(cur, next) {
			return
		}
	}
}
