package defense

import (
	"sync"
	"testing"
	"time"

	"github.com/luminestory/bulwark/pkg/threat"
)

func TestCycleOrder(t *testing.T) {
	s := NewState(ModeSentry)
	want := []Mode{ModeAegis, ModeScorch, ModeIntercept, ModeSentry, ModeAegis}
	for i, w := range want {
		if got := s.Cycle(); got != w {
			t.Fatalf("cycle %d = %s, want %s", i, got, w)
		}
	}
}

func TestTempObserveOverridesAndExpires(t *testing.T) {
	s := NewState(ModeIntercept)
	s.TempObserve(20 * time.Millisecond)
	if got := s.Current(); got != ModeSentry {
		t.Fatalf("mode during override = %s, want sentry", got)
	}
	if got := s.Base(); got != ModeIntercept {
		t.Fatalf("base during override = %s, want intercept", got)
	}

	time.Sleep(40 * time.Millisecond)
	if got := s.Current(); got != ModeIntercept {
		t.Errorf("mode after expiry = %s, want intercept", got)
	}
}

func TestTempObserveReplaced(t *testing.T) {
	s := NewState(ModeScorch)
	s.TempObserve(time.Hour)
	s.TempObserve(10 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if got := s.Current(); got != ModeScorch {
		t.Errorf("mode = %s, want scorch (second override should have won)", got)
	}
}

func TestCycleClearsOverride(t *testing.T) {
	s := NewState(ModeSentry)
	s.TempObserve(time.Hour)
	s.Cycle()
	if got := s.Current(); got != ModeAegis {
		t.Errorf("mode after cycle = %s, want aegis", got)
	}
}

func TestCurrentConcurrent(t *testing.T) {
	s := NewState(ModeAegis)
	s.TempObserve(5 * time.Millisecond)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m := s.Current()
				if m != ModeSentry && m != ModeAegis {
					t.Errorf("observed mode %s", m)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestParseMode(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Mode
		ok   bool
	}{
		{"sentry", ModeSentry, true},
		{"aegis", ModeAegis, true},
		{"scorch", ModeScorch, true},
		{"intercept", ModeIntercept, true},
		{"observer", 0, false},
	} {
		got, err := ParseMode(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("ParseMode(%q) = %v, %v", tc.in, got, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("ParseMode(%q) expected error", tc.in)
		}
	}
}

func TestSentryNeverBlocks(t *testing.T) {
	p := PolicyFor(ModeSentry)
	for tier := threat.TierLow; tier <= threat.TierCritical; tier++ {
		if p.TierActions[tier].Blocking() || p.OnConfirm[tier].Blocking() {
			t.Errorf("sentry policy blocks at tier %s", tier)
		}
	}
	if p.MaxAction.Blocking() {
		t.Error("sentry max action allows blocking")
	}
}

func TestPolicyMonotoneAcrossModes(t *testing.T) {
	// A stricter mode is never more permissive for the same evidence.
	order := []Mode{ModeSentry, ModeAegis, ModeScorch, ModeIntercept}
	for i := 1; i < len(order); i++ {
		weaker, stricter := PolicyFor(order[i-1]), PolicyFor(order[i])
		for tier := threat.TierLow; tier <= threat.TierCritical; tier++ {
			if stricter.TierActions[tier] < weaker.TierActions[tier] {
				t.Errorf("%s tier %s action %s weaker than %s's %s",
					order[i], tier, stricter.TierActions[tier], order[i-1], weaker.TierActions[tier])
			}
			if stricter.OnConfirm[tier] < weaker.OnConfirm[tier] {
				t.Errorf("%s tier %s confirm action regressed", order[i], tier)
			}
		}
	}
}

func TestInterceptBlocksOnVerdict(t *testing.T) {
	p := PolicyFor(ModeIntercept)
	if !p.BlockOnVerdict {
		t.Error("intercept must block on a confirmed verdict")
	}
	for _, m := range []Mode{ModeSentry, ModeAegis, ModeScorch} {
		if PolicyFor(m).BlockOnVerdict {
			t.Errorf("%s should not block on verdict alone", m)
		}
	}
}

func TestConfirmedVerdictNeverAllows(t *testing.T) {
	for m := ModeSentry; m <= ModeIntercept; m++ {
		p := PolicyFor(m)
		for tier := threat.TierLow; tier <= threat.TierCritical; tier++ {
			if p.OnConfirm[tier] < threat.ActionRevise {
				t.Errorf("%s tier %s confirmed action %s below revise", m, tier, p.OnConfirm[tier])
			}
		}
	}
}
