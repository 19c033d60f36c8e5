package audit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/luminestory/bulwark/pkg/threat"
)

func TestAppendStampsIdentity(t *testing.T) {
	tr := NewTrail(8)
	got := tr.Append(Incident{Sender: "alice", Action: threat.ActionWarn})
	if got.ID == "" {
		t.Error("missing incident id")
	}
	if got.At.IsZero() {
		t.Error("missing timestamp")
	}
}

func TestRingEvictsOldest(t *testing.T) {
	tr := NewTrail(3)
	for i := 0; i < 5; i++ {
		tr.Append(Incident{Sender: fmt.Sprintf("s%d", i)})
	}
	if tr.Len() != 3 {
		t.Fatalf("len = %d, want 3", tr.Len())
	}
	got := tr.Snapshot(Filter{})
	want := []string{"s2", "s3", "s4"}
	for i, w := range want {
		if got[i].Sender != w {
			t.Errorf("snapshot[%d].Sender = %s, want %s", i, got[i].Sender, w)
		}
	}
}

func TestSnapshotOrderedAndCopied(t *testing.T) {
	tr := NewTrail(8)
	base := time.Now()
	for i := 0; i < 4; i++ {
		tr.Append(Incident{Sender: "x", At: base.Add(time.Duration(i) * time.Second)})
	}
	got := tr.Snapshot(Filter{})
	for i := 1; i < len(got); i++ {
		if got[i].At.Before(got[i-1].At) {
			t.Fatal("snapshot not time-ordered")
		}
	}
	got[0].Sender = "mutated"
	if tr.Snapshot(Filter{})[0].Sender != "x" {
		t.Error("snapshot mutation leaked into the trail")
	}
}

func TestSnapshotFilters(t *testing.T) {
	tr := NewTrail(16)
	now := time.Now()
	tr.Append(Incident{Sender: "alice", Tier: threat.TierLow, Action: threat.ActionAllow, At: now.Add(-time.Hour)})
	tr.Append(Incident{Sender: "bob", Tier: threat.TierHigh, Action: threat.ActionBlock, Snippet: "ignore previous instructions", At: now})
	tr.Append(Incident{Sender: "bob", Tier: threat.TierMedium, Action: threat.ActionWarn, Reason: "jailbreak phrasing", At: now})

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 3},
		{"by-sender", Filter{Sender: "bob"}, 2},
		{"min-tier", Filter{MinTier: threat.TierMedium}, 2},
		{"by-action", Filter{Action: "block"}, 1},
		{"keyword-snippet", Filter{Keyword: "ignore previous"}, 1},
		{"keyword-reason", Filter{Keyword: "jailbreak"}, 1},
		{"time-window", Filter{From: now.Add(-time.Minute)}, 2},
		{"until", Filter{To: now.Add(-time.Minute)}, 1},
		{"combined", Filter{Sender: "bob", MinTier: threat.TierHigh}, 1},
		{"no-match", Filter{Sender: "carol"}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tr.Snapshot(tc.filter); len(got) != tc.want {
				t.Errorf("got %d incidents, want %d", len(got), tc.want)
			}
		})
	}
}

func TestReviewLog(t *testing.T) {
	tr := NewTrail(4)
	tr.LogReview(ReviewEvent{Sender: "a", Result: "verdict", Confirmed: true, Confidence: 0.9})
	tr.LogReview(ReviewEvent{Sender: "b", Result: "timeout"})

	got := tr.Reviews()
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if !got[0].Confirmed || got[1].Result != "timeout" {
		t.Errorf("reviews = %+v", got)
	}
	if got[0].At.IsZero() {
		t.Error("review event not timestamped")
	}
}

func TestReviewLogBounded(t *testing.T) {
	tr := NewTrail(4)
	for i := 0; i < reviewLogCapacity+10; i++ {
		tr.LogReview(ReviewEvent{Sender: fmt.Sprintf("s%d", i), Result: "verdict"})
	}
	got := tr.Reviews()
	if len(got) != reviewLogCapacity {
		t.Fatalf("len = %d, want %d", len(got), reviewLogCapacity)
	}
	if got[0].Sender != "s10" {
		t.Errorf("oldest survivor = %s, want s10", got[0].Sender)
	}
}

type captureArchiver struct {
	mu  sync.Mutex
	got []Incident
}

func (c *captureArchiver) Archive(inc Incident) {
	c.mu.Lock()
	c.got = append(c.got, inc)
	c.mu.Unlock()
}

func TestArchiverReceivesAppends(t *testing.T) {
	tr := NewTrail(4)
	arc := &captureArchiver{}
	tr.SetArchiver(arc)

	tr.Append(Incident{Sender: "alice"})
	tr.Append(Incident{Sender: "bob"})

	arc.mu.Lock()
	defer arc.mu.Unlock()
	if len(arc.got) != 2 {
		t.Fatalf("archiver saw %d incidents, want 2", len(arc.got))
	}
	if arc.got[0].ID == "" {
		t.Error("archiver received incident without id")
	}
}

func TestConcurrentAppendAndSnapshot(t *testing.T) {
	tr := NewTrail(64)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.Append(Incident{Sender: fmt.Sprintf("w%d", i)})
				_ = tr.Snapshot(Filter{Sender: "w0"})
			}
		}(i)
	}
	wg.Wait()
	if tr.Len() != 64 {
		t.Errorf("len = %d, want full ring", tr.Len())
	}
}
