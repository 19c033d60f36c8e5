package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newRedisLedger(t *testing.T) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	l, err := NewRedisLedger(context.Background(), mr.Addr(), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l, mr
}

func TestRedisBanRoundTrip(t *testing.T) {
	ctx := context.Background()
	l, _ := newRedisLedger(t)

	e := Entry{Sender: "alice", ExpiresAt: time.Now().Add(time.Hour), Origin: OriginAuto, Reason: "repeat offenses"}
	if err := l.Ban(ctx, e); err != nil {
		t.Fatal(err)
	}
	got, banned, err := l.CheckBan(ctx, "alice")
	if err != nil || !banned {
		t.Fatalf("CheckBan = %v banned=%v", err, banned)
	}
	if got.Origin != OriginAuto || got.Reason != "repeat offenses" {
		t.Errorf("entry = %+v", got)
	}
}

func TestRedisBanTTLExpiry(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedisLedger(t)

	_ = l.Ban(ctx, Entry{Sender: "bob", ExpiresAt: time.Now().Add(time.Minute)})
	mr.FastForward(2 * time.Minute)

	if _, banned, err := l.CheckBan(ctx, "bob"); err != nil || banned {
		t.Errorf("CheckBan after TTL = banned=%v err=%v", banned, err)
	}
}

func TestRedisPermanentBanSurvives(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedisLedger(t)

	_ = l.Ban(ctx, Entry{Sender: "carol", Origin: OriginManual})
	mr.FastForward(24 * time.Hour)

	got, banned, _ := l.CheckBan(ctx, "carol")
	if !banned || !got.Permanent() {
		t.Errorf("permanent ban lost: banned=%v entry=%+v", banned, got)
	}
}

func TestRedisBanReplaces(t *testing.T) {
	ctx := context.Background()
	l, _ := newRedisLedger(t)

	_ = l.Ban(ctx, Entry{Sender: "dave", ExpiresAt: time.Now().Add(time.Minute), Reason: "first"})
	_ = l.Ban(ctx, Entry{Sender: "dave", ExpiresAt: time.Now().Add(time.Hour), Reason: "second"})

	got, banned, _ := l.CheckBan(ctx, "dave")
	if !banned || got.Reason != "second" {
		t.Errorf("entry = %+v, want the second ban", got)
	}
	snap, err := l.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Bans) != 1 {
		t.Errorf("snapshot holds %d bans, want 1", len(snap.Bans))
	}
}

func TestRedisUnbanIdempotent(t *testing.T) {
	ctx := context.Background()
	l, _ := newRedisLedger(t)
	if err := l.Unban(ctx, "ghost"); err != nil {
		t.Fatalf("unban unknown: %v", err)
	}
	_ = l.Ban(ctx, Entry{Sender: "eve"})
	_ = l.Unban(ctx, "eve")
	if err := l.Unban(ctx, "eve"); err != nil {
		t.Fatalf("second unban: %v", err)
	}
}

func TestRedisWhitelist(t *testing.T) {
	ctx := context.Background()
	l, _ := newRedisLedger(t)

	_ = l.WhitelistAdd(ctx, "ops")
	if ok, _ := l.Whitelisted(ctx, "ops"); !ok {
		t.Error("ops not whitelisted")
	}
	snap, _ := l.Snapshot(ctx)
	if len(snap.Whitelist) != 1 || snap.Whitelist[0] != "ops" {
		t.Errorf("snapshot whitelist = %v", snap.Whitelist)
	}
	_ = l.WhitelistRemove(ctx, "ops")
	if ok, _ := l.Whitelisted(ctx, "ops"); ok {
		t.Error("ops still whitelisted")
	}
}

func TestRedisOffensesDecay(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedisLedger(t)

	if got, _ := l.RecordOffense(ctx, "frank"); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
	if got, _ := l.RecordOffense(ctx, "frank"); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}
	mr.FastForward(2 * time.Hour)
	if got, _ := l.Offenses(ctx, "frank"); got != 0 {
		t.Errorf("count after window = %d, want 0", got)
	}
}

func TestRedisCorruptEntry(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedisLedger(t)

	if err := mr.Set(banKeyPrefix+"mallory", "not json"); err != nil {
		t.Fatal(err)
	}
	_, banned, err := l.CheckBan(ctx, "mallory")
	if !errors.Is(err, ErrInvariant) {
		t.Errorf("err = %v, want ErrInvariant", err)
	}
	if banned {
		t.Error("corrupt entry reported as banned=true")
	}
}
