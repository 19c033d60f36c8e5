package guard

import (
	"context"
	"time"

	"github.com/luminestory/bulwark/pkg/audit"
	"github.com/luminestory/bulwark/pkg/config"
	"github.com/luminestory/bulwark/pkg/defense"
	"github.com/luminestory/bulwark/pkg/ledger"
	"github.com/luminestory/bulwark/pkg/review"
	"github.com/luminestory/bulwark/pkg/stats"
)

// Operator controls. These back the admin API and are safe to call while
// Evaluate is running.

// Mode returns the effective defense mode. The mode gauge tracks the
// effective mode, not the base one, so observation windows and their lazy
// expiry show up on /metrics.
func (g *Guard) Mode() defense.Mode {
	m := g.mode.Current()
	stats.DefenseMode.Set(float64(m))
	return m
}

// CycleMode advances to the next defense mode and returns it.
func (g *Guard) CycleMode() defense.Mode {
	m := g.mode.Cycle()
	stats.DefenseMode.Set(float64(m))
	g.log.Info("defense mode cycled", "mode", m.String())
	return m
}

// SetMode pins the defense mode.
func (g *Guard) SetMode(m defense.Mode) {
	g.mode.Set(m)
	stats.DefenseMode.Set(float64(m))
	g.log.Info("defense mode set", "mode", m.String())
}

// TempObserve drops to observation-only for a window, then restores the
// base mode. A non-positive duration cancels an active window.
func (g *Guard) TempObserve(d time.Duration) {
	g.mode.TempObserve(d)
	stats.DefenseMode.Set(float64(g.mode.Current()))
	g.log.Info("temporary observation window", "duration", d)
}

// ReviewActivity returns the effective review activity state.
func (g *Guard) ReviewActivity() review.Activity { return g.activity.Mode() }

// SetReviewActivity forces the review activity state, overriding the
// verdict-driven transitions until the next observation.
func (g *Guard) SetReviewActivity(a review.Activity) {
	g.activity.Set(a)
	g.log.Info("review activity set", "activity", a.String())
}

// SetReviewProvider switches the review backend at runtime.
func (g *Guard) SetReviewProvider(provider config.ReviewProvider, model, baseURL string) error {
	if err := g.engine.SetProvider(provider, model, baseURL); err != nil {
		return err
	}
	if provider == config.ProviderNone {
		g.activity.Set(review.ActivityDisabled)
	} else if g.activity.Mode() == review.ActivityDisabled {
		g.activity.Set(review.ActivityStandby)
	}
	g.log.Info("review provider switched", "provider", string(provider), "model", model)
	return nil
}

// Ban records a manual ban. Zero duration means permanent.
func (g *Guard) Ban(ctx context.Context, sender, reason string, d time.Duration) error {
	entry := ledger.Entry{Sender: sender, Origin: ledger.OriginManual, Reason: reason}
	if d > 0 {
		entry.ExpiresAt = time.Now().Add(d)
	}
	if err := g.ledger.Ban(ctx, entry); err != nil {
		return err
	}
	g.log.Info("sender banned", "sender", sender, "duration", d)
	return nil
}

// Unban lifts a ban. Unbanning an unknown sender is a no-op.
func (g *Guard) Unban(ctx context.Context, sender string) error {
	return g.ledger.Unban(ctx, sender)
}

// WhitelistAdd exempts a sender from the pipeline.
func (g *Guard) WhitelistAdd(ctx context.Context, sender string) error {
	return g.ledger.WhitelistAdd(ctx, sender)
}

// WhitelistRemove re-subjects a sender to the pipeline.
func (g *Guard) WhitelistRemove(ctx context.Context, sender string) error {
	return g.ledger.WhitelistRemove(ctx, sender)
}

// LedgerSnapshot reports current bans and whitelist entries.
func (g *Guard) LedgerSnapshot(ctx context.Context) (ledger.Snapshot, error) {
	return g.ledger.Snapshot(ctx)
}

// Incidents returns the audit trail entries matching the filter,
// oldest first.
func (g *Guard) Incidents(f audit.Filter) []audit.Incident {
	return g.trail.Snapshot(f)
}

// ReviewLog returns the recent review events, oldest first.
func (g *Guard) ReviewLog() []audit.ReviewEvent {
	return g.trail.Reviews()
}
