// Package ledger is the authoritative record of who is banned and who
// bypasses scoring entirely. Ban entries replace rather than stack and
// expire lazily on lookup; no background sweep is needed for correctness.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvariant marks programming-error conditions in ledger mutations,
// such as a ban entry without a sender. Callers fail the operation loudly
// instead of silently corrupting ban state.
var ErrInvariant = errors.New("ledger invariant violation")

// Origin records what created a ban entry.
type Origin string

const (
	OriginAuto   Origin = "auto"
	OriginManual Origin = "manual"
)

// Entry is one ban record. A zero ExpiresAt means permanent.
type Entry struct {
	Sender    string    `json:"sender"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Origin    Origin    `json:"origin"`
	Reason    string    `json:"reason,omitempty"`
	BannedAt  time.Time `json:"banned_at"`
}

// Permanent reports whether the entry never expires.
func (e Entry) Permanent() bool { return e.ExpiresAt.IsZero() }

// Expired reports whether a non-permanent entry has lapsed.
func (e Entry) Expired(now time.Time) bool {
	return !e.Permanent() && now.After(e.ExpiresAt)
}

// Snapshot is a point-in-time copy for the dashboard collaborator.
type Snapshot struct {
	Bans      []Entry  `json:"bans"`
	Whitelist []string `json:"whitelist"`
}

// Ledger is the shared ban/whitelist state. Implementations must be safe
// for concurrent use; lookups are O(1) by sender.
type Ledger interface {
	// CheckBan reports whether sender is currently banned. An expired
	// entry answers "not banned" and is removed opportunistically.
	CheckBan(ctx context.Context, sender string) (Entry, bool, error)
	// Ban installs an entry, replacing any prior entry for the sender.
	Ban(ctx context.Context, e Entry) error
	// Unban removes any entry for sender. Idempotent.
	Unban(ctx context.Context, sender string) error

	WhitelistAdd(ctx context.Context, sender string) error
	WhitelistRemove(ctx context.Context, sender string) error
	Whitelisted(ctx context.Context, sender string) (bool, error)

	// RecordOffense bumps the sender's offense counter and returns the new
	// count. Counters decay after the configured window.
	RecordOffense(ctx context.Context, sender string) (int, error)
	// Offenses returns the current count without bumping it.
	Offenses(ctx context.Context, sender string) (int, error)

	Snapshot(ctx context.Context) (Snapshot, error)
}

type offenseCell struct {
	count   int
	resetAt time.Time
}

// MemoryLedger is the single-node implementation.
type MemoryLedger struct {
	mu            sync.RWMutex
	bans          map[string]Entry
	whitelist     map[string]struct{}
	offenses      map[string]offenseCell
	offenseWindow time.Duration
}

// NewMemoryLedger creates an empty ledger. Offense counters reset after
// offenseWindow of quiet; zero disables decay.
func NewMemoryLedger(offenseWindow time.Duration) *MemoryLedger {
	return &MemoryLedger{
		bans:          make(map[string]Entry),
		whitelist:     make(map[string]struct{}),
		offenses:      make(map[string]offenseCell),
		offenseWindow: offenseWindow,
	}
}

func (m *MemoryLedger) CheckBan(_ context.Context, sender string) (Entry, bool, error) {
	m.mu.RLock()
	e, ok := m.bans[sender]
	m.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}
	now := time.Now()
	if !e.Expired(now) {
		return e, true, nil
	}
	// Lazy removal. Another lookup racing us sees either the expired entry
	// (and answers "not banned" itself) or no entry; both are correct.
	m.mu.Lock()
	if cur, ok := m.bans[sender]; ok && cur.Expired(now) {
		delete(m.bans, sender)
	}
	m.mu.Unlock()
	return Entry{}, false, nil
}

func (m *MemoryLedger) Ban(_ context.Context, e Entry) error {
	if e.Sender == "" {
		return invariant("ban entry has no sender")
	}
	if e.BannedAt.IsZero() {
		e.BannedAt = time.Now()
	}
	m.mu.Lock()
	m.bans[e.Sender] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryLedger) Unban(_ context.Context, sender string) error {
	m.mu.Lock()
	delete(m.bans, sender)
	m.mu.Unlock()
	return nil
}

func (m *MemoryLedger) WhitelistAdd(_ context.Context, sender string) error {
	if sender == "" {
		return invariant("whitelist entry has no sender")
	}
	m.mu.Lock()
	m.whitelist[sender] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *MemoryLedger) WhitelistRemove(_ context.Context, sender string) error {
	m.mu.Lock()
	delete(m.whitelist, sender)
	m.mu.Unlock()
	return nil
}

func (m *MemoryLedger) Whitelisted(_ context.Context, sender string) (bool, error) {
	m.mu.RLock()
	_, ok := m.whitelist[sender]
	m.mu.RUnlock()
	return ok, nil
}

func (m *MemoryLedger) RecordOffense(_ context.Context, sender string) (int, error) {
	if sender == "" {
		return 0, invariant("offense record has no sender")
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	cell := m.offenses[sender]
	if m.offenseWindow > 0 && !cell.resetAt.IsZero() && now.After(cell.resetAt) {
		cell = offenseCell{}
	}
	cell.count++
	if m.offenseWindow > 0 {
		cell.resetAt = now.Add(m.offenseWindow)
	}
	m.offenses[sender] = cell
	return cell.count, nil
}

func (m *MemoryLedger) Offenses(_ context.Context, sender string) (int, error) {
	m.mu.RLock()
	cell, ok := m.offenses[sender]
	m.mu.RUnlock()
	if !ok {
		return 0, nil
	}
	if m.offenseWindow > 0 && !cell.resetAt.IsZero() && time.Now().After(cell.resetAt) {
		return 0, nil
	}
	return cell.count, nil
}

func (m *MemoryLedger) Snapshot(_ context.Context) (Snapshot, error) {
	now := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := Snapshot{
		Bans:      make([]Entry, 0, len(m.bans)),
		Whitelist: make([]string, 0, len(m.whitelist)),
	}
	for _, e := range m.bans {
		if !e.Expired(now) {
			snap.Bans = append(snap.Bans, e)
		}
	}
	for id := range m.whitelist {
		snap.Whitelist = append(snap.Whitelist, id)
	}
	return snap, nil
}

func invariant(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvariant, msg)
}
