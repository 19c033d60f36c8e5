package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	banKeyPrefix     = "bulwark:ban:"
	whitelistKey     = "bulwark:wl"
	offenseKeyPrefix = "bulwark:off:"
)

// RedisLedger shares ban state across bot instances. Redis key TTLs give
// replace-not-stack and lazy expiry for free: SET overwrites, expired keys
// answer "not banned".
type RedisLedger struct {
	rdb           *redis.Client
	offenseWindow time.Duration
}

// NewRedisLedger connects to addr and verifies the connection.
func NewRedisLedger(ctx context.Context, addr string, offenseWindow time.Duration) (*RedisLedger, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis ledger: %w", err)
	}
	return &RedisLedger{rdb: rdb, offenseWindow: offenseWindow}, nil
}

// Close releases the client.
func (r *RedisLedger) Close() error { return r.rdb.Close() }

func (r *RedisLedger) CheckBan(ctx context.Context, sender string) (Entry, bool, error) {
	raw, err := r.rdb.Get(ctx, banKeyPrefix+sender).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("check ban: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// A corrupt entry must not let its sender through.
		return Entry{}, false, fmt.Errorf("%w: undecodable ban entry for %s", ErrInvariant, sender)
	}
	if e.Expired(time.Now()) {
		// Permanent entries have no key TTL; expired timed entries are
		// normally gone already, this covers clock skew.
		_ = r.rdb.Del(ctx, banKeyPrefix+sender).Err()
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (r *RedisLedger) Ban(ctx context.Context, e Entry) error {
	if e.Sender == "" {
		return invariant("ban entry has no sender")
	}
	if e.BannedAt.IsZero() {
		e.BannedAt = time.Now()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode ban entry: %w", err)
	}
	var ttl time.Duration
	if !e.Permanent() {
		ttl = time.Until(e.ExpiresAt)
		if ttl <= 0 {
			// Already lapsed; nothing to store.
			return nil
		}
	}
	if err := r.rdb.Set(ctx, banKeyPrefix+e.Sender, raw, ttl).Err(); err != nil {
		return fmt.Errorf("store ban entry: %w", err)
	}
	return nil
}

func (r *RedisLedger) Unban(ctx context.Context, sender string) error {
	if err := r.rdb.Del(ctx, banKeyPrefix+sender).Err(); err != nil {
		return fmt.Errorf("remove ban entry: %w", err)
	}
	return nil
}

func (r *RedisLedger) WhitelistAdd(ctx context.Context, sender string) error {
	if sender == "" {
		return invariant("whitelist entry has no sender")
	}
	if err := r.rdb.SAdd(ctx, whitelistKey, sender).Err(); err != nil {
		return fmt.Errorf("whitelist add: %w", err)
	}
	return nil
}

func (r *RedisLedger) WhitelistRemove(ctx context.Context, sender string) error {
	if err := r.rdb.SRem(ctx, whitelistKey, sender).Err(); err != nil {
		return fmt.Errorf("whitelist remove: %w", err)
	}
	return nil
}

func (r *RedisLedger) Whitelisted(ctx context.Context, sender string) (bool, error) {
	ok, err := r.rdb.SIsMember(ctx, whitelistKey, sender).Result()
	if err != nil {
		return false, fmt.Errorf("whitelist check: %w", err)
	}
	return ok, nil
}

func (r *RedisLedger) RecordOffense(ctx context.Context, sender string) (int, error) {
	if sender == "" {
		return 0, invariant("offense record has no sender")
	}
	key := offenseKeyPrefix + sender
	count, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("record offense: %w", err)
	}
	if r.offenseWindow > 0 {
		_ = r.rdb.Expire(ctx, key, r.offenseWindow).Err()
	}
	return int(count), nil
}

func (r *RedisLedger) Offenses(ctx context.Context, sender string) (int, error) {
	count, err := r.rdb.Get(ctx, offenseKeyPrefix+sender).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read offenses: %w", err)
	}
	return count, nil
}

func (r *RedisLedger) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Bans: []Entry{}, Whitelist: []string{}}

	iter := r.rdb.Scan(ctx, 0, banKeyPrefix+"*", 100).Iterator()
	now := time.Now()
	for iter.Next(ctx) {
		raw, err := r.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and read
		}
		if err != nil {
			return Snapshot{}, fmt.Errorf("snapshot bans: %w", err)
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil || e.Expired(now) {
			continue
		}
		snap.Bans = append(snap.Bans, e)
	}
	if err := iter.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot scan: %w", err)
	}

	wl, err := r.rdb.SMembers(ctx, whitelistKey).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot whitelist: %w", err)
	}
	snap.Whitelist = wl
	return snap, nil
}
