package moderation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Suspension records live in Redis as key-value pairs with TTL-based expiry:
//
//	Key:   suspend:<session_id>
//	Value: <reason>
//	TTL:   suspension duration (no TTL for permanent bans)
const (
	// SuspendPrefix is the Redis key prefix for suspension records.
	SuspendPrefix = "suspend:"

	// OffensesPrefix is the Redis key prefix for per-user offense counters
	// driving the escalating suspension ladder.
	OffensesPrefix = "offenses:"

	// Escalating suspension durations.
	Suspend15Min  = 15 * time.Minute // 1st offense
	Suspend1Hour  = 1 * time.Hour    // 2nd offense
	Suspend24Hour = 24 * time.Hour   // 3rd+ offense

	// OffensesTTL is how long the offense counter lives in Redis. After 24h
	// without new offenses the counter resets to zero.
	OffensesTTL = 24 * time.Hour
)

// SuspensionStore manages suspension and ban records in Redis.
type SuspensionStore struct {
	client *redis.Client
}

// NewSuspensionStore creates a store using the provided Redis client.
func NewSuspensionStore(client *redis.Client) *SuspensionStore {
	return &SuspensionStore{client: client}
}

// IsSuspended checks whether a session is currently suspended or banned.
// Returns (suspended, remainingSeconds, reason, error); remaining is 0 for
// permanent bans. Redis errors are returned so callers can decide policy
// (the connection gate fails open).
func (s *SuspensionStore) IsSuspended(ctx context.Context, sessionID string) (bool, int, string, error) {
	key := SuspendPrefix + sessionID

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", err
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		// The record exists but the TTL read failed. Report suspended with
		// 0 remaining rather than swallowing the suspension.
		return true, 0, reason, nil
	}

	remaining := 0
	if ttl > 0 {
		remaining = int(ttl.Seconds())
	}

	return true, remaining, reason, nil
}

// Suspend records a suspension that expires after duration. A zero duration
// records a permanent ban.
func (s *SuspensionStore) Suspend(ctx context.Context, sessionID string, duration time.Duration, reason string) error {
	key := SuspendPrefix + sessionID
	return s.client.Set(ctx, key, reason, duration).Err()
}

// Lift removes a suspension immediately.
func (s *SuspensionStore) Lift(ctx context.Context, sessionID string) error {
	key := SuspendPrefix + sessionID
	return s.client.Del(ctx, key).Err()
}

// escalationDuration returns the suspension length for a given offense count.
func escalationDuration(offenseCount int) time.Duration {
	switch {
	case offenseCount <= 1:
		return Suspend15Min
	case offenseCount == 2:
		return Suspend1Hour
	default:
		return Suspend24Hour
	}
}

// OffenseCount returns the current offense counter for a session. Returns 0
// if the key does not exist (no offenses recorded or the counter expired).
func (s *SuspensionStore) OffenseCount(ctx context.Context, sessionID string) (int, error) {
	key := OffensesPrefix + sessionID
	val, err := s.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// Escalate increments the session's offense counter and applies a suspension
// whose duration grows with the number of offenses:
//
//	1st offense  -> 15 minutes
//	2nd offense  -> 1 hour
//	3rd+ offense -> 24 hours
//
// The offense counter has a 24h TTL set on first increment, so counters
// naturally expire when there is no new activity. Returns the applied
// duration.
func (s *SuspensionStore) Escalate(ctx context.Context, sessionID string, reason string) (time.Duration, error) {
	key := OffensesPrefix + sessionID

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("moderation: escalate incr: %w", err)
	}

	// Set TTL only on first increment so the window doesn't slide.
	if count == 1 {
		if err := s.client.Expire(ctx, key, OffensesTTL).Err(); err != nil {
			return 0, fmt.Errorf("moderation: escalate expire: %w", err)
		}
	}

	duration := escalationDuration(int(count))
	if err := s.Suspend(ctx, sessionID, duration, reason); err != nil {
		return 0, fmt.Errorf("moderation: escalate suspend: %w", err)
	}

	return duration, nil
}
