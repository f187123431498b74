// Package ratelimit provides Redis-backed rate limiting using the INCR + EXPIRE
// sliding window algorithm. Each throttled action (posting a message, filing a
// report, opening a connection, requesting a peer match) has its own rule with
// a key prefix, limit, and window.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:post:", "rl:report:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Default rules. RulePost is the one deployments tune most often; see
// PostRule for the env-driven override.
var (
	// RulePost allows 5 posted messages per 10 seconds per session.
	RulePost = Rule{Key: "rl:post:", Limit: 5, Window: 10 * time.Second}

	// RuleReport allows 3 filed reports per minute per session.
	RuleReport = Rule{Key: "rl:report:", Limit: 3, Window: 1 * time.Minute}

	// RuleMatch allows 10 peer-match requests per minute per session.
	RuleMatch = Rule{Key: "rl:match:", Limit: 10, Window: 1 * time.Minute}

	// RuleConnect allows 5 WebSocket connections per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 5, Window: 1 * time.Minute}
)

// PostRule returns RulePost with the limit and window overridden when the
// arguments are positive. Zero values keep the defaults.
func PostRule(limit int, window time.Duration) Rule {
	rule := RulePost
	if limit > 0 {
		rule.Limit = limit
	}
	if window > 0 {
		rule.Window = window
	}
	return rule
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// The key exists but has no TTL — it will persist. Best effort: try
			// to delete it so it doesn't block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	if int(count) > rule.Limit {
		return false, nil
	}

	return true, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window for the given rule. Returns the full limit if the key does not
// exist yet. On Redis errors it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// RuleLimiter binds a Limiter to one rule, giving callers the single-method
// Allow(ctx, id) shape the message pipeline expects.
type RuleLimiter struct {
	limiter *Limiter
	rule    Rule
}

// ForRule returns a RuleLimiter for the given rule.
func (l *Limiter) ForRule(rule Rule) *RuleLimiter {
	return &RuleLimiter{limiter: l, rule: rule}
}

// Allow applies the bound rule to the identifier.
func (rl *RuleLimiter) Allow(ctx context.Context, identifier string) (bool, error) {
	return rl.limiter.Allow(ctx, identifier, rl.rule)
}
