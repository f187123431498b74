package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// TokenPrefix is the Redis key prefix for session records written by the
	// identity service.
	TokenPrefix = "session:"

	// SessionTTL is how long a resolved session stays refreshable.
	SessionTTL = 1 * time.Hour
)

// RedisResolver resolves connection tokens against session hashes that the
// identity service maintains in Redis:
//
//	Key:   session:<token>
//	Value: hash {session_id, nickname, avatar}
//	TTL:   refreshed on resolve
type RedisResolver struct {
	client *redis.Client
}

// NewRedisResolver creates a resolver using the provided Redis client.
func NewRedisResolver(client *redis.Client) *RedisResolver {
	return &RedisResolver{client: client}
}

// Resolve looks up the session record for a connection token. A missing or
// expired record yields ErrInvalidSession; Redis failures are surfaced as-is
// so the caller can distinguish an outage from a bad token.
func (r *RedisResolver) Resolve(ctx context.Context, connectionToken string) (Participant, error) {
	key := TokenPrefix + connectionToken

	result, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Participant{}, fmt.Errorf("identity: resolve: %w", err)
	}
	if len(result) == 0 || result["session_id"] == "" {
		return Participant{}, ErrInvalidSession
	}

	// Activity extends the session.
	if err := r.client.Expire(ctx, key, SessionTTL).Err(); err != nil {
		return Participant{}, fmt.Errorf("identity: refresh ttl: %w", err)
	}

	return Participant{
		SessionID: result["session_id"],
		Nickname:  result["nickname"],
		Avatar:    result["avatar"],
	}, nil
}

// Register writes a session record. In production the identity service owns
// these records; this helper exists for local development and tests.
func (r *RedisResolver) Register(ctx context.Context, token string, p Participant) error {
	key := TokenPrefix + token

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"session_id": p.SessionID,
		"nickname":   p.Nickname,
		"avatar":     p.Avatar,
	})
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("identity: register: %w", err)
	}
	return nil
}

// Revoke deletes a session record, invalidating the token immediately.
func (r *RedisResolver) Revoke(ctx context.Context, token string) error {
	return r.client.Del(ctx, TokenPrefix+token).Err()
}
