// Package match pairs participants waiting for a one-on-one peer support
// conversation. Waiting users sit in Redis keyed by their support topics;
// a background service pairs them in tiers (identical topic sets first,
// then best overlap) and announces the resulting peer room over NATS.
package match

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis key patterns for the waiting pool.
	keyWaitQueue    = "peer:queue"   // Sorted set, score = join timestamp (ms)
	keyExactPrefix  = "peer:exact:"  // + <topics_hash> -> Set of session IDs
	keyTopicPrefix  = "peer:topic:"  // + <topic> -> Set of session IDs
	keyWaiterPrefix = "peer:waiter:" // + <session_id> -> Hash

	// TTL for waiting-pool keys (auto-expire stale entries).
	waitKeyTTL = 60 * time.Second
)

// Waiter is a participant's state in the waiting pool.
type Waiter struct {
	SessionID string
	Topics    []string
	Hash      string  // SHA256 prefix of sorted topics
	JoinedAt  float64 // Unix timestamp in milliseconds
}

// Queue manages the Redis data structures for the waiting pool.
type Queue struct {
	rdb *redis.Client
}

// NewQueue creates a waiting pool backed by Redis.
func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// TopicsHash computes a deterministic hash of the topic set. Topics are
// sorted alphabetically before hashing so the hash is order-independent.
func TopicsHash(topics []string) string {
	sorted := make([]string, len(topics))
	copy(sorted, topics)
	sort.Strings(sorted)
	joined := strings.Join(sorted, ",")
	h := sha256.Sum256([]byte(joined))
	return fmt.Sprintf("%x", h[:8]) // 16-char hex prefix
}

// Enqueue adds a participant to the waiting pool and all associated sets.
func (q *Queue) Enqueue(ctx context.Context, sessionID string, topics []string) error {
	hash := TopicsHash(topics)
	now := float64(time.Now().UnixMilli())

	pipe := q.rdb.Pipeline()

	// Global sorted queue (score = timestamp for wait-time ordering).
	pipe.ZAdd(ctx, keyWaitQueue, redis.Z{Score: now, Member: sessionID})

	// Exact-match set (all waiters with an identical topic hash).
	exactKey := keyExactPrefix + hash
	pipe.SAdd(ctx, exactKey, sessionID)
	pipe.Expire(ctx, exactKey, waitKeyTTL)

	// Per-topic sets (for overlap pairing).
	for _, topic := range topics {
		topicKey := keyTopicPrefix + topic
		pipe.SAdd(ctx, topicKey, sessionID)
		pipe.Expire(ctx, topicKey, waitKeyTTL)
	}

	// Waiter metadata.
	waiterKey := keyWaiterPrefix + sessionID
	pipe.HSet(ctx, waiterKey, map[string]interface{}{
		"topics":    strings.Join(topics, ","),
		"hash":      hash,
		"joined_at": fmt.Sprintf("%.0f", now),
	})
	pipe.Expire(ctx, waiterKey, waitKeyTTL)

	_, err := pipe.Exec(ctx)
	return err
}

// Dequeue removes a participant from the waiting pool and all associated
// sets.
func (q *Queue) Dequeue(ctx context.Context, sessionID string) error {
	w, err := q.GetWaiter(ctx, sessionID)
	if err != nil {
		return err
	}
	if w == nil {
		return nil // already removed
	}

	pipe := q.rdb.Pipeline()

	pipe.ZRem(ctx, keyWaitQueue, sessionID)
	pipe.SRem(ctx, keyExactPrefix+w.Hash, sessionID)

	for _, topic := range w.Topics {
		pipe.SRem(ctx, keyTopicPrefix+topic, sessionID)
	}

	pipe.Del(ctx, keyWaiterPrefix+sessionID)

	_, err = pipe.Exec(ctx)
	return err
}

// GetWaiter retrieves a participant's pool entry. Returns nil if not found.
func (q *Queue) GetWaiter(ctx context.Context, sessionID string) (*Waiter, error) {
	waiterKey := keyWaiterPrefix + sessionID
	result, err := q.rdb.HGetAll(ctx, waiterKey).Result()
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}

	var topics []string
	if result["topics"] != "" {
		topics = strings.Split(result["topics"], ",")
	}

	var joinedAt float64
	if v, ok := result["joined_at"]; ok {
		fmt.Sscanf(v, "%f", &joinedAt)
	}

	return &Waiter{
		SessionID: sessionID,
		Topics:    topics,
		Hash:      result["hash"],
		JoinedAt:  joinedAt,
	}, nil
}

// AllWaiting returns all waiting session IDs, ordered by join time (oldest
// first).
func (q *Queue) AllWaiting(ctx context.Context) ([]string, error) {
	return q.rdb.ZRange(ctx, keyWaitQueue, 0, -1).Result()
}

// IsWaiting checks if a session is currently in the pool.
func (q *Queue) IsWaiting(ctx context.Context, sessionID string) (bool, error) {
	_, err := q.rdb.ZScore(ctx, keyWaitQueue, sessionID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ExactCandidates returns all session IDs with the same topic hash.
func (q *Queue) ExactCandidates(ctx context.Context, hash string) ([]string, error) {
	return q.rdb.SMembers(ctx, keyExactPrefix+hash).Result()
}

// TopicCandidates returns all session IDs waiting on the given topic.
func (q *Queue) TopicCandidates(ctx context.Context, topic string) ([]string, error) {
	return q.rdb.SMembers(ctx, keyTopicPrefix+topic).Result()
}

// Size returns the number of participants currently waiting.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, keyWaitQueue).Result()
}

// RefreshTTLs extends the TTL of all pool keys for a waiting session.
func (q *Queue) RefreshTTLs(ctx context.Context, sessionID string) error {
	w, err := q.GetWaiter(ctx, sessionID)
	if err != nil || w == nil {
		return err
	}

	pipe := q.rdb.Pipeline()
	pipe.Expire(ctx, keyExactPrefix+w.Hash, waitKeyTTL)
	for _, topic := range w.Topics {
		pipe.Expire(ctx, keyTopicPrefix+topic, waitKeyTTL)
	}
	pipe.Expire(ctx, keyWaiterPrefix+sessionID, waitKeyTTL)
	_, err = pipe.Exec(ctx)
	return err
}
