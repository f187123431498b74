package match

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/havensupport/support-chat/internal/messaging"
	"github.com/havensupport/support-chat/internal/metrics"
)

const (
	pairInterval = 2 * time.Second
	tier1MaxWait = 10 * time.Second // 0-10s: identical topic sets only
	waitTimeout  = 30 * time.Second // 30s: give up
)

// FindRequest is the NATS payload sent by the gateway when a user asks for
// a peer.
type FindRequest struct {
	SessionID string   `json:"session_id"`
	Topics    []string `json:"topics"`
}

// CancelRequest is the NATS payload sent by the gateway when a user cancels.
type CancelRequest struct {
	SessionID string `json:"session_id"`
}

// Result is the payload published on match.found.<session_id>. There is no
// accept step: a non-timeout result means the peer room is ready to join.
type Result struct {
	Timeout      bool     `json:"timeout,omitempty"`
	RoomID       string   `json:"room_id,omitempty"`
	PartnerID    string   `json:"partner_id,omitempty"`
	SharedTopics []string `json:"shared_topics,omitempty"`
	Score        float64  `json:"score,omitempty"`
}

// Service is the background pairing service.
type Service struct {
	queue  *Queue
	nats   *messaging.NATSClient
	rdb    *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
}

// NewService creates a pairing service.
func NewService(rdb *redis.Client, nats *messaging.NATSClient) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		queue:  NewQueue(rdb),
		nats:   nats,
		rdb:    rdb,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the NATS subjects and starts the pairing loop.
func (s *Service) Start() error {
	if err := s.nats.SubscribeMatchRequest(s.handleFindRequest); err != nil {
		return err
	}
	if err := s.nats.SubscribeMatchCancel(s.handleCancelRequest); err != nil {
		return err
	}

	go s.pairLoop()

	log.Println("[matcher] service started")
	return nil
}

// Stop shuts the pairing service down.
func (s *Service) Stop() {
	s.cancel()
	log.Println("[matcher] service stopped")
}

func (s *Service) handleFindRequest(data []byte) {
	var req FindRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("[matcher] invalid find request: %v", err)
		return
	}

	if err := s.queue.Enqueue(s.ctx, req.SessionID, req.Topics); err != nil {
		log.Printf("[matcher] enqueue %s: %v", req.SessionID, err)
		return
	}

	size, _ := s.queue.Size(s.ctx)
	metrics.MatchQueueSize.Set(float64(size))
	log.Printf("[matcher] enqueued %s with topics %v (waiting: %d)",
		req.SessionID, req.Topics, size)
}

func (s *Service) handleCancelRequest(data []byte) {
	var req CancelRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("[matcher] invalid cancel request: %v", err)
		return
	}

	if err := s.queue.Dequeue(s.ctx, req.SessionID); err != nil {
		log.Printf("[matcher] dequeue %s: %v", req.SessionID, err)
		return
	}

	size, _ := s.queue.Size(s.ctx)
	metrics.MatchQueueSize.Set(float64(size))
	log.Printf("[matcher] dequeued %s (cancelled)", req.SessionID)
}

// pairLoop runs the pairing pass on a fixed interval.
func (s *Service) pairLoop() {
	ticker := time.NewTicker(pairInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Println("[matcher] pair loop stopped")
			return
		case <-ticker.C:
			s.processQueue()
		}
	}
}

// processQueue walks the waiting pool oldest first and pairs whoever it can,
// widening the criteria with wait time.
func (s *Service) processQueue() {
	ctx := s.ctx
	sessionIDs, err := s.queue.AllWaiting(ctx)
	if err != nil {
		log.Printf("[matcher] failed to read pool: %v", err)
		return
	}

	for _, sid := range sessionIDs {
		// Re-check: the waiter may have been paired earlier in this pass.
		waiting, err := s.queue.IsWaiting(ctx, sid)
		if err != nil || !waiting {
			continue
		}

		w, err := s.queue.GetWaiter(ctx, sid)
		if err != nil || w == nil {
			continue
		}

		waitMs := float64(time.Now().UnixMilli()) - w.JoinedAt
		waited := time.Duration(waitMs) * time.Millisecond

		if waited >= waitTimeout {
			s.handleTimeout(ctx, sid)
			continue
		}

		var candidate *Candidate

		// Tier 1: identical topic sets (always attempted).
		candidate, err = s.queue.TryExactMatch(ctx, sid)
		if err != nil {
			log.Printf("[matcher] exact match error for %s: %v", sid, err)
		}

		// Tier 2: best topic overlap (after the tier-1 window).
		if candidate == nil && waited >= tier1MaxWait {
			candidate, err = s.queue.TryOverlapMatch(ctx, sid)
			if err != nil {
				log.Printf("[matcher] overlap match error for %s: %v", sid, err)
			}
		}

		if candidate != nil {
			s.handlePair(ctx, candidate, waited)
		}
	}
}

func (s *Service) handlePair(ctx context.Context, candidate *Candidate, waited time.Duration) {
	roomID := uuid.New().String()

	// Remove both participants from the pool before announcing, so a
	// concurrent pass cannot pair either of them again.
	if err := s.queue.Dequeue(ctx, candidate.SessionA); err != nil {
		log.Printf("[matcher] dequeue %s: %v", candidate.SessionA, err)
	}
	if err := s.queue.Dequeue(ctx, candidate.SessionB); err != nil {
		log.Printf("[matcher] dequeue %s: %v", candidate.SessionB, err)
	}

	if err := s.publishPair(roomID, candidate); err != nil {
		log.Printf("[matcher] publish pair: %v", err)
		return
	}

	metrics.MatchDuration.Observe(waited.Seconds())
	if size, err := s.queue.Size(ctx); err == nil {
		metrics.MatchQueueSize.Set(float64(size))
	}
	log.Printf("[matcher] paired room=%s a=%s b=%s shared=%v score=%.2f",
		roomID, candidate.SessionA, candidate.SessionB, candidate.SharedTopics, candidate.Score)
}

// publishPair announces the peer room to both participants.
func (s *Service) publishPair(roomID string, candidate *Candidate) error {
	pairs := []struct {
		to      string
		partner string
	}{
		{candidate.SessionA, candidate.SessionB},
		{candidate.SessionB, candidate.SessionA},
	}
	for _, p := range pairs {
		result := Result{
			RoomID:       roomID,
			PartnerID:    p.partner,
			SharedTopics: candidate.SharedTopics,
			Score:        candidate.Score,
		}
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		if err := s.nats.PublishMatchFound(p.to, data); err != nil {
			return err
		}
	}
	return nil
}

// handleTimeout removes a waiter and sends a timeout notification.
func (s *Service) handleTimeout(ctx context.Context, sessionID string) {
	if err := s.queue.Dequeue(ctx, sessionID); err != nil {
		log.Printf("[matcher] timeout dequeue %s: %v", sessionID, err)
	}

	data, _ := json.Marshal(Result{Timeout: true})
	if err := s.nats.PublishMatchFound(sessionID, data); err != nil {
		log.Printf("[matcher] publish timeout for %s: %v", sessionID, err)
	}

	log.Printf("[matcher] timeout for %s", sessionID)
}
