package moderation

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/havensupport/support-chat/internal/chat"
	"github.com/havensupport/support-chat/internal/crisis"
	"github.com/havensupport/support-chat/internal/metrics"
)

// DefaultScanInterval is how often the auto-scan sweeps the message windows.
const DefaultScanInterval = 30 * time.Second

// Scanner periodically re-examines each room's recent-message window with
// the crisis detector and the spam patterns. It is a safety net behind the
// synchronous per-post scan: indicator lists can be updated at runtime, and
// a message that slipped past an older list gets a second look.
type Scanner struct {
	buffer   *chat.MessageBuffer
	detector crisis.Classifier
	engine   *Engine
	interval time.Duration

	mu   sync.Mutex
	seen map[string]struct{} // roomID|messageID already reported by this scanner
}

// NewScanner creates a scanner over the given message window.
func NewScanner(buffer *chat.MessageBuffer, detector crisis.Classifier, engine *Engine, interval time.Duration) *Scanner {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	return &Scanner{
		buffer:   buffer,
		detector: detector,
		engine:   engine,
		interval: interval,
		seen:     make(map[string]struct{}),
	}
}

// Run sweeps on a fixed interval until ctx is cancelled. A failing cycle is
// logged and the next tick retries; the scanner never takes chat down.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("[autoscan] running every %s", s.interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[autoscan] stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one scan cycle over every room's window.
func (s *Scanner) Sweep(ctx context.Context) {
	reported := 0
	failed := false

	for _, roomID := range s.buffer.Rooms() {
		for _, m := range s.buffer.Recent(roomID) {
			if m.Plaintext == "" {
				continue // tombstoned or crisis alert
			}
			key := fmt.Sprintf("%s|%d", roomID, m.MessageID)
			if s.alreadySeen(key) {
				continue
			}

			reason, detail, hit, err := s.examine(m)
			if err != nil {
				log.Printf("[autoscan] room=%s msg=%d: %v", roomID, m.MessageID, err)
				failed = true
				continue
			}
			s.markSeen(key)
			if !hit {
				continue
			}

			if err := s.engine.FileAutoReport(ctx, roomID, m.SessionID, m.MessageID, reason, detail); err != nil {
				log.Printf("[autoscan] file report room=%s msg=%d: %v", roomID, m.MessageID, err)
				failed = true
				continue
			}
			reported++
		}
	}

	switch {
	case failed:
		metrics.ScanCyclesTotal.WithLabelValues("error").Inc()
	case reported > 0:
		metrics.ScanCyclesTotal.WithLabelValues("reported").Inc()
	default:
		metrics.ScanCyclesTotal.WithLabelValues("clean").Inc()
	}
}

// examine applies the spam patterns and the crisis detector to one entry.
func (s *Scanner) examine(m chat.BufferedMessage) (reason, detail string, hit bool, err error) {
	if name := checkSpamPatterns(m.Plaintext); name != "" {
		return "spam", "pattern: " + name, true, nil
	}

	if s.detector != nil {
		ev, err := s.detector.Classify(m.Plaintext, crisis.Context{
			RoomID:          m.RoomID,
			SenderSessionID: m.SessionID,
		})
		if err != nil {
			return "", "", false, err
		}
		if ev != nil {
			return "crisis-risk", fmt.Sprintf("sweep detection, severity %s", ev.Severity), true, nil
		}
	}
	return "", "", false, nil
}

func (s *Scanner) alreadySeen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[key]
	return ok
}

func (s *Scanner) markSeen(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// The seen set grows with traffic; reset it once it is far larger than
	// anything still inside a room window.
	if len(s.seen) > 65536 {
		s.seen = make(map[string]struct{})
	}
	s.seen[key] = struct{}{}
}
