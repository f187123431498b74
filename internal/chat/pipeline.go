package chat

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/havensupport/support-chat/internal/crisis"
	"github.com/havensupport/support-chat/internal/metrics"
	"github.com/havensupport/support-chat/internal/protocol"
	"github.com/havensupport/support-chat/internal/room"
)

// Record is the persisted form of a message handed to the Store. Content is
// the sealed payload; plaintext never reaches the store.
type Record struct {
	MessageID   int64
	RoomID      string
	SessionID   string
	Content     string
	PlainLen    int
	IsEncrypted bool
	Type        string
	Flags       []string
	Ts          time.Time
}

// Store is the durable message log. AppendMessage must return only after the
// record is committed; the pipeline broadcasts nothing it failed to persist.
type Store interface {
	AppendMessage(ctx context.Context, rec Record) error
	TombstoneMessage(ctx context.Context, roomID string, messageID int64) error
}

// RateLimiter throttles message posting per session.
type RateLimiter interface {
	Allow(ctx context.Context, sessionID string) (bool, error)
}

// Sealer prepares message content for storage and relay. Deployments running
// end-to-end encrypted rooms seal on the client and pass ciphertext through;
// the server-side sealer is for rooms where the server holds the room key.
type Sealer interface {
	Seal(roomID, plaintext string) (content string, encrypted bool, err error)
}

// PassthroughSealer relays content unchanged for client-sealed rooms.
type PassthroughSealer struct{}

func (PassthroughSealer) Seal(roomID, plaintext string) (string, bool, error) {
	return plaintext, false, nil
}

// CrisisHandler consumes a positive detection, synchronously with the post
// that produced it. The moderation engine implements this to open an
// escalated report before the triggering message is acknowledged.
type CrisisHandler interface {
	HandleCrisis(ctx context.Context, ev *crisis.Event) error
}

// FlagDetectorError marks a message whose content could not be scanned, so a
// later audit can re-examine it instead of the failure silently widening the
// blast radius of a detector bug.
const FlagDetectorError = "audit:detector-error"

// Pipeline runs every posted message through the full ingest sequence:
// validate, check membership, rate limit, classify, seal, reserve ids,
// persist, hand off crisis events, broadcast. Reactions, read receipts, and
// moderation removals also go through here so the in-memory ledgers and the
// store stay consistent.
type Pipeline struct {
	registry *room.Registry
	detector crisis.Classifier
	store    Store
	limiter  RateLimiter
	sealer   Sealer
	crises   CrisisHandler
	buffer   *MessageBuffer

	mu     sync.RWMutex
	byRoom map[string]map[int64]*Message
}

// NewPipeline wires a pipeline. detector, limiter, crises, and buffer may be
// nil; the corresponding stage is skipped.
func NewPipeline(registry *room.Registry, detector crisis.Classifier, store Store, limiter RateLimiter, sealer Sealer, crises CrisisHandler, buffer *MessageBuffer) *Pipeline {
	if sealer == nil {
		sealer = PassthroughSealer{}
	}
	return &Pipeline{
		registry: registry,
		detector: detector,
		store:    store,
		limiter:  limiter,
		sealer:   sealer,
		crises:   crises,
		buffer:   buffer,
		byRoom:   make(map[string]map[int64]*Message),
	}
}

// Post ingests one message from a room member. On success the message has
// been persisted and queued for every subscriber in id order, and any crisis
// alert it triggered is pinned to the id immediately after it.
func (p *Pipeline) Post(ctx context.Context, roomID, sessionID, nickname, text string) (*Message, error) {
	start := time.Now()

	text = strings.TrimSpace(text)
	if text == "" {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, ErrEmptyMessage
	}
	if err := ValidateContent(text); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	info, ok := p.registry.RoomInfo(roomID)
	if !ok || !p.registry.IsMember(roomID, sessionID) {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: session %s in room %s", ErrNotAMember, sessionID, roomID)
	}

	if p.limiter != nil {
		allowed, err := p.limiter.Allow(ctx, sessionID)
		if err != nil {
			// Limiter fails open; the error is already logged at its source.
			allowed = true
		}
		if !allowed {
			metrics.MessagesTotal.WithLabelValues("blocked").Inc()
			return nil, ErrRateLimited
		}
	}

	// Classification runs on plaintext before any id is assigned. The
	// detector is pure, so ordering relative to other posts is unobservable
	// until reservation, and a detector failure never drops the message.
	var ev *crisis.Event
	var detectErr error
	if p.detector != nil {
		ev, detectErr = p.detector.Classify(text, crisis.Context{
			RoomID:          roomID,
			RoomKind:        info.Kind,
			SenderSessionID: sessionID,
		})
		if detectErr != nil {
			log.Printf("[chat] crisis detector error room=%s: %v (failing open)", roomID, detectErr)
		}
	}

	content, encrypted, err := p.sealer.Seal(roomID, text)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("chat: seal message: %w", err)
	}

	// A high or critical detection reserves two consecutive ids so the
	// in-room alert lands immediately after the triggering message.
	slots := 1
	alert := ev != nil && ev.Severity.Rank() >= crisis.SeverityHigh.Rank()
	if alert {
		slots = 2
	}
	ticket, err := p.registry.Reserve(roomID, slots)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %v", ErrNotAMember, err)
	}

	msg := newMessage(ticket.FirstID, roomID, sessionID, content, utf8.RuneCountInString(text), encrypted, TypeText)
	if detectErr != nil {
		msg.AddFlag(FlagDetectorError)
	}

	if p.store != nil {
		if err := p.store.AppendMessage(ctx, recordOf(msg)); err != nil {
			p.registry.Abort(ticket)
			metrics.MessagesTotal.WithLabelValues("failed").Inc()
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}

	p.index(msg)
	if p.buffer != nil {
		p.buffer.Add(roomID, BufferedMessage{
			MessageID: uint64(msg.ID),
			RoomID:    roomID,
			SessionID: sessionID,
			Plaintext: text,
			Ts:        msg.Timestamp.Unix(),
		})
	}

	payloads := make([][]byte, 0, slots)
	payloads = append(payloads, mustServerMessage(msg, nickname))

	if ev != nil {
		ev.SourceMessageID = msg.ID
		metrics.CrisisDetectionsTotal.WithLabelValues(string(ev.Severity)).Inc()
	}
	if alert {
		alertMsg := newMessage(ticket.FirstID+1, roomID, "", alertText(ev.Severity), 0, false, TypeCrisisAlert)
		if p.store != nil {
			if err := p.store.AppendMessage(ctx, recordOf(alertMsg)); err != nil {
				// The triggering message is already committed; deliver the
				// alert anyway and leave the gap to the audit log.
				log.Printf("[chat] persist crisis alert room=%s id=%d: %v", roomID, alertMsg.ID, err)
			}
		}
		p.index(alertMsg)
		raw, err := protocol.NewServerMessage(protocol.TypeCrisisAlert, protocol.CrisisAlertMsg{
			RoomID:    roomID,
			MessageID: alertMsg.ID,
			Severity:  string(ev.Severity),
			Text:      alertMsg.Content,
			Ts:        alertMsg.Timestamp.Unix(),
		})
		if err != nil {
			log.Printf("[chat] encode crisis alert room=%s: %v", roomID, err)
			raw = []byte(`{"type":"crisis_alert"}`)
		}
		payloads = append(payloads, raw)
	}

	// Crisis hand-off happens before the broadcast so the report exists by
	// the time any moderator client sees the message.
	if ev != nil && p.crises != nil {
		if err := p.crises.HandleCrisis(ctx, ev); err != nil {
			log.Printf("[chat] crisis hand-off room=%s msg=%d: %v", roomID, msg.ID, err)
		}
	}

	if err := p.registry.Complete(ticket, payloads); err != nil {
		return nil, err
	}

	metrics.MessagesTotal.WithLabelValues("posted").Inc()
	metrics.MessageLatency.Observe(time.Since(start).Seconds())
	return msg, nil
}

// React toggles the session's reaction on a message and relays the outcome
// to the room. Reactions are ephemeral state; they are not persisted.
func (p *Pipeline) React(ctx context.Context, roomID, sessionID string, messageID int64, kind string) (present bool, count int, err error) {
	if !p.registry.IsMember(roomID, sessionID) {
		return false, 0, fmt.Errorf("%w: session %s in room %s", ErrNotAMember, sessionID, roomID)
	}
	msg, err := p.Lookup(roomID, messageID)
	if err != nil {
		return false, 0, err
	}
	present, count = msg.ToggleReaction(kind, sessionID)

	raw, err := protocol.NewServerMessage(protocol.TypeReactionAdded, protocol.ReactionAddedMsg{
		RoomID:    roomID,
		MessageID: messageID,
		Reaction:  kind,
		From:      sessionID,
		Present:   present,
		Count:     count,
	})
	if err != nil {
		return present, count, err
	}
	p.registry.Broadcast(roomID, raw, "")
	return present, count, nil
}

// MarkRead merges the session into the message's read set. The receipt is
// relayed only on the first read; repeats are acknowledged silently.
func (p *Pipeline) MarkRead(ctx context.Context, roomID, sessionID string, messageID int64) error {
	if !p.registry.IsMember(roomID, sessionID) {
		return fmt.Errorf("%w: session %s in room %s", ErrNotAMember, sessionID, roomID)
	}
	msg, err := p.Lookup(roomID, messageID)
	if err != nil {
		return err
	}
	if !msg.MarkRead(sessionID) {
		return nil
	}

	raw, err := protocol.NewServerMessage(protocol.TypeReadReceipt, protocol.ReadReceiptMsg{
		RoomID:    roomID,
		MessageID: messageID,
		From:      sessionID,
	})
	if err != nil {
		return err
	}
	p.registry.Broadcast(roomID, raw, sessionID)
	return nil
}

// Remove tombstones a message on behalf of moderation: the ledger entry is
// replaced by the removal marker, the store row is redacted, the scan buffer
// forgets the plaintext, and the room is told to re-render.
func (p *Pipeline) Remove(ctx context.Context, roomID string, messageID int64) error {
	msg, err := p.Lookup(roomID, messageID)
	if err != nil {
		return err
	}
	if !msg.Tombstone() {
		return nil // already removed
	}
	if p.store != nil {
		if err := p.store.TombstoneMessage(ctx, roomID, messageID); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}
	if p.buffer != nil {
		p.buffer.Drop(roomID, uint64(messageID))
	}

	raw, err := protocol.NewServerMessage(protocol.TypeEnforcementApplied, protocol.EnforcementAppliedMsg{
		Action:  "content-removed",
		RoomID:  roomID,
		Message: TombstoneMarker,
	})
	if err != nil {
		return err
	}
	p.registry.Broadcast(roomID, raw, "")
	return nil
}

// Lookup returns the in-memory message ledger entry for a room message.
func (p *Pipeline) Lookup(roomID string, messageID int64) (*Message, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	msgs, ok := p.byRoom[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: room %s message %d", ErrUnknownMessage, roomID, messageID)
	}
	msg, ok := msgs[messageID]
	if !ok {
		return nil, fmt.Errorf("%w: room %s message %d", ErrUnknownMessage, roomID, messageID)
	}
	return msg, nil
}

// ForgetRoom drops the room's in-memory ledger, called when the registry
// drops an empty room.
func (p *Pipeline) ForgetRoom(roomID string) {
	p.mu.Lock()
	delete(p.byRoom, roomID)
	p.mu.Unlock()
	if p.buffer != nil {
		p.buffer.Remove(roomID)
	}
}

func (p *Pipeline) index(msg *Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs, ok := p.byRoom[msg.RoomID]
	if !ok {
		msgs = make(map[int64]*Message)
		p.byRoom[msg.RoomID] = msgs
	}
	msgs[msg.ID] = msg
}

func recordOf(m *Message) Record {
	return Record{
		MessageID:   m.ID,
		RoomID:      m.RoomID,
		SessionID:   m.SenderSessionID,
		Content:     m.Content,
		PlainLen:    m.PlainLen,
		IsEncrypted: m.IsEncrypted,
		Type:        m.Type,
		Flags:       m.Snapshot().ModerationFlags,
		Ts:          m.Timestamp,
	}
}

func mustServerMessage(m *Message, nickname string) []byte {
	raw, err := protocol.NewServerMessage(protocol.TypeMessage, protocol.ServerMessageMsg{
		RoomID:      m.RoomID,
		MessageID:   m.ID,
		From:        m.SenderSessionID,
		Nickname:    nickname,
		Content:     m.Content,
		PlainLen:    m.PlainLen,
		Ts:          m.Timestamp.Unix(),
		IsEncrypted: m.IsEncrypted,
		MessageType: m.Type,
	})
	if err != nil {
		log.Printf("[chat] encode message room=%s id=%d: %v", m.RoomID, m.ID, err)
		return []byte(`{"type":"message"}`)
	}
	return raw
}

// alertText is the in-room support notice attached to a high or critical
// detection. It deliberately avoids quoting the triggering content.
func alertText(sev crisis.Severity) string {
	if sev == crisis.SeverityCritical {
		return "It sounds like someone here may be going through a very hard moment. " +
			"If you or anyone in this room is in immediate danger, please contact local " +
			"emergency services or a crisis line right now. A moderator has been notified " +
			"and support resources are available in the Help tab."
	}
	return "A recent message in this room may indicate someone is struggling. " +
		"You are not alone here. Support resources are available in the Help tab, " +
		"and a moderator has been notified."
}
