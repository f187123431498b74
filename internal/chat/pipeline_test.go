package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/havensupport/support-chat/internal/crisis"
	"github.com/havensupport/support-chat/internal/identity"
	"github.com/havensupport/support-chat/internal/room"
)

// captureSender records every frame delivered to a subscription.
type captureSender struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *captureSender) Send(data []byte) error {
	c.mu.Lock()
	c.frames = append(c.frames, data)
	c.mu.Unlock()
	return nil
}

// decoded returns the frames as generic maps for field inspection.
func (c *captureSender) decoded(t *testing.T) []map[string]interface{} {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]map[string]interface{}, 0, len(c.frames))
	for _, f := range c.frames {
		var m map[string]interface{}
		if err := json.Unmarshal(f, &m); err != nil {
			t.Fatalf("frame is not valid JSON: %v", err)
		}
		out = append(out, m)
	}
	return out
}

// ofType filters decoded frames by their type discriminator.
func (c *captureSender) ofType(t *testing.T, msgType string) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, m := range c.decoded(t) {
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// memStore is an in-memory Store with injectable failures.
type memStore struct {
	mu         sync.Mutex
	records    []Record
	tombstoned []int64
	failAppend error
}

func (s *memStore) AppendMessage(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend != nil {
		return s.failAppend
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *memStore) TombstoneMessage(ctx context.Context, roomID string, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tombstoned = append(s.tombstoned, messageID)
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// denyLimiter rejects every request.
type denyLimiter struct{}

func (denyLimiter) Allow(ctx context.Context, sessionID string) (bool, error) {
	return false, nil
}

// captureCrisis records hand-offs from the pipeline.
type captureCrisis struct {
	mu     sync.Mutex
	events []*crisis.Event
}

func (c *captureCrisis) HandleCrisis(ctx context.Context, ev *crisis.Event) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

// failingClassifier simulates a broken detector.
type failingClassifier struct{}

func (failingClassifier) Classify(plaintext string, ctx crisis.Context) (*crisis.Event, error) {
	return nil, errors.New("indicator list unavailable")
}

func newTestPipeline(t *testing.T, members int) (*Pipeline, *room.Registry, *memStore, *captureCrisis, []*captureSender) {
	t.Helper()

	registry := room.NewRegistry(room.DefaultConfig())
	t.Cleanup(registry.Shutdown)

	store := &memStore{}
	crises := &captureCrisis{}
	detector := crisis.NewDetector(crisis.DefaultIndicators())
	p := NewPipeline(registry, detector, store, nil, nil, crises, NewMessageBuffer())

	senders := make([]*captureSender, members)
	for i := 0; i < members; i++ {
		senders[i] = &captureSender{}
		member := identity.Participant{
			SessionID: fmt.Sprintf("sess-%d", i),
			Nickname:  fmt.Sprintf("anon-%d", i),
		}
		if _, _, err := registry.Join("room-1", member, senders[i]); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	return p, registry, store, crises, senders
}

func TestPostDeliversToAllMembers(t *testing.T) {
	p, _, store, _, senders := newTestPipeline(t, 2)

	msg, err := p.Post(context.Background(), "room-1", "sess-0", "anon-0", "rough day but hanging in")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if msg.ID != 1 {
		t.Errorf("first message id = %d, want 1", msg.ID)
	}
	if store.count() != 1 {
		t.Errorf("persisted %d records, want 1", store.count())
	}

	for i, s := range senders {
		s := s
		waitFor(t, time.Second, func() bool { return len(s.ofType(t, "message")) == 1 })
		got := s.ofType(t, "message")[0]
		if got["content"] != "rough day but hanging in" {
			t.Errorf("sender %d content = %v", i, got["content"])
		}
		if int64(got["message_id"].(float64)) != 1 {
			t.Errorf("sender %d message_id = %v, want 1", i, got["message_id"])
		}
	}
}

func TestPostValidation(t *testing.T) {
	p, _, store, _, _ := newTestPipeline(t, 1)

	for _, text := range []string{"", "   ", " \n\t "} {
		if _, err := p.Post(context.Background(), "room-1", "sess-0", "anon-0", text); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("post(%q) error = %v, want ErrEmptyMessage", text, err)
		}
	}

	long := make([]byte, MaxMessageBytes+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := p.Post(context.Background(), "room-1", "sess-0", "anon-0", string(long)); !errors.Is(err, ErrMessageTooLong) {
		t.Errorf("oversized post error = %v, want ErrMessageTooLong", err)
	}

	if store.count() != 0 {
		t.Errorf("rejected posts persisted %d records", store.count())
	}
}

func TestPostRequiresMembership(t *testing.T) {
	p, _, _, _, _ := newTestPipeline(t, 1)

	if _, err := p.Post(context.Background(), "room-1", "stranger", "x", "hi"); !errors.Is(err, ErrNotAMember) {
		t.Errorf("non-member post error = %v, want ErrNotAMember", err)
	}
	if _, err := p.Post(context.Background(), "no-such-room", "sess-0", "anon-0", "hi"); !errors.Is(err, ErrNotAMember) {
		t.Errorf("unknown room post error = %v, want ErrNotAMember", err)
	}
}

func TestPostRateLimited(t *testing.T) {
	registry := room.NewRegistry(room.DefaultConfig())
	t.Cleanup(registry.Shutdown)
	store := &memStore{}
	p := NewPipeline(registry, nil, store, denyLimiter{}, nil, nil, nil)

	sender := &captureSender{}
	if _, _, err := registry.Join("room-1", identity.Participant{SessionID: "sess-0"}, sender); err != nil {
		t.Fatalf("join: %v", err)
	}

	if _, err := p.Post(context.Background(), "room-1", "sess-0", "anon-0", "hello"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("post error = %v, want ErrRateLimited", err)
	}
	if store.count() != 0 {
		t.Error("rate limited post was persisted")
	}
}

func TestPostPersistFailureAbortsDelivery(t *testing.T) {
	p, _, store, _, senders := newTestPipeline(t, 1)

	store.failAppend = errors.New("connection refused")
	if _, err := p.Post(context.Background(), "room-1", "sess-0", "anon-0", "hello"); !errors.Is(err, ErrPersistence) {
		t.Fatalf("post error = %v, want ErrPersistence", err)
	}

	// The failed post's id is burned but never observed; the next post
	// continues the sequence and delivers normally.
	store.failAppend = nil
	msg, err := p.Post(context.Background(), "room-1", "sess-0", "anon-0", "retry")
	if err != nil {
		t.Fatalf("retry post: %v", err)
	}
	if msg.ID != 2 {
		t.Errorf("retry id = %d, want 2", msg.ID)
	}

	s := senders[0]
	waitFor(t, time.Second, func() bool { return len(s.ofType(t, "message")) == 1 })
	if got := s.ofType(t, "message"); got[0]["content"] != "retry" {
		t.Errorf("delivered content = %v, want only the retry", got[0]["content"])
	}
}

func TestCrisisAlertPinnedAfterTrigger(t *testing.T) {
	p, _, store, crises, senders := newTestPipeline(t, 2)

	msg, err := p.Post(context.Background(), "room-1", "sess-0", "anon-0", "i want to kill myself")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if msg.ID != 1 {
		t.Fatalf("trigger id = %d, want 1", msg.ID)
	}

	for _, s := range senders {
		s := s
		waitFor(t, time.Second, func() bool { return len(s.decoded(t)) >= 2 })
		frames := s.decoded(t)
		// Presence frames from join precede the post; find the trigger and
		// check the alert is the very next frame.
		var idx = -1
		for i, f := range frames {
			if f["type"] == "message" {
				idx = i
				break
			}
		}
		if idx < 0 || idx+1 >= len(frames) {
			t.Fatalf("no message+alert pair in %d frames", len(frames))
		}
		alert := frames[idx+1]
		if alert["type"] != "crisis_alert" {
			t.Fatalf("frame after trigger = %v, want crisis_alert", alert["type"])
		}
		if int64(alert["message_id"].(float64)) != 2 {
			t.Errorf("alert message_id = %v, want 2", alert["message_id"])
		}
		if alert["severity"] != "critical" {
			t.Errorf("alert severity = %v, want critical", alert["severity"])
		}
	}

	if store.count() != 2 {
		t.Errorf("persisted %d records, want trigger + alert", store.count())
	}

	crises.mu.Lock()
	defer crises.mu.Unlock()
	if len(crises.events) != 1 {
		t.Fatalf("crisis hand-offs = %d, want 1", len(crises.events))
	}
	ev := crises.events[0]
	if ev.SourceMessageID != 1 || ev.Severity != crisis.SeverityCritical {
		t.Errorf("event = {source=%d severity=%s}, want {1 critical}", ev.SourceMessageID, ev.Severity)
	}
}

func TestModerateSeverityHandedOffWithoutAlert(t *testing.T) {
	p, _, store, crises, senders := newTestPipeline(t, 1)

	if _, err := p.Post(context.Background(), "room-1", "sess-0", "anon-0", "feeling hopeless today"); err != nil {
		t.Fatalf("post: %v", err)
	}

	s := senders[0]
	waitFor(t, time.Second, func() bool { return len(s.ofType(t, "message")) == 1 })
	if alerts := s.ofType(t, "crisis_alert"); len(alerts) != 0 {
		t.Errorf("moderate severity produced %d in-room alerts", len(alerts))
	}
	if store.count() != 1 {
		t.Errorf("persisted %d records, want 1", store.count())
	}

	crises.mu.Lock()
	defer crises.mu.Unlock()
	if len(crises.events) != 1 {
		t.Fatalf("crisis hand-offs = %d, want 1", len(crises.events))
	}
}

func TestDetectorErrorFailsOpen(t *testing.T) {
	registry := room.NewRegistry(room.DefaultConfig())
	t.Cleanup(registry.Shutdown)
	store := &memStore{}
	p := NewPipeline(registry, failingClassifier{}, store, nil, nil, nil, nil)

	sender := &captureSender{}
	if _, _, err := registry.Join("room-1", identity.Participant{SessionID: "sess-0"}, sender); err != nil {
		t.Fatalf("join: %v", err)
	}

	msg, err := p.Post(context.Background(), "room-1", "sess-0", "anon-0", "hello")
	if err != nil {
		t.Fatalf("post with broken detector: %v", err)
	}
	if !msg.HasFlag(FlagDetectorError) {
		t.Error("message missing the detector-error audit flag")
	}
	waitFor(t, time.Second, func() bool { return len(sender.ofType(t, "message")) == 1 })
}

func TestReactToggle(t *testing.T) {
	p, _, _, _, senders := newTestPipeline(t, 2)

	msg, err := p.Post(context.Background(), "room-1", "sess-0", "anon-0", "hello")
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	present, count, err := p.React(context.Background(), "room-1", "sess-1", msg.ID, "heart")
	if err != nil {
		t.Fatalf("react: %v", err)
	}
	if !present || count != 1 {
		t.Errorf("first toggle = (%v, %d), want (true, 1)", present, count)
	}

	present, count, err = p.React(context.Background(), "room-1", "sess-1", msg.ID, "heart")
	if err != nil {
		t.Fatalf("second react: %v", err)
	}
	if present || count != 0 {
		t.Errorf("second toggle = (%v, %d), want (false, 0)", present, count)
	}

	s := senders[0]
	waitFor(t, time.Second, func() bool { return len(s.ofType(t, "reaction_added")) == 2 })

	if _, _, err := p.React(context.Background(), "room-1", "sess-1", 99, "heart"); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("react to unknown message error = %v, want ErrUnknownMessage", err)
	}
}

func TestMarkReadBroadcastOnce(t *testing.T) {
	p, _, _, _, senders := newTestPipeline(t, 2)

	msg, err := p.Post(context.Background(), "room-1", "sess-0", "anon-0", "hello")
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := p.MarkRead(context.Background(), "room-1", "sess-1", msg.ID); err != nil {
			t.Fatalf("mark read: %v", err)
		}
	}

	s := senders[0]
	waitFor(t, time.Second, func() bool { return len(s.ofType(t, "read_receipt")) >= 1 })
	time.Sleep(20 * time.Millisecond)
	if got := len(s.ofType(t, "read_receipt")); got != 1 {
		t.Errorf("read receipts broadcast %d times, want 1", got)
	}
}

func TestRemoveTombstonesMessage(t *testing.T) {
	p, _, store, _, senders := newTestPipeline(t, 2)

	msg, err := p.Post(context.Background(), "room-1", "sess-0", "anon-0", "something awful")
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	if err := p.Remove(context.Background(), "room-1", msg.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !msg.Tombstoned() {
		t.Error("message not tombstoned")
	}
	if len(store.tombstoned) != 1 || store.tombstoned[0] != msg.ID {
		t.Errorf("store tombstones = %v, want [%d]", store.tombstoned, msg.ID)
	}

	s := senders[1]
	waitFor(t, time.Second, func() bool { return len(s.ofType(t, "enforcement_applied")) == 1 })
	got := s.ofType(t, "enforcement_applied")[0]
	if got["action"] != "content-removed" {
		t.Errorf("action = %v, want content-removed", got["action"])
	}
	if got["message"] != TombstoneMarker {
		t.Errorf("message = %v, want the tombstone marker", got["message"])
	}

	// Second removal is a no-op, not an error.
	if err := p.Remove(context.Background(), "room-1", msg.ID); err != nil {
		t.Fatalf("repeat remove: %v", err)
	}
	if len(store.tombstoned) != 1 {
		t.Errorf("repeat remove hit the store again: %v", store.tombstoned)
	}
}
