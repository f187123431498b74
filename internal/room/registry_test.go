package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/havensupport/support-chat/internal/identity"
	"github.com/havensupport/support-chat/internal/protocol"
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

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
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

// messageIDs extracts message_id values of frames with the given type, in
// delivery order.
func (c *captureSender) messageIDs(t *testing.T, msgType string) []int64 {
	t.Helper()
	var ids []int64
	for _, m := range c.decoded(t) {
		if m["type"] == msgType {
			ids = append(ids, int64(m["message_id"].(float64)))
		}
	}
	return ids
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

func participant(n int) identity.Participant {
	return identity.Participant{
		SessionID: fmt.Sprintf("sess-%d", n),
		Nickname:  fmt.Sprintf("anon-%d", n),
	}
}

func messagePayload(t *testing.T, roomID string, id int64) []byte {
	t.Helper()
	data, err := protocol.NewServerMessage(protocol.TypeMessage, protocol.ServerMessageMsg{
		RoomID:    roomID,
		MessageID: id,
	})
	if err != nil {
		t.Fatalf("NewServerMessage: %v", err)
	}
	return data
}

func TestJoinLeaveCounts(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	defer r.Shutdown()

	_, count, err := r.Join("room-1", participant(1), &captureSender{})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if count != 1 {
		t.Errorf("count after first join = %d, want 1", count)
	}

	_, count, err = r.Join("room-1", participant(2), &captureSender{})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if count != 2 {
		t.Errorf("count after second join = %d, want 2", count)
	}

	count, left := r.Leave("room-1", "sess-1")
	if !left || count != 1 {
		t.Errorf("Leave = (%d, %v), want (1, true)", count, left)
	}

	// Leave is idempotent.
	count, left = r.Leave("room-1", "sess-1")
	if left {
		t.Errorf("second Leave reported left=true, want false (count=%d)", count)
	}

	if r.IsMember("room-1", "sess-1") {
		t.Error("sess-1 still a member after leave")
	}
	if !r.IsMember("room-1", "sess-2") {
		t.Error("sess-2 should still be a member")
	}
}

func TestPeerRoomHoldsTwoMembers(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	defer r.Shutdown()

	if _, _, err := r.JoinPeer("peer-1", 0.8, participant(1), &captureSender{}); err != nil {
		t.Fatalf("JoinPeer: %v", err)
	}
	if _, _, err := r.JoinPeer("peer-1", 0.8, participant(2), &captureSender{}); err != nil {
		t.Fatalf("JoinPeer: %v", err)
	}
	if _, _, err := r.JoinPeer("peer-1", 0.8, participant(3), &captureSender{}); !errors.Is(err, ErrPeerRoomFull) {
		t.Errorf("third JoinPeer err = %v, want ErrPeerRoomFull", err)
	}

	info, ok := r.RoomInfo("peer-1")
	if !ok {
		t.Fatal("RoomInfo: room missing")
	}
	if info.Kind != KindPeerMatch || info.Score != 0.8 || info.Count != 2 {
		t.Errorf("RoomInfo = %+v, want peer-match/0.8/2", info)
	}
}

func TestPresenceEventsBroadcast(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	defer r.Shutdown()

	first := &captureSender{}
	r.Join("room-1", participant(1), first)
	r.Join("room-1", participant(2), &captureSender{})

	// The first member sees the second join.
	waitFor(t, time.Second, func() bool { return first.count() >= 1 })
	frames := first.decoded(t)
	if frames[0]["type"] != protocol.TypeUserJoined {
		t.Errorf("first frame type = %v, want user_joined", frames[0]["type"])
	}

	r.Leave("room-1", "sess-2")
	waitFor(t, time.Second, func() bool { return first.count() >= 2 })
	frames = first.decoded(t)
	if frames[1]["type"] != protocol.TypeUserLeft {
		t.Errorf("second frame type = %v, want user_left", frames[1]["type"])
	}
}

func TestDetachAllLeavesEveryRoom(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	defer r.Shutdown()

	r.Join("room-a", participant(1), &captureSender{})
	r.Join("room-b", participant(1), &captureSender{})
	r.Join("room-a", participant(2), &captureSender{})

	rooms := r.DetachAll("sess-1")
	if len(rooms) != 2 {
		t.Fatalf("DetachAll returned %d rooms, want 2", len(rooms))
	}
	if r.IsMember("room-a", "sess-1") || r.IsMember("room-b", "sess-1") {
		t.Error("sess-1 still attached after DetachAll")
	}
	if !r.IsMember("room-a", "sess-2") {
		t.Error("DetachAll removed the wrong participant")
	}
}

func TestReserveAssignsMonotonicIDs(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	defer r.Shutdown()
	r.Join("room-1", participant(1), &captureSender{})

	t1, err := r.Reserve("room-1", 1)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	t2, err := r.Reserve("room-1", 2)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	t3, err := r.Reserve("room-1", 1)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if t1.FirstID != 1 || t2.FirstID != 2 || t3.FirstID != 4 {
		t.Errorf("ids = %d, %d, %d; want 1, 2, 4", t1.FirstID, t2.FirstID, t3.FirstID)
	}
}

func TestOutboxDeliversInIDOrder(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	defer r.Shutdown()

	sub := &captureSender{}
	r.Join("room-1", participant(1), sub)

	t1, _ := r.Reserve("room-1", 1)
	t2, _ := r.Reserve("room-1", 1)

	// Complete out of reservation order: t2 must wait behind t1.
	if err := r.Complete(t2, [][]byte{messagePayload(t, "room-1", t2.FirstID)}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if sub.count() != 0 {
		t.Fatalf("ticket 2 delivered before ticket 1")
	}
	if err := r.Complete(t1, [][]byte{messagePayload(t, "room-1", t1.FirstID)}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	waitFor(t, time.Second, func() bool { return sub.count() == 2 })
	ids := sub.messageIDs(t, protocol.TypeMessage)
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Errorf("delivered ids = %v, want [1 2]", ids)
	}
}

func TestOutboxSkipsAbortedTickets(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	defer r.Shutdown()

	sub := &captureSender{}
	r.Join("room-1", participant(1), sub)

	t1, _ := r.Reserve("room-1", 1)
	t2, _ := r.Reserve("room-1", 1)

	r.Complete(t2, [][]byte{messagePayload(t, "room-1", t2.FirstID)})
	r.Abort(t1)

	waitFor(t, time.Second, func() bool { return sub.count() == 1 })
	ids := sub.messageIDs(t, protocol.TypeMessage)
	if len(ids) != 1 || ids[0] != 2 {
		t.Errorf("delivered ids = %v, want [2] (aborted id 1 never visible)", ids)
	}
}

func TestTwoSlotTicketDeliversAdjacently(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	defer r.Shutdown()

	sub := &captureSender{}
	r.Join("room-1", participant(1), sub)

	tk, _ := r.Reserve("room-1", 2)
	r.Complete(tk, [][]byte{
		messagePayload(t, "room-1", tk.FirstID),
		messagePayload(t, "room-1", tk.FirstID+1),
	})

	waitFor(t, time.Second, func() bool { return sub.count() == 2 })
	ids := sub.messageIDs(t, protocol.TypeMessage)
	if len(ids) != 2 || ids[1] != ids[0]+1 {
		t.Errorf("two-slot ticket ids = %v, want consecutive", ids)
	}
}

func TestConcurrentPostsDeliverIdenticalOrder(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	defer r.Shutdown()

	a := &captureSender{}
	b := &captureSender{}
	r.Join("room-1", participant(1), a)
	r.Join("room-1", participant(2), b)

	const posts = 50
	var wg sync.WaitGroup
	for i := 0; i < posts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk, err := r.Reserve("room-1", 1)
			if err != nil {
				t.Errorf("Reserve: %v", err)
				return
			}
			r.Complete(tk, [][]byte{messagePayload(t, "room-1", tk.FirstID)})
		}()
	}
	wg.Wait()

	waitFor(t, 2*time.Second, func() bool {
		return len(a.messageIDs(t, protocol.TypeMessage)) == posts &&
			len(b.messageIDs(t, protocol.TypeMessage)) == posts
	})

	idsA := a.messageIDs(t, protocol.TypeMessage)
	idsB := b.messageIDs(t, protocol.TypeMessage)
	for i := range idsA {
		if idsA[i] != int64(i+1) {
			t.Fatalf("subscriber A out of order at %d: %v", i, idsA)
		}
		if idsB[i] != idsA[i] {
			t.Fatalf("subscribers diverge at %d: %d vs %d", i, idsA[i], idsB[i])
		}
	}
}

func TestTypingAutoExpiry(t *testing.T) {
	config := DefaultConfig()
	config.TypingTimeout = 30 * time.Millisecond
	r := NewRegistry(config)
	defer r.Shutdown()

	watcher := &captureSender{}
	r.Join("room-1", participant(1), &captureSender{})
	r.Join("room-1", participant(2), watcher)

	r.SetTyping("room-1", "sess-1", true)
	waitFor(t, time.Second, func() bool { return r.IsTyping("room-1", "sess-1") })

	// No further call from the sender: expiry must broadcast the stop.
	waitFor(t, time.Second, func() bool { return !r.IsTyping("room-1", "sess-1") })

	var sawStart, sawStop bool
	for _, m := range watcher.decoded(t) {
		if m["type"] == protocol.TypeTyping {
			if m["is_typing"] == true {
				sawStart = true
			} else {
				sawStop = true
			}
		}
	}
	if !sawStart || !sawStop {
		t.Errorf("watcher saw start=%v stop=%v, want both", sawStart, sawStop)
	}
}

func TestTypingStopDoesNotResurrect(t *testing.T) {
	config := DefaultConfig()
	config.TypingTimeout = 30 * time.Millisecond
	r := NewRegistry(config)
	defer r.Shutdown()

	r.Join("room-1", participant(1), &captureSender{})

	r.SetTyping("room-1", "sess-1", true)
	r.SetTyping("room-1", "sess-1", false)
	if r.IsTyping("room-1", "sess-1") {
		t.Fatal("explicit stop ignored")
	}

	// The original timer fires after the stop; the indicator must stay off.
	time.Sleep(60 * time.Millisecond)
	if r.IsTyping("room-1", "sess-1") {
		t.Error("expired timer resurrected a stopped indicator")
	}
}

func TestTypingRenewalExtendsWithoutRebroadcast(t *testing.T) {
	config := DefaultConfig()
	config.TypingTimeout = 50 * time.Millisecond
	r := NewRegistry(config)
	defer r.Shutdown()

	watcher := &captureSender{}
	r.Join("room-1", participant(1), &captureSender{})
	r.Join("room-1", participant(2), watcher)

	r.SetTyping("room-1", "sess-1", true)
	time.Sleep(30 * time.Millisecond)
	r.SetTyping("room-1", "sess-1", true) // renewal
	time.Sleep(30 * time.Millisecond)

	// 60ms after the first set, but only 30ms after renewal: still typing.
	if !r.IsTyping("room-1", "sess-1") {
		t.Error("renewal did not extend the indicator")
	}

	starts := 0
	for _, m := range watcher.decoded(t) {
		if m["type"] == protocol.TypeTyping && m["is_typing"] == true {
			starts++
		}
	}
	if starts != 1 {
		t.Errorf("renewal broadcast %d starts, want 1", starts)
	}
}

func TestEmptyRoomDroppedAfterGrace(t *testing.T) {
	config := DefaultConfig()
	config.EmptyGrace = 30 * time.Millisecond
	r := NewRegistry(config)
	defer r.Shutdown()

	r.Join("room-1", participant(1), &captureSender{})
	r.Leave("room-1", "sess-1")

	if r.ActiveRooms() != 1 {
		t.Fatal("room dropped before grace period")
	}
	waitFor(t, time.Second, func() bool { return r.ActiveRooms() == 0 })
}

func TestRejoinDuringGraceKeepsRoom(t *testing.T) {
	config := DefaultConfig()
	config.EmptyGrace = 40 * time.Millisecond
	r := NewRegistry(config)
	defer r.Shutdown()

	r.Join("room-1", participant(1), &captureSender{})
	r.Leave("room-1", "sess-1")
	r.Join("room-1", participant(2), &captureSender{})

	time.Sleep(80 * time.Millisecond)
	if r.ActiveRooms() != 1 {
		t.Error("grace timer dropped a room that was rejoined")
	}
	if !r.IsMember("room-1", "sess-2") {
		t.Error("rejoined member missing")
	}
}

func TestShutdownRejectsJoins(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	r.Join("room-1", participant(1), &captureSender{})
	r.Shutdown()

	if _, _, err := r.Join("room-2", participant(2), &captureSender{}); !errors.Is(err, ErrShutdown) {
		t.Errorf("Join after shutdown err = %v, want ErrShutdown", err)
	}
	if r.ActiveRooms() != 0 {
		t.Error("rooms survived shutdown")
	}
}
