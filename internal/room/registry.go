// Package room implements the presence and room registry: which participants
// are attached to which rooms, their typing state, and ordered broadcast
// fan-out. The registry is an explicit instance scoped to the process with a
// Shutdown that drains all subscriptions; there are no package-level maps.
//
// Ordering model: every subscription owns an event queue consumed by exactly
// one delivery loop, so events enqueued to a subscription are delivered in
// enqueue order. Room messages additionally pass through a per-room outbox of
// id-ordered tickets, so the delivered message order equals the id assignment
// order for every subscriber attached at delivery time.
package room

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/havensupport/support-chat/internal/identity"
	"github.com/havensupport/support-chat/internal/metrics"
	"github.com/havensupport/support-chat/internal/protocol"
)

// Room kinds.
const (
	KindGroup     = "group"
	KindPeerMatch = "peer-match"
)

const (
	// subscriptionQueueSize bounds each subscription's event queue. A
	// subscriber that falls this far behind is dropped rather than allowed
	// to block or reorder delivery for the rest of the room.
	subscriptionQueueSize = 64

	// DefaultTypingTimeout is how long a typing indicator stays on without
	// renewal.
	DefaultTypingTimeout = 2 * time.Second

	// DefaultEmptyGrace is how long an empty room survives before the
	// registry drops it.
	DefaultEmptyGrace = 60 * time.Second
)

// ErrPeerRoomFull is returned when a third participant tries to join a
// peer-match room.
var ErrPeerRoomFull = errors.New("room: peer room already has two members")

// ErrShutdown is returned for operations on a registry that has been shut down.
var ErrShutdown = errors.New("room: registry is shut down")

// Sender delivers a frame to one connection. The ws layer's Connection
// satisfies this.
type Sender interface {
	Send(data []byte) error
}

// Subscription binds one participant to one room. Events enqueued to it are
// delivered in order by a single delivery loop goroutine.
type Subscription struct {
	SessionID string
	RoomID    string

	queue  chan []byte
	done   chan struct{}
	sender Sender
	closed bool // guarded by the registry mutex
}

// run is the subscription's delivery loop. It exits when the subscription is
// detached; an in-flight write is allowed to finish, but nothing queued after
// detach is delivered.
func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.queue:
			if err := s.sender.Send(data); err != nil {
				// The ws layer cleans up dead connections; dropping the
				// remaining queue here would reorder nothing.
				return
			}
		}
	}
}

type member struct {
	participant identity.Participant
	sub         *Subscription
}

// typingEntry tracks one participant's typing indicator in one room. The
// generation counter resolves the race between an explicit stop and the
// expiry timer: a stale timer observes a newer generation and does nothing,
// so a stopped indicator is never resurrected.
type typingEntry struct {
	on  bool
	gen int
}

// Ticket reserves one or more consecutive message ids in a room's outbox.
// The holder completes it with the payloads to broadcast (one per reserved
// id) or aborts it; either way the outbox advances in id order.
type Ticket struct {
	FirstID int64
	roomID  string
	count   int

	ready    bool
	aborted  bool
	payloads [][]byte
}

type roomState struct {
	id        string
	kind      string
	score     float64 // peer-match compatibility, zero for group rooms
	createdAt time.Time

	members map[string]*member
	typing  map[string]*typingEntry

	nextID  int64
	outbox  []*Ticket
	emptyAt *time.Timer
}

// Config holds registry tuning parameters.
type Config struct {
	TypingTimeout time.Duration
	EmptyGrace    time.Duration

	// OnRoomDrop is invoked after an empty room's grace period expires and
	// the room is removed, so per-room state elsewhere (message ledger,
	// scan buffer) can be released. Called from its own goroutine.
	OnRoomDrop func(roomID string)
}

// DefaultConfig returns a Config with the standard timeouts.
func DefaultConfig() Config {
	return Config{
		TypingTimeout: DefaultTypingTimeout,
		EmptyGrace:    DefaultEmptyGrace,
	}
}

// Registry is the authoritative presence store: rooms, member sets, the
// reverse index participant -> rooms, and typing state. All mutation happens
// under one mutex; fan-out itself is non-blocking channel enqueue.
type Registry struct {
	mu        sync.Mutex
	rooms     map[string]*roomState
	bySession map[string]map[string]*Subscription // sessionID -> roomID -> sub
	config    Config
	shutdown  bool
}

// NewRegistry creates an empty registry.
func NewRegistry(config Config) *Registry {
	if config.TypingTimeout <= 0 {
		config.TypingTimeout = DefaultTypingTimeout
	}
	if config.EmptyGrace <= 0 {
		config.EmptyGrace = DefaultEmptyGrace
	}
	return &Registry{
		rooms:     make(map[string]*roomState),
		bySession: make(map[string]map[string]*Subscription),
		config:    config,
	}
}

// Join attaches a participant to a group room, creating the room on first
// join. It returns the new subscription and the member count after joining.
// A user_joined event is broadcast to the other members.
func (r *Registry) Join(roomID string, p identity.Participant, sender Sender) (*Subscription, int, error) {
	return r.join(roomID, KindGroup, 0, p, sender)
}

// JoinPeer attaches a participant to a peer-match room carrying the pairing's
// compatibility score. Peer rooms hold exactly two members.
func (r *Registry) JoinPeer(roomID string, score float64, p identity.Participant, sender Sender) (*Subscription, int, error) {
	return r.join(roomID, KindPeerMatch, score, p, sender)
}

func (r *Registry) join(roomID, kind string, score float64, p identity.Participant, sender Sender) (*Subscription, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown {
		return nil, 0, ErrShutdown
	}

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &roomState{
			id:        roomID,
			kind:      kind,
			score:     score,
			createdAt: time.Now(),
			members:   make(map[string]*member),
			typing:    make(map[string]*typingEntry),
		}
		r.rooms[roomID] = rm
		metrics.ActiveRooms.Inc()
	}

	if rm.kind == KindPeerMatch {
		if _, already := rm.members[p.SessionID]; !already && len(rm.members) >= 2 {
			return nil, len(rm.members), ErrPeerRoomFull
		}
	}

	// Rejoin while the grace timer is pending keeps the room alive.
	if rm.emptyAt != nil {
		rm.emptyAt.Stop()
		rm.emptyAt = nil
	}

	// Re-join replaces the existing subscription (reconnect case).
	if existing, ok := rm.members[p.SessionID]; ok {
		r.closeSubscription(existing.sub)
	}

	sub := &Subscription{
		SessionID: p.SessionID,
		RoomID:    roomID,
		queue:     make(chan []byte, subscriptionQueueSize),
		done:      make(chan struct{}),
		sender:    sender,
	}
	rm.members[p.SessionID] = &member{participant: p, sub: sub}

	if r.bySession[p.SessionID] == nil {
		r.bySession[p.SessionID] = make(map[string]*Subscription)
	}
	r.bySession[p.SessionID][roomID] = sub

	go sub.run()

	count := len(rm.members)
	r.broadcastLocked(rm, mustEncode(protocol.TypeUserJoined, protocol.UserJoinedMsg{
		RoomID:           roomID,
		SessionID:        p.SessionID,
		Nickname:         p.Nickname,
		ParticipantCount: count,
	}), p.SessionID)

	return sub, count, nil
}

// Leave detaches a participant from a room. It is idempotent: leaving a room
// the participant is not in returns the current count with left=false. The
// remaining members receive a user_left event (and peer_disconnected for
// peer-match rooms).
func (r *Registry) Leave(roomID, sessionID string) (count int, left bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(roomID, sessionID)
}

func (r *Registry) leaveLocked(roomID, sessionID string) (int, bool) {
	rm, ok := r.rooms[roomID]
	if !ok {
		return 0, false
	}
	m, ok := rm.members[sessionID]
	if !ok {
		return len(rm.members), false
	}

	r.closeSubscription(m.sub)
	delete(rm.members, sessionID)
	r.clearTypingLocked(rm, sessionID)

	if subs := r.bySession[sessionID]; subs != nil {
		delete(subs, roomID)
		if len(subs) == 0 {
			delete(r.bySession, sessionID)
		}
	}

	count := len(rm.members)
	r.broadcastLocked(rm, mustEncode(protocol.TypeUserLeft, protocol.UserLeftMsg{
		RoomID:           roomID,
		SessionID:        sessionID,
		ParticipantCount: count,
	}), "")
	if rm.kind == KindPeerMatch {
		r.broadcastLocked(rm, mustEncode(protocol.TypePeerDisconnected, protocol.PeerDisconnectedMsg{
			RoomID: roomID,
		}), "")
	}

	if count == 0 {
		r.scheduleDropLocked(rm)
	}
	return count, true
}

// DetachAll removes a participant from every room they are attached to,
// returning the affected room ids. Called on connection loss.
func (r *Registry) DetachAll(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var roomIDs []string
	for roomID := range r.bySession[sessionID] {
		roomIDs = append(roomIDs, roomID)
	}
	for _, roomID := range roomIDs {
		r.leaveLocked(roomID, sessionID)
	}
	return roomIDs
}

// scheduleDropLocked starts the empty-room grace timer. The room is dropped
// only if it is still empty when the timer fires.
func (r *Registry) scheduleDropLocked(rm *roomState) {
	rm.emptyAt = time.AfterFunc(r.config.EmptyGrace, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		current, ok := r.rooms[rm.id]
		if ok && current == rm && len(current.members) == 0 {
			delete(r.rooms, rm.id)
			metrics.ActiveRooms.Dec()
			if r.config.OnRoomDrop != nil {
				go r.config.OnRoomDrop(rm.id)
			}
		}
	})
}

// Broadcast delivers an event to every member of a room except
// excludeSessionID (empty string excludes no one). Events from concurrent
// callers are serialized under the registry mutex, so all subscribers observe
// the same order.
func (r *Registry) Broadcast(roomID string, data []byte, excludeSessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	r.broadcastLocked(rm, data, excludeSessionID)
}

// SendTo delivers an event to a single member's subscription in this room,
// in order with broadcasts.
func (r *Registry) SendTo(roomID, sessionID string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if m, ok := rm.members[sessionID]; ok {
		r.enqueueLocked(rm, m.sub, data)
	}
}

func (r *Registry) broadcastLocked(rm *roomState, data []byte, excludeSessionID string) {
	for sid, m := range rm.members {
		if sid == excludeSessionID {
			continue
		}
		r.enqueueLocked(rm, m.sub, data)
	}
}

// enqueueLocked pushes one event onto a subscription queue. A full queue
// means the consumer is stuck or hopelessly slow; the subscription is dropped
// so it can never force other members to reorder or block.
func (r *Registry) enqueueLocked(rm *roomState, sub *Subscription, data []byte) {
	if sub.closed {
		return
	}
	select {
	case sub.queue <- data:
	default:
		log.Printf("room: dropping slow subscriber session=%s room=%s", sub.SessionID, sub.RoomID)
		sid, roomID := sub.SessionID, sub.RoomID
		r.closeSubscription(sub)
		// Membership cleanup re-enters the lock; defer it.
		go r.Leave(roomID, sid)
	}
}

// closeSubscription stops a subscription's delivery loop. Idempotent.
func (r *Registry) closeSubscription(sub *Subscription) {
	if sub == nil || sub.closed {
		return
	}
	sub.closed = true
	close(sub.done)
}

// ---------------------------------------------------------------------------
// Message outbox: id assignment and id-ordered delivery
// ---------------------------------------------------------------------------

// Reserve assigns the next n consecutive message ids in the room and appends
// a ticket to the room's outbox. The critical section is counter arithmetic
// only; the caller runs detection, sealing, and persistence outside it and
// then completes or aborts the ticket. Reserving two ids in one call is how
// a crisis alert is pinned immediately after its triggering message: no other
// message can claim an id between them.
func (r *Registry) Reserve(roomID string, n int) (*Ticket, error) {
	if n < 1 {
		return nil, fmt.Errorf("room: reserve %d ids", n)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("room: reserve in unknown room %s", roomID)
	}

	t := &Ticket{
		FirstID: rm.nextID + 1,
		roomID:  roomID,
		count:   n,
	}
	rm.nextID += int64(n)
	rm.outbox = append(rm.outbox, t)
	return t, nil
}

// Complete marks a ticket ready with one payload per reserved id and flushes
// the outbox: tickets are delivered strictly in id order, so a ready ticket
// waits behind an earlier ticket that is still pending. Payloads of one
// ticket are enqueued back to back under the lock, so nothing can interleave
// between a message and its crisis alert.
func (r *Registry) Complete(t *Ticket, payloads [][]byte) error {
	if len(payloads) != t.count {
		return fmt.Errorf("room: ticket for %d ids completed with %d payloads", t.count, len(payloads))
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	t.ready = true
	t.payloads = payloads
	r.flushLocked(t.roomID)
	return nil
}

// Abort releases a ticket's slot without delivering anything (persistence
// failed, nothing may be broadcast). Later ids become deliverable; the id
// sequence simply has a hole that no subscriber ever observes.
func (r *Registry) Abort(t *Ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t.aborted = true
	r.flushLocked(t.roomID)
}

func (r *Registry) flushLocked(roomID string) {
	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	for len(rm.outbox) > 0 {
		head := rm.outbox[0]
		if head.aborted {
			rm.outbox = rm.outbox[1:]
			continue
		}
		if !head.ready {
			return
		}
		for _, payload := range head.payloads {
			r.broadcastLocked(rm, payload, "")
		}
		rm.outbox = rm.outbox[1:]
	}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// IsMember reports whether the session is currently attached to the room.
func (r *Registry) IsMember(roomID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	_, ok = rm.members[sessionID]
	return ok
}

// Count returns the current member count of a room (0 for unknown rooms).
func (r *Registry) Count(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return 0
	}
	return len(rm.members)
}

// Members returns a snapshot of the room's participants.
func (r *Registry) Members(roomID string) []identity.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]identity.Participant, 0, len(rm.members))
	for _, m := range rm.members {
		out = append(out, m.participant)
	}
	return out
}

// Info describes a room for the transport boundary.
type Info struct {
	RoomID    string
	Kind      string
	Score     float64
	Count     int
	CreatedAt time.Time
}

// RoomInfo returns a snapshot of room metadata, or ok=false for unknown rooms.
func (r *Registry) RoomInfo(roomID string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return Info{}, false
	}
	return Info{
		RoomID:    rm.id,
		Kind:      rm.kind,
		Score:     rm.score,
		Count:     len(rm.members),
		CreatedAt: rm.createdAt,
	}, true
}

// RoomsOf returns the ids of every room the session is attached to.
func (r *Registry) RoomsOf(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for roomID := range r.bySession[sessionID] {
		out = append(out, roomID)
	}
	return out
}

// ActiveRooms returns the number of rooms currently tracked.
func (r *Registry) ActiveRooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Shutdown drains every subscription and drops all rooms. The registry
// rejects joins afterwards.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.shutdown = true
	for _, rm := range r.rooms {
		if rm.emptyAt != nil {
			rm.emptyAt.Stop()
		}
		for _, m := range rm.members {
			r.closeSubscription(m.sub)
		}
	}
	r.rooms = make(map[string]*roomState)
	r.bySession = make(map[string]map[string]*Subscription)
	metrics.ActiveRooms.Set(0)
}

// mustEncode builds a server message, panicking only on marshal failures of
// our own structs (a programming error, not a runtime condition).
func mustEncode(msgType string, payload interface{}) []byte {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		panic(fmt.Sprintf("room: encode %s: %v", msgType, err))
	}
	return data
}
