package chat

import (
	"sort"
	"sync"
	"time"
)

// Message types.
const (
	TypeText        = "text"
	TypeSystem      = "system"
	TypeCrisisAlert = "crisis-alert"
)

// TombstoneMarker replaces the content of a removed message. The id and
// position are preserved so room ordering is unaffected.
const TombstoneMarker = "[message removed by moderators]"

// Message is one room message. Content, sender, id, and timestamp are
// immutable after creation; reactions, read receipts, and moderation flags
// are append/merge-only sets guarded by a per-message mutex, so concurrent
// toggles on different messages never contend on a shared lock.
type Message struct {
	ID              int64
	RoomID          string
	SenderSessionID string
	Content         string // sealed ciphertext
	PlainLen        int    // plaintext length for UI layout
	Timestamp       time.Time
	IsEncrypted     bool
	Type            string

	mu         sync.Mutex
	reactions  map[string]map[string]struct{} // reaction kind -> session ids
	readBy     map[string]struct{}
	flags      map[string]struct{}
	tombstoned bool
}

func newMessage(id int64, roomID, sender, content string, plainLen int, encrypted bool, msgType string) *Message {
	m := &Message{
		ID:              id,
		RoomID:          roomID,
		SenderSessionID: sender,
		Content:         content,
		PlainLen:        plainLen,
		Timestamp:       time.Now(),
		IsEncrypted:     encrypted,
		Type:            msgType,
		reactions:       make(map[string]map[string]struct{}),
		readBy:          make(map[string]struct{}),
		flags:           make(map[string]struct{}),
	}
	if sender != "" {
		m.readBy[sender] = struct{}{}
	}
	return m
}

// ToggleReaction flips the session's membership in the reaction set of the
// given kind: present -> removed, absent -> added. It returns the resulting
// membership and the set size. Two toggles restore the original state; the
// set never behaves like a counter.
func (m *Message) ToggleReaction(kind, sessionID string) (present bool, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.reactions[kind]
	if !ok {
		set = make(map[string]struct{})
		m.reactions[kind] = set
	}

	if _, ok := set[sessionID]; ok {
		delete(set, sessionID)
		return false, len(set)
	}
	set[sessionID] = struct{}{}
	return true, len(set)
}

// MarkRead merges one session into the read set. Union only, no removal.
// Returns false when the session had already acknowledged the message.
func (m *Message) MarkRead(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.readBy[sessionID]; ok {
		return false
	}
	m.readBy[sessionID] = struct{}{}
	return true
}

// AddFlag appends a moderation flag. Flags are never removed.
func (m *Message) AddFlag(flag string) {
	m.mu.Lock()
	m.flags[flag] = struct{}{}
	m.mu.Unlock()
}

// HasFlag reports whether the message carries a moderation flag.
func (m *Message) HasFlag(flag string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.flags[flag]
	return ok
}

// Flagged reports whether the message carries any moderation flag.
func (m *Message) Flagged() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.flags) > 0
}

// Tombstone replaces the message content with the removal marker. The id and
// timestamp are untouched. Idempotent; returns false if already tombstoned.
func (m *Message) Tombstone() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tombstoned {
		return false
	}
	m.tombstoned = true
	m.Content = TombstoneMarker
	m.PlainLen = len(TombstoneMarker)
	m.flags["removed"] = struct{}{}
	return true
}

// Tombstoned reports whether the content has been removed.
func (m *Message) Tombstoned() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tombstoned
}

// ReadBy returns the sorted read set.
func (m *Message) ReadBy() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.readBy)
}

// Reactors returns the sorted member set for one reaction kind.
func (m *Message) Reactors(kind string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.reactions[kind])
}

// Snapshot is the persistence/export representation of a message.
type Snapshot struct {
	ID              int64               `json:"id"`
	RoomID          string              `json:"room_id"`
	SenderSessionID string              `json:"sender_session_id"`
	Content         string              `json:"content"`
	PlainLen        int                 `json:"plain_len"`
	Timestamp       time.Time           `json:"timestamp"`
	IsEncrypted     bool                `json:"is_encrypted"`
	Type            string              `json:"type"`
	Reactions       map[string][]string `json:"reactions,omitempty"`
	ReadBy          []string            `json:"read_by,omitempty"`
	ModerationFlags []string            `json:"moderation_flags,omitempty"`
	Tombstoned      bool                `json:"tombstoned,omitempty"`
}

// Snapshot captures a point-in-time copy of the message and its ledgers.
func (m *Message) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	reactions := make(map[string][]string, len(m.reactions))
	for kind, set := range m.reactions {
		if len(set) > 0 {
			reactions[kind] = sortedKeys(set)
		}
	}

	return Snapshot{
		ID:              m.ID,
		RoomID:          m.RoomID,
		SenderSessionID: m.SenderSessionID,
		Content:         m.Content,
		PlainLen:        m.PlainLen,
		Timestamp:       m.Timestamp,
		IsEncrypted:     m.IsEncrypted,
		Type:            m.Type,
		Reactions:       reactions,
		ReadBy:          sortedKeys(m.readBy),
		ModerationFlags: sortedKeys(m.flags),
		Tombstoned:      m.tombstoned,
	}
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
