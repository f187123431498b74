package room

import (
	"time"

	"github.com/havensupport/support-chat/internal/protocol"
)

// SetTyping records a participant's typing indicator and broadcasts the
// transition to the rest of the room. An active indicator expires on its own
// after the configured timeout; renewing it (another SetTyping true) pushes
// the expiry out without re-broadcasting. Explicit stop and the expiry timer
// race idempotently: whichever runs second observes a newer generation and
// does nothing.
func (r *Registry) SetTyping(roomID, sessionID string, isTyping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if _, ok := rm.members[sessionID]; !ok {
		return
	}

	entry := rm.typing[sessionID]
	if entry == nil {
		entry = &typingEntry{}
		rm.typing[sessionID] = entry
	}

	if !isTyping {
		if !entry.on {
			return // already stopped, nothing to broadcast
		}
		entry.on = false
		entry.gen++
		r.broadcastLocked(rm, mustEncode(protocol.TypeTyping, protocol.ServerTypingMsg{
			RoomID:   roomID,
			From:     sessionID,
			IsTyping: false,
		}), sessionID)
		return
	}

	wasOn := entry.on
	entry.on = true
	entry.gen++
	gen := entry.gen

	time.AfterFunc(r.config.TypingTimeout, func() {
		r.expireTyping(roomID, sessionID, gen)
	})

	if !wasOn {
		r.broadcastLocked(rm, mustEncode(protocol.TypeTyping, protocol.ServerTypingMsg{
			RoomID:   roomID,
			From:     sessionID,
			IsTyping: true,
		}), sessionID)
	}
}

// expireTyping is the timer callback for typing auto-expiry. The generation
// check makes stale timers harmless: a renewal or an explicit stop bumps the
// generation, and a timer armed before that does nothing.
func (r *Registry) expireTyping(roomID, sessionID string, gen int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	entry := rm.typing[sessionID]
	if entry == nil || entry.gen != gen || !entry.on {
		return
	}

	entry.on = false
	entry.gen++
	r.broadcastLocked(rm, mustEncode(protocol.TypeTyping, protocol.ServerTypingMsg{
		RoomID:   roomID,
		From:     sessionID,
		IsTyping: false,
	}), sessionID)
}

// IsTyping reports the current indicator state for a participant in a room.
func (r *Registry) IsTyping(roomID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	entry := rm.typing[sessionID]
	return entry != nil && entry.on
}

// clearTypingLocked drops typing state when a participant leaves; a leaving
// member's indicator must not outlive their membership.
func (r *Registry) clearTypingLocked(rm *roomState, sessionID string) {
	if entry := rm.typing[sessionID]; entry != nil {
		entry.on = false
		entry.gen++
		delete(rm.typing, sessionID)
	}
}
