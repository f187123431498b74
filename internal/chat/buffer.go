package chat

import "sync"

// MaxBufferMessages is the number of recent messages retained per room.
const MaxBufferMessages = 32

// BufferedMessage is a single entry in a room's recent-message window.
// Plaintext is held only for the duration of the window so the periodic
// auto-scan can re-examine it.
type BufferedMessage struct {
	MessageID uint64
	RoomID    string
	SessionID string
	Plaintext string
	Ts        int64
}

// MessageBuffer stores the last N messages per room in memory.
// It is goroutine-safe and uses a ring buffer internally.
type MessageBuffer struct {
	mu      sync.RWMutex
	buffers map[string]*ringBuffer // roomID -> ring buffer
}

// ringBuffer is a fixed-size circular buffer of BufferedMessage.
type ringBuffer struct {
	items []BufferedMessage
	pos   int
	count int
}

// NewMessageBuffer creates a new empty MessageBuffer.
func NewMessageBuffer() *MessageBuffer {
	return &MessageBuffer{
		buffers: make(map[string]*ringBuffer),
	}
}

// Add appends a message to the room's ring buffer. If the buffer is full,
// the oldest message is overwritten.
func (mb *MessageBuffer) Add(roomID string, msg BufferedMessage) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	rb, ok := mb.buffers[roomID]
	if !ok {
		rb = &ringBuffer{
			items: make([]BufferedMessage, MaxBufferMessages),
		}
		mb.buffers[roomID] = rb
	}

	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % MaxBufferMessages
	if rb.count < MaxBufferMessages {
		rb.count++
	}
}

// Recent returns the buffered messages for a room in chronological order
// (oldest first). Returns an empty slice if the room has no buffer.
func (mb *MessageBuffer) Recent(roomID string) []BufferedMessage {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	rb, ok := mb.buffers[roomID]
	if !ok {
		return []BufferedMessage{}
	}

	result := make([]BufferedMessage, rb.count)
	// The oldest message is at position (pos - count) mod MaxBufferMessages.
	start := (rb.pos - rb.count + MaxBufferMessages) % MaxBufferMessages
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%MaxBufferMessages]
	}
	return result
}

// Rooms returns the IDs of all rooms that currently have buffered messages.
func (mb *MessageBuffer) Rooms() []string {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	ids := make([]string, 0, len(mb.buffers))
	for id := range mb.buffers {
		ids = append(ids, id)
	}
	return ids
}

// Drop discards a buffered message by id, used when a message is removed
// by moderation so the auto-scan does not re-report it.
func (mb *MessageBuffer) Drop(roomID string, messageID uint64) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	rb, ok := mb.buffers[roomID]
	if !ok {
		return
	}
	for i := range rb.items {
		if rb.items[i].MessageID == messageID {
			rb.items[i].Plaintext = ""
		}
	}
}

// Remove deletes the buffer for a room (called when the room is dropped).
func (mb *MessageBuffer) Remove(roomID string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	delete(mb.buffers, roomID)
}
