// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinRoom      = "join_room"
	TypeLeaveRoom     = "leave_room"
	TypeSendMessage   = "send_message"
	TypeSetTyping     = "set_typing"
	TypeAddReaction   = "add_reaction"
	TypeMarkRead      = "mark_read"
	TypeReportMessage = "report_message"
	TypeFindPeer      = "find_peer"
	TypeCancelPeer    = "cancel_peer"
	TypePing          = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated     = "session_created"
	TypeRoomJoined         = "room_joined"
	TypeRoomHistory        = "room_history"
	TypeMessage            = "message"
	TypeTyping             = "typing"
	TypeUserJoined         = "user_joined"
	TypeUserLeft           = "user_left"
	TypeReactionAdded      = "reaction_added"
	TypeReadReceipt        = "read_receipt"
	TypeCrisisAlert        = "crisis_alert"
	TypeReportCreated      = "report_created"
	TypeReportUpdated      = "report_updated"
	TypeEnforcementApplied = "enforcement_applied"
	TypePeerMatched        = "peer_matched"
	TypePeerDisconnected   = "peer_disconnected"
	TypeRateLimited        = "rate_limited"
	TypeError              = "error"
	TypePong               = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinRoomMsg is sent by the client to attach to a group room. Peer-match
// rooms are entered through the matcher, not through this command.
type JoinRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// LeaveRoomMsg is sent by the client to detach from a room.
type LeaveRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// SendMessageMsg is a text message sent by the client into a room.
type SendMessageMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Text   string `json:"text"`
}

// SetTypingMsg indicates whether the client is currently typing in a room.
type SetTypingMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

// AddReactionMsg toggles the sender's reaction of the given kind on a message.
type AddReactionMsg struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	MessageID int64  `json:"message_id"`
	Reaction  string `json:"reaction"`
}

// MarkReadMsg acknowledges that the sender has read a message.
type MarkReadMsg struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	MessageID int64  `json:"message_id"`
}

// ReportMessageMsg files a moderation report against a message.
type ReportMessageMsg struct {
	Type        string `json:"type"`
	RoomID      string `json:"room_id"`
	MessageID   int64  `json:"message_id"`
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

// FindPeerMsg enters the peer-support matching queue with support topics.
type FindPeerMsg struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

// CancelPeerMsg leaves the peer-support matching queue.
type CancelPeerMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new session is established.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Nickname  string `json:"nickname"`
	Avatar    string `json:"avatar"`
}

// RoomJoinedMsg confirms a successful room attach and reports the member count.
type RoomJoinedMsg struct {
	Type             string `json:"type"`
	RoomID           string `json:"room_id"`
	Kind             string `json:"kind"`
	ParticipantCount int    `json:"participant_count"`
}

// HistoryEntry is one persisted message replayed to a joining participant.
type HistoryEntry struct {
	MessageID   int64  `json:"message_id"`
	From        string `json:"from"`
	Content     string `json:"content"`
	PlainLen    int    `json:"plain_len"`
	Ts          int64  `json:"ts"`
	IsEncrypted bool   `json:"is_encrypted"`
	MessageType string `json:"message_type"`
}

// RoomHistoryMsg replays the most recent room messages to a participant who
// just joined, oldest first. Sent once, right after room_joined.
type RoomHistoryMsg struct {
	Type     string         `json:"type"`
	RoomID   string         `json:"room_id"`
	Messages []HistoryEntry `json:"messages"`
}

// ServerMessageMsg delivers a room message to a subscriber. Content carries
// the sealed ciphertext; PlainLen is the plaintext length for UI layout.
type ServerMessageMsg struct {
	Type        string `json:"type"`
	RoomID      string `json:"room_id"`
	MessageID   int64  `json:"message_id"`
	From        string `json:"from"`
	Nickname    string `json:"nickname"`
	Content     string `json:"content"`
	PlainLen    int    `json:"plain_len"`
	Ts          int64  `json:"ts"`
	IsEncrypted bool   `json:"is_encrypted"`
	MessageType string `json:"message_type"` // "text", "system", "crisis-alert"
}

// ServerTypingMsg relays a participant's typing indicator to the room.
type ServerTypingMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	From     string `json:"from"`
	IsTyping bool   `json:"is_typing"`
}

// UserJoinedMsg announces a participant joining a room.
type UserJoinedMsg struct {
	Type             string `json:"type"`
	RoomID           string `json:"room_id"`
	SessionID        string `json:"session_id"`
	Nickname         string `json:"nickname"`
	ParticipantCount int    `json:"participant_count"`
}

// UserLeftMsg announces a participant leaving a room, either by explicit
// leave or connection loss.
type UserLeftMsg struct {
	Type             string `json:"type"`
	RoomID           string `json:"room_id"`
	SessionID        string `json:"session_id"`
	ParticipantCount int    `json:"participant_count"`
}

// ReactionAddedMsg relays a reaction toggle. Present reports the toggle
// outcome: true when the reactor is now in the set, false when removed.
type ReactionAddedMsg struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	MessageID int64  `json:"message_id"`
	Reaction  string `json:"reaction"`
	From      string `json:"from"`
	Present   bool   `json:"present"`
	Count     int    `json:"count"`
}

// ReadReceiptMsg relays a read acknowledgement merge.
type ReadReceiptMsg struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	MessageID int64  `json:"message_id"`
	From      string `json:"from"`
}

// CrisisAlertMsg wraps the in-room crisis support system message so clients
// can render it distinctly from regular messages.
type CrisisAlertMsg struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	MessageID int64  `json:"message_id"`
	Severity  string `json:"severity"`
	Text      string `json:"text"`
	Ts        int64  `json:"ts"`
}

// ReportCreatedMsg acknowledges a filed report to the reporter.
type ReportCreatedMsg struct {
	Type     string `json:"type"`
	ReportID string `json:"report_id"`
	Status   string `json:"status"`
}

// ReportUpdatedMsg notifies moderator clients of a report transition.
type ReportUpdatedMsg struct {
	Type     string `json:"type"`
	ReportID string `json:"report_id"`
	Status   string `json:"status"`
	Action   string `json:"action,omitempty"`
}

// EnforcementAppliedMsg is delivered to the participant an enforcement action
// targets (warning, suspension, ban) and broadcast to rooms for content
// removal.
type EnforcementAppliedMsg struct {
	Type     string `json:"type"`
	Action   string `json:"action"`
	RoomID   string `json:"room_id,omitempty"`
	Message  string `json:"message"`
	Duration int    `json:"duration,omitempty"` // seconds, for suspensions
}

// PeerMatchedMsg tells a waiting participant their peer room is ready.
type PeerMatchedMsg struct {
	Type         string   `json:"type"`
	RoomID       string   `json:"room_id"`
	SharedTopics []string `json:"shared_topics"`
	Score        float64  `json:"score"`
}

// PeerDisconnectedMsg tells the remaining member of a peer room that their
// partner's connection is gone.
type PeerDisconnectedMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSetTyping:
		var m SetTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAddReaction:
		var m AddReactionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReportMessage:
		var m ReportMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFindPeer:
		var m FindPeerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCancelPeer:
		var m CancelPeerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
