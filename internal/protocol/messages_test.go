package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid send_message message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","room_id":"anxiety-circle","text":"rough day"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.RoomID != "anxiety-circle" {
		t.Errorf("expected room_id %q, got %q", "anxiety-circle", sm.RoomID)
	}
	if sm.Text != "rough day" {
		t.Errorf("expected text %q, got %q", "rough day", sm.Text)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid find_peer message
// ---------------------------------------------------------------------------

func TestParseClientMessage_FindPeer(t *testing.T) {
	input := []byte(`{"type":"find_peer","topics":["anxiety","grief","insomnia"]}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeFindPeer {
		t.Fatalf("expected type %q, got %q", TypeFindPeer, msgType)
	}

	fp, ok := msg.(FindPeerMsg)
	if !ok {
		t.Fatalf("expected FindPeerMsg, got %T", msg)
	}
	expected := []string{"anxiety", "grief", "insomnia"}
	if len(fp.Topics) != len(expected) {
		t.Fatalf("expected %d topics, got %d", len(expected), len(fp.Topics))
	}
	for i, v := range expected {
		if fp.Topics[i] != v {
			t.Errorf("topic[%d]: expected %q, got %q", i, v, fp.Topics[i])
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing report_message and add_reaction payloads
// ---------------------------------------------------------------------------

func TestParseClientMessage_ReportMessage(t *testing.T) {
	input := []byte(`{"type":"report_message","room_id":"r1","message_id":42,"reason":"harassment","description":"targeted"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeReportMessage {
		t.Fatalf("expected type %q, got %q", TypeReportMessage, msgType)
	}

	rm, ok := msg.(ReportMessageMsg)
	if !ok {
		t.Fatalf("expected ReportMessageMsg, got %T", msg)
	}
	if rm.MessageID != 42 {
		t.Errorf("expected message_id 42, got %d", rm.MessageID)
	}
	if rm.Reason != "harassment" {
		t.Errorf("expected reason %q, got %q", "harassment", rm.Reason)
	}
	if rm.Description != "targeted" {
		t.Errorf("expected description %q, got %q", "targeted", rm.Description)
	}
}

func TestParseClientMessage_AddReaction(t *testing.T) {
	input := []byte(`{"type":"add_reaction","room_id":"r1","message_id":7,"reaction":"heart"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeAddReaction {
		t.Fatalf("expected type %q, got %q", TypeAddReaction, msgType)
	}

	ar, ok := msg.(AddReactionMsg)
	if !ok {
		t.Fatalf("expected AddReactionMsg, got %T", msg)
	}
	if ar.MessageID != 7 || ar.Reaction != "heart" {
		t.Errorf("unexpected payload: %+v", ar)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a crisis_alert server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_CrisisAlert(t *testing.T) {
	payload := CrisisAlertMsg{
		RoomID:    "peer-9",
		MessageID: 12,
		Severity:  "critical",
		Text:      "Support resources are available.",
		Ts:        1700000000,
	}

	data, err := NewServerMessage(TypeCrisisAlert, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Decode back and verify structure.
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeCrisisAlert {
		t.Errorf("expected type %q, got %v", TypeCrisisAlert, result["type"])
	}
	if result["room_id"] != "peer-9" {
		t.Errorf("expected room_id %q, got %v", "peer-9", result["room_id"])
	}
	if result["severity"] != "critical" {
		t.Errorf("expected severity %q, got %v", "critical", result["severity"])
	}

	id, ok := result["message_id"].(float64)
	if !ok {
		t.Fatalf("expected message_id to be a number, got %T", result["message_id"])
	}
	if int64(id) != 12 {
		t.Errorf("expected message_id 12, got %v", id)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

// Server-only types must not be accepted from clients.
func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	input := []byte(`{"type":"crisis_alert","room_id":"r1"}`)

	_, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for a server-only type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message, got %v", msg)
	}
}

func TestParseClientMessage_MissingType(t *testing.T) {
	input := []byte(`{"room_id":"r1","text":"no type field"}`)

	if _, _, err := ParseClientMessage(input); err == nil {
		t.Fatal("expected an error for a missing type field, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Round-trip fidelity (marshal -> unmarshal)
// ---------------------------------------------------------------------------

func TestRoundTrip_FindPeer(t *testing.T) {
	original := FindPeerMsg{
		Type:   TypeFindPeer,
		Topics: []string{"anxiety", "burnout"},
	}

	// Marshal to JSON.
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	// Parse back through the protocol parser.
	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeFindPeer {
		t.Fatalf("expected type %q, got %q", TypeFindPeer, msgType)
	}

	decoded, ok := msg.(FindPeerMsg)
	if !ok {
		t.Fatalf("expected FindPeerMsg, got %T", msg)
	}
	if len(decoded.Topics) != len(original.Topics) {
		t.Fatalf("topics length mismatch: expected %d, got %d", len(original.Topics), len(decoded.Topics))
	}
	for i := range original.Topics {
		if decoded.Topics[i] != original.Topics[i] {
			t.Errorf("topic[%d] mismatch: expected %q, got %q", i, original.Topics[i], decoded.Topics[i])
		}
	}
}

func TestRoundTrip_PeerMatched(t *testing.T) {
	original := PeerMatchedMsg{
		Type:         TypePeerMatched,
		RoomID:       "peer-room-1",
		SharedTopics: []string{"grief"},
		Score:        0.5,
	}

	// Create server message bytes.
	data, err := NewServerMessage(TypePeerMatched, original)
	if err != nil {
		t.Fatalf("failed to create server message: %v", err)
	}

	// Unmarshal back into the struct.
	var decoded PeerMatchedMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if decoded.Type != TypePeerMatched {
		t.Errorf("type mismatch: expected %q, got %q", TypePeerMatched, decoded.Type)
	}
	if decoded.RoomID != original.RoomID {
		t.Errorf("room_id mismatch: expected %q, got %q", original.RoomID, decoded.RoomID)
	}
	if decoded.Score != original.Score {
		t.Errorf("score mismatch: expected %v, got %v", original.Score, decoded.Score)
	}
}
