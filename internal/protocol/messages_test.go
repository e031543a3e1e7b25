package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid identify message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Identify(t *testing.T) {
	input := []byte(`{"type":"identify","user_id":"u-123","auth_status":"authenticated"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeIdentify {
		t.Fatalf("expected type %q, got %q", TypeIdentify, msgType)
	}

	im, ok := msg.(IdentifyMsg)
	if !ok {
		t.Fatalf("expected IdentifyMsg, got %T", msg)
	}
	if im.UserID != "u-123" {
		t.Errorf("expected user_id %q, got %q", "u-123", im.UserID)
	}
	if im.AuthStatus != "authenticated" {
		t.Errorf("expected auth_status %q, got %q", "authenticated", im.AuthStatus)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a typing_bind message with and without a conversation key
// ---------------------------------------------------------------------------

func TestParseClientMessage_TypingBind(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"typing_bind","peer_id":"u-9","conversation_key":"conv-1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tb, ok := msg.(TypingBindMsg)
	if !ok {
		t.Fatalf("expected TypingBindMsg, got %T", msg)
	}
	if tb.PeerID != "u-9" || tb.ConversationKey != "conv-1" {
		t.Errorf("unexpected payload: %+v", tb)
	}

	_, msg, err = ParseClientMessage([]byte(`{"type":"typing_bind","peer_id":"u-9"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tb := msg.(TypingBindMsg); tb.ConversationKey != "" {
		t.Errorf("expected empty conversation_key, got %q", tb.ConversationKey)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating server messages injects the type discriminator
// ---------------------------------------------------------------------------

func TestNewServerMessage_PresenceState(t *testing.T) {
	payload := PresenceStateMsg{
		Users:  map[string]string{"u1": "online", "u2": "away"},
		Online: []string{"u1", "u2"},
	}

	data, err := NewServerMessage(TypePresenceState, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if m["type"] != TypePresenceState {
		t.Errorf("expected type %q, got %v", TypePresenceState, m["type"])
	}
	users, ok := m["users"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected users object, got %T", m["users"])
	}
	if users["u2"] != "away" {
		t.Errorf("expected u2 away, got %v", users["u2"])
	}
}

func TestNewServerMessage_Notifications(t *testing.T) {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	payload := NotificationsMsg{
		Unread: 1,
		Items: []Notification{{
			ID:        "n1",
			Kind:      "presence",
			Message:   "Sam is now online",
			UserID:    "u2",
			CreatedAt: created,
		}},
	}

	data, err := NewServerMessage(TypeNotifications, payload)
	if err != nil {
		t.Fatalf("failed to create server message: %v", err)
	}

	var decoded NotificationsMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeNotifications {
		t.Errorf("type mismatch: expected %q, got %q", TypeNotifications, decoded.Type)
	}
	if decoded.Unread != 1 || len(decoded.Items) != 1 {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
	if !decoded.Items[0].CreatedAt.Equal(created) {
		t.Errorf("created_at mismatch: expected %v, got %v", created, decoded.Items[0].CreatedAt)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"presence_state","users":{}}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for a server-only message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != TypePresenceState {
		t.Errorf("expected returned type %q, got %q", TypePresenceState, msgType)
	}
}

func TestParseClientMessage_BadPayload(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"set_status","status":42}`))
	if err == nil {
		t.Fatal("expected an error for a mistyped field, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"identify", `{"type":"identify","user_id":"u1","auth_status":"onboarding"}`, TypeIdentify},
		{"sign_out", `{"type":"sign_out"}`, TypeSignOut},
		{"set_status", `{"type":"set_status","status":"away"}`, TypeSetStatus},
		{"typing_bind", `{"type":"typing_bind","peer_id":"u2"}`, TypeTypingBind},
		{"typing_unbind", `{"type":"typing_unbind"}`, TypeTypingUnbind},
		{"typing_ping", `{"type":"typing_ping"}`, TypeTypingPing},
		{"mark_all_read", `{"type":"mark_all_read"}`, TypeMarkAllRead},
		{"mark_message_read", `{"type":"mark_message_read","sender_id":"u2"}`, TypeMarkMessageRead},
		{"mark_read", `{"type":"mark_read","id":"n1"}`, TypeMarkRead},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
