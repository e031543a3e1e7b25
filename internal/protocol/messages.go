// Package protocol defines the gateway WebSocket messages exchanged between a
// browser and presenced. All messages are JSON objects with a "type"
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client -> Server message types.
const (
	TypeIdentify        = "identify"
	TypeSignOut         = "sign_out"
	TypeSetStatus       = "set_status"
	TypeTypingBind      = "typing_bind"
	TypeTypingUnbind    = "typing_unbind"
	TypeTypingPing      = "typing_ping"
	TypeMarkAllRead     = "mark_all_read"
	TypeMarkMessageRead = "mark_message_read"
	TypeMarkRead        = "mark_read"
	TypePing            = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "session_created"
	TypePresenceState  = "presence_state"
	TypeTypingState    = "typing_state"
	TypeNotification   = "notification"
	TypeNotifications  = "notifications"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

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

// IdentifyMsg declares who the browser is signed in as. AuthStatus is one of
// "authenticated", "onboarding" or "anonymous"; an empty UserID joins
// presence anonymously.
type IdentifyMsg struct {
	Type       string `json:"type"`
	UserID     string `json:"user_id"`
	AuthStatus string `json:"auth_status"`
}

// SignOutMsg drops the identity and leaves presence.
type SignOutMsg struct {
	Type string `json:"type"`
}

// SetStatusMsg changes the announced presence status.
type SetStatusMsg struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// TypingBindMsg points the typing binding at a conversation with PeerID.
// ConversationKey defaults to the key derived from both user ids.
type TypingBindMsg struct {
	Type            string `json:"type"`
	PeerID          string `json:"peer_id"`
	ConversationKey string `json:"conversation_key,omitempty"`
}

// TypingUnbindMsg detaches the typing binding.
type TypingUnbindMsg struct {
	Type string `json:"type"`
}

// TypingPingMsg signals that the local user is typing.
type TypingPingMsg struct {
	Type string `json:"type"`
}

// MarkAllReadMsg marks every notification read.
type MarkAllReadMsg struct {
	Type string `json:"type"`
}

// MarkMessageReadMsg marks message notifications from SenderID read.
type MarkMessageReadMsg struct {
	Type     string `json:"type"`
	SenderID string `json:"sender_id"`
}

// MarkReadMsg marks one notification read.
type MarkReadMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent when the gateway session is established.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// PresenceStateMsg carries the full online view.
type PresenceStateMsg struct {
	Type   string            `json:"type"`
	Users  map[string]string `json:"users"`
	Online []string          `json:"online"`
}

// TypingStateMsg lists the peers currently typing to the user.
type TypingStateMsg struct {
	Type   string   `json:"type"`
	Typing []string `json:"typing"`
}

// Notification is the wire form of one notification.
type Notification struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	UserID    string         `json:"user_id"`
	Meta      map[string]any `json:"meta,omitempty"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"created_at"`
}

// NotificationMsg announces a newly raised notification.
type NotificationMsg struct {
	Type         string       `json:"type"`
	Notification Notification `json:"notification"`
}

// NotificationsMsg carries the full notification log, newest first.
type NotificationsMsg struct {
	Type   string         `json:"type"`
	Unread int            `json:"unread"`
	Items  []Notification `json:"items"`
}

// RateLimitedMsg is sent when a client action was throttled.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	Action     string `json:"action"`
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
// It returns the message type, the decoded struct, and any error. Unknown or
// server-only types are errors.
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
	case TypeIdentify:
		var m IdentifyMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSignOut:
		var m SignOutMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSetStatus:
		var m SetStatusMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingBind:
		var m TypingBindMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingUnbind:
		var m TypingUnbindMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingPing:
		var m TypingPingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkAllRead:
		var m MarkAllReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkMessageRead:
		var m MarkMessageReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
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

// NewServerMessage marshals payload and sets its "type" field to msgType.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
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
