// Package realtime defines the channel abstraction the presence and typing
// layer is written against, and a channel implementation that speaks a small
// JSON frame protocol over any publish/subscribe Bus.
//
// A Channel is scoped to a topic. Broadcast messages are fanned out to every
// subscriber of the topic. When a channel is opened with a presence key it
// additionally tracks membership: every Track call is announced with a fresh
// membership token (Meta.Ref) and every subscriber folds those announcements
// into a local mirror, surfacing join, leave and sync events.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
)

// Channel errors.
var (
	ErrNotSubscribed    = errors.New("realtime: channel not subscribed")
	ErrPresenceDisabled = errors.New("realtime: presence disabled on channel")
	ErrChannelClosed    = errors.New("realtime: channel closed")
)

// EventKind discriminates the events a channel delivers to its handlers.
type EventKind string

const (
	EventSync      EventKind = "sync"
	EventJoin      EventKind = "join"
	EventLeave     EventKind = "leave"
	EventBroadcast EventKind = "broadcast"
	EventReconnect EventKind = "reconnect"
)

// Meta is one tracked presence of a key. Ref is the membership token assigned
// to that particular Track call.
type Meta struct {
	Ref     string         `json:"ref"`
	Payload map[string]any `json:"payload,omitempty"`
}

// String returns the payload value under name if it is a string.
func (m Meta) String(name string) string {
	s, _ := m.Payload[name].(string)
	return s
}

// PresenceState maps presence keys to their tracked metas, oldest first.
type PresenceState map[string][]Meta

// Event is delivered to channel handlers. Key and Metas are set for join and
// leave events; Name and Payload for broadcasts. Replay marks a join caused
// by a member re-announcing presence it already held, in answer to a state
// request or after a reconnect, rather than by a fresh Track.
type Event struct {
	Kind    EventKind
	Key     string
	Metas   []Meta
	Name    string
	Payload json.RawMessage
	Replay  bool
}

// Filter selects events for a handler. An empty Name matches every broadcast.
type Filter struct {
	Kind EventKind
	Name string
}

func (f Filter) matches(ev Event) bool {
	if f.Kind != ev.Kind {
		return false
	}
	return f.Name == "" || f.Name == ev.Name
}

// Handler receives channel events. Handlers for one channel may be invoked
// from transport goroutines and must not block for long.
type Handler func(Event)

// ChannelOptions configures a channel at creation time.
type ChannelOptions struct {
	PresenceKey   string // membership key; empty disables presence
	BroadcastOnly bool   // disables presence even when a key is set
	Self          bool   // deliver this channel's own broadcasts back to it
}

func (o ChannelOptions) presenceEnabled() bool {
	return o.PresenceKey != "" && !o.BroadcastOnly
}

// Channel is the realtime channel contract.
type Channel interface {
	Topic() string
	// On registers a handler and returns a func that removes it.
	On(filter Filter, h Handler) (cancel func())
	// Subscribe returns once the transport has confirmed the subscription.
	Subscribe(ctx context.Context) error
	Unsubscribe(ctx context.Context) error
	Track(ctx context.Context, payload map[string]any) error
	Untrack(ctx context.Context) error
	Send(ctx context.Context, event string, payload any) error
	PresenceState() PresenceState
}

// Client creates channels.
type Client interface {
	Channel(topic string, opts ChannelOptions) Channel
}

// Bus is the raw publish/subscribe transport under a channel.
type Bus interface {
	// Subscribe registers fn for subject and returns once the transport has
	// acknowledged the interest. Deliveries for one subscription are ordered.
	Subscribe(ctx context.Context, subject string, fn func(data []byte)) (Subscription, error)
	Publish(subject string, data []byte) error
}

// Subscription is a cancellable bus subscription.
type Subscription interface {
	Unsubscribe() error
}

// ReconnectNotifier is implemented by buses that can report a transport
// reconnect after which deliveries may have been missed.
type ReconnectNotifier interface {
	OnReconnect(fn func()) (cancel func())
}
