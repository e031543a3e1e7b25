// Package realtimetest provides a scriptable in-memory realtime.Client for
// tests of code built on realtime channels. Events are injected with Emit and
// every channel operation is counted.
package realtimetest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/heartline/presence/internal/realtime"
)

// Sent is one recorded Send call.
type Sent struct {
	Event   string
	Payload json.RawMessage
}

// Client hands out FakeChannels and remembers them by topic.
type Client struct {
	mu       sync.Mutex
	channels map[string][]*Channel

	// NewChannelHook, when set, runs on every channel before it is returned.
	NewChannelHook func(*Channel)
}

// NewClient returns an empty fake client.
func NewClient() *Client {
	return &Client{channels: make(map[string][]*Channel)}
}

func (c *Client) Channel(topic string, opts realtime.ChannelOptions) realtime.Channel {
	ch := &Channel{topic: topic, Options: opts}
	if c.NewChannelHook != nil {
		c.NewChannelHook(ch)
	}
	c.mu.Lock()
	c.channels[topic] = append(c.channels[topic], ch)
	c.mu.Unlock()
	return ch
}

// Channels returns every channel created for topic, oldest first.
func (c *Client) Channels(topic string) []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Channel(nil), c.channels[topic]...)
}

// Last returns the newest channel for topic, or nil.
func (c *Client) Last(topic string) *Channel {
	chs := c.Channels(topic)
	if len(chs) == 0 {
		return nil
	}
	return chs[len(chs)-1]
}

// Created returns the number of channels created for topic.
func (c *Client) Created(topic string) int {
	return len(c.Channels(topic))
}

type handler struct {
	id     uint64
	filter realtime.Filter
	fn     realtime.Handler
}

// Channel is a fake realtime.Channel.
type Channel struct {
	topic   string
	Options realtime.ChannelOptions

	mu            sync.Mutex
	handlers      []handler
	nextID        uint64
	subscribed    bool
	state         realtime.PresenceState
	subscribes    int
	unsubscribes  int
	tracks        []map[string]any
	untracks      int
	sent          []Sent
	subscribeErr  error
	trackErr      error
	untrackErr    error
	unsubErr      error
	sendErr       error
	subscribeGate chan struct{}
}

func (c *Channel) Topic() string { return c.topic }

func (c *Channel) On(filter realtime.Filter, h realtime.Handler) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers = append(c.handlers, handler{id: id, filter: filter, fn: h})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, h := range c.handlers {
			if h.id == id {
				c.handlers = append(c.handlers[:i:i], c.handlers[i+1:]...)
				return
			}
		}
	}
}

func (c *Channel) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	gate := c.subscribeGate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribes++
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.subscribed = true
	return nil
}

func (c *Channel) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribes++
	c.subscribed = false
	return c.unsubErr
}

func (c *Channel) Track(ctx context.Context, payload map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.trackErr != nil {
		return c.trackErr
	}
	if !c.subscribed {
		return realtime.ErrNotSubscribed
	}
	c.tracks = append(c.tracks, payload)
	return nil
}

func (c *Channel) Untrack(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.untracks++
	return c.untrackErr
}

func (c *Channel) Send(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if !c.subscribed {
		return realtime.ErrNotSubscribed
	}
	c.sent = append(c.sent, Sent{Event: event, Payload: data})
	return nil
}

func (c *Channel) PresenceState() realtime.PresenceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(realtime.PresenceState, len(c.state))
	for k, v := range c.state {
		out[k] = append([]realtime.Meta(nil), v...)
	}
	return out
}

// SetPresenceState replaces what PresenceState returns.
func (c *Channel) SetPresenceState(state realtime.PresenceState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// Emit delivers ev synchronously to every matching handler.
func (c *Channel) Emit(ev realtime.Event) {
	c.mu.Lock()
	var fns []realtime.Handler
	for _, h := range c.handlers {
		if h.filter.Kind == ev.Kind && (h.filter.Name == "" || h.filter.Name == ev.Name) {
			fns = append(fns, h.fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// EmitBroadcast marshals payload and emits it as a broadcast named event.
func (c *Channel) EmitBroadcast(event string, payload any) {
	data, _ := json.Marshal(payload)
	c.Emit(realtime.Event{Kind: realtime.EventBroadcast, Name: event, Payload: data})
}

// FailSubscribe makes Subscribe return err (nil restores success).
func (c *Channel) FailSubscribe(err error) { c.mu.Lock(); c.subscribeErr = err; c.mu.Unlock() }

// FailTrack makes Track return err.
func (c *Channel) FailTrack(err error) { c.mu.Lock(); c.trackErr = err; c.mu.Unlock() }

// FailUntrack makes Untrack return err.
func (c *Channel) FailUntrack(err error) { c.mu.Lock(); c.untrackErr = err; c.mu.Unlock() }

// FailUnsubscribe makes Unsubscribe return err.
func (c *Channel) FailUnsubscribe(err error) { c.mu.Lock(); c.unsubErr = err; c.mu.Unlock() }

// FailSend makes Send return err.
func (c *Channel) FailSend(err error) { c.mu.Lock(); c.sendErr = err; c.mu.Unlock() }

// HoldSubscribe makes Subscribe block until the returned func is called.
func (c *Channel) HoldSubscribe() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.subscribeGate = gate
	c.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// Subscribes returns the number of Subscribe calls.
func (c *Channel) Subscribes() int { c.mu.Lock(); defer c.mu.Unlock(); return c.subscribes }

// Unsubscribes returns the number of Unsubscribe calls.
func (c *Channel) Unsubscribes() int { c.mu.Lock(); defer c.mu.Unlock(); return c.unsubscribes }

// Untracks returns the number of Untrack calls.
func (c *Channel) Untracks() int { c.mu.Lock(); defer c.mu.Unlock(); return c.untracks }

// Tracks returns the payloads passed to successful Track calls.
func (c *Channel) Tracks() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.tracks...)
}

// Sent returns the successful Send calls.
func (c *Channel) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Handlers returns the number of registered handlers.
func (c *Channel) Handlers() int { c.mu.Lock(); defer c.mu.Unlock(); return len(c.handlers) }

// Subscribed reports whether the channel is currently subscribed.
func (c *Channel) Subscribed() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.subscribed }
