package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/heartline/presence/internal/logging"
)

// Frame types on the wire.
const (
	frameTrack     = "track"
	frameUntrack   = "untrack"
	frameStateReq  = "state_req"
	frameBroadcast = "broadcast"
)

// frame is the JSON envelope published on a topic's subjects.
type frame struct {
	Type    string          `json:"type"`
	Origin  string          `json:"origin"`
	Key     string          `json:"key,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Replay  bool            `json:"replay,omitempty"` // re-announcement of an existing track
}

type channelState int

const (
	stateIdle channelState = iota
	stateJoined
	stateClosed
)

type binding struct {
	id     uint64
	filter Filter
	fn     Handler
}

// DefaultPresenceTTL is how long a tracked meta survives without being
// re-announced by its owner.
const DefaultPresenceTTL = 30 * time.Second

type client struct {
	bus    Bus
	logger logrus.FieldLogger
	ttl    time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*client)

// WithPresenceTTL sets how long a presence meta lives without a refresh.
// Tracking channels re-announce three times per TTL. Zero disables expiry.
func WithPresenceTTL(d time.Duration) ClientOption {
	return func(c *client) { c.ttl = d }
}

// NewClient returns a Client whose channels run over bus.
func NewClient(bus Bus, logger logrus.FieldLogger, opts ...ClientOption) Client {
	c := &client{bus: bus, logger: logging.Component(logger, "realtime"), ttl: DefaultPresenceTTL}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *client) Channel(topic string, opts ChannelOptions) Channel {
	ch := newChannel(c.bus, topic, opts, c.logger)
	ch.ttl = c.ttl
	return ch
}

// channel implements Channel over a Bus.
type channel struct {
	bus    Bus
	topic  string
	opts   ChannelOptions
	id     string
	logger logrus.FieldLogger
	ttl    time.Duration // presence meta lifetime, zero for none

	joinMu sync.Mutex // serializes Subscribe and Unsubscribe

	mu            sync.Mutex
	state         channelState
	subs          []Subscription
	handlers      []binding
	nextID        uint64
	mirror        *presenceMirror
	tracked       *Meta
	stopReconnect func()
	stopRefresh   chan struct{}
}

func newChannel(bus Bus, topic string, opts ChannelOptions, logger logrus.FieldLogger) *channel {
	id := uuid.New().String()
	return &channel{
		bus:    bus,
		topic:  topic,
		opts:   opts,
		id:     id,
		logger: logger.WithFields(logrus.Fields{"topic": topic, "channel": id}),
		mirror: newPresenceMirror(),
	}
}

func (c *channel) Topic() string { return c.topic }

func (c *channel) On(filter Filter, h Handler) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers = append(c.handlers, binding{id: id, filter: filter, fn: h})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, b := range c.handlers {
				if b.id == id {
					c.handlers = append(c.handlers[:i:i], c.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

func (c *channel) Subscribe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.joinMu.Lock()
	defer c.joinMu.Unlock()

	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	switch st {
	case stateJoined:
		return nil
	case stateClosed:
		return ErrChannelClosed
	}

	presence := c.opts.presenceEnabled()

	var subs []Subscription
	sub, err := c.bus.Subscribe(ctx, c.subject("broadcast"), c.handleBroadcast)
	if err != nil {
		return fmt.Errorf("realtime: subscribe %s: %w", c.topic, err)
	}
	subs = append(subs, sub)

	if presence {
		sub, err := c.bus.Subscribe(ctx, c.subject("presence"), c.handlePresence)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return fmt.Errorf("realtime: subscribe %s presence: %w", c.topic, err)
		}
		subs = append(subs, sub)
	}

	var stop func()
	if rn, ok := c.bus.(ReconnectNotifier); ok {
		stop = rn.OnReconnect(c.handleReconnect)
	}

	var done chan struct{}
	if presence && c.ttl > 0 {
		done = make(chan struct{})
	}

	c.mu.Lock()
	c.state = stateJoined
	c.subs = subs
	c.stopReconnect = stop
	c.stopRefresh = done
	c.mu.Unlock()

	if done != nil {
		go c.refreshLoop(done)
	}

	c.logger.Debug("subscribed")

	if presence {
		// The first sync reflects the mirror before any member has answered
		// the state request below.
		c.dispatch(Event{Kind: EventSync})
		if err := c.publish(c.subject("presence"), frame{Type: frameStateReq}); err != nil {
			c.logger.WithError(err).Warn("presence state request failed")
		}
	}
	return nil
}

func (c *channel) Unsubscribe(ctx context.Context) error {
	c.joinMu.Lock()
	defer c.joinMu.Unlock()

	c.mu.Lock()
	if c.state != stateJoined {
		c.state = stateClosed
		c.mu.Unlock()
		return nil
	}
	tracked := c.tracked
	subs := c.subs
	stop := c.stopReconnect
	done := c.stopRefresh
	c.tracked = nil
	c.subs = nil
	c.stopReconnect = nil
	c.stopRefresh = nil
	c.state = stateClosed
	c.mu.Unlock()

	if done != nil {
		close(done)
	}

	var errs []error
	if tracked != nil {
		if err := c.publish(c.subject("presence"), frame{Type: frameUntrack, Key: c.opts.PresenceKey, Ref: tracked.Ref}); err != nil {
			errs = append(errs, err)
		}
	}
	if stop != nil {
		stop()
	}
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("realtime: unsubscribe %s: %w", c.topic, err)
	}
	c.logger.Debug("unsubscribed")
	return nil
}

func (c *channel) Track(ctx context.Context, payload map[string]any) error {
	if !c.opts.presenceEnabled() {
		return ErrPresenceDisabled
	}
	c.mu.Lock()
	if c.state != stateJoined {
		c.mu.Unlock()
		return ErrNotSubscribed
	}
	meta := Meta{Ref: uuid.New().String(), Payload: copyPayload(payload)}
	c.tracked = &meta
	c.mu.Unlock()

	return c.publishTrack(meta, false)
}

func (c *channel) Untrack(ctx context.Context) error {
	if !c.opts.presenceEnabled() {
		return ErrPresenceDisabled
	}
	c.mu.Lock()
	if c.state != stateJoined {
		c.mu.Unlock()
		return ErrNotSubscribed
	}
	tracked := c.tracked
	c.tracked = nil
	c.mu.Unlock()

	if tracked == nil {
		return nil
	}
	return c.publish(c.subject("presence"), frame{Type: frameUntrack, Key: c.opts.PresenceKey, Ref: tracked.Ref})
}

func (c *channel) Send(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	joined := c.state == stateJoined
	c.mu.Unlock()
	if !joined {
		return ErrNotSubscribed
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("realtime: marshal %s payload: %w", event, err)
	}
	return c.publish(c.subject("broadcast"), frame{Type: frameBroadcast, Event: event, Payload: data})
}

func (c *channel) PresenceState() PresenceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mirror.snapshot()
}

func (c *channel) publishTrack(meta Meta, replay bool) error {
	data, err := json.Marshal(meta.Payload)
	if err != nil {
		return fmt.Errorf("realtime: marshal presence payload: %w", err)
	}
	return c.publish(c.subject("presence"), frame{
		Type:    frameTrack,
		Key:     c.opts.PresenceKey,
		Ref:     meta.Ref,
		Payload: data,
		Replay:  replay,
	})
}

func (c *channel) publish(subject string, f frame) error {
	f.Origin = c.id
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("realtime: marshal frame: %w", err)
	}
	if err := c.bus.Publish(subject, data); err != nil {
		return fmt.Errorf("realtime: publish %s: %w", subject, err)
	}
	return nil
}

func (c *channel) handlePresence(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.WithError(err).Debug("dropping malformed presence frame")
		return
	}

	var payload map[string]any
	if f.Type == frameTrack && len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &payload); err != nil {
			c.logger.WithError(err).Debug("dropping presence frame with bad payload")
			return
		}
	}

	c.mu.Lock()
	if c.state != stateJoined {
		c.mu.Unlock()
		return
	}
	var (
		events   []Event
		announce *Meta
	)
	switch f.Type {
	case frameStateReq:
		if f.Origin != c.id && c.tracked != nil {
			m := *c.tracked
			announce = &m
		}
	case frameTrack:
		joined, left := c.mirror.track(f.Key, f.Origin, Meta{Ref: f.Ref, Payload: payload}, time.Now())
		if len(joined) > 0 {
			events = append(events, Event{Kind: EventJoin, Key: f.Key, Metas: joined, Replay: f.Replay})
		}
		if len(left) > 0 {
			events = append(events, Event{Kind: EventLeave, Key: f.Key, Metas: left})
		}
	case frameUntrack:
		if left := c.mirror.untrack(f.Key, f.Ref); len(left) > 0 {
			events = append(events, Event{Kind: EventLeave, Key: f.Key, Metas: left})
		}
	}
	if len(events) > 0 {
		events = append(events, Event{Kind: EventSync})
	}
	c.mu.Unlock()

	if announce != nil {
		if err := c.publishTrack(*announce, true); err != nil {
			c.logger.WithError(err).Warn("presence re-announce failed")
		}
	}
	for _, ev := range events {
		c.dispatch(ev)
	}
}

func (c *channel) handleBroadcast(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.WithError(err).Debug("dropping malformed broadcast frame")
		return
	}
	if f.Type != frameBroadcast {
		return
	}
	if f.Origin == c.id && !c.opts.Self {
		return
	}
	c.dispatch(Event{Kind: EventBroadcast, Name: f.Event, Payload: f.Payload})
}

// handleReconnect re-announces this channel's presence and asks the topic for
// its state, since frames may have been lost while the transport was down.
func (c *channel) handleReconnect() {
	c.mu.Lock()
	if c.state != stateJoined {
		c.mu.Unlock()
		return
	}
	var tracked *Meta
	if c.tracked != nil {
		m := *c.tracked
		tracked = &m
	}
	c.mu.Unlock()

	presence := c.opts.presenceEnabled()
	if presence {
		if tracked != nil {
			if err := c.publishTrack(*tracked, true); err != nil {
				c.logger.WithError(err).Warn("presence re-announce after reconnect failed")
			}
		}
		if err := c.publish(c.subject("presence"), frame{Type: frameStateReq}); err != nil {
			c.logger.WithError(err).Warn("presence state request after reconnect failed")
		}
	}
	c.dispatch(Event{Kind: EventReconnect})
	if presence {
		c.dispatch(Event{Kind: EventSync})
	}
}

// refreshLoop keeps this channel's own meta alive on every mirror of the topic
// and ages out metas whose owners stopped announcing them.
func (c *channel) refreshLoop(done <-chan struct{}) {
	ticker := time.NewTicker(c.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.refresh()
		}
	}
}

func (c *channel) refresh() {
	c.mu.Lock()
	if c.state != stateJoined {
		c.mu.Unlock()
		return
	}
	var tracked *Meta
	if c.tracked != nil {
		m := *c.tracked
		tracked = &m
	}
	expired := c.mirror.expire(time.Now().Add(-c.ttl))
	c.mu.Unlock()

	if tracked != nil {
		if err := c.publishTrack(*tracked, true); err != nil {
			c.logger.WithError(err).Debug("presence refresh failed")
		}
	}
	if len(expired) == 0 {
		return
	}

	keys := make([]string, 0, len(expired))
	for key := range expired {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	c.logger.WithField("keys", keys).Debug("presence metas expired")
	for _, key := range keys {
		c.dispatch(Event{Kind: EventLeave, Key: key, Metas: expired[key]})
	}
	c.dispatch(Event{Kind: EventSync})
}

func (c *channel) dispatch(ev Event) {
	c.mu.Lock()
	if c.state != stateJoined {
		c.mu.Unlock()
		return
	}
	fns := make([]Handler, 0, len(c.handlers))
	for _, b := range c.handlers {
		if b.filter.matches(ev) {
			fns = append(fns, b.fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

var subjectReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

func (c *channel) subject(kind string) string {
	return "rt." + subjectReplacer.Replace(c.topic) + "." + kind
}
