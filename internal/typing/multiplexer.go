package typing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/heartline/presence/internal/logging"
	"github.com/heartline/presence/internal/metrics"
	"github.com/heartline/presence/internal/realtime"
)

// EventTyping is the broadcast event carrying a Ping.
const EventTyping = "typing"

// errEvicted is returned to a subscribe whose entry lost its last listener
// while the subscription was in flight.
var errEvicted = errors.New("typing: channel evicted")

// Ping is the typing broadcast payload. At is unix milliseconds.
type Ping struct {
	From string `json:"from"`
	To   string `json:"to"`
	At   int64  `json:"at"`
}

// Config holds multiplexer timings.
type Config struct {
	ExpiryDelay      time.Duration // how long a received signal stays on
	ThrottleInterval time.Duration // minimum gap between outgoing pings per binding
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ExpiryDelay:      1500 * time.Millisecond,
		ThrottleInterval: 300 * time.Millisecond,
	}
}

// Topic returns the channel topic for a conversation key.
func Topic(key string) string {
	return "typing:" + key
}

type subscribeCall struct {
	done chan struct{}
	err  error
}

// entry is the cached channel of one conversation key.
type entry struct {
	key        string
	channel    realtime.Channel
	listeners  int
	subscribed bool
	inflight   *subscribeCall
	evicted    bool
}

// Multiplexer owns the typing channel cache. All mutation of the cache goes
// through ensure, Attach and Listener.Detach.
type Multiplexer struct {
	client realtime.Client
	store  *Store
	cfg    Config
	logger logrus.FieldLogger

	mu      sync.Mutex
	entries map[string]*entry
	nextID  uint64
}

// NewMultiplexer returns an empty multiplexer feeding store.
func NewMultiplexer(client realtime.Client, store *Store, cfg Config, logger logrus.FieldLogger) *Multiplexer {
	def := DefaultConfig()
	if cfg.ExpiryDelay <= 0 {
		cfg.ExpiryDelay = def.ExpiryDelay
	}
	if cfg.ThrottleInterval < 0 {
		cfg.ThrottleInterval = def.ThrottleInterval
	}
	return &Multiplexer{
		client:  client,
		store:   store,
		cfg:     cfg,
		logger:  logging.Component(logger, "typing"),
		entries: make(map[string]*entry),
	}
}

// Listeners returns the listener count for key, zero when not cached.
func (m *Multiplexer) Listeners(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		return e.listeners
	}
	return 0
}

// Channels returns the number of cached channels.
func (m *Multiplexer) Channels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// ensure returns the entry for key, creating it and its channel on first
// use. m.mu must be held.
func (m *Multiplexer) ensure(key string) *entry {
	if e, ok := m.entries[key]; ok {
		return e
	}
	e := &entry{
		key:     key,
		channel: m.client.Channel(Topic(key), realtime.ChannelOptions{BroadcastOnly: true}),
	}
	m.entries[key] = e
	metrics.TypingChannels.Inc()
	return e
}

// evict removes e from the cache. m.mu must be held.
func (m *Multiplexer) evict(e *entry) {
	e.evicted = true
	if m.entries[e.key] == e {
		delete(m.entries, e.key)
		metrics.TypingChannels.Dec()
	}
}

// ensureSubscribed subscribes e's channel at most once. Concurrent callers
// share the in-flight attempt; a failed attempt is forgotten so the next
// caller retries.
func (m *Multiplexer) ensureSubscribed(ctx context.Context, e *entry) error {
	m.mu.Lock()
	if e.subscribed {
		m.mu.Unlock()
		return nil
	}
	if e.evicted {
		m.mu.Unlock()
		return errEvicted
	}
	if call := e.inflight; call != nil {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &subscribeCall{done: make(chan struct{})}
	e.inflight = call
	m.mu.Unlock()

	err := e.channel.Subscribe(ctx)

	m.mu.Lock()
	e.inflight = nil
	evicted := e.evicted
	switch {
	case err == nil && evicted:
		err = errEvicted
	case err == nil:
		e.subscribed = true
	case e.listeners == 0:
		m.evict(e)
	}
	call.err = err
	close(call.done)
	m.mu.Unlock()

	if evicted && errors.Is(err, errEvicted) {
		// Every listener left while we were subscribing.
		m.unsubscribe(e)
	}
	if err != nil && !errors.Is(err, errEvicted) {
		metrics.TransportErrors.WithLabelValues("subscribe").Inc()
		m.logger.WithError(err).WithField("key", e.key).Warn("typing subscribe failed")
	}
	return err
}

func (m *Multiplexer) unsubscribe(e *entry) {
	if err := e.channel.Unsubscribe(context.Background()); err != nil {
		metrics.TransportErrors.WithLabelValues("unsubscribe").Inc()
		m.logger.WithError(err).WithField("key", e.key).Warn("typing unsubscribe failed")
	}
}

// Attach registers a listener for typing signals from peerID addressed to
// localID on key's channel, subscribing the channel if needed. It returns nil
// when any argument is empty. A failed subscribe is logged; the listener is
// still returned and must be detached.
func (m *Multiplexer) Attach(ctx context.Context, key, localID, peerID string) *Listener {
	if key == "" || localID == "" || peerID == "" {
		return nil
	}

	m.mu.Lock()
	e := m.ensure(key)
	e.listeners++
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	l := &Listener{m: m, e: e, id: id, key: key, localID: localID, peerID: peerID}
	l.cancel = e.channel.On(realtime.Filter{Kind: realtime.EventBroadcast, Name: EventTyping}, l.handle)

	_ = m.ensureSubscribed(ctx, e)
	return l
}

// release drops one listener from e and tears the channel down at zero.
func (m *Multiplexer) release(e *entry) {
	m.mu.Lock()
	if e.listeners == 0 {
		m.mu.Unlock()
		return
	}
	e.listeners--
	if e.listeners > 0 {
		m.mu.Unlock()
		return
	}
	m.evict(e)
	subscribed := e.subscribed
	e.subscribed = false
	m.mu.Unlock()

	// An in-flight subscribe sees evicted and unsubscribes when it lands.
	if subscribed {
		m.unsubscribe(e)
	}
}

func (m *Multiplexer) send(ctx context.Context, e *entry, ping Ping) error {
	if err := m.ensureSubscribed(ctx, e); err != nil {
		return err
	}
	if err := e.channel.Send(ctx, EventTyping, ping); err != nil {
		metrics.TransportErrors.WithLabelValues("send").Inc()
		return err
	}
	return nil
}

// Close drops every cached channel regardless of listeners.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	var subscribed []*entry
	for _, e := range m.entries {
		e.listeners = 0
		if e.subscribed {
			subscribed = append(subscribed, e)
		}
		e.subscribed = false
		e.evicted = true
	}
	metrics.TypingChannels.Sub(float64(len(m.entries)))
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range subscribed {
		m.unsubscribe(e)
	}
}

// Listener is one attachment to a conversation's typing channel.
type Listener struct {
	m       *Multiplexer
	e       *entry
	id      uint64 // hold id in the store
	key     string
	localID string
	peerID  string
	cancel  func()

	mu       sync.Mutex
	timer    *time.Timer
	seq      uint64
	detached bool
}

// Key returns the conversation key the listener is attached to.
func (l *Listener) Key() string { return l.key }

func (l *Listener) handle(ev realtime.Event) {
	var p Ping
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return
	}
	if p.From != l.peerID || p.To != l.localID {
		return
	}

	delay := l.m.cfg.ExpiryDelay
	l.mu.Lock()
	if l.detached {
		l.mu.Unlock()
		return
	}
	l.seq++
	seq := l.seq
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(delay, func() { l.expire(seq) })
	l.mu.Unlock()

	l.m.store.Hold(l.peerID, l.id, time.Now().Add(delay))
}

func (l *Listener) expire(seq uint64) {
	l.mu.Lock()
	current := !l.detached && l.seq == seq
	if current {
		l.timer = nil
	}
	l.mu.Unlock()
	if current {
		l.m.store.Release(l.peerID, l.id)
	}
}

// Detach removes the listener, cancels its expiry timer and releases its
// hold on the peer's flag. Signals held by other listeners stay. It is safe to call more than once and on a nil Listener.
func (l *Listener) Detach() {
	if l == nil {
		return
	}
	l.mu.Lock()
	if l.detached {
		l.mu.Unlock()
		return
	}
	l.detached = true
	hadTimer := l.timer != nil
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.mu.Unlock()

	l.cancel()
	if hadTimer {
		l.m.store.Release(l.peerID, l.id)
	}
	l.m.release(l.e)
}
