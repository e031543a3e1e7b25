package typing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/heartline/presence/internal/metrics"
)

// ConversationKey returns a stable key for the conversation between a and b,
// independent of argument order. It is empty when either id is.
func ConversationKey(a, b string) string {
	if a == "" || b == "" {
		return ""
	}
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + ":" + ids[1]
}

// Binding follows one view's (local id, peer id, conversation key) triple,
// keeping exactly one listener attached for the current triple, and sends
// throttled typing pings on it.
type Binding struct {
	m   *Multiplexer
	now func() time.Time

	mu       sync.Mutex
	localID  string
	peerID   string
	key      string
	listener *Listener
	lastSent time.Time
	closed   bool
}

// NewBinding returns an unbound Binding.
func (m *Multiplexer) NewBinding() *Binding {
	return &Binding{m: m, now: time.Now}
}

// Update rebinds to the given triple, detaching from the previous key before
// attaching to the new one. An incomplete triple only detaches.
func (b *Binding) Update(ctx context.Context, localID, peerID, key string) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if b.localID == localID && b.peerID == peerID && b.key == key && b.listener != nil {
		b.mu.Unlock()
		return
	}
	old := b.listener
	b.listener = nil
	b.localID, b.peerID, b.key = localID, peerID, key
	b.lastSent = time.Time{}
	b.mu.Unlock()

	old.Detach()

	l := b.m.Attach(ctx, key, localID, peerID)
	if l == nil {
		return
	}

	b.mu.Lock()
	stale := b.closed || b.localID != localID || b.peerID != peerID || b.key != key || b.listener != nil
	if !stale {
		b.listener = l
	}
	b.mu.Unlock()
	if stale {
		// Rebound or closed while attaching.
		l.Detach()
	}
}

// SendTypingPing broadcasts {from, to, at} on the current conversation unless
// a ping went out within the throttle interval. It reports whether a ping was
// sent.
func (b *Binding) SendTypingPing(ctx context.Context) bool {
	b.mu.Lock()
	l := b.listener
	if l == nil {
		b.mu.Unlock()
		return false
	}
	now := b.now()
	if !b.lastSent.IsZero() && now.Sub(b.lastSent) < b.m.cfg.ThrottleInterval {
		b.mu.Unlock()
		metrics.TypingPings.WithLabelValues("throttled").Inc()
		return false
	}
	b.lastSent = now
	ping := Ping{From: b.localID, To: b.peerID, At: now.UnixMilli()}
	b.mu.Unlock()

	if err := b.m.send(ctx, l.e, ping); err != nil {
		metrics.TypingPings.WithLabelValues("failed").Inc()
		b.m.logger.WithError(err).WithField("key", l.key).Debug("typing ping failed")
		return false
	}
	metrics.TypingPings.WithLabelValues("sent").Inc()
	return true
}

// Key returns the bound conversation key, or "" when unbound.
func (b *Binding) Key() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return ""
	}
	return b.key
}

// Close detaches the current listener. The binding ignores later updates.
func (b *Binding) Close() {
	b.mu.Lock()
	l := b.listener
	b.listener = nil
	b.closed = true
	b.mu.Unlock()
	l.Detach()
}
