package main

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartline/presence/internal/protocol"
	"github.com/heartline/presence/internal/ratelimit"
	"github.com/heartline/presence/internal/realtime"
	"github.com/heartline/presence/internal/session"
	pws "github.com/heartline/presence/internal/ws"
)

type denyLimiter struct {
	mu     sync.Mutex
	denied map[string]bool
}

func (d *denyLimiter) Allow(_ context.Context, _ string, rule ratelimit.Rule) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.denied[rule.Key], nil
}

func (d *denyLimiter) RetryAfter(context.Context, string, ratelimit.Rule) time.Duration {
	return 1500 * time.Millisecond
}

type harness struct {
	sessions *session.Registry
	url      string
}

func newHarness(t *testing.T, limiter rateLimiter) *harness {
	t.Helper()
	bus := realtime.NewMemoryBus()
	t.Cleanup(bus.Close)

	sessions := session.NewRegistry(session.Deps{Client: realtime.NewClient(bus, nil)}, session.DefaultConfig(), nil)
	dispatcher := pws.NewMessageDispatcher(nil)
	server := pws.NewServer(pws.DefaultServerConfig(), dispatcher.Dispatch, nil)
	newGateway(sessions, limiter, nil).attach(server, dispatcher)

	hs := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		_ = server.Shutdown(context.Background())
		hs.Close()
		sessions.CloseAll()
	})
	return &harness{sessions: sessions, url: "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"}
}

type browser struct {
	conn net.Conn
	rw   io.ReadWriter
}

func (h *harness) connect(t *testing.T) *browser {
	t.Helper()
	conn, br, _, err := ws.Dial(context.Background(), h.url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	b := &browser{conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}
	assert.Equal(t, protocol.TypeSessionCreated, b.next(t)["type"])
	return b
}

func (b *browser) send(t *testing.T, v map[string]any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteClientText(b.conn, data))
}

func (b *browser) next(t *testing.T) map[string]any {
	t.Helper()
	require.NoError(t, b.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	data, err := wsutil.ReadServerText(b.rw)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

// await reads messages until one of msgType satisfies match.
func (b *browser) await(t *testing.T, msgType string, match func(map[string]any) bool) map[string]any {
	t.Helper()
	for {
		m := b.next(t)
		if m["type"] == msgType && (match == nil || match(m)) {
			return m
		}
	}
}

func listContains(v any, want string) bool {
	items, _ := v.([]any)
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}

func TestIdentifyPushesPresence(t *testing.T) {
	h := newHarness(t, nil)
	me := h.connect(t)
	me.send(t, map[string]any{"type": "identify", "user_id": "me", "auth_status": "authenticated"})

	state := me.await(t, protocol.TypePresenceState, func(m map[string]any) bool {
		return listContains(m["online"], "me")
	})
	assert.Equal(t, "online", state["users"].(map[string]any)["me"])

	me.send(t, map[string]any{"type": "set_status", "status": "away"})
	me.await(t, protocol.TypePresenceState, func(m map[string]any) bool {
		return m["users"].(map[string]any)["me"] == "away"
	})
}

func TestIdentifyRejectsUnknownAuthStatus(t *testing.T) {
	h := newHarness(t, nil)
	b := h.connect(t)
	b.send(t, map[string]any{"type": "identify", "user_id": "me", "auth_status": "root"})
	assert.Equal(t, "invalid_auth_status", b.await(t, protocol.TypeError, nil)["code"])
}

func TestTypingBetweenBrowsers(t *testing.T) {
	h := newHarness(t, nil)
	me := h.connect(t)
	sam := h.connect(t)
	me.send(t, map[string]any{"type": "identify", "user_id": "me", "auth_status": "authenticated"})
	sam.send(t, map[string]any{"type": "identify", "user_id": "sam", "auth_status": "authenticated"})

	me.send(t, map[string]any{"type": "typing_bind", "peer_id": "sam"})
	sam.send(t, map[string]any{"type": "typing_bind", "peer_id": "me"})
	me.send(t, map[string]any{"type": "ping"})
	me.await(t, protocol.TypePong, nil)
	sam.send(t, map[string]any{"type": "ping"})
	sam.await(t, protocol.TypePong, nil)

	sam.send(t, map[string]any{"type": "typing_ping"})
	me.await(t, protocol.TypeTypingState, func(m map[string]any) bool {
		return listContains(m["typing"], "sam")
	})
}

func TestRateLimitedActions(t *testing.T) {
	limiter := &denyLimiter{denied: map[string]bool{ratelimit.RuleStatus.Key: true}}
	h := newHarness(t, limiter)
	b := h.connect(t)

	b.send(t, map[string]any{"type": "set_status", "status": "away"})
	m := b.await(t, protocol.TypeRateLimited, nil)
	assert.Equal(t, protocol.TypeSetStatus, m["action"])
	assert.Equal(t, float64(2), m["retry_after"])
}

func TestTypingBindRequiresIdentity(t *testing.T) {
	h := newHarness(t, nil)
	b := h.connect(t)
	b.send(t, map[string]any{"type": "typing_bind", "peer_id": "sam"})
	assert.Equal(t, "not_identified", b.await(t, protocol.TypeError, nil)["code"])
	b.send(t, map[string]any{"type": "typing_bind"})
	assert.Equal(t, "invalid_peer", b.await(t, protocol.TypeError, nil)["code"])
}

func TestDisconnectClosesSession(t *testing.T) {
	h := newHarness(t, nil)
	b := h.connect(t)
	require.Eventually(t, func() bool { return h.sessions.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	b.conn.Close()
	require.Eventually(t, func() bool { return h.sessions.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}
