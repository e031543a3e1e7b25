package ws

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartline/presence/internal/protocol"
)

type clientConn struct {
	conn net.Conn
	rw   io.ReadWriter
}

func dial(t *testing.T, srv *httptest.Server) *clientConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, br, _, err := ws.Dial(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	return &clientConn{conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}
}

func (c *clientConn) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteClientText(c.conn, data))
}

func (c *clientConn) read(t *testing.T) map[string]any {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	data, err := wsutil.ReadServerText(c.rw)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func newTestServer(t *testing.T, d *MessageDispatcher) (*Server, *httptest.Server) {
	t.Helper()
	config := DefaultServerConfig()
	config.MaxConnections = 4
	s := NewServer(config, d.Dispatch, nil)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
		hs.Close()
	})
	return s, hs
}

func TestSessionCreatedAndDispatch(t *testing.T) {
	d := NewMessageDispatcher(nil)
	d.Register(protocol.TypeSetStatus, func(conn *Connection, msg interface{}) {
		m := msg.(protocol.SetStatusMsg)
		SendError(conn, "echo", m.Status)
	})
	_, hs := newTestServer(t, d)
	c := dial(t, hs)

	created := c.read(t)
	assert.Equal(t, protocol.TypeSessionCreated, created["type"])
	assert.NotEmpty(t, created["session_id"])

	c.send(t, map[string]string{"type": "set_status", "status": "away"})
	echo := c.read(t)
	assert.Equal(t, "echo", echo["code"])
	assert.Equal(t, "away", echo["message"])

	c.send(t, map[string]string{"type": "ping"})
	assert.Equal(t, protocol.TypePong, c.read(t)["type"])

	require.NoError(t, wsutil.WriteClientText(c.conn, []byte("not json")))
	assert.Equal(t, "parse_error", c.read(t)["code"])

	c.send(t, map[string]string{"type": "mark_all_read"})
	assert.Equal(t, "unsupported_type", c.read(t)["code"])
}

func TestDisconnectCallbackRunsOnce(t *testing.T) {
	s, hs := newTestServer(t, NewMessageDispatcher(nil))
	var disconnects atomic.Int32
	s.SetOnDisconnect(func(*Connection) { disconnects.Add(1) })

	c := dial(t, hs)
	c.read(t)
	require.Eventually(t, func() bool { return s.Connections().Count() == 1 }, time.Second, 5*time.Millisecond)

	c.conn.Close()
	require.Eventually(t, func() bool { return disconnects.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, s.Connections().Count())

	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, int32(1), disconnects.Load())
}

func TestAdmissionRejects(t *testing.T) {
	s, hs := newTestServer(t, NewMessageDispatcher(nil))
	s.SetAdmission(func(*http.Request) bool { return false })

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	_, _, _, err := ws.Dial(context.Background(), url)
	require.Error(t, err)
	assert.Zero(t, s.Connections().Count())
}

func TestHeartbeatEvictsIdleConnections(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil)
	var evicted atomic.Int32
	s.SetOnDisconnect(func(*Connection) { evicted.Add(1) })

	server, client := net.Pipe()
	defer client.Close()
	go func() { _, _ = io.Copy(io.Discard, client) }()

	c := newConnection("idle", server, "pipe", time.Second)
	c.lastSeen.Store(time.Now().Add(-time.Hour).UnixNano())
	s.conns.Add(c)

	live, liveClient := net.Pipe()
	defer liveClient.Close()
	pinged := make(chan ws.Header, 1)
	go func() {
		h, err := ws.ReadHeader(bufio.NewReader(liveClient))
		if err == nil {
			pinged <- h
		}
	}()
	s.conns.Add(newConnection("live", live, "pipe", time.Second))

	s.checkConnections(HeartbeatConfig{Interval: time.Minute, Timeout: time.Second})

	assert.Equal(t, int32(1), evicted.Load())
	assert.Nil(t, s.conns.Get("idle"))
	assert.NotNil(t, s.conns.Get("live"))
	select {
	case h := <-pinged:
		assert.Equal(t, ws.OpPing, h.OpCode)
	case <-time.After(time.Second):
		t.Fatal("live connection was not pinged")
	}
}

func TestHealth(t *testing.T) {
	_, hs := newTestServer(t, NewMessageDispatcher(nil))
	resp, err := http.Get(hs.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Zero(t, body.Connections)
}
