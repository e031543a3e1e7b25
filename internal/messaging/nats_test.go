package messaging

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartline/presence/internal/realtime"
)

// newTestClient connects to a local NATS server. Tests that call this helper
// require a running NATS on NATS_URL or localhost:4222.
func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	config := DefaultNATSConfig()
	config.Name = "presenced-test"
	config.MaxReconnects = 0
	if v := os.Getenv("NATS_URL"); v != "" {
		config.URL = v
	}
	client, err := NewNATSClient(config, nil)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	var got atomic.Int32
	sub, err := client.Subscribe(ctx, "rt.test-sub.broadcast", func([]byte) { got.Add(1) })
	require.NoError(t, err)

	require.NoError(t, client.Publish("rt.test-sub.broadcast", []byte("x")))
	require.Eventually(t, func() bool { return got.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe(), "second unsubscribe is a no-op")
	require.NoError(t, client.Publish("rt.test-sub.broadcast", []byte("y")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), got.Load())
}

func TestPresenceOverNATS(t *testing.T) {
	client := newTestClient(t)
	rt := realtime.NewClient(client, nil)
	ctx := context.Background()

	alice := rt.Channel("test-online", realtime.ChannelOptions{PresenceKey: "alice"})
	require.NoError(t, alice.Subscribe(ctx))
	defer alice.Unsubscribe(ctx)
	require.NoError(t, alice.Track(ctx, map[string]any{"status": "online"}))

	bob := rt.Channel("test-online", realtime.ChannelOptions{PresenceKey: "bob"})
	require.NoError(t, bob.Subscribe(ctx))
	defer bob.Unsubscribe(ctx)

	require.Eventually(t, func() bool {
		return len(bob.PresenceState()["alice"]) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOnReconnectCancel(t *testing.T) {
	client := &NATSClient{hooks: make(map[uint64]func())}
	fired := make(chan struct{}, 2)

	cancel := client.OnReconnect(func() { fired <- struct{}{} })
	client.fireReconnect()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("reconnect hook did not fire")
	}

	cancel()
	client.fireReconnect()
	select {
	case <-fired:
		t.Fatal("cancelled hook fired")
	case <-time.After(50 * time.Millisecond):
	}
}
