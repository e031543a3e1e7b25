package typing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendTypingPingThrottles(t *testing.T) {
	m, client, _ := newTestMultiplexer(DefaultConfig())
	b := m.NewBinding()
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }
	b.Update(context.Background(), "A", "B", "c1")
	ctx := context.Background()

	assert.True(t, b.SendTypingPing(ctx))
	now = now.Add(299 * time.Millisecond)
	assert.False(t, b.SendTypingPing(ctx), "within the throttle window")
	assert.Len(t, client.Last(Topic("c1")).Sent(), 1)

	now = now.Add(time.Millisecond)
	assert.True(t, b.SendTypingPing(ctx))
	assert.Len(t, client.Last(Topic("c1")).Sent(), 2)
}

func TestSendTypingPingUnbound(t *testing.T) {
	m, _, _ := newTestMultiplexer(DefaultConfig())
	b := m.NewBinding()
	assert.False(t, b.SendTypingPing(context.Background()))
	assert.Empty(t, b.Key())
}

func TestSendTypingPingFailure(t *testing.T) {
	m, client, _ := newTestMultiplexer(DefaultConfig())
	b := m.NewBinding()
	b.Update(context.Background(), "A", "B", "c1")
	client.Last(Topic("c1")).FailSend(errors.New("down"))

	assert.False(t, b.SendTypingPing(context.Background()))
}

func TestBindingRebinds(t *testing.T) {
	m, client, _ := newTestMultiplexer(DefaultConfig())
	ctx := context.Background()
	b := m.NewBinding()

	b.Update(ctx, "A", "B", "c1")
	b.Update(ctx, "A", "B", "c1")
	first := client.Last(Topic("c1"))
	assert.Equal(t, 1, first.Subscribes(), "unchanged triple is a no-op")
	assert.Equal(t, "c1", b.Key())

	b.Update(ctx, "A", "C", "c2")
	assert.Equal(t, 1, first.Unsubscribes(), "old key is detached")
	assert.Equal(t, 1, m.Listeners("c2"))
	assert.Zero(t, m.Listeners("c1"))
	assert.Equal(t, "c2", b.Key())

	b.Update(ctx, "A", "", "c2")
	assert.Zero(t, m.Channels(), "incomplete triple only detaches")
	assert.Empty(t, b.Key())

	b.Close()
	b.Update(ctx, "A", "B", "c3")
	assert.Zero(t, client.Created(Topic("c3")), "closed bindings ignore updates")
}

func TestBindingsShareChannel(t *testing.T) {
	m, client, _ := newTestMultiplexer(DefaultConfig())
	ctx := context.Background()
	one, two := m.NewBinding(), m.NewBinding()

	one.Update(ctx, "A", "B", "c1")
	two.Update(ctx, "A", "B", "c1")
	require.Equal(t, 1, client.Created(Topic("c1")))
	assert.Equal(t, 2, m.Listeners("c1"))

	one.Close()
	assert.Zero(t, client.Last(Topic("c1")).Unsubscribes())
	two.Close()
	assert.Equal(t, 1, client.Last(Topic("c1")).Unsubscribes())
}

func TestConversationKey(t *testing.T) {
	assert.Equal(t, ConversationKey("b", "a"), ConversationKey("a", "b"))
	assert.Equal(t, "a:b", ConversationKey("b", "a"))
	assert.Empty(t, ConversationKey("", "a"))
}
