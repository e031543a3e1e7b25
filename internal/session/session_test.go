package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartline/presence/internal/auth"
	"github.com/heartline/presence/internal/favorites"
	"github.com/heartline/presence/internal/notify"
	"github.com/heartline/presence/internal/presence"
	"github.com/heartline/presence/internal/realtime"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type loader map[string][]favorites.Profile

func (l loader) List(_ context.Context, userID string) ([]favorites.Profile, error) {
	return l[userID], nil
}

type activity struct {
	mu   sync.Mutex
	seen map[string]int
}

func (a *activity) UpdateLastActive(_ context.Context, userID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.seen == nil {
		a.seen = make(map[string]int)
	}
	a.seen[userID]++
	return nil
}

func (a *activity) count(userID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seen[userID]
}

type sink struct {
	mu     sync.Mutex
	online []string
	typing []string
	added  []notify.Notification
	unread int
}

func (s *sink) PresenceChanged(_ map[string]presence.Status, online []string) {
	s.mu.Lock()
	s.online = online
	s.mu.Unlock()
}

func (s *sink) TypingChanged(typing []string) {
	s.mu.Lock()
	s.typing = typing
	s.mu.Unlock()
}

func (s *sink) NotificationAdded(n notify.Notification) {
	s.mu.Lock()
	s.added = append(s.added, n)
	s.mu.Unlock()
}

func (s *sink) NotificationsChanged(_ []notify.Notification, unread int) {
	s.mu.Lock()
	s.unread = unread
	s.mu.Unlock()
}

func (s *sink) snapshot() (online, typing []string, added []notify.Notification, unread int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.online...), append([]string(nil), s.typing...), append([]notify.Notification(nil), s.added...), s.unread
}

type fixture struct {
	client   realtime.Client
	registry *Registry
	activity *activity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := realtime.NewMemoryBus()
	t.Cleanup(bus.Close)

	f := &fixture{client: realtime.NewClient(bus, nil), activity: &activity{}}
	deps := Deps{
		Client:   f.client,
		Activity: f.activity,
		Favorites: loader{
			"me":  {{ID: "sam", DisplayName: "Sam"}},
			"sam": {{ID: "me", DisplayName: "Me"}},
		},
	}
	f.registry = NewRegistry(deps, DefaultConfig(), nil)
	t.Cleanup(f.registry.CloseAll)
	return f
}

func TestFavoriteComingOnlineIsPushed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	meSink := &sink{}
	me := f.registry.Open("conn-me", meSink)
	require.NoError(t, me.Identify(ctx, "me", auth.StatusAuthenticated))
	require.Eventually(t, func() bool { return me.PresenceState() == presence.StateSynced }, waitFor, tick)

	sam := f.registry.Open("conn-sam", &sink{})
	require.NoError(t, sam.Identify(ctx, "sam", auth.StatusAuthenticated))

	require.Eventually(t, func() bool {
		_, _, added, _ := meSink.snapshot()
		return len(added) == 1
	}, waitFor, tick)
	online, _, added, unread := meSink.snapshot()
	assert.Equal(t, "Sam is now online", added[0].Message)
	assert.Equal(t, notify.TypePresence, added[0].Type)
	assert.Equal(t, 1, unread)
	assert.Contains(t, online, "sam")

	me.MarkAllRead()
	require.Eventually(t, func() bool {
		_, _, _, unread := meSink.snapshot()
		return unread == 0
	}, waitFor, tick)

	require.Eventually(t, func() bool { return f.activity.count("me") > 0 }, waitFor, tick)
}

func TestTypingBetweenSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	meSink := &sink{}
	me := f.registry.Open("conn-me", meSink)
	sam := f.registry.Open("conn-sam", &sink{})
	require.NoError(t, me.Identify(ctx, "me", auth.StatusAuthenticated))
	require.NoError(t, sam.Identify(ctx, "sam", auth.StatusOnboarding))

	require.NoError(t, me.BindTyping(ctx, "sam", ""))
	require.NoError(t, sam.BindTyping(ctx, "me", ""))
	assert.Equal(t, "me:sam", me.TypingKey())
	assert.Equal(t, me.TypingKey(), sam.TypingKey())

	assert.True(t, sam.SendTypingPing(ctx))
	require.Eventually(t, func() bool { return me.Typing().IsTyping("sam") }, waitFor, tick)
	_, typing, _, _ := meSink.snapshot()
	assert.Equal(t, []string{"sam"}, typing)

	me.UnbindTyping(ctx)
	assert.Empty(t, me.TypingKey())
	assert.False(t, me.Typing().IsTyping("sam"))
}

func TestInboxBroadcastBecomesNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	meSink := &sink{}
	me := f.registry.Open("conn-me", meSink)
	require.NoError(t, me.Identify(ctx, "me", auth.StatusAuthenticated))

	producer := f.client.Channel(notify.InboxTopic("me"), realtime.ChannelOptions{BroadcastOnly: true})
	require.NoError(t, producer.Subscribe(ctx))
	defer producer.Unsubscribe(ctx)
	require.NoError(t, producer.Send(ctx, notify.EventMessage, notify.InboxEvent{From: "sam", FromName: "Sam", Preview: "hey"}))

	require.Eventually(t, func() bool { return me.Notifications().UnreadCount() == 1 }, waitFor, tick)
	me.MarkMessageRead("sam")
	assert.Zero(t, me.Notifications().UnreadCount())

	_, _, added, _ := meSink.snapshot()
	require.Len(t, added, 1)
	assert.Equal(t, "New message from Sam", added[0].Message)
}

func TestSignOutLeavesPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	me := f.registry.Open("conn-me", &sink{})
	sam := f.registry.Open("conn-sam", &sink{})
	require.NoError(t, me.Identify(ctx, "me", auth.StatusAuthenticated))
	require.NoError(t, sam.Identify(ctx, "sam", auth.StatusAuthenticated))
	require.Eventually(t, func() bool { return sam.Presence().StatusOf("me") == presence.StatusOnline }, waitFor, tick)

	require.NoError(t, me.SetStatus(ctx, "dnd"))
	require.Eventually(t, func() bool { return sam.Presence().StatusOf("me") == presence.StatusDND }, waitFor, tick)

	me.SignOut(ctx)
	assert.Equal(t, auth.StatusNone, me.Auth().Status)
	assert.Equal(t, presence.StateIdle, me.PresenceState())
	require.Eventually(t, func() bool { return sam.Presence().StatusOf("me") == presence.StatusOffline }, waitFor, tick)
	assert.ErrorIs(t, me.BindTyping(ctx, "sam", ""), ErrNoIdentity)
}

func TestAnonymousIdentityJoinsWithPlaceholder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.registry.Open("conn-anon", &sink{})
	require.NoError(t, s.Identify(ctx, "ghost", auth.StatusAnonymous))
	assert.Empty(t, s.Auth().UserID)
	assert.ErrorIs(t, s.BindTyping(ctx, "sam", ""), ErrNoIdentity)
	require.Eventually(t, func() bool { return s.PresenceState() == presence.StateSynced }, waitFor, tick)
	assert.Zero(t, f.activity.count("ghost"))
}

func TestSetStatusRejectsUnknown(t *testing.T) {
	f := newFixture(t)
	s := f.registry.Open("conn", nil)
	assert.ErrorIs(t, s.SetStatus(context.Background(), "offline"), ErrInvalidStatus)
	assert.ErrorIs(t, s.SetStatus(context.Background(), "busy"), ErrInvalidStatus)
	assert.NoError(t, s.SetStatus(context.Background(), "away"))
}

func TestRegistryLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.registry.Open("conn", nil)
	second := f.registry.Open("conn", nil)
	assert.Equal(t, 1, f.registry.Len())
	assert.Same(t, second, f.registry.Get("conn"))
	assert.ErrorIs(t, first.Identify(ctx, "me", auth.StatusAuthenticated), ErrClosed)

	f.registry.Close("conn")
	f.registry.Close("conn")
	assert.Zero(t, f.registry.Len())
	assert.Nil(t, f.registry.Get("conn"))
	assert.ErrorIs(t, second.Identify(ctx, "me", auth.StatusAuthenticated), ErrClosed)
}
