package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartline/presence/internal/auth"
)

type countingUpdater struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (u *countingUpdater) UpdateLastActive(_ context.Context, userID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, userID)
	return u.err
}

func (u *countingUpdater) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.calls)
}

var signedIn = auth.State{UserID: "u1", Status: auth.StatusAuthenticated}

func newController(t *testing.T, interval time.Duration) (*Controller, *countingUpdater, *auth.Holder) {
	t.Helper()
	u := &countingUpdater{}
	h := auth.NewHolder()
	c := New(u, h, Config{Interval: interval}, nil)
	t.Cleanup(c.Close)
	return c, u, h
}

func TestTickRequiresIdentity(t *testing.T) {
	c, u, h := newController(t, time.Hour)

	c.Tick(context.Background())
	assert.Zero(t, u.count())

	h.Set(auth.State{UserID: "anon-1", Status: auth.StatusAnonymous})
	c.Tick(context.Background())
	assert.Zero(t, u.count())

	h.Set(auth.State{UserID: "u1", Status: auth.StatusOnboarding})
	c.Tick(context.Background())
	assert.Equal(t, 1, u.count())
}

func TestTickSwallowsErrors(t *testing.T) {
	c, u, h := newController(t, time.Hour)
	u.err = errors.New("backend down")
	h.Set(signedIn)

	assert.NotPanics(t, func() { c.Tick(context.Background()) })
	assert.Equal(t, 1, u.count())
}

func TestStartTicksImmediatelyAndIsIdempotent(t *testing.T) {
	c, u, h := newController(t, time.Hour)
	h.Set(signedIn)

	c.Start()
	c.Start()
	require.Eventually(t, func() bool { return u.count() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, u.count(), "a second Start does not tick again")
	assert.True(t, c.Running())

	c.Stop()
	c.Stop()
	assert.False(t, c.Running())
}

func TestTicksRepeat(t *testing.T) {
	c, u, h := newController(t, 10*time.Millisecond)
	h.Set(signedIn)
	c.Start()
	require.Eventually(t, func() bool { return u.count() >= 3 }, time.Second, time.Millisecond)
}

func TestAuthTransitionStopsHeartbeat(t *testing.T) {
	c, u, h := newController(t, 10*time.Millisecond)
	c.Mount()
	assert.False(t, c.Running(), "no identity, no heartbeat")

	h.Set(signedIn)
	assert.True(t, c.Running())
	require.Eventually(t, func() bool { return u.count() >= 2 }, time.Second, time.Millisecond)

	h.Set(auth.State{Status: auth.StatusNone})
	assert.False(t, c.Running())
	after := u.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, u.count(), "no last-active calls after sign out")
}

func TestMountStartsWhenAlreadySignedIn(t *testing.T) {
	c, u, h := newController(t, time.Hour)
	h.Set(signedIn)
	c.Mount()
	require.Eventually(t, func() bool { return u.count() == 1 }, time.Second, time.Millisecond)

	c.Close()
	assert.False(t, c.Running())
	h.Set(auth.State{UserID: "u2", Status: auth.StatusAuthenticated})
	assert.False(t, c.Running(), "closed controllers ignore transitions")
}
