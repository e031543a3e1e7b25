// Package session is the per-browser context object of the gateway. A
// Session owns one user's presence, typing, notification and heartbeat
// machinery and pushes every state change to a Sink.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/heartline/presence/internal/auth"
	"github.com/heartline/presence/internal/favorites"
	"github.com/heartline/presence/internal/heartbeat"
	"github.com/heartline/presence/internal/logging"
	"github.com/heartline/presence/internal/notify"
	"github.com/heartline/presence/internal/presence"
	"github.com/heartline/presence/internal/realtime"
	"github.com/heartline/presence/internal/typing"
)

var (
	// ErrNoIdentity is returned by operations that need a signed-in user.
	ErrNoIdentity = errors.New("session: no signed-in user")

	// ErrInvalidStatus is returned by SetStatus for unknown statuses.
	ErrInvalidStatus = errors.New("session: invalid status")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session: closed")
)

// LastActiveUpdater records that a user was seen.
type LastActiveUpdater interface {
	UpdateLastActive(ctx context.Context, userID string) error
}

// Sink receives the session's state as it changes. Calls may come from any
// goroutine.
type Sink interface {
	PresenceChanged(users map[string]presence.Status, online []string)
	TypingChanged(typing []string)
	NotificationAdded(n notify.Notification)
	NotificationsChanged(items []notify.Notification, unread int)
}

// Deps are the shared services a session runs on.
type Deps struct {
	Client    realtime.Client
	Activity  LastActiveUpdater // nil disables last-active writes
	Favorites favorites.Loader  // nil leaves favorites empty
}

// Config tunes the session's components.
type Config struct {
	Presence  presence.Config
	Typing    typing.Config
	Heartbeat heartbeat.Config
}

// DefaultConfig returns the component defaults.
func DefaultConfig() Config {
	return Config{
		Presence:  presence.DefaultConfig(),
		Typing:    typing.DefaultConfig(),
		Heartbeat: heartbeat.DefaultConfig(),
	}
}

// Session is one browser's realtime context.
type Session struct {
	ID     string
	logger logrus.FieldLogger
	sink   Sink

	auth          *auth.Holder
	favorites     *favorites.List
	presence      *presence.Store
	controller    *presence.Controller
	notifications *notify.Store
	relay         *notify.Relay
	typing        *typing.Store
	multiplexer   *typing.Multiplexer
	binding       *typing.Binding
	heartbeat     *heartbeat.Controller

	mu       sync.Mutex
	unwatch  []func()
	lastHead string
	joined   bool
	closed   bool
}

// New wires a session for the gateway connection id. Nothing touches the
// network until Identify.
func New(id string, deps Deps, cfg Config, sink Sink, logger logrus.FieldLogger) *Session {
	logger = logging.Component(logger, "session").WithField("session", id)

	favs := favorites.NewList(deps.Favorites)
	presenceStore := presence.NewStore()
	notifications := notify.NewStore()
	typingStore := typing.NewStore()
	holder := auth.NewHolder()
	multiplexer := typing.NewMultiplexer(deps.Client, typingStore, cfg.Typing, logger)

	var activity presence.LastActiveUpdater
	var beat heartbeat.LastActiveUpdater
	if deps.Activity != nil {
		activity, beat = deps.Activity, deps.Activity
	}

	s := &Session{
		ID:            id,
		logger:        logger,
		sink:          sink,
		auth:          holder,
		favorites:     favs,
		presence:      presenceStore,
		controller:    presence.NewController(deps.Client, presenceStore, notifications, favs, activity, cfg.Presence, logger),
		notifications: notifications,
		relay:         notify.NewRelay(deps.Client, notifications, logger),
		typing:        typingStore,
		multiplexer:   multiplexer,
		binding:       multiplexer.NewBinding(),
		heartbeat:     heartbeat.New(beat, holder, cfg.Heartbeat, logger),
	}

	if sink != nil {
		s.unwatch = []func(){
			presenceStore.Watch(s.pushPresence),
			typingStore.Watch(s.pushTyping),
			notifications.Watch(s.pushNotifications),
		}
	}
	s.heartbeat.Mount()
	return s
}

// Auth returns the current auth state.
func (s *Session) Auth() auth.State {
	return s.auth.Get()
}

// PresenceState returns the controller's state.
func (s *Session) PresenceState() presence.State {
	return s.controller.State()
}

// Presence returns the session's presence view.
func (s *Session) Presence() *presence.Store {
	return s.presence
}

// Notifications returns the session's notification log.
func (s *Session) Notifications() *notify.Store {
	return s.notifications
}

// Typing returns the peers currently typing to the local user.
func (s *Session) Typing() *typing.Store {
	return s.typing
}

// Identify applies a new auth state. A changed user id restarts presence,
// reloads favorites and moves the inbox relay; an unchanged one only updates
// the status. Users without an identity join presence anonymously.
func (s *Session) Identify(ctx context.Context, userID string, status auth.Status) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	prev := s.auth.Get()
	joined := s.joined
	s.joined = true
	s.mu.Unlock()

	next := auth.State{UserID: userID, Status: status}
	if !next.HasIdentity() {
		next.UserID = ""
	}
	s.auth.Set(next)

	if joined && prev.UserID == next.UserID {
		return nil
	}

	log := s.logger.WithField("user_id", next.UserID).WithField("auth_status", next.Status)
	s.binding.Update(ctx, "", "", "")

	if next.UserID == "" {
		s.favorites.Clear()
	} else if err := s.favorites.Refresh(ctx, next.UserID); err != nil {
		log.WithError(err).Warn("favorites refresh failed")
	}

	s.relay.Start(ctx, next.UserID)
	s.controller.Start(ctx, next.UserID)
	log.Info("identified")
	return nil
}

// SignOut drops the identity and leaves presence. The notification log is
// kept for the browser to read.
func (s *Session) SignOut(ctx context.Context) {
	s.mu.Lock()
	s.joined = false
	s.mu.Unlock()

	s.auth.Set(auth.State{Status: auth.StatusNone})
	s.binding.Update(ctx, "", "", "")
	s.relay.Stop(ctx)
	s.controller.Stop(ctx)
	s.favorites.Clear()
	s.logger.Info("signed out")
}

// SetStatus announces a new presence status.
func (s *Session) SetStatus(ctx context.Context, raw string) error {
	status, ok := presence.ParseStatus(raw)
	if !ok {
		return ErrInvalidStatus
	}
	s.controller.UpdateStatus(ctx, status)
	return nil
}

// BindTyping follows the conversation with peerID. An empty key is derived
// from both user ids.
func (s *Session) BindTyping(ctx context.Context, peerID, key string) error {
	local := s.auth.Get()
	if !local.HasIdentity() {
		return ErrNoIdentity
	}
	if key == "" {
		key = typing.ConversationKey(local.UserID, peerID)
	}
	s.binding.Update(ctx, local.UserID, peerID, key)
	return nil
}

// UnbindTyping detaches from the current conversation.
func (s *Session) UnbindTyping(ctx context.Context) {
	s.binding.Update(ctx, "", "", "")
}

// SendTypingPing tells the bound peer the local user is typing. It reports
// whether a ping went out.
func (s *Session) SendTypingPing(ctx context.Context) bool {
	return s.binding.SendTypingPing(ctx)
}

// TypingKey returns the bound conversation key, or "".
func (s *Session) TypingKey() string {
	return s.binding.Key()
}

func (s *Session) MarkAllRead() {
	s.notifications.MarkAllAsRead()
}

func (s *Session) MarkMessageRead(senderID string) {
	s.notifications.MarkMessageNotificationAsRead(senderID)
}

func (s *Session) MarkRead(id string) {
	s.notifications.MarkAsRead(id)
}

// PushAll sends the full current state to the sink.
func (s *Session) PushAll() {
	if s.sink == nil {
		return
	}
	s.sink.PresenceChanged(s.presence.UserStatusMap(), s.presence.OnlineUserIDs())
	s.sink.TypingChanged(s.typing.Typing())
	s.sink.NotificationsChanged(s.notifications.Notifications(), s.notifications.UnreadCount())
}

// Close tears the session down. In-flight last-active writes finish before
// it returns. Idempotent.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unwatch := s.unwatch
	s.unwatch = nil
	s.mu.Unlock()

	for _, fn := range unwatch {
		fn()
	}
	s.heartbeat.Close()
	s.binding.Close()
	s.multiplexer.Close()
	s.relay.Stop(ctx)
	s.controller.Stop(ctx)
	s.controller.Wait()
	s.logger.Debug("session closed")
}

func (s *Session) pushPresence() {
	s.sink.PresenceChanged(s.presence.UserStatusMap(), s.presence.OnlineUserIDs())
}

func (s *Session) pushTyping() {
	s.sink.TypingChanged(s.typing.Typing())
}

// pushNotifications reports a new head notification individually before the
// full log.
func (s *Session) pushNotifications() {
	items := s.notifications.Notifications()

	s.mu.Lock()
	var added *notify.Notification
	if len(items) > 0 && items[0].ID != s.lastHead {
		s.lastHead = items[0].ID
		if !items[0].Read {
			added = &items[0]
		}
	}
	s.mu.Unlock()

	if added != nil {
		s.sink.NotificationAdded(*added)
	}
	s.sink.NotificationsChanged(items, s.notifications.UnreadCount())
}
