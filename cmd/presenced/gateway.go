package main

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/heartline/presence/internal/auth"
	"github.com/heartline/presence/internal/notify"
	"github.com/heartline/presence/internal/presence"
	"github.com/heartline/presence/internal/protocol"
	"github.com/heartline/presence/internal/ratelimit"
	"github.com/heartline/presence/internal/session"
	"github.com/heartline/presence/internal/ws"
)

// handlerTimeout bounds the realtime work done for one client message.
const handlerTimeout = 10 * time.Second

// rateLimiter is the subset of *ratelimit.Limiter the gateway needs.
type rateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// gateway binds websocket connections to sessions.
type gateway struct {
	sessions *session.Registry
	limiter  rateLimiter // nil disables rate limiting
	logger   logrus.FieldLogger
}

func newGateway(sessions *session.Registry, limiter rateLimiter, logger logrus.FieldLogger) *gateway {
	return &gateway{sessions: sessions, limiter: limiter, logger: logger}
}

// attach installs the gateway's callbacks on server and its handlers on d.
func (g *gateway) attach(server *ws.Server, d *ws.MessageDispatcher) {
	server.SetOnConnect(g.onConnect)
	server.SetOnDisconnect(g.onDisconnect)
	if g.limiter != nil {
		server.SetAdmission(g.admit)
	}

	d.Register(protocol.TypeIdentify, g.withSession(func(ctx context.Context, conn *ws.Connection, s *session.Session, msg interface{}) {
		m := msg.(protocol.IdentifyMsg)
		status := auth.Status(m.AuthStatus)
		switch status {
		case auth.StatusAuthenticated, auth.StatusOnboarding, auth.StatusAnonymous:
		default:
			ws.SendError(conn, "invalid_auth_status", "auth_status must be authenticated, onboarding or anonymous")
			return
		}
		if err := s.Identify(ctx, m.UserID, status); err != nil {
			ws.SendError(conn, "identify_failed", err.Error())
			return
		}
		s.PushAll()
	}))

	d.Register(protocol.TypeSignOut, g.withSession(func(ctx context.Context, _ *ws.Connection, s *session.Session, _ interface{}) {
		s.SignOut(ctx)
		s.PushAll()
	}))

	d.Register(protocol.TypeSetStatus, g.withSession(func(ctx context.Context, conn *ws.Connection, s *session.Session, msg interface{}) {
		if !g.allow(ctx, conn, ratelimit.RuleStatus, protocol.TypeSetStatus) {
			return
		}
		if err := s.SetStatus(ctx, msg.(protocol.SetStatusMsg).Status); err != nil {
			ws.SendError(conn, "invalid_status", "status must be online, away or dnd")
		}
	}))

	d.Register(protocol.TypeTypingBind, g.withSession(func(ctx context.Context, conn *ws.Connection, s *session.Session, msg interface{}) {
		m := msg.(protocol.TypingBindMsg)
		if m.PeerID == "" {
			ws.SendError(conn, "invalid_peer", "peer_id is required")
			return
		}
		if err := s.BindTyping(ctx, m.PeerID, m.ConversationKey); err != nil {
			if errors.Is(err, session.ErrNoIdentity) {
				ws.SendError(conn, "not_identified", "sign in before binding typing")
				return
			}
			ws.SendError(conn, "typing_bind_failed", err.Error())
		}
	}))

	d.Register(protocol.TypeTypingUnbind, g.withSession(func(ctx context.Context, _ *ws.Connection, s *session.Session, _ interface{}) {
		s.UnbindTyping(ctx)
	}))

	d.Register(protocol.TypeTypingPing, g.withSession(func(ctx context.Context, conn *ws.Connection, s *session.Session, _ interface{}) {
		if !g.allow(ctx, conn, ratelimit.RuleTypingPing, protocol.TypeTypingPing) {
			return
		}
		s.SendTypingPing(ctx)
	}))

	d.Register(protocol.TypeMarkAllRead, g.withSession(func(_ context.Context, _ *ws.Connection, s *session.Session, _ interface{}) {
		s.MarkAllRead()
	}))

	d.Register(protocol.TypeMarkMessageRead, g.withSession(func(_ context.Context, _ *ws.Connection, s *session.Session, msg interface{}) {
		s.MarkMessageRead(msg.(protocol.MarkMessageReadMsg).SenderID)
	}))

	d.Register(protocol.TypeMarkRead, g.withSession(func(_ context.Context, _ *ws.Connection, s *session.Session, msg interface{}) {
		s.MarkRead(msg.(protocol.MarkReadMsg).ID)
	}))
}

type sessionHandler func(ctx context.Context, conn *ws.Connection, s *session.Session, msg interface{})

// withSession resolves the connection's session and bounds the handler with
// handlerTimeout.
func (g *gateway) withSession(fn sessionHandler) ws.MessageHandler {
	return func(conn *ws.Connection, msg interface{}) {
		s := g.sessions.Get(conn.ID)
		if s == nil {
			ws.SendError(conn, "no_session", "session not found")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		fn(ctx, conn, s, msg)
	}
}

// allow applies rule to the connection and tells the client when it is over.
func (g *gateway) allow(ctx context.Context, conn *ws.Connection, rule ratelimit.Rule, action string) bool {
	if g.limiter == nil {
		return true
	}
	ok, err := g.limiter.Allow(ctx, conn.ID, rule)
	if err != nil {
		g.logger.WithError(err).WithField("session", conn.ID).Debug("rate limit check failed")
	}
	if ok {
		return true
	}
	retry := g.limiter.RetryAfter(ctx, conn.ID, rule)
	ws.Send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		Action:     action,
		RetryAfter: int(math.Ceil(retry.Seconds())),
	})
	return false
}

func (g *gateway) admit(r *http.Request) bool {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	ok, err := g.limiter.Allow(ctx, ws.RemoteHost(r), ratelimit.RuleConnect)
	if err != nil {
		g.logger.WithError(err).Debug("connect rate limit check failed")
	}
	return ok
}

func (g *gateway) onConnect(conn *ws.Connection) {
	g.sessions.Open(conn.ID, &connSink{conn: conn})
}

func (g *gateway) onDisconnect(conn *ws.Connection) {
	g.sessions.Close(conn.ID)
}

// connSink forwards session state to the browser as server messages.
type connSink struct {
	conn *ws.Connection
}

func (c *connSink) PresenceChanged(users map[string]presence.Status, online []string) {
	wire := make(map[string]string, len(users))
	for id, status := range users {
		wire[id] = string(status)
	}
	if online == nil {
		online = []string{}
	}
	ws.Send(c.conn, protocol.TypePresenceState, protocol.PresenceStateMsg{Users: wire, Online: online})
}

func (c *connSink) TypingChanged(typing []string) {
	if typing == nil {
		typing = []string{}
	}
	ws.Send(c.conn, protocol.TypeTypingState, protocol.TypingStateMsg{Typing: typing})
}

func (c *connSink) NotificationAdded(n notify.Notification) {
	ws.Send(c.conn, protocol.TypeNotification, protocol.NotificationMsg{Notification: toWire(n)})
}

func (c *connSink) NotificationsChanged(items []notify.Notification, unread int) {
	wire := make([]protocol.Notification, 0, len(items))
	for _, n := range items {
		wire = append(wire, toWire(n))
	}
	ws.Send(c.conn, protocol.TypeNotifications, protocol.NotificationsMsg{Unread: unread, Items: wire})
}

func toWire(n notify.Notification) protocol.Notification {
	return protocol.Notification{
		ID:        n.ID,
		Kind:      string(n.Type),
		Message:   n.Message,
		UserID:    n.UserID,
		Meta:      n.Meta,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
	}
}
