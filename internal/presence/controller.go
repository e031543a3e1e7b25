package presence

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/heartline/presence/internal/favorites"
	"github.com/heartline/presence/internal/logging"
	"github.com/heartline/presence/internal/metrics"
	"github.com/heartline/presence/internal/notify"
	"github.com/heartline/presence/internal/realtime"
)

// AnonymousPrefix starts the presence key of a session without a user id.
const AnonymousPrefix = "anon-"

// State is the controller's lifecycle state.
type State int

const (
	// StateIdle: no channel.
	StateIdle State = iota
	// StateSubscribing: channel opened, first sync not yet seen.
	StateSubscribing
	// StateWarming: first sync consumed and ignored.
	StateWarming
	// StateSynced: an actionable sync was applied; join notifications are live.
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateWarming:
		return "warming"
	case StateSynced:
		return "synced"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// FavoritesList answers whether a user is among the local user's externally
// maintained favorites.
type FavoritesList interface {
	Lookup(userID string) (favorites.Profile, bool)
}

// LastActiveUpdater records that a user was seen.
type LastActiveUpdater interface {
	UpdateLastActive(ctx context.Context, userID string) error
}

// Config holds controller settings.
type Config struct {
	Topic         string // global presence topic
	InitialStatus Status // status tracked on subscribe
	// ResyncOnReconnect returns the controller to StateSubscribing after a
	// transport reconnect, so the next sync is ignored again.
	ResyncOnReconnect bool
	LastActiveTimeout time.Duration // bound on each last-active call
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Topic:             "online-users",
		InitialStatus:     StatusOnline,
		LastActiveTimeout: 5 * time.Second,
	}
}

// Controller owns the single presence channel of a session and folds its
// events into a Store.
type Controller struct {
	client        realtime.Client
	store         *Store
	notifications *notify.Store
	favorites     FavoritesList
	activity      LastActiveUpdater
	cfg           Config
	logger        logrus.FieldLogger

	mu       sync.Mutex
	state    State
	gen      uint64
	channel  realtime.Channel
	cancels  []func()
	localKey string
	status   Status
	onlineAt time.Time

	inflight sync.WaitGroup
}

// NewController returns an idle controller. favs and activity may be nil.
func NewController(client realtime.Client, store *Store, notifications *notify.Store, favs FavoritesList, activity LastActiveUpdater, cfg Config, logger logrus.FieldLogger) *Controller {
	def := DefaultConfig()
	if cfg.Topic == "" {
		cfg.Topic = def.Topic
	}
	if cfg.InitialStatus == "" {
		cfg.InitialStatus = def.InitialStatus
	}
	if cfg.LastActiveTimeout <= 0 {
		cfg.LastActiveTimeout = def.LastActiveTimeout
	}
	return &Controller{
		client:        client,
		store:         store,
		notifications: notifications,
		favorites:     favs,
		activity:      activity,
		cfg:           cfg,
		logger:        logging.Component(logger, "presence"),
		status:        cfg.InitialStatus,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LocalKey returns the presence key in use, or "" when idle.
func (c *Controller) LocalKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localKey
}

// Start opens the presence channel for localUserID, replacing any previous
// one. An empty id joins under an anonymous placeholder key. Failures are
// logged and leave the controller idle.
func (c *Controller) Start(ctx context.Context, localUserID string) {
	c.Stop(ctx)

	key := localUserID
	if key == "" {
		key = AnonymousPrefix + uuid.New().String()
	}

	ch := c.client.Channel(c.cfg.Topic, realtime.ChannelOptions{PresenceKey: key})

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.state = StateSubscribing
	c.channel = ch
	c.localKey = key
	c.onlineAt = time.Now()
	c.cancels = []func(){
		ch.On(realtime.Filter{Kind: realtime.EventSync}, c.guard(gen, c.handleSync)),
		ch.On(realtime.Filter{Kind: realtime.EventJoin}, c.guard(gen, c.handleJoin)),
		ch.On(realtime.Filter{Kind: realtime.EventLeave}, c.guard(gen, c.handleLeave)),
		ch.On(realtime.Filter{Kind: realtime.EventReconnect}, c.guard(gen, c.handleReconnect)),
	}
	c.mu.Unlock()

	log := c.logger.WithField("key", key)
	err := ch.Subscribe(ctx)

	c.mu.Lock()
	if c.gen != gen {
		// Stopped or restarted while subscribing; the channel is no longer ours.
		c.mu.Unlock()
		if err == nil {
			_ = ch.Unsubscribe(context.Background())
		}
		log.Debug("discarding superseded presence channel")
		return
	}
	if err != nil {
		cancels := c.reset()
		c.mu.Unlock()
		for _, cancel := range cancels {
			cancel()
		}
		metrics.TransportErrors.WithLabelValues("subscribe").Inc()
		log.WithError(err).Warn("presence subscribe failed")
		return
	}
	c.mu.Unlock()

	log.Info("presence channel subscribed")
	c.track(ctx, gen)
}

// UpdateStatus re-tracks the local presence with status. Before Start the
// status is remembered for the next track.
func (c *Controller) UpdateStatus(ctx context.Context, status Status) {
	c.mu.Lock()
	c.status = status
	gen := c.gen
	active := c.state != StateIdle
	c.mu.Unlock()

	if active {
		c.track(ctx, gen)
	}
}

// Stop untracks and unsubscribes, swallowing errors, and clears the store.
func (c *Controller) Stop(ctx context.Context) {
	c.mu.Lock()
	ch := c.channel
	c.gen++
	cancels := c.reset()
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if ch != nil {
		if err := ch.Untrack(ctx); err != nil {
			metrics.TransportErrors.WithLabelValues("untrack").Inc()
			c.logger.WithError(err).Debug("presence untrack failed")
		}
		if err := ch.Unsubscribe(ctx); err != nil {
			metrics.TransportErrors.WithLabelValues("unsubscribe").Inc()
			c.logger.WithError(err).Warn("presence unsubscribe failed")
		}
		c.logger.Info("presence channel closed")
	}
	c.store.Reset()
}

// Wait blocks until in-flight last-active calls have finished.
func (c *Controller) Wait() {
	c.inflight.Wait()
}

// reset drops channel references and returns the handler cancels. c.mu must
// be held.
func (c *Controller) reset() []func() {
	cancels := c.cancels
	c.cancels = nil
	c.channel = nil
	c.localKey = ""
	c.state = StateIdle
	return cancels
}

func (c *Controller) track(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.channel == nil {
		c.mu.Unlock()
		return
	}
	ch := c.channel
	payload := map[string]any{
		"user_id":   c.localKey,
		"status":    string(c.status),
		"online_at": c.onlineAt.UTC().Format(time.RFC3339),
	}
	c.mu.Unlock()

	if err := ch.Track(ctx, payload); err != nil {
		metrics.TransportErrors.WithLabelValues("track").Inc()
		c.logger.WithError(err).Warn("presence track failed")
	}
}

// guard drops events delivered to a channel from an older generation.
func (c *Controller) guard(gen uint64, fn realtime.Handler) realtime.Handler {
	return func(ev realtime.Event) {
		c.mu.Lock()
		current := c.gen == gen
		c.mu.Unlock()
		if current {
			fn(ev)
		}
	}
}

func (c *Controller) handleSync(realtime.Event) {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		return
	case StateSubscribing:
		// The first sync predates the echo of our own join.
		c.state = StateWarming
		c.mu.Unlock()
		metrics.PresenceEvents.WithLabelValues("sync_ignored").Inc()
		c.logger.Debug("ignoring first presence sync")
		return
	}
	ch := c.channel
	first := c.state == StateWarming
	c.state = StateSynced
	c.mu.Unlock()

	snapshot := ch.PresenceState()
	entries := make([]Entry, 0, len(snapshot))
	for key, metas := range snapshot {
		if len(metas) == 0 {
			continue
		}
		latest := metas[len(metas)-1]
		entries = append(entries, Entry{UserID: key, Status: statusFrom(latest), Token: latest.Ref})
	}
	c.store.SetAll(entries)

	metrics.PresenceEvents.WithLabelValues("sync").Inc()
	if first {
		c.logger.WithField("members", len(entries)).Info("presence synced")
	}
}

func (c *Controller) handleJoin(ev realtime.Event) {
	if len(ev.Metas) == 0 {
		return
	}
	meta := ev.Metas[len(ev.Metas)-1]
	userID := ev.Key
	wasOnline := c.store.StatusOf(userID) != StatusOffline
	c.store.Upsert(userID, statusFrom(meta), meta.Ref)
	metrics.PresenceEvents.WithLabelValues("join").Inc()

	c.mu.Lock()
	synced := c.state == StateSynced
	self := userID == c.localKey
	c.mu.Unlock()

	if synced && !self && !wasOnline && !ev.Replay {
		if fav, ok := c.lookupFavorite(userID); ok {
			name := fav.DisplayName
			if name == "" {
				name = "A favorite"
			}
			c.notifications.Add(notify.Notification{
				Type:    notify.TypePresence,
				UserID:  userID,
				Message: name + " is now online",
				Meta:    map[string]any{"status": string(statusFrom(meta))},
			})
		}
	}

	c.touch(userID)
}

func (c *Controller) handleLeave(ev realtime.Event) {
	for _, meta := range ev.Metas {
		c.store.Remove(ev.Key, meta.Ref)
	}
	metrics.PresenceEvents.WithLabelValues("leave").Inc()
}

func (c *Controller) handleReconnect(realtime.Event) {
	metrics.PresenceEvents.WithLabelValues("reconnect").Inc()
	if !c.cfg.ResyncOnReconnect {
		return
	}
	c.mu.Lock()
	if c.state != StateIdle {
		c.state = StateSubscribing
	}
	c.mu.Unlock()
	c.logger.Info("presence reconnect, waiting for fresh sync")
}

func (c *Controller) lookupFavorite(userID string) (favorites.Profile, bool) {
	if c.favorites == nil {
		return favorites.Profile{}, false
	}
	return c.favorites.Lookup(userID)
}

// touch issues a best-effort last-active update for userID.
func (c *Controller) touch(userID string) {
	if c.activity == nil || userID == "" || strings.HasPrefix(userID, AnonymousPrefix) {
		return
	}
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.LastActiveTimeout)
		defer cancel()
		if err := c.activity.UpdateLastActive(ctx, userID); err != nil {
			c.logger.WithError(err).WithField("user_id", userID).Debug("last-active update failed")
		}
	}()
}

func statusFrom(m realtime.Meta) Status {
	if st, ok := ParseStatus(m.String("status")); ok {
		return st
	}
	return StatusOnline
}
