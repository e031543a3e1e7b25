package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/heartline/presence/internal/logging"
	"github.com/heartline/presence/internal/metrics"
	"github.com/heartline/presence/internal/realtime"
)

// Inbox broadcast events.
const (
	EventMessage   = "message"
	EventFavorited = "favorited"
)

// InboxTopic returns the broadcast topic carrying userID's inbox events.
func InboxTopic(userID string) string {
	return "inbox:" + userID
}

// InboxEvent is the payload producers broadcast on an inbox topic.
type InboxEvent struct {
	From     string `json:"from"`
	FromName string `json:"from_name,omitempty"`
	Preview  string `json:"preview,omitempty"`
	ConvKey  string `json:"conversation_key,omitempty"`
}

// Relay listens on a user's inbox topic and records message and favorited
// broadcasts as notifications.
type Relay struct {
	client realtime.Client
	store  *Store
	logger logrus.FieldLogger

	mu      sync.Mutex
	channel realtime.Channel
	cancels []func()
}

// NewRelay returns a stopped relay writing into store.
func NewRelay(client realtime.Client, store *Store, logger logrus.FieldLogger) *Relay {
	return &Relay{client: client, store: store, logger: logging.Component(logger, "notify")}
}

// Start subscribes to userID's inbox, replacing any previous subscription.
// Transport errors are logged, not returned.
func (r *Relay) Start(ctx context.Context, userID string) {
	r.Stop(ctx)
	if userID == "" {
		return
	}

	ch := r.client.Channel(InboxTopic(userID), realtime.ChannelOptions{BroadcastOnly: true})
	cancels := []func(){
		ch.On(realtime.Filter{Kind: realtime.EventBroadcast, Name: EventMessage}, r.handle(TypeMessage)),
		ch.On(realtime.Filter{Kind: realtime.EventBroadcast, Name: EventFavorited}, r.handle(TypeFavorited)),
	}

	r.mu.Lock()
	r.channel = ch
	r.cancels = cancels
	r.mu.Unlock()

	if err := ch.Subscribe(ctx); err != nil {
		metrics.TransportErrors.WithLabelValues("subscribe").Inc()
		r.logger.WithError(err).WithField("user_id", userID).Warn("inbox subscribe failed")
	}
}

// Stop drops the inbox subscription.
func (r *Relay) Stop(ctx context.Context) {
	r.mu.Lock()
	ch, cancels := r.channel, r.cancels
	r.channel, r.cancels = nil, nil
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if ch == nil {
		return
	}
	if err := ch.Unsubscribe(ctx); err != nil {
		metrics.TransportErrors.WithLabelValues("unsubscribe").Inc()
		r.logger.WithError(err).Warn("inbox unsubscribe failed")
	}
}

func (r *Relay) handle(typ Type) realtime.Handler {
	return func(ev realtime.Event) {
		var in InboxEvent
		if err := json.Unmarshal(ev.Payload, &in); err != nil || in.From == "" {
			r.logger.WithField("event", ev.Name).Debug("dropping malformed inbox event")
			return
		}
		name := in.FromName
		if name == "" {
			name = "Someone"
		}

		n := Notification{Type: typ, UserID: in.From}
		switch typ {
		case TypeMessage:
			n.Message = fmt.Sprintf("New message from %s", name)
			n.Meta = map[string]any{"preview": in.Preview, "conversation_key": in.ConvKey}
		case TypeFavorited:
			n.Message = fmt.Sprintf("%s added you to favorites", name)
		}
		r.store.Add(n)
	}
}
