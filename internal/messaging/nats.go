// Package messaging provides the NATS client the realtime layer runs on. It
// handles connection lifecycle, per-subscription cleanup and reconnect
// notification, and satisfies realtime.Bus.
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/heartline/presence/internal/logging"
	"github.com/heartline/presence/internal/realtime"
)

// NATSClient wraps the NATS connection with subscription bookkeeping.
type NATSClient struct {
	conn         *nats.Conn
	logger       logrus.FieldLogger
	flushTimeout time.Duration

	mu   sync.Mutex
	subs map[string]*nats.Subscription

	hookMu   sync.Mutex
	hooks    map[uint64]func()
	nextHook uint64
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
	FlushTimeout  time.Duration // bound on subscribe acknowledgement when ctx has no deadline
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "presenced",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
		FlushTimeout:  5 * time.Second,
	}
}

var (
	_ realtime.Bus               = (*NATSClient)(nil)
	_ realtime.ReconnectNotifier = (*NATSClient)(nil)
)

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger logrus.FieldLogger) (*NATSClient, error) {
	c := &NATSClient{
		logger:       logging.Component(logger, "nats"),
		flushTimeout: config.FlushTimeout,
		subs:         make(map[string]*nats.Subscription),
		hooks:        make(map[uint64]func()),
	}
	if c.flushTimeout <= 0 {
		c.flushTimeout = 5 * time.Second
	}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.WithError(err).Warn("disconnected")
			} else {
				c.logger.Info("disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.WithField("url", nc.ConnectedUrl()).Info("reconnected")
			c.fireReconnect()
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.logger.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	c.conn = nc

	c.logger.WithField("url", nc.ConnectedUrl()).Info("connected")
	return c, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers fn for subject and flushes so the server has the
// interest before it returns. Deliveries for one subscription are ordered.
func (c *NATSClient) Subscribe(ctx context.Context, subject string, fn func(data []byte)) (realtime.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		fn(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	flushCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(ctx, c.flushTimeout)
		defer cancel()
	}
	if err := c.conn.FlushWithContext(flushCtx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats subscribe %s: flush: %w", subject, err)
	}

	key := subject + "#" + uuid.New().String()
	c.mu.Lock()
	c.subs[key] = sub
	c.mu.Unlock()

	return &natsSubscription{client: c, key: key}, nil
}

// OnReconnect registers fn to run after the connection is re-established.
func (c *NATSClient) OnReconnect(fn func()) func() {
	c.hookMu.Lock()
	c.nextHook++
	id := c.nextHook
	c.hooks[id] = fn
	c.hookMu.Unlock()

	return func() {
		c.hookMu.Lock()
		delete(c.hooks, id)
		c.hookMu.Unlock()
	}
}

func (c *NATSClient) fireReconnect() {
	c.hookMu.Lock()
	hooks := make([]func(), 0, len(c.hooks))
	for _, fn := range c.hooks {
		hooks = append(hooks, fn)
	}
	c.hookMu.Unlock()

	// The handler runs on the NATS callback goroutine; hooks publish, so hand
	// them off.
	go func() {
		for _, fn := range hooks {
			fn()
		}
	}()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.WithError(err).WithField("subscription", key).Warn("drain failed")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.logger.WithError(err).Warn("connection drain failed")
	}

	c.logger.Info("client closed")
}

// unsubscribe removes and unsubscribes a tracked subscription.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", sub.Subject, err)
	}
	return nil
}

type natsSubscription struct {
	client *NATSClient
	key    string
}

func (s *natsSubscription) Unsubscribe() error {
	return s.client.unsubscribe(s.key)
}
