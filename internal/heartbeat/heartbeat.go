// Package heartbeat periodically reports the signed-in user as active while
// the session holds an identity.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/heartline/presence/internal/auth"
	"github.com/heartline/presence/internal/logging"
	"github.com/heartline/presence/internal/metrics"
)

// LastActiveUpdater records that a user was seen.
type LastActiveUpdater interface {
	UpdateLastActive(ctx context.Context, userID string) error
}

// Config holds heartbeat tuning parameters.
type Config struct {
	Interval time.Duration // time between ticks (default: 5m)
	Timeout  time.Duration // bound on one last-active call (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Minute,
		Timeout:  10 * time.Second,
	}
}

// Controller runs the heartbeat loop, started and stopped by auth state.
type Controller struct {
	updater LastActiveUpdater
	holder  *auth.Holder
	cfg     Config
	logger  logrus.FieldLogger

	mu      sync.Mutex
	done    chan struct{}
	stopped chan struct{}
	unwatch func()
}

// New returns a stopped controller.
func New(updater LastActiveUpdater, holder *auth.Holder, cfg Config, logger logrus.FieldLogger) *Controller {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Controller{
		updater: updater,
		holder:  holder,
		cfg:     cfg,
		logger:  logging.Component(logger, "heartbeat"),
	}
}

// Tick reports the current user as active if the auth state carries an
// identity. Errors are logged and counted.
func (c *Controller) Tick(ctx context.Context) {
	state := c.holder.Get()
	if !state.HasIdentity() || c.updater == nil {
		metrics.HeartbeatTicks.WithLabelValues("skipped").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	if err := c.updater.UpdateLastActive(ctx, state.UserID); err != nil {
		metrics.HeartbeatTicks.WithLabelValues("error").Inc()
		c.logger.WithError(err).WithField("user_id", state.UserID).Warn("heartbeat failed")
		return
	}
	metrics.HeartbeatTicks.WithLabelValues("ok").Inc()
}

// Start begins ticking: once immediately, then every Interval. Calling Start
// on a running controller does nothing.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	c.done, c.stopped = done, stopped

	go func() {
		defer close(stopped)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-done:
				cancel()
			case <-ctx.Done():
			}
		}()

		c.Tick(ctx)

		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.Tick(ctx)
			}
		}
	}()
	c.logger.Debug("heartbeat started")
}

// Stop halts the loop and waits for an in-progress tick to finish, so no
// last-active call happens after it returns. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	done, stopped := c.done, c.stopped
	c.done, c.stopped = nil, nil
	c.mu.Unlock()

	if done == nil {
		return
	}
	close(done)
	<-stopped
	c.logger.Debug("heartbeat stopped")
}

// Running reports whether the loop is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done != nil
}

// OnAuthChange starts the loop for identity-bearing states and stops it
// otherwise.
func (c *Controller) OnAuthChange(state auth.State) {
	if state.HasIdentity() {
		c.Start()
		return
	}
	c.Stop()
}

// Mount follows the holder's transitions and applies the current state.
func (c *Controller) Mount() {
	c.mu.Lock()
	if c.unwatch == nil {
		c.unwatch = c.holder.Watch(c.OnAuthChange)
	}
	c.mu.Unlock()
	c.OnAuthChange(c.holder.Get())
}

// Close stops following auth transitions and stops the loop.
func (c *Controller) Close() {
	c.mu.Lock()
	unwatch := c.unwatch
	c.unwatch = nil
	c.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
	c.Stop()
}
