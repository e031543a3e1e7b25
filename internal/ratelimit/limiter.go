// Package ratelimit provides Redis-backed rate limiting using INCR + EXPIRE
// fixed windows. The gateway uses it to bound how often a browser session may
// emit realtime signals.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/heartline/presence/internal/logging"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:typing:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleTypingPing allows 20 typing pings per 10 seconds per session. The
	// binding throttle already caps honest clients well below this.
	RuleTypingPing = Rule{Key: "rl:typing:", Limit: 20, Window: 10 * time.Second}

	// RuleStatus allows 10 status changes per minute per session.
	RuleStatus = Rule{Key: "rl:status:", Limit: 10, Window: 1 * time.Minute}

	// RuleConnect allows 20 gateway connections per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 20, Window: 1 * time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	logger logrus.FieldLogger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, logger logrus.FieldLogger) *Limiter {
	return &Limiter{client: client, logger: logging.Component(logger, "ratelimit")}
}

// Allow checks whether identifier is within rule, incrementing its counter
// and setting the expiry on first access.
//
// On Redis errors it fails open (returns true) so a Redis outage does not
// block realtime signals.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.WithError(err).WithField("key", key).Warn("INCR failed, failing open")
		return true, fmt.Errorf("ratelimit: incr %s: %w", key, err)
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.WithError(err).WithField("key", key).Warn("EXPIRE failed, failing open")
			// Without a TTL the key would block the identifier forever.
			l.client.Del(ctx, key)
			return true, fmt.Errorf("ratelimit: expire %s: %w", key, err)
		}
	}

	return int(count) <= rule.Limit, nil
}

// RetryAfter returns how long until identifier's window for rule resets.
// Unknown or TTL-less keys report the full window.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.TTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl <= 0 {
		return rule.Window
	}
	return ttl
}

// Remaining returns how many requests identifier has left in the current
// window. On Redis errors it returns the full limit.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		l.logger.WithError(err).WithField("key", key).Warn("GET failed, failing open")
		return rule.Limit, fmt.Errorf("ratelimit: get %s: %w", key, err)
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
