// Package activity records when users were last seen, backed by Redis. It is
// the "update last active" collaborator of the presence controller and the
// heartbeat.
package activity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/heartline/presence/internal/metrics"
)

const (
	// ProfilePrefix is the Redis key prefix of profile hashes.
	ProfilePrefix = "profile:"

	// FieldLastActive is the profile hash field holding the unix timestamp.
	FieldLastActive = "last_active"

	// ActiveUsersKey is the sorted set of user ids scored by last activity.
	ActiveUsersKey = "active_users"
)

// Store reads and writes last-active timestamps in Redis.
type Store struct {
	client *redis.Client
	now    func() time.Time
}

// NewStore connects to Redis at addr and verifies the connection.
func NewStore(ctx context.Context, addr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("activity: redis connection failed: %w", err)
	}
	return NewStoreWithClient(client), nil
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client, now: time.Now}
}

// UpdateLastActive stamps userID as active now.
func (s *Store) UpdateLastActive(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	start := time.Now()
	now := s.now()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, ProfilePrefix+userID, FieldLastActive, now.Unix())
	pipe.ZAdd(ctx, ActiveUsersKey, redis.Z{Score: float64(now.Unix()), Member: userID})
	_, err := pipe.Exec(ctx)

	metrics.LastActiveLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("activity: update %s: %w", userID, err)
	}
	return nil
}

// LastActive returns when userID was last seen, or the zero time if never.
func (s *Store) LastActive(ctx context.Context, userID string) (time.Time, error) {
	v, err := s.client.HGet(ctx, ProfilePrefix+userID, FieldLastActive).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("activity: last active %s: %w", userID, err)
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("activity: last active %s: %w", userID, err)
	}
	return time.Unix(ts, 0), nil
}

// RecentlyActive returns the ids of users seen within window, most recent
// first.
func (s *Store) RecentlyActive(ctx context.Context, window time.Duration) ([]string, error) {
	floor := strconv.FormatInt(s.now().Add(-window).Unix(), 10)
	ids, err := s.client.ZRevRangeByScore(ctx, ActiveUsersKey, &redis.ZRangeBy{
		Min: floor,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("activity: recently active: %w", err)
	}
	return ids, nil
}

// Prune drops users not seen within window from the active set.
func (s *Store) Prune(ctx context.Context, window time.Duration) (int64, error) {
	cutoff := "(" + strconv.FormatInt(s.now().Add(-window).Unix(), 10)
	n, err := s.client.ZRemRangeByScore(ctx, ActiveUsersKey, "-inf", cutoff).Result()
	if err != nil {
		return 0, fmt.Errorf("activity: prune: %w", err)
	}
	return n, nil
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
