// Package presence tracks user online status and enforces fixed-window
// rate limits, both backed by Redis/DragonflyDB. Presence keys expire
// automatically so a crashed gateway instance never leaves a user stuck
// online; rate limit counters use fixed windows with an expiring key per
// window so a single INCR round-trip is enough to both count and check.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// presenceTTL is the lifetime of a presence key. The gateway refreshes this
// TTL on every heartbeat, so a key expires only once a connection stops
// heartbeating (clean disconnect or crash) without a clean GoAway.
const presenceTTL = 90 * time.Second

// Cache wraps a Redis client and provides presence tracking plus rate
// limiting for the REST API and gateway.
type Cache struct {
	rdb *redis.Client
}

// New creates a new Cache backed by the Redis/DragonflyDB instance at url.
func New(url string) (*Cache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing cache URL: %w", err)
	}
	return &Cache{rdb: redis.NewClient(opt)}, nil
}

// HealthCheck verifies the Redis connection is alive.
func (c *Cache) HealthCheck(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache health check: %w", err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// SetOnline marks userID online, refreshing the TTL if already present.
func (c *Cache) SetOnline(ctx context.Context, userID string) error {
	if err := c.rdb.Set(ctx, presenceKey(userID), "online", presenceTTL).Err(); err != nil {
		return fmt.Errorf("set presence for %s: %w", userID, err)
	}
	return nil
}

// Refresh extends the TTL of an existing presence key, called on every
// gateway heartbeat.
func (c *Cache) Refresh(ctx context.Context, userID string) error {
	if err := c.rdb.Expire(ctx, presenceKey(userID), presenceTTL).Err(); err != nil {
		return fmt.Errorf("refresh presence for %s: %w", userID, err)
	}
	return nil
}

// SetOffline removes the presence key, called when a user's last gateway
// connection closes.
func (c *Cache) SetOffline(ctx context.Context, userID string) error {
	if err := c.rdb.Del(ctx, presenceKey(userID)).Err(); err != nil {
		return fmt.Errorf("delete presence for %s: %w", userID, err)
	}
	return nil
}

// IsOnline reports whether a presence key exists for userID.
func (c *Cache) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("checking presence for %s: %w", userID, err)
	}
	return n > 0, nil
}

func presenceKey(userID string) string {
	return "presence:" + userID
}

// RateLimitResult describes the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
}

// checkRateLimitScript atomically increments the fixed-window counter for
// key, setting its expiry only on the first increment of the window so
// concurrent callers never reset an in-flight window's countdown.
var checkRateLimitScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// CheckRateLimitInfo increments the fixed-window counter for key and reports
// whether the caller is still within limit requests for this window. The
// window's remaining lifetime is whatever is left on the key's TTL, not a
// sliding window: all callers sharing key within the same window share the
// same reset time.
func (c *Cache) CheckRateLimitInfo(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	count, err := checkRateLimitScript.Run(ctx, c.rdb, []string{"ratelimit:" + key}, window.Milliseconds()).Int()
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("checking rate limit for %s: %w", key, err)
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	return RateLimitResult{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: remaining,
	}, nil
}
