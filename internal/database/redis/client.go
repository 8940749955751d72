// Package redis publishes the live bridge status and share counters to
// Redis so dashboards can read them without tailing logs.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/fpgaproxy/internal/messaging"
)

// Client wraps Redis operations for the bridge
type Client struct {
	rdb       *redis.Client
	prefix    string
	statusTTL time.Duration
}

// Config holds Redis connection configuration
type Config struct {
	// URL is a redis:// or rediss:// connection string.
	URL string
	// Prefix namespaces every key, normally the worker name.
	Prefix    string
	StatusTTL time.Duration
}

// NewClient creates a new Redis client
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	ttl := cfg.StatusTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "fpgaproxy"
	}
	return &Client{rdb: rdb, prefix: prefix, statusTTL: ttl}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key returns the namespaced key for name.
func (c *Client) Key(name string) string {
	return keyFor(c.prefix, name)
}

func keyFor(prefix, name string) string {
	return fmt.Sprintf("%s:%s", prefix, name)
}

// SetStatus replaces the status hash and refreshes its expiry. A bridge
// that stops reporting disappears after the TTL.
func (c *Client) SetStatus(ctx context.Context, msg messaging.StatusMessage) error {
	key := c.Key("status")
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, StatusFields(msg))
	pipe.Expire(ctx, key, c.statusTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	return nil
}

// IncrementCounter increments a counter and returns the new value
func (c *Client) IncrementCounter(ctx context.Context, name string) (int64, error) {
	v, err := c.rdb.Incr(ctx, c.Key(name)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return v, nil
}

// GetCounter retrieves a counter value
func (c *Client) GetCounter(ctx context.Context, name string) (int64, error) {
	val, err := c.rdb.Get(ctx, c.Key(name)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}

// SetHashrate stores the latest job rate in a sorted set scored by time
// and trims entries older than window.
func (c *Client) SetHashrate(ctx context.Context, msg messaging.HashrateMessage, window time.Duration) error {
	key := c.Key("hashrate")
	ts := msg.ReportedAt.Unix()

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(ts),
		Member: fmt.Sprintf("%s:%s", msg.JobID, strconv.FormatFloat(msg.Rate, 'f', 2, 64)),
	})
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(ts-int64(window.Seconds()), 10))
	pipe.Expire(ctx, key, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set hashrate: %w", err)
	}
	return nil
}

// StatusFields flattens a status snapshot into hash fields.
func StatusFields(msg messaging.StatusMessage) map[string]any {
	return map[string]any{
		"connected":       strconv.FormatBool(msg.Connected),
		"authorized":      strconv.FormatBool(msg.Authorized),
		"session":         strconv.FormatUint(msg.Session, 10),
		"extranonce1":     msg.ExtraNonce1,
		"difficulty":      strconv.FormatFloat(msg.Difficulty, 'g', -1, 64),
		"current_job":     msg.CurrentJob,
		"shares_accepted": strconv.FormatUint(msg.SharesAccepted, 10),
		"shares_rejected": strconv.FormatUint(msg.SharesRejected, 10),
		"average_rate":    strconv.FormatFloat(msg.AverageRate, 'f', 2, 64),
		"updated_at":      msg.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
