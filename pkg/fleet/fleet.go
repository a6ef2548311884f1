// Package fleet provides the Redis-backed coordination layer shared by
// every worker process: scalar state with TTLs, hashes, bounded lists,
// time-scored sets, distributed locks, and a pub/sub bus.
//
// All values are stored as JSON. Timestamps inside values follow the
// RFC 3339 convention of encoding/json. Keys are laid out as
// {scope}:{kind}:{id}.
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forgevault/forgevault/internal/logger"
)

// Well-known pub/sub channels.
const (
	// ChannelMetrics carries performance samples published by every worker.
	ChannelMetrics = "performance:metrics"

	// ChannelAlerts carries fleet-wide alert notifications.
	ChannelAlerts = "performance:alerts"
)

var (
	// ErrNotFound indicates the requested entry does not exist (or its
	// TTL has expired).
	ErrNotFound = errors.New("fleet: entry not found")

	// ErrLockHeld indicates another holder owns the lock.
	ErrLockHeld = errors.New("fleet: lock held")

	// ErrClosed indicates the coordinator has been closed.
	ErrClosed = errors.New("fleet: coordinator closed")
)

// Config holds coordinator settings.
type Config struct {
	// RedisURL is the Redis connection URL, e.g. redis://localhost:6379/0.
	RedisURL string

	// MaxRetries bounds retries of transiently failing commands.
	MaxRetries int

	// RetryBackoff is the linear backoff unit between retries.
	RetryBackoff time.Duration

	// LockTimeout is the default lock expiry when AcquireLock is called
	// with a zero TTL.
	LockTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 30 * time.Second
	}
	return c
}

// Coordinator is the shared fleet-state client. It is safe for
// concurrent use by all tasks in a worker process.
type Coordinator struct {
	cfg    Config
	client *redis.Client

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config) (*Coordinator, error) {
	cfg = cfg.withDefaults()

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Coordinator{
		cfg:    cfg,
		client: client,
		subs:   make(map[string]*subscription),
	}, nil
}

// Ping verifies the Redis connection is alive. Health probes use it.
func (c *Coordinator) Ping(ctx context.Context) error {
	return c.withRetry(ctx, "ping", func() error {
		return c.client.Ping(ctx).Err()
	})
}

// Close tears down all subscriptions and the underlying client.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return c.client.Close()
}

// Key builds the canonical {scope}:{kind}:{id} key.
func Key(scope, kind, id string) string {
	return scope + ":" + kind + ":" + id
}

// ============================================================================
// Scalars
// ============================================================================

// Put stores a JSON-encoded value under {scope}:{kind}:{id} with the
// given TTL. A non-positive TTL stores the entry without expiry.
func (c *Coordinator) Put(ctx context.Context, scope, kind, id string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	key := Key(scope, kind, id)
	return c.withRetry(ctx, "put", func() error {
		if ttl > 0 {
			return c.client.Set(ctx, key, data, ttl).Err()
		}
		return c.client.Set(ctx, key, data, 0).Err()
	})
}

// Get loads the entry at {scope}:{kind}:{id} into out. Returns
// ErrNotFound when the entry is absent or expired.
func (c *Coordinator) Get(ctx context.Context, scope, kind, id string, out any) error {
	key := Key(scope, kind, id)
	var data []byte
	err := c.withRetry(ctx, "get", func() error {
		b, err := c.client.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		data = b
		return nil
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	return nil
}

// Delete removes the entry. Deleting a missing entry is not an error.
func (c *Coordinator) Delete(ctx context.Context, scope, kind, id string) error {
	key := Key(scope, kind, id)
	return c.withRetry(ctx, "delete", func() error {
		return c.client.Del(ctx, key).Err()
	})
}

// ============================================================================
// Hashes
// ============================================================================

// HSet stores a field in the hash at {scope}:{kind}:{id}.
func (c *Coordinator) HSet(ctx context.Context, scope, kind, id, field string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	key := Key(scope, kind, id)
	return c.withRetry(ctx, "hset", func() error {
		return c.client.HSet(ctx, key, field, data).Err()
	})
}

// HGet loads a single hash field into out. Returns ErrNotFound when the
// field is absent.
func (c *Coordinator) HGet(ctx context.Context, scope, kind, id, field string, out any) error {
	key := Key(scope, kind, id)
	var data []byte
	err := c.withRetry(ctx, "hget", func() error {
		b, err := c.client.HGet(ctx, key, field).Bytes()
		if err != nil {
			return err
		}
		data = b
		return nil
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	return nil
}

// HGetAll returns every field of the hash as raw JSON values. Missing
// hashes yield an empty map.
func (c *Coordinator) HGetAll(ctx context.Context, scope, kind, id string) (map[string]json.RawMessage, error) {
	key := Key(scope, kind, id)
	var raw map[string]string
	err := c.withRetry(ctx, "hgetall", func() error {
		m, err := c.client.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		raw = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(raw))
	for f, v := range raw {
		out[f] = json.RawMessage(v)
	}
	return out, nil
}

// HDelete removes fields from the hash. Missing fields are ignored.
func (c *Coordinator) HDelete(ctx context.Context, scope, kind, id string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	key := Key(scope, kind, id)
	return c.withRetry(ctx, "hdel", func() error {
		return c.client.HDel(ctx, key, fields...).Err()
	})
}

// ============================================================================
// Bounded lists
// ============================================================================

// PushBounded prepends a value to the list at {scope}:{kind}:{id} and
// trims it to maxLen entries, evicting the oldest.
func (c *Coordinator) PushBounded(ctx context.Context, scope, kind, id string, value any, maxLen int64) error {
	if maxLen <= 0 {
		return fmt.Errorf("maxLen must be positive, got %d", maxLen)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	key := Key(scope, kind, id)
	return c.withRetry(ctx, "push", func() error {
		pipe := c.client.TxPipeline()
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, maxLen-1)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// ListRange returns list entries [start, stop] (inclusive, newest first)
// as raw JSON values. Use 0, -1 for the whole list.
func (c *Coordinator) ListRange(ctx context.Context, scope, kind, id string, start, stop int64) ([]json.RawMessage, error) {
	key := Key(scope, kind, id)
	var raw []string
	err := c.withRetry(ctx, "lrange", func() error {
		vals, err := c.client.LRange(ctx, key, start, stop).Result()
		if err != nil {
			return err
		}
		raw = vals
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, len(raw))
	for i, v := range raw {
		out[i] = json.RawMessage(v)
	}
	return out, nil
}

// ============================================================================
// Time-scored sets
// ============================================================================

// AddTimed adds a value to the sorted set at {scope}:{kind}:{id} scored
// by the given instant. Re-adding an identical value updates its score.
func (c *Coordinator) AddTimed(ctx context.Context, scope, kind, id string, value any, at time.Time) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	key := Key(scope, kind, id)
	return c.withRetry(ctx, "zadd", func() error {
		return c.client.ZAdd(ctx, key, redis.Z{
			Score:  float64(at.UnixMilli()),
			Member: string(data),
		}).Err()
	})
}

// RangeByTime returns set members whose score falls in [from, to],
// oldest first, as raw JSON values.
func (c *Coordinator) RangeByTime(ctx context.Context, scope, kind, id string, from, to time.Time) ([]json.RawMessage, error) {
	key := Key(scope, kind, id)
	var raw []string
	err := c.withRetry(ctx, "zrangebyscore", func() error {
		vals, err := c.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: fmt.Sprintf("%d", from.UnixMilli()),
			Max: fmt.Sprintf("%d", to.UnixMilli()),
		}).Result()
		if err != nil {
			return err
		}
		raw = vals
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, len(raw))
	for i, v := range raw {
		out[i] = json.RawMessage(v)
	}
	return out, nil
}

// TrimBefore removes set members scored strictly before the cutoff and
// reports how many were evicted.
func (c *Coordinator) TrimBefore(ctx context.Context, scope, kind, id string, cutoff time.Time) (int64, error) {
	key := Key(scope, kind, id)
	var removed int64
	err := c.withRetry(ctx, "zremrangebyscore", func() error {
		n, err := c.client.ZRemRangeByScore(ctx, key,
			"-inf", fmt.Sprintf("(%d", cutoff.UnixMilli())).Result()
		if err != nil {
			return err
		}
		removed = n
		return nil
	})
	return removed, err
}

// ============================================================================
// Retry
// ============================================================================

// withRetry runs fn, retrying transient connection errors up to
// MaxRetries with linear backoff. Application errors (redis.Nil,
// context cancellation) return immediately.
func (c *Coordinator) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.RetryBackoff * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			logger.Warn("Retrying fleet operation",
				"op", op,
				"attempt", attempt+1,
				"error", err)
		}
		err = fn()
		if err == nil || !isRetryable(err) {
			return err
		}
	}
	return err
}

// isRetryable reports whether the error looks like a transient
// connection failure rather than an application-level condition.
func isRetryable(err error) bool {
	if err == nil ||
		errors.Is(err, redis.Nil) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "i/o timeout")
}
