// Package kvcache provides the key-value cache client used for tokens,
// blacklists, session snapshots, permission caches, and verification codes.
package kvcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPoolSize   = 10
	defaultMinIdle    = 5
	defaultMaxRetry   = 3
	defaultTimeoutSec = 5

	// scanCount is the count parameter for SCAN-based pattern deletes.
	scanCount = 100
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("kvcache: key not found")

// Config holds connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// DefaultConfig returns a Config with sensible defaults for development.
func DefaultConfig() Config {
	return Config{
		Addr:     "localhost:6379",
		PoolSize: defaultPoolSize,
		Timeout:  defaultTimeoutSec * time.Second,
	}
}

// Client wraps redis.Client with the operations the core relies on.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a client and verifies the connection with a ping.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("kvcache: addr cannot be empty")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeoutSec * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: defaultMinIdle,
		MaxRetries:   defaultMaxRetry,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	client := &Client{rdb: rdb}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("kvcache: failed to connect to %s: %w", cfg.Addr, err)
	}

	return client, nil
}

// NewClientFromRedis wraps an existing redis client. Used by tests to point
// the cache at a miniredis instance.
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Ping checks that the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("kvcache ping failed: %w", err)
	}
	return nil
}

// Close releases all resources.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Set stores a key with a TTL. A zero expiration means no expiry.
func (c *Client) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, expiration).Err(); err != nil {
		return fmt.Errorf("kvcache set %s: %w", key, err)
	}
	return nil
}

// SetNX stores a key only if it does not exist. Returns whether the write
// won. Used as a coarse per-key lock; the TTL bounds the hold time.
func (c *Client) SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, expiration).Result()
	if err != nil {
		return false, fmt.Errorf("kvcache setnx %s: %w", key, err)
	}
	return ok, nil
}

// Get retrieves a string value. Returns ErrNotFound for missing keys.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("kvcache get %s: %w", key, err)
	}
	return val, nil
}

// Del deletes keys. Missing keys are not an error.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("kvcache del: %w", err)
	}
	return nil
}

// Exists reports whether the key exists.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("kvcache exists %s: %w", key, err)
	}
	return n > 0, nil
}

// TTL returns the remaining lifetime of a key. Returns a negative duration
// when the key is missing or has no expiry, mirroring the server semantics.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kvcache ttl %s: %w", key, err)
	}
	return ttl, nil
}

// Expire sets a timeout on an existing key.
func (c *Client) Expire(ctx context.Context, key string, expiration time.Duration) error {
	if err := c.rdb.Expire(ctx, key, expiration).Err(); err != nil {
		return fmt.Errorf("kvcache expire %s: %w", key, err)
	}
	return nil
}

// HSet stores a string map as a hash.
func (c *Client) HSet(ctx context.Context, key string, fields map[string]string) error {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	if err := c.rdb.HSet(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("kvcache hset %s: %w", key, err)
	}
	return nil
}

// HGetAll retrieves a hash. Returns ErrNotFound for missing keys.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kvcache hgetall %s: %w", key, err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return m, nil
}

// SAdd adds members to a set.
func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := c.rdb.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("kvcache sadd %s: %w", key, err)
	}
	return nil
}

// SRem removes members from a set.
func (c *Client) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := c.rdb.SRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("kvcache srem %s: %w", key, err)
	}
	return nil
}

// SMembers returns all members of a set. A missing key yields an empty slice.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kvcache smembers %s: %w", key, err)
	}
	return members, nil
}

// Incr increments a counter and returns the new value.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kvcache incr %s: %w", key, err)
	}
	return n, nil
}

// ZAdd adds a scored member to a sorted set.
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("kvcache zadd %s: %w", key, err)
	}
	return nil
}

// ZTrimToMostRecent keeps only the max highest-scored members of a sorted set.
func (c *Client) ZTrimToMostRecent(ctx context.Context, key string, max int64) error {
	if err := c.rdb.ZRemRangeByRank(ctx, key, 0, -(max + 1)).Err(); err != nil {
		return fmt.Errorf("kvcache ztrim %s: %w", key, err)
	}
	return nil
}

// ZRevRange returns members ordered most-recent first.
func (c *Client) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	members, err := c.rdb.ZRevRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("kvcache zrevrange %s: %w", key, err)
	}
	return members, nil
}

// DeleteByPattern removes every key matching the glob pattern using SCAN so
// the server is never blocked by a KEYS call.
func (c *Client) DeleteByPattern(ctx context.Context, pattern string) (int64, error) {
	var deleted int64
	var cursor uint64

	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return deleted, fmt.Errorf("kvcache scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("kvcache del after scan: %w", err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return deleted, nil
}
