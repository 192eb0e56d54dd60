// Package cache provides the shared Redis-backed response cache. Errors
// degrade to cache misses so the fetch hot path never blocks on Redis.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Cache is the TTL-bound KV surface shared by adapters, REST handlers
// and the webhook receivers.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	// GetStale ignores envelope freshness; adapters use it to serve a
	// last-known value when the upstream is down.
	GetStale(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Stats() Stats
	Ping(ctx context.Context) error
	Close() error
}

// Stats counts cache traffic since process start.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
	Errors int64 `json:"errors"`
}

// Entry is the JSON envelope stored under every key.
type Entry struct {
	Data       json.RawMessage `json:"data"`
	StoredAt   time.Time       `json:"stored_at"`
	TTLSeconds int64           `json:"ttl_seconds"`
}

// KeyOf derives a cache key from the provider name and the ordered
// request parameters: provider:arg1:arg2:...
func KeyOf(provider string, parts ...string) string {
	return provider + ":" + strings.Join(parts, ":")
}

type redisCache struct {
	client    *redis.Client
	keyPrefix string

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
	errors atomic.Int64
}

// NewRedis connects a cache to the Redis instance at url
// (redis://[:password@]host:port/db).
func NewRedis(url string) (Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = 500 * time.Millisecond

	return &redisCache{client: redis.NewClient(opts), keyPrefix: "fksdata:"}, nil
}

// NewRedisWithClient wraps an existing client; used by tests with redismock.
func NewRedisWithClient(client *redis.Client) Cache {
	return &redisCache{client: client, keyPrefix: "fksdata:"}
}

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	entry, ok := c.fetch(ctx, key)
	if !ok {
		return nil, false
	}
	if entry.TTLSeconds > 0 && time.Since(entry.StoredAt) > time.Duration(entry.TTLSeconds)*time.Second {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return entry.Data, true
}

func (c *redisCache) GetStale(ctx context.Context, key string) ([]byte, bool) {
	entry, ok := c.fetch(ctx, key)
	if !ok {
		return nil, false
	}
	c.hits.Add(1)
	return entry.Data, true
}

func (c *redisCache) fetch(ctx context.Context, key string) (Entry, bool) {
	raw, err := c.client.Get(ctx, c.keyPrefix+key).Result()
	if err != nil {
		if err == redis.Nil {
			c.misses.Add(1)
			return Entry{}, false
		}
		c.errors.Add(1)
		log.Debug().Err(err).Str("key", key).Msg("cache get failed")
		return Entry{}, false
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.errors.Add(1)
		return Entry{}, false
	}
	return entry, true
}

// Set keeps the value in Redis for twice the logical TTL so GetStale can
// still serve it after freshness lapses.
func (c *redisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	entry := Entry{
		Data:       json.RawMessage(value),
		StoredAt:   time.Now().UTC(),
		TTLSeconds: int64(ttl / time.Second),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		c.errors.Add(1)
		return
	}
	if err := c.client.Set(ctx, c.keyPrefix+key, payload, 2*ttl).Err(); err != nil {
		c.errors.Add(1)
		log.Debug().Err(err).Str("key", key).Msg("cache set failed")
		return
	}
	c.sets.Add(1)
}

func (c *redisCache) Delete(ctx context.Context, key string) {
	if err := c.client.Del(ctx, c.keyPrefix+key).Err(); err != nil {
		c.errors.Add(1)
	}
}

func (c *redisCache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Sets:   c.sets.Load(),
		Errors: c.errors.Load(),
	}
}

func (c *redisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *redisCache) Close() error {
	return c.client.Close()
}
