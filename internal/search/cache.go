package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is a cached search outcome.
type Entry struct {
	Texts       []string    `json:"texts"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

// Cache stores successful search results by query.
type Cache interface {
	Get(ctx context.Context, query string) (Entry, bool)
	Set(ctx context.Context, query string, e Entry) error
}

// CacheKey normalises a query into the key used by every Cache.
func CacheKey(query string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(query))))
	return hex.EncodeToString(sum[:])
}

// NewCache returns a Redis cache when redisURL is set, an in-process cache
// when only ttl is set, and nil when caching is disabled.
func NewCache(ctx context.Context, redisURL string, ttl time.Duration) (Cache, error) {
	if ttl <= 0 {
		return nil, nil
	}
	if redisURL == "" {
		return NewMemoryCache(ttl), nil
	}
	return NewRedisCache(ctx, redisURL, ttl)
}

// MemoryCache is an in-process TTL cache.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	entry   Entry
	expires time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(_ context.Context, query string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := CacheKey(query)
	e, ok := c.entries[k]
	if !ok {
		return Entry{}, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, k)
		return Entry{}, false
	}
	return e.entry, true
}

func (c *MemoryCache) Set(_ context.Context, query string, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, v := range c.entries {
		if !now.Before(v.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[CacheKey(query)] = memoryEntry{entry: e, expires: now.Add(c.ttl)}
	return nil
}

// Clear drops every entry.
func (c *MemoryCache) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]memoryEntry)
	return nil
}

const redisPrefix = "pal:search:"

// RedisCache shares search results through Redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(ctx context.Context, redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

func (c *RedisCache) Get(ctx context.Context, query string) (Entry, bool) {
	data, err := c.client.Get(ctx, redisPrefix+CacheKey(query)).Bytes()
	if err != nil {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false
	}
	return e, true
}

func (c *RedisCache) Set(ctx context.Context, query string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	if err := c.client.Set(ctx, redisPrefix+CacheKey(query), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

// Clear removes every cached search result.
func (c *RedisCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, redisPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
	}
	return iter.Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
