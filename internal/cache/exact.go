package cache

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/llmtrace/gateway/internal/core"
	"github.com/llmtrace/gateway/internal/metrics"
)

// Entry is one cached response.
type Entry struct {
	Body      json.RawMessage `json:"body"`
	Usage     core.TokenUsage `json:"usage"`
	Model     string          `json:"model"`
	CreatedAt time.Time       `json:"created_at"`
}

// ExactCache stores responses in Redis keyed by request fingerprint,
// namespaced per project so invalidation and isolation are per tenant.
// Without a Redis client it falls back to an in-process map, same as the
// rate limiter does for counters. All failures degrade to a miss; the
// cache never blocks a request.
type ExactCache struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  *log.Logger

	mu    sync.RWMutex
	local map[string]localEntry
}

type localEntry struct {
	entry     *Entry
	expiresAt time.Time
}

func NewExactCache(client *redis.Client, ttl time.Duration, m *metrics.Metrics) *ExactCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ExactCache{
		client:  client,
		ttl:     ttl,
		metrics: m,
		logger:  log.New(log.Writer(), "[CACHE] ", log.LstdFlags),
		local:   make(map[string]localEntry),
	}
}

func cacheKey(projectID, fingerprint string) string {
	return "llmcache:" + projectID + ":" + fingerprint
}

// Get returns the cached entry for a fingerprint, or nil on a miss. Store
// failures are logged and reported as misses.
func (c *ExactCache) Get(ctx context.Context, projectID, fingerprint string) *Entry {
	if c.client == nil {
		key := cacheKey(projectID, fingerprint)
		c.mu.RLock()
		le, ok := c.local[key]
		c.mu.RUnlock()
		if !ok || time.Now().After(le.expiresAt) {
			c.count("lookup", "miss")
			return nil
		}
		c.count("lookup", "hit")
		return le.entry
	}
	raw, err := c.client.Get(ctx, cacheKey(projectID, fingerprint)).Bytes()
	if err == redis.Nil {
		c.count("lookup", "miss")
		return nil
	}
	if err != nil {
		c.logger.Printf("⚠️ cache read failed, treating as miss: %v", err)
		c.count("lookup", "error")
		return nil
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Printf("⚠️ corrupt cache entry %s, dropping: %v", fingerprint, err)
		c.client.Del(ctx, cacheKey(projectID, fingerprint))
		c.count("lookup", "error")
		return nil
	}
	c.count("lookup", "hit")
	return &entry
}

// Put stores an entry. Callers run it fire-and-forget; a write failure
// never changes the client response. Duplicate writes for the same
// fingerprint are fine, last write wins.
func (c *ExactCache) Put(ctx context.Context, projectID, fingerprint string, entry *Entry) {
	if c.client == nil {
		c.mu.Lock()
		c.local[cacheKey(projectID, fingerprint)] = localEntry{entry: entry, expiresAt: time.Now().Add(c.ttl)}
		c.mu.Unlock()
		c.count("write", "ok")
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		c.logger.Printf("⚠️ cache entry marshal failed: %v", err)
		return
	}
	if err := c.client.Set(ctx, cacheKey(projectID, fingerprint), raw, c.ttl).Err(); err != nil {
		c.logger.Printf("⚠️ cache write failed: %v", err)
		c.count("write", "error")
		return
	}
	c.count("write", "ok")
}

// Invalidate removes entries for a project, optionally narrowed to one
// request kind. Deletion runs in bounded SCAN batches so a large keyspace
// never stalls Redis.
func (c *ExactCache) Invalidate(ctx context.Context, projectID string, kind core.RequestKind) (int, error) {
	if c.client == nil {
		prefix := cacheKey(projectID, "")
		if kind != "" {
			prefix = cacheKey(projectID, string(kind)+":")
		}
		deleted := 0
		c.mu.Lock()
		for key := range c.local {
			if strings.HasPrefix(key, prefix) {
				delete(c.local, key)
				deleted++
			}
		}
		c.mu.Unlock()
		return deleted, nil
	}
	pattern := cacheKey(projectID, "*")
	if kind != "" {
		pattern = cacheKey(projectID, string(kind)+":*")
	}

	deleted := 0
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return deleted, err
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (c *ExactCache) count(op, outcome string) {
	if c.metrics == nil {
		return
	}
	if op == "lookup" {
		c.metrics.CacheLookups.WithLabelValues("exact", outcome).Inc()
	} else {
		c.metrics.CacheWrites.WithLabelValues("exact", outcome).Inc()
	}
}
