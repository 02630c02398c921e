package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is the counter store behind the rate limiter and quota keeper. The
// only permitted write is an atomic increment; no read-modify-write.
type KV interface {
	Incr(ctx context.Context, key string) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// ============================================================================
// REDIS BACKEND
// ============================================================================

// RedisKV backs the counters with Redis. Transient failures get one retry
// with a short backoff; persistent failure is the caller's fail-open case.
type RedisKV struct {
	client *redis.Client
}

const kvRetryBackoff = 20 * time.Millisecond

// NewRedisKV connects to the KV backend. url is a redis:// URL; token, when
// set, overrides the password in the URL.
func NewRedisKV(url, token string) (*RedisKV, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if token != "" {
		opts.Password = token
	}
	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = 1 * time.Second
	opts.WriteTimeout = 1 * time.Second
	return &RedisKV{client: redis.NewClient(opts)}, nil
}

func (r *RedisKV) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Incr(ctx, key).Result()
	if err == nil || ctx.Err() != nil {
		return n, err
	}
	time.Sleep(kvRetryBackoff)
	return r.client.Incr(ctx, key).Result()
}

func (r *RedisKV) Get(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err == nil || ctx.Err() != nil {
		return n, err
	}
	time.Sleep(kvRetryBackoff)
	n, err = r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (r *RedisKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

// Ping verifies connectivity at startup.
func (r *RedisKV) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// ============================================================================
// IN-MEMORY BACKEND
// ============================================================================

// MemoryKV is a process-local counter store used when no KV backend is
// configured, and by tests. Counters expire lazily on access.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]*memoryEntry)}
}

func (m *MemoryKV) get(key string) *memoryEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *MemoryKV) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.get(key)
	if e == nil {
		e = &memoryEntry{}
		m.entries[key] = e
	}
	e.count++
	return e.count, nil
}

func (m *MemoryKV) Get(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.get(key); e != nil {
		return e.count, nil
	}
	return 0, nil
}

func (m *MemoryKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.get(key); e != nil {
		e.expiresAt = time.Now().Add(ttl)
	}
	return nil
}
