// Package ratelimit caps how many webhook events a single chat user may
// trigger per minute.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	errx "github.com/synochat-relay/server/internal/core/error"
	"github.com/synochat-relay/server/internal/model"
	logx "github.com/synochat-relay/server/pkg/logger"
)

const window = time.Minute

// Limiter decides whether key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Counter is the subset of the Redis client the fixed-window limiter uses.
type Counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// New returns the limiter for cfg: nil when limiting is off, a Redis fixed
// window when counter is set, otherwise an in-process token bucket.
func New(cfg model.RateLimitConfig, counter Counter, keyPrefix string) Limiter {
	if cfg.PerMinute <= 0 {
		return nil
	}
	if counter != nil {
		logx.Info().Int("per_minute", cfg.PerMinute).Msg("rate limiting users through redis")
		return NewRedis(counter, cfg.PerMinute, keyPrefix)
	}
	logx.Info().Int("per_minute", cfg.PerMinute).Msg("rate limiting users in memory")
	return NewMemory(cfg.PerMinute)
}

// ================ Memory ================

// Memory is a per-key token bucket refilled at limit tokens per minute with
// a burst of limit. Buckets idle for a full window are refilled anyway, so
// they are dropped at most once per window.
type Memory struct {
	mu        sync.Mutex
	limit     float64
	buckets   map[string]*bucket
	lastPrune time.Time
	now       func() time.Time
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

func NewMemory(perMinute int) *Memory {
	return &Memory{
		limit:   float64(perMinute),
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow implements Limiter. It never fails.
func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.prune(now)

	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: m.limit, lastRefill: now}
		m.buckets[key] = b
	}

	b.tokens += now.Sub(b.lastRefill).Minutes() * m.limit
	if b.tokens > m.limit {
		b.tokens = m.limit
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

func (m *Memory) prune(now time.Time) {
	if now.Sub(m.lastPrune) < window {
		return
	}
	m.lastPrune = now
	for k, b := range m.buckets {
		if now.Sub(b.lastRefill) >= window {
			delete(m.buckets, k)
		}
	}
}

// Len returns the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// ================ Redis ================

// Redis counts events per key in fixed one-minute windows shared by every
// relay instance pointing at the same server.
type Redis struct {
	counter Counter
	limit   int64
	prefix  string
	now     func() time.Time
}

func NewRedis(counter Counter, perMinute int, prefix string) *Redis {
	return &Redis{counter: counter, limit: int64(perMinute), prefix: prefix, now: time.Now}
}

// Allow implements Limiter. Redis errors are returned as errx redis errors.
func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	k := r.key(key)
	n, err := r.counter.Incr(ctx, k).Result()
	if err != nil {
		return false, errx.WrapRedis(err)
	}
	if n == 1 {
		if err := r.counter.Expire(ctx, k, window).Err(); err != nil {
			return false, errx.WrapRedis(err)
		}
	}
	return n <= r.limit, nil
}

func (r *Redis) key(key string) string {
	slot := r.now().Unix() / int64(window/time.Second)
	if r.prefix == "" {
		return fmt.Sprintf("ratelimit:%s:%d", key, slot)
	}
	return fmt.Sprintf("%s:ratelimit:%s:%d", r.prefix, key, slot)
}
