// Package ratelimit caps how often a caller may hit the AI proxy endpoints.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string) Decision
}

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`)

// RedisLimiter is a fixed-window limiter shared by every replica.
// It fails closed when Redis is unreachable.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisLimiter(addr, password, prefix string, limit int, window time.Duration) (*RedisLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("ratelimit: limit and window must be positive")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("ratelimit: redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "archive:ratelimit"
	}
	return &RedisLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    time.Now,
	}, nil
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) Decision {
	windowMs := l.window.Milliseconds()
	slot := l.now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, normalizeKey(key), slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64Slice()
	if err != nil || len(res) != 2 {
		return Decision{Allowed: false, Limit: l.limit, RetryAfter: time.Second}
	}
	count, ttl := res[0], time.Duration(res[1])*time.Millisecond
	if ttl < 0 {
		ttl = l.window
	}
	return decide(int(count), l.limit, ttl)
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

// MemoryLimiter is the single-process fallback used without Redis.
type MemoryLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	buckets map[string]*bucket
}

type bucket struct {
	slot  int64
	count int
}

func NewMemoryLimiter(limit int, window time.Duration) (*MemoryLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("ratelimit: limit and window must be positive")
	}
	return &MemoryLimiter{limit: limit, window: window, now: time.Now, buckets: make(map[string]*bucket)}, nil
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) Decision {
	now := l.now().UTC()
	windowMs := l.window.Milliseconds()
	slot := now.UnixMilli() / windowMs
	resetIn := time.Duration((slot+1)*windowMs-now.UnixMilli()) * time.Millisecond

	l.mu.Lock()
	defer l.mu.Unlock()
	key = normalizeKey(key)
	b, ok := l.buckets[key]
	if !ok || b.slot != slot {
		b = &bucket{slot: slot}
		l.buckets[key] = b
	}
	b.count++
	if len(l.buckets) > 10000 {
		for k, old := range l.buckets {
			if old.slot != slot {
				delete(l.buckets, k)
			}
		}
	}
	return decide(b.count, l.limit, resetIn)
}

func decide(count, limit int, resetIn time.Duration) Decision {
	d := Decision{Allowed: count <= limit, Limit: limit, Remaining: limit - count}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = resetIn
	}
	return d
}

func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "unknown"
	}
	return key
}
