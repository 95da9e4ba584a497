package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisLimiter(t *testing.T) {
	srv := miniredis.RunT(t)
	limiter, err := NewRedisLimiter(srv.Addr(), "", "test:ratelimit", 2, time.Minute)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	ctx := context.Background()
	if d := limiter.Allow(ctx, "user-1"); !d.Allowed || d.Remaining != 1 {
		t.Fatalf("first request: %+v", d)
	}
	if d := limiter.Allow(ctx, "user-1"); !d.Allowed || d.Remaining != 0 {
		t.Fatalf("second request: %+v", d)
	}
	d := limiter.Allow(ctx, "user-1")
	if d.Allowed {
		t.Fatalf("third request should be blocked")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("unexpected retry after %v", d.RetryAfter)
	}
	if d := limiter.Allow(ctx, "user-2"); !d.Allowed {
		t.Fatalf("other keys have their own quota")
	}
}

func TestRedisLimiterFailsClosed(t *testing.T) {
	srv := miniredis.RunT(t)
	limiter, err := NewRedisLimiter(srv.Addr(), "", "test:ratelimit", 1, time.Second)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	srv.Close()
	if limiter.Allow(context.Background(), "user-1").Allowed {
		t.Fatalf("limiter should fail closed on redis errors")
	}
}

func TestRedisLimiterRequiresAddr(t *testing.T) {
	if _, err := NewRedisLimiter("", "", "x", 1, time.Second); err == nil {
		t.Fatalf("expected constructor error for empty redis addr")
	}
}

func TestMemoryLimiterWindowRollover(t *testing.T) {
	limiter, err := NewMemoryLimiter(1, time.Minute)
	if err != nil {
		t.Fatalf("new memory limiter: %v", err)
	}
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	if !limiter.Allow(ctx, "k").Allowed {
		t.Fatalf("first request should pass")
	}
	d := limiter.Allow(ctx, "k")
	if d.Allowed || d.RetryAfter != time.Minute {
		t.Fatalf("second request: %+v", d)
	}
	now = now.Add(time.Minute)
	if !limiter.Allow(ctx, "k").Allowed {
		t.Fatalf("new window should reset the quota")
	}
}
