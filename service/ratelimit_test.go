package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func newRedisLimiter(t *testing.T, limit int, window time.Duration) *redisLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLimiter(rdb, limit, window).(*redisLimiter)
}

func TestMemoryLimiterDeniesPastLimit(t *testing.T) {
	l := NewMemoryLimiter(3, time.Minute, 3).(*memoryLimiter)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "10.0.0.1")
		if err != nil || !d.Allowed {
			t.Fatalf("request %d denied: %+v %v", i, d, err)
		}
	}
	d, _ := l.Allow(ctx, "10.0.0.1")
	if d.Allowed {
		t.Fatal("fourth request must be denied")
	}
	if !d.ResetAt.After(now) {
		t.Fatalf("reset %v not after now", d.ResetAt)
	}

	if d, _ := l.Allow(ctx, "10.0.0.2"); !d.Allowed {
		t.Fatal("keys must not share a bucket")
	}

	now = now.Add(20 * time.Second)
	if d, _ := l.Allow(ctx, "10.0.0.1"); !d.Allowed {
		t.Fatal("token should refill after window/limit")
	}
}

func TestAllowlistBypassesLimiter(t *testing.T) {
	inner := NewMemoryLimiter(1, time.Hour, 1)
	l := WithAllowlist(inner, []string{"127.0.0.1"})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if d, _ := l.Allow(ctx, "127.0.0.1"); !d.Allowed {
			t.Fatal("allowlisted key denied")
		}
	}
	if d, _ := l.Allow(ctx, "1.2.3.4"); !d.Allowed {
		t.Fatal("first request denied")
	}
	if d, _ := l.Allow(ctx, "1.2.3.4"); d.Allowed {
		t.Fatal("second request allowed")
	}
}

func TestWithAllowlistEmptyReturnsInner(t *testing.T) {
	inner := NewMemoryLimiter(1, time.Hour, 1)
	if WithAllowlist(inner, nil) != inner {
		t.Fatal("expected inner limiter")
	}
}

func TestRedisLimiterDeniesPastLimit(t *testing.T) {
	l := newRedisLimiter(t, 2, time.Minute)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := base
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i, want := range []int{1, 0} {
		d, err := l.Allow(ctx, "10.0.0.1")
		if err != nil || !d.Allowed {
			t.Fatalf("request %d denied: %+v %v", i, d, err)
		}
		if d.Remaining != want {
			t.Fatalf("request %d remaining = %d, want %d", i, d.Remaining, want)
		}
		now = now.Add(time.Second)
	}

	d, err := l.Allow(ctx, "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("third request must be denied")
	}
	if !d.ResetAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("reset = %v, want %v", d.ResetAt, base.Add(time.Minute))
	}

	if d, err := l.Allow(ctx, "10.0.0.2"); err != nil || !d.Allowed {
		t.Fatalf("keys must not share a window: %+v %v", d, err)
	}

	// the first request leaves the window, the second is still in it
	now = base.Add(time.Minute)
	d, err = l.Allow(ctx, "10.0.0.1")
	if err != nil || !d.Allowed {
		t.Fatalf("request after window denied: %+v %v", d, err)
	}
	if d.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0", d.Remaining)
	}
	if !d.ResetAt.Equal(base.Add(time.Second + time.Minute)) {
		t.Fatalf("reset = %v", d.ResetAt)
	}
}

func TestRedisLimiterConcurrentRequests(t *testing.T) {
	l := newRedisLimiter(t, 5, time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(context.Background(), "10.0.0.9")
			if err != nil {
				t.Error(err)
				return
			}
			if d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := allowed.Load(); got != 5 {
		t.Fatalf("allowed = %d, want 5", got)
	}
}

func TestRedisLimiterUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	if _, err := NewRedisLimiter(rdb, 1, time.Minute).Allow(context.Background(), "k"); err == nil {
		t.Fatal("expected error when redis is down")
	}
}
