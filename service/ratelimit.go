package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter admits or rejects one request for key (the client ip).
type RateLimiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// RateLimitError reports when the client may retry.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, try again after %s", e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// redisLimiter is a sliding window log kept in one sorted set per key.
type redisLimiter struct {
	rdb    *goredis.Client
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(rdb *goredis.Client, limit int, window time.Duration) RateLimiter {
	return &redisLimiter{rdb: rdb, limit: limit, window: window, prefix: "prism:ratelimit:", now: time.Now}
}

// slidingWindow trims, counts and records in one server-side step so
// concurrent requests for a key cannot all pass the count check.
// Scores are unix microseconds, passed as strings to keep full precision.
// Returns {allowed, used, oldest score}.
var slidingWindow = goredis.NewScript(`
local key = KEYS[1]
redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[2])
local used = redis.call('ZCARD', key)
local allowed = 0
if used < tonumber(ARGV[3]) then
  redis.call('ZADD', key, ARGV[1], ARGV[4])
  redis.call('PEXPIRE', key, ARGV[5])
  used = used + 1
  allowed = 1
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local first = tonumber(ARGV[1])
if oldest[2] then
  first = tonumber(oldest[2])
end
return {allowed, used, first}
`)

func (l *redisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	res, err := slidingWindow.Run(ctx, l.rdb, []string{l.prefix + key},
		strconv.FormatInt(now.UnixMicro(), 10),
		strconv.FormatInt(now.Add(-l.window).UnixMicro(), 10),
		l.limit,
		uuid.NewString(),
		max(l.window.Milliseconds(), 1),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit check: unexpected reply %v", res)
	}
	resetAt := time.UnixMicro(res[2]).Add(l.window)
	if res[0] != 1 {
		return Decision{Allowed: false, ResetAt: resetAt}, nil
	}
	return Decision{Allowed: true, Remaining: l.limit - int(res[1]), ResetAt: resetAt}, nil
}

// memoryLimiter keeps one token bucket per key. Used when redis is not
// configured.
type memoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	every   rate.Limit
	burst   int
	window  time.Duration
	now     func() time.Time
}

func NewMemoryLimiter(limit int, window time.Duration, burst int) RateLimiter {
	if burst <= 0 {
		burst = limit
	}
	return &memoryLimiter{
		buckets: make(map[string]*rate.Limiter),
		every:   rate.Every(window / time.Duration(max(limit, 1))),
		burst:   burst,
		window:  window,
		now:     time.Now,
	}
}

func (l *memoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.every, l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()

	now := l.now()
	if !b.AllowN(now, 1) {
		r := b.ReserveN(now, 1)
		delay := r.DelayFrom(now)
		r.CancelAt(now)
		return Decision{Allowed: false, ResetAt: now.Add(delay)}, nil
	}
	return Decision{Allowed: true, Remaining: int(b.TokensAt(now)), ResetAt: now.Add(l.window)}, nil
}

// allowlistLimiter lets listed keys through without touching the inner limiter.
type allowlistLimiter struct {
	inner RateLimiter
	allow map[string]struct{}
}

func WithAllowlist(inner RateLimiter, keys []string) RateLimiter {
	if len(keys) == 0 {
		return inner
	}
	allow := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		allow[k] = struct{}{}
	}
	return &allowlistLimiter{inner: inner, allow: allow}
}

func (l *allowlistLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	if _, ok := l.allow[key]; ok {
		return Decision{Allowed: true, Remaining: -1}, nil
	}
	return l.inner.Allow(ctx, key)
}
