package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"cbtexam/internal/app/apiresp"
	"cbtexam/internal/auth"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type RateLimiter interface {
	Allow(ctx context.Context, key string) bool
}

type rateBucket struct {
	Count      int
	WindowEnds time.Time
}

type IPRateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	now    func() time.Time
	store  map[string]rateBucket
}

func NewIPRateLimiter(max int, window time.Duration) *IPRateLimiter {
	if max <= 0 {
		max = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &IPRateLimiter{
		max:    max,
		window: window,
		now:    time.Now,
		store:  make(map[string]rateBucket),
	}
}

func (l *IPRateLimiter) Allow(_ context.Context, key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.store[key]
	if now.After(b.WindowEnds) {
		b = rateBucket{Count: 0, WindowEnds: now.Add(l.window)}
	}
	if b.Count >= l.max {
		l.store[key] = b
		return false
	}
	b.Count++
	l.store[key] = b
	return true
}

// RedisRateLimiter shares fixed-window counters across instances. When Redis
// is unreachable it degrades to the process-local fallback.
type RedisRateLimiter struct {
	client   *redis.Client
	max      int64
	window   time.Duration
	fallback RateLimiter
}

func NewRedisRateLimiter(client *redis.Client, max int, window time.Duration) *RedisRateLimiter {
	if max <= 0 {
		max = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisRateLimiter{
		client:   client,
		max:      int64(max),
		window:   window,
		fallback: NewIPRateLimiter(max, window),
	}
}

// Allow seeds the window counter with its TTL and increments it in one
// MULTI, so a counter never exists without an expiry.
func (l *RedisRateLimiter) Allow(ctx context.Context, key string) bool {
	redisKey := "cbtexam:ratelimit:" + key
	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetArgs(ctx, redisKey, 0, redis.SetArgs{Mode: "NX", TTL: l.window})
		incr = pipe.Incr(ctx, redisKey)
		return nil
	})
	// SET NX answers nil once the window is already open.
	if err != nil && !errors.Is(err, redis.Nil) {
		log.Warn().Err(err).Msg("rate limiter redis unavailable, using local counters")
		return l.fallback.Allow(ctx, key)
	}
	n, err := incr.Result()
	if err != nil {
		log.Warn().Err(err).Msg("rate limiter increment failed, using local counters")
		return l.fallback.Allow(ctx, key)
	}
	return n <= l.max
}

// RateLimitMiddleware keys by authenticated candidate when available and by
// client address otherwise.
func RateLimitMiddleware(l RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(r.Context(), rateLimitKey(r)) {
				apiresp.WriteLegacy(w, r, http.StatusTooManyRequests, false, nil, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitKey(r *http.Request) string {
	who := clientIP(r.RemoteAddr)
	if u, ok := auth.CurrentUser(r.Context()); ok {
		who = "user:" + u.ID
	}
	return who + "|" + r.Method + "|" + r.URL.Path
}

func clientIP(remoteAddr string) string {
	addr := strings.TrimSpace(remoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
