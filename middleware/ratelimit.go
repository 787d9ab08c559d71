package middleware

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sweater-ventures/relay/config"
)

const (
	StrategyFixedWindow   = "fixed-window"
	StrategySlidingWindow = "sliding-window"
)

// fixedWindowScript counts requests in a hash field keyed by the window
// start. Old fields age out with the key; the hash lives two windows so a
// window in progress is never truncated.
var fixedWindowScript = redis.NewScript(`
local current = redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
redis.call('EXPIRE', KEYS[1], ARGV[2])
return current
`)

// slidingWindowScript keeps one sorted-set member per request. Returns
// {allowed, count, retry_after_seconds}.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
if count >= limit then
    local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
    local retry = 1
    if oldest[2] then
        retry = math.ceil(tonumber(oldest[2]) + window - now)
        if retry < 1 then retry = 1 end
    end
    return {0, count, retry}
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('EXPIRE', KEYS[1], window * 2)
return {1, count + 1, 0}
`)

// RateLimiter evaluates request quotas against Redis using either a fixed
// or sliding window. Any Redis failure allows the request through with a
// degraded marker on the response.
type RateLimiter struct {
	rdb      *redis.Client
	strategy string
}

func NewRateLimiter(rdb *redis.Client, strategy string) *RateLimiter {
	if strategy != StrategySlidingWindow {
		strategy = StrategyFixedWindow
	}
	return &RateLimiter{rdb: rdb, strategy: strategy}
}

type RateLimitDecision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      int64 // epoch seconds when the window rolls over
	RetryAfter int   // seconds, only meaningful when !Allowed
	Degraded   bool  // limiter unavailable, request allowed through
}

// Check records one request against key and reports whether it is within
// limit requests per window seconds.
func (l *RateLimiter) Check(ctx context.Context, key string, limit, window int) RateLimitDecision {
	now := time.Now().Unix()

	switch l.strategy {
	case StrategySlidingWindow:
		member := fmt.Sprintf("%d-%d", time.Now().UnixNano(), limit)
		res, err := slidingWindowScript.Run(ctx, l.rdb, []string{key}, now, window, limit, member).Int64Slice()
		if err != nil || len(res) != 3 {
			if err != nil {
				log(ctx).Warn("Rate limiter unavailable, allowing request", "error", err)
			}
			return RateLimitDecision{Allowed: true, Limit: limit, Remaining: limit, Degraded: true}
		}
		decision := RateLimitDecision{
			Allowed:    res[0] == 1,
			Limit:      limit,
			Remaining:  limit - int(res[1]),
			Reset:      now + int64(window),
			RetryAfter: int(res[2]),
		}
		if decision.Remaining < 0 {
			decision.Remaining = 0
		}
		return decision

	default:
		windowStart := now - now%int64(window)
		current, err := fixedWindowScript.Run(ctx, l.rdb, []string{key}, windowStart, window*2).Int64()
		if err != nil {
			log(ctx).Warn("Rate limiter unavailable, allowing request", "error", err)
			return RateLimitDecision{Allowed: true, Limit: limit, Remaining: limit, Degraded: true}
		}
		reset := windowStart + int64(window)
		decision := RateLimitDecision{
			Allowed:    current <= int64(limit),
			Limit:      limit,
			Remaining:  limit - int(current),
			Reset:      reset,
			RetryAfter: int(reset - now),
		}
		if decision.Remaining < 0 {
			decision.Remaining = 0
		}
		return decision
	}
}

// RateLimitMiddleware enforces limit requests per window seconds per client
// per path. Disabled limiters pass everything through untouched.
func RateLimitMiddleware(config *config.AppConfig, limiter *RateLimiter, limit, window int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !config.RateLimitEnabled {
				next.ServeHTTP(w, r)
				return
			}

			key := fmt.Sprintf("ratelimit:%s:%s", clientIdentifier(r), routeHash(r.URL.Path))
			decision := limiter.Check(r.Context(), key, limit, window)

			w.Header().Set("X-Rate-Limit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-Rate-Limit-Remaining", strconv.Itoa(decision.Remaining))
			if decision.Reset > 0 {
				w.Header().Set("X-Rate-Limit-Reset", strconv.FormatInt(decision.Reset, 10))
			}
			if decision.Degraded {
				w.Header().Set("X-Rate-Limit-Error", "1")
			}

			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
				log(r.Context()).Warn("Request rate limited",
					"path", r.URL.Path, "limit", decision.Limit, "retry_after", decision.RetryAfter)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error": "rate limit exceeded", "retry_after": %d}`, decision.RetryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// routeHash keeps arbitrary request paths within Redis key length limits.
func routeHash(path string) string {
	sum := md5.Sum([]byte(path))
	return hex.EncodeToString(sum[:])
}

// clientIdentifier prefers the first X-Forwarded-For hop so limits follow
// the caller through a proxy, falling back to the connection address.
func clientIdentifier(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
