package app

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const targetLimitWindow = time.Minute

// targetLimitScript is a sliding-window counter over a sorted set of attempt
// timestamps. Returns 1 when the attempt is allowed.
var targetLimitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
if redis.call('ZCARD', KEYS[1]) >= limit then
    return 0
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('EXPIRE', KEYS[1], math.ceil(window / 1000) * 2)
return 1
`)

// TargetLimiter caps delivery attempts per target URL so one slow or
// misconfigured endpoint cannot absorb the whole worker pool. Keys are
// hashed so arbitrary URLs stay within Redis key length limits.
type TargetLimiter struct {
	rdb   *redis.Client
	limit int
}

func NewTargetLimiter(rdb *redis.Client, limit int) *TargetLimiter {
	return &TargetLimiter{rdb: rdb, limit: limit}
}

// Allow reports whether a delivery to targetUrl may proceed right now.
// Callers should treat an error as allowed; the limiter fails open.
func (l *TargetLimiter) Allow(ctx context.Context, targetUrl string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}

	sum := md5.Sum([]byte(targetUrl))
	key := "target_rate_limit:" + hex.EncodeToString(sum[:])

	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, UuidToString(NewUuid()))

	allowed, err := targetLimitScript.Run(ctx, l.rdb,
		[]string{key}, now, targetLimitWindow.Milliseconds(), l.limit, member).Int64()
	if err != nil {
		return true, err
	}
	return allowed == 1, nil
}
