package rate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRateLimited is returned by callers that turn a denied Result into an error.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps transport failures talking to Redis.
	ErrRedisUnavailable = errors.New("redis unavailable")
)

const slidingWindowScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
local allowed = 0
if count < limit then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  redis.call("PEXPIRE", KEYS[1], window)
  count = count + 1
  allowed = 1
end
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local first = now
if oldest[2] then
  first = tonumber(oldest[2])
end
return {allowed, count, first}
`

var slidingWindowLua = redis.NewScript(slidingWindowScript)

// Result is the outcome of one Allow call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the oldest hit leaves the window.
	ResetAt time.Time
	// RetryAfter is zero when Allowed, otherwise the wait until one slot frees.
	RetryAfter time.Duration
}

// Config holds limiter settings.
type Config struct {
	Prefix string
	Now    func() time.Time
}

// Limiter is a sliding-window rate limiter backed by Redis sorted sets.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a rate [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "ac"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

func (l *Limiter) key(k string) string {
	return l.config.Prefix + ":rl:" + k
}

// Allow records a hit on key when fewer than limit hits fall inside window.
// A denied call records nothing.
//
//	Performance: 1 Lua script (ZREMRANGEBYSCORE, ZCARD, ZADD, PEXPIRE, ZRANGE).
func (l *Limiter) Allow(ctx context.Context, key string, window time.Duration, limit int) (Result, error) {
	if limit <= 0 || window <= 0 {
		return Result{}, errors.New("rate: window and limit must be > 0")
	}

	now := l.config.Now()
	nowMs := now.UnixMilli()
	member, err := hitMember(nowMs)
	if err != nil {
		return Result{}, err
	}

	raw, err := slidingWindowLua.Run(ctx, l.redis,
		[]string{l.key(key)},
		nowMs,
		window.Milliseconds(),
		limit,
		member,
	).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(raw) < 3 {
		return Result{}, errors.New("rate: malformed limiter reply")
	}

	allowed := toInt64(raw[0]) == 1
	count := int(toInt64(raw[1]))
	resetAt := time.UnixMilli(toInt64(raw[2]) + window.Milliseconds())

	res := Result{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetAt:   resetAt,
	}
	if !allowed {
		res.RetryAfter = max(resetAt.Sub(time.UnixMilli(nowMs)), time.Millisecond)
	}
	return res, nil
}

// Reset forgets every hit recorded on key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if err := l.redis.Del(ctx, l.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// hitMember makes sorted-set members unique when two hits share a millisecond.
func hitMember(nowMs int64) (string, error) {
	var suffix [6]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", err
	}
	return strconv.FormatInt(nowMs, 10) + "-" + hex.EncodeToString(suffix[:]), nil
}

func toInt64(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case string:
		if n, err := strconv.ParseInt(x, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return int64(math.Round(f))
		}
		return 0
	default:
		return 0
	}
}
