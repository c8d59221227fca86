package mfa

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authcore/cryptoutil"
)

var (
	// ErrChallengeNotFound means the challenge never existed, already
	// succeeded, or aged out of Redis.
	ErrChallengeNotFound = errors.New("mfa challenge not found")
	// ErrChallengeExpired means the challenge passed its expiry.
	ErrChallengeExpired = errors.New("mfa challenge expired")
	// ErrChallengeExhausted means the attempt cap was reached.
	ErrChallengeExhausted = errors.New("mfa challenge attempts exceeded")
	// ErrRedisUnavailable wraps transport failures talking to Redis.
	ErrRedisUnavailable = errors.New("redis unavailable")
)

// Method names accepted by challenge verification.
const (
	MethodTOTP       = "totp"
	MethodBackupCode = "backup_code"
)

// ChallengeStatus is the state of a pending challenge.
type ChallengeStatus string

const (
	ChallengePending ChallengeStatus = "pending"
	ChallengeFailed  ChallengeStatus = "failed"
)

// Challenge is a sign-in waiting for its second factor.
type Challenge struct {
	ID          string
	UserID      string
	Status      ChallengeStatus
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
	ExpiresAt   time.Time
	IP          string
	UserAgent   string
	DeviceLabel string
}

// Remaining returns how many attempts are left.
func (c Challenge) Remaining() int {
	if n := c.MaxAttempts - c.Attempts; n > 0 {
		return n
	}
	return 0
}

// NewChallenge carries the sign-in context captured with the challenge.
type NewChallenge struct {
	UserID      string
	IP          string
	UserAgent   string
	DeviceLabel string
}

const (
	challengeNotFound  int64 = 0
	challengeExpired   int64 = 1
	challengeOK        int64 = 3
	challengeExhausted int64 = 4
)

const attemptChallengeScript = `
local f = redis.call("HMGET", KEYS[1], "uid", "status", "att", "max", "ea", "ca", "ip", "ua", "dev")
if not f[1] then
  return {0}
end
if f[2] == "failed" then
  return {4, f[1]}
end
if tonumber(f[5]) <= tonumber(ARGV[1]) then
  return {1, f[1]}
end
if tonumber(f[3]) >= tonumber(f[4]) then
  redis.call("HSET", KEYS[1], "status", "failed")
  return {4, f[1]}
end
local attempts = redis.call("HINCRBY", KEYS[1], "att", 1)
return {3, f[1], attempts, f[4], f[6], f[5], f[7] or "", f[8] or "", f[9] or ""}
`

var attemptChallengeLua = redis.NewScript(attemptChallengeScript)

const failChallengeScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], "status", "failed")
return 1
`

var failChallengeLua = redis.NewScript(failChallengeScript)

// ChallengeConfig controls challenge lifetime and attempt cap.
type ChallengeConfig struct {
	Prefix      string
	TTL         time.Duration
	MaxAttempts int
	Now         func() time.Time
}

// ChallengeStore persists challenges as Redis hashes.
type ChallengeStore struct {
	redis redis.UniversalClient
	cfg   ChallengeConfig
}

// NewChallengeStore creates a [ChallengeStore]. Defaults: 5 minute TTL,
// 3 attempts.
func NewChallengeStore(rdb redis.UniversalClient, cfg ChallengeConfig) *ChallengeStore {
	if cfg.Prefix == "" {
		cfg.Prefix = "ac"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &ChallengeStore{redis: rdb, cfg: cfg}
}

func (s *ChallengeStore) key(id string) string {
	return s.cfg.Prefix + ":mc:" + cryptoutil.HashToken(id)
}

func unavailable(err error) error { return fmt.Errorf("%w: %v", ErrRedisUnavailable, err) }

// Create stores a pending challenge and returns it with its opaque id.
func (s *ChallengeStore) Create(ctx context.Context, in NewChallenge) (Challenge, error) {
	if in.UserID == "" {
		return Challenge{}, errors.New("mfa: user id is required")
	}
	id, err := cryptoutil.NewOpaqueToken(cryptoutil.ChallengePrefix)
	if err != nil {
		return Challenge{}, err
	}

	now := time.UnixMilli(s.cfg.Now().UnixMilli()).UTC()
	ch := Challenge{
		ID:          id,
		UserID:      in.UserID,
		Status:      ChallengePending,
		MaxAttempts: s.cfg.MaxAttempts,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.TTL),
		IP:          in.IP,
		UserAgent:   in.UserAgent,
		DeviceLabel: in.DeviceLabel,
	}

	key := s.key(id)
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"uid", ch.UserID,
			"status", string(ch.Status),
			"att", 0,
			"max", ch.MaxAttempts,
			"ca", ch.CreatedAt.UnixMilli(),
			"ea", ch.ExpiresAt.UnixMilli(),
			"ip", ch.IP,
			"ua", ch.UserAgent,
			"dev", ch.DeviceLabel,
		)
		pipe.PExpire(ctx, key, s.cfg.TTL)
		return nil
	})
	if err != nil {
		return Challenge{}, unavailable(err)
	}
	return ch, nil
}

// Attempt consumes one attempt and returns the challenge as it stands after
// the increment. It fails with ErrChallengeExhausted once the cap has been
// used up, including when a previous attempt marked it failed.
func (s *ChallengeStore) Attempt(ctx context.Context, id string) (Challenge, error) {
	raw, err := attemptChallengeLua.Run(ctx, s.redis, []string{s.key(id)}, s.cfg.Now().UnixMilli()).Slice()
	if err != nil {
		return Challenge{}, unavailable(err)
	}
	if len(raw) == 0 {
		return Challenge{}, ErrChallengeNotFound
	}

	switch toInt64(raw[0]) {
	case challengeOK:
		if len(raw) < 9 {
			return Challenge{}, errors.New("mfa: malformed attempt reply")
		}
		return Challenge{
			ID:          id,
			UserID:      toString(raw[1]),
			Status:      ChallengePending,
			Attempts:    int(toInt64(raw[2])),
			MaxAttempts: int(toInt64(raw[3])),
			CreatedAt:   time.UnixMilli(toInt64(raw[4])).UTC(),
			ExpiresAt:   time.UnixMilli(toInt64(raw[5])).UTC(),
			IP:          toString(raw[6]),
			UserAgent:   toString(raw[7]),
			DeviceLabel: toString(raw[8]),
		}, nil
	case challengeExhausted:
		return Challenge{}, ErrChallengeExhausted
	case challengeExpired:
		return Challenge{}, ErrChallengeExpired
	default:
		return Challenge{}, ErrChallengeNotFound
	}
}

// Fail marks the challenge permanently failed.
func (s *ChallengeStore) Fail(ctx context.Context, id string) error {
	n, err := failChallengeLua.Run(ctx, s.redis, []string{s.key(id)}).Int64()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return ErrChallengeNotFound
	}
	return nil
}

// Complete deletes the challenge after a successful verification. Only one
// caller gets a nil error; the rest see ErrChallengeNotFound.
func (s *ChallengeStore) Complete(ctx context.Context, id string) error {
	n, err := s.redis.Del(ctx, s.key(id)).Result()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return ErrChallengeNotFound
	}
	return nil
}

func toInt64(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	default:
		return 0
	}
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return ""
	}
}
