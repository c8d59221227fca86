package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrRedisUnavailable wraps transport failures talking to Redis.
	ErrRedisUnavailable = errors.New("redis unavailable")
	// ErrNotFound means no session matches the id or refresh hash.
	ErrNotFound = errors.New("session not found")
	// ErrRevoked means the session was revoked.
	ErrRevoked = errors.New("session revoked")
	// ErrExpired means the session passed its absolute or idle expiry.
	ErrExpired = errors.New("session expired")
	// ErrRefreshReuse means a refresh token that was already rotated was
	// presented again. The returned error is a *ReuseError.
	ErrRefreshReuse = errors.New("refresh token reuse")
)

// ReuseError identifies the session whose retired refresh token was replayed.
type ReuseError struct {
	SessionID string
}

func (e *ReuseError) Error() string { return "refresh token reuse on session " + e.SessionID }

func (e *ReuseError) Unwrap() error { return ErrRefreshReuse }

const (
	statusNotFound int64 = 0
	statusExpired  int64 = 1
	statusRevoked  int64 = 2
	statusOK       int64 = 3
	statusReuse    int64 = 5
)

const createSessionScript = `
local sid = ARGV[1]
local now = tonumber(ARGV[6])
local max_active = tonumber(ARGV[10])
local sess_prefix = ARGV[11]
local idle = tonumber(ARGV[12])

local function retire(key, status, reason)
  if redis.call("HGET", key, "status") ~= "active" then
    return false
  end
  if status == "revoked" then
    redis.call("HSET", key, "status", status, "ra", now, "rr", reason)
  else
    redis.call("HSET", key, "status", status)
  end
  return true
end

local members = redis.call("ZRANGE", KEYS[2], 0, -1)
for _, m in ipairs(members) do
  local key = sess_prefix .. m
  local f = redis.call("HMGET", key, "status", "ea", "la")
  if f[1] ~= "active" then
    redis.call("ZREM", KEYS[2], m)
  elseif tonumber(f[2]) <= now or (idle > 0 and tonumber(f[3]) + idle <= now) then
    retire(key, "expired", "")
    redis.call("ZREM", KEYS[2], m)
  end
end

redis.call("HSET", KEYS[1],
  "uid", ARGV[2], "org", ARGV[3], "role", ARGV[4], "status", "active",
  "rh", ARGV[5], "ca", now, "ea", ARGV[7], "la", now,
  "ip", ARGV[13], "ua", ARGV[14], "dev", ARGV[15])
local record_ttl = tonumber(ARGV[8])
redis.call("PEXPIRE", KEYS[1], record_ttl)
redis.call("SET", KEYS[4], sid, "PX", record_ttl)
redis.call("ZADD", KEYS[2], now, sid)
redis.call("SADD", KEYS[3], sid)
if redis.call("PTTL", KEYS[2]) < record_ttl then
  redis.call("PEXPIRE", KEYS[2], record_ttl)
end
if redis.call("PTTL", KEYS[3]) < record_ttl then
  redis.call("PEXPIRE", KEYS[3], record_ttl)
end

local evicted = {}
if max_active > 0 then
  while redis.call("ZCARD", KEYS[2]) > max_active do
    local oldest = redis.call("ZRANGE", KEYS[2], 0, 1)
    local victim = oldest[1]
    if victim == sid then
      victim = oldest[2]
    end
    if not victim then
      break
    end
    redis.call("ZREM", KEYS[2], victim)
    if retire(sess_prefix .. victim, "revoked", "evicted") then
      table.insert(evicted, victim)
    end
  end
end
return evicted
`

var createSessionLua = redis.NewScript(createSessionScript)

const rotateRefreshScript = `
local now = tonumber(ARGV[3])
local idle = tonumber(ARGV[4])

local sid = redis.call("GET", KEYS[1])
if not sid then
  local reused = redis.call("GET", KEYS[2])
  if reused then
    return {5, reused}
  end
  return {0}
end

local sess_key = ARGV[8] .. sid
local f = redis.call("HMGET", sess_key, "uid", "status", "rh", "ea", "la", "org", "role", "ca")
if not f[1] or f[3] ~= ARGV[1] then
  redis.call("DEL", KEYS[1])
  return {0}
end
local uid = f[1]
if f[2] == "revoked" then
  return {2, sid, uid}
end
if f[2] ~= "active" then
  return {1, sid, uid}
end
if tonumber(f[4]) <= now or (idle > 0 and tonumber(f[5]) + idle <= now) then
  redis.call("HSET", sess_key, "status", "expired")
  redis.call("ZREM", ARGV[9] .. uid, sid)
  return {1, sid, uid}
end

local expires_at = now + tonumber(ARGV[5])
local max_life = tonumber(ARGV[6])
if max_life > 0 and tonumber(f[8]) + max_life < expires_at then
  expires_at = tonumber(f[8]) + max_life
end

redis.call("DEL", KEYS[1])
redis.call("SET", KEYS[2], sid, "PX", ARGV[7])
local record_ttl = expires_at - now + tonumber(ARGV[11])
redis.call("SET", ARGV[10] .. ARGV[2], sid, "PX", record_ttl)
redis.call("HSET", sess_key, "rh", ARGV[2], "la", now, "ea", expires_at)
redis.call("PEXPIRE", sess_key, record_ttl)
redis.call("ZADD", ARGV[9] .. uid, now, sid)
return {3, sid, uid, f[6] or "", f[7] or "", expires_at}
`

var rotateRefreshLua = redis.NewScript(rotateRefreshScript)

const checkSessionScript = `
local f = redis.call("HMGET", KEYS[1], "uid", "status", "ea", "la", "org", "role")
if not f[1] then
  return {0}
end
if f[2] == "revoked" then
  return {2, f[1]}
end
if f[2] ~= "active" then
  return {1, f[1]}
end
local now = tonumber(ARGV[1])
local idle = tonumber(ARGV[2])
if tonumber(f[3]) <= now or (idle > 0 and tonumber(f[4]) + idle <= now) then
  redis.call("HSET", KEYS[1], "status", "expired")
  redis.call("ZREM", ARGV[4] .. f[1], ARGV[5])
  return {1, f[1]}
end
if ARGV[3] == "1" then
  redis.call("HSET", KEYS[1], "la", now)
  redis.call("ZADD", ARGV[4] .. f[1], now, ARGV[5])
end
return {3, f[1], f[5] or "", f[6] or ""}
`

var checkSessionLua = redis.NewScript(checkSessionScript)

const revokeSessionScript = `
local f = redis.call("HMGET", KEYS[1], "uid", "status")
if not f[1] then
  return {0}
end
if f[2] ~= "active" then
  return {1, f[1]}
end
redis.call("HSET", KEYS[1], "status", "revoked", "ra", ARGV[1], "rr", ARGV[2])
redis.call("ZREM", ARGV[3] .. f[1], ARGV[4])
return {2, f[1]}
`

var revokeSessionLua = redis.NewScript(revokeSessionScript)

const revokeAllScript = `
local ids = redis.call("ZRANGE", KEYS[1], 0, -1)
local revoked = {}
for _, sid in ipairs(ids) do
  local key = ARGV[3] .. sid
  if redis.call("HGET", key, "status") == "active" then
    redis.call("HSET", key, "status", "revoked", "ra", ARGV[1], "rr", ARGV[2])
    table.insert(revoked, sid)
  end
end
redis.call("DEL", KEYS[1])
return revoked
`

var revokeAllLua = redis.NewScript(revokeAllScript)

const setScopeScript = `
if redis.call("HGET", KEYS[1], "status") ~= "active" then
  return 0
end
redis.call("HSET", KEYS[1], "org", ARGV[1], "role", ARGV[2])
return 1
`

var setScopeLua = redis.NewScript(setScopeScript)

// Config controls session limits and lifetimes.
type Config struct {
	Prefix string
	// MaxActive caps active sessions per user. Zero disables the cap.
	MaxActive int
	// IdleTimeout expires sessions with no activity for this long. Zero disables it.
	IdleTimeout time.Duration
	// RefreshTTL is the lifetime of each refresh token. A rotation extends
	// the session to now+RefreshTTL, bounded by MaxLifetime.
	RefreshTTL time.Duration
	// MaxLifetime bounds a session from its creation. Zero means unbounded.
	MaxLifetime time.Duration
	// RetainRevoked keeps terminal records readable for auditing.
	RetainRevoked time.Duration
	Now           func() time.Time
}

// Store is a Redis-backed session store.
type Store struct {
	redis redis.UniversalClient
	cfg   Config
}

// NewStore creates a session [Store] backed by the given Redis client.
func NewStore(rdb redis.UniversalClient, cfg Config) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = "ac"
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.RetainRevoked <= 0 {
		cfg.RetainRevoked = 30 * 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{redis: rdb, cfg: cfg}
}

func (s *Store) sessionPrefix() string { return s.cfg.Prefix + ":s:" }

func (s *Store) activePrefix() string { return s.cfg.Prefix + ":ua:" }

func (s *Store) refreshPrefix() string { return s.cfg.Prefix + ":rh:" }

func (s *Store) retiredPrefix() string { return s.cfg.Prefix + ":rx:" }

func (s *Store) key(sessionID string) string { return s.sessionPrefix() + sessionID }

func (s *Store) activeKey(userID string) string { return s.activePrefix() + userID }

func (s *Store) allKey(userID string) string { return s.cfg.Prefix + ":ul:" + userID }

func (s *Store) refreshKey(hash string) string { return s.refreshPrefix() + hash }

func (s *Store) retiredKey(hash string) string { return s.retiredPrefix() + hash }

func (s *Store) nowMillis() (time.Time, int64) {
	now := s.cfg.Now()
	return now, now.UnixMilli()
}

func ms(d time.Duration) int64 { return d.Milliseconds() }

func unavailable(err error) error { return fmt.Errorf("%w: %v", ErrRedisUnavailable, err) }

// Create persists a new active session and evicts the least recently active
// sessions of the same user beyond MaxActive. It returns the new session and
// the ids of the evicted sessions.
//
//	Performance: 1 Lua script, O(active sessions of the user).
func (s *Store) Create(ctx context.Context, in NewSession) (Session, []string, error) {
	if in.UserID == "" || in.RefreshHash == "" {
		return Session{}, nil, errors.New("session: user id and refresh hash are required")
	}

	now, nowMs := s.nowMillis()
	expiresAt := now.Add(s.cfg.RefreshTTL)
	if s.cfg.MaxLifetime > 0 && s.cfg.MaxLifetime < s.cfg.RefreshTTL {
		expiresAt = now.Add(s.cfg.MaxLifetime)
	}
	sess := Session{
		ID:           uuid.NewString(),
		UserID:       in.UserID,
		OrgID:        in.OrgID,
		Role:         in.Role,
		Status:       StatusActive,
		CreatedAt:    time.UnixMilli(nowMs).UTC(),
		ExpiresAt:    time.UnixMilli(expiresAt.UnixMilli()).UTC(),
		LastActiveAt: time.UnixMilli(nowMs).UTC(),
		Device:       in.Device,
	}

	refreshTTL := expiresAt.Sub(now)
	res, err := createSessionLua.Run(ctx, s.redis,
		[]string{s.key(sess.ID), s.activeKey(in.UserID), s.allKey(in.UserID), s.refreshKey(in.RefreshHash)},
		sess.ID,
		in.UserID,
		in.OrgID,
		in.Role,
		in.RefreshHash,
		nowMs,
		expiresAt.UnixMilli(),
		ms(refreshTTL+s.cfg.RetainRevoked),
		ms(refreshTTL),
		s.cfg.MaxActive,
		s.sessionPrefix(),
		ms(s.cfg.IdleTimeout),
		in.Device.IP,
		in.Device.UserAgent,
		in.Device.Label,
	).StringSlice()
	if err != nil {
		return Session{}, nil, unavailable(err)
	}
	return sess, res, nil
}

// Rotate swaps the refresh hash presentedHash for nextHash in one atomic
// step. Exactly one of any number of concurrent callers presenting the same
// hash succeeds; the others observe ErrRefreshReuse.
func (s *Store) Rotate(ctx context.Context, presentedHash, nextHash string) (Rotation, error) {
	_, nowMs := s.nowMillis()

	raw, err := rotateRefreshLua.Run(ctx, s.redis,
		[]string{s.refreshKey(presentedHash), s.retiredKey(presentedHash)},
		presentedHash,
		nextHash,
		nowMs,
		ms(s.cfg.IdleTimeout),
		ms(s.cfg.RefreshTTL),
		ms(s.cfg.MaxLifetime),
		ms(s.cfg.RefreshTTL),
		s.sessionPrefix(),
		s.activePrefix(),
		s.refreshPrefix(),
		ms(s.cfg.RetainRevoked),
	).Slice()
	if err != nil {
		return Rotation{}, unavailable(err)
	}

	code, fields := splitReply(raw)
	switch code {
	case statusOK:
		if len(fields) < 5 {
			return Rotation{}, fmt.Errorf("session: malformed rotate reply")
		}
		return Rotation{
			State: State{
				SessionID: fields[0],
				UserID:    fields[1],
				OrgID:     fields[2],
				Role:      fields[3],
			},
			ExpiresAt: msToTime(fields[4]),
		}, nil
	case statusReuse:
		sid := ""
		if len(fields) > 0 {
			sid = fields[0]
		}
		return Rotation{}, &ReuseError{SessionID: sid}
	case statusRevoked:
		return Rotation{}, ErrRevoked
	case statusExpired:
		return Rotation{}, ErrExpired
	default:
		return Rotation{}, ErrNotFound
	}
}

// Check returns the request-path state of an active session, lazily marking
// it expired when past its absolute or idle expiry.
func (s *Store) Check(ctx context.Context, sessionID string) (State, error) {
	return s.check(ctx, sessionID, false)
}

// Touch is Check plus a last-activity update.
func (s *Store) Touch(ctx context.Context, sessionID string) (State, error) {
	return s.check(ctx, sessionID, true)
}

func (s *Store) check(ctx context.Context, sessionID string, touch bool) (State, error) {
	_, nowMs := s.nowMillis()
	touchArg := "0"
	if touch {
		touchArg = "1"
	}

	raw, err := checkSessionLua.Run(ctx, s.redis,
		[]string{s.key(sessionID)},
		nowMs,
		ms(s.cfg.IdleTimeout),
		touchArg,
		s.activePrefix(),
		sessionID,
	).Slice()
	if err != nil {
		return State{}, unavailable(err)
	}

	code, fields := splitReply(raw)
	switch code {
	case statusOK:
		st := State{SessionID: sessionID}
		if len(fields) > 0 {
			st.UserID = fields[0]
		}
		if len(fields) > 2 {
			st.OrgID, st.Role = fields[1], fields[2]
		}
		return st, nil
	case statusRevoked:
		return State{}, ErrRevoked
	case statusExpired:
		return State{}, ErrExpired
	default:
		return State{}, ErrNotFound
	}
}

// Revoke marks an active session revoked. It reports whether this call made
// the transition; revoking an already terminal session is a no-op.
func (s *Store) Revoke(ctx context.Context, sessionID, reason string) (bool, error) {
	_, nowMs := s.nowMillis()
	raw, err := revokeSessionLua.Run(ctx, s.redis,
		[]string{s.key(sessionID)},
		nowMs,
		reason,
		s.activePrefix(),
		sessionID,
	).Slice()
	if err != nil {
		return false, unavailable(err)
	}

	code, _ := splitReply(raw)
	switch code {
	case statusNotFound:
		return false, ErrNotFound
	case statusRevoked:
		return true, nil
	default:
		return false, nil
	}
}

// RevokeAll revokes every active session of userID and returns their ids.
func (s *Store) RevokeAll(ctx context.Context, userID, reason string) ([]string, error) {
	_, nowMs := s.nowMillis()
	ids, err := revokeAllLua.Run(ctx, s.redis,
		[]string{s.activeKey(userID)},
		nowMs,
		reason,
		s.sessionPrefix(),
	).StringSlice()
	if err != nil {
		return nil, unavailable(err)
	}
	return ids, nil
}

// SetScope records the organization and role an active session is acting in,
// so refreshed tokens keep the same scope.
func (s *Store) SetScope(ctx context.Context, sessionID, orgID, role string) error {
	ok, err := setScopeLua.Run(ctx, s.redis, []string{s.key(sessionID)}, orgID, role).Int64()
	if err != nil {
		return unavailable(err)
	}
	if ok != 1 {
		return ErrNotFound
	}
	return nil
}

// Get returns the stored record with expiry applied to its status.
//
//	Performance: 1 Redis HGETALL.
func (s *Store) Get(ctx context.Context, sessionID string) (Session, error) {
	h, err := s.redis.HGetAll(ctx, s.key(sessionID)).Result()
	if err != nil {
		return Session{}, unavailable(err)
	}
	sess, ok := fromHash(sessionID, h)
	if !ok {
		return Session{}, ErrNotFound
	}
	sess.Status = sess.effectiveStatus(s.cfg.Now(), s.cfg.IdleTimeout)
	return sess, nil
}

// List returns every retained session of userID, newest first. Ids whose
// records have aged out are dropped from the index.
func (s *Store) List(ctx context.Context, userID string) ([]Session, error) {
	allKey := s.allKey(userID)
	ids, err := s.redis.SMembers(ctx, allKey).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(ids) == 0 {
		return []Session{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable(err)
	}

	now := s.cfg.Now()
	out := make([]Session, 0, len(ids))
	var stale []interface{}
	for i, cmd := range cmds {
		sess, ok := fromHash(ids[i], cmd.Val())
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		sess.Status = sess.effectiveStatus(now, s.cfg.IdleTimeout)
		out = append(out, sess)
	}
	if len(stale) > 0 {
		if err := s.redis.SRem(ctx, allKey, stale...).Err(); err != nil {
			return nil, unavailable(err)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ActiveCount returns the number of sessions in the user's active index.
func (s *Store) ActiveCount(ctx context.Context, userID string) (int, error) {
	n, err := s.redis.ZCard(ctx, s.activeKey(userID)).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	return int(n), nil
}

// Ping measures Redis round-trip latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return 0, unavailable(err)
	}
	return time.Since(start), nil
}

// splitReply decodes a {code, field...} script reply.
func splitReply(raw []interface{}) (int64, []string) {
	if len(raw) == 0 {
		return statusNotFound, nil
	}
	code := toInt64(raw[0])
	fields := make([]string, 0, len(raw)-1)
	for _, v := range raw[1:] {
		switch x := v.(type) {
		case string:
			fields = append(fields, x)
		case int64:
			fields = append(fields, strconv.FormatInt(x, 10))
		default:
			fields = append(fields, "")
		}
	}
	return code, fields
}

func toInt64(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	default:
		return -1
	}
}
