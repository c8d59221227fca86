package session

import (
	"strconv"
	"time"
)

// Status is the lifecycle state of a session. Sessions only move forward:
// active to revoked or active to expired.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// Revoke reasons recorded on the session.
const (
	ReasonSignOut      = "sign_out"
	ReasonSignOutAll   = "sign_out_all"
	ReasonEvicted      = "evicted"
	ReasonRefreshReuse = "refresh_reuse"
	ReasonPassword     = "password_changed"
	ReasonAdmin        = "admin"
)

// Device is the network and client metadata captured at sign-in.
type Device struct {
	IP        string
	UserAgent string
	Label     string
}

// Session is one authenticated device or browser.
type Session struct {
	ID           string
	UserID       string
	OrgID        string
	Role         string
	Status       Status
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActiveAt time.Time
	RevokedAt    time.Time
	RevokeReason string
	Device       Device
}

// NewSession carries what Create needs.
type NewSession struct {
	UserID      string
	OrgID       string
	Role        string
	RefreshHash string
	Device      Device
}

// State is the slice of a session needed on the request path.
type State struct {
	SessionID string
	UserID    string
	OrgID     string
	Role      string
}

// Rotation is returned by a successful refresh rotation.
type Rotation struct {
	State
	ExpiresAt time.Time
}

const (
	fieldUserID      = "uid"
	fieldOrgID       = "org"
	fieldRole        = "role"
	fieldStatus      = "status"
	fieldRefreshHash = "rh"
	fieldCreatedAt   = "ca"
	fieldExpiresAt   = "ea"
	fieldLastActive  = "la"
	fieldRevokedAt   = "ra"
	fieldReason      = "rr"
	fieldIP          = "ip"
	fieldUserAgent   = "ua"
	fieldDevice      = "dev"
)

func msToTime(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// fromHash decodes a HGETALL result. ok is false when the hash is empty.
func fromHash(id string, h map[string]string) (Session, bool) {
	if h[fieldUserID] == "" {
		return Session{}, false
	}
	return Session{
		ID:           id,
		UserID:       h[fieldUserID],
		OrgID:        h[fieldOrgID],
		Role:         h[fieldRole],
		Status:       Status(h[fieldStatus]),
		CreatedAt:    msToTime(h[fieldCreatedAt]),
		ExpiresAt:    msToTime(h[fieldExpiresAt]),
		LastActiveAt: msToTime(h[fieldLastActive]),
		RevokedAt:    msToTime(h[fieldRevokedAt]),
		RevokeReason: h[fieldReason],
		Device: Device{
			IP:        h[fieldIP],
			UserAgent: h[fieldUserAgent],
			Label:     h[fieldDevice],
		},
	}, true
}

// effectiveStatus applies absolute and idle expiry to an active record
// without writing anything back.
func (s Session) effectiveStatus(now time.Time, idle time.Duration) Status {
	if s.Status != StatusActive {
		return s.Status
	}
	if !now.Before(s.ExpiresAt) {
		return StatusExpired
	}
	if idle > 0 && !now.Before(s.LastActiveAt.Add(idle)) {
		return StatusExpired
	}
	return StatusActive
}
