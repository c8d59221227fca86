package authcore

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/internal/ids"
	"github.com/MrEthical07/authcore/webhook"
)

// EventType enumerates the domain events the Engine publishes. The set is
// closed: every value has exactly one payload type below.
type EventType uint8

const (
	EventUserCreated EventType = iota + 1
	EventSignedIn
	EventSignInFailed
	EventUserLocked
	EventMFAChallengeIssued
	EventMFAChallengeFailed
	EventMFAEnabled
	EventMFADisabled
	EventBackupCodeUsed
	EventBackupCodesRegenerated
	EventSessionCreated
	EventSessionRevoked
	EventRefreshRotated
	EventRefreshReused
	EventPasswordChanged
	EventOrganizationSwitched
	EventRateLimited
	EventPermissionDenied
)

var eventNames = [...]string{
	EventUserCreated:            "user.created",
	EventSignedIn:               "user.signed_in",
	EventSignInFailed:           "user.sign_in_failed",
	EventUserLocked:             "user.locked",
	EventMFAChallengeIssued:     "mfa.challenge_issued",
	EventMFAChallengeFailed:     "mfa.challenge_failed",
	EventMFAEnabled:             "mfa.enabled",
	EventMFADisabled:            "mfa.disabled",
	EventBackupCodeUsed:         "mfa.backup_code_used",
	EventBackupCodesRegenerated: "mfa.backup_codes_regenerated",
	EventSessionCreated:         "session.created",
	EventSessionRevoked:         "session.revoked",
	EventRefreshRotated:         "refresh_token.rotated",
	EventRefreshReused:          "refresh_token.reused",
	EventPasswordChanged:        "user.password_changed",
	EventOrganizationSwitched:   "session.organization_switched",
	EventRateLimited:            "rate_limit.exceeded",
	EventPermissionDenied:       "permission.denied",
}

func (t EventType) String() string {
	if int(t) < len(eventNames) && eventNames[t] != "" {
		return eventNames[t]
	}
	return "unknown"
}

// External reports whether the event is delivered to webhook endpoints.
// Request-level noise (failures, throttling, rotations) stays internal.
func (t EventType) External() bool {
	switch t {
	case EventUserCreated, EventSignedIn, EventUserLocked, EventMFAEnabled, EventMFADisabled,
		EventBackupCodesRegenerated, EventSessionCreated, EventSessionRevoked, EventRefreshReused,
		EventPasswordChanged:
		return true
	default:
		return false
	}
}

// Payload is implemented only by the payload types in this file.
type Payload interface {
	Type() EventType
	record() record
}

// record is the audit projection of a payload.
type record struct {
	actorID    string
	orgID      string
	entityType string
	entityID   string
	failure    bool
	metadata   map[string]string
}

// Event is one published domain event.
type Event struct {
	ID         string
	OccurredAt time.Time
	RequestID  string
	IP         string
	UserAgent  string
	Payload    Payload
}

func (e Event) Type() EventType { return e.Payload.Type() }

type UserCreated struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

type SignedIn struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Method    string `json:"method"`
}

type SignInFailed struct {
	Email  string `json:"email"`
	UserID string `json:"user_id,omitempty"`
	Reason string `json:"reason"`
}

type UserLocked struct {
	UserID      string    `json:"user_id"`
	LockedUntil time.Time `json:"locked_until"`
}

type MFAChallengeIssued struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type MFAChallengeFailed struct {
	UserID    string `json:"user_id"`
	Method    string `json:"method"`
	Attempts  int    `json:"attempts"`
	Exhausted bool   `json:"exhausted"`
}

type MFAEnabled struct {
	UserID string `json:"user_id"`
}

type MFADisabled struct {
	UserID string `json:"user_id"`
}

type BackupCodeUsed struct {
	UserID    string `json:"user_id"`
	Remaining int    `json:"remaining"`
}

type BackupCodesRegenerated struct {
	UserID string `json:"user_id"`
	Count  int    `json:"count"`
}

type SessionCreated struct {
	UserID    string   `json:"user_id"`
	SessionID string   `json:"session_id"`
	Evicted   []string `json:"evicted,omitempty"`
}

type SessionRevoked struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

type RefreshRotated struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

type RefreshReused struct {
	SessionID string `json:"session_id"`
	Revoked   bool   `json:"revoked"`
}

type PasswordChanged struct {
	UserID          string `json:"user_id"`
	SessionsRevoked int    `json:"sessions_revoked"`
}

type OrganizationSwitched struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	OrgID     string `json:"org_id"`
	Role      string `json:"role"`
}

type RateLimited struct {
	Action     string        `json:"action"`
	RetryAfter time.Duration `json:"retry_after"`
}

type PermissionDenied struct {
	UserID   string   `json:"user_id"`
	OrgID    string   `json:"org_id"`
	Required []string `json:"required"`
}

func (UserCreated) Type() EventType            { return EventUserCreated }
func (SignedIn) Type() EventType               { return EventSignedIn }
func (SignInFailed) Type() EventType           { return EventSignInFailed }
func (UserLocked) Type() EventType             { return EventUserLocked }
func (MFAChallengeIssued) Type() EventType     { return EventMFAChallengeIssued }
func (MFAChallengeFailed) Type() EventType     { return EventMFAChallengeFailed }
func (MFAEnabled) Type() EventType             { return EventMFAEnabled }
func (MFADisabled) Type() EventType            { return EventMFADisabled }
func (BackupCodeUsed) Type() EventType         { return EventBackupCodeUsed }
func (BackupCodesRegenerated) Type() EventType { return EventBackupCodesRegenerated }
func (SessionCreated) Type() EventType         { return EventSessionCreated }
func (SessionRevoked) Type() EventType         { return EventSessionRevoked }
func (RefreshRotated) Type() EventType         { return EventRefreshRotated }
func (RefreshReused) Type() EventType          { return EventRefreshReused }
func (PasswordChanged) Type() EventType        { return EventPasswordChanged }
func (OrganizationSwitched) Type() EventType   { return EventOrganizationSwitched }
func (RateLimited) Type() EventType            { return EventRateLimited }
func (PermissionDenied) Type() EventType       { return EventPermissionDenied }

func (p UserCreated) record() record {
	return record{actorID: p.UserID, entityType: "user", entityID: p.UserID}
}

func (p SignedIn) record() record {
	return record{actorID: p.UserID, entityType: "session", entityID: p.SessionID,
		metadata: map[string]string{"method": p.Method}}
}

func (p SignInFailed) record() record {
	return record{actorID: p.UserID, entityType: "user", entityID: p.UserID, failure: true,
		metadata: map[string]string{"email": p.Email, "reason": p.Reason}}
}

func (p UserLocked) record() record {
	return record{actorID: p.UserID, entityType: "user", entityID: p.UserID, failure: true,
		metadata: map[string]string{"locked_until": p.LockedUntil.UTC().Format(time.RFC3339)}}
}

func (p MFAChallengeIssued) record() record {
	return record{actorID: p.UserID, entityType: "user", entityID: p.UserID}
}

func (p MFAChallengeFailed) record() record {
	return record{actorID: p.UserID, entityType: "user", entityID: p.UserID, failure: true,
		metadata: map[string]string{
			"method":    p.Method,
			"attempts":  strconv.Itoa(p.Attempts),
			"exhausted": strconv.FormatBool(p.Exhausted),
		}}
}

func (p MFAEnabled) record() record {
	return record{actorID: p.UserID, entityType: "user", entityID: p.UserID}
}

func (p MFADisabled) record() record {
	return record{actorID: p.UserID, entityType: "user", entityID: p.UserID}
}

func (p BackupCodeUsed) record() record {
	return record{actorID: p.UserID, entityType: "user", entityID: p.UserID,
		metadata: map[string]string{"remaining": strconv.Itoa(p.Remaining)}}
}

func (p BackupCodesRegenerated) record() record {
	return record{actorID: p.UserID, entityType: "user", entityID: p.UserID,
		metadata: map[string]string{"count": strconv.Itoa(p.Count)}}
}

func (p SessionCreated) record() record {
	r := record{actorID: p.UserID, entityType: "session", entityID: p.SessionID}
	if len(p.Evicted) > 0 {
		r.metadata = map[string]string{"evicted": strings.Join(p.Evicted, ",")}
	}
	return r
}

func (p SessionRevoked) record() record {
	return record{actorID: p.UserID, entityType: "session", entityID: p.SessionID,
		metadata: map[string]string{"reason": p.Reason}}
}

func (p RefreshRotated) record() record {
	return record{actorID: p.UserID, entityType: "session", entityID: p.SessionID}
}

func (p RefreshReused) record() record {
	return record{entityType: "session", entityID: p.SessionID, failure: true,
		metadata: map[string]string{"revoked": strconv.FormatBool(p.Revoked)}}
}

func (p PasswordChanged) record() record {
	return record{actorID: p.UserID, entityType: "user", entityID: p.UserID,
		metadata: map[string]string{"sessions_revoked": strconv.Itoa(p.SessionsRevoked)}}
}

func (p OrganizationSwitched) record() record {
	return record{actorID: p.UserID, orgID: p.OrgID, entityType: "session", entityID: p.SessionID,
		metadata: map[string]string{"role": p.Role}}
}

func (p RateLimited) record() record {
	return record{failure: true, metadata: map[string]string{
		"action":      p.Action,
		"retry_after": strconv.FormatInt(int64(p.RetryAfter/time.Second), 10),
	}}
}

func (p PermissionDenied) record() record {
	return record{actorID: p.UserID, orgID: p.OrgID, entityType: "organization", entityID: p.OrgID, failure: true,
		metadata: map[string]string{"required": strings.Join(p.Required, ",")}}
}

// Subscriber receives every published event synchronously, in
// registration order. Implementations must not block.
type Subscriber interface {
	Handle(ctx context.Context, event Event)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, event Event)

func (f SubscriberFunc) Handle(ctx context.Context, event Event) { f(ctx, event) }

// auditSubscriber projects events onto the audit recorder.
type auditSubscriber struct {
	dispatcher *audit.Dispatcher
}

func (s auditSubscriber) Handle(ctx context.Context, ev Event) {
	r := ev.Payload.record()
	status := audit.StatusSuccess
	if r.failure {
		status = audit.StatusFailure
	}
	s.dispatcher.Emit(ctx, audit.Event{
		ID:         ev.ID,
		Timestamp:  ev.OccurredAt,
		Action:     ev.Type().String(),
		ActorID:    r.actorID,
		OrgID:      r.orgID,
		EntityType: r.entityType,
		EntityID:   r.entityID,
		Status:     status,
		RequestID:  ev.RequestID,
		IP:         ev.IP,
		UserAgent:  ev.UserAgent,
		Metadata:   r.metadata,
	})
}

// webhookSubscriber hands external events to the webhook dispatcher.
type webhookSubscriber struct {
	dispatcher *webhook.Dispatcher
}

func (s webhookSubscriber) Handle(_ context.Context, ev Event) {
	if !ev.Type().External() {
		return
	}
	s.dispatcher.Publish(webhook.Event{
		ID:         ev.ID,
		Type:       ev.Type().String(),
		OrgID:      ev.Payload.record().orgID,
		OccurredAt: ev.OccurredAt,
		Data:       ev.Payload,
	})
}

// publish stamps p with request metadata and delivers it to every subscriber.
func (e *Engine) publish(ctx context.Context, p Payload) {
	if e == nil || len(e.subscribers) == 0 {
		return
	}
	now := e.now()
	ev := Event{
		ID:         ids.NewAt(now),
		OccurredAt: now.UTC(),
		RequestID:  RequestIDFromContext(ctx),
		IP:         clientIPFromContext(ctx),
		UserAgent:  userAgentFromContext(ctx),
		Payload:    p,
	}
	for _, sub := range e.subscribers {
		sub.Handle(ctx, ev)
	}
}
