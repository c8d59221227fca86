// Package store defines the persistence contracts consumed by authcore and
// the error kinds every implementation reports.
//
// Implementations translate driver failures into *Error values so callers can
// branch on Kind (and Field for conflicts) without knowing which database is
// behind the interface.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/authcore/permission"
)

// ErrorKind classifies a persistence failure.
type ErrorKind int

const (
	// KindNotFound reports that the addressed record does not exist.
	KindNotFound ErrorKind = iota + 1
	// KindConflict reports a uniqueness or compare-and-swap violation on Field.
	KindConflict
	// KindUnavailable reports that the backend could not be reached.
	KindUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is returned by every store implementation.
type Error struct {
	Kind   ErrorKind
	Entity string
	Field  string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Entity + " " + e.Kind.String()
	if e.Field != "" {
		msg += " on " + e.Field
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NotFound builds a KindNotFound error for entity.
func NotFound(entity string) error {
	return &Error{Kind: KindNotFound, Entity: entity}
}

// Conflict builds a KindConflict error for entity.field.
func Conflict(entity, field string) error {
	return &Error{Kind: KindConflict, Entity: entity, Field: field}
}

// Unavailable wraps a backend failure.
func Unavailable(entity string, err error) error {
	return &Error{Kind: KindUnavailable, Entity: entity, Err: err}
}

// KindOf returns the kind carried by err, or 0 when err is not a store error.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

// IsNotFound reports whether err is a KindNotFound store error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// ConflictField returns the conflicting field when err is a KindConflict error.
func ConflictField(err error) (string, bool) {
	var se *Error
	if errors.As(err, &se) && se.Kind == KindConflict {
		return se.Field, true
	}
	return "", false
}

// Field names reported in conflicts.
const (
	FieldEmail      = "email"
	FieldMFAEnabled = "mfa_enabled"
	FieldMFAVersion = "mfa_version"
	FieldTOTPStep   = "last_totp_step"
)

// User is the persisted account record. Secret material (MFASecret and
// BackupCodes) is stored sealed; the store never sees plaintext.
type User struct {
	ID             string
	Email          string
	PasswordHash   string
	MFAEnabled     bool
	MFASecret      string
	BackupCodes    []string
	MFAVersion     int64
	// LastTOTPStep is the newest authenticator time step already accepted.
	LastTOTPStep   int64
	FailedAttempts int
	LockedUntil    time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasPassword reports whether the account can sign in with a password.
func (u User) HasPassword() bool { return u.PasswordHash != "" }

// NewUser carries the fields needed to insert an account.
type NewUser struct {
	Email        string
	PasswordHash string
}

// LoginFailure is the outcome of recording one failed password attempt.
type LoginFailure struct {
	Attempts    int
	LockedUntil time.Time
}

// Locked reports whether this failure locked the account.
func (f LoginFailure) Locked() bool { return !f.LockedUntil.IsZero() }

// Users persists accounts. Every mutating method is atomic per user.
type Users interface {
	CreateUser(ctx context.Context, in NewUser) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)

	// RecordLoginFailure increments the failure counter. When the counter
	// reaches maxAttempts the account is locked until now+lockFor and the
	// counter restarts.
	RecordLoginFailure(ctx context.Context, userID string, maxAttempts int, lockFor time.Duration, now time.Time) (LoginFailure, error)
	ResetLoginFailures(ctx context.Context, userID string) error
	UpdatePasswordHash(ctx context.Context, userID, hash string) error

	// SaveMFASetup stores a pending secret and backup codes. It fails with a
	// FieldMFAEnabled conflict when MFA is already enabled.
	SaveMFASetup(ctx context.Context, userID, secret string, backupCodes []string) error
	// EnableMFA flips the enabled flag and records step as the last accepted
	// TOTP step. It applies only while MFA is off and MFAVersion still equals
	// version; a FieldMFAVersion conflict otherwise.
	EnableMFA(ctx context.Context, userID string, version, step int64) error
	// RecordTOTPStep advances LastTOTPStep to step. FieldTOTPStep conflict
	// when step is not newer than the stored one.
	RecordTOTPStep(ctx context.Context, userID string, step int64) error
	// DisableMFA clears MFA state. FieldMFAEnabled conflict when already off.
	DisableMFA(ctx context.Context, userID string) error
	// SwapBackupCodes replaces the sealed code list only if MFAVersion still
	// equals version, and bumps the version. FieldMFAVersion conflict otherwise.
	SwapBackupCodes(ctx context.Context, userID string, version int64, backupCodes []string) error
}

// Memberships resolves a user's role inside an organization.
type Memberships interface {
	GetMembership(ctx context.Context, userID, orgID string) (permission.Membership, error)
}
