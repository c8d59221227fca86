package authcore

import (
	"errors"
	"strconv"
	"time"
)

// Code is the machine-readable error code carried by every *Error.
type Code string

const (
	CodeInvalidCredentials      Code = "INVALID_CREDENTIALS"
	CodeInvalidToken            Code = "INVALID_TOKEN"
	CodeTokenExpired            Code = "TOKEN_EXPIRED"
	CodeSessionNotFound         Code = "SESSION_NOT_FOUND"
	CodeSessionRevoked          Code = "SESSION_REVOKED"
	CodeMFARequired             Code = "MFA_REQUIRED"
	CodeMFAInvalidCode          Code = "MFA_INVALID_CODE"
	CodeMFANotEnabled           Code = "MFA_NOT_ENABLED"
	CodeMFAAlreadyEnabled       Code = "MFA_ALREADY_ENABLED"
	CodeUserLocked              Code = "USER_LOCKED"
	CodeRateLimitExceeded       Code = "RATE_LIMIT_EXCEEDED"
	CodeTooManyFailedAttempts   Code = "TOO_MANY_FAILED_ATTEMPTS"
	CodeInsufficientPermissions Code = "INSUFFICIENT_PERMISSIONS"
	CodeInvalidPassword         Code = "INVALID_PASSWORD"
	CodeChallengeExpired        Code = "CHALLENGE_EXPIRED"
	CodeAccountExists           Code = "ACCOUNT_EXISTS"
	CodePasswordPolicy          Code = "PASSWORD_POLICY"
	CodeUnavailable             Code = "UNAVAILABLE"
	CodeEngineNotReady          Code = "ENGINE_NOT_READY"
)

// Error is the typed failure returned by Engine methods. Two errors match
// under errors.Is when their codes are equal, so callers compare against the
// exported sentinels below regardless of details.
type Error struct {
	Code    Code
	Message string
	// RetryAfter is set on RATE_LIMIT_EXCEEDED and USER_LOCKED.
	RetryAfter time.Duration
	// LockedUntil is set on USER_LOCKED.
	LockedUntil time.Time
	Details     map[string]string
	// Err is the underlying cause, if any. It is never exposed in Error().
	Err error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RetryAfter > 0 {
		msg += " (retry after " + strconv.FormatInt(int64(e.RetryAfter.Round(time.Second)/time.Second), 10) + "s)"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Detail returns the named detail, or "".
func (e *Error) Detail(key string) string {
	if e == nil || e.Details == nil {
		return ""
	}
	return e.Details[key]
}

// CodeOf returns the code carried by err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidCredentials      = &Error{Code: CodeInvalidCredentials, Message: "invalid credentials"}
	ErrInvalidToken            = &Error{Code: CodeInvalidToken, Message: "invalid token"}
	ErrTokenExpired            = &Error{Code: CodeTokenExpired, Message: "token expired"}
	ErrSessionNotFound         = &Error{Code: CodeSessionNotFound, Message: "session not found"}
	ErrSessionRevoked          = &Error{Code: CodeSessionRevoked, Message: "session revoked"}
	ErrMFARequired             = &Error{Code: CodeMFARequired, Message: "mfa required"}
	ErrMFAInvalidCode          = &Error{Code: CodeMFAInvalidCode, Message: "invalid mfa code"}
	ErrMFANotEnabled           = &Error{Code: CodeMFANotEnabled, Message: "mfa not enabled"}
	ErrMFAAlreadyEnabled       = &Error{Code: CodeMFAAlreadyEnabled, Message: "mfa already enabled"}
	ErrUserLocked              = &Error{Code: CodeUserLocked, Message: "account locked"}
	ErrRateLimitExceeded       = &Error{Code: CodeRateLimitExceeded, Message: "rate limit exceeded"}
	ErrTooManyFailedAttempts   = &Error{Code: CodeTooManyFailedAttempts, Message: "too many failed attempts"}
	ErrInsufficientPermissions = &Error{Code: CodeInsufficientPermissions, Message: "insufficient permissions"}
	ErrInvalidPassword         = &Error{Code: CodeInvalidPassword, Message: "invalid password"}
	ErrChallengeExpired        = &Error{Code: CodeChallengeExpired, Message: "mfa challenge expired"}
	ErrAccountExists           = &Error{Code: CodeAccountExists, Message: "account already exists"}
	ErrPasswordPolicy          = &Error{Code: CodePasswordPolicy, Message: "password policy violation"}
	ErrUnavailable             = &Error{Code: CodeUnavailable, Message: "backend unavailable"}
	ErrEngineNotReady          = &Error{Code: CodeEngineNotReady, Message: "engine not initialized"}
)

// Detail keys.
const (
	DetailReason     = "reason"
	DetailReuse      = "reuse_detected"
	DetailRequired   = "required"
	DetailAction     = "action"
	DetailChallenge  = "challenge_id"
	DetailPolicyRule = "rule"
)

func newError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func withReason(base *Error, reason string) *Error {
	return &Error{Code: base.Code, Message: base.Message, Details: map[string]string{DetailReason: reason}}
}

func unavailable(err error) *Error {
	return &Error{Code: CodeUnavailable, Message: "backend unavailable", Err: err}
}

func rateLimited(action string, info RateLimitInfo, now time.Time) *Error {
	retry := info.RetryAfter
	if retry <= 0 && !info.ResetAt.IsZero() {
		retry = info.ResetAt.Sub(now)
	}
	return &Error{
		Code:       CodeRateLimitExceeded,
		Message:    "rate limit exceeded",
		RetryAfter: retry,
		Details:    map[string]string{DetailAction: action},
	}
}

func userLocked(until, now time.Time) *Error {
	return &Error{
		Code:        CodeUserLocked,
		Message:     "account locked",
		RetryAfter:  until.Sub(now),
		LockedUntil: until,
	}
}
