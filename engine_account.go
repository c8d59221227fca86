package authcore

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/MrEthical07/authcore/session"
	"github.com/MrEthical07/authcore/store"
)

// Password policy rules reported in the DetailPolicyRule detail.
const (
	policyTooShort = "min_length"
	policyTooLong  = "max_length"
	policyBreached = "breached"
)

// CreateAccount registers a password user and returns its id. The email is
// lower-cased; an email already in use fails with ACCOUNT_EXISTS. Sign-up is
// rate limited per client IP.
func (e *Engine) CreateAccount(ctx context.Context, creds Credentials) (string, error) {
	if e == nil {
		return "", ErrEngineNotReady
	}

	email, ok := normalizeEmail(creds.Email)
	if !ok {
		return "", withReason(ErrInvalidCredentials, "invalid_email")
	}
	if err := e.checkPasswordPolicy(creds.Password); err != nil {
		return "", err
	}

	if err := e.enforceLimit(ctx, RateLimitSignUp, MetricSignUpRateLimited, clientIPFromContext(ctx)); err != nil {
		return "", err
	}

	if e.passwordBreached(ctx, creds.Password) {
		e.metricInc(MetricBreachedPasswordRejected)
		return "", policyError(policyBreached)
	}

	hash, err := e.hasher.Hash(creds.Password)
	if err != nil {
		return "", err
	}

	user, err := e.users.CreateUser(ctx, store.NewUser{Email: email, PasswordHash: hash})
	if err != nil {
		if field, ok := store.ConflictField(err); ok && field == store.FieldEmail {
			e.metricInc(MetricAccountDuplicate)
			return "", ErrAccountExists
		}
		return "", unavailable(err)
	}

	e.metricInc(MetricAccountCreated)
	e.publish(ctx, UserCreated{UserID: user.ID, Email: user.Email})
	return user.ID, nil
}

// ChangePassword replaces the caller's password after re-verifying the
// current one. Unless disabled in SecurityConfig, every other session of the
// user is revoked; ac.SessionID stays signed in.
func (e *Engine) ChangePassword(ctx context.Context, ac AuthContext, current, next string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	user, err := e.users.GetUserByID(ctx, ac.UserID)
	if err != nil {
		if store.IsNotFound(err) {
			return ErrInvalidCredentials
		}
		return unavailable(err)
	}

	if !e.passwordMatches(user, current) {
		e.metricInc(MetricPasswordChangeInvalid)
		return ErrInvalidPassword
	}
	if err := e.checkPasswordPolicy(next); err != nil {
		return err
	}
	if e.passwordBreached(ctx, next) {
		e.metricInc(MetricBreachedPasswordRejected)
		return policyError(policyBreached)
	}

	hash, err := e.hasher.Hash(next)
	if err != nil {
		return err
	}
	if err := e.users.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
		return unavailable(err)
	}

	revoked := 0
	if e.config.Security.RevokeSessionsOnPasswordChange {
		revoked, err = e.revokeOthers(ctx, user.ID, ac.SessionID, session.ReasonPassword)
		if err != nil {
			e.logger.Printf("authcore: revoke sessions after password change for %s: %v", user.ID, err)
		}
	}

	e.metricInc(MetricPasswordChanged)
	e.publish(ctx, PasswordChanged{UserID: user.ID, SessionsRevoked: revoked})
	return nil
}

// passwordMatches verifies plaintext against the stored hash. Users without
// a password never match.
func (e *Engine) passwordMatches(user store.User, plaintext string) bool {
	if !user.HasPassword() || plaintext == "" {
		return false
	}
	ok, err := e.hasher.Verify(plaintext, user.PasswordHash)
	if err != nil {
		e.logger.Printf("authcore: stored hash for user %s unreadable: %v", user.ID, err)
		return false
	}
	return ok
}

func (e *Engine) revokeOthers(ctx context.Context, userID, keep, reason string) (int, error) {
	list, err := e.sessions.List(ctx, userID)
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for _, s := range list {
		if s.ID == keep || s.Status != session.StatusActive {
			continue
		}
		if err := e.revoke(ctx, s.ID, reason); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (e *Engine) checkPasswordPolicy(plaintext string) error {
	if utf8.RuneCountInString(plaintext) < e.config.Password.MinLength {
		return policyError(policyTooShort)
	}
	if e.config.Password.MaxBytes > 0 && len(plaintext) > e.config.Password.MaxBytes {
		return policyError(policyTooLong)
	}
	return nil
}

func policyError(rule string) error {
	return &Error{
		Code:    CodePasswordPolicy,
		Message: ErrPasswordPolicy.Message,
		Details: map[string]string{DetailPolicyRule: rule},
	}
}

func normalizeEmail(raw string) (string, bool) {
	email := strings.ToLower(strings.TrimSpace(raw))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", false
	}
	return email, true
}
