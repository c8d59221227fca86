package authcore

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/MrEthical07/authcore/cryptoutil"
	"github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/internal/limiters"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/mfa"
	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/permission"
	"github.com/MrEthical07/authcore/session"
	"github.com/MrEthical07/authcore/store"
)

// Sign-in methods reported on SignedIn events.
const (
	signInPassword   = "password"
	signInMFA        = "mfa"
	signInBackupCode = "backup_code"
)

// Engine is the authentication core: sign-in, MFA, sessions, access tokens
// and authorization. Build one with [New] and share it; every method is safe
// for concurrent use.
type Engine struct {
	config Config
	now    func() time.Time
	logger *log.Logger

	users       store.Users
	memberships store.Memberships

	sessions   *session.Store
	challenges *mfa.ChallengeStore
	totp       *mfa.TOTP
	sealer     *cryptoutil.Sealer
	hasher     *password.Hasher
	jwt        *jwt.Manager
	limiters   *limiters.Limiters
	roles      *permission.RoleManager

	audit       *audit.Dispatcher
	breach      BreachChecker
	subscribers []Subscriber
	metrics     *Metrics

	dummyOnce sync.Once
	dummyHash string
}

// Close flushes the audit recorder. Webhook dispatchers passed to the
// Builder are owned by the caller.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// MetricsSnapshot returns a copy of every in-process counter.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

/*
====================================
SIGN-IN
====================================
*/

// Authenticate verifies an email and password. When the user has MFA
// enabled no session is created; the result carries a challenge id to pass
// to [Engine.VerifyMFAChallenge]. Unknown emails and wrong passwords both
// fail with INVALID_CREDENTIALS.
func (e *Engine) Authenticate(ctx context.Context, creds Credentials) (*AuthResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	email := strings.ToLower(strings.TrimSpace(creds.Email))
	if email == "" || creds.Password == "" {
		return nil, ErrInvalidCredentials
	}

	if err := e.enforceLimit(ctx, RateLimitSignIn, MetricSignInRateLimited, clientIPFromContext(ctx), email); err != nil {
		return nil, err
	}

	user, err := e.users.GetUserByEmail(ctx, email)
	if err != nil {
		if store.IsNotFound(err) {
			// Spend the same hashing work as a real check.
			e.burnVerify(creds.Password)
			e.signInFailed(ctx, email, "", "unknown_email")
			return nil, ErrInvalidCredentials
		}
		return nil, unavailable(err)
	}

	now := e.now()
	if user.LockedUntil.After(now) {
		e.metricInc(MetricSignInLocked)
		e.signInFailed(ctx, email, user.ID, "locked")
		return nil, userLocked(user.LockedUntil, now)
	}

	if !user.HasPassword() {
		e.burnVerify(creds.Password)
		e.signInFailed(ctx, email, user.ID, "no_password")
		return nil, ErrInvalidCredentials
	}

	ok, err := e.hasher.Verify(creds.Password, user.PasswordHash)
	if err != nil {
		e.logger.Printf("authcore: stored hash for user %s unreadable: %v", user.ID, err)
	}
	if !ok {
		return nil, e.passwordFailed(ctx, user, now)
	}

	if user.FailedAttempts > 0 || !user.LockedUntil.IsZero() {
		if err := e.users.ResetLoginFailures(ctx, user.ID); err != nil {
			e.logger.Printf("authcore: reset login failures for %s: %v", user.ID, err)
		}
	}
	e.upgradeHash(ctx, user, creds.Password)

	if user.MFAEnabled {
		return e.issueChallenge(ctx, user)
	}
	return e.createSession(ctx, user.ID, e.deviceFromContext(ctx), signInPassword)
}

// Login is Authenticate for callers that want tokens or an error. A pending
// MFA challenge is reported as MFA_REQUIRED with the challenge id in the
// DetailChallenge detail.
func (e *Engine) Login(ctx context.Context, creds Credentials) (TokenPair, error) {
	res, err := e.Authenticate(ctx, creds)
	if err != nil {
		return TokenPair{}, err
	}
	if res.MFARequired {
		return TokenPair{}, &Error{
			Code:    CodeMFARequired,
			Message: ErrMFARequired.Message,
			Details: map[string]string{DetailChallenge: res.ChallengeID},
		}
	}
	return res.Tokens, nil
}

func (e *Engine) passwordFailed(ctx context.Context, user store.User, now time.Time) error {
	e.metricInc(MetricSignInFailure)
	e.signInFailed(ctx, user.Email, user.ID, "bad_password")

	if e.config.Security.MaxFailedLogins <= 0 {
		return ErrInvalidCredentials
	}
	failure, err := e.users.RecordLoginFailure(ctx, user.ID,
		e.config.Security.MaxFailedLogins, e.config.Security.LockoutDuration, now)
	if err != nil {
		e.logger.Printf("authcore: record login failure for %s: %v", user.ID, err)
		return ErrInvalidCredentials
	}
	if failure.Locked() {
		e.publish(ctx, UserLocked{UserID: user.ID, LockedUntil: failure.LockedUntil})
		return userLocked(failure.LockedUntil, now)
	}
	return ErrInvalidCredentials
}

func (e *Engine) signInFailed(ctx context.Context, email, userID, reason string) {
	if reason != "bad_password" {
		e.metricInc(MetricSignInFailure)
	}
	e.publish(ctx, SignInFailed{Email: email, UserID: userID, Reason: reason})
}

// burnVerify runs one verification against a throwaway hash so unknown
// accounts cost the same as known ones.
func (e *Engine) burnVerify(plaintext string) {
	e.dummyOnce.Do(func() {
		h, err := e.hasher.Hash("authcore-timing-equalizer")
		if err == nil {
			e.dummyHash = h
		}
	})
	if e.dummyHash != "" {
		_, _ = e.hasher.Verify(plaintext, e.dummyHash)
	}
}

// upgradeHash re-hashes with current parameters when the stored hash is
// weaker. Failures are logged and never block sign-in.
func (e *Engine) upgradeHash(ctx context.Context, user store.User, plaintext string) {
	if !e.config.Password.UpgradeOnLogin {
		return
	}
	needs, err := e.hasher.NeedsRehash(user.PasswordHash)
	if err != nil || !needs {
		return
	}
	h, err := e.hasher.Hash(plaintext)
	if err != nil {
		e.logger.Printf("authcore: rehash for %s: %v", user.ID, err)
		return
	}
	if err := e.users.UpdatePasswordHash(ctx, user.ID, h); err != nil {
		e.logger.Printf("authcore: store upgraded hash for %s: %v", user.ID, err)
	}
}

func (e *Engine) issueChallenge(ctx context.Context, user store.User) (*AuthResult, error) {
	device := e.deviceFromContext(ctx)
	ch, err := e.challenges.Create(ctx, mfa.NewChallenge{
		UserID:      user.ID,
		IP:          device.IP,
		UserAgent:   device.UserAgent,
		DeviceLabel: device.Label,
	})
	if err != nil {
		return nil, unavailable(err)
	}

	e.metricInc(MetricMFARequired)
	e.publish(ctx, MFAChallengeIssued{UserID: user.ID, ExpiresAt: ch.ExpiresAt})

	return &AuthResult{
		UserID:             user.ID,
		MFARequired:        true,
		ChallengeID:        ch.ID,
		ChallengeExpiresAt: ch.ExpiresAt,
	}, nil
}

func (e *Engine) deviceFromContext(ctx context.Context) session.Device {
	return session.Device{
		IP:        clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
		Label:     deviceLabelFromContext(ctx),
	}
}

// createSession stores a new session, issues its first token pair and
// reports any sessions evicted by the per-user cap.
func (e *Engine) createSession(ctx context.Context, userID string, device session.Device, method string) (*AuthResult, error) {
	refresh, err := cryptoutil.NewOpaqueToken(cryptoutil.RefreshTokenPrefix)
	if err != nil {
		return nil, err
	}

	sess, evicted, err := e.sessions.Create(ctx, session.NewSession{
		UserID:      userID,
		RefreshHash: cryptoutil.HashToken(refresh),
		Device:      device,
	})
	if err != nil {
		return nil, unavailable(err)
	}

	access, accessExp, err := e.jwt.Issue(jwt.Subject{UserID: userID, SessionID: sess.ID})
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricSessionCreated)
	e.metricInc(MetricSignInSuccess)
	for _, sid := range evicted {
		e.metricInc(MetricSessionEvicted)
		e.publish(ctx, SessionRevoked{UserID: userID, SessionID: sid, Reason: session.ReasonEvicted})
	}
	e.publish(ctx, SessionCreated{UserID: userID, SessionID: sess.ID, Evicted: evicted})
	e.publish(ctx, SignedIn{UserID: userID, SessionID: sess.ID, Method: method})

	return &AuthResult{
		UserID:    userID,
		SessionID: sess.ID,
		Tokens: TokenPair{
			AccessToken:      access,
			AccessExpiresAt:  accessExp,
			RefreshToken:     refresh,
			RefreshExpiresAt: sess.ExpiresAt,
		},
		EvictedSessions: evicted,
	}, nil
}

/*
====================================
REFRESH
====================================
*/

// Refresh exchanges a refresh token for a new pair. Each refresh token works
// exactly once; presenting a rotated token again fails with INVALID_TOKEN
// (detail reason=reuse_detected) and, unless disabled in
// SecurityConfig.RevokeOnRefreshReuse, revokes the session it belonged to.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if e == nil {
		return TokenPair{}, ErrEngineNotReady
	}
	if !cryptoutil.ValidOpaqueToken(cryptoutil.RefreshTokenPrefix, refreshToken) {
		e.metricInc(MetricRefreshFailure)
		return TokenPair{}, ErrInvalidToken
	}

	next, err := cryptoutil.NewOpaqueToken(cryptoutil.RefreshTokenPrefix)
	if err != nil {
		return TokenPair{}, err
	}

	rot, err := e.sessions.Rotate(ctx, cryptoutil.HashToken(refreshToken), cryptoutil.HashToken(next))
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return TokenPair{}, e.refreshError(ctx, err)
	}

	access, accessExp, err := e.jwt.Issue(jwt.Subject{
		UserID:    rot.UserID,
		SessionID: rot.SessionID,
		OrgID:     rot.OrgID,
		Role:      rot.Role,
	})
	if err != nil {
		return TokenPair{}, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.publish(ctx, RefreshRotated{UserID: rot.UserID, SessionID: rot.SessionID})

	return TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     next,
		RefreshExpiresAt: rot.ExpiresAt,
	}, nil
}

func (e *Engine) refreshError(ctx context.Context, err error) error {
	var reuse *session.ReuseError
	switch {
	case errors.As(err, &reuse):
		e.metricInc(MetricRefreshReuseDetected)
		revoked := false
		if e.config.Security.RevokeOnRefreshReuse && reuse.SessionID != "" {
			changed, rerr := e.sessions.Revoke(ctx, reuse.SessionID, session.ReasonRefreshReuse)
			if rerr != nil && !errors.Is(rerr, session.ErrNotFound) {
				e.logger.Printf("authcore: revoke session %s after refresh reuse: %v", reuse.SessionID, rerr)
			}
			revoked = changed
			if changed {
				e.metricInc(MetricSessionRevoked)
			}
		}
		e.publish(ctx, RefreshReused{SessionID: reuse.SessionID, Revoked: revoked})
		return withReason(ErrInvalidToken, DetailReuse)
	case errors.Is(err, session.ErrRevoked):
		return ErrSessionRevoked
	case errors.Is(err, session.ErrExpired):
		return ErrTokenExpired
	case errors.Is(err, session.ErrNotFound):
		return ErrSessionNotFound
	default:
		return unavailable(err)
	}
}

/*
====================================
ACCESS VALIDATION
====================================
*/

// ValidateAccess verifies an access token and the session behind it and
// returns the request's AuthContext. A revoked session is rejected even while
// its token is unexpired.
func (e *Engine) ValidateAccess(ctx context.Context, token string) (AuthContext, error) {
	if e == nil {
		return AuthContext{}, ErrEngineNotReady
	}

	var start time.Time
	if e.metrics.LatencyEnabled() {
		start = time.Now()
		defer func() {
			e.metrics.Observe(MetricValidateLatency, time.Since(start))
		}()
	}

	claims, err := e.jwt.Parse(token)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return AuthContext{}, ErrTokenExpired
		}
		return AuthContext{}, ErrInvalidToken
	}

	var state session.State
	if e.config.Session.TouchOnValidate {
		state, err = e.sessions.Touch(ctx, claims.SID)
	} else {
		state, err = e.sessions.Check(ctx, claims.SID)
	}
	if err != nil {
		return AuthContext{}, sessionError(err)
	}
	if state.UserID != claims.UserID() {
		return AuthContext{}, ErrInvalidToken
	}

	ac := AuthContext{
		UserID:    claims.UserID(),
		SessionID: claims.SID,
		OrgID:     claims.Org,
		Role:      claims.Role,
		RequestID: RequestIDFromContext(ctx),
	}
	if claims.IssuedAt != nil {
		ac.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		ac.ExpiresAt = claims.ExpiresAt.Time
	}
	return ac, nil
}

func sessionError(err error) error {
	switch {
	case errors.Is(err, session.ErrRevoked):
		return ErrSessionRevoked
	case errors.Is(err, session.ErrExpired):
		return withReason(ErrTokenExpired, "session_expired")
	case errors.Is(err, session.ErrNotFound):
		return ErrSessionNotFound
	default:
		return unavailable(err)
	}
}

/*
====================================
AUTHORIZATION
====================================
*/

// Authorize checks that the caller's membership in ac.OrgID grants at least
// one of required. Owners and wildcard holders pass every check. With no
// required permissions only membership is checked.
func (e *Engine) Authorize(ctx context.Context, ac AuthContext, required ...string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if ac.UserID == "" || !ac.InOrganization() || e.memberships == nil {
		return e.denied(ctx, ac, required)
	}

	m, err := e.memberships.GetMembership(ctx, ac.UserID, ac.OrgID)
	if err != nil {
		if store.IsNotFound(err) {
			return e.denied(ctx, ac, required)
		}
		return unavailable(err)
	}
	if len(required) == 0 {
		return nil
	}
	if !e.roles.HasPermission(m, required...) {
		return e.denied(ctx, ac, required)
	}
	return nil
}

func (e *Engine) denied(ctx context.Context, ac AuthContext, required []string) error {
	e.metricInc(MetricPermissionDenied)
	e.publish(ctx, PermissionDenied{UserID: ac.UserID, OrgID: ac.OrgID, Required: required})
	return &Error{
		Code:    CodeInsufficientPermissions,
		Message: ErrInsufficientPermissions.Message,
		Details: map[string]string{DetailRequired: strings.Join(required, ",")},
	}
}

// Permissions returns the resolved permission set of the caller in
// ac.OrgID, sorted.
func (e *Engine) Permissions(ctx context.Context, ac AuthContext) ([]string, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if !ac.InOrganization() || e.memberships == nil {
		return nil, nil
	}
	m, err := e.memberships.GetMembership(ctx, ac.UserID, ac.OrgID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, unavailable(err)
	}
	return e.roles.Resolve(m).Sorted(), nil
}

// SwitchOrganization scopes the caller's session to orgID and returns an
// access token carrying the organization and role. Later refreshes keep the
// scope.
func (e *Engine) SwitchOrganization(ctx context.Context, ac AuthContext, orgID string) (string, time.Time, error) {
	if e == nil {
		return "", time.Time{}, ErrEngineNotReady
	}
	if orgID == "" || e.memberships == nil {
		return "", time.Time{}, e.denied(ctx, AuthContext{UserID: ac.UserID, OrgID: orgID}, nil)
	}

	m, err := e.memberships.GetMembership(ctx, ac.UserID, orgID)
	if err != nil {
		if store.IsNotFound(err) {
			return "", time.Time{}, e.denied(ctx, AuthContext{UserID: ac.UserID, OrgID: orgID}, nil)
		}
		return "", time.Time{}, unavailable(err)
	}

	if err := e.sessions.SetScope(ctx, ac.SessionID, orgID, m.Role); err != nil {
		return "", time.Time{}, sessionError(err)
	}

	token, exp, err := e.jwt.Issue(jwt.Subject{
		UserID:    ac.UserID,
		SessionID: ac.SessionID,
		OrgID:     orgID,
		Role:      m.Role,
	})
	if err != nil {
		return "", time.Time{}, err
	}

	e.publish(ctx, OrganizationSwitched{UserID: ac.UserID, SessionID: ac.SessionID, OrgID: orgID, Role: m.Role})
	return token, exp, nil
}

/*
====================================
SESSIONS
====================================
*/

// Revoke signs one session out. Revoking an already revoked or expired
// session succeeds; an unknown id fails with SESSION_NOT_FOUND.
func (e *Engine) Revoke(ctx context.Context, sessionID string) error {
	return e.revoke(ctx, sessionID, session.ReasonSignOut)
}

func (e *Engine) revoke(ctx context.Context, sessionID, reason string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	changed, err := e.sessions.Revoke(ctx, sessionID, reason)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ErrSessionNotFound
		}
		return unavailable(err)
	}
	if !changed {
		return nil
	}

	e.metricInc(MetricSessionRevoked)
	userID := ""
	if sess, err := e.sessions.Get(ctx, sessionID); err == nil {
		userID = sess.UserID
	}
	e.publish(ctx, SessionRevoked{UserID: userID, SessionID: sessionID, Reason: reason})
	return nil
}

// RevokeAll signs userID out everywhere and returns how many sessions were
// active.
func (e *Engine) RevokeAll(ctx context.Context, userID string) (int, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}
	ids, err := e.sessions.RevokeAll(ctx, userID, session.ReasonSignOutAll)
	if err != nil {
		return 0, unavailable(err)
	}

	e.metricInc(MetricSessionRevokeAll)
	for _, sid := range ids {
		e.metricInc(MetricSessionRevoked)
		e.publish(ctx, SessionRevoked{UserID: userID, SessionID: sid, Reason: session.ReasonSignOutAll})
	}
	return len(ids), nil
}

// Touch records activity on a session, pushing back its idle expiry.
func (e *Engine) Touch(ctx context.Context, sessionID string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if _, err := e.sessions.Touch(ctx, sessionID); err != nil {
		return sessionError(err)
	}
	return nil
}

// IsActive reports whether sessionID is active right now. Sessions past
// their absolute or idle expiry are marked expired as a side effect.
func (e *Engine) IsActive(ctx context.Context, sessionID string) (bool, error) {
	if e == nil {
		return false, ErrEngineNotReady
	}
	_, err := e.sessions.Check(ctx, sessionID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, session.ErrRevoked),
		errors.Is(err, session.ErrExpired),
		errors.Is(err, session.ErrNotFound):
		return false, nil
	default:
		return false, unavailable(err)
	}
}

// ListSessions returns every retained session of userID, newest first,
// including revoked ones still inside the retention window.
func (e *Engine) ListSessions(ctx context.Context, userID string) ([]session.Session, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	list, err := e.sessions.List(ctx, userID)
	if err != nil {
		return nil, unavailable(err)
	}
	return list, nil
}

/*
====================================
RATE LIMITS
====================================
*/

// CheckRateLimit records one hit for action against the identity parts and
// returns the window state. A rejected hit also returns RATE_LIMIT_EXCEEDED
// with RetryAfter set. With rate limiting disabled every hit is allowed and
// the info is zero.
func (e *Engine) CheckRateLimit(ctx context.Context, action RateLimitAction, parts ...string) (RateLimitInfo, error) {
	if e == nil {
		return RateLimitInfo{}, ErrEngineNotReady
	}
	res, err := e.limiters.Check(ctx, limiters.Action(action), parts...)
	if err != nil {
		if errors.Is(err, limiters.ErrUnknownAction) {
			return RateLimitInfo{}, err
		}
		return RateLimitInfo{}, unavailable(err)
	}

	info := RateLimitInfo{
		Limit:      res.Limit,
		Remaining:  res.Remaining,
		ResetAt:    res.ResetAt,
		RetryAfter: res.RetryAfter,
	}
	if !res.Allowed {
		e.metricInc(MetricRateLimitHit)
		e.publish(ctx, RateLimited{Action: string(action), RetryAfter: res.RetryAfter})
		return info, rateLimited(string(action), info, e.now())
	}
	return info, nil
}

// enforceLimit is CheckRateLimit for internal callers that only care about
// rejection.
func (e *Engine) enforceLimit(ctx context.Context, action RateLimitAction, metric MetricID, parts ...string) error {
	if e.limiters == nil {
		return nil
	}
	_, err := e.CheckRateLimit(ctx, action, parts...)
	if errors.Is(err, ErrRateLimitExceeded) {
		e.metricInc(metric)
	}
	return err
}

// ResetRateLimit clears the window for action and the identity parts, for
// support tooling that unblocks a caller early. It is a no-op with rate
// limiting disabled.
func (e *Engine) ResetRateLimit(ctx context.Context, action RateLimitAction, parts ...string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if err := e.limiters.Reset(ctx, limiters.Action(action), parts...); err != nil {
		return unavailable(err)
	}
	return nil
}

// Ping reports the Redis round-trip time for health checks.
func (e *Engine) Ping(ctx context.Context) (time.Duration, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}
	rtt, err := e.sessions.Ping(ctx)
	if err != nil {
		return 0, unavailable(err)
	}
	return rtt, nil
}
