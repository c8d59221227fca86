package authcore

import "time"

// Credentials is the password sign-in input.
type Credentials struct {
	Email    string
	Password string
}

// TokenPair is an access token and the refresh token that renews it.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// AuthResult is returned by [Engine.Authenticate] and
// [Engine.VerifyMFAChallenge]. Exactly one of Tokens or ChallengeID is set:
// when MFARequired is true the caller must complete the challenge before a
// session exists.
type AuthResult struct {
	UserID    string
	SessionID string
	Tokens    TokenPair

	MFARequired        bool
	ChallengeID        string
	ChallengeExpiresAt time.Time

	// EvictedSessions lists sessions revoked to stay within the per-user cap.
	EvictedSessions []string
}

// AuthContext is the authenticated caller of one request. It is produced
// once by [Engine.ValidateAccess] and passed by parameter from there on.
type AuthContext struct {
	UserID    string
	SessionID string
	OrgID     string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RequestID string
}

// InOrganization reports whether the context is scoped to an organization.
func (a AuthContext) InOrganization() bool { return a.OrgID != "" }

// MFASetup is returned by [Engine.InitMFASetup]. The plaintext secret and
// backup codes are only ever returned here; the store keeps them sealed.
type MFASetup struct {
	Secret      string
	QRPayload   string
	BackupCodes []string
}

// RateLimitInfo is the limiter state surfaced to callers as response
// headers or fields.
type RateLimitInfo struct {
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RateLimitAction names a rate-limited operation in [Engine.CheckRateLimit].
type RateLimitAction string

const (
	RateLimitSignIn        RateLimitAction = "sign_in"
	RateLimitSignUp        RateLimitAction = "sign_up"
	RateLimitMagicLink     RateLimitAction = "magic_link"
	RateLimitPasswordReset RateLimitAction = "password_reset"
	RateLimitAPI           RateLimitAction = "api"
	RateLimitAPIAnonymous  RateLimitAction = "api_anonymous"
)

// MFA methods accepted by [Engine.VerifyMFAChallenge].
const (
	MFAMethodTOTP       = "totp"
	MFAMethodBackupCode = "backup_code"
)
