package authcore

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MrEthical07/authcore/cryptoutil"
)

// Config defines every tunable of the Engine.
//
// Config instances are intended to be configured during initialization and then treated as immutable.
type Config struct {
	// KeyPrefix namespaces every Redis key the Engine writes.
	KeyPrefix string

	JWT       JWTConfig
	Session   SessionConfig
	Password  PasswordConfig
	MFA       MFAConfig
	Security  SecurityConfig
	RateLimit RateLimitConfig
	Breach    BreachConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig controls access-token signing and refresh-token lifetime.
type JWTConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod string // "ed25519" (default) or "rs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	KeyID         string
	Leeway        time.Duration
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls the per-user session cap and expiry windows.
type SessionConfig struct {
	// MaxPerUser caps active sessions per user; the least recently active
	// are revoked on overflow. Zero disables the cap.
	MaxPerUser int
	// IdleTimeout treats sessions without activity for this long as expired.
	IdleTimeout time.Duration
	// MaxLifetime bounds a session from its creation regardless of refreshes.
	MaxLifetime time.Duration
	// RetainRevoked keeps terminal session records readable for auditing.
	RetainRevoked time.Duration
	// TouchOnValidate updates last activity on every ValidateAccess call.
	TouchOnValidate bool
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds Argon2id costs and the password policy.
type PasswordConfig struct {
	Memory         uint32 // in KiB
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	MinLength      int
	MaxBytes       int
	UpgradeOnLogin bool
}

/*
====================================
MFA CONFIG
====================================
*/

// MFAConfig controls TOTP enrollment, sign-in challenges and backup codes.
type MFAConfig struct {
	Issuer               string
	Period               uint
	Skew                 uint
	ChallengeTTL         time.Duration
	ChallengeMaxAttempts int
	BackupCodeCount      int
	// EnforceReplayProtection refuses a TOTP code from a time step that
	// already signed the user in.
	EnforceReplayProtection bool
	// SealingKey is the 256-bit key sealing TOTP secrets and backup codes at rest.
	SealingKey []byte
}

/*
====================================
SECURITY CONFIG
====================================
*/

// SecurityConfig holds lockout and token-theft responses.
type SecurityConfig struct {
	// RevokeOnRefreshReuse revokes the owning session when a rotated refresh
	// token is presented again.
	RevokeOnRefreshReuse bool
	// MaxFailedLogins locks the account after this many consecutive password
	// failures. Zero disables lockout.
	MaxFailedLogins int
	LockoutDuration time.Duration
	// RevokeSessionsOnPasswordChange revokes every other session of the user
	// after ChangePassword.
	RevokeSessionsOnPasswordChange bool
}

// RateLimitPolicy is a sliding-window budget.
type RateLimitPolicy struct {
	Window time.Duration
	Max    int
}

// RateLimitConfig enables the named limiters and overrides their budgets.
type RateLimitConfig struct {
	Enabled  bool
	Policies map[RateLimitAction]RateLimitPolicy
}

// BreachConfig controls the k-anonymity breached-password lookup on
// sign-up and password change. Lookup failures never block the caller.
type BreachConfig struct {
	Enabled  bool
	Endpoint string
	Timeout  time.Duration
}

// AuditConfig controls buffering of the audit recorder.
type AuditConfig struct {
	Enabled      bool
	BufferSize   int
	DropIfFull   bool
	WriteTimeout time.Duration
}

// MetricsConfig toggles the in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns production defaults. Keys (JWT and MFA sealing) are
// left empty and must be supplied.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "ac",
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			SigningMethod: "ed25519",
			Issuer:        "authcore",
			Audience:      "authcore",
		},
		Session: SessionConfig{
			MaxPerUser:      10,
			IdleTimeout:     24 * time.Hour,
			MaxLifetime:     30 * 24 * time.Hour,
			RetainRevoked:   30 * 24 * time.Hour,
			TouchOnValidate: true,
		},
		Password: PasswordConfig{
			Memory:         64 * 1024,
			Time:           3,
			Parallelism:    4,
			SaltLength:     16,
			KeyLength:      32,
			MinLength:      8,
			MaxBytes:       1024,
			UpgradeOnLogin: true,
		},
		MFA: MFAConfig{
			Issuer:               "authcore",
			Period:               30,
			Skew:                 1,
			ChallengeTTL:         5 * time.Minute,
			ChallengeMaxAttempts: 3,
			BackupCodeCount:      10,

			EnforceReplayProtection: true,
		},
		Security: SecurityConfig{
			RevokeOnRefreshReuse:           true,
			MaxFailedLogins:                5,
			LockoutDuration:                15 * time.Minute,
			RevokeSessionsOnPasswordChange: true,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
		},
		Breach: BreachConfig{
			Enabled:  true,
			Endpoint: "https://api.pwnedpasswords.com/range/",
			Timeout:  3 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:      true,
			BufferSize:   1024,
			DropIfFull:   true,
			WriteTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	out.MFA.SealingKey = cloneBytes(cfg.MFA.SealingKey)
	if cfg.RateLimit.Policies != nil {
		out.RateLimit.Policies = make(map[RateLimitAction]RateLimitPolicy, len(cfg.RateLimit.Policies))
		for k, v := range cfg.RateLimit.Policies {
			out.RateLimit.Policies[k] = v
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.KeyPrefix) == "" {
		return errors.New("KeyPrefix must not be empty")
	}

	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= 0 {
		return errors.New("JWT RefreshTTL must be > 0")
	}
	if c.JWT.AccessTTL >= c.JWT.RefreshTTL {
		return errors.New("JWT AccessTTL must be shorter than RefreshTTL")
	}
	if c.JWT.SigningMethod != "ed25519" && c.JWT.SigningMethod != "rs256" {
		return errors.New("unsupported JWT signing method")
	}
	if len(c.JWT.PrivateKey) == 0 || len(c.JWT.PublicKey) == 0 {
		return fmt.Errorf("%s requires PrivateKey and PublicKey", c.JWT.SigningMethod)
	}
	if c.JWT.Issuer == "" || c.JWT.Audience == "" {
		return errors.New("JWT Issuer and Audience must be set")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be within [0, 2m]")
	}

	// Session
	if c.Session.MaxPerUser < 0 {
		return errors.New("Session MaxPerUser must be >= 0")
	}
	if c.Session.IdleTimeout < 0 || c.Session.MaxLifetime < 0 || c.Session.RetainRevoked < 0 {
		return errors.New("Session durations must be >= 0")
	}
	if c.Session.MaxLifetime > 0 && c.Session.MaxLifetime < c.JWT.AccessTTL {
		return errors.New("Session MaxLifetime must be >= JWT AccessTTL")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8 MiB")
	}
	if c.Password.Time < 1 || c.Password.Parallelism < 1 {
		return errors.New("Password Time and Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 || c.Password.KeyLength < 16 {
		return errors.New("Password SaltLength and KeyLength must be >= 16")
	}
	if c.Password.MinLength < 1 {
		return errors.New("Password MinLength must be >= 1")
	}
	if c.Password.MaxBytes > 0 && c.Password.MaxBytes < c.Password.MinLength {
		return errors.New("Password MaxBytes must be >= MinLength")
	}

	// MFA
	if len(c.MFA.SealingKey) != cryptoutil.KeySize {
		return fmt.Errorf("MFA SealingKey must be %d bytes", cryptoutil.KeySize)
	}
	if c.MFA.Issuer == "" {
		return errors.New("MFA Issuer must be set")
	}
	if c.MFA.Period == 0 || c.MFA.Skew > 3 {
		return errors.New("MFA Period must be > 0 and Skew <= 3")
	}
	if c.MFA.ChallengeTTL <= 0 || c.MFA.ChallengeMaxAttempts <= 0 {
		return errors.New("MFA ChallengeTTL and ChallengeMaxAttempts must be > 0")
	}
	if c.MFA.BackupCodeCount <= 0 || c.MFA.BackupCodeCount > 50 {
		return errors.New("MFA BackupCodeCount must be within [1, 50]")
	}

	// Security
	if c.Security.MaxFailedLogins < 0 {
		return errors.New("Security MaxFailedLogins must be >= 0")
	}
	if c.Security.MaxFailedLogins > 0 && c.Security.LockoutDuration <= 0 {
		return errors.New("Security LockoutDuration must be > 0 when MaxFailedLogins is set")
	}

	// Rate limits
	for action, p := range c.RateLimit.Policies {
		if p.Window <= 0 || p.Max <= 0 {
			return fmt.Errorf("RateLimit policy %q must have Window > 0 and Max > 0", action)
		}
	}

	// Breach
	if c.Breach.Enabled {
		u, err := url.Parse(c.Breach.Endpoint)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return errors.New("Breach Endpoint must be an http(s) URL")
		}
		if c.Breach.Timeout <= 0 {
			return errors.New("Breach Timeout must be > 0")
		}
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0")
	}

	return nil
}
