package mfa

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// TOTPConfig controls code generation and verification.
type TOTPConfig struct {
	Issuer string
	Period uint
	Digits otp.Digits
	// Skew is the number of periods accepted on either side of now.
	Skew uint
}

// DefaultTOTPConfig returns the 30s / 6 digit / ±1 step profile.
func DefaultTOTPConfig() TOTPConfig {
	return TOTPConfig{
		Issuer: "authcore",
		Period: 30,
		Digits: otp.DigitsSix,
		Skew:   1,
	}
}

// Enrollment is a freshly generated TOTP secret.
type Enrollment struct {
	// Secret is the base32 shared secret.
	Secret string
	// URL is the otpauth:// payload rendered as a QR code by clients.
	URL string
}

// TOTP generates and verifies time-based one-time passwords.
type TOTP struct {
	config TOTPConfig
}

// NewTOTP returns a TOTP with a zero Issuer, Period or Digits replaced by
// defaults. A zero Skew accepts the current step only.
func NewTOTP(cfg TOTPConfig) *TOTP {
	def := DefaultTOTPConfig()
	if cfg.Issuer == "" {
		cfg.Issuer = def.Issuer
	}
	if cfg.Period == 0 {
		cfg.Period = def.Period
	}
	if cfg.Digits == 0 {
		cfg.Digits = def.Digits
	}
	return &TOTP{config: cfg}
}

// Generate creates a new secret for account.
func (t *TOTP) Generate(account string) (Enrollment, error) {
	if account == "" {
		return Enrollment{}, errors.New("mfa: account name is required")
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.config.Issuer,
		AccountName: account,
		Period:      t.config.Period,
		Digits:      t.config.Digits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return Enrollment{}, err
	}
	return Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// Verify reports whether code is valid for secret at now. Malformed input
// is a mismatch, not an error; an error means the secret itself is unusable.
func (t *TOTP) Verify(secret, code string, now time.Time) (bool, error) {
	_, ok, err := t.Match(secret, code, now)
	return ok, err
}

// Match is Verify that also returns the time step the code belongs to, so
// callers can refuse a step that was already used.
func (t *TOTP) Match(secret, code string, now time.Time) (int64, bool, error) {
	code = strings.TrimSpace(code)
	if len(code) != t.config.Digits.Length() || !isDigits(code) {
		return 0, false, nil
	}

	period := int64(t.config.Period)
	current := now.Unix() / period
	skew := int64(t.config.Skew)
	for step := current - skew; step <= current+skew; step++ {
		want, err := totp.GenerateCodeCustom(secret, time.Unix(step*period, 0).UTC(), t.opts())
		if err != nil {
			return 0, false, err
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return step, true, nil
		}
	}
	return 0, false, nil
}

// Code returns the code for secret at now. Used by tooling and tests.
func (t *TOTP) Code(secret string, now time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, now.UTC(), t.opts())
}

func (t *TOTP) opts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    t.config.Period,
		Skew:      t.config.Skew,
		Digits:    t.config.Digits,
		Algorithm: otp.AlgorithmSHA1,
	}
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
