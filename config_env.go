package authcore

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/MrEthical07/authcore/cryptoutil"
)

// EnvConfig is the process-level configuration read from the environment by
// binaries embedding the Engine.
type EnvConfig struct {
	RedisAddr     string `env:"AUTHCORE_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"AUTHCORE_REDIS_PASSWORD"`
	RedisDB       int    `env:"AUTHCORE_REDIS_DB" envDefault:"0"`
	DatabaseURL   string `env:"AUTHCORE_DATABASE_URL"`
	KeyPrefix     string `env:"AUTHCORE_KEY_PREFIX" envDefault:"ac"`

	JWTSigningMethod  string        `env:"AUTHCORE_JWT_SIGNING_METHOD" envDefault:"ed25519"`
	JWTPrivateKeyFile string        `env:"AUTHCORE_JWT_PRIVATE_KEY_FILE"`
	JWTPublicKeyFile  string        `env:"AUTHCORE_JWT_PUBLIC_KEY_FILE"`
	JWTIssuer         string        `env:"AUTHCORE_JWT_ISSUER" envDefault:"authcore"`
	JWTAudience       string        `env:"AUTHCORE_JWT_AUDIENCE" envDefault:"authcore"`
	AccessTTL         time.Duration `env:"AUTHCORE_ACCESS_TTL" envDefault:"15m"`
	RefreshTTL        time.Duration `env:"AUTHCORE_REFRESH_TTL" envDefault:"168h"`

	MaxSessionsPerUser int           `env:"AUTHCORE_MAX_SESSIONS_PER_USER" envDefault:"10"`
	IdleTimeout        time.Duration `env:"AUTHCORE_SESSION_IDLE_TIMEOUT" envDefault:"24h"`

	SealingKey          string `env:"AUTHCORE_SEALING_KEY"`
	MFAIssuer           string `env:"AUTHCORE_MFA_ISSUER" envDefault:"authcore"`
	MFAReplayProtection bool   `env:"AUTHCORE_MFA_REPLAY_PROTECTION" envDefault:"true"`

	RevokeOnRefreshReuse bool          `env:"AUTHCORE_REVOKE_ON_REFRESH_REUSE" envDefault:"true"`
	MaxFailedLogins      int           `env:"AUTHCORE_MAX_FAILED_LOGINS" envDefault:"5"`
	LockoutDuration      time.Duration `env:"AUTHCORE_LOCKOUT_DURATION" envDefault:"15m"`

	BreachCheckEnabled bool `env:"AUTHCORE_BREACH_CHECK_ENABLED" envDefault:"true"`

	WebhookWorkers       int           `env:"AUTHCORE_WEBHOOK_WORKERS" envDefault:"4"`
	WebhookSweepInterval time.Duration `env:"AUTHCORE_WEBHOOK_SWEEP_INTERVAL" envDefault:"15s"`
	WebhookTimeout       time.Duration `env:"AUTHCORE_WEBHOOK_TIMEOUT" envDefault:"30s"`
	WebhookMaxAttempts   int           `env:"AUTHCORE_WEBHOOK_MAX_ATTEMPTS" envDefault:"3"`

	MetricsAddr string `env:"AUTHCORE_METRICS_ADDR" envDefault:":9090"`
}

// LoadConfigFromEnv parses the AUTHCORE_* environment.
func LoadConfigFromEnv() (EnvConfig, error) {
	var cfg EnvConfig
	if err := env.Parse(&cfg); err != nil {
		return EnvConfig{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// EngineConfig overlays the environment on DefaultConfig, reading key files
// and decoding the sealing key.
func (ec EnvConfig) EngineConfig() (Config, error) {
	cfg := DefaultConfig()
	cfg.KeyPrefix = ec.KeyPrefix

	cfg.JWT.SigningMethod = ec.JWTSigningMethod
	cfg.JWT.Issuer = ec.JWTIssuer
	cfg.JWT.Audience = ec.JWTAudience
	cfg.JWT.AccessTTL = ec.AccessTTL
	cfg.JWT.RefreshTTL = ec.RefreshTTL
	if ec.JWTPrivateKeyFile != "" {
		key, err := os.ReadFile(ec.JWTPrivateKeyFile)
		if err != nil {
			return Config{}, fmt.Errorf("read jwt private key: %w", err)
		}
		cfg.JWT.PrivateKey = key
	}
	if ec.JWTPublicKeyFile != "" {
		key, err := os.ReadFile(ec.JWTPublicKeyFile)
		if err != nil {
			return Config{}, fmt.Errorf("read jwt public key: %w", err)
		}
		cfg.JWT.PublicKey = key
	}

	cfg.Session.MaxPerUser = ec.MaxSessionsPerUser
	cfg.Session.IdleTimeout = ec.IdleTimeout

	if ec.SealingKey != "" {
		key, err := cryptoutil.ParseKey(ec.SealingKey)
		if err != nil {
			return Config{}, fmt.Errorf("AUTHCORE_SEALING_KEY: %w", err)
		}
		cfg.MFA.SealingKey = key
	}
	cfg.MFA.Issuer = ec.MFAIssuer
	cfg.MFA.EnforceReplayProtection = ec.MFAReplayProtection

	cfg.Security.RevokeOnRefreshReuse = ec.RevokeOnRefreshReuse
	cfg.Security.MaxFailedLogins = ec.MaxFailedLogins
	cfg.Security.LockoutDuration = ec.LockoutDuration
	cfg.Breach.Enabled = ec.BreachCheckEnabled

	return cfg, nil
}
