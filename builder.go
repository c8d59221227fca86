package authcore

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/pquerna/otp"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authcore/cryptoutil"
	"github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/internal/limiters"
	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/mfa"
	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/permission"
	"github.com/MrEthical07/authcore/session"
	"github.com/MrEthical07/authcore/store"
	"github.com/MrEthical07/authcore/webhook"
)

// Builder assembles an [Engine]. A Builder is single use: Build may only
// succeed once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	users       store.Users
	memberships store.Memberships

	permissions []string
	roles       map[string][]string

	auditSink   AuditSink
	webhooks    *webhook.Dispatcher
	subscribers []Subscriber

	logger     *log.Logger
	now        func() time.Time
	httpClient *http.Client
	breach     BreachChecker

	built bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the configuration. The value is copied.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client backing sessions, MFA challenges and
// rate limits. A cluster or ring client works as well.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithUsers sets the user repository.
func (b *Builder) WithUsers(users store.Users) *Builder {
	b.users = users
	return b
}

// WithMemberships sets the organization membership repository used by
// Authorize and SwitchOrganization.
func (b *Builder) WithMemberships(m store.Memberships) *Builder {
	b.memberships = m
	return b
}

// WithPermissions registers extra permission keys on top of the built-in ones.
func (b *Builder) WithPermissions(perms []string) *Builder {
	b.permissions = perms
	return b
}

// WithRoles registers additional named roles. Built-in roles may be
// redefined.
func (b *Builder) WithRoles(r map[string][]string) *Builder {
	b.roles = r
	return b
}

// WithAuditSink sets where audit records are written.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithWebhooks routes external events to d. The caller owns d and closes it
// after the Engine.
func (b *Builder) WithWebhooks(d *webhook.Dispatcher) *Builder {
	b.webhooks = d
	return b
}

// WithSubscriber appends a domain event subscriber. Subscribers run
// synchronously on the request goroutine in registration order, after the
// built-in audit and webhook subscribers.
func (b *Builder) WithSubscriber(s Subscriber) *Builder {
	if s != nil {
		b.subscribers = append(b.subscribers, s)
	}
	return b
}

// WithLogger sets the logger for warn paths. Defaults to log.Default().
func (b *Builder) WithLogger(l *log.Logger) *Builder {
	b.logger = l
	return b
}

// WithClock injects the time source used by every component.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithHTTPClient sets the client used by the breach checker.
func (b *Builder) WithHTTPClient(c *http.Client) *Builder {
	b.httpClient = c
	return b
}

// WithBreachChecker overrides the breached-password lookup.
func (b *Builder) WithBreachChecker(c BreachChecker) *Builder {
	b.breach = c
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires every component.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.users == nil {
		return nil, errors.New("user store required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := b.now
	if now == nil {
		now = time.Now
	}
	logger := b.logger
	if logger == nil {
		logger = log.Default()
	}

	// -------- ROLES --------
	roles, err := buildRoles(b.permissions, b.roles)
	if err != nil {
		return nil, err
	}

	// -------- CRYPTO --------
	hasher, err := password.NewHasher(password.Config{
		Memory:           cfg.Password.Memory,
		Time:             cfg.Password.Time,
		Parallelism:      cfg.Password.Parallelism,
		SaltLength:       cfg.Password.SaltLength,
		KeyLength:        cfg.Password.KeyLength,
		MaxPasswordBytes: cfg.Password.MaxBytes,
	})
	if err != nil {
		return nil, err
	}

	sealer, err := cryptoutil.NewSealer(cfg.MFA.SealingKey)
	if err != nil {
		return nil, err
	}

	// -------- JWT --------
	tokens, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cfg.JWT.PrivateKey,
		PublicKey:     cfg.JWT.PublicKey,
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		KeyID:         cfg.JWT.KeyID,
		Now:           now,
	})
	if err != nil {
		return nil, err
	}

	// -------- REDIS-BACKED STORES --------
	sessions := session.NewStore(b.redis, session.Config{
		Prefix:        cfg.KeyPrefix,
		MaxActive:     cfg.Session.MaxPerUser,
		IdleTimeout:   cfg.Session.IdleTimeout,
		RefreshTTL:    cfg.JWT.RefreshTTL,
		MaxLifetime:   cfg.Session.MaxLifetime,
		RetainRevoked: cfg.Session.RetainRevoked,
		Now:           now,
	})

	challenges := mfa.NewChallengeStore(b.redis, mfa.ChallengeConfig{
		Prefix:      cfg.KeyPrefix,
		TTL:         cfg.MFA.ChallengeTTL,
		MaxAttempts: cfg.MFA.ChallengeMaxAttempts,
		Now:         now,
	})

	var limits *limiters.Limiters
	if cfg.RateLimit.Enabled {
		policies := make(map[limiters.Action]limiters.Policy, len(cfg.RateLimit.Policies))
		for action, p := range cfg.RateLimit.Policies {
			policies[limiters.Action(action)] = limiters.Policy{Window: p.Window, Max: p.Max}
		}
		limits = limiters.New(rate.New(b.redis, rate.Config{Prefix: cfg.KeyPrefix, Now: now}), policies)
	}

	// -------- BREACH CHECK --------
	breach := b.breach
	if breach == nil && cfg.Breach.Enabled {
		breach = NewBreachChecker(b.httpClient, cfg.Breach.Endpoint, cfg.Breach.Timeout)
	}
	if !cfg.Breach.Enabled {
		breach = nil
	}

	// -------- EVENTS --------
	recorder := audit.NewDispatcher(audit.Config{
		Enabled:      cfg.Audit.Enabled,
		BufferSize:   cfg.Audit.BufferSize,
		DropIfFull:   cfg.Audit.DropIfFull,
		WriteTimeout: cfg.Audit.WriteTimeout,
	}, b.auditSink, logger)

	subscribers := make([]Subscriber, 0, len(b.subscribers)+2)
	if recorder != nil {
		subscribers = append(subscribers, auditSubscriber{dispatcher: recorder})
	}
	if b.webhooks != nil {
		subscribers = append(subscribers, webhookSubscriber{dispatcher: b.webhooks})
	}
	subscribers = append(subscribers, b.subscribers...)

	e := &Engine{
		config:      cfg,
		now:         now,
		logger:      logger,
		users:       b.users,
		memberships: b.memberships,
		sessions:    sessions,
		challenges:  challenges,
		totp: mfa.NewTOTP(mfa.TOTPConfig{
			Issuer: cfg.MFA.Issuer,
			Period: cfg.MFA.Period,
			Digits: otp.DigitsSix,
			Skew:   cfg.MFA.Skew,
		}),
		sealer:      sealer,
		hasher:      hasher,
		jwt:         tokens,
		limiters:    limits,
		roles:       roles,
		audit:       recorder,
		breach:      breach,
		subscribers: subscribers,
		metrics:     NewMetrics(cfg.Metrics),
	}

	b.built = true
	return e, nil
}

// buildRoles returns the frozen default role table unless extra permissions
// or roles were supplied, in which case the built-in roles are copied into a
// fresh manager and the custom ones registered over them.
func buildRoles(perms []string, roles map[string][]string) (*permission.RoleManager, error) {
	if len(perms) == 0 && len(roles) == 0 {
		return permission.NewDefaultRoleManager(), nil
	}

	registry := permission.NewDefaultRegistry()
	for _, p := range perms {
		if _, err := registry.Register(p); err != nil {
			return nil, err
		}
	}
	registry.Freeze()

	defaults := permission.NewDefaultRoleManager()
	rm := permission.NewRoleManager(registry)
	for _, name := range []string{permission.RoleOwner, permission.RoleAdmin, permission.RoleMember} {
		if _, overridden := roles[name]; overridden {
			continue
		}
		builtin, _ := defaults.Permissions(name)
		if err := rm.RegisterRole(name, builtin); err != nil {
			return nil, err
		}
	}
	for name, list := range roles {
		if err := rm.RegisterRole(name, list); err != nil {
			return nil, err
		}
	}
	rm.Freeze()
	return rm, nil
}
