package limiters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/authcore/internal/rate"
)

// Action names a rate-limited operation.
type Action string

const (
	SignIn        Action = "sign_in"
	SignUp        Action = "sign_up"
	MagicLink     Action = "magic_link"
	PasswordReset Action = "password_reset"
	API           Action = "api"
	APIAnonymous  Action = "api_anonymous"
)

// Policy is a sliding-window budget.
type Policy struct {
	Window time.Duration
	Max    int
}

// DefaultPolicies returns the built-in budgets.
func DefaultPolicies() map[Action]Policy {
	return map[Action]Policy{
		SignIn:        {Window: 15 * time.Minute, Max: 5},
		SignUp:        {Window: time.Hour, Max: 5},
		MagicLink:     {Window: 15 * time.Minute, Max: 3},
		PasswordReset: {Window: time.Hour, Max: 3},
		API:           {Window: time.Minute, Max: 1000},
		APIAnonymous:  {Window: time.Minute, Max: 100},
	}
}

// ErrUnknownAction is returned for actions with no policy.
var ErrUnknownAction = errors.New("unknown rate limit action")

// Limiters applies the policy table to identities.
type Limiters struct {
	limiter  *rate.Limiter
	policies map[Action]Policy
}

// New returns Limiters over limiter. Missing entries in policies fall back
// to the defaults.
func New(limiter *rate.Limiter, policies map[Action]Policy) *Limiters {
	merged := DefaultPolicies()
	for action, p := range policies {
		merged[action] = p
	}
	return &Limiters{limiter: limiter, policies: merged}
}

// Policy returns the budget for action.
func (l *Limiters) Policy(action Action) (Policy, bool) {
	if l == nil {
		return Policy{}, false
	}
	p, ok := l.policies[action]
	return p, ok
}

// Check records one hit for action against the identity built from parts.
// Empty parts are kept so that "ip only" and "ip+email" never share a key.
func (l *Limiters) Check(ctx context.Context, action Action, parts ...string) (rate.Result, error) {
	if l == nil || l.limiter == nil {
		return rate.Result{Allowed: true}, nil
	}
	p, ok := l.policies[action]
	if !ok {
		return rate.Result{}, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	if p.Max <= 0 || p.Window <= 0 {
		return rate.Result{Allowed: true}, nil
	}
	return l.limiter.Allow(ctx, Key(action, parts...), p.Window, p.Max)
}

// Reset clears the window for action and identity.
func (l *Limiters) Reset(ctx context.Context, action Action, parts ...string) error {
	if l == nil || l.limiter == nil {
		return nil
	}
	return l.limiter.Reset(ctx, Key(action, parts...))
}

// Key builds the limiter key for action. Identity parts are lowercased and
// trimmed so emails differing only in case share a budget.
func Key(action Action, parts ...string) string {
	var b strings.Builder
	b.WriteString(string(action))
	for _, p := range parts {
		b.WriteByte('|')
		b.WriteString(strings.ToLower(strings.TrimSpace(p)))
	}
	return b.String()
}

// SignInAttempt applies the sign-in policy keyed on ip and email.
func (l *Limiters) SignInAttempt(ctx context.Context, ip, email string) (rate.Result, error) {
	return l.Check(ctx, SignIn, ip, email)
}

// SignUpAttempt applies the sign-up policy keyed on ip.
func (l *Limiters) SignUpAttempt(ctx context.Context, ip string) (rate.Result, error) {
	return l.Check(ctx, SignUp, ip)
}

// MagicLinkRequest applies the magic-link policy keyed on email.
func (l *Limiters) MagicLinkRequest(ctx context.Context, email string) (rate.Result, error) {
	return l.Check(ctx, MagicLink, email)
}

// PasswordResetRequest applies the password-reset policy keyed on email.
func (l *Limiters) PasswordResetRequest(ctx context.Context, email string) (rate.Result, error) {
	return l.Check(ctx, PasswordReset, email)
}

// APIRequest applies the authenticated API policy when userID is set and the
// anonymous one keyed on ip otherwise.
func (l *Limiters) APIRequest(ctx context.Context, userID, ip string) (rate.Result, error) {
	if userID != "" {
		return l.Check(ctx, API, userID)
	}
	return l.Check(ctx, APIAnonymous, ip)
}
