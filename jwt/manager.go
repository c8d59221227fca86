package jwt

import (
	"crypto"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the asymmetric algorithm used for access tokens.
type SigningMethod string

const (
	// MethodEd25519 signs with EdDSA over Ed25519.
	MethodEd25519 SigningMethod = "ed25519"
	// MethodRS256 signs with RSASSA-PKCS1-v1_5 SHA-256.
	MethodRS256 SigningMethod = "rs256"
)

var (
	// ErrExpired reports a well-signed token past its expiry.
	ErrExpired = errors.New("jwt: token expired")
	// ErrInvalid reports any other verification failure.
	ErrInvalid = errors.New("jwt: token invalid")
)

// Config configures a Manager. PrivateKey and PublicKey accept PEM or, for
// Ed25519, raw key bytes.
type Config struct {
	AccessTTL     time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	MaxFutureIAT  time.Duration
	KeyID         string
	// VerifyKeys holds additional public keys by kid for rotation.
	VerifyKeys map[string][]byte
	Now        func() time.Time
}

// Manager signs and verifies access tokens.
type Manager struct {
	config     Config
	method     jwt.SigningMethod
	signKey    crypto.PrivateKey
	verifyKey  crypto.PublicKey
	verifyKeys map[string]crypto.PublicKey
}

// AccessClaims is the access-token claim set.
type AccessClaims struct {
	SID  string `json:"sid"`
	Org  string `json:"org,omitempty"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the subject.
func (c *AccessClaims) UserID() string { return c.Subject }

// Subject identifies who an access token is issued to.
type Subject struct {
	UserID    string
	SessionID string
	OrgID     string
	Role      string
}

// NewManager validates cfg and parses the configured keys once.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)

	m := &Manager{config: cfg, verifyKeys: make(map[string]crypto.PublicKey, len(cfg.VerifyKeys))}

	var (
		parsePriv func([]byte) (crypto.PrivateKey, error)
		parsePub  func([]byte) (crypto.PublicKey, error)
	)
	switch cfg.SigningMethod {
	case MethodEd25519:
		m.method = jwt.SigningMethodEdDSA
		parsePriv = parseEdPrivateKey
		parsePub = parseEdPublicKey
	case MethodRS256:
		m.method = jwt.SigningMethodRS256
		parsePriv = parseRSAPrivateKey
		parsePub = parseRSAPublicKey
	default:
		return nil, errors.New("unsupported signing method")
	}

	if len(cfg.PrivateKey) > 0 {
		key, err := parsePriv(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		m.signKey = key
	}
	if len(cfg.PublicKey) > 0 {
		key, err := parsePub(cfg.PublicKey)
		if err != nil {
			return nil, err
		}
		m.verifyKey = key
	}
	for kid, raw := range cfg.VerifyKeys {
		if strings.TrimSpace(kid) == "" {
			return nil, errors.New("verify key map contains empty kid")
		}
		key, err := parsePub(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid verify key for kid %q: %w", kid, err)
		}
		m.verifyKeys[kid] = key
	}
	if m.verifyKey == nil && len(m.verifyKeys) == 0 {
		return nil, errors.New("signing method requires public key or verify key set")
	}
	if cfg.KeyID != "" && len(m.verifyKeys) > 0 {
		if _, ok := m.verifyKeys[cfg.KeyID]; !ok {
			return nil, errors.New("KeyID is not present in VerifyKeys")
		}
	}

	return m, nil
}

// TTL returns the access-token lifetime.
func (m *Manager) TTL() time.Duration { return m.config.AccessTTL }

// Issue signs an access token for sub and returns it with its expiry.
func (m *Manager) Issue(sub Subject) (string, time.Time, error) {
	if m.signKey == nil {
		return "", time.Time{}, errors.New("manager has no signing key")
	}

	now := m.config.Now()
	expiresAt := now.Add(m.config.AccessTTL)

	claims := AccessClaims{
		SID:  sub.SessionID,
		Org:  sub.OrgID,
		Role: sub.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub.UserID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.config.Issuer,
		},
	}
	if m.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.config.Audience}
	}

	token := jwt.NewWithClaims(m.method, claims)
	if m.config.KeyID != "" {
		token.Header["kid"] = m.config.KeyID
	}

	signed, err := token.SignedString(m.signKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Parse verifies tokenStr. Failures wrap ErrExpired or ErrInvalid.
func (m *Manager) Parse(tokenStr string) (*AccessClaims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithTimeFunc(m.config.Now),
		jwt.WithExpirationRequired(),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}
	if m.config.Audience != "" {
		options = append(options, jwt.WithAudience(m.config.Audience))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &AccessClaims{}, m.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalid
	}
	if claims.Subject == "" || claims.SID == "" {
		return nil, fmt.Errorf("%w: missing sub or sid", ErrInvalid)
	}
	if claims.IssuedAt != nil {
		if claims.IssuedAt.Time.After(m.config.Now().Add(m.config.MaxFutureIAT)) {
			return nil, fmt.Errorf("%w: iat too far in the future", ErrInvalid)
		}
	}

	return claims, nil
}

func (m *Manager) keyFunc(t *jwt.Token) (interface{}, error) {
	if t.Method.Alg() != m.method.Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
	}

	kid, _ := t.Header["kid"].(string)
	if len(m.verifyKeys) > 0 {
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		key, ok := m.verifyKeys[kid]
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return key, nil
	}

	if m.config.KeyID != "" && kid != m.config.KeyID {
		return nil, errors.New("unknown kid")
	}
	return m.verifyKey, nil
}

func parseEdPrivateKey(key []byte) (crypto.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (crypto.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}

func parseRSAPrivateKey(key []byte) (crypto.PrivateKey, error) {
	parsed, err := jwt.ParseRSAPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid rsa private key")
	}
	return parsed, nil
}

func parseRSAPublicKey(key []byte) (crypto.PublicKey, error) {
	parsed, err := jwt.ParseRSAPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid rsa public key")
	}
	return parsed, nil
}
