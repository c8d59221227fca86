package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
)

func newEdKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	return pub, priv
}

func newRSAPEM(t *testing.T) (pubPEM, privPEM []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	privPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal rsa public key: %v", err)
	}
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return pubPEM, privPEM
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestManager(t *testing.T, clock *fakeClock) (*Manager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv := newEdKeys(t)
	m, err := NewManager(Config{
		AccessTTL:     15 * time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
		Issuer:        "authcore",
		Audience:      "api",
		Now:           clock.Now,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, priv
}

func TestIssueAndParseRoundTrip(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m, _ := newTestManager(t, clock)

	token, exp, err := m.Issue(Subject{UserID: "u1", SessionID: "s1", OrgID: "o1", Role: "admin"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !exp.Equal(clock.now.Add(15 * time.Minute)) {
		t.Fatalf("expiresAt = %v", exp)
	}

	claims, err := m.Parse(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID() != "u1" || claims.SID != "s1" || claims.Org != "o1" || claims.Role != "admin" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if claims.Issuer != "authcore" || len(claims.Audience) != 1 || claims.Audience[0] != "api" {
		t.Fatalf("unexpected iss/aud %+v", claims.RegisteredClaims)
	}
}

func TestParseExpiredMapsToErrExpired(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m, _ := newTestManager(t, clock)

	token, _, err := m.Issue(Subject{UserID: "u1", SessionID: "s1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	clock.now = clock.now.Add(16 * time.Minute)
	if _, err := m.Parse(token); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestParseRejectsWrongAlgorithm(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m, _ := newTestManager(t, clock)

	claims := AccessClaims{SID: "s1", RegisteredClaims: gjwt.RegisteredClaims{
		Subject:   "u1",
		Issuer:    "authcore",
		Audience:  gjwt.ClaimStrings{"api"},
		ExpiresAt: gjwt.NewNumericDate(clock.now.Add(time.Minute)),
	}}
	tok := gjwt.NewWithClaims(gjwt.SigningMethodHS256, claims)
	token, err := tok.SignedString([]byte("secret-secret-secret-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := m.Parse(token); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected wrong algorithm to be rejected as invalid, got %v", err)
	}

	none := gjwt.NewWithClaims(gjwt.SigningMethodNone, claims)
	unsigned, _ := none.SignedString(gjwt.UnsafeAllowNoneSignatureType)
	if _, err := m.Parse(unsigned); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected alg=none to be rejected, got %v", err)
	}
}

func TestParseIssuerAudienceAndSignature(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m, priv := newTestManager(t, clock)
	_, otherPriv := newEdKeys(t)

	base := func(iss, aud string) AccessClaims {
		return AccessClaims{SID: "s1", RegisteredClaims: gjwt.RegisteredClaims{
			Subject:   "u1",
			Issuer:    iss,
			Audience:  gjwt.ClaimStrings{aud},
			ExpiresAt: gjwt.NewNumericDate(clock.now.Add(time.Minute)),
			IssuedAt:  gjwt.NewNumericDate(clock.now),
		}}
	}

	cases := map[string]struct {
		claims AccessClaims
		key    ed25519.PrivateKey
	}{
		"wrong issuer":   {base("other", "api"), priv},
		"wrong audience": {base("authcore", "other-api"), priv},
		"foreign key":    {base("authcore", "api"), otherPriv},
	}
	for name, tc := range cases {
		signed, _ := gjwt.NewWithClaims(gjwt.SigningMethodEdDSA, tc.claims).SignedString(tc.key)
		if _, err := m.Parse(signed); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}

func TestParseRequiresSubjectAndSession(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m, priv := newTestManager(t, clock)

	claims := AccessClaims{RegisteredClaims: gjwt.RegisteredClaims{
		Subject:   "u1",
		Issuer:    "authcore",
		Audience:  gjwt.ClaimStrings{"api"},
		ExpiresAt: gjwt.NewNumericDate(clock.now.Add(time.Minute)),
	}}
	signed, _ := gjwt.NewWithClaims(gjwt.SigningMethodEdDSA, claims).SignedString(priv)
	if _, err := m.Parse(signed); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected missing sid to be invalid, got %v", err)
	}
}

func TestRS256RoundTrip(t *testing.T) {
	pubPEM, privPEM := newRSAPEM(t)
	m, err := NewManager(Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodRS256,
		PrivateKey:    privPEM,
		PublicKey:     pubPEM,
		Issuer:        "authcore",
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	token, _, err := m.Issue(Subject{UserID: "u1", SessionID: "s1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Parse(token); err != nil {
		t.Fatalf("parse: %v", err)
	}
}

func TestParseUnknownKidFails(t *testing.T) {
	pub1, priv1 := newEdKeys(t)
	pub2, _ := newEdKeys(t)
	m, err := NewManager(Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv1,
		PublicKey:     pub1,
		KeyID:         "k1",
		VerifyKeys:    map[string][]byte{"k1": pub1},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	claims := AccessClaims{SID: "s1", RegisteredClaims: gjwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}
	tok := gjwt.NewWithClaims(gjwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = "k2"
	token, err := tok.SignedString(priv1)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := m.Parse(token); err == nil {
		t.Fatal("expected unknown kid failure")
	}

	good, _, err := m.Issue(Subject{UserID: "u1", SessionID: "s1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Parse(good); err != nil {
		t.Fatalf("expected known kid token to pass: %v", err)
	}

	m2, _ := NewManager(Config{AccessTTL: time.Minute, SigningMethod: MethodEd25519, VerifyKeys: map[string][]byte{"k1": pub2}})
	if _, err := m2.Parse(good); err == nil {
		t.Fatal("expected parse failure with mismatched key set")
	}
}

func TestNewManagerRejectsUnsupportedMethod(t *testing.T) {
	if _, err := NewManager(Config{AccessTTL: time.Minute, SigningMethod: "hs256", PrivateKey: []byte("x")}); err == nil {
		t.Fatal("symmetric signing must be rejected")
	}
}
