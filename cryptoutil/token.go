package cryptoutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// Token prefixes.
const (
	RefreshTokenPrefix = "rt_"
	ChallengePrefix    = "mfa_"
)

const opaqueTokenBytes = 32

// NewOpaqueToken returns prefix followed by 32 random bytes in base64url.
func NewOpaqueToken(prefix string) (string, error) {
	var raw [opaqueTokenBytes]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return prefix + base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// ValidOpaqueToken reports whether token has prefix and a well-formed body.
// It does not say anything about whether the token was ever issued.
func ValidOpaqueToken(prefix, token string) bool {
	body, ok := strings.CutPrefix(token, prefix)
	if !ok {
		return false
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	return err == nil && len(raw) == opaqueTokenBytes
}

// HashToken returns the hex SHA-256 digest stored in place of a bearer token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
