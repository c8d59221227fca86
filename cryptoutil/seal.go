package cryptoutil

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required sealing key length (256 bits).
const KeySize = chacha20poly1305.KeySize

var (
	// ErrKeySize is returned by NewSealer for keys that are not KeySize bytes.
	ErrKeySize = errors.New("cryptoutil: sealing key must be 32 bytes")
	// ErrCorrupt means a sealed value failed authentication or decoding.
	// The record is unusable and must not be retried.
	ErrCorrupt = errors.New("cryptoutil: sealed value corrupt")
)

// Sealer encrypts short secrets with XChaCha20-Poly1305. The output is
// base64url(nonce || ciphertext) so it can be stored in text columns.
type Sealer struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewSealer builds a Sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: init aead: %w", err)
	}
	return &Sealer{aead: aead, rand: rand.Reader}, nil
}

// ParseKey decodes a base64 (standard or URL, padded or not) sealing key.
func ParseKey(encoded string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if key, err := enc.DecodeString(encoded); err == nil && len(key) == KeySize {
			return key, nil
		}
	}
	return nil, ErrKeySize
}

// Seal encrypts plaintext.
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return "", fmt.Errorf("cryptoutil: read nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrCorrupt
	}
	ns := s.aead.NonceSize()
	if len(raw) < ns+s.aead.Overhead() {
		return "", ErrCorrupt
	}
	plain, err := s.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrCorrupt
	}
	return string(plain), nil
}

// SealAll seals every element of values.
func (s *Sealer) SealAll(values []string) ([]string, error) {
	out := make([]string, 0, len(values))
	for _, v := range values {
		sealed, err := s.Seal(v)
		if err != nil {
			return nil, err
		}
		out = append(out, sealed)
	}
	return out, nil
}

// OpenAll opens every element of sealed, failing on the first corrupt one.
func (s *Sealer) OpenAll(sealed []string) ([]string, error) {
	out := make([]string, 0, len(sealed))
	for _, v := range sealed {
		plain, err := s.Open(v)
		if err != nil {
			return nil, err
		}
		out = append(out, plain)
	}
	return out, nil
}
