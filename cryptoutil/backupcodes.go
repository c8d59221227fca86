package cryptoutil

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"math/big"
	"strings"
)

// BackupCodeAlphabet omits characters that are easy to confuse (0/O, 1/I).
const BackupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// BackupCodeLength is the number of alphabet characters in a code.
const BackupCodeLength = 10

// GenerateBackupCodes returns n formatted codes such as "ABCDE-FGH23".
func GenerateBackupCodes(n int) ([]string, error) {
	if n <= 0 {
		return nil, errors.New("cryptoutil: backup code count must be > 0")
	}
	out := make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	for len(out) < n {
		code, err := newBackupCode(BackupCodeLength)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, FormatBackupCode(code))
	}
	return out, nil
}

func newBackupCode(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := cryptoRandomIndex(len(BackupCodeAlphabet))
		if err != nil {
			return "", err
		}
		b.WriteByte(BackupCodeAlphabet[n])
	}
	return b.String(), nil
}

// FormatBackupCode inserts a hyphen in the middle of codes of 8+ characters.
func FormatBackupCode(code string) string {
	n := len(code)
	if n < 8 {
		return code
	}
	mid := n / 2
	return code[:mid] + "-" + code[mid:]
}

// CanonicalBackupCode upper-cases input and strips hyphens and spaces.
func CanonicalBackupCode(code string) string {
	s := strings.ToUpper(strings.TrimSpace(code))
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

// MatchBackupCode returns the index of input in codes (both canonicalised),
// or -1. Every candidate is compared so timing does not leak the position.
func MatchBackupCode(codes []string, input string) int {
	want := []byte(CanonicalBackupCode(input))
	match := -1
	for i, c := range codes {
		if subtle.ConstantTimeCompare([]byte(CanonicalBackupCode(c)), want) == 1 && match < 0 {
			match = i
		}
	}
	return match
}

func cryptoRandomIndex(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, err
	}
	return int(n.Int64()), nil
}
