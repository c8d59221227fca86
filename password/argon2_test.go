package password

import (
	"errors"
	"strings"
	"testing"
)

func secureConfig() Config {
	cfg := DefaultConfig()
	// Keep the suite fast; production defaults are covered by TestDefaultConfig.
	cfg.Memory = 8 * 1024
	cfg.Time = 1
	cfg.Parallelism = 2
	return cfg
}

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher(secureConfig())
	if err != nil {
		t.Fatalf("NewHasher error: %v", err)
	}
	return h
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Memory != 65536 || cfg.Time != 3 || cfg.Parallelism != 4 || cfg.KeyLength != 32 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if _, err := NewHasher(cfg); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestHashAndVerify(t *testing.T) {
	hasher := newTestHasher(t)

	hash, err := hasher.Hash("P@ssw0rd-Ascii")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	if !strings.HasPrefix(hash, "$argon2id$v=19$m=8192,t=1,p=2$") {
		t.Fatalf("unexpected PHC prefix: %s", hash)
	}

	ok, err := hasher.Verify("P@ssw0rd-Ascii", hash)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if !ok {
		t.Fatal("expected password verification to succeed")
	}
}

func TestHashIsSalted(t *testing.T) {
	hasher := newTestHasher(t)

	a, _ := hasher.Hash("same-password")
	b, _ := hasher.Hash("same-password")
	if a == b {
		t.Fatal("two hashes of the same password must differ")
	}
}

func TestVerifyWrongPasswordIsNotAnError(t *testing.T) {
	hasher := newTestHasher(t)

	hash, err := hasher.Hash("correct-password")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	ok, err := hasher.Verify("wrong-password", hash)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if ok {
		t.Fatal("expected wrong password verification to fail")
	}
}

func TestNeedsRehash(t *testing.T) {
	oldHasher, err := NewHasher(Config{
		Memory:      8192,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	if err != nil {
		t.Fatalf("NewHasher(old) error: %v", err)
	}

	hash, err := oldHasher.Hash("test-password")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	newHasher := newTestHasher(t)
	needs, err := newHasher.NeedsRehash(hash)
	if err != nil {
		t.Fatalf("NeedsRehash error: %v", err)
	}
	if !needs {
		t.Fatal("expected NeedsRehash to return true for weaker hash parameters")
	}

	current, _ := newHasher.Hash("test-password")
	needs, err = newHasher.NeedsRehash(current)
	if err != nil || needs {
		t.Fatalf("expected current hash to need no rehash: needs=%v err=%v", needs, err)
	}
}

func TestVerifyMalformedHash(t *testing.T) {
	hasher := newTestHasher(t)

	for _, bad := range []string{
		"not-a-phc-hash",
		"$bcrypt$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=18$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=19$m=1,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=19$m=8192,t=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=19$m=8192,t=1,p=1$!!$aGFzaA",
	} {
		if _, err := hasher.Verify("password", bad); !errors.Is(err, ErrMalformedHash) {
			t.Fatalf("Verify(%q) err = %v, want ErrMalformedHash", bad, err)
		}
	}
}

func TestVerifyAcceptsPaddedLegacyEncoding(t *testing.T) {
	hasher := newTestHasher(t)

	hash, err := hasher.Hash("legacy-password")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	parts := strings.Split(hash, "$")
	for i := 4; i <= 5; i++ {
		for len(parts[i])%4 != 0 {
			parts[i] += "="
		}
	}
	padded := strings.Join(parts, "$")

	ok, err := hasher.Verify("legacy-password", padded)
	if err != nil || !ok {
		t.Fatalf("padded hash verify: ok=%v err=%v", ok, err)
	}
}

func TestHashEmptyPassword(t *testing.T) {
	hasher := newTestHasher(t)

	if _, err := hasher.Hash(""); !errors.Is(err, ErrEmptyPassword) {
		t.Fatalf("expected ErrEmptyPassword, got %v", err)
	}
}

func TestMaxPasswordBytes(t *testing.T) {
	cfg := secureConfig()
	cfg.MaxPasswordBytes = 64
	hasher, err := NewHasher(cfg)
	if err != nil {
		t.Fatalf("NewHasher error: %v", err)
	}

	if _, err := hasher.Hash(strings.Repeat("a", 65)); !errors.Is(err, ErrPasswordTooLong) {
		t.Fatalf("expected ErrPasswordTooLong, got %v", err)
	}

	exact := strings.Repeat("b", 64)
	hash, err := hasher.Hash(exact)
	if err != nil {
		t.Fatalf("expected exactly-max password to be accepted: %v", err)
	}

	ok, err := hasher.Verify(strings.Repeat("c", 65), hash)
	if err != nil || ok {
		t.Fatalf("overlong verify must be a plain mismatch: ok=%v err=%v", ok, err)
	}
}

func TestNewHasherRejectsWeakConfig(t *testing.T) {
	cfg := secureConfig()
	cfg.SaltLength = 8
	if _, err := NewHasher(cfg); err == nil {
		t.Fatal("expected short salt to be rejected")
	}
}
