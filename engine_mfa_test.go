package authcore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/authcore/store"
)

// enableMFA enrolls userID and returns the plaintext secret and backup codes.
func enableMFA(t *testing.T, env *testEnv, userID string) MFASetup {
	t.Helper()
	ctx := context.Background()

	setup, err := env.engine.InitMFASetup(ctx, userID)
	if err != nil {
		t.Fatalf("init mfa: %v", err)
	}
	code, err := env.engine.totp.Code(setup.Secret, env.clock.Now())
	if err != nil {
		t.Fatalf("totp code: %v", err)
	}
	ok, err := env.engine.VerifyAndEnableMFA(ctx, userID, code)
	if err != nil || !ok {
		t.Fatalf("enable mfa: %v / %v", ok, err)
	}
	return setup
}

func TestMFAEnrollmentAndSignIn(t *testing.T) {
	env := newTestEnv(t, nil)
	user := env.seedUser(t, "ada@example.com", "correct horse battery")
	ctx := context.Background()

	setup, err := env.engine.InitMFASetup(ctx, user.ID)
	if err != nil {
		t.Fatalf("init mfa: %v", err)
	}
	if setup.Secret == "" || len(setup.BackupCodes) != 10 {
		t.Fatalf("unexpected setup: %+v", setup)
	}
	if setup.QRPayload == "" {
		t.Fatal("expected otpauth payload")
	}

	stored, err := env.users.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if stored.MFAEnabled {
		t.Fatal("mfa must stay disabled until verified")
	}
	if stored.MFASecret == setup.Secret {
		t.Fatal("secret must be sealed at rest")
	}

	ok, err := env.engine.VerifyAndEnableMFA(ctx, user.ID, "000000")
	if err != nil {
		t.Fatalf("verify wrong code: %v", err)
	}
	if ok {
		// 000000 is a valid code roughly once in a million runs.
		t.Skip("random secret produced 000000")
	}

	code, err := env.engine.totp.Code(setup.Secret, env.clock.Now())
	if err != nil {
		t.Fatalf("totp code: %v", err)
	}
	ok, err = env.engine.VerifyAndEnableMFA(ctx, user.ID, code)
	if err != nil || !ok {
		t.Fatalf("enable: %v / %v", ok, err)
	}
	if _, err := env.engine.InitMFASetup(ctx, user.ID); CodeOf(err) != CodeMFAAlreadyEnabled {
		t.Fatalf("expected MFA_ALREADY_ENABLED, got %v", err)
	}

	res := env.signIn(t, "ada@example.com", "correct horse battery")
	if !res.MFARequired || res.ChallengeID == "" || res.SessionID != "" {
		t.Fatalf("expected pending challenge, got %+v", res)
	}
	if res.Tokens.AccessToken != "" {
		t.Fatal("no tokens before the challenge completes")
	}

	env.clock.Advance(30 * time.Second)
	code, _ = env.engine.totp.Code(setup.Secret, env.clock.Now())
	done, err := env.engine.VerifyMFAChallenge(ctx, res.ChallengeID, code, MFAMethodTOTP)
	if err != nil {
		t.Fatalf("verify challenge: %v", err)
	}
	if done.SessionID == "" || done.Tokens.AccessToken == "" {
		t.Fatalf("expected session, got %+v", done)
	}
	if _, err := env.engine.ValidateAccess(ctx, done.Tokens.AccessToken); err != nil {
		t.Fatalf("validate: %v", err)
	}

	// The challenge is single use.
	_, err = env.engine.VerifyMFAChallenge(ctx, res.ChallengeID, code, MFAMethodTOTP)
	assertCode(t, err, CodeChallengeExpired)

	ev, ok := env.events.last(EventSignedIn)
	if !ok || ev.Payload.(SignedIn).Method != signInMFA {
		t.Fatalf("expected mfa sign-in event, got %+v", ev)
	}
}

func TestMFAChallengeLocksAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t, nil)
	user := env.seedUser(t, "ada@example.com", "correct horse battery")
	setup := enableMFA(t, env, user.ID)
	ctx := context.Background()

	res := env.signIn(t, "ada@example.com", "correct horse battery")
	good, _ := env.engine.totp.Code(setup.Secret, env.clock.Now())
	bad := "000000"
	if bad == good {
		bad = "111111"
	}

	for i := 0; i < 2; i++ {
		_, err := env.engine.VerifyMFAChallenge(ctx, res.ChallengeID, bad, MFAMethodTOTP)
		assertCode(t, err, CodeMFAInvalidCode)
	}
	_, err := env.engine.VerifyMFAChallenge(ctx, res.ChallengeID, bad, MFAMethodTOTP)
	assertCode(t, err, CodeTooManyFailedAttempts)

	// Even the right code is refused once the challenge has failed.
	_, err = env.engine.VerifyMFAChallenge(ctx, res.ChallengeID, good, MFAMethodTOTP)
	assertCode(t, err, CodeTooManyFailedAttempts)

	if n := env.events.count(EventMFAChallengeFailed); n != 3 {
		t.Fatalf("expected 3 challenge failure events, got %d", n)
	}
	if env.engine.MetricsSnapshot().Counters[MetricMFAChallengeExhausted] != 1 {
		t.Fatal("expected exhausted counter")
	}
}

func TestMFAChallengeExpires(t *testing.T) {
	env := newTestEnv(t, nil)
	user := env.seedUser(t, "ada@example.com", "correct horse battery")
	setup := enableMFA(t, env, user.ID)

	res := env.signIn(t, "ada@example.com", "correct horse battery")
	env.clock.Advance(6 * time.Minute)
	code, _ := env.engine.totp.Code(setup.Secret, env.clock.Now())

	_, err := env.engine.VerifyMFAChallenge(context.Background(), res.ChallengeID, code, MFAMethodTOTP)
	assertCode(t, err, CodeChallengeExpired)
}

func TestMFAChallengeRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.engine.VerifyMFAChallenge(ctx, "mfa_whatever", "123456", "sms")
	assertCode(t, err, CodeMFAInvalidCode)

	_, err = env.engine.VerifyMFAChallenge(ctx, "not-a-challenge", "123456", MFAMethodTOTP)
	assertCode(t, err, CodeChallengeExpired)
}

func TestBackupCodeSignIn(t *testing.T) {
	env := newTestEnv(t, nil)
	user := env.seedUser(t, "ada@example.com", "correct horse battery")
	setup := enableMFA(t, env, user.ID)
	ctx := context.Background()

	res := env.signIn(t, "ada@example.com", "correct horse battery")
	done, err := env.engine.VerifyMFAChallenge(ctx, res.ChallengeID, setup.BackupCodes[0], MFAMethodBackupCode)
	if err != nil {
		t.Fatalf("backup code sign-in: %v", err)
	}
	if done.SessionID == "" {
		t.Fatal("expected session")
	}

	stored, _ := env.users.GetUserByID(ctx, user.ID)
	if len(stored.BackupCodes) != len(setup.BackupCodes)-1 {
		t.Fatalf("expected one code consumed, %d left", len(stored.BackupCodes))
	}

	// A used code does not work twice.
	res = env.signIn(t, "ada@example.com", "correct horse battery")
	_, err = env.engine.VerifyMFAChallenge(ctx, res.ChallengeID, setup.BackupCodes[0], MFAMethodBackupCode)
	assertCode(t, err, CodeMFAInvalidCode)

	ev, ok := env.events.last(EventBackupCodeUsed)
	if !ok || ev.Payload.(BackupCodeUsed).Remaining != len(setup.BackupCodes)-1 {
		t.Fatalf("unexpected backup code event %+v", ev)
	}
}

func TestConcurrentBackupCodeSingleUse(t *testing.T) {
	env := newTestEnv(t, nil)
	user := env.seedUser(t, "ada@example.com", "correct horse battery")
	setup := enableMFA(t, env, user.ID)

	const workers = 6
	challenges := make([]string, workers)
	for i := range challenges {
		challenges[i] = env.signIn(t, "ada@example.com", "correct horse battery").ChallengeID
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for _, id := range challenges {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := env.engine.VerifyMFAChallenge(context.Background(), id, setup.BackupCodes[3], MFAMethodBackupCode)
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one sign-in with the shared code, got %d", winners)
	}
}

func TestDisableMFA(t *testing.T) {
	env := newTestEnv(t, nil)
	user := env.seedUser(t, "ada@example.com", "correct horse battery")
	enableMFA(t, env, user.ID)
	ctx := context.Background()

	assertCode(t, env.engine.DisableMFA(ctx, user.ID, "wrong password"), CodeInvalidPassword)

	if err := env.engine.DisableMFA(ctx, user.ID, "correct horse battery"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	assertCode(t, env.engine.DisableMFA(ctx, user.ID, "correct horse battery"), CodeMFANotEnabled)

	stored, _ := env.users.GetUserByID(ctx, user.ID)
	if stored.MFAEnabled || stored.MFASecret != "" || len(stored.BackupCodes) != 0 {
		t.Fatalf("mfa material not cleared: %+v", stored)
	}

	res := env.signIn(t, "ada@example.com", "correct horse battery")
	if res.MFARequired {
		t.Fatal("sign-in must not require mfa after disabling")
	}
	if env.events.count(EventMFADisabled) != 1 {
		t.Fatal("expected mfa.disabled event")
	}
}

func TestRegenerateBackupCodes(t *testing.T) {
	env := newTestEnv(t, nil)
	user := env.seedUser(t, "ada@example.com", "correct horse battery")
	setup := enableMFA(t, env, user.ID)
	ctx := context.Background()

	_, err := env.engine.RegenerateBackupCodes(ctx, user.ID, "wrong password")
	assertCode(t, err, CodeInvalidPassword)

	codes, err := env.engine.RegenerateBackupCodes(ctx, user.ID, "correct horse battery")
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if len(codes) != 10 {
		t.Fatalf("expected 10 codes, got %d", len(codes))
	}

	res := env.signIn(t, "ada@example.com", "correct horse battery")
	_, err = env.engine.VerifyMFAChallenge(ctx, res.ChallengeID, setup.BackupCodes[0], MFAMethodBackupCode)
	assertCode(t, err, CodeMFAInvalidCode)

	res = env.signIn(t, "ada@example.com", "correct horse battery")
	if _, err := env.engine.VerifyMFAChallenge(ctx, res.ChallengeID, codes[0], MFAMethodBackupCode); err != nil {
		t.Fatalf("new code should work: %v", err)
	}
}

func TestRegenerateRequiresMFA(t *testing.T) {
	env := newTestEnv(t, nil)
	user := env.seedUser(t, "ada@example.com", "correct horse battery")

	_, err := env.engine.RegenerateBackupCodes(context.Background(), user.ID, "correct horse battery")
	assertCode(t, err, CodeMFANotEnabled)

	_, err = env.engine.VerifyAndEnableMFA(context.Background(), user.ID, "123456")
	assertCode(t, err, CodeMFANotEnabled)
}

func TestTOTPCodeCompletesOneChallenge(t *testing.T) {
	env := newTestEnv(t, nil)
	user := env.seedUser(t, "ada@example.com", "correct horse battery")
	setup := enableMFA(t, env, user.ID)
	ctx := context.Background()

	env.clock.Advance(30 * time.Second)
	code, _ := env.engine.totp.Code(setup.Secret, env.clock.Now())

	first := env.signIn(t, "ada@example.com", "correct horse battery")
	if _, err := env.engine.VerifyMFAChallenge(ctx, first.ChallengeID, code, MFAMethodTOTP); err != nil {
		t.Fatalf("first challenge: %v", err)
	}

	// A captured code is worthless on a fresh challenge within its window.
	second := env.signIn(t, "ada@example.com", "correct horse battery")
	_, err := env.engine.VerifyMFAChallenge(ctx, second.ChallengeID, code, MFAMethodTOTP)
	assertCode(t, err, CodeMFAInvalidCode)

	// The enrollment code's step is spent too.
	env.clock.Advance(-30 * time.Second)
	enrolled, _ := env.engine.totp.Code(setup.Secret, env.clock.Now())
	third := env.signIn(t, "ada@example.com", "correct horse battery")
	_, err = env.engine.VerifyMFAChallenge(ctx, third.ChallengeID, enrolled, MFAMethodTOTP)
	assertCode(t, err, CodeMFAInvalidCode)

	env.clock.Advance(60 * time.Second)
	code, _ = env.engine.totp.Code(setup.Secret, env.clock.Now())
	if _, err := env.engine.VerifyMFAChallenge(ctx, third.ChallengeID, code, MFAMethodTOTP); err != nil {
		t.Fatalf("next step should work: %v", err)
	}
}

func TestTOTPReplayAllowedWhenNotEnforced(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.MFA.EnforceReplayProtection = false
	})
	user := env.seedUser(t, "ada@example.com", "correct horse battery")
	setup := enableMFA(t, env, user.ID)
	ctx := context.Background()

	code, _ := env.engine.totp.Code(setup.Secret, env.clock.Now())
	for i := 0; i < 2; i++ {
		res := env.signIn(t, "ada@example.com", "correct horse battery")
		if _, err := env.engine.VerifyMFAChallenge(ctx, res.ChallengeID, code, MFAMethodTOTP); err != nil {
			t.Fatalf("challenge %d: %v", i, err)
		}
	}
}

// interleavedUsers runs beforeEnable once, just ahead of EnableMFA, to
// reproduce a setup that lands between verification and enabling.
type interleavedUsers struct {
	*store.Memory
	beforeEnable func()
}

func (u *interleavedUsers) EnableMFA(ctx context.Context, userID string, version, step int64) error {
	if fn := u.beforeEnable; fn != nil {
		u.beforeEnable = nil
		fn()
	}
	return u.Memory.EnableMFA(ctx, userID, version, step)
}

func TestEnableMFAAfterSetupReplaced(t *testing.T) {
	mem := store.NewMemory()
	users := &interleavedUsers{Memory: mem}
	env := newTestEnv(t, nil, func(b *Builder) { b.WithUsers(users) })
	env.users = mem
	user := env.seedUser(t, "ada@example.com", "correct horse battery")
	ctx := context.Background()

	first, err := env.engine.InitMFASetup(ctx, user.ID)
	if err != nil {
		t.Fatalf("init mfa: %v", err)
	}
	code, err := env.engine.totp.Code(first.Secret, env.clock.Now())
	if err != nil {
		t.Fatalf("totp code: %v", err)
	}

	// A second setup, e.g. from another tab, replaces the secret after the
	// first code was checked.
	var second MFASetup
	users.beforeEnable = func() {
		replaced, err := env.engine.InitMFASetup(ctx, user.ID)
		if err != nil {
			t.Errorf("second init: %v", err)
		}
		second = replaced
	}

	ok, err := env.engine.VerifyAndEnableMFA(ctx, user.ID, code)
	if err != nil {
		t.Fatalf("verify against replaced setup: %v", err)
	}
	if ok {
		t.Fatal("code for a replaced secret must not enable mfa")
	}
	stored, _ := env.users.GetUserByID(ctx, user.ID)
	if stored.MFAEnabled {
		t.Fatal("mfa enabled against a replaced secret")
	}

	code, _ = env.engine.totp.Code(second.Secret, env.clock.Now())
	ok, err = env.engine.VerifyAndEnableMFA(ctx, user.ID, code)
	if err != nil || !ok {
		t.Fatalf("enable with current secret: %v / %v", ok, err)
	}
	if stored, _ = env.users.GetUserByID(ctx, user.ID); stored.LastTOTPStep != env.clock.Now().Unix()/30 {
		t.Fatalf("enrollment step not recorded: %d", stored.LastTOTPStep)
	}
}
