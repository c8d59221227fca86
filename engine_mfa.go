package authcore

import (
	"context"
	"errors"

	"github.com/MrEthical07/authcore/cryptoutil"
	"github.com/MrEthical07/authcore/mfa"
	"github.com/MrEthical07/authcore/session"
	"github.com/MrEthical07/authcore/store"
)

// backupSwapRetries bounds compare-and-swap retries when concurrent writers
// race on the same user's backup codes.
const backupSwapRetries = 3

// InitMFASetup starts TOTP enrollment. The secret and backup codes are
// stored sealed while MFA stays disabled until [Engine.VerifyAndEnableMFA]
// succeeds. Calling it again before enabling replaces the pending setup.
func (e *Engine) InitMFASetup(ctx context.Context, userID string) (MFASetup, error) {
	if e == nil {
		return MFASetup{}, ErrEngineNotReady
	}

	user, err := e.loadUser(ctx, userID)
	if err != nil {
		return MFASetup{}, err
	}
	if user.MFAEnabled {
		return MFASetup{}, ErrMFAAlreadyEnabled
	}

	enrollment, err := e.totp.Generate(user.Email)
	if err != nil {
		return MFASetup{}, err
	}
	codes, err := cryptoutil.GenerateBackupCodes(e.config.MFA.BackupCodeCount)
	if err != nil {
		return MFASetup{}, err
	}

	sealedSecret, err := e.sealer.Seal(enrollment.Secret)
	if err != nil {
		return MFASetup{}, err
	}
	sealedCodes, err := e.sealer.SealAll(codes)
	if err != nil {
		return MFASetup{}, err
	}

	if err := e.users.SaveMFASetup(ctx, user.ID, sealedSecret, sealedCodes); err != nil {
		if field, ok := store.ConflictField(err); ok && field == store.FieldMFAEnabled {
			return MFASetup{}, ErrMFAAlreadyEnabled
		}
		return MFASetup{}, unavailable(err)
	}

	return MFASetup{
		Secret:      enrollment.Secret,
		QRPayload:   enrollment.URL,
		BackupCodes: codes,
	}, nil
}

// VerifyAndEnableMFA confirms enrollment with a code from the
// authenticator. It returns false, without error, for a wrong code.
func (e *Engine) VerifyAndEnableMFA(ctx context.Context, userID, code string) (bool, error) {
	if e == nil {
		return false, ErrEngineNotReady
	}

	user, err := e.loadUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if user.MFAEnabled {
		return false, ErrMFAAlreadyEnabled
	}
	if user.MFASecret == "" {
		return false, ErrMFANotEnabled
	}

	step, ok, err := e.verifyTOTP(user, code)
	if err != nil {
		return false, err
	}
	if !ok {
		e.metricInc(MetricMFAFailure)
		return false, nil
	}

	// The version pins the secret the code was checked against; a setup
	// started meanwhile replaces it and the user has to scan again.
	if err := e.users.EnableMFA(ctx, user.ID, user.MFAVersion, step); err != nil {
		if field, ok := store.ConflictField(err); !ok || field != store.FieldMFAVersion {
			return false, unavailable(err)
		}
		current, err := e.loadUser(ctx, user.ID)
		if err != nil {
			return false, err
		}
		if current.MFAEnabled {
			return false, ErrMFAAlreadyEnabled
		}
		e.metricInc(MetricMFAFailure)
		return false, nil
	}

	e.metricInc(MetricMFAEnabled)
	e.publish(ctx, MFAEnabled{UserID: user.ID})
	return true, nil
}

// VerifyMFAChallenge completes a sign-in that [Engine.Authenticate] left
// pending. method is MFAMethodTOTP or MFAMethodBackupCode. Every call uses
// one attempt; once the attempt cap is spent the challenge is failed for
// good and even a correct code gets TOO_MANY_FAILED_ATTEMPTS. Concurrent
// correct submissions produce exactly one session.
func (e *Engine) VerifyMFAChallenge(ctx context.Context, challengeID, code, method string) (*AuthResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if method != MFAMethodTOTP && method != MFAMethodBackupCode {
		return nil, withReason(ErrMFAInvalidCode, "unknown_method")
	}
	if !cryptoutil.ValidOpaqueToken(cryptoutil.ChallengePrefix, challengeID) {
		return nil, ErrChallengeExpired
	}

	ch, err := e.challenges.Attempt(ctx, challengeID)
	if err != nil {
		return nil, e.challengeError(err)
	}

	user, err := e.loadUser(ctx, ch.UserID)
	if err != nil {
		return nil, err
	}
	if !user.MFAEnabled {
		return nil, ErrMFANotEnabled
	}

	var ok bool
	if method == MFAMethodBackupCode {
		ok, err = e.consumeBackupCode(ctx, user, code)
	} else {
		ok, err = e.acceptTOTP(ctx, user, code)
	}
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, e.challengeFailed(ctx, ch, method)
	}

	if err := e.challenges.Complete(ctx, challengeID); err != nil {
		return nil, e.challengeError(err)
	}

	e.metricInc(MetricMFASuccess)
	signIn := signInMFA
	if method == MFAMethodBackupCode {
		signIn = signInBackupCode
	}
	return e.createSession(ctx, user.ID, session.Device{
		IP:        ch.IP,
		UserAgent: ch.UserAgent,
		Label:     ch.DeviceLabel,
	}, signIn)
}

func (e *Engine) challengeFailed(ctx context.Context, ch mfa.Challenge, method string) error {
	e.metricInc(MetricMFAFailure)
	if method == MFAMethodBackupCode {
		e.metricInc(MetricBackupCodeFailed)
	}

	exhausted := ch.Remaining() == 0
	e.publish(ctx, MFAChallengeFailed{
		UserID:    ch.UserID,
		Method:    method,
		Attempts:  ch.Attempts,
		Exhausted: exhausted,
	})

	if !exhausted {
		return ErrMFAInvalidCode
	}
	if err := e.challenges.Fail(ctx, ch.ID); err != nil && !errors.Is(err, mfa.ErrChallengeNotFound) {
		e.logger.Printf("authcore: mark challenge failed: %v", err)
	}
	e.metricInc(MetricMFAChallengeExhausted)
	return ErrTooManyFailedAttempts
}

func (e *Engine) challengeError(err error) error {
	switch {
	case errors.Is(err, mfa.ErrChallengeExhausted):
		return ErrTooManyFailedAttempts
	case errors.Is(err, mfa.ErrChallengeExpired),
		errors.Is(err, mfa.ErrChallengeNotFound):
		return ErrChallengeExpired
	default:
		return unavailable(err)
	}
}

// DisableMFA turns MFA off after re-verifying the user's password. The
// sealed secret and backup codes are discarded.
func (e *Engine) DisableMFA(ctx context.Context, userID, password string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	user, err := e.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if !user.MFAEnabled {
		return ErrMFANotEnabled
	}
	if !e.passwordMatches(user, password) {
		return ErrInvalidPassword
	}

	if err := e.users.DisableMFA(ctx, user.ID); err != nil {
		if field, ok := store.ConflictField(err); ok && field == store.FieldMFAEnabled {
			return ErrMFANotEnabled
		}
		return unavailable(err)
	}

	e.metricInc(MetricMFADisabled)
	e.publish(ctx, MFADisabled{UserID: user.ID})
	return nil
}

// RegenerateBackupCodes replaces every backup code after re-verifying the
// user's password and returns the new plaintext codes.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, userID, password string) ([]string, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	user, err := e.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.MFAEnabled {
		return nil, ErrMFANotEnabled
	}
	if !e.passwordMatches(user, password) {
		return nil, ErrInvalidPassword
	}

	codes, err := cryptoutil.GenerateBackupCodes(e.config.MFA.BackupCodeCount)
	if err != nil {
		return nil, err
	}
	sealed, err := e.sealer.SealAll(codes)
	if err != nil {
		return nil, err
	}

	for i := 0; ; i++ {
		err = e.users.SwapBackupCodes(ctx, user.ID, user.MFAVersion, sealed)
		if err == nil {
			break
		}
		field, conflict := store.ConflictField(err)
		if !conflict || field != store.FieldMFAVersion || i == backupSwapRetries-1 {
			return nil, unavailable(err)
		}
		if user, err = e.loadUser(ctx, userID); err != nil {
			return nil, err
		}
		if !user.MFAEnabled {
			return nil, ErrMFANotEnabled
		}
	}

	e.metricInc(MetricBackupCodesRegenerated)
	e.publish(ctx, BackupCodesRegenerated{UserID: user.ID, Count: len(codes)})
	return codes, nil
}

// consumeBackupCode removes code from the user's list with a
// compare-and-swap on MFAVersion. Of concurrent callers presenting the same
// code exactly one gets true.
func (e *Engine) consumeBackupCode(ctx context.Context, user store.User, code string) (bool, error) {
	for i := 0; i < backupSwapRetries; i++ {
		codes, err := e.sealer.OpenAll(user.BackupCodes)
		if err != nil {
			return false, err
		}
		idx := cryptoutil.MatchBackupCode(codes, code)
		if idx < 0 {
			return false, nil
		}

		remaining := append(append([]string(nil), user.BackupCodes[:idx]...), user.BackupCodes[idx+1:]...)
		err = e.users.SwapBackupCodes(ctx, user.ID, user.MFAVersion, remaining)
		if err == nil {
			e.metricInc(MetricBackupCodeUsed)
			e.publish(ctx, BackupCodeUsed{UserID: user.ID, Remaining: len(remaining)})
			return true, nil
		}
		if field, ok := store.ConflictField(err); !ok || field != store.FieldMFAVersion {
			return false, unavailable(err)
		}

		// Lost the race: reload and look again. A code consumed by the
		// winner is gone from the fresh list.
		if user, err = e.loadUser(ctx, user.ID); err != nil {
			return false, err
		}
		if !user.MFAEnabled {
			return false, nil
		}
	}
	return false, nil
}

// acceptTOTP verifies a sign-in code and, with replay protection on, claims
// its time step so the same code cannot complete a second challenge.
func (e *Engine) acceptTOTP(ctx context.Context, user store.User, code string) (bool, error) {
	step, ok, err := e.verifyTOTP(user, code)
	if err != nil || !ok {
		return false, err
	}
	if !e.config.MFA.EnforceReplayProtection {
		return true, nil
	}
	if err := e.users.RecordTOTPStep(ctx, user.ID, step); err != nil {
		if field, ok := store.ConflictField(err); ok && field == store.FieldTOTPStep {
			return false, nil
		}
		return false, unavailable(err)
	}
	return true, nil
}

func (e *Engine) verifyTOTP(user store.User, code string) (int64, bool, error) {
	secret, err := e.sealer.Open(user.MFASecret)
	if err != nil {
		return 0, false, err
	}
	return e.totp.Match(secret, code, e.now())
}

func (e *Engine) loadUser(ctx context.Context, userID string) (store.User, error) {
	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		if store.IsNotFound(err) {
			return store.User{}, ErrInvalidCredentials
		}
		return store.User{}, unavailable(err)
	}
	return user, nil
}
