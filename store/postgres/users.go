package postgres

import (
	"context"
	"database/sql"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrEthical07/authcore/store"
)

const entityUser = "user"

var _ store.Users = (*Store)(nil)

const userColumns = `id, email, password_hash, mfa_enabled, mfa_secret, backup_codes, mfa_version,
		last_totp_step, failed_attempts, locked_until, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (store.User, error) {
	var (
		u       store.User
		secret  sql.NullString
		codes   []byte
		lockedT sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.MFAEnabled, &secret, &codes, &u.MFAVersion,
		&u.LastTOTPStep, &u.FailedAttempts, &lockedT, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return store.User{}, err
	}
	u.MFASecret = secret.String
	if lockedT.Valid {
		u.LockedUntil = lockedT.Time
	}
	decoded, err := decodeStrings(codes)
	if err != nil {
		return store.User{}, err
	}
	if len(decoded) > 0 {
		u.BackupCodes = decoded
	}
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, in store.NewUser) (store.User, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	now := s.now().UTC()
	row := s.db.QueryRowContext(ctx, `
		insert into users (id, email, password_hash, created_at, updated_at)
		values ($1, $2, $3, $4, $4)
		returning `+userColumns, uuid.NewString(), email, in.PasswordHash, now)
	u, err := scanUser(row)
	if err != nil {
		return store.User{}, classify(entityUser, store.FieldEmail, err)
	}
	return u, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (store.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
	if err != nil {
		return store.User{}, classify(entityUser, "", err)
	}
	return u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email = $1`, strings.ToLower(strings.TrimSpace(email))))
	if err != nil {
		return store.User{}, classify(entityUser, "", err)
	}
	return u, nil
}

func (s *Store) RecordLoginFailure(ctx context.Context, userID string, maxAttempts int, lockFor time.Duration, now time.Time) (store.LoginFailure, error) {
	if maxAttempts <= 0 {
		maxAttempts = math.MaxInt32
	}
	lockUntil := now.Add(lockFor).UTC()

	var (
		attempts int
		locked   bool
	)
	err := s.db.QueryRowContext(ctx, `
		update users u set
			failed_attempts = case when prev.failed_attempts + 1 >= $2 then 0 else prev.failed_attempts + 1 end,
			locked_until = case when prev.failed_attempts + 1 >= $2 then $3 else u.locked_until end,
			updated_at = $4
		from (select id, failed_attempts from users where id = $1 for update) prev
		where u.id = prev.id
		returning prev.failed_attempts + 1, prev.failed_attempts + 1 >= $2
	`, userID, maxAttempts, lockUntil, now.UTC()).Scan(&attempts, &locked)
	if err != nil {
		return store.LoginFailure{}, classify(entityUser, "", err)
	}

	out := store.LoginFailure{Attempts: attempts}
	if locked {
		out.LockedUntil = lockUntil
	}
	return out, nil
}

func (s *Store) ResetLoginFailures(ctx context.Context, userID string) error {
	return s.execUser(ctx, "", `
		update users set failed_attempts = 0, locked_until = null, updated_at = $2
		where id = $1
	`, userID, s.now().UTC())
}

func (s *Store) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	return s.execUser(ctx, "", `
		update users set password_hash = $2, updated_at = $3
		where id = $1
	`, userID, hash, s.now().UTC())
}

func (s *Store) SaveMFASetup(ctx context.Context, userID, secret string, backupCodes []string) error {
	codes, err := encodeStrings(backupCodes)
	if err != nil {
		return err
	}
	return s.execUser(ctx, store.FieldMFAEnabled, `
		update users set mfa_secret = $2, backup_codes = $3, mfa_version = mfa_version + 1, updated_at = $4
		where id = $1 and not mfa_enabled
	`, userID, secret, codes, s.now().UTC())
}

func (s *Store) EnableMFA(ctx context.Context, userID string, version, step int64) error {
	return s.execUser(ctx, store.FieldMFAVersion, `
		update users set mfa_enabled = true, mfa_version = mfa_version + 1, last_totp_step = $3, updated_at = $4
		where id = $1 and not mfa_enabled and mfa_version = $2
	`, userID, version, step, s.now().UTC())
}

func (s *Store) RecordTOTPStep(ctx context.Context, userID string, step int64) error {
	return s.execUser(ctx, store.FieldTOTPStep, `
		update users set last_totp_step = $2, updated_at = $3
		where id = $1 and last_totp_step < $2
	`, userID, step, s.now().UTC())
}

func (s *Store) DisableMFA(ctx context.Context, userID string) error {
	return s.execUser(ctx, store.FieldMFAEnabled, `
		update users set mfa_enabled = false, mfa_secret = null, backup_codes = '[]',
			mfa_version = mfa_version + 1, updated_at = $2
		where id = $1 and mfa_enabled
	`, userID, s.now().UTC())
}

func (s *Store) SwapBackupCodes(ctx context.Context, userID string, version int64, backupCodes []string) error {
	codes, err := encodeStrings(backupCodes)
	if err != nil {
		return err
	}
	return s.execUser(ctx, store.FieldMFAVersion, `
		update users set backup_codes = $3, mfa_version = mfa_version + 1, updated_at = $4
		where id = $1 and mfa_version = $2
	`, userID, version, codes, s.now().UTC())
}

// execUser runs a single-row update guarded by a condition. When no row
// changes it tells a missing user apart from a failed guard, which is
// reported as a conflict on conflictField.
func (s *Store) execUser(ctx context.Context, conflictField, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(entityUser, conflictField, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.Unavailable(entityUser, err)
	}
	if n > 0 {
		return nil
	}
	if conflictField == "" {
		return store.NotFound(entityUser)
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from users where id = $1)`, args[0]).Scan(&exists); err != nil {
		return store.Unavailable(entityUser, err)
	}
	if !exists {
		return store.NotFound(entityUser)
	}
	return store.Conflict(entityUser, conflictField)
}
