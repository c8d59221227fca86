package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrEthical07/authcore/permission"
)

const (
	entityUser       = "user"
	entityMembership = "membership"
)

// Memory is an in-process Users and Memberships implementation. It is safe
// for concurrent use and is what the test suites and local tooling run on.
type Memory struct {
	mu          sync.Mutex
	users       map[string]User
	byEmail     map[string]string
	memberships map[string]permission.Membership
	now         func() time.Time
}

var (
	_ Users       = (*Memory)(nil)
	_ Memberships = (*Memory)(nil)
)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		users:       make(map[string]User),
		byEmail:     make(map[string]string),
		memberships: make(map[string]permission.Membership),
		now:         time.Now,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func membershipKey(userID, orgID string) string { return userID + "\x00" + orgID }

func cloneUser(u User) User {
	if u.BackupCodes != nil {
		u.BackupCodes = append([]string(nil), u.BackupCodes...)
	}
	return u
}

func (m *Memory) CreateUser(_ context.Context, in NewUser) (User, error) {
	email := normalizeEmail(in.Email)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byEmail[email]; exists {
		return User{}, Conflict(entityUser, FieldEmail)
	}
	now := m.now().UTC()
	u := User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: in.PasswordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.users[u.ID] = u
	m.byEmail[email] = u.ID
	return cloneUser(u), nil
}

func (m *Memory) GetUserByID(_ context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return User{}, NotFound(entityUser)
	}
	return cloneUser(u), nil
}

func (m *Memory) GetUserByEmail(_ context.Context, email string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byEmail[normalizeEmail(email)]
	if !ok {
		return User{}, NotFound(entityUser)
	}
	return cloneUser(m.users[id]), nil
}

// update runs fn against the stored user under the lock and persists the
// result when fn returns nil.
func (m *Memory) update(userID string, fn func(u *User) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return NotFound(entityUser)
	}
	if err := fn(&u); err != nil {
		return err
	}
	u.UpdatedAt = m.now().UTC()
	m.users[userID] = u
	return nil
}

func (m *Memory) RecordLoginFailure(_ context.Context, userID string, maxAttempts int, lockFor time.Duration, now time.Time) (LoginFailure, error) {
	var out LoginFailure
	err := m.update(userID, func(u *User) error {
		u.FailedAttempts++
		out.Attempts = u.FailedAttempts
		if maxAttempts > 0 && u.FailedAttempts >= maxAttempts {
			u.LockedUntil = now.Add(lockFor)
			u.FailedAttempts = 0
			out.LockedUntil = u.LockedUntil
		}
		return nil
	})
	return out, err
}

func (m *Memory) ResetLoginFailures(_ context.Context, userID string) error {
	return m.update(userID, func(u *User) error {
		u.FailedAttempts = 0
		u.LockedUntil = time.Time{}
		return nil
	})
}

func (m *Memory) UpdatePasswordHash(_ context.Context, userID, hash string) error {
	return m.update(userID, func(u *User) error {
		u.PasswordHash = hash
		return nil
	})
}

func (m *Memory) SaveMFASetup(_ context.Context, userID, secret string, backupCodes []string) error {
	return m.update(userID, func(u *User) error {
		if u.MFAEnabled {
			return Conflict(entityUser, FieldMFAEnabled)
		}
		u.MFASecret = secret
		u.BackupCodes = append([]string(nil), backupCodes...)
		u.MFAVersion++
		return nil
	})
}

func (m *Memory) EnableMFA(_ context.Context, userID string, version, step int64) error {
	return m.update(userID, func(u *User) error {
		if u.MFAEnabled || u.MFAVersion != version {
			return Conflict(entityUser, FieldMFAVersion)
		}
		u.MFAEnabled = true
		u.MFAVersion++
		u.LastTOTPStep = step
		return nil
	})
}

func (m *Memory) RecordTOTPStep(_ context.Context, userID string, step int64) error {
	return m.update(userID, func(u *User) error {
		if step <= u.LastTOTPStep {
			return Conflict(entityUser, FieldTOTPStep)
		}
		u.LastTOTPStep = step
		return nil
	})
}

func (m *Memory) DisableMFA(_ context.Context, userID string) error {
	return m.update(userID, func(u *User) error {
		if !u.MFAEnabled {
			return Conflict(entityUser, FieldMFAEnabled)
		}
		u.MFAEnabled = false
		u.MFASecret = ""
		u.BackupCodes = nil
		u.MFAVersion++
		return nil
	})
}

func (m *Memory) SwapBackupCodes(_ context.Context, userID string, version int64, backupCodes []string) error {
	return m.update(userID, func(u *User) error {
		if u.MFAVersion != version {
			return Conflict(entityUser, FieldMFAVersion)
		}
		u.BackupCodes = append([]string(nil), backupCodes...)
		u.MFAVersion++
		return nil
	})
}

// PutMembership stores or replaces a membership.
func (m *Memory) PutMembership(ms permission.Membership) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memberships[membershipKey(ms.UserID, ms.OrgID)] = ms
}

func (m *Memory) GetMembership(_ context.Context, userID, orgID string) (permission.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.memberships[membershipKey(userID, orgID)]
	if !ok {
		return permission.Membership{}, NotFound(entityMembership)
	}
	return ms, nil
}
