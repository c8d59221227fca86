package permission

import (
	"errors"
	"fmt"
	"sync"
)

// RoleManager holds the default permission sets of primitive role names.
// It is used when a membership has no custom role attached.
type RoleManager struct {
	registry *Registry

	mu     sync.RWMutex
	roles  map[string][]string
	frozen bool
}

var defaultRoles = NewDefaultRoleManager()

// NewRoleManager returns an empty manager validating against registry.
func NewRoleManager(registry *Registry) *RoleManager {
	return &RoleManager{
		registry: registry,
		roles:    make(map[string][]string),
	}
}

// NewDefaultRoleManager returns a frozen manager with the built-in roles:
// owner gets everything, admin can read and update organizations and members
// but not delete, member is read-only.
func NewDefaultRoleManager() *RoleManager {
	rm := NewRoleManager(NewDefaultRegistry())
	_ = rm.RegisterRole(RoleOwner, []string{Wildcard})
	_ = rm.RegisterRole(RoleAdmin, []string{
		OrgRead, OrgUpdate,
		MemberRead, MemberInvite, MemberUpdate,
		WebhookRead, WebhookManage,
		AuditRead,
	})
	_ = rm.RegisterRole(RoleMember, []string{OrgRead, MemberRead, WebhookRead})
	rm.Freeze()
	return rm
}

// RegisterRole binds roleName to permissionNames. Every name must be known
// to the registry.
func (rm *RoleManager) RegisterRole(roleName string, permissionNames []string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.frozen {
		return errors.New("role manager frozen")
	}
	if roleName == "" {
		return errors.New("role name empty")
	}
	if _, exists := rm.roles[roleName]; exists {
		return errors.New("role already registered")
	}
	for _, p := range permissionNames {
		if rm.registry != nil && !rm.registry.Has(p) {
			return fmt.Errorf("role %q references unknown permission %q", roleName, p)
		}
	}

	rm.roles[roleName] = append([]string(nil), permissionNames...)
	return nil
}

// Permissions returns the default permission list of roleName.
func (rm *RoleManager) Permissions(roleName string) ([]string, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	perms, ok := rm.roles[roleName]
	return perms, ok
}

// Freeze prevents further registrations.
func (rm *RoleManager) Freeze() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.frozen = true
}

// Resolve returns explicit ∪ role permissions. A linked custom role
// replaces the primitive role's defaults.
func (rm *RoleManager) Resolve(m Membership) Set {
	out := make(Set, len(m.Permissions))
	for _, p := range m.Permissions {
		out[p] = struct{}{}
	}

	if m.CustomRole != nil {
		for _, p := range m.CustomRole.Permissions {
			out[p] = struct{}{}
		}
		return out
	}

	if perms, ok := rm.Permissions(m.Role); ok {
		for _, p := range perms {
			out[p] = struct{}{}
		}
	}
	return out
}

// HasPermission reports whether m is the owner, holds the wildcard, or holds
// at least one of required.
func (rm *RoleManager) HasPermission(m Membership, required ...string) bool {
	if m.Role == RoleOwner {
		return true
	}
	resolved := rm.Resolve(m)
	if resolved.Has(Wildcard) {
		return true
	}
	for _, p := range required {
		if resolved.Has(p) {
			return true
		}
	}
	return false
}
