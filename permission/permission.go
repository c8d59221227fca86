package permission

import "sort"

// Wildcard grants every permission when present in a resolved set.
const Wildcard = "*"

// Built-in role names.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Permission keys shipped with the built-in roles.
const (
	OrgRead       = "org:read"
	OrgUpdate     = "org:update"
	OrgDelete     = "org:delete"
	MemberRead    = "member:read"
	MemberInvite  = "member:invite"
	MemberUpdate  = "member:update"
	MemberRemove  = "member:remove"
	WebhookRead   = "webhook:read"
	WebhookManage = "webhook:manage"
	AuditRead     = "audit:read"
)

// Role is a custom role an organization can attach to a membership.
type Role struct {
	ID          string
	Name        string
	Key         string
	Permissions []string
}

// Membership binds one user to one organization.
type Membership struct {
	UserID      string
	OrgID       string
	Role        string
	Permissions []string
	CustomRole  *Role
}

// Set is a resolved permission set.
type Set map[string]struct{}

// Has reports whether p is in the set. The wildcard is not expanded here.
func (s Set) Has(p string) bool {
	_, ok := s[p]
	return ok
}

// Sorted returns the members of s in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Resolve returns explicit ∪ role permissions for m using the default roles.
func Resolve(m Membership) Set {
	return defaultRoles.Resolve(m)
}

// HasPermission reports whether m grants any of required using the default roles.
func HasPermission(m Membership, required ...string) bool {
	return defaultRoles.HasPermission(m, required...)
}
