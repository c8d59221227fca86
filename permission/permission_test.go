package permission

import (
	"reflect"
	"testing"
)

func TestResolveUnionsExplicitAndRolePermissions(t *testing.T) {
	m := Membership{
		UserID:      "u1",
		OrgID:       "o1",
		Role:        RoleMember,
		Permissions: []string{"billing:read"},
	}

	got := Resolve(m).Sorted()
	want := []string{"billing:read", MemberRead, OrgRead, WebhookRead}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("resolve = %v, want %v", got, want)
	}
}

func TestResolveCustomRoleReplacesPrimitiveDefaults(t *testing.T) {
	m := Membership{
		Role:       RoleAdmin,
		CustomRole: &Role{Key: "auditor", Permissions: []string{AuditRead}},
	}

	set := Resolve(m)
	if !set.Has(AuditRead) {
		t.Fatalf("expected custom role permission")
	}
	if set.Has(OrgUpdate) {
		t.Fatalf("admin defaults must not apply when a custom role is linked")
	}
}

func TestOwnerGrantsAnything(t *testing.T) {
	m := Membership{Role: RoleOwner}
	if !HasPermission(m, "anything:at:all") {
		t.Fatalf("owner must be granted any permission")
	}
	if !HasPermission(m) {
		t.Fatalf("owner must be granted even with no required permissions")
	}
}

func TestWildcardGrantsAnything(t *testing.T) {
	m := Membership{Role: RoleMember, Permissions: []string{Wildcard}}
	if !HasPermission(m, OrgDelete) {
		t.Fatalf("wildcard must grant org:delete")
	}

	custom := Membership{CustomRole: &Role{Permissions: []string{Wildcard}}}
	if !HasPermission(custom, MemberRemove) {
		t.Fatalf("wildcard on custom role must grant member:remove")
	}
}

func TestBuiltinRoleDefaults(t *testing.T) {
	tests := []struct {
		role     string
		required string
		want     bool
	}{
		{RoleAdmin, OrgUpdate, true},
		{RoleAdmin, MemberUpdate, true},
		{RoleAdmin, OrgDelete, false},
		{RoleAdmin, MemberRemove, false},
		{RoleMember, OrgRead, true},
		{RoleMember, OrgUpdate, false},
		{"unknown", OrgRead, false},
	}

	for _, tt := range tests {
		got := HasPermission(Membership{Role: tt.role}, tt.required)
		if got != tt.want {
			t.Fatalf("%s/%s = %v, want %v", tt.role, tt.required, got, tt.want)
		}
	}
}

func TestHasPermissionMatchesAnyRequired(t *testing.T) {
	m := Membership{Role: RoleMember}
	if !HasPermission(m, OrgDelete, OrgRead) {
		t.Fatalf("intersection on any required permission must grant")
	}
	if HasPermission(m, OrgDelete, MemberRemove) {
		t.Fatalf("no intersection must deny")
	}
}

func TestRoleManagerRejectsUnknownPermission(t *testing.T) {
	rm := NewRoleManager(NewDefaultRegistry())
	if err := rm.RegisterRole("weird", []string{"nope:nope"}); err == nil {
		t.Fatalf("expected unknown permission error")
	}
	if err := rm.RegisterRole("reader", []string{OrgRead}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := rm.RegisterRole("reader", []string{OrgRead}); err == nil {
		t.Fatalf("expected duplicate role error")
	}
	rm.Freeze()
	if err := rm.RegisterRole("late", []string{OrgRead}); err == nil {
		t.Fatalf("expected frozen error")
	}
}

func TestRegistryFreezeAndWildcard(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register(Wildcard); err == nil {
		t.Fatalf("wildcard must not be registrable")
	}
	if added, err := r.Register("x:y"); err != nil || !added {
		t.Fatalf("register: added=%v err=%v", added, err)
	}
	if added, _ := r.Register("x:y"); added {
		t.Fatalf("duplicate register must report false")
	}
	r.Freeze()
	if _, err := r.Register("z"); err == nil {
		t.Fatalf("expected frozen error")
	}
	if !r.Has(Wildcard) || !r.Has("x:y") || r.Has("z") {
		t.Fatalf("unexpected registry contents %v", r.Keys())
	}
}
