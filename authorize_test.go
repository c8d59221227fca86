package authcore

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authcore/permission"
)

func signedInContext(t *testing.T, env *testEnv, email string) (AuthContext, *AuthResult) {
	t.Helper()
	env.seedUser(t, email, "correct horse battery")
	res := env.signIn(t, email, "correct horse battery")
	ac, err := env.engine.ValidateAccess(context.Background(), res.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	return ac, res
}

func TestAuthorizeBuiltinRoles(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	owner, _ := signedInContext(t, env, "owner@example.com")
	member, _ := signedInContext(t, env, "member@example.com")
	env.users.PutMembership(permission.Membership{UserID: owner.UserID, OrgID: "org-1", Role: permission.RoleOwner})
	env.users.PutMembership(permission.Membership{UserID: member.UserID, OrgID: "org-1", Role: permission.RoleMember})

	owner.OrgID = "org-1"
	member.OrgID = "org-1"

	if err := env.engine.Authorize(ctx, owner, permission.OrgDelete); err != nil {
		t.Fatalf("owner should hold every permission: %v", err)
	}
	if err := env.engine.Authorize(ctx, member, permission.OrgRead); err != nil {
		t.Fatalf("member should read: %v", err)
	}

	err := env.engine.Authorize(ctx, member, permission.OrgDelete)
	assertCode(t, err, CodeInsufficientPermissions)
	var ae *Error
	if !errors.As(err, &ae) || ae.Detail(DetailRequired) != permission.OrgDelete {
		t.Fatalf("expected required detail, got %+v", err)
	}

	// Any one of the listed permissions is enough.
	if err := env.engine.Authorize(ctx, member, permission.OrgDelete, permission.MemberRead); err != nil {
		t.Fatalf("member holds one of the permissions: %v", err)
	}
	// Membership alone passes an empty requirement.
	if err := env.engine.Authorize(ctx, member); err != nil {
		t.Fatalf("membership check: %v", err)
	}

	if env.events.count(EventPermissionDenied) != 1 {
		t.Fatal("expected one permission.denied event")
	}
}

func TestAuthorizeNonMember(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	ac, _ := signedInContext(t, env, "ada@example.com")
	assertCode(t, env.engine.Authorize(ctx, ac, permission.OrgRead), CodeInsufficientPermissions)

	ac.OrgID = "org-elsewhere"
	assertCode(t, env.engine.Authorize(ctx, ac, permission.OrgRead), CodeInsufficientPermissions)
	assertCode(t, env.engine.Authorize(ctx, ac), CodeInsufficientPermissions)
}

func TestPermissionsResolved(t *testing.T) {
	env := newTestEnv(t, nil)
	ac, _ := signedInContext(t, env, "ada@example.com")
	env.users.PutMembership(permission.Membership{
		UserID:      ac.UserID,
		OrgID:       "org-1",
		Role:        permission.RoleMember,
		Permissions: []string{permission.AuditRead},
	})
	ac.OrgID = "org-1"

	got, err := env.engine.Permissions(context.Background(), ac)
	if err != nil {
		t.Fatalf("permissions: %v", err)
	}
	want := []string{permission.AuditRead, permission.MemberRead, permission.OrgRead, permission.WebhookRead}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected permissions %v, want %v", got, want)
	}
}

func TestSwitchOrganization(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	ac, res := signedInContext(t, env, "ada@example.com")
	env.users.PutMembership(permission.Membership{UserID: ac.UserID, OrgID: "org-1", Role: permission.RoleAdmin})

	_, _, err := env.engine.SwitchOrganization(ctx, ac, "org-2")
	assertCode(t, err, CodeInsufficientPermissions)

	token, exp, err := env.engine.SwitchOrganization(ctx, ac, "org-1")
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	if exp.IsZero() {
		t.Fatal("expected expiry")
	}

	scoped, err := env.engine.ValidateAccess(ctx, token)
	if err != nil {
		t.Fatalf("validate scoped token: %v", err)
	}
	if scoped.OrgID != "org-1" || scoped.Role != permission.RoleAdmin || scoped.SessionID != ac.SessionID {
		t.Fatalf("unexpected scoped context %+v", scoped)
	}
	if err := env.engine.Authorize(ctx, scoped, permission.MemberInvite); err != nil {
		t.Fatalf("admin should invite: %v", err)
	}

	// Refresh keeps the organization scope.
	next, err := env.engine.Refresh(ctx, res.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	refreshed, err := env.engine.ValidateAccess(ctx, next.AccessToken)
	if err != nil {
		t.Fatalf("validate refreshed: %v", err)
	}
	if refreshed.OrgID != "org-1" || refreshed.Role != permission.RoleAdmin {
		t.Fatalf("refresh dropped the scope: %+v", refreshed)
	}

	if env.events.count(EventOrganizationSwitched) != 1 {
		t.Fatal("expected organization switched event")
	}
}

func TestSwitchOrganizationRevokedSession(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	ac, _ := signedInContext(t, env, "ada@example.com")
	env.users.PutMembership(permission.Membership{UserID: ac.UserID, OrgID: "org-1", Role: permission.RoleMember})
	if err := env.engine.Revoke(ctx, ac.SessionID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	_, _, err := env.engine.SwitchOrganization(ctx, ac, "org-1")
	if err == nil {
		t.Fatal("switching a revoked session must fail")
	}
}

func TestCustomRoles(t *testing.T) {
	env := newTestEnv(t, nil, func(b *Builder) {
		b.WithPermissions([]string{"billing:read", "billing:manage"}).
			WithRoles(map[string][]string{
				"billing":             {"billing:read", "billing:manage"},
				permission.RoleMember: {permission.OrgRead},
			})
	})
	ctx := context.Background()

	billing, _ := signedInContext(t, env, "billing@example.com")
	member, _ := signedInContext(t, env, "member@example.com")
	owner, _ := signedInContext(t, env, "owner@example.com")
	env.users.PutMembership(permission.Membership{UserID: billing.UserID, OrgID: "org-1", Role: "billing"})
	env.users.PutMembership(permission.Membership{UserID: member.UserID, OrgID: "org-1", Role: permission.RoleMember})
	env.users.PutMembership(permission.Membership{UserID: owner.UserID, OrgID: "org-1", Role: permission.RoleOwner})
	billing.OrgID, member.OrgID, owner.OrgID = "org-1", "org-1", "org-1"

	if err := env.engine.Authorize(ctx, billing, "billing:manage"); err != nil {
		t.Fatalf("billing role: %v", err)
	}
	assertCode(t, env.engine.Authorize(ctx, billing, permission.OrgRead), CodeInsufficientPermissions)

	// The overridden member role lost member:read.
	assertCode(t, env.engine.Authorize(ctx, member, permission.MemberRead), CodeInsufficientPermissions)
	if err := env.engine.Authorize(ctx, owner, "billing:manage"); err != nil {
		t.Fatalf("owner keeps the wildcard: %v", err)
	}
}

func TestCustomRolesRejectUnknownPermission(t *testing.T) {
	env := newTestEnv(t, nil)
	rdb := redis.NewClient(&redis.Options{Addr: env.mr.Addr()})
	defer rdb.Close()

	_, err := New().
		WithConfig(testConfig(t)).
		WithRedis(rdb).
		WithUsers(env.users).
		WithRoles(map[string][]string{"ghost": {"not:registered"}}).
		Build()
	if err == nil {
		t.Fatal("expected unknown permission to fail Build")
	}
}
