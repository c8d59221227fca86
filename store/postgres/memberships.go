package postgres

import (
	"context"
	"database/sql"

	"github.com/MrEthical07/authcore/permission"
	"github.com/MrEthical07/authcore/store"
)

const entityMembership = "membership"

var _ store.Memberships = (*Store)(nil)

func (s *Store) GetMembership(ctx context.Context, userID, orgID string) (permission.Membership, error) {
	var (
		m         permission.Membership
		explicit  []byte
		roleID    sql.NullString
		roleName  sql.NullString
		roleKey   sql.NullString
		rolePerms []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select m.user_id, m.org_id, m.role, m.permissions, r.id, r.name, r.key, r.permissions
		from memberships m
		left join roles r on r.id = m.role_id
		where m.user_id = $1 and m.org_id = $2
	`, userID, orgID).Scan(&m.UserID, &m.OrgID, &m.Role, &explicit, &roleID, &roleName, &roleKey, &rolePerms)
	if err != nil {
		return permission.Membership{}, classify(entityMembership, "", err)
	}

	if m.Permissions, err = decodeStrings(explicit); err != nil {
		return permission.Membership{}, err
	}
	if roleID.Valid {
		perms, err := decodeStrings(rolePerms)
		if err != nil {
			return permission.Membership{}, err
		}
		m.CustomRole = &permission.Role{
			ID:          roleID.String,
			Name:        roleName.String,
			Key:         roleKey.String,
			Permissions: perms,
		}
	}
	return m, nil
}

// PutMembership inserts or replaces a membership. A custom role must already
// exist; roleID empty links none.
func (s *Store) PutMembership(ctx context.Context, m permission.Membership, roleID string) error {
	perms, err := encodeStrings(m.Permissions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into memberships (user_id, org_id, role, role_id, permissions)
		values ($1, $2, $3, $4, $5)
		on conflict (user_id, org_id) do update
		set role = excluded.role, role_id = excluded.role_id, permissions = excluded.permissions
	`, m.UserID, m.OrgID, m.Role, nullIfEmpty(roleID), perms)
	return classify(entityMembership, "", err)
}
