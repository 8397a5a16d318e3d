package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/hiddenbraintechnologies-sys/mobile-gateway/auth"
)

// UsersTable reads the slice of the tenant manager's user data that the
// mobile layer needs: credentials for login and tenant memberships for
// scoping tokens. Implements auth.UserDirectory.
type UsersTable struct {
	db *sqlx.DB
}

type membershipRow struct {
	TenantID    string `db:"tenant_id"`
	TenantName  string `db:"tenant_name"`
	Role        string `db:"role"`
	Permissions string `db:"permissions"`
}

func NewUsersTable(db *sqlx.DB) *UsersTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS gateway_users (
		user_id TEXT NOT NULL PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		password_hash BYTEA NOT NULL
	);
	CREATE TABLE IF NOT EXISTS gateway_tenant_members (
		user_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		tenant_name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'member',
		permissions TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (user_id, tenant_id)
	);
	`)
	return &UsersTable{db}
}

func (t *UsersTable) UserByEmail(ctx context.Context, email string) (*auth.User, error) {
	var u auth.User
	err := t.db.GetContext(ctx, &u, `
		SELECT user_id, email, name, password_hash FROM gateway_users WHERE email = $1`, email)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (t *UsersTable) Memberships(ctx context.Context, userID string) ([]auth.TenantMembership, error) {
	var rows []membershipRow
	err := t.db.SelectContext(ctx, &rows, `
		SELECT tenant_id, tenant_name, role, permissions FROM gateway_tenant_members
		WHERE user_id = $1 ORDER BY tenant_id ASC`, userID)
	if err != nil {
		return nil, err
	}
	memberships := make([]auth.TenantMembership, len(rows))
	for i := range rows {
		var perms []string
		if err := json.Unmarshal([]byte(rows[i].Permissions), &perms); err != nil {
			return nil, fmt.Errorf("Memberships: corrupt permissions for user %s tenant %s: %w", userID, rows[i].TenantID, err)
		}
		memberships[i] = auth.TenantMembership{
			TenantID:    rows[i].TenantID,
			TenantName:  rows[i].TenantName,
			Role:        rows[i].Role,
			Permissions: perms,
		}
	}
	return memberships, nil
}

func (t *UsersTable) UpsertUser(txn *sqlx.Tx, u *auth.User) error {
	_, err := txn.Exec(`
		INSERT INTO gateway_users(user_id, email, name, password_hash) VALUES($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET email = EXCLUDED.email, name = EXCLUDED.name, password_hash = EXCLUDED.password_hash`,
		u.ID, u.Email, u.Name, u.PasswordHash,
	)
	return err
}

func (t *UsersTable) UpsertMembership(txn *sqlx.Tx, userID string, m *auth.TenantMembership) error {
	perms, err := json.Marshal(m.Permissions)
	if err != nil {
		return err
	}
	_, err = txn.Exec(`
		INSERT INTO gateway_tenant_members(user_id, tenant_id, tenant_name, role, permissions)
		VALUES($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, tenant_id) DO UPDATE SET tenant_name = EXCLUDED.tenant_name, role = EXCLUDED.role, permissions = EXCLUDED.permissions`,
		userID, m.TenantID, m.TenantName, m.Role, string(perms),
	)
	return err
}
