package state

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hiddenbraintechnologies-sys/mobile-gateway/auth"
)

// SessionsTable is the persistent session/device registry. Tokens are
// stateless; this table exists for revocation bookkeeping and the device
// inventory. Implements auth.SessionRegistry.
type SessionsTable struct {
	db *sqlx.DB
}

func NewSessionsTable(db *sqlx.DB) *SessionsTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS gateway_sessions (
		session_id TEXT NOT NULL PRIMARY KEY,
		user_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		device_name TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL DEFAULT '',
		app_version TEXT NOT NULL DEFAULT '',
		revoked BOOL NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS gateway_sessions_user_idx ON gateway_sessions(tenant_id, user_id);
	CREATE INDEX IF NOT EXISTS gateway_sessions_device_idx ON gateway_sessions(tenant_id, user_id, device_id);
	`)
	return &SessionsTable{db}
}

func (t *SessionsTable) CreateSession(ctx context.Context, s *auth.Session) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO gateway_sessions(session_id, user_id, tenant_id, device_id, device_name, platform, app_version, revoked, created_at, last_seen_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $9)`,
		s.ID, s.UserID, s.TenantID, s.DeviceID, s.DeviceName, s.Platform, s.AppVersion, s.CreatedAt, s.LastSeenAt,
	)
	return err
}

func (t *SessionsTable) Session(ctx context.Context, sessionID string) (*auth.Session, error) {
	var s auth.Session
	err := t.db.GetContext(ctx, &s, `
		SELECT session_id, user_id, tenant_id, device_id, device_name, platform, app_version, revoked, created_at, last_seen_at
		FROM gateway_sessions WHERE session_id = $1`, sessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *SessionsTable) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	_, err := t.db.ExecContext(ctx, `UPDATE gateway_sessions SET last_seen_at = $2 WHERE session_id = $1`, sessionID, at)
	return err
}

func (t *SessionsTable) UpdateSessionTenant(ctx context.Context, sessionID, tenantID string) error {
	_, err := t.db.ExecContext(ctx, `UPDATE gateway_sessions SET tenant_id = $2 WHERE session_id = $1`, sessionID, tenantID)
	return err
}

func (t *SessionsTable) RevokeSession(ctx context.Context, sessionID string) error {
	_, err := t.db.ExecContext(ctx, `UPDATE gateway_sessions SET revoked = TRUE WHERE session_id = $1`, sessionID)
	return err
}

func (t *SessionsTable) SessionsForUser(ctx context.Context, tenantID, userID string) ([]auth.Session, error) {
	var sessions []auth.Session
	err := t.db.SelectContext(ctx, &sessions, `
		SELECT session_id, user_id, tenant_id, device_id, device_name, platform, app_version, revoked, created_at, last_seen_at
		FROM gateway_sessions
		WHERE tenant_id = $1 AND user_id = $2 AND revoked = FALSE
		ORDER BY last_seen_at DESC`, tenantID, userID)
	return sessions, err
}

func (t *SessionsTable) RevokeDevice(ctx context.Context, tenantID, userID, deviceID string) (bool, error) {
	res, err := t.db.ExecContext(ctx, `
		UPDATE gateway_sessions SET revoked = TRUE
		WHERE tenant_id = $1 AND user_id = $2 AND device_id = $3`, tenantID, userID, deviceID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
