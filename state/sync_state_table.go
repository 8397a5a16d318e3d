package state

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hiddenbraintechnologies-sys/mobile-gateway/syncer"
)

// SyncStateTable stores one row per (tenant, user, entity) triple.
// Implements syncer.StateStore.
type SyncStateTable struct {
	db *sqlx.DB
}

type syncStateRow struct {
	TenantID      string    `db:"tenant_id"`
	UserID        string    `db:"user_id"`
	Entity        string    `db:"entity"`
	ServerVersion int64     `db:"server_version"`
	LastSyncedAt  time.Time `db:"last_synced_at"`
	Checksum      string    `db:"checksum"`
}

func NewSyncStateTable(db *sqlx.DB) *SyncStateTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS gateway_sync_state (
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		entity TEXT NOT NULL,
		server_version BIGINT NOT NULL,
		last_synced_at TIMESTAMPTZ NOT NULL,
		checksum TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (tenant_id, user_id, entity)
	);
	`)
	return &SyncStateTable{db}
}

func (t *SyncStateTable) State(ctx context.Context, tenantID, userID, entity string) (*syncer.SyncState, error) {
	var row syncStateRow
	err := t.db.GetContext(ctx, &row, `
		SELECT tenant_id, user_id, entity, server_version, last_synced_at, checksum
		FROM gateway_sync_state WHERE tenant_id = $1 AND user_id = $2 AND entity = $3`,
		tenantID, userID, entity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &syncer.SyncState{
		TenantID:      row.TenantID,
		UserID:        row.UserID,
		Entity:        row.Entity,
		ServerVersion: row.ServerVersion,
		LastSyncedAt:  row.LastSyncedAt,
		Checksum:      row.Checksum,
	}, nil
}

func (t *SyncStateTable) UpsertState(ctx context.Context, s *syncer.SyncState) error {
	// GREATEST keeps server_version non-decreasing even if two calls for
	// the same triple race; that is a client bug but must not corrupt the
	// monotonicity invariant
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO gateway_sync_state(tenant_id, user_id, entity, server_version, last_synced_at, checksum)
		VALUES($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, user_id, entity) DO UPDATE SET
			server_version = GREATEST(gateway_sync_state.server_version, EXCLUDED.server_version),
			last_synced_at = EXCLUDED.last_synced_at,
			checksum = EXCLUDED.checksum`,
		s.TenantID, s.UserID, s.Entity, s.ServerVersion, s.LastSyncedAt, s.Checksum,
	)
	return err
}
