package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/tidwall/sjson"

	"github.com/hiddenbraintechnologies-sys/mobile-gateway/sqlutil"
	"github.com/hiddenbraintechnologies-sys/mobile-gateway/syncer"
)

// RecordsTable is the authoritative copy of the business records mobile
// clients sync against. Deletes are soft so they propagate to offline
// clients as tombstone changes. Implements syncer.RecordStore.
type RecordsTable struct {
	db *sqlx.DB
}

type recordRow struct {
	TenantID    string `db:"tenant_id"`
	Entity      string `db:"entity"`
	RecordID    string `db:"record_id"`
	Data        string `db:"data"`
	CreatedAtMs int64  `db:"created_at_ms"`
	UpdatedAtMs int64  `db:"updated_at_ms"`
	Deleted     bool   `db:"deleted"`
}

type recordRowChunker []recordRow

func (c recordRowChunker) Len() int {
	return len(c)
}
func (c recordRowChunker) Subslice(i, j int) sqlutil.Chunker {
	return c[i:j]
}

func NewRecordsTable(db *sqlx.DB) *RecordsTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS gateway_records (
		tenant_id TEXT NOT NULL,
		entity TEXT NOT NULL,
		record_id TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at_ms BIGINT NOT NULL,
		updated_at_ms BIGINT NOT NULL,
		deleted BOOL NOT NULL DEFAULT FALSE,
		PRIMARY KEY (tenant_id, entity, record_id)
	);
	CREATE INDEX IF NOT EXISTS gateway_records_changes_idx ON gateway_records(tenant_id, entity, updated_at_ms);
	`)
	return &RecordsTable{db}
}

func (t *RecordsTable) Record(ctx context.Context, tenantID, entity, id string) (*syncer.Record, error) {
	var row recordRow
	err := t.db.GetContext(ctx, &row, `
		SELECT record_id, data, created_at_ms, updated_at_ms, deleted FROM gateway_records
		WHERE tenant_id = $1 AND entity = $2 AND record_id = $3`, tenantID, entity, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rowToRecord(&row), nil
}

func (t *RecordsTable) ApplyChange(ctx context.Context, tenantID, entity string, change syncer.PendingChange, nowMs int64) error {
	if change.Action == syncer.ActionDelete {
		// tombstone upsert so deleting an unknown id is a safe retry
		_, err := t.db.ExecContext(ctx, `
			INSERT INTO gateway_records(tenant_id, entity, record_id, data, created_at_ms, updated_at_ms, deleted)
			VALUES($1, $2, $3, 'null', $4, $4, TRUE)
			ON CONFLICT (tenant_id, entity, record_id) DO UPDATE SET
				updated_at_ms = $4, deleted = TRUE`,
			tenantID, entity, change.ID, nowMs,
		)
		return err
	}
	doc, err := stampDocument(change.Payload, change.ID, nowMs)
	if err != nil {
		return fmt.Errorf("ApplyChange: %w", err)
	}
	_, err = t.db.ExecContext(ctx, `
		INSERT INTO gateway_records(tenant_id, entity, record_id, data, created_at_ms, updated_at_ms, deleted)
		VALUES($1, $2, $3, $4, $5, $5, FALSE)
		ON CONFLICT (tenant_id, entity, record_id) DO UPDATE SET
			data = EXCLUDED.data, updated_at_ms = $5, deleted = FALSE`,
		tenantID, entity, change.ID, doc, nowMs,
	)
	return err
}

func (t *RecordsTable) ChangesSince(ctx context.Context, tenantID, entity string, sinceMs int64, offset, limit int) ([]syncer.Record, error) {
	var rows []recordRow
	err := t.db.SelectContext(ctx, &rows, `
		SELECT record_id, data, created_at_ms, updated_at_ms, deleted FROM gateway_records
		WHERE tenant_id = $1 AND entity = $2 AND updated_at_ms > $3
		ORDER BY updated_at_ms ASC, record_id ASC
		LIMIT $4 OFFSET $5`, tenantID, entity, sinceMs, limit, offset)
	if err != nil {
		return nil, err
	}
	records := make([]syncer.Record, len(rows))
	for i := range rows {
		records[i] = *rowToRecord(&rows[i])
	}
	return records, nil
}

// BulkImport loads many records at once, chunked to stay under the
// driver's bind parameter limit. Used by provisioning and tests.
func (t *RecordsTable) BulkImport(tenantID, entity string, records []syncer.Record) error {
	rows := make([]recordRow, len(records))
	for i := range records {
		rows[i] = recordRow{
			TenantID:    tenantID,
			Entity:      entity,
			RecordID:    records[i].ID,
			Data:        string(records[i].Data),
			CreatedAtMs: records[i].CreatedAtMs,
			UpdatedAtMs: records[i].UpdatedAtMs,
			Deleted:     records[i].Deleted,
		}
	}
	return sqlutil.WithTransaction(t.db, func(txn *sqlx.Tx) error {
		chunks := sqlutil.Chunkify(7, 65535, recordRowChunker(rows))
		for _, chunk := range chunks {
			_, err := txn.NamedExec(`
				INSERT INTO gateway_records (tenant_id, entity, record_id, data, created_at_ms, updated_at_ms, deleted)
				VALUES (:tenant_id, :entity, :record_id, :data, :created_at_ms, :updated_at_ms, :deleted)
				ON CONFLICT (tenant_id, entity, record_id) DO UPDATE SET
					data = EXCLUDED.data, updated_at_ms = EXCLUDED.updated_at_ms, deleted = EXCLUDED.deleted`, chunk)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func rowToRecord(row *recordRow) *syncer.Record {
	return &syncer.Record{
		ID:          row.RecordID,
		Data:        json.RawMessage(row.Data),
		CreatedAtMs: row.CreatedAtMs,
		UpdatedAtMs: row.UpdatedAtMs,
		Deleted:     row.Deleted,
	}
}

// stampDocument writes the record id and server timestamp into the stored
// document so clients receiving it back can see when the server accepted
// the write.
func stampDocument(payload json.RawMessage, id string, nowMs int64) ([]byte, error) {
	doc, err := sjson.SetBytes(payload, "id", id)
	if err != nil {
		return nil, err
	}
	doc, err = sjson.SetBytes(doc, "serverUpdatedAtMs", nowMs)
	if err != nil {
		return nil, err
	}
	return doc, nil
}
