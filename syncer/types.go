// Package syncer reconciles batches of offline client changes against the
// authoritative server copy, one entity type per call. Conflict policy is
// last-writer-wins by timestamp; there is no field-level merging.
package syncer

import (
	"context"
	"encoding/json"
	"time"
)

// Action is what a change does to a record.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func (a Action) Valid() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDelete
}

// Resolution says who won a conflict.
type Resolution string

const (
	ResolutionClientWins Resolution = "client_wins"
	ResolutionServerWins Resolution = "server_wins"
	ResolutionManual     Resolution = "manual"
)

// PendingChange is one offline edit submitted by a client. Ephemeral; it
// exists only for the duration of one sync call.
type PendingChange struct {
	ID                string          `json:"id"`
	Action            Action          `json:"action"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	ClientTimestampMs int64           `json:"clientTimestampMs"`
}

// ServerChange is one server-side mutation shipped back to the client.
type ServerChange struct {
	ID                string          `json:"id"`
	Action            Action          `json:"action"`
	Data              json.RawMessage `json:"data,omitempty"`
	ServerTimestampMs int64           `json:"serverTimestampMs"`
}

// Conflict pairs a client change with the server data it collided with.
// Never persisted; the client must re-submit if it disagrees.
type Conflict struct {
	ClientChange PendingChange   `json:"clientChange"`
	ServerData   json.RawMessage `json:"serverData,omitempty"`
	Resolution   Resolution      `json:"resolution"`
}

// FailedChange reports a change that errored during application. The
// client should not assume the change took effect.
type FailedChange struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Request is the body of POST /sync.
type Request struct {
	Entity         string          `json:"entity"`
	LastSyncedAt   *time.Time      `json:"lastSyncedAt"`
	ClientVersion  string          `json:"clientVersion,omitempty"`
	PendingChanges []PendingChange `json:"pendingChanges"`
	Cursor         string          `json:"cursor,omitempty"`
}

// Response is the outcome of one sync cycle for one entity.
type Response struct {
	Entity        string         `json:"entity"`
	ServerVersion int64          `json:"serverVersion"`
	SyncedAt      time.Time      `json:"syncedAt"`
	Changes       []ServerChange `json:"changes"`
	Conflicts     []Conflict     `json:"conflicts"`
	Processed     []string       `json:"processed"`
	Failed        []FailedChange `json:"failed,omitempty"`
	Checksum      string         `json:"checksum"`
	HasMore       bool           `json:"hasMore"`
	NextCursor    string         `json:"nextCursor,omitempty"`
}

// BatchRequest is the body of POST /sync/batch.
type BatchRequest struct {
	Entities []Request `json:"entities"`
}

type BatchResponse struct {
	Results []BatchResult `json:"results"`
}

// BatchResult is one entity's outcome. Exactly one of Response or Error is
// set; one entity failing does not affect the others.
type BatchResult struct {
	Entity   string     `json:"entity"`
	Response *Response  `json:"response,omitempty"`
	Error    *WireError `json:"error,omitempty"`
}

type WireError struct {
	Code      string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// SyncState is the server-held cursor for one (tenant, user, entity)
// triple. ServerVersion is monotonically non-decreasing across calls.
type SyncState struct {
	TenantID      string
	UserID        string
	Entity        string
	ServerVersion int64
	LastSyncedAt  time.Time
	Checksum      string
}

// StateStore persists SyncState rows. State returns nil with no error when
// the triple has never synced.
type StateStore interface {
	State(ctx context.Context, tenantID, userID, entity string) (*SyncState, error)
	UpsertState(ctx context.Context, state *SyncState) error
}

// Record is one authoritative server-side document.
type Record struct {
	ID          string
	Data        json.RawMessage
	CreatedAtMs int64
	UpdatedAtMs int64
	Deleted     bool
}

// Action derives the server change action for this record.
func (r *Record) Action() Action {
	if r.Deleted {
		return ActionDelete
	}
	if r.CreatedAtMs == r.UpdatedAtMs {
		return ActionCreate
	}
	return ActionUpdate
}

// RecordStore is the authoritative business-record store. Not owned by
// this subsystem; the sync manager merely shapes what it returns.
type RecordStore interface {
	// Record returns the current server copy, or nil if none exists.
	// Deleted records are still returned with Deleted set so conflict
	// checks can see them.
	Record(ctx context.Context, tenantID, entity, id string) (*Record, error)
	// ApplyChange applies one client change. Applying the same change
	// twice must be safe.
	ApplyChange(ctx context.Context, tenantID, entity string, change PendingChange, nowMs int64) error
	// ChangesSince returns up to limit records modified strictly after
	// sinceMs, ordered by (updatedAtMs, id), skipping offset rows.
	ChangesSince(ctx context.Context, tenantID, entity string, sinceMs int64, offset, limit int) ([]Record, error)
}
