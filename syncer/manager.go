package syncer

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/hiddenbraintechnologies-sys/mobile-gateway/internal"
	"github.com/hiddenbraintechnologies-sys/mobile-gateway/pubsub"
)

const DefaultPageSize = 100

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var (
	syncCyclesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "sync",
		Name:      "cycles_total",
		Help:      "Number of completed sync cycles",
	}, []string{"entity"})
	syncConflictsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "sync",
		Name:      "conflicts_total",
		Help:      "Number of conflicts detected during sync",
	}, []string{"entity", "resolution"})
)

func init() {
	prometheus.MustRegister(syncCyclesCounter, syncConflictsCounter)
}

// Manager holds per-(tenant,user,entity) synchronization state and
// resolves conflicts between client-submitted changes and server-held
// data. All state lives behind injected stores; the manager itself is
// stateless and safe for concurrent use across distinct triples. Two
// concurrent calls for the same triple from the same device are a
// client-side bug: the protocol provides no server-side mutual exclusion
// for that case and the last write to the sync state wins.
type Manager struct {
	states   StateStore
	records  RecordStore
	pageSize int
	notifier pubsub.Notifier
	now      func() time.Time
}

func NewManager(states StateStore, records RecordStore, notifier pubsub.Notifier) *Manager {
	return &Manager{
		states:   states,
		records:  records,
		pageSize: DefaultPageSize,
		notifier: notifier,
		now:      time.Now,
	}
}

func (m *Manager) PageSize() int {
	return m.pageSize
}

// validate fails the entire call before any change is applied. Once
// validation passes, per-change failures are isolated.
func (m *Manager) validate(req *Request) *internal.HandlerError {
	if req.Entity == "" {
		return internal.Errorf(internal.ErrValidation, "entity is required")
	}
	if len(req.Entity) > 64 {
		return internal.Errorf(internal.ErrValidation, "entity name too long")
	}
	for i := range req.PendingChanges {
		ch := &req.PendingChanges[i]
		if ch.ID == "" {
			return internal.Errorf(internal.ErrValidation, "pendingChanges[%d]: id is required", i)
		}
		if !ch.Action.Valid() {
			return internal.Errorf(internal.ErrValidation, "pendingChanges[%d]: unknown action %q", i, ch.Action)
		}
		if ch.Action != ActionDelete {
			if len(ch.Payload) == 0 || !gjson.ValidBytes(ch.Payload) {
				return internal.Errorf(internal.ErrValidation, "pendingChanges[%d]: payload must be valid JSON", i)
			}
			if pid := gjson.GetBytes(ch.Payload, "id"); pid.Exists() && pid.String() != ch.ID {
				return internal.Errorf(internal.ErrValidation, "pendingChanges[%d]: payload id %q does not match change id %q", i, pid.String(), ch.ID)
			}
		}
	}
	if req.Cursor != "" {
		cur, err := decodeCursor(req.Cursor)
		if err != nil {
			return internal.NewHandlerError(internal.ErrValidation, err)
		}
		if cur.Entity != req.Entity {
			return internal.Errorf(internal.ErrValidation, "cursor is for entity %q, not %q", cur.Entity, req.Entity)
		}
	}
	return nil
}

// ProcessSync runs one full sync cycle for a single entity. Each call is
// processed to completion or fails atomically for that entity; there is
// no pending state between calls.
func (m *Manager) ProcessSync(ctx context.Context, identity *internal.Identity, req *Request) (*Response, error) {
	if herr := m.validate(req); herr != nil {
		return nil, herr
	}
	now := m.now()
	nowMs := now.UnixMilli()

	st, err := m.states.State(ctx, identity.TenantID, identity.UserID, req.Entity)
	if err != nil {
		return nil, fmt.Errorf("ProcessSync: state lookup failed: %w", err)
	}
	if st == nil {
		st = &SyncState{
			TenantID: identity.TenantID,
			UserID:   identity.UserID,
			Entity:   req.Entity,
		}
	}
	lastSyncedMs := int64(0)
	if !st.LastSyncedAt.IsZero() {
		lastSyncedMs = st.LastSyncedAt.UnixMilli()
	}

	processed := []string{}
	conflicts := []Conflict{}
	var failed []FailedChange
	for _, ch := range req.PendingChanges {
		rec, err := m.records.Record(ctx, identity.TenantID, req.Entity, ch.ID)
		if err != nil {
			// one bad change must not abort the batch, but a silent drop is
			// invisible to the operator, hence the log line and failed entry
			internal.DecorateLogger(ctx, logger.Warn()).Err(err).
				Str("change_id", ch.ID).Str("entity", req.Entity).
				Msg("sync: failed to load server record for change")
			failed = append(failed, FailedChange{ID: ch.ID, Error: "record lookup failed"})
			continue
		}
		if ch.Action == ActionUpdate && rec != nil && rec.UpdatedAtMs > lastSyncedMs {
			// the server copy moved since this client last synced: conflict.
			// Last-writer-wins by timestamp.
			resolution := ResolutionServerWins
			if ch.ClientTimestampMs > rec.UpdatedAtMs {
				resolution = ResolutionClientWins
			}
			conflicts = append(conflicts, Conflict{
				ClientChange: ch,
				ServerData:   rec.Data,
				Resolution:   resolution,
			})
			syncConflictsCounter.WithLabelValues(req.Entity, string(resolution)).Inc()
			if resolution == ResolutionServerWins {
				// client's write is dropped in favour of server data; the
				// client reconciles locally from the conflict record
				continue
			}
		}
		if err := m.records.ApplyChange(ctx, identity.TenantID, req.Entity, ch, nowMs); err != nil {
			internal.DecorateLogger(ctx, logger.Warn()).Err(err).
				Str("change_id", ch.ID).Str("entity", req.Entity).
				Msg("sync: failed to apply change")
			failed = append(failed, FailedChange{ID: ch.ID, Error: "apply failed"})
			continue
		}
		processed = append(processed, ch.ID)
	}

	// page through server-side changes since the last successful cycle,
	// or from wherever the cursor points
	sinceMs := lastSyncedMs
	offset := 0
	if req.Cursor != "" {
		cur, _ := decodeCursor(req.Cursor)
		sinceMs = cur.SinceMs
		offset = cur.Offset
	}
	records, err := m.records.ChangesSince(ctx, identity.TenantID, req.Entity, sinceMs, offset, m.pageSize+1)
	if err != nil {
		return nil, fmt.Errorf("ProcessSync: fetching server changes failed: %w", err)
	}
	hasMore := len(records) > m.pageSize
	if hasMore {
		records = records[:m.pageSize]
	}
	changes := make([]ServerChange, len(records))
	for i := range records {
		changes[i] = ServerChange{
			ID:                records[i].ID,
			Action:            records[i].Action(),
			Data:              records[i].Data,
			ServerTimestampMs: records[i].UpdatedAtMs,
		}
	}

	st.ServerVersion++
	st.LastSyncedAt = now
	st.Checksum = pageChecksum(changes)
	if err := m.states.UpsertState(ctx, st); err != nil {
		return nil, fmt.Errorf("ProcessSync: persisting sync state failed: %w", err)
	}

	resp := &Response{
		Entity:        req.Entity,
		ServerVersion: st.ServerVersion,
		SyncedAt:      now,
		Changes:       changes,
		Conflicts:     conflicts,
		Processed:     processed,
		Failed:        failed,
		Checksum:      st.Checksum,
		HasMore:       hasMore,
	}
	if hasMore {
		resp.NextCursor = cursor{Entity: req.Entity, SinceMs: sinceMs, Offset: offset + m.pageSize}.Encode()
	}

	internal.SetRequestContextSyncInfo(ctx, req.Entity, st.ServerVersion, len(processed), len(conflicts))
	syncCyclesCounter.WithLabelValues(req.Entity).Inc()
	if m.notifier != nil {
		// best effort; sync must not fail because a listener is slow
		if err := m.notifier.Notify(pubsub.ChanSync, &pubsub.SyncComplete{
			TenantID:      identity.TenantID,
			UserID:        identity.UserID,
			Entity:        req.Entity,
			ServerVersion: st.ServerVersion,
		}); err != nil {
			internal.DecorateLogger(ctx, logger.Warn()).Err(err).Msg("sync: notify failed")
		}
	}
	return resp, nil
}

// ProcessBatch runs the single-entity algorithm concurrently across
// entities using the pool. Outcomes are independent: one entity's failure
// or conflict does not affect another's.
func (m *Manager) ProcessBatch(ctx context.Context, identity *internal.Identity, req *BatchRequest, pool *internal.WorkerPool) (*BatchResponse, error) {
	if len(req.Entities) == 0 {
		return nil, internal.Errorf(internal.ErrValidation, "entities is required")
	}
	// fail-fast: a malformed batch is rejected before any entity runs
	for i := range req.Entities {
		if herr := m.validate(&req.Entities[i]); herr != nil {
			return nil, herr
		}
	}
	results := make([]BatchResult, len(req.Entities))
	jobs := make([]func(), len(req.Entities))
	for i := range req.Entities {
		i := i
		jobs[i] = func() {
			entityReq := &req.Entities[i]
			resp, err := m.ProcessSync(ctx, identity, entityReq)
			if err != nil {
				herr := internal.Classify(err)
				results[i] = BatchResult{
					Entity: entityReq.Entity,
					Error: &WireError{
						Code:      string(herr.Code),
						Message:   herr.Error(),
						Retryable: herr.Retryable(),
					},
				}
				return
			}
			results[i] = BatchResult{Entity: entityReq.Entity, Response: resp}
		}
	}
	pool.Run(jobs)
	return &BatchResponse{Results: results}, nil
}

// pageChecksum is a short digest of the emitted change page, usable by
// clients to detect silent drift.
func pageChecksum(changes []ServerChange) string {
	h := sha256.New()
	for i := range changes {
		fmt.Fprintf(h, "%s:%d\n", changes[i].ID, changes[i].ServerTimestampMs)
	}
	return fmt.Sprintf("%x", h.Sum(nil))[:16]
}
