package state

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hiddenbraintechnologies-sys/mobile-gateway/auth"
	"github.com/hiddenbraintechnologies-sys/mobile-gateway/syncer"
)

// Memory implements every store interface over plain maps. It backs the
// single-process dev mode and handler tests; key shapes mirror the
// Postgres tables so swapping implementations never changes semantics.
type Memory struct {
	mu          sync.Mutex
	sessions    map[string]*auth.Session
	users       map[string]*auth.User              // keyed by email
	memberships map[string][]auth.TenantMembership // keyed by user id
	syncStates  map[string]*syncer.SyncState       // keyed by tenant|user|entity
	records     map[string]map[string]*memRecord   // tenant|entity -> record id
}

type memRecord struct {
	data        json.RawMessage
	createdAtMs int64
	updatedAtMs int64
	deleted     bool
}

func NewMemory() *Memory {
	return &Memory{
		sessions:    make(map[string]*auth.Session),
		users:       make(map[string]*auth.User),
		memberships: make(map[string][]auth.TenantMembership),
		syncStates:  make(map[string]*syncer.SyncState),
		records:     make(map[string]map[string]*memRecord),
	}
}

func tripleKey(tenantID, userID, entity string) string {
	return tenantID + "|" + userID + "|" + entity
}

func scopeKey(tenantID, entity string) string {
	return tenantID + "|" + entity
}

// ---- auth.SessionRegistry ----

func (m *Memory) CreateSession(_ context.Context, s *auth.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *Memory) Session(_ context.Context, sessionID string) (*auth.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) TouchSession(_ context.Context, sessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.LastSeenAt = at
	}
	return nil
}

func (m *Memory) UpdateSessionTenant(_ context.Context, sessionID, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.TenantID = tenantID
	}
	return nil
}

func (m *Memory) RevokeSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.Revoked = true
	}
	return nil
}

func (m *Memory) SessionsForUser(_ context.Context, tenantID, userID string) ([]auth.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []auth.Session
	for _, s := range m.sessions {
		if s.TenantID == tenantID && s.UserID == userID && !s.Revoked {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeenAt.After(out[j].LastSeenAt)
	})
	return out, nil
}

func (m *Memory) RevokeDevice(_ context.Context, tenantID, userID, deviceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for _, s := range m.sessions {
		if s.TenantID == tenantID && s.UserID == userID && s.DeviceID == deviceID {
			s.Revoked = true
			found = true
		}
	}
	return found, nil
}

// ---- auth.UserDirectory ----

func (m *Memory) UserByEmail(_ context.Context, email string) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[strings.ToLower(email)]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) Memberships(_ context.Context, userID string) ([]auth.TenantMembership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]auth.TenantMembership(nil), m.memberships[userID]...), nil
}

// AddUser registers a user with their memberships. Test/dev seeding only.
func (m *Memory) AddUser(u *auth.User, memberships []auth.TenantMembership) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[strings.ToLower(u.Email)] = &cp
	m.memberships[u.ID] = append([]auth.TenantMembership(nil), memberships...)
}

// ---- syncer.StateStore ----

func (m *Memory) State(_ context.Context, tenantID, userID, entity string) (*syncer.SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.syncStates[tripleKey(tenantID, userID, entity)]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (m *Memory) UpsertState(_ context.Context, s *syncer.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tripleKey(s.TenantID, s.UserID, s.Entity)
	if existing, ok := m.syncStates[key]; ok && existing.ServerVersion > s.ServerVersion {
		// keep server_version non-decreasing under racing duplicate calls
		s.ServerVersion = existing.ServerVersion
	}
	cp := *s
	m.syncStates[key] = &cp
	return nil
}

// ---- syncer.RecordStore ----

func (m *Memory) Record(_ context.Context, tenantID, entity, id string) (*syncer.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[scopeKey(tenantID, entity)][id]
	if !ok {
		return nil, nil
	}
	return memToRecord(id, rec), nil
}

func (m *Memory) ApplyChange(_ context.Context, tenantID, entity string, change syncer.PendingChange, nowMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	scope := scopeKey(tenantID, entity)
	if m.records[scope] == nil {
		m.records[scope] = make(map[string]*memRecord)
	}
	existing := m.records[scope][change.ID]
	if change.Action == syncer.ActionDelete {
		if existing == nil {
			m.records[scope][change.ID] = &memRecord{data: json.RawMessage("null"), createdAtMs: nowMs, updatedAtMs: nowMs, deleted: true}
			return nil
		}
		existing.deleted = true
		existing.updatedAtMs = nowMs
		return nil
	}
	doc, err := stampDocument(change.Payload, change.ID, nowMs)
	if err != nil {
		return err
	}
	if existing == nil {
		m.records[scope][change.ID] = &memRecord{data: doc, createdAtMs: nowMs, updatedAtMs: nowMs}
		return nil
	}
	existing.data = doc
	existing.updatedAtMs = nowMs
	existing.deleted = false
	return nil
}

func (m *Memory) ChangesSince(_ context.Context, tenantID, entity string, sinceMs int64, offset, limit int) ([]syncer.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []syncer.Record
	for id, rec := range m.records[scopeKey(tenantID, entity)] {
		if rec.updatedAtMs > sinceMs {
			out = append(out, *memToRecord(id, rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAtMs != out[j].UpdatedAtMs {
			return out[i].UpdatedAtMs < out[j].UpdatedAtMs
		}
		return out[i].ID < out[j].ID
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SeedRecord inserts a server-side record directly, bypassing the sync
// path. Test/dev seeding only.
func (m *Memory) SeedRecord(tenantID, entity string, rec syncer.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	scope := scopeKey(tenantID, entity)
	if m.records[scope] == nil {
		m.records[scope] = make(map[string]*memRecord)
	}
	m.records[scope][rec.ID] = &memRecord{
		data:        rec.Data,
		createdAtMs: rec.CreatedAtMs,
		updatedAtMs: rec.UpdatedAtMs,
		deleted:     rec.Deleted,
	}
}

func memToRecord(id string, rec *memRecord) *syncer.Record {
	return &syncer.Record{
		ID:          id,
		Data:        append(json.RawMessage(nil), rec.data...),
		CreatedAtMs: rec.createdAtMs,
		UpdatedAtMs: rec.updatedAtMs,
		Deleted:     rec.deleted,
	}
}
