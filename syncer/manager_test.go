package syncer_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/hiddenbraintechnologies-sys/mobile-gateway/internal"
	"github.com/hiddenbraintechnologies-sys/mobile-gateway/state"
	"github.com/hiddenbraintechnologies-sys/mobile-gateway/syncer"
)

var testIdentity = &internal.Identity{
	UserID:    "user-1",
	TenantID:  "tenant-1",
	DeviceID:  "device-1",
	SessionID: "session-1",
}

func newTestManager() (*syncer.Manager, *state.Memory) {
	mem := state.NewMemory()
	return syncer.NewManager(mem, mem, nil), mem
}

func assertValidationError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected a validation error, got nil")
	}
	herr := internal.Classify(err)
	if herr.Code != internal.ErrValidation {
		t.Fatalf("expected code %s, got %s (%s)", internal.ErrValidation, herr.Code, err)
	}
}

func TestProcessSyncFirstCycle(t *testing.T) {
	m, _ := newTestManager()
	resp, err := m.ProcessSync(context.Background(), testIdentity, &syncer.Request{
		Entity: "customers",
		PendingChanges: []syncer.PendingChange{
			{ID: "c1", Action: syncer.ActionCreate, Payload: json.RawMessage(`{"id":"c1","name":"Acme"}`), ClientTimestampMs: 1000},
		},
	})
	if err != nil {
		t.Fatalf("ProcessSync: %s", err)
	}
	if len(resp.Processed) != 1 || resp.Processed[0] != "c1" {
		t.Errorf("processed = %v, want [c1]", resp.Processed)
	}
	if len(resp.Conflicts) != 0 {
		t.Errorf("conflicts = %v, want none", resp.Conflicts)
	}
	if resp.ServerVersion != 1 {
		t.Errorf("serverVersion = %d, want 1", resp.ServerVersion)
	}
	// the applied create is echoed back as a server change
	if len(resp.Changes) != 1 || resp.Changes[0].ID != "c1" || resp.Changes[0].Action != syncer.ActionCreate {
		t.Errorf("changes = %+v, want one create for c1", resp.Changes)
	}
	if resp.Checksum == "" || resp.HasMore {
		t.Errorf("checksum=%q hasMore=%v, want non-empty checksum and no more pages", resp.Checksum, resp.HasMore)
	}
}

func TestProcessSyncConflictServerWins(t *testing.T) {
	m, mem := newTestManager()
	mem.SeedRecord("tenant-1", "customers", syncer.Record{
		ID: "c1", Data: json.RawMessage(`{"id":"c1","name":"server"}`), CreatedAtMs: 50, UpdatedAtMs: 100,
	})
	resp, err := m.ProcessSync(context.Background(), testIdentity, &syncer.Request{
		Entity: "customers",
		PendingChanges: []syncer.PendingChange{
			{ID: "c1", Action: syncer.ActionUpdate, Payload: json.RawMessage(`{"id":"c1","name":"client"}`), ClientTimestampMs: 50},
		},
	})
	if err != nil {
		t.Fatalf("ProcessSync: %s", err)
	}
	if len(resp.Conflicts) != 1 {
		t.Fatalf("conflicts = %+v, want exactly one", resp.Conflicts)
	}
	c := resp.Conflicts[0]
	if c.Resolution != syncer.ResolutionServerWins {
		t.Errorf("resolution = %s, want %s", c.Resolution, syncer.ResolutionServerWins)
	}
	if string(c.ServerData) != `{"id":"c1","name":"server"}` {
		t.Errorf("serverData = %s", c.ServerData)
	}
	if len(resp.Processed) != 0 {
		t.Errorf("processed = %v, want none when the server wins", resp.Processed)
	}
	// the server copy is untouched
	rec, err := mem.Record(context.Background(), "tenant-1", "customers", "c1")
	if err != nil {
		t.Fatalf("Record: %s", err)
	}
	if string(rec.Data) != `{"id":"c1","name":"server"}` {
		t.Errorf("server record was overwritten: %s", rec.Data)
	}
}

func TestProcessSyncConflictClientWins(t *testing.T) {
	m, mem := newTestManager()
	mem.SeedRecord("tenant-1", "customers", syncer.Record{
		ID: "c1", Data: json.RawMessage(`{"id":"c1","name":"server"}`), CreatedAtMs: 50, UpdatedAtMs: 100,
	})
	resp, err := m.ProcessSync(context.Background(), testIdentity, &syncer.Request{
		Entity: "customers",
		PendingChanges: []syncer.PendingChange{
			{ID: "c1", Action: syncer.ActionUpdate, Payload: json.RawMessage(`{"id":"c1","name":"client"}`), ClientTimestampMs: 150},
		},
	})
	if err != nil {
		t.Fatalf("ProcessSync: %s", err)
	}
	if len(resp.Conflicts) != 1 || resp.Conflicts[0].Resolution != syncer.ResolutionClientWins {
		t.Fatalf("conflicts = %+v, want one client_wins", resp.Conflicts)
	}
	if len(resp.Processed) != 1 || resp.Processed[0] != "c1" {
		t.Errorf("processed = %v, want [c1] when the client wins", resp.Processed)
	}
	rec, err := mem.Record(context.Background(), "tenant-1", "customers", "c1")
	if err != nil {
		t.Fatalf("Record: %s", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(rec.Data, &doc); err != nil {
		t.Fatalf("bad server doc: %s", err)
	}
	if doc["name"] != "client" {
		t.Errorf("name = %v, want the client's write applied", doc["name"])
	}
}

func TestProcessSyncIdempotentResubmission(t *testing.T) {
	m, mem := newTestManager()
	req := func() *syncer.Request {
		return &syncer.Request{
			Entity: "invoices",
			PendingChanges: []syncer.PendingChange{
				{ID: "i1", Action: syncer.ActionCreate, Payload: json.RawMessage(`{"id":"i1","total":42}`), ClientTimestampMs: 1},
			},
		}
	}
	// a client that never got the first response will submit again
	for call := 1; call <= 2; call++ {
		resp, err := m.ProcessSync(context.Background(), testIdentity, req())
		if err != nil {
			t.Fatalf("call %d: %s", call, err)
		}
		if len(resp.Processed) != 1 {
			t.Fatalf("call %d: processed = %v", call, resp.Processed)
		}
		if resp.ServerVersion != int64(call) {
			t.Errorf("call %d: serverVersion = %d", call, resp.ServerVersion)
		}
	}
	rec, err := mem.Record(context.Background(), "tenant-1", "invoices", "i1")
	if err != nil || rec == nil {
		t.Fatalf("Record: rec=%v err=%s", rec, err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(rec.Data, &doc); err != nil {
		t.Fatalf("bad doc: %s", err)
	}
	if doc["total"] != float64(42) {
		t.Errorf("total = %v, want 42", doc["total"])
	}
}

func TestProcessSyncDeleteTombstone(t *testing.T) {
	m, mem := newTestManager()
	mem.SeedRecord("tenant-1", "customers", syncer.Record{
		ID: "c1", Data: json.RawMessage(`{"id":"c1"}`), CreatedAtMs: 10, UpdatedAtMs: 10,
	})
	resp, err := m.ProcessSync(context.Background(), testIdentity, &syncer.Request{
		Entity: "customers",
		PendingChanges: []syncer.PendingChange{
			{ID: "c1", Action: syncer.ActionDelete, ClientTimestampMs: 20},
		},
	})
	if err != nil {
		t.Fatalf("ProcessSync: %s", err)
	}
	if len(resp.Processed) != 1 {
		t.Fatalf("processed = %v", resp.Processed)
	}
	var tombstone *syncer.ServerChange
	for i := range resp.Changes {
		if resp.Changes[i].ID == "c1" {
			tombstone = &resp.Changes[i]
		}
	}
	if tombstone == nil || tombstone.Action != syncer.ActionDelete {
		t.Fatalf("changes = %+v, want a delete tombstone for c1", resp.Changes)
	}
}

func TestProcessSyncPagination(t *testing.T) {
	m, mem := newTestManager()
	total := m.PageSize() + 5
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("rec-%03d", i)
		mem.SeedRecord("tenant-1", "products", syncer.Record{
			ID:          id,
			Data:        json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)),
			CreatedAtMs: int64(i + 1),
			UpdatedAtMs: int64(i + 1),
		})
	}

	first, err := m.ProcessSync(context.Background(), testIdentity, &syncer.Request{Entity: "products"})
	if err != nil {
		t.Fatalf("first page: %s", err)
	}
	if len(first.Changes) != m.PageSize() {
		t.Fatalf("first page has %d changes, want %d", len(first.Changes), m.PageSize())
	}
	if !first.HasMore || first.NextCursor == "" {
		t.Fatalf("hasMore=%v nextCursor=%q, want another page", first.HasMore, first.NextCursor)
	}

	second, err := m.ProcessSync(context.Background(), testIdentity, &syncer.Request{
		Entity: "products",
		Cursor: first.NextCursor,
	})
	if err != nil {
		t.Fatalf("second page: %s", err)
	}
	if len(second.Changes) != 5 {
		t.Fatalf("second page has %d changes, want 5", len(second.Changes))
	}
	if second.HasMore || second.NextCursor != "" {
		t.Errorf("hasMore=%v nextCursor=%q, want exhausted", second.HasMore, second.NextCursor)
	}
	// pages must not overlap
	seen := make(map[string]bool)
	for _, ch := range first.Changes {
		seen[ch.ID] = true
	}
	for _, ch := range second.Changes {
		if seen[ch.ID] {
			t.Errorf("record %s appeared on both pages", ch.ID)
		}
		seen[ch.ID] = true
	}
	if len(seen) != total {
		t.Errorf("saw %d distinct records across pages, want %d", len(seen), total)
	}
}

func TestProcessSyncValidation(t *testing.T) {
	m, _ := newTestManager()
	testCases := []struct {
		name string
		req  syncer.Request
	}{
		{"missing entity", syncer.Request{}},
		{"entity too long", syncer.Request{Entity: string(make([]byte, 65))}},
		{"missing change id", syncer.Request{Entity: "x", PendingChanges: []syncer.PendingChange{
			{Action: syncer.ActionCreate, Payload: json.RawMessage(`{}`)},
		}}},
		{"unknown action", syncer.Request{Entity: "x", PendingChanges: []syncer.PendingChange{
			{ID: "1", Action: "upsert", Payload: json.RawMessage(`{}`)},
		}}},
		{"invalid payload json", syncer.Request{Entity: "x", PendingChanges: []syncer.PendingChange{
			{ID: "1", Action: syncer.ActionCreate, Payload: json.RawMessage(`{"id":`)},
		}}},
		{"payload id mismatch", syncer.Request{Entity: "x", PendingChanges: []syncer.PendingChange{
			{ID: "1", Action: syncer.ActionCreate, Payload: json.RawMessage(`{"id":"2"}`)},
		}}},
		{"garbage cursor", syncer.Request{Entity: "x", Cursor: "!!not-a-cursor!!"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.ProcessSync(context.Background(), testIdentity, &tc.req)
			assertValidationError(t, err)
		})
	}
}

func TestProcessSyncCursorEntityMismatch(t *testing.T) {
	m, mem := newTestManager()
	for i := 0; i < m.PageSize()+1; i++ {
		id := fmt.Sprintf("r%d", i)
		mem.SeedRecord("tenant-1", "customers", syncer.Record{
			ID: id, Data: json.RawMessage(`{}`), CreatedAtMs: int64(i + 1), UpdatedAtMs: int64(i + 1),
		})
	}
	first, err := m.ProcessSync(context.Background(), testIdentity, &syncer.Request{Entity: "customers"})
	if err != nil {
		t.Fatalf("first page: %s", err)
	}
	_, err = m.ProcessSync(context.Background(), testIdentity, &syncer.Request{
		Entity: "invoices",
		Cursor: first.NextCursor,
	})
	assertValidationError(t, err)
}

func TestProcessBatch(t *testing.T) {
	m, mem := newTestManager()
	pool := internal.NewWorkerPool(4)
	pool.Start()
	defer pool.Stop()

	mem.SeedRecord("tenant-1", "customers", syncer.Record{
		ID: "c1", Data: json.RawMessage(`{"id":"c1"}`), CreatedAtMs: 100, UpdatedAtMs: 100,
	})
	resp, err := m.ProcessBatch(context.Background(), testIdentity, &syncer.BatchRequest{
		Entities: []syncer.Request{
			{Entity: "customers", PendingChanges: []syncer.PendingChange{
				// conflicts with the seeded record but must not disturb invoices
				{ID: "c1", Action: syncer.ActionUpdate, Payload: json.RawMessage(`{"id":"c1"}`), ClientTimestampMs: 1},
			}},
			{Entity: "invoices", PendingChanges: []syncer.PendingChange{
				{ID: "i1", Action: syncer.ActionCreate, Payload: json.RawMessage(`{"id":"i1"}`), ClientTimestampMs: 1},
			}},
		},
	}, pool)
	if err != nil {
		t.Fatalf("ProcessBatch: %s", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("results = %+v, want 2 entries", resp.Results)
	}
	// results keep request order
	if resp.Results[0].Entity != "customers" || resp.Results[1].Entity != "invoices" {
		t.Fatalf("result order = [%s %s]", resp.Results[0].Entity, resp.Results[1].Entity)
	}
	if resp.Results[0].Response == nil || len(resp.Results[0].Response.Conflicts) != 1 {
		t.Errorf("customers result = %+v, want one conflict", resp.Results[0])
	}
	if resp.Results[1].Response == nil || len(resp.Results[1].Response.Processed) != 1 {
		t.Errorf("invoices result = %+v, want one processed change", resp.Results[1])
	}
}

func TestProcessBatchFailFastValidation(t *testing.T) {
	m, _ := newTestManager()
	pool := internal.NewWorkerPool(2)
	pool.Start()
	defer pool.Stop()

	_, err := m.ProcessBatch(context.Background(), testIdentity, &syncer.BatchRequest{
		Entities: []syncer.Request{
			{Entity: "customers"},
			{Entity: ""}, // invalid: the whole batch is rejected before any entity runs
		},
	}, pool)
	assertValidationError(t, err)

	_, err = m.ProcessBatch(context.Background(), testIdentity, &syncer.BatchRequest{}, pool)
	assertValidationError(t, err)
}
