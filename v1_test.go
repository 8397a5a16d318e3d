package gateway_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	gateway "github.com/hiddenbraintechnologies-sys/mobile-gateway"
	"github.com/hiddenbraintechnologies-sys/mobile-gateway/auth"
	"github.com/hiddenbraintechnologies-sys/mobile-gateway/ratelimit"
	"github.com/hiddenbraintechnologies-sys/mobile-gateway/state"
	"github.com/hiddenbraintechnologies-sys/mobile-gateway/token"
)

const e2ePassword = "correct horse battery staple"

func newTestGateway(t *testing.T, limits map[ratelimit.Class]ratelimit.Limit) (*gateway.Gateway, *state.Memory) {
	t.Helper()
	codec, err := token.NewCodec(token.Config{
		AccessSecret:  []byte("e2e-access-secret"),
		RefreshSecret: []byte("e2e-refresh-secret"),
	})
	if err != nil {
		t.Fatalf("NewCodec: %s", err)
	}
	mem := state.NewMemory()
	hash, err := bcrypt.GenerateFromPassword([]byte(e2ePassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %s", err)
	}
	mem.AddUser(&auth.User{
		ID:           "user-1",
		Email:        "owner@example.com",
		Name:         "Owner",
		PasswordHash: hash,
	}, []auth.TenantMembership{
		{TenantID: "tenant-1", TenantName: "Example Ltd", Role: "owner", Permissions: []string{"*"}},
	})
	g := gateway.NewGateway(gateway.Config{
		Codec:    codec,
		Registry: mem,
		Users:    mem,
		States:   mem,
		Records:  mem,
		Limits:   limits,
	})
	t.Cleanup(g.Teardown)
	return g, mem
}

func doJSON(t *testing.T, h http.Handler, method, target, accessToken string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %s", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func login(t *testing.T, h http.Handler) *token.Pair {
	t.Helper()
	w := doJSON(t, h, "POST", "/auth/login", "", map[string]string{
		"email":    "owner@example.com",
		"password": e2ePassword,
		"deviceId": "device-e2e",
		"platform": "android",
	})
	if w.Code != 200 {
		t.Fatalf("login returned %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Tokens *token.Pair `json:"tokens"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Tokens == nil {
		t.Fatalf("bad login body %q: %s", w.Body.String(), err)
	}
	return resp.Tokens
}

func TestLoginThenSync(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	pair := login(t, g.Handler)

	w := doJSON(t, g.Handler, "POST", "/sync", pair.AccessToken, map[string]interface{}{
		"entity": "customers",
		"pendingChanges": []map[string]interface{}{
			{
				"id":                "cust-1",
				"action":            "create",
				"payload":           map[string]string{"id": "cust-1", "name": "First Customer"},
				"clientTimestampMs": time.Now().UnixMilli(),
			},
		},
	})
	if w.Code != 200 {
		t.Fatalf("sync returned %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Request-Id"); got == "" {
		t.Errorf("missing X-Request-Id header")
	}
	var resp struct {
		Entity        string   `json:"entity"`
		ServerVersion int64    `json:"serverVersion"`
		Processed     []string `json:"processed"`
		Conflicts     []json.RawMessage
		Checksum      string `json:"checksum"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad sync body: %s", err)
	}
	if resp.Entity != "customers" || resp.ServerVersion != 1 {
		t.Errorf("entity=%q serverVersion=%d", resp.Entity, resp.ServerVersion)
	}
	if len(resp.Processed) != 1 || resp.Processed[0] != "cust-1" {
		t.Errorf("processed = %v", resp.Processed)
	}
	if len(resp.Conflicts) != 0 {
		t.Errorf("conflicts = %v, want none", resp.Conflicts)
	}
}

func TestSyncRequiresAuth(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	w := doJSON(t, g.Handler, "POST", "/sync", "", map[string]string{"entity": "customers"})
	if w.Code != 401 {
		t.Fatalf("unauthenticated sync returned %d, want 401", w.Code)
	}
}

func TestDeprecatedAPIVersionRejected(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-API-Version", "1.0")
	w := httptest.NewRecorder()
	g.Handler.ServeHTTP(w, req)
	if w.Code != 400 {
		t.Fatalf("got %d, want 400", w.Code)
	}
	var body struct {
		Error           string `json:"error"`
		UpgradeRequired bool   `json:"upgradeRequired"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %s", err)
	}
	if body.Error != "API_VERSION_DEPRECATED" || !body.UpgradeRequired {
		t.Errorf("body = %+v", body)
	}
	// the response still advertises what the server does speak
	if got := w.Header().Get("X-API-Current-Version"); got == "" {
		t.Errorf("missing X-API-Current-Version on rejection")
	}
}

func TestAuthRateLimit(t *testing.T) {
	limits := ratelimit.DefaultLimits()
	limits[ratelimit.ClassAuth] = ratelimit.Limit{MaxRequests: 3, Window: time.Minute}
	g, _ := newTestGateway(t, limits)

	bad := map[string]string{"email": "owner@example.com", "password": "wrong", "deviceId": "d", "platform": "ios"}
	for i := 0; i < 3; i++ {
		if w := doJSON(t, g.Handler, "POST", "/auth/login", "", bad); w.Code != 403 {
			t.Fatalf("attempt %d returned %d, want 403", i+1, w.Code)
		}
	}
	w := doJSON(t, g.Handler, "POST", "/auth/login", "", bad)
	if w.Code != 429 {
		t.Fatalf("4th attempt returned %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Errorf("missing Retry-After on 429")
	}
	var body struct {
		Error     string `json:"error"`
		Retryable bool   `json:"retryable"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %s", err)
	}
	if body.Error != "RATE_LIMITED" || !body.Retryable {
		t.Errorf("body = %+v", body)
	}
}

func TestConfigEndpoint(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	w := doJSON(t, g.Handler, "GET", "/config", "", nil)
	if w.Code != 200 {
		t.Fatalf("config returned %d", w.Code)
	}
	var body struct {
		API struct {
			CurrentVersion    string   `json:"currentVersion"`
			MinVersion        string   `json:"minVersion"`
			SupportedVersions []string `json:"supportedVersions"`
		} `json:"api"`
		Sync struct {
			PageSize int `json:"pageSize"`
		} `json:"sync"`
		RateLimits map[string]struct {
			MaxRequests   int `json:"maxRequests"`
			WindowSeconds int `json:"windowSeconds"`
		} `json:"rateLimits"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body %q: %s", w.Body.String(), err)
	}
	if body.API.CurrentVersion == "" || body.API.MinVersion == "" || len(body.API.SupportedVersions) == 0 {
		t.Errorf("api section = %+v", body.API)
	}
	if body.Sync.PageSize != g.Manager.PageSize() {
		t.Errorf("pageSize = %d, want %d", body.Sync.PageSize, g.Manager.PageSize())
	}
	if limit, ok := body.RateLimits["auth"]; !ok || limit.MaxRequests == 0 {
		t.Errorf("rateLimits = %+v, want an auth class entry", body.RateLimits)
	}
}

func TestHealth(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	w := doJSON(t, g.Handler, "GET", "/health", "", nil)
	if w.Code != 200 {
		t.Fatalf("health returned %d", w.Code)
	}
}
