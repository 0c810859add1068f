package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pgbranch/internal/config"
	"pgbranch/internal/controlplane"
	"pgbranch/internal/db"
	"pgbranch/internal/meta"
	"pgbranch/internal/project"
	"pgbranch/internal/provision"
)

type fakeControlPlane struct {
	branches  []controlplane.Branch
	listErr   error
	databases []controlplane.Database
}

func (f *fakeControlPlane) ListBranches(ctx context.Context) ([]controlplane.Branch, error) {
	return f.branches, f.listErr
}

func (f *fakeControlPlane) CreateBranch(ctx context.Context, name, parentID string) (*controlplane.BranchMutation, error) {
	b := controlplane.Branch{ID: "br-" + name, Name: name, ParentID: parentID}
	f.branches = append(f.branches, b)
	return &controlplane.BranchMutation{Branch: b, Operations: []controlplane.Operation{{ID: "op-" + name}}}, nil
}

func (f *fakeControlPlane) DeleteBranch(ctx context.Context, branchID string) (*controlplane.BranchMutation, error) {
	for i, b := range f.branches {
		if b.ID == branchID {
			f.branches = append(f.branches[:i], f.branches[i+1:]...)
			break
		}
	}
	return &controlplane.BranchMutation{}, nil
}

func (f *fakeControlPlane) ListDatabases(ctx context.Context, branchID string) ([]controlplane.Database, error) {
	return f.databases, nil
}

func (f *fakeControlPlane) ListRoles(ctx context.Context, branchID string) ([]controlplane.Role, error) {
	return []controlplane.Role{{Name: "owner"}}, nil
}

func (f *fakeControlPlane) GetConnectionURI(ctx context.Context, branchID, database, role string) (string, error) {
	return "postgres://" + role + ":secret@" + branchID + ".example/" + database, nil
}

type fakeWaiter struct {
	err error
}

func (f *fakeWaiter) WaitForOperation(ctx context.Context, operationID string) error {
	return f.err
}

// okPool accepts every statement
type okPool struct{}

func (okPool) Query(ctx context.Context, sql string, args ...any) (*db.Result, error) {
	return &db.Result{}, nil
}
func (okPool) Exec(ctx context.Context, sql string, args ...any) (int64, error) { return 0, nil }
func (p okPool) Acquire(ctx context.Context) (db.Conn, error)                   { return p, nil }
func (okPool) Release()                                                         {}
func (okPool) Close()                                                           {}

type testEnv struct {
	server *Server
	cp     *fakeControlPlane
	waiter *fakeWaiter
	store  *meta.MockStore
	// openErr makes every database open fail
	openErr error
}

func setupTestServer(t *testing.T, mutate func(cfg *config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.API.RequireToken = false
	if mutate != nil {
		mutate(cfg)
	}

	cp := &fakeControlPlane{
		branches:  []controlplane.Branch{{ID: "br-main", Name: "main", Primary: true}},
		databases: []controlplane.Database{{Name: "neondb"}},
	}
	waiter := &fakeWaiter{}
	store := meta.NewMockStore()
	t.Cleanup(func() { store.Close() })

	env := &testEnv{cp: cp, waiter: waiter, store: store}
	open := func(ctx context.Context, connString string) (db.Pool, error) {
		if env.openErr != nil {
			return nil, env.openErr
		}
		return okPool{}, nil
	}
	mgr := project.NewManager(cfg, provision.NewProvisioner(cp, waiter, false), store, open)
	env.server = NewServer(cfg, mgr, cfg.API.Port)

	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)

	w := env.do("GET", "/api/health", "")

	if w.Code != http.StatusOK {
		t.Errorf("health check status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("health status = %q, want %q", resp.Status, "ok")
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" || w.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("missing security headers: %v", w.Header())
	}
}

func TestBranchEndpoints(t *testing.T) {
	env := setupTestServer(t, nil)

	t.Run("provision new branch", func(t *testing.T) {
		w := env.do("POST", "/api/branches", `{"name": "dev"}`)

		if w.Code != http.StatusCreated {
			t.Fatalf("provision status = %d, want %d, body: %s", w.Code, http.StatusCreated, w.Body.String())
		}

		var resp ProvisionResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.Outcome != "created" || resp.BranchID != "br-dev" || resp.ConnString == "" {
			t.Errorf("response = %+v", resp)
		}
	})

	t.Run("provision existing branch is reused", func(t *testing.T) {
		w := env.do("POST", "/api/branches", `{"name": "dev"}`)

		if w.Code != http.StatusOK {
			t.Fatalf("reuse status = %d, want %d", w.Code, http.StatusOK)
		}
		var resp ProvisionResponse
		json.NewDecoder(w.Body).Decode(&resp)
		if resp.Outcome != "reused" {
			t.Errorf("outcome = %q, want reused", resp.Outcome)
		}
	})

	t.Run("provision with migrate", func(t *testing.T) {
		w := env.do("POST", "/api/branches", `{"name": "qa", "migrate": true}`)

		var resp ProvisionResponse
		json.NewDecoder(w.Body).Decode(&resp)
		if w.Code != http.StatusCreated || !resp.Migrated {
			t.Errorf("status = %d, response = %+v", w.Code, resp)
		}
	})

	t.Run("list branches hides connection info", func(t *testing.T) {
		w := env.do("GET", "/api/branches", "")

		if w.Code != http.StatusOK {
			t.Fatalf("list status = %d, want %d", w.Code, http.StatusOK)
		}
		if bytes.Contains(w.Body.Bytes(), []byte("secret")) {
			t.Error("branch listing must not include credentials")
		}

		var resp []BranchResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(resp) != 3 || !resp[0].Primary {
			t.Errorf("branches = %+v", resp)
		}
	})

	t.Run("delete branch", func(t *testing.T) {
		w := env.do("DELETE", "/api/branches/dev", "")
		if w.Code != http.StatusNoContent {
			t.Errorf("delete status = %d, want %d", w.Code, http.StatusNoContent)
		}
	})

	t.Run("delete missing branch", func(t *testing.T) {
		w := env.do("DELETE", "/api/branches/dev", "")
		if w.Code != http.StatusNotFound {
			t.Errorf("delete status = %d, want %d", w.Code, http.StatusNotFound)
		}
	})

	t.Run("delete primary branch", func(t *testing.T) {
		w := env.do("DELETE", "/api/branches/main", "")
		if w.Code != http.StatusConflict {
			t.Errorf("delete status = %d, want %d", w.Code, http.StatusConflict)
		}
	})

	t.Run("history", func(t *testing.T) {
		w := env.do("GET", "/api/provisions?branch=dev", "")
		if w.Code != http.StatusOK {
			t.Fatalf("history status = %d, want %d", w.Code, http.StatusOK)
		}

		var resp []meta.Record
		json.NewDecoder(w.Body).Decode(&resp)
		if len(resp) != 2 {
			t.Errorf("got %d records, want 2", len(resp))
		}
	})
}

func TestInvalidProvisionRequests(t *testing.T) {
	env := setupTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"name":`},
		{"empty name", `{"name": ""}`},
		{"blank name", `{"name": "   "}`},
		{"control character", `{"name": "dev\u0007"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do("POST", "/api/branches", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(env *testEnv)
		status  int
		message string
	}{
		{
			name: "redirect refused",
			setup: func(env *testEnv) {
				env.cp.listErr = &controlplane.RedirectError{Method: "GET", Endpoint: "/branches", StatusCode: 302, Location: "https://elsewhere"}
			},
			status: http.StatusBadGateway,
		},
		{
			name: "operation timeout",
			setup: func(env *testEnv) {
				env.waiter.err = &controlplane.OperationTimeoutError{OperationID: "op-dev", Attempts: 10, LastStatus: controlplane.OperationRunning}
			},
			status: http.StatusGatewayTimeout,
		},
		{
			name:   "no databases",
			setup:  func(env *testEnv) { env.cp.databases = nil },
			status: http.StatusConflict,
		},
		{
			name: "no primary branch",
			setup: func(env *testEnv) {
				env.cp.branches = []controlplane.Branch{{ID: "br-x", Name: "x"}}
			},
			status: http.StatusConflict,
		},
		{
			name: "remote error",
			setup: func(env *testEnv) {
				env.cp.listErr = &controlplane.RemoteError{Method: "GET", Endpoint: "/branches", StatusCode: 500, Body: "boom"}
			},
			status:  http.StatusBadGateway,
			message: "resolve stage failed: control plane returned status 500",
		},
		{
			name: "operation failed",
			setup: func(env *testEnv) {
				env.waiter.err = &controlplane.OperationFailedError{OperationID: "op-dev", Action: "create_branch"}
			},
			status:  http.StatusBadGateway,
			message: "create stage failed: operation failed",
		},
		{
			name: "transport failure",
			setup: func(env *testEnv) {
				env.cp.listErr = &controlplane.TransportError{Method: "GET", Endpoint: "/branches", Err: errors.New("connection reset")}
			},
			status:  http.StatusBadGateway,
			message: "resolve stage failed: control plane unreachable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t, nil)
			tt.setup(env)

			w := env.do("POST", "/api/branches", `{"name": "dev"}`)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d, body: %s", w.Code, tt.status, w.Body.String())
			}
			if tt.message == "" {
				return
			}
			var resp ErrorResponse
			json.NewDecoder(w.Body).Decode(&resp)
			if resp.Error != tt.message {
				t.Errorf("error = %q, want %q", resp.Error, tt.message)
			}
			if strings.Contains(resp.Error, "boom") {
				t.Error("remote response body must not reach the client")
			}
		})
	}
}

func TestProvisionMigrationFailureKeepsBranch(t *testing.T) {
	env := setupTestServer(t, nil)
	env.openErr = errors.New("connection refused")

	w := env.do("POST", "/api/branches", `{"name": "feat", "migrate": true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d, body: %s", w.Code, http.StatusCreated, w.Body.String())
	}

	var resp ProvisionResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ConnString == "" {
		t.Error("connection string must be returned when only migration failed")
	}
	if resp.Migrated {
		t.Error("migrated should be false")
	}
	if !strings.Contains(resp.Error, "migration failed") {
		t.Errorf("error = %q, want migration failure", resp.Error)
	}
	if len(env.cp.branches) != 2 {
		t.Errorf("branches = %d, want 2", len(env.cp.branches))
	}
}

func TestRequestBodyTooLarge(t *testing.T) {
	env := setupTestServer(t, nil)
	body := `{"name": "` + strings.Repeat("a", MaxBodyBytes) + `"}`

	for _, path := range []string{"/api/branches", "/api/migrate", "/api/provisions/prune"} {
		t.Run(path, func(t *testing.T) {
			w := env.do("POST", path, body)
			if w.Code != http.StatusRequestEntityTooLarge {
				t.Errorf("status = %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
			}
		})
	}
	if len(env.cp.branches) != 1 {
		t.Error("oversized request must not provision a branch")
	}
}

func TestSchemaEndpoints(t *testing.T) {
	env := setupTestServer(t, nil)

	t.Run("migrate without target", func(t *testing.T) {
		w := env.do("POST", "/api/migrate", "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("migrate explicit target", func(t *testing.T) {
		w := env.do("POST", "/api/migrate", `{"connection_string": "postgres://u@h/db"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d, body: %s", w.Code, http.StatusOK, w.Body.String())
		}
		var resp MigrateResponse
		json.NewDecoder(w.Body).Decode(&resp)
		if resp.Version != db.CurrentVersion {
			t.Errorf("version = %q, want %q", resp.Version, db.CurrentVersion)
		}
	})

	t.Run("schema status", func(t *testing.T) {
		w := env.do("POST", "/api/schema", `{"connection_string": "postgres://u@h/db"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		var resp db.SchemaStatus
		json.NewDecoder(w.Body).Decode(&resp)
		if !resp.Connected || resp.SchemaComplete {
			t.Errorf("status = %+v", resp)
		}
	})
}

func TestHistoryLimitValidation(t *testing.T) {
	env := setupTestServer(t, nil)

	for _, limit := range []string{"0", "-1", "abc", "100000"} {
		w := env.do("GET", "/api/provisions?limit="+limit, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want %d", limit, w.Code, http.StatusBadRequest)
		}
	}

	w := env.do("GET", "/api/provisions", "")
	if w.Code != http.StatusOK || w.Body.String() != "[]\n" {
		t.Errorf("empty history = %d %q", w.Code, w.Body.String())
	}
}

func TestPruneProvisions(t *testing.T) {
	env := setupTestServer(t, nil)

	w := env.do("POST", "/api/provisions/prune", `{"older_than": "7d"}`)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	w = env.do("POST", "/api/provisions/prune", `{"older_than": "soon"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := setupTestServer(t, func(cfg *config.Config) {
		cfg.API.Token = "secret-token"
	})

	tests := []struct {
		name   string
		path   string
		header string
		status int
	}{
		{"no token", "/api/branches", "", http.StatusUnauthorized},
		{"wrong scheme", "/api/branches", "Basic c2VjcmV0", http.StatusUnauthorized},
		{"wrong token", "/api/branches", "Bearer wrong-token", http.StatusUnauthorized},
		{"correct token", "/api/branches", "Bearer secret-token", http.StatusOK},
		{"health without token", "/api/health", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			env.server.Router().ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
		})
	}
}

func TestRequireTokenWithoutToken(t *testing.T) {
	env := setupTestServer(t, func(cfg *config.Config) {
		cfg.API.RequireToken = true
	})

	req := httptest.NewRequest("GET", "/api/branches", nil)
	req.Header.Set("Authorization", "Bearer anything")
	w := httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestCORS(t *testing.T) {
	env := setupTestServer(t, func(cfg *config.Config) {
		cfg.API.AllowedOrigins = []string{"https://dash.example"}
	})

	req := httptest.NewRequest("OPTIONS", "/api/branches", nil)
	req.Header.Set("Origin", "https://dash.example")
	w := httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.example" {
		t.Errorf("allow origin = %q", got)
	}

	req = httptest.NewRequest("GET", "/api/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected allow origin %q", got)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 3)
	for i := range codes {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "203.0.113.7:5000"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		codes[i] = w.Code
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "198.51.100.1:5000"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("other client status = %d, want %d", w.Code, http.StatusOK)
	}
}
