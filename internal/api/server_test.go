package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apierrors "github.com/narvanalabs/buildqueue/internal/api/errors"
	"github.com/narvanalabs/buildqueue/internal/auth"
	"github.com/narvanalabs/buildqueue/internal/creation"
	"github.com/narvanalabs/buildqueue/internal/idemcache"
	"github.com/narvanalabs/buildqueue/internal/lifecycle"
	"github.com/narvanalabs/buildqueue/internal/models"
	"github.com/narvanalabs/buildqueue/internal/notify"
	"github.com/narvanalabs/buildqueue/internal/search"
	"github.com/narvanalabs/buildqueue/internal/sequence"
	"github.com/narvanalabs/buildqueue/internal/store/storetest"
	"github.com/narvanalabs/buildqueue/internal/tagindex"
	"github.com/narvanalabs/buildqueue/pkg/config"
)

type okPinger struct{}

func (okPinger) Ping(ctx context.Context) error { return nil }

type testServer struct {
	*Server
	tokens *auth.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	fake := storetest.New()
	index := tagindex.New(fake, nil)
	access := auth.NewRBACAccess(nil)
	dispatcher := notify.NewLogDispatcher(nil)
	configs := creation.StaticConfigProvider{
		"proj/ci": {
			Scope: "proj/ci",
			Builders: map[string]*models.BuilderConfig{
				"linux-rel": {Name: "linux-rel", BuildNumbers: true},
			},
		},
	}

	creator := creation.NewCreator(fake, sequence.NewGenerator(fake, nil), index,
		idemcache.New(time.Minute), configs, access, dispatcher, nil)
	manager := lifecycle.NewManager(fake, index, access, dispatcher, nil)
	engine := search.NewEngine(fake, index, access, nil)
	tokens := auth.NewService(&auth.Config{
		JWTSecret:   []byte("test-secret-key-at-least-32-chars!"),
		TokenExpiry: time.Hour,
	}, nil)

	cfg := &config.Config{APIHost: "127.0.0.1", APIPort: 0, ShutdownTimeout: time.Second}
	srv := NewServer(cfg, creator, manager, engine, tokens, okPinger{}, nil)
	return &testServer{Server: srv, tokens: tokens}
}

func (s *testServer) token(t *testing.T, name string, role auth.Role) string {
	t.Helper()
	token, err := s.tokens.GenerateToken(auth.Identity{Name: name, Role: role})
	if err != nil {
		t.Fatal(err)
	}
	return token
}

// request performs one JSON request against the router and decodes the reply
// into out when it is non-nil.
func (s *testServer) request(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decoding %q: %v", rec.Body.String(), err)
		}
	}
	return rec.Code
}

type batchReply struct {
	Results []struct {
		Build *models.Build       `json:"build"`
		Error *apierrors.APIError `json:"error"`
	} `json:"results"`
}

type leaseReply struct {
	Success  bool          `json:"success"`
	Build    *models.Build `json:"build"`
	LeaseKey string        `json:"lease_key"`
}

func TestHealthEndpointNeedsNoAuth(t *testing.T) {
	s := newTestServer(t)
	if code := s.request(t, http.MethodGet, "/health", "", nil, nil); code != http.StatusOK {
		t.Fatalf("GET /health = %d", code)
	}
}

func TestAPIRequiresBearerToken(t *testing.T) {
	s := newTestServer(t)

	code := s.request(t, http.MethodPost, "/v1/builds/search", "", map[string]any{}, nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated search = %d, want 401", code)
	}

	code = s.request(t, http.MethodPost, "/v1/builds/search", "garbage-token", map[string]any{}, nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("bad token search = %d, want 401", code)
	}
}

func TestBuildLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	scheduler := s.token(t, "sched", auth.RoleScheduler)
	worker := s.token(t, "w1", auth.RoleWorker)

	// Schedule a build.
	var batch batchReply
	code := s.request(t, http.MethodPost, "/v1/builds/batch", scheduler, map[string]any{
		"requests": []map[string]any{{
			"scope":   "proj/ci",
			"builder": "linux-rel",
			"tags":    []string{"buildset:patch/1"},
		}},
	}, &batch)
	if code != http.StatusOK {
		t.Fatalf("create batch = %d", code)
	}
	if len(batch.Results) != 1 || batch.Results[0].Build == nil {
		t.Fatalf("batch reply = %+v", batch)
	}
	id := batch.Results[0].Build.ID
	base := fmt.Sprintf("/v1/builds/%d", id)

	// The worker leases it and receives the key.
	var lease leaseReply
	code = s.request(t, http.MethodPost, base+"/lease", worker, map[string]any{
		"expires_at": time.Now().Add(10 * time.Minute),
	}, &lease)
	if code != http.StatusOK || !lease.Success || lease.LeaseKey == "" {
		t.Fatalf("lease = %d, %+v", code, lease)
	}

	// A second worker loses the race and sees no key.
	var second leaseReply
	code = s.request(t, http.MethodPost, base+"/lease", worker, map[string]any{
		"expires_at": time.Now().Add(10 * time.Minute),
	}, &second)
	if code != http.StatusOK || second.Success || second.LeaseKey != "" {
		t.Fatalf("losing lease = %d, %+v", code, second)
	}

	// Start and complete under the lease.
	var started models.Build
	code = s.request(t, http.MethodPost, base+"/start", worker, map[string]any{
		"lease_key":    lease.LeaseKey,
		"progress_url": "https://logs/1",
	}, &started)
	if code != http.StatusOK || started.Status != models.BuildStatusStarted {
		t.Fatalf("start = %d, %+v", code, started)
	}

	var completed models.Build
	code = s.request(t, http.MethodPost, base+"/complete", worker, map[string]any{
		"lease_key": lease.LeaseKey,
		"status":    models.BuildStatusSuccess,
	}, &completed)
	if code != http.StatusOK || completed.Status != models.BuildStatusSuccess {
		t.Fatalf("complete = %d, %+v", code, completed)
	}

	// Completing with a different result is now a conflict.
	code = s.request(t, http.MethodPost, base+"/complete", worker, map[string]any{
		"lease_key": lease.LeaseKey,
		"status":    models.BuildStatusFailure,
	}, nil)
	if code != http.StatusConflict {
		t.Fatalf("conflicting complete = %d, want 409", code)
	}

	// The build is searchable by its tag.
	var page search.Page
	code = s.request(t, http.MethodPost, "/v1/builds/search", scheduler, map[string]any{
		"tags": []string{"buildset:patch/1"},
	}, &page)
	if code != http.StatusOK || len(page.Builds) != 1 || page.Builds[0].ID != id {
		t.Fatalf("search = %d, %+v", code, page)
	}
}

func TestRoleEnforcementOverHTTP(t *testing.T) {
	s := newTestServer(t)
	worker := s.token(t, "w1", auth.RoleWorker)

	// Workers may not schedule builds: the slot fails with FORBIDDEN.
	var batch batchReply
	code := s.request(t, http.MethodPost, "/v1/builds/batch", worker, map[string]any{
		"requests": []map[string]any{{
			"scope":   "proj/ci",
			"builder": "linux-rel",
		}},
	}, &batch)
	if code != http.StatusOK {
		t.Fatalf("create batch = %d", code)
	}
	if batch.Results[0].Error == nil || batch.Results[0].Error.Code != apierrors.CodeForbidden {
		t.Fatalf("worker create slot = %+v, want FORBIDDEN", batch.Results[0])
	}
}

func TestGetUnknownBuildOverHTTP(t *testing.T) {
	s := newTestServer(t)
	reader := s.token(t, "r", auth.RoleReader)

	code := s.request(t, http.MethodGet, "/v1/builds/12345", reader, nil, nil)
	if code != http.StatusNotFound {
		t.Fatalf("get unknown build = %d, want 404", code)
	}

	code = s.request(t, http.MethodGet, "/v1/builds/not-a-number", reader, nil, nil)
	if code != http.StatusBadRequest {
		t.Fatalf("get malformed id = %d, want 400", code)
	}
}
