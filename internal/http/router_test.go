package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"log/slog"

	"github.com/opencontainers/go-digest"

	"github.com/stenjo/esp-ota-server/internal/credentials"
	"github.com/stenjo/esp-ota-server/internal/domain"
	"github.com/stenjo/esp-ota-server/internal/registry"
)

type fakeEngine struct {
	syncResult     domain.SyncResult
	rollbackResult domain.RollbackResult
	statusVersion  domain.Version
	statusActive   bool
	statusErr      error

	syncCalls     int
	rollbackCalls int
}

func (f *fakeEngine) Sync(ctx context.Context, project string) domain.SyncResult {
	f.syncCalls++
	return f.syncResult
}

func (f *fakeEngine) Rollback(ctx context.Context, project string) domain.RollbackResult {
	f.rollbackCalls++
	return f.rollbackResult
}

func (f *fakeEngine) Status(ctx context.Context, project string) (domain.Version, bool, error) {
	return f.statusVersion, f.statusActive, f.statusErr
}

type fakeDirectory struct {
	names     []string
	reloadErr error
	reloads   int
}

func (f *fakeDirectory) Names() []string { return f.names }
func (f *fakeDirectory) Reload() error {
	f.reloads++
	return f.reloadErr
}

func newTestRouter(t *testing.T, engine Engine, directory Directory) *Router {
	t.Helper()
	if directory == nil {
		directory = &fakeDirectory{}
	}
	gate := credentials.NewGate(credentials.Credential{Identity: "admin", Secret: "s3cret"})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRouter(logger, gate, engine, directory, NewMemoryRateLimiter(), 0, nil)
	t.Cleanup(r.Close)
	return r
}

func doRequest(t *testing.T, r *Router, method, target string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if authed {
		req.SetBasicAuth("admin", "s3cret")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestSyncNowRequiresAuth(t *testing.T) {
	engine := &fakeEngine{}
	r := newTestRouter(t, engine, nil)

	rec := doRequest(t, r, http.MethodGet, "/sync_now?project=demo", false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got != authRealm {
		t.Fatalf("WWW-Authenticate = %q", got)
	}
	if engine.syncCalls != 0 {
		t.Fatal("engine invoked despite failed authentication")
	}
}

func TestSyncNowRejectsWrongCredentials(t *testing.T) {
	engine := &fakeEngine{}
	r := newTestRouter(t, engine, nil)

	req := httptest.NewRequest(http.MethodGet, "/sync_now?project=demo", nil)
	req.SetBasicAuth("admin", "wrong")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if engine.syncCalls != 0 {
		t.Fatal("engine invoked despite bad secret")
	}
}

func TestSyncNowStatusMapping(t *testing.T) {
	cases := []struct {
		status string
		code   int
	}{
		{domain.StatusSynced, http.StatusOK},
		{domain.StatusNoChange, http.StatusOK},
		{domain.StatusProjectUnknown, http.StatusNotFound},
		{domain.StatusSyncFailed, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.status, func(t *testing.T) {
			engine := &fakeEngine{syncResult: domain.SyncResult{Status: tc.status, Project: "demo"}}
			r := newTestRouter(t, engine, nil)

			rec := doRequest(t, r, http.MethodGet, "/sync_now?project=demo", true)
			if rec.Code != tc.code {
				t.Fatalf("status = %d, want %d", rec.Code, tc.code)
			}
			var body domain.SyncResult
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Status != tc.status {
				t.Fatalf("body status = %s, want %s", body.Status, tc.status)
			}
		})
	}
}

func TestSyncNowRequiresProjectParam(t *testing.T) {
	engine := &fakeEngine{}
	r := newTestRouter(t, engine, nil)

	rec := doRequest(t, r, http.MethodGet, "/sync_now", true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if engine.syncCalls != 0 {
		t.Fatal("engine invoked without a project name")
	}
}

func TestRollbackStatusMapping(t *testing.T) {
	cases := []struct {
		status string
		code   int
	}{
		{domain.StatusRolledBack, http.StatusOK},
		{domain.StatusNoPriorVersion, http.StatusConflict},
		{domain.StatusProjectUnknown, http.StatusNotFound},
		{domain.StatusRollbackFailed, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.status, func(t *testing.T) {
			engine := &fakeEngine{rollbackResult: domain.RollbackResult{Status: tc.status, Project: "demo"}}
			r := newTestRouter(t, engine, nil)

			rec := doRequest(t, r, http.MethodGet, "/rollback?project=demo", true)
			if rec.Code != tc.code {
				t.Fatalf("status = %d, want %d", rec.Code, tc.code)
			}
		})
	}
}

func TestStatusUnknownProject(t *testing.T) {
	engine := &fakeEngine{statusErr: fmt.Errorf("%w: ghost", registry.ErrUnknownProject)}
	r := newTestRouter(t, engine, nil)

	rec := doRequest(t, r, http.MethodGet, "/status?project=ghost", true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDownloadStreamsActivePayload(t *testing.T) {
	payload := []byte("firmware archive bytes")
	path := filepath.Join(t.TempDir(), "payload.zip")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	dgst := digest.FromBytes(payload)
	engine := &fakeEngine{
		statusVersion: domain.Version{
			ID:              "ver-1",
			SourceReference: "v1.2.3",
			PayloadLocation: path,
			ContentDigest:   dgst,
			FetchedAt:       time.Now().UTC(),
		},
		statusActive: true,
	}
	r := newTestRouter(t, engine, nil)

	rec := doRequest(t, r, http.MethodGet, "/download?project=demo", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != string(payload) {
		t.Fatalf("body = %q, want the active payload", got)
	}
	wantETag := `"` + dgst.String() + `"`
	if got := rec.Header().Get("ETag"); got != wantETag {
		t.Fatalf("ETag = %q, want %q", got, wantETag)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/zip" {
		t.Fatalf("Content-Type = %q", got)
	}
}

func TestDownloadNotModifiedForMatchingETag(t *testing.T) {
	payload := []byte("firmware archive bytes")
	path := filepath.Join(t.TempDir(), "payload.zip")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	dgst := digest.FromBytes(payload)
	engine := &fakeEngine{
		statusVersion: domain.Version{
			ID:              "ver-1",
			PayloadLocation: path,
			ContentDigest:   dgst,
			FetchedAt:       time.Now().UTC(),
		},
		statusActive: true,
	}
	r := newTestRouter(t, engine, nil)

	req := httptest.NewRequest(http.MethodGet, "/download?project=demo", nil)
	req.SetBasicAuth("admin", "s3cret")
	req.Header.Set("If-None-Match", `"`+dgst.String()+`"`)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want 304 for a device already on the active version", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected empty body, got %d bytes", rec.Body.Len())
	}
}

func TestDownloadWithoutActiveVersion(t *testing.T) {
	r := newTestRouter(t, &fakeEngine{statusActive: false}, nil)

	rec := doRequest(t, r, http.MethodGet, "/download?project=demo", true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDownloadUnknownProject(t *testing.T) {
	engine := &fakeEngine{statusErr: fmt.Errorf("%w: ghost", registry.ErrUnknownProject)}
	r := newTestRouter(t, engine, nil)

	rec := doRequest(t, r, http.MethodGet, "/download?project=ghost", true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDownloadRequiresAuth(t *testing.T) {
	r := newTestRouter(t, &fakeEngine{statusActive: true}, nil)

	rec := doRequest(t, r, http.MethodGet, "/download?project=demo", false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestProjectsListsRegistry(t *testing.T) {
	engine := &fakeEngine{statusVersion: domain.Version{SourceReference: "v1.2.3"}, statusActive: true}
	directory := &fakeDirectory{names: []string{"demo", "sensor"}}
	r := newTestRouter(t, engine, directory)

	rec := doRequest(t, r, http.MethodGet, "/projects", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Projects []struct {
			Name      string `json:"name"`
			ActiveTag string `json:"active_tag"`
		} `json:"projects"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Projects) != 2 || body.Projects[0].Name != "demo" || body.Projects[0].ActiveTag != "v1.2.3" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestReloadProjects(t *testing.T) {
	directory := &fakeDirectory{names: []string{"demo"}}
	r := newTestRouter(t, &fakeEngine{}, directory)

	rec := doRequest(t, r, http.MethodPost, "/reload_projects", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if directory.reloads != 1 {
		t.Fatalf("reloads = %d, want 1", directory.reloads)
	}

	rec = doRequest(t, r, http.MethodGet, "/reload_projects", true)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405 for GET", rec.Code)
	}
}

func TestRateLimitRejectsExcessRequests(t *testing.T) {
	engine := &fakeEngine{syncResult: domain.SyncResult{Status: domain.StatusSynced}}
	gate := credentials.NewGate(credentials.Credential{Identity: "admin", Secret: "s3cret"})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRouter(logger, gate, engine, &fakeDirectory{}, NewMemoryRateLimiter(), 2, nil)
	t.Cleanup(r.Close)

	for i := 0; i < 2; i++ {
		if rec := doRequest(t, r, http.MethodGet, "/sync_now?project=demo", true); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
	}
	if rec := doRequest(t, r, http.MethodGet, "/sync_now?project=demo", true); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	healthErr := error(nil)
	gate := credentials.NewGate(credentials.Credential{Identity: "admin", Secret: "s3cret"})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRouter(logger, gate, &fakeEngine{}, &fakeDirectory{}, NewMemoryRateLimiter(), 0, func() error { return healthErr })
	t.Cleanup(r.Close)

	if rec := doRequest(t, r, http.MethodGet, "/healthz", false); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 without auth", rec.Code)
	}

	healthErr = fmt.Errorf("data dir not writable")
	if rec := doRequest(t, r, http.MethodGet, "/healthz", false); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
