package httpx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stenjo/esp-ota-server/internal/credentials"
	"github.com/stenjo/esp-ota-server/internal/domain"
	"github.com/stenjo/esp-ota-server/internal/registry"
)

const authRealm = `Basic realm="OTA Server"`

// Engine is the sync/rollback core the router dispatches to.
type Engine interface {
	Sync(ctx context.Context, project string) domain.SyncResult
	Rollback(ctx context.Context, project string) domain.RollbackResult
	Status(ctx context.Context, project string) (domain.Version, bool, error)
}

// Directory lists and reloads the project registry.
type Directory interface {
	Names() []string
	Reload() error
}

// Router wires HTTP endpoints to the release engine.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	gate        credentials.Gate
	engine      Engine
	directory   Directory
	limiter     RateLimiter
	rateLimit   int
	rateWindow  time.Duration
	healthCheck func() error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	syncResults        *prometheus.CounterVec
	rollbackResults    *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies. rateLimit caps requests per
// client IP per minute; zero disables limiting.
func NewRouter(logger *slog.Logger, gate credentials.Gate, engine Engine, directory Directory, limiter RateLimiter, rateLimit int, healthCheck func() error) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger,
		gate:        gate,
		engine:      engine,
		directory:   directory,
		limiter:     limiter,
		rateLimit:   rateLimit,
		rateWindow:  time.Minute,
		healthCheck: healthCheck,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/sync_now", r.instrument("/sync_now", r.guarded(r.handleSyncNow)))
	r.mux.HandleFunc("/rollback", r.instrument("/rollback", r.guarded(r.handleRollback)))
	r.mux.HandleFunc("/status", r.instrument("/status", r.guarded(r.handleStatus)))
	r.mux.HandleFunc("/download", r.instrument("/download", r.guarded(r.handleDownload)))
	r.mux.HandleFunc("/projects", r.instrument("/projects", r.guarded(r.handleProjects)))
	r.mux.HandleFunc("/reload_projects", r.instrument("/reload_projects", r.guarded(r.handleReloadProjects)))
}

// guarded chains rate limiting and Basic auth in front of a handler. Auth
// failures stop processing before any engine work happens.
func (r *Router) guarded(next http.HandlerFunc) http.HandlerFunc {
	return r.withRateLimit(r.requireAuth(next))
}

func (r *Router) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !r.limiter.Allow(clientIP(req), r.rateLimit, r.rateWindow) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		identity, secret, ok := req.BasicAuth()
		if !ok || !r.gate.Authenticate(identity, secret) {
			r.logger.Warn("authentication failed", "path", req.URL.Path, "remote", clientIP(req))
			w.Header().Set("WWW-Authenticate", authRealm)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, req)
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if r.healthCheck != nil {
		if err := r.healthCheck(); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleSyncNow(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	project, ok := r.projectParam(w, req)
	if !ok {
		return
	}
	result := r.engine.Sync(req.Context(), project)
	r.recordSyncResult(result.Status)
	writeSyncResult(w, result)
}

func (r *Router) handleRollback(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	project, ok := r.projectParam(w, req)
	if !ok {
		return
	}
	result := r.engine.Rollback(req.Context(), project)
	r.recordRollbackResult(result.Status)
	writeRollbackResult(w, result)
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	project, ok := r.projectParam(w, req)
	if !ok {
		return
	}
	version, active, err := r.engine.Status(req.Context(), project)
	if errors.Is(err, registry.ErrUnknownProject) {
		writeError(w, http.StatusNotFound, "unknown project")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	payload := map[string]any{"project": project}
	if active {
		payload["active"] = version
	} else {
		payload["active"] = nil
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleDownload streams the active version's payload to a device. The
// digest doubles as the ETag so devices already running the active version
// get 304 instead of the archive.
func (r *Router) handleDownload(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	project, ok := r.projectParam(w, req)
	if !ok {
		return
	}
	version, active, err := r.engine.Status(req.Context(), project)
	if errors.Is(err, registry.ErrUnknownProject) {
		writeError(w, http.StatusNotFound, "unknown project")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !active {
		writeError(w, http.StatusNotFound, "no active version")
		return
	}

	payload, err := os.Open(version.PayloadLocation)
	if err != nil {
		r.logger.Error("active payload unreadable", "project", project, "version_id", version.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "active payload unavailable")
		return
	}
	defer payload.Close()

	w.Header().Set("ETag", `"`+version.ContentDigest.String()+`"`)
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", project+"-"+version.SourceReference+".zip"))
	http.ServeContent(w, req, "", version.FetchedAt, payload)
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	type projectInfo struct {
		Name      string `json:"name"`
		ActiveTag string `json:"active_tag,omitempty"`
	}
	names := r.directory.Names()
	projects := make([]projectInfo, 0, len(names))
	for _, name := range names {
		info := projectInfo{Name: name}
		if version, active, err := r.engine.Status(req.Context(), name); err == nil && active {
			info.ActiveTag = version.SourceReference
		}
		projects = append(projects, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (r *Router) handleReloadProjects(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if err := r.directory.Reload(); err != nil {
		r.logger.Error("registry reload failed", "error", err)
		writeError(w, http.StatusInternalServerError, "registry reload failed")
		return
	}
	r.logger.Info("registry reloaded", "projects", len(r.directory.Names()))
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (r *Router) projectParam(w http.ResponseWriter, req *http.Request) (string, bool) {
	project := strings.TrimSpace(req.URL.Query().Get("project"))
	if project == "" {
		writeError(w, http.StatusBadRequest, "project parameter required")
		return "", false
	}
	return project, true
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
