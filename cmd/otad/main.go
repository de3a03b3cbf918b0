package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"log/slog"

	"github.com/stenjo/esp-ota-server/internal/credentials"
	"github.com/stenjo/esp-ota-server/internal/fetch"
	httpx "github.com/stenjo/esp-ota-server/internal/http"
	"github.com/stenjo/esp-ota-server/internal/lock"
	"github.com/stenjo/esp-ota-server/internal/registry"
	"github.com/stenjo/esp-ota-server/internal/service/release"
	"github.com/stenjo/esp-ota-server/internal/store"
	"github.com/stenjo/esp-ota-server/pkg/config"
	"github.com/stenjo/esp-ota-server/pkg/logger"
)

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("otad", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cred, err := credentials.Load(cfg.CredentialsFile)
	if err != nil {
		log.Error("failed to load credentials", "file", cfg.CredentialsFile, "error", err)
		os.Exit(1)
	}
	gate := credentials.NewGate(cred)

	reg, err := registry.Load(cfg.ProjectsFile)
	if err != nil {
		log.Error("failed to load project registry", "file", cfg.ProjectsFile, "error", err)
		os.Exit(1)
	}

	versions, err := store.New(cfg.DataDir, cfg.RetentionDepth)
	if err != nil {
		log.Error("failed to open version store", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	fetcher := fetch.New(cfg.APIBaseURL, cfg.ArchiveBaseURL, cfg.FetchTimeout, cfg.FetchBackoff, cfg.FetchAttempts)
	engine := release.New(reg, versions, fetcher, lock.NewManager(), log)

	if cfg.SyncInterval > 0 {
		go backgroundSync(ctx, engine, cfg.SyncInterval, log)
	}

	limiter := httpx.NewMemoryRateLimiter()
	router := httpx.NewRouter(log, gate, engine, reg, limiter, cfg.RateLimitPerMinute, storeHealth(cfg.DataDir))
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("ota server starting", "addr", cfg.Addr, "projects", len(reg.Names()))
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("ota server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// backgroundSync periodically syncs every registered project, sharing the
// engine (and therefore its per-project locks) with the HTTP surface.
func backgroundSync(ctx context.Context, engine release.Service, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Info("background sync enabled", "interval", interval)
	engine.SyncAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			engine.SyncAll(ctx)
		}
	}
}

// storeHealth verifies the data dir is writable.
func storeHealth(dir string) func() error {
	return func() error {
		probe := filepath.Join(dir, ".healthz")
		if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
			return err
		}
		return os.Remove(probe)
	}
}
