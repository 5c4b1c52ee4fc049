package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/p-n-ai/pai-training/internal/api"
	"github.com/p-n-ai/pai-training/internal/catalog"
	"github.com/p-n-ai/pai-training/internal/notify"
	"github.com/p-n-ai/pai-training/internal/platform/cache"
	"github.com/p-n-ai/pai-training/internal/platform/config"
	"github.com/p-n-ai/pai-training/internal/platform/database"
	"github.com/p-n-ai/pai-training/internal/roles"
	"github.com/p-n-ai/pai-training/internal/training"
)

const readyTimeout = 2 * time.Second

// readinessCheck reports whether a dependency is usable.
type readinessCheck func(ctx context.Context) error

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Log))

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Database.Migrate {
		if err := database.Migrate(ctx, db.Pool); err != nil {
			return err
		}
	}

	reader, err := newCatalog(cfg.Catalog, db)
	if err != nil {
		return err
	}

	store, err := training.NewPostgresStore(db.Pool)
	if err != nil {
		return err
	}

	checks := map[string]readinessCheck{"database": db.HealthCheck}

	var progressCache training.ProgressCache
	if cfg.Cache.Enabled {
		conn, err := cache.Dial(ctx, cfg.Cache.URL)
		if err != nil {
			return err
		}
		defer conn.Close()
		progressCache = conn.Progress(cfg.Cache.TTL)
		checks["cache"] = conn.HealthCheck
	} else {
		slog.Info("progress cache disabled")
	}

	roleStore, err := roles.NewPostgresStore(db.Pool)
	if err != nil {
		return err
	}
	hub := notify.NewHub()
	hub.Register("event_log", notify.NewPostgresLog(db.Pool))
	hub.Register("roles", roles.NewAssigner(roleStore, roles.RoleTrained))

	engine := training.NewEngine(training.EngineConfig{
		Store:     store,
		Catalog:   reader,
		Cache:     progressCache,
		Publisher: hub,
		Workers:   cfg.Progress.Workers,
	})

	mux := newMux(checks)
	api.New(api.Config{Engine: engine, Hub: hub}).Register(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.WithRequestID(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func newCatalog(cfg config.CatalogConfig, db *database.DB) (catalog.Reader, error) {
	if cfg.Source == "yaml" {
		loader, err := catalog.NewLoader(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("load catalog: %w", err)
		}
		slog.Info("catalog loaded from files", "path", cfg.Path, "categories", len(loader.AllCategories()))
		return loader, nil
	}
	return catalog.NewPostgresCatalog(db.Pool)
}

// newMux creates the HTTP router with health check endpoints.
func newMux(checks map[string]readinessCheck) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", handleReadyz(checks))
	return mux
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func handleReadyz(checks map[string]readinessCheck) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		failed := map[string]string{}
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				slog.Warn("readiness check failed", "check", name, "error", err)
				failed[name] = "unavailable"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if len(failed) > 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]any{"status": "not ready", "checks": failed})
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}
}
