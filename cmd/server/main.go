// Package main is the entry point for the calendar sync server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/calendar-sync/backend/internal/api"
	"github.com/calendar-sync/backend/internal/calendar"
	"github.com/calendar-sync/backend/internal/config"
	"github.com/calendar-sync/backend/internal/metrics"
	"github.com/calendar-sync/backend/internal/storage"
	"github.com/calendar-sync/backend/internal/syncer"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
var version = "dev"

// syncRunTimeout bounds one scheduled property sync.
const syncRunTimeout = 10 * time.Minute

func init() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
		}),
	))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	addr := flag.String("addr", os.Getenv("CALSYNC_ADDR"), "HTTP server address (overrides the config file)")
	dataDir := flag.String("data", envOr("CALSYNC_DATA_DIR", "/data"), "Data directory for the SQLite database")
	configPath := flag.String("config", envOr("CALSYNC_CONFIG", "/data/config.yaml"), "Path to the YAML configuration")
	syncOnce := flag.Bool("sync-once", false, "Sync every property once and exit")
	healthCheck := flag.Bool("health-check", false, "Run health check and exit")
	flag.Parse()

	if *healthCheck {
		target := *addr
		if target == "" {
			target = ":8099"
		}
		if err := runHealthCheck(target); err != nil {
			slog.Error("health check failed", "error", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if envVer := os.Getenv("VERSION"); envVer != "" {
		version = envVer
	}

	if err := run(*addr, *dataDir, *configPath, *syncOnce); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(addr, dataDir, configPath string, syncOnce bool) error {
	slog.Info("starting calendar sync", "version", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	tieBreak, err := syncer.ParseTieBreakPolicy(cfg.TieBreak)
	if err != nil {
		return err
	}
	profile, err := calendar.ParseExportProfile(cfg.Export.Platform)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Listen
	}

	db, err := storage.NewDB(filepath.Join(dataDir, "calendar-sync.db"))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := storage.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	slog.Info("database migrations complete", "path", db.Path())

	store := storage.NewStore(db)
	for _, feed := range cfg.Feeds() {
		if err := store.Feeds.Upsert(ctx, &feed); err != nil {
			return fmt.Errorf("seeding feed %s: %w", feed.ID, err)
		}
	}

	syncMetrics := metrics.NewSync(prometheus.DefaultRegisterer)
	fetcher := calendar.NewFetcher(nil, cfg.FetchTimeout.Duration())
	parser := calendar.NewParser(
		calendar.WithLocation(loc),
		calendar.WithMaxEvents(cfg.MaxEvents),
		calendar.WithDateRange(cfg.ParseWindow.Past.Duration(), cfg.ParseWindow.Future.Duration()),
	)
	manager := syncer.NewManager(store, fetcher, parser, cfg, syncMetrics, syncer.Options{
		Workers:         cfg.Workers,
		FeedConcurrency: cfg.FeedConcurrency,
		PersistTimeout:  cfg.PersistTimeout.Duration(),
		TieBreak:        tieBreak,
	})

	if syncOnce {
		reports, err := manager.SyncAll(ctx)
		for _, r := range reports {
			slog.Info("property synced", "property_id", r.PropertyID, "status", r.Status,
				"created", r.Totals.Created, "updated", r.Totals.Updated, "cancelled", r.Totals.Cancelled)
		}
		return err
	}

	scheduler := syncer.NewScheduler(manager, store.Feeds, cfg.DefaultPollInterval.Duration(), syncRunTimeout)
	if err := scheduler.Start(ctx); err != nil {
		slog.Warn("failed to start sync scheduler", "error", err)
	}

	exporter := calendar.NewExporter(store, calendar.ExportOptions{
		ProductID:          cfg.Export.ProductID,
		IncludeDescription: cfg.Export.IncludeDescription,
		NeutralSummaries:   cfg.Export.NeutralSummaries,
		UnitNames:          cfg.UnitNames(),
		Platform:           profile,
	})

	router := api.NewRouter(api.Services{
		Store:     store,
		Scheduler: scheduler,
		Exporter:  exporter,
		Gatherer:  prometheus.DefaultGatherer,
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		scheduler.Stop()
		return fmt.Errorf("http server: %w", err)
	}

	slog.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// runHealthCheck performs a health check against the running server.
func runHealthCheck(addr string) error {
	resp, err := http.Get("http://localhost" + addr + "/api/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
