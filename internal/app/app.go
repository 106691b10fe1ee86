// Package app wires configuration, infrastructure, and every domain
// package together and runs either the HTTP API or the background worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/bulkimport/internal/config"
	"github.com/wisbric/bulkimport/internal/httpserver"
	"github.com/wisbric/bulkimport/internal/platform"
	"github.com/wisbric/bulkimport/internal/telemetry"
	"github.com/wisbric/bulkimport/pkg/admission"
	"github.com/wisbric/bulkimport/pkg/expiry"
	"github.com/wisbric/bulkimport/pkg/importjob"
	"github.com/wisbric/bulkimport/pkg/jobrunner"
	"github.com/wisbric/bulkimport/pkg/jobstatus"
	"github.com/wisbric/bulkimport/pkg/store"
	"github.com/wisbric/bulkimport/pkg/tier"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api or worker).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting bulkimport",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	client := store.NewRedisClient(rdb)
	if err := client.EnableKeyspaceNotifications(ctx); err != nil {
		logger.Warn("enabling keyspace notifications failed, relying on sweeper only", "error", err)
	}

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry()

	tiers := cfg.Tiers()
	ctrl := admission.New(client, tiers, cfg.SafetyKeyTTL, cfg.StoreCallTimeout, logger)

	statusStore := jobstatus.New(db, logger)
	statusStore.Start(ctx)
	defer statusStore.Close()

	runner := jobrunner.New(ctrl, statusStore, syntheticImportWorkload(cfg.ProgressInterval), cfg.WorkerPoolSizeOrNumCPU(), logger)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, client, metricsReg, runner, statusStore)
	case "worker":
		return runWorker(ctx, logger, client, tiers, cfg.SweepInterval)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, client store.Client, metricsReg *prometheus.Registry, runner *jobrunner.Runner, statusStore *jobstatus.Store) error {
	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)

	importHandler := importjob.NewHandler(logger, runner, statusStore)
	srv.Router.Mount("/", importHandler.Routes())

	// The expiry listener also runs in-process in api mode: every replica
	// that can receive a submission should also be able to repair its own
	// crashed reservations.
	listener := expiry.NewListener(client, cfg.Tiers(), logger)
	go func() {
		if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("expiry listener stopped with error", "error", err)
		}
	}()

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker runs the crash-recovery sweeper as a standalone process,
// separate from any API replica (spec.md §4.F: the sweeper is an optional
// enhancement, not tied to request handling).
func runWorker(ctx context.Context, logger *slog.Logger, client store.Client, tiers *tier.Table, sweepInterval time.Duration) error {
	logger.Info("worker started")
	sweeper := expiry.NewSweeper(client, tiers, logger, sweepInterval)
	sweeper.Run(ctx)
	return nil
}
