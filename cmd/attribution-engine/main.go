package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/castsignal/attribution-engine/internal/bus"
	"github.com/castsignal/attribution-engine/internal/config"
	"github.com/castsignal/attribution-engine/internal/database"
	"github.com/castsignal/attribution-engine/internal/httpserver"
	"github.com/castsignal/attribution-engine/internal/metrics"
	"github.com/castsignal/attribution-engine/internal/middleware"
	"github.com/castsignal/attribution-engine/internal/models"
)

const migrationsDir = "migrations"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting attribution engine",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Try to connect to PostgreSQL
	db, err := database.NewPostgresDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Warn("PostgreSQL not available, using in-memory storage", zap.Error(err))
		db = nil
	} else {
		defer db.Close()
		if err := db.Migrate(cfg.Database, migrationsDir); err != nil {
			logger.Error("failed to apply migrations", zap.Error(err))
		}
	}

	// Try to connect to ClickHouse for the raw event streams
	ch, err := database.NewClickHouseDB(ctx, cfg.ClickHouse, logger)
	if err != nil {
		logger.Warn("ClickHouse not available, using in-memory event store", zap.Error(err))
		ch = nil
	} else {
		defer ch.Close()
	}

	// Try to connect to Redis
	rdb, err := database.NewRedisDB(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Warn("Redis not available, idempotency and throttling are per-instance", zap.Error(err))
		rdb = nil
	} else {
		defer rdb.Close()
	}

	// Message bus: NATS when configured, otherwise in-process
	var msgBus bus.Client = bus.NewInProcBus()
	if cfg.NATS.Enabled {
		natsBus, err := bus.NewNATSBus(bus.NATSConfig{URL: cfg.NATS.URL, Name: cfg.NATS.Name}, logger)
		if err != nil {
			logger.Warn("NATS not available, using in-process bus", zap.Error(err))
		} else {
			msgBus = natsBus
		}
	}
	defer msgBus.Close()

	m := metrics.NewMetrics("castsignal")

	deps := &httpserver.Dependencies{
		DB:         db,
		ClickHouse: ch,
		Redis:      rdb,
		Bus:        msgBus,
		Config:     cfg,
		Logger:     logger,
		Metrics:    m,
	}
	server := httpserver.NewServer(deps)

	// Middleware chain: recovery -> logging -> rate limit -> auth -> tenant
	rateLimiter := middleware.NewRateLimitMiddleware(cfg.RateLimit, logger)
	rateLimiter.SetMetrics(m)

	var handler http.Handler = server
	handler = middleware.NewTenantMiddleware(logger).Handler(handler)
	handler = middleware.NewAuthMiddleware(cfg.Auth, logger).Handler(handler)
	handler = rateLimiter.Handler(handler)
	handler = middleware.NewLoggingMiddleware(logger, m).Handler(handler)
	handler = middleware.NewRecoveryMiddleware(logger).Handler(handler)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Background maintenance loops
	go refreshLoop(ctx, cfg, server, logger)
	go reconcileLoop(ctx, cfg, server, logger)
	go validatorLoop(ctx, cfg, server, logger)
	go purgeLoop(ctx, cfg, server, logger)

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

// refreshLoop keeps rollups current for tenants flagged dirty by the
// pipeline.
func refreshLoop(ctx context.Context, cfg *config.Config, server *httpserver.Server, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.Aggregate.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tenantID := range server.Aggregator().DrainDirty() {
				for _, g := range []models.Granularity{models.GranularityHour, models.GranularityDay} {
					if _, err := server.Aggregator().Refresh(ctx, tenantID, g, time.Now()); err != nil {
						logger.Error("rollup refresh failed",
							zap.String("tenant_id", tenantID),
							zap.String("granularity", string(g)),
							zap.Error(err),
						)
					}
				}
			}
		}
	}
}

// reconcileLoop audits rollups against raw paths over the lookback window.
func reconcileLoop(ctx context.Context, cfg *config.Config, server *httpserver.Server, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.Aggregate.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			from := now.Add(-cfg.Aggregate.Lookback)
			for _, tenantID := range server.Aggregator().KnownTenants() {
				err := server.Aggregator().Reconcile(ctx, tenantID, models.GranularityDay, from, now, cfg.Aggregate.ReconcileTolerance)
				if err != nil {
					logger.Warn("reconciliation found violations",
						zap.String("tenant_id", tenantID),
						zap.Error(err),
					)
				}
			}
		}
	}
}

// validatorLoop runs ground-truth audits for every campaign on a schedule.
func validatorLoop(ctx context.Context, cfg *config.Config, server *httpserver.Server, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.Validator.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tenantID := range server.Aggregator().KnownTenants() {
				if _, err := server.Validator().RunAll(ctx, tenantID); err != nil {
					logger.Error("validation run failed",
						zap.String("tenant_id", tenantID),
						zap.Error(err),
					)
				}
			}
		}
	}
}

// purgeLoop enforces the event retention horizon.
func purgeLoop(ctx context.Context, cfg *config.Config, server *httpserver.Server, logger *zap.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := server.Ingest().Purge(ctx, cfg.Ingest.Retention); err != nil {
				logger.Error("event purge failed", zap.Error(err))
			}
		}
	}
}
