package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DukeRupert/agora/internal"
	"github.com/DukeRupert/agora/internal/cache"
	"github.com/DukeRupert/agora/internal/handler"
	"github.com/DukeRupert/agora/internal/metrics"
	"github.com/DukeRupert/agora/internal/middleware"
	"github.com/DukeRupert/agora/internal/pool"
	"github.com/DukeRupert/agora/internal/provision"
	"github.com/DukeRupert/agora/internal/ratelimit"
	"github.com/DukeRupert/agora/internal/storage"
	"github.com/DukeRupert/agora/internal/tenant"
)

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// ==========================================================================
	// Core services
	// ==========================================================================

	// Two-tier cache; the sweeper stops with ctx
	c := cache.New(cfg.CacheConfig(), logger)
	go c.Run(ctx)
	if c.Remote() == nil {
		logger.Warn("Remote cache not configured, rate limiting fails open")
	}

	// Pools are opened on first use, so a missing database setting only
	// fails the requests that need it
	router := pool.NewRouter(pool.Config{Main: cfg.MainTarget()}, pool.PgxOpener(cfg.PoolConfig()), logger)

	if cfg.MigrateOnStart {
		migrateMain(ctx, router, logger)
	}

	source, err := schemaSource(cfg, logger)
	if err != nil {
		return fmt.Errorf("schema source initialization failed: %w", err)
	}

	// The provisioner connects with the main credentials to the
	// maintenance database
	admin := cfg.MainTarget()
	admin.Database = ""
	provisioner := provision.New(provision.Config{Admin: admin, Source: source}, logger)
	logger.Info("Tenant schema source", "source", source.String())

	registry := tenant.NewRegistry(router, provisioner, c, logger)
	resolver := tenant.NewResolver(tenant.ResolverConfig{
		MainDomain: cfg.MainDomain,
		Production: cfg.IsProduction(),
	}, registry, logger)

	limiter := ratelimit.New(c.Remote(), internal.NewStaticSettings(cfg), logger)

	// Initialize middleware
	isSecure := cfg.IsProduction()
	loggingMw := middleware.NewRequestLoggingMiddleware(logger)
	securityMw := middleware.NewSecurityHeadersMiddleware(isSecure)
	tenantMw := middleware.NewTenantMiddleware(resolver, router, cfg.DevTenantCookie, logger)
	authMw := middleware.NewAuthMiddleware(cfg.TrustedUserHeader, cfg.TrustedProxies, logger)
	rateMw := middleware.NewRateLimitMiddleware(limiter, logger)
	metricsAuthMw := middleware.NewMetricsAuthMiddleware(cfg.MetricsUsername, cfg.MetricsPassword)
	httpMetrics := metrics.NewHTTPMiddleware(middleware.RequestSite)
	if cfg.MetricsUsername == "" && cfg.MetricsPassword == "" {
		logger.Warn("Metrics endpoint is unprotected")
	}

	// Initialize handlers
	tenantHandler := handler.NewTenantHandler(registry, cfg.MainDomain, logger)

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Metrics
	mux.Handle("GET /metrics", metricsAuthMw.Handler(promhttp.Handler()))

	// Tenant API
	tenantHandler.RegisterRoutes(mux, authMw.RequireUser, rateMw.Limit)

	// Fallback
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		handler.NotFoundResponse(w, r, logger)
	})

	// Outermost first
	stack := middleware.Stack(
		middleware.RequestIDMiddleware,
		loggingMw.Handler,
		securityMw.Handler,
		tenantMw.Handler,
		httpMetrics.Handler,
		authMw.WithUser,
	)

	// ==========================================================================
	// Start server
	// ==========================================================================

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           stack(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		logger.Info("Server started", "address", server.Addr, "env", cfg.Env, "main_domain", cfg.MainDomain)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
		}
	}()

	// Wait for interrupt signal
	<-sigChan
	logger.Info("Shutdown signal received, initiating graceful shutdown...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	// Stop the sweeper, then close every pool
	cancel()
	if err := router.Shutdown(shutdownCtx); err != nil {
		logger.Error("Pool shutdown error", "error", err)
	}

	logger.Info("Graceful shutdown complete")
	return nil
}

// migrateMain brings the main database schema up to date. Failure is
// logged: the server still starts and reports configuration errors per
// request.
func migrateMain(ctx context.Context, router *pool.Router, logger *slog.Logger) {
	migrateCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	db, err := router.Main(migrateCtx)
	if err != nil {
		logger.Warn("Main database unavailable, skipping migrations", "error", err)
		return
	}
	if err := internal.RunMigrations(migrateCtx, db.DB, logger); err != nil {
		logger.Error("Migration failed", "error", err)
		return
	}
	logger.Info("Database ready")
}

// schemaSource picks where new tenant databases get their schema from: a
// file, an object in storage, or the embedded script.
func schemaSource(cfg *internal.Config, logger *slog.Logger) (provision.SchemaSource, error) {
	switch {
	case cfg.TenantSchemaPath != "":
		return provision.FileSchema(cfg.TenantSchemaPath), nil
	case cfg.TenantSchemaKey != "":
		store, err := storage.New(cfg.StorageConfig(), logger)
		if err != nil {
			return nil, err
		}
		return provision.ObjectSchema{Store: store, Key: cfg.TenantSchemaKey}, nil
	default:
		return provision.EmbeddedSchema{}, nil
	}
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
