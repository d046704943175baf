package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/docgen/entitlement-api/internal/config"
	"github.com/docgen/entitlement-api/internal/domain/admin"
	"github.com/docgen/entitlement-api/internal/domain/catalog"
	"github.com/docgen/entitlement-api/internal/domain/entitlement"
	"github.com/docgen/entitlement-api/internal/domain/ingest"
	"github.com/docgen/entitlement-api/internal/domain/ledger"
	"github.com/docgen/entitlement-api/internal/domain/ledger/memory"
	"github.com/docgen/entitlement-api/internal/pkg/database"
	"github.com/docgen/entitlement-api/internal/pkg/jwt"
	"github.com/docgen/entitlement-api/internal/pkg/logger"
	"github.com/docgen/entitlement-api/internal/pkg/metrics"
	"github.com/docgen/entitlement-api/internal/pkg/ratelimit"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Env,
		LogFile:     cfg.LogFile,
	})

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Str("storage", cfg.StorageBackend).
		Msg("Starting Entitlement API")

	var (
		store ledger.Store
		db    *sqlx.DB
	)
	switch cfg.StorageBackend {
	case "memory":
		log.Warn().Msg("Using in-memory ledger, state is lost on restart")
		store = memory.New()
	default:
		if cfg.AutoMigrate {
			if err := database.MigrateUp(cfg.DatabaseURL); err != nil {
				log.Fatal().Err(err).Msg("Failed to apply migrations")
			}
		}

		var err error
		db, err = database.NewPostgres(cfg.DatabaseURL, database.DefaultPool)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
		}
		defer database.ClosePostgres(db)
		store = ledger.NewRepository(db)
	}

	redisClient, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, consume rate limiting disabled")
		redisClient = nil
	}
	defer database.CloseRedis(redisClient)

	requirements, err := catalog.LoadRequirements(cfg.TemplateTiersFile, catalog.TierID(cfg.DefaultTemplateTier))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load template requirements")
	}

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)
	limiter := ratelimit.New(redisClient, "consume", cfg.ConsumeRateLimit, cfg.ConsumeRateWindow)

	// ---------- Services ----------
	resolver := entitlement.NewResolver(store, requirements)
	entitlementService := entitlement.NewService(resolver, store)
	ingestService := ingest.NewService(store)
	adminService := admin.NewService(store)

	if cfg.WebhookSecret == "" {
		log.Warn().Msg("WEBHOOK_SECRET not set, webhook signatures are not verified")
	}

	r := newRouter(cfg.AllowedOrigins, handlers{
		entitlement: entitlement.NewHandler(entitlementService, limiter),
		ingest:      ingest.NewHandler(ingestService, cfg.WebhookSecret),
		admin:       admin.NewHandler(adminService, jwtService),
		catalog:     catalog.NewHandler(requirements),
		health:      healthHandler(db, redisClient),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	metrics.StartServer(ctx, cfg.MetricsAddr)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}
