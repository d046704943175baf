package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/docgen/entitlement-api/internal/domain/admin"
	"github.com/docgen/entitlement-api/internal/domain/catalog"
	"github.com/docgen/entitlement-api/internal/domain/entitlement"
	"github.com/docgen/entitlement-api/internal/domain/ingest"
	"github.com/docgen/entitlement-api/internal/middleware"
	"github.com/docgen/entitlement-api/internal/pkg/database"
	pkgresponse "github.com/docgen/entitlement-api/internal/pkg/response"
)

const requestTimeout = 10 * time.Second

type handlers struct {
	entitlement *entitlement.Handler
	ingest      *ingest.Handler
	admin       *admin.Handler
	catalog     *catalog.Handler
	health      http.HandlerFunc
}

func newRouter(allowedOrigins []string, h handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(allowedOrigins))
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", h.health)

	r.Mount("/entitlement", h.entitlement.Routes())
	r.Mount("/webhooks", h.ingest.Routes())
	r.Mount("/catalog", h.catalog.Routes())
	r.Mount("/admin", h.admin.Routes())

	return r
}

// healthHandler reports 503 when Postgres is unreachable. Redis is optional
// and only reported.
func healthHandler(db *sqlx.DB, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{
			"status":   "ok",
			"database": "memory",
			"redis":    "disabled",
		}

		if db != nil {
			status["database"] = "ok"
			if err := database.PingPostgres(r.Context(), db); err != nil {
				status["status"] = "degraded"
				status["database"] = "unreachable"
			}
		}
		if redisClient != nil {
			status["redis"] = "ok"
			if err := database.PingRedis(r.Context(), redisClient); err != nil {
				status["redis"] = "unreachable"
			}
		}

		if status["status"] != "ok" {
			pkgresponse.JSON(w, http.StatusServiceUnavailable, status)
			return
		}
		pkgresponse.OK(w, status)
	}
}
