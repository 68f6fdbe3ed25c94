package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/logging"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/services/rolesync"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/telemetry"
)

// RouterOptions controls the construction of the rolesync HTTP router.
// Only Service is required.
type RouterOptions struct {
	Service     rolesync.Service
	Metrics     *telemetry.ServerMetrics
	Logger      *slog.Logger
	CORSOptions *cors.Options
	// Middleware wraps every route, including /health.
	Middleware []func(http.Handler) http.Handler
	// APIMiddleware wraps only the /v1 admin API.
	APIMiddleware []func(http.Handler) http.Handler
	ExtraRoutes   func(chi.Router)
}

// DefaultCORSOptions returns the shared CORS policy for the admin API.
func DefaultCORSOptions() cors.Options {
	return cors.Options{
		AllowedOrigins: []string{
			"http://localhost:5173",
			"http://127.0.0.1:5173",
		},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", ActorHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}
}

// NewRouter assembles a chi.Router with shared middleware, CORS policy, and
// the rolesync handlers mounted.
func NewRouter(opts RouterOptions) chi.Router {
	logger := logging.OrDiscard(opts.Logger)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(requestMetrics(opts.Metrics))
	}

	corsCfg := DefaultCORSOptions()
	if opts.CORSOptions != nil {
		corsCfg = *opts.CORSOptions
	}
	r.Use(cors.Handler(corsCfg))

	for _, mw := range opts.Middleware {
		if mw != nil {
			r.Use(mw)
		}
	}

	h := NewHandlers(opts.Service, logger)
	r.Get("/health", h.Health)

	r.Route("/v1", func(r chi.Router) {
		for _, mw := range opts.APIMiddleware {
			if mw != nil {
				r.Use(mw)
			}
		}

		r.Get("/roles/{userID}", h.ResolveRole)
		r.Post("/roles/{userID}/rollback", h.RollbackRole)

		r.Post("/sync", h.TriggerSync)
		r.Get("/sync/active", h.ListActiveSync)
		r.Get("/sync/{id}", h.GetSync)
		r.Post("/conflicts/{id}/resolve", h.ResolveConflict)

		r.Get("/breakers", h.BreakerHealth)
		r.Post("/breakers/{service}/reset", h.ResetBreaker)
		r.Post("/breakers/{service}/open", h.ForceOpenBreaker)
		r.Post("/breakers/{service}/close", h.ForceCloseBreaker)
	})

	if opts.ExtraRoutes != nil {
		opts.ExtraRoutes(r)
	}
	return r
}
