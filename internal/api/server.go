package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	corslib "github.com/rs/cors"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/albapepper/hoopcal/internal/api/handler"
	"github.com/albapepper/hoopcal/internal/cache"
	"github.com/albapepper/hoopcal/internal/config"
	"github.com/albapepper/hoopcal/internal/query"
	"github.com/albapepper/hoopcal/internal/refresh"
	"github.com/albapepper/hoopcal/internal/store"
)

// NewRouter creates and configures the Chi router with all middleware and
// routes (§6 External interfaces).
func NewRouter(s store.Store, rc *refresh.Controller, appCache *cache.Cache, cfg *config.Config, hostIdentifier string) *chi.Mux {
	r := chi.NewRouter()

	// --- Middleware stack ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(TimingMiddleware)
	r.Use(middleware.Compress(5)) // gzip

	// CORS
	c := corslib.New(corslib.Options{
		AllowedOrigins:   cfg.CORSAllowOrigins,
		AllowedMethods:   []string{"GET", "POST", "HEAD", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Encoding", "Content-Type", "If-None-Match", "Cache-Control"},
		ExposedHeaders:   []string{"X-Process-Time", "Link", "ETag"},
		AllowCredentials: false,
	})
	r.Use(c.Handler)

	// Rate limiting
	if cfg.RateLimitEnabled {
		r.Use(RateLimitMiddleware(cfg.RateLimitRequests, cfg.RateLimitWindow))
	}

	// --- Handler dependencies ---
	q := query.New(s)
	h := handler.New(s, q, rc, appCache, cfg, hostIdentifier)

	// --- Routes ---

	r.Get("/", h.Root)

	r.Route("/health", func(r chi.Router) {
		r.Get("/", h.HealthCheck)
		r.Get("/store", h.HealthCheckStore)
		r.Get("/cache", h.HealthCheckCache)
	})

	r.Get("/docs/*", httpSwagger.Handler(
		httpSwagger.URL("/docs/doc.json"),
	))

	// Calendar feed — the one externally stable URL contract (§6).
	r.Get("/calendar.ics", h.CalendarICS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/seasons", h.ListSeasons)
		r.Get("/competitions", h.ListCompetitions)
		r.Get("/groups/{groupID}/teams", h.ListTeamsForGroup)
		r.Get("/matches", h.FindMatches)

		r.Get("/cache-info", h.CacheInfo)
		r.Post("/refresh", h.RequestRefresh)
		r.Get("/refresh/status", h.RefreshStatus)
	})

	return r
}
