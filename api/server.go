/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and the route table.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. RealIP:     Client address behind a proxy
  3. Logger:     One zerolog line per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the dashboard

ROUTE GROUPS:
  /api/products/{id}/costs/*          Product cost histories
  /api/channels/{id}/commissions/*    Channel commission histories
  /api/margin/*                       Unit and batch margin
  /api/imports, /api/exports/{kind}   Bulk documents
  /api/scenarios/*                    Fixture scenarios (dev only)
  /api/audit                          On-demand invariant audit
  /metrics                            Prometheus scrape endpoint
  /healthz                            Liveness

SECURITY NOTE:
  No authentication middleware. Deploy behind an authenticating proxy.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/ThaisFReis/mise-sub001/commission"
	"github.com/ThaisFReis/mise-sub001/cost"
	"github.com/ThaisFReis/mise-sub001/rate"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterConfig struct {
	AllowedOrigins []string
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		// Product cost routes
		r.Route("/products/{id}/costs", func(r chi.Router) {
			r.Post("/", h.CreateCost)
			subjectRoutes(r, h, cost.Kind)
		})

		// Channel commission routes
		r.Route("/channels/{id}/commissions", func(r chi.Router) {
			r.Post("/", h.CreateCommission)
			subjectRoutes(r, h, commission.Kind)
		})

		// Margin routes
		r.Route("/margin", func(r chi.Router) {
			r.Post("/unit", h.UnitMargin)
			r.Post("/batch", h.BatchMargin)
		})

		r.Post("/imports", h.Import)
		r.Get("/exports/{kind}", h.Export)
		r.Get("/audit", h.Audit)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// subjectRoutes mounts the read and close routes shared by every kind.
func subjectRoutes(r chi.Router, h *Handler, kind rate.Kind) {
	r.Get("/", h.Resolve(kind))
	r.Post("/close", h.Close(kind))
	r.Get("/segments", h.Segments(kind))
	r.Get("/history", h.History(kind))
	r.Get("/trend", h.Trend(kind))
}
