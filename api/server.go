/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. Timeout:    Cancels the request context after RouterConfig.Timeout
  5. CORS:       Cross-origin requests for the back-office UI

ROUTE GROUPS:
  /api/invoices/*, /api/contracts/*, /api/payments/*   Single-target fees
  /api/companies/{companyID}/*                         Scans, rules, cache
  /api/cache                                           Global cache eviction
  /api/scan-runs                                       Scheduled scan audit
  /api/scenarios/*                                     Demo data (dev only)
  /metrics                                             Prometheus
  /healthz                                             Liveness

SECURITY NOTE:
  No authentication middleware. Deploy behind the internal gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the router's optional pieces.
type RouterConfig struct {
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Timeout bounds each request; zero disables the timeout middleware.
	Timeout time.Duration
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	if cfg.Timeout > 0 {
		r.Use(middleware.Timeout(cfg.Timeout))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/invoices/{id}/late-fee", h.GetInvoiceLateFee)
		r.Get("/contracts/{id}/late-fee", h.GetContractLateFee)
		r.Get("/payments/{id}/late-fee", h.GetPaymentLateFee)

		// Company routes
		r.Route("/companies/{companyID}", func(r chi.Router) {
			r.Route("/late-fees", func(r chi.Router) {
				r.Get("/invoices", h.ListInvoiceLateFees)
				r.Get("/contracts", h.ListContractLateFees)
				r.Get("/summary", h.GetLateFeeSummary)
			})

			r.Route("/rules", func(r chi.Router) {
				r.Get("/", h.ListRules)
				r.Post("/", h.CreateRules)
				r.Post("/default", h.CreateDefaultRule)
			})

			r.Delete("/cache", h.ClearCompanyCache)
		})

		r.Delete("/cache", h.ClearAllCache)

		// Scan run routes
		r.Route("/scan-runs", func(r chi.Router) {
			r.Get("/", h.ListScanRuns)
			r.Post("/", h.TriggerScan)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
