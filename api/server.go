/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /api/salons/*      Tenant listings and computed rows
  /api/customers/*   Per-customer metrics
  /api/balances/*    Rewards accounts and ledger history
  /api/jobs/*        Batch triggers and run records

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Salon routes
		r.Route("/salons", func(r chi.Router) {
			r.Get("/", h.ListSalons)
			r.Get("/{id}/metrics", h.ListSalonMetrics)
			r.Get("/{id}/analytics", h.GetSalonAnalytics)
		})

		// Customer routes
		r.Route("/customers", func(r chi.Router) {
			r.Get("/{id}/metrics", h.GetCustomerMetrics)
		})

		// Loyalty routes
		r.Route("/balances", func(r chi.Router) {
			r.Get("/{id}", h.GetBalance)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Get("/{id}/verify", h.VerifyBalance)
		})

		// Job routes
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/metrics", h.RunMetricsJob)
			r.Post("/tiers", h.RunTiersJob)
			r.Post("/expiry", h.RunExpiryJob)
			r.Get("/runs", h.ListJobRuns)
		})
	})

	return r
}
