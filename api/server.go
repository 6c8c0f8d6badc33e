/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /api/scan                   Invariant scanning
  /api/accounts/*             Balances
  /api/repairs/*              Plan and apply corrective runs
  /api/transactions/*         Reconciliation and audit trail
  /api/reconciliation/verify  Contract verification

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.
  Front with an authenticating proxy in production.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

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

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Integrity routes
		r.Get("/scan", h.Scan)
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/{code}/balance", h.GetBalance)
		})

		// Repair routes
		r.Route("/repairs", func(r chi.Router) {
			r.Post("/plan", h.PlanRepair)
			r.Post("/apply", h.ApplyRepair)
		})

		// Reconciliation routes
		r.Route("/transactions", func(r chi.Router) {
			r.Get("/{id}", h.GetTransaction)
			r.Get("/{id}/audit", h.GetAuditTrail)
			r.Post("/{id}/reconcile", h.Reconcile)
			r.Post("/{id}/unreconcile", h.Unreconcile)
		})
		r.Get("/reconciliation/verify", h.VerifyReconciliation)

		// Health check
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	})

	return r
}
