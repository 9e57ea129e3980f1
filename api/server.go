/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend
  5. Auth:       Bearer token → engine.Principal (/api only)

ROUTE GROUPS:
  /api/contracts/*      Contract master data and period generation
  /api/deliverables/*   Deliverable lifecycle
  /api/payments/*       Payment projection
  /api/scenarios/*      Demo scenarios
  /healthz              Liveness (no auth)

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Authenticator
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, auth *Authenticator, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware)

		// Contract routes
		r.Route("/contracts", func(r chi.Router) {
			r.Get("/", h.ListContracts)
			r.Get("/{id}", h.GetContract)
			r.Put("/{id}", h.SaveContract)
			r.Post("/{id}/generate", h.GeneratePeriods)
			r.Post("/{id}/cancel", h.CancelContract)
		})

		// Deliverable routes
		r.Route("/deliverables", func(r chi.Router) {
			r.Get("/", h.ListDeliverables)
			r.Get("/{id}", h.GetDeliverable)
			r.Delete("/{id}", h.DeleteDeliverable)
			r.Get("/{id}/events", h.ListEvents)
			r.Post("/{id}/submit", h.SubmitDeliverable)
			r.Post("/{id}/start-review", h.StartReview)
			r.Post("/{id}/review", h.ReviewDeliverable)
			r.Post("/{id}/billing", h.AdvanceBilling)
			r.Post("/{id}/void", h.VoidDeliverable)
		})

		// Payment routes
		r.Route("/payments", func(r chi.Router) {
			r.Get("/{id}", h.GetPayment)
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
