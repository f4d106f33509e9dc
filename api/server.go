/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in the request log
  2. Logger:     One zerolog line per request
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Configured origins only
  5. Principal:  Caller identity from upstream auth headers (/api only)

ROUTE GROUPS:
  /api/authorizations/*   Unit ledger
  /api/appointments/*     Appointment lifecycle
  /api/practitioners/*    Practitioner directory
  /api/admin/*            Maintenance
  /healthz                Liveness

SEE ALSO:
  - handlers.go:        Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler, log zerolog.Logger, corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			HeaderUserID, HeaderOrganizationID, HeaderRole,
		},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(Principal)

		r.Route("/authorizations", func(r chi.Router) {
			r.Post("/", h.CreateAuthorization)
			r.Get("/{id}", h.GetAuthorization)
			r.Get("/{id}/available", h.GetAvailable)
			r.Put("/{id}/total", h.SetTotal)
			r.Post("/{id}/reserve", h.Reserve)
			r.Post("/{id}/release", h.Release)
			r.Post("/{id}/consume", h.Consume)
		})

		r.Route("/appointments", func(r chi.Router) {
			r.Post("/", h.CreateAppointment)
			r.Get("/{id}", h.GetAppointment)
			r.Patch("/{id}", h.UpdateAppointment)
			r.Post("/{id}/start", h.StartAppointment)
			r.Post("/{id}/cancel", h.CancelAppointment)
			r.Post("/{id}/no-show", h.MarkNoShow)
			r.Post("/{id}/complete", h.CompleteAppointment)
			r.Get("/{id}/session", h.GetSession)
		})

		r.Put("/practitioners/{id}", h.SavePractitioner)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/expire", h.Expire)
		})
	})

	return r
}
