/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. hlog:       Request-scoped zerolog logger + access log line
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for scheduling front ends

ROUTE GROUPS:
  /api/authorizations/*   Unit ledger
  /api/templates/*        Templates and generation
  /api/events/*           Visit lifecycle and staff replacement
  /api/scenarios/*        Demo scenarios
  /healthz                Liveness

SECURITY NOTE:
  No authentication middleware. Callers are trusted back-office services.

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
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

type RouterOptions struct {
	AllowedOrigins []string
	Logger         zerolog.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(middleware.RequestID)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/authorizations/{id}", func(r chi.Router) {
			r.Put("/", h.PutAuthorization)
			r.Get("/available-units", h.GetAvailableUnits)
			r.Get("/ledger", h.GetLedger)
		})

		r.Route("/templates", func(r chi.Router) {
			r.Post("/", h.CreateTemplate)
			r.Get("/{id}", h.GetTemplate)
			r.Post("/{id}/generate", h.Generate)
		})

		r.Route("/events", func(r chi.Router) {
			r.Get("/", h.ListEvents)
			r.Post("/unscheduled", h.CreateUnscheduled)
			r.Get("/{id}", h.GetEvent)
			r.Get("/{id}/visit", h.GetVisit)
			r.Post("/{id}/transitions", h.Transition)
			r.Post("/{id}/refresh", h.Refresh)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
