/*
server.go - HTTP router and middleware configuration

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for operator tooling

ROUTE GROUPS:
  /api/periods/*       Preview, confirmation workflow, execution, roster
  /api/actions/*       Confirmation callback dispatch
  /api/codes, /api/reserve, /api/issuances, /api/stats
  /api/participants/*  Per-participant ledger views
  /metrics             Prometheus
  /healthz             Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured. A nil gatherer
// disables /metrics.
func NewRouter(h *Handler, gatherer prometheus.Gatherer) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", AdminHeader},
	}))

	r.Get("/healthz", healthz)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/periods/current", h.CurrentPeriod)
		r.Route("/periods/{period}", func(r chi.Router) {
			r.Get("/state", h.GetState)
			r.Get("/preview", h.Preview)
			r.Post("/confirmation", h.RequestConfirmation)
			r.Post("/confirm", h.Confirm)
			r.Post("/report-error", h.ReportError)
			r.Post("/remediation", h.AcknowledgeRemediation)
			r.Post("/execute", h.Execute)
			r.Get("/results", h.PeriodResults)

			r.Get("/roster", h.GetRoster)
			r.Put("/roster", h.SetRoster)
			r.Post("/roster/bind", h.BindSlot)
			r.Get("/roster/missing", h.MissingSlots)
		})

		r.Post("/actions/{action}", h.DispatchAction)

		r.Get("/codes", h.ListCodes)
		r.Post("/codes", h.AddCodes)
		r.Get("/reserve", h.GetReserve)
		r.Post("/reserve/adjust", h.AdjustReserve)
		r.Post("/issuances", h.IssueManual)
		r.Get("/stats", h.Stats)

		r.Route("/participants/{id}", func(r chi.Router) {
			r.Get("/entries", h.ParticipantEntries)
			r.Get("/available", h.AvailableCodes)
		})
	})

	return r
}
