package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/md-rashed-zaman/slotengine/libs/httpx"
	"github.com/md-rashed-zaman/slotengine/libs/runtime"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/scheduling"
)

type RouterConfig struct {
	AllowedOrigins []string
	Ready          []runtime.ReadyCheck
	// APIMiddleware wraps /api routes only, so probes are never rate limited.
	APIMiddleware []httpx.Middleware
}

func NewRouter(svc *scheduling.Service, logger *slog.Logger, cfg RouterConfig) http.Handler {
	h := New(svc, logger)

	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", httpx.BusinessIDHeader, httpx.RequestIDHeader, IdempotencyKeyHeader, ActorHeader},
			ExposedHeaders: []string{httpx.RequestIDHeader},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", runtime.Liveness())
	r.Get("/readyz", runtime.Readiness(cfg.Ready...))

	r.Route("/api/v1", func(r chi.Router) {
		for _, m := range cfg.APIMiddleware {
			if m != nil {
				r.Use(m)
			}
		}
		r.Use(requireTenant)

		r.Get("/policy", h.GetPolicy)
		r.Put("/policy", h.PutPolicy)

		r.Route("/providers/{providerID}", func(r chi.Router) {
			r.Put("/", h.PutProvider)
			r.Get("/availability", h.Availability)
			r.Get("/intervals", h.Intervals)
			r.Post("/slots/generate", h.GenerateSlots)
			r.Get("/appointments", h.ListAppointments)
			r.Post("/rules", h.AddRule)
			r.Post("/rules/{ruleID}/deactivate", h.DeactivateRule)
			r.Post("/blocked-days", h.AddBlockedDay)
			r.Delete("/blocked-days/{blockedDayID}", h.LiftBlockedDay)
		})

		r.Route("/appointments", func(r chi.Router) {
			r.Post("/", h.Book)
			r.Route("/{appointmentID}", func(r chi.Router) {
				r.Get("/", h.GetAppointment)
				r.Delete("/", h.Purge)
				r.Post("/cancel", h.Cancel)
				r.Post("/reschedule", h.Reschedule)
				r.Post("/confirm", h.Confirm)
				r.Post("/start", h.Start)
				r.Post("/complete", h.Complete)
				r.Post("/no-show", h.MarkNoShow)
			})
		})
	})
	return r
}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if httpx.BusinessID(r) == "" {
			writeError(w, http.StatusBadRequest, "missing "+httpx.BusinessIDHeader)
			return
		}
		next.ServeHTTP(w, r)
	})
}
