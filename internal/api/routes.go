package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felipemaragno/retryq/internal/observability"
)

type RouterConfig struct {
	Handler       *Handler
	HealthHandler *observability.HealthHandler
	Metrics       *observability.Metrics
	Logger        *slog.Logger
}

func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if cfg.Logger != nil {
		r.Use(observability.LoggingMiddleware(cfg.Logger))
	}

	if cfg.Metrics != nil {
		r.Use(observability.MetricsMiddleware(cfg.Metrics))
	}

	r.Get("/health", cfg.HealthHandler.Health)
	r.Get("/ready", cfg.HealthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	mountRoutes(r, cfg.Handler)
	return r
}

func mountRoutes(r chi.Router, h *Handler) {
	r.Post("/operations", h.SubmitOperation)

	r.Route("/debug/retryq", func(r chi.Router) {
		r.Get("/", h.GetQueue)
		r.Post("/signal", h.SignalQueue)
		r.Post("/reset-timeouts", h.ResetTimeouts)
	})

	if h.cluster != nil {
		r.Route("/cluster", func(r chi.Router) {
			r.Get("/map", h.GetClusterMap)
			r.Post("/publish", h.PublishMap)
			r.Post("/nodes/{id}/{action}", h.NodeAction)
		})
	}
}
