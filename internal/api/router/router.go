// Package router assembles the public HTTP surface of the replies engine.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	httpmiddleware "github.com/wolfman30/replies-engine/internal/http/middleware"
	"github.com/wolfman30/replies-engine/internal/ingress"
	"github.com/wolfman30/replies-engine/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger         *logging.Logger
	WebhookHandler *ingress.Handler

	// MetricsHandler, when set, is served at GET /metrics.
	MetricsHandler http.Handler

	// Per-IP webhook rate limit; zero disables limiting.
	WebhookRateLimit float64
	WebhookBurst     int
}

// New creates a new Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", cfg.WebhookHandler.HealthCheck)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Group(func(hooks chi.Router) {
		if cfg.WebhookRateLimit > 0 {
			hooks.Use(httpmiddleware.RateLimit(cfg.WebhookRateLimit, cfg.WebhookBurst))
		}
		hooks.Mount("/", cfg.WebhookHandler.Routes())
	})

	return r
}
