package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/supportdesk/internal/middleware"
	"github.com/capitalize-ai/supportdesk/pkg/logger"
)

// RouterOptions configures the API router.
type RouterOptions struct {
	Tickets *TicketHandler
	Health  *HealthHandler

	JWTSecret         string
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	TicketRateLimit   int
	Logger            *logger.Logger
}

// NewRouter builds the API routes.
func NewRouter(opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(opts.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(opts.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", opts.Health.Health)
	r.Get("/ready", opts.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(opts.JWTSecret))
		r.Use(middleware.RateLimit(opts.RateLimitRequests, opts.RateLimitWindow))

		r.Route("/tickets/{id}", func(r chi.Router) {
			r.With(
				middleware.RequireScope(middleware.ScopeInbound),
				middleware.TicketRateLimit(opts.TicketRateLimit, time.Minute, TicketID),
			).Post("/inbound", opts.Tickets.Inbound)
			r.With(middleware.RequireScope(middleware.ScopeDeescalate)).Post("/deescalate", opts.Tickets.Deescalate)
		})
	})

	return r
}
