package http

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/expert-bookings/internal/idempotency"
	"github.com/robertarktes/expert-bookings/internal/observability"
	"github.com/robertarktes/expert-bookings/internal/rateLimit"
)

type RouterOptions struct {
	Logger      observability.Logger
	RateLimiter *rateLimit.RateLimiter
	Idempotency *idempotency.Idempotency
	JWTKey      *rsa.PublicKey
	// StripeWebhook handles signed Stripe events. It sits outside JWT and
	// idempotency since Stripe authenticates with its own signature.
	StripeWebhook http.Handler
}

func SetupRouter(h *Handlers, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(opts.Logger))
	r.Use(TracingMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	if opts.StripeWebhook != nil {
		r.Method(http.MethodPost, "/v1/webhooks/stripe", opts.StripeWebhook)
	}

	r.Group(func(r chi.Router) {
		r.Use(JWTMiddleware(opts.JWTKey))
		r.Use(RateLimitMiddleware(opts.RateLimiter))
		r.Use(IdempotencyMiddleware(opts.Idempotency, opts.Logger))

		r.Post("/v1/reservations", h.ReserveSlot)
		r.Delete("/v1/reservations/{id}", h.ReleaseReservation)
		r.Post("/v1/bookings/confirm", h.ConfirmBooking)
		r.Get("/v1/bookings/{id}", h.GetBooking)
		r.Post("/v1/commissions", h.RecordCommission)
		r.Get("/v1/experts/{id}/commission-rate", h.CommissionRate)
	})

	return r
}
