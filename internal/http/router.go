package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/robertarktes/ticketing-checkout/internal/idempotency"
	"github.com/robertarktes/ticketing-checkout/internal/observability"
	"github.com/robertarktes/ticketing-checkout/internal/rateLimit"
)

type RouterOptions struct {
	// RateLimiter is optional; without it no limit is applied.
	RateLimiter *rateLimit.RateLimiter
	PerMinute   int
	// Idempotency is optional; with it set money-moving client routes
	// require an Idempotency-Key header.
	Idempotency *idempotency.Idempotency
	// WebhookSecret must accompany gateway notifications; empty refuses all.
	WebhookSecret string
}

func SetupRouter(h *Handlers, logger observability.Logger, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Use(IdentityMiddleware)
		if opts.RateLimiter != nil && opts.PerMinute > 0 {
			r.Use(RateLimitMiddleware(opts.RateLimiter, opts.PerMinute, logger))
		}

		idempotent := func(r chi.Router) {
			if opts.Idempotency != nil {
				r.Use(opts.Idempotency.Middleware(callerKey))
			}
		}

		// Buyers.
		r.Group(func(r chi.Router) {
			idempotent(r)
			r.Post("/checkout", h.Checkout)
			r.Post("/purchases/{id}/payments", h.InitiatePayment)
			r.Post("/purchases/{id}/wallet-debit", h.WalletDebit)
			r.Post("/wallets/{id}/debit", h.DebitWallet)
		})
		r.Get("/purchases/{id}", h.GetPurchase)
		r.Post("/purchases/{id}/cancel", h.CancelPurchase)
		r.Get("/tickets/{token}/qr.png", h.TicketQR)

		// Staff and gate devices.
		r.Group(func(r chi.Router) {
			r.Use(OperatorMiddleware)
			r.Group(func(r chi.Router) {
				idempotent(r)
				r.Post("/purchases/{id}/refunds", h.Refund)
				r.Post("/wallets/{id}/credit", h.CreditWallet)
			})
			r.Post("/qr/validate", h.ValidateQR)
			r.Post("/validations/{id}/revert", h.RevertValidation)
			r.Post("/tickets/{id}/void", h.VoidTicket)
		})

		r.With(WebhookAuthMiddleware(opts.WebhookSecret)).Post("/payments/webhook", h.PaymentWebhook)

		r.Post("/wallets/{id}", h.OpenWallet)
		r.Get("/wallets/{id}", h.GetWallet)
	})

	return r
}
