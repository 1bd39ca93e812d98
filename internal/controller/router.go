package controller

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/midastechnical/mdts-payments/internal/infrastructure/config"
	"github.com/midastechnical/mdts-payments/internal/infrastructure/observability"
	"github.com/midastechnical/mdts-payments/internal/infrastructure/providers"
	customMW "github.com/midastechnical/mdts-payments/internal/middleware"
	"github.com/midastechnical/mdts-payments/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type RouterDeps struct {
	DB               Pinger
	Redis            Pinger
	Fallback         *service.FallbackManager
	Attempts         payment.Repository
	Webhooks         *service.WebhookService
	CryptoMonitor    *service.CryptoMonitor
	Rates            providers.RateSource
	Refunds          *service.RefundService
	IdempotencyStore customMW.IdempotencyStore
	IdempotencyLocks customMW.KeyLocker
	IdempotencyTTL   time.Duration
	Metrics          *observability.Metrics
	Gatherer         prometheus.Gatherer
	Logger           zerolog.Logger
	ServiceName      string
	JWTSecret        string
	CORSConfig       config.CORSConfig
	RateLimit        config.RateLimitConfig
	MaxWebhookBytes  int64
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing(deps.ServiceName))
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(customMW.SecurityHeaders())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.CORSConfig.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link", "X-Idempotency-Replayed"},
		AllowCredentials: deps.CORSConfig.AllowCredentials,
		MaxAge:           300,
	}))
	r.Use(customMW.Metrics(deps.Metrics))

	healthH := NewHealthController(deps.DB, deps.Redis, deps.Fallback)
	paymentH := NewPaymentController(deps.Fallback, deps.Attempts)
	webhookH := NewWebhookController(deps.Webhooks)
	cryptoH := NewCryptoController(deps.CryptoMonitor, deps.Rates)
	refundH := NewRefundController(deps.Refunds)
	alertH := NewAlertController(deps.Metrics, deps.Logger)

	r.Get("/health", healthH.Health)
	r.Get("/health/live", healthH.Liveness)
	r.Get("/health/ready", healthH.Readiness)
	r.Get("/health/providers", healthH.Providers)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if deps.RateLimit.RequestsPerMinute > 0 {
				r.Use(customMW.RateLimit(deps.RateLimit.RequestsPerMinute))
			}

			// Payments
			r.With(customMW.Idempotency(deps.IdempotencyStore, deps.IdempotencyLocks, deps.IdempotencyTTL, deps.Logger)).
				Post("/payments", paymentH.Process)
			r.Get("/payments/{id}", paymentH.GetAttempt)

			// Crypto
			r.Get("/crypto/currencies", cryptoH.Currencies)
			r.Get("/crypto/payments/{id}", cryptoH.GetPayment)

			// Refunds
			r.With(customMW.RequireAuth(deps.JWTSecret, customMW.RoleAdmin, customMW.RoleService)).
				Post("/refunds", refundH.Create)
		})

		// Webhooks are limited per endpoint; providers send from a few addresses.
		r.Route("/webhooks", func(r chi.Router) {
			r.Use(customMW.MaxBodySize(deps.MaxWebhookBytes))
			if deps.RateLimit.WebhookRequestsPerMinute > 0 {
				r.Use(customMW.EndpointRateLimit(deps.RateLimit.WebhookRequestsPerMinute))
			}
			r.Post("/stripe", webhookH.Stripe)
			r.Post("/paypal", webhookH.PayPal)
		})
	})

	r.Route("/api/alerts", func(r chi.Router) {
		r.Use(customMW.RequireAuth(deps.JWTSecret, customMW.RoleAdmin, customMW.RoleService))
		r.Post("/payment-failure", alertH.PaymentFailure)
		r.Post("/webhook-failure", alertH.WebhookFailure)
	})

	return r
}
