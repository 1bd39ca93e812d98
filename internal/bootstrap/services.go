package bootstrap

import (
	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/midastechnical/mdts-payments/internal/infrastructure/config"
	"github.com/midastechnical/mdts-payments/internal/infrastructure/observability"
	"github.com/midastechnical/mdts-payments/internal/infrastructure/providers"
	infraRedis "github.com/midastechnical/mdts-payments/internal/infrastructure/redis"
	"github.com/midastechnical/mdts-payments/internal/middleware"
	"github.com/midastechnical/mdts-payments/internal/repository/postgres"
	"github.com/midastechnical/mdts-payments/internal/service"
	"github.com/midastechnical/mdts-payments/pkg/retry"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// Services is the wired object graph shared by the API and the worker.
type Services struct {
	Registry         *providers.Registry
	Rates            *providers.CoinGecko
	Attempts         *postgres.AttemptRepository
	Sessions         *postgres.SessionRepository
	Webhooks         *postgres.WebhookRepository
	Crypto           *postgres.CryptoRepository
	Idempotency      *postgres.IdempotencyRepository
	IdempotencyLocks *infraRedis.Locker
	Producer         *infraRedis.StreamProducer
	Alerts           *service.AlertClient
	Fallback         *service.FallbackManager
	WebhookSvc       *service.WebhookService
	CryptoMonitor    *service.CryptoMonitor
	Refunds          *service.RefundService
}

// BuildServices wires repositories, providers and services from the app config.
func (a *App) BuildServices() *Services {
	cfg := a.Config
	s := &Services{
		Attempts:    postgres.NewAttemptRepository(a.Pool),
		Sessions:    postgres.NewSessionRepository(a.Pool),
		Webhooks:    postgres.NewWebhookRepository(a.Pool),
		Crypto:      postgres.NewCryptoRepository(a.Pool),
		Idempotency: postgres.NewIdempotencyRepository(a.Pool),
		Producer:    infraRedis.NewStreamProducer(a.Redis),
	}
	// held for a whole payment request, fallback retries included
	s.IdempotencyLocks = infraRedis.NewLocker(a.Redis, cfg.Payment.ProcessingTimeout)
	txManager := postgres.NewTxManager(a.Pool)

	s.Rates = providers.NewCoinGecko(cfg.Crypto.CoinGeckoURL, cfg.Crypto.Timeout,
		infraRedis.NewRateCache(a.Redis, cfg.Crypto.RateCacheTTL), a.Logger)
	paypal := providers.NewPayPalProvider(providers.PayPalConfig{
		ClientID:     cfg.PayPal.ClientID,
		ClientSecret: cfg.PayPal.ClientSecret,
		WebhookID:    cfg.PayPal.WebhookID,
		BaseURL:      cfg.PayPal.PayPalBaseURL(),
		BrandName:    cfg.PayPal.BrandName,
		StoreBaseURL: cfg.Payment.StoreBaseURL,
		Timeout:      cfg.PayPal.Timeout,
	})
	s.Registry = newRegistry(cfg, a.Metrics, a.Logger, paypal, s)

	s.Alerts = service.NewAlertClient(service.AlertConfig{
		Enabled: cfg.Alerts.Enabled,
		BaseURL: cfg.Alerts.BaseURL,
		Timeout: cfg.Alerts.Timeout,
	}, func() (string, error) {
		return middleware.IssueToken(cfg.Auth.JWTSecret, cfg.InstanceID, middleware.RoleService, cfg.Auth.ServiceTokenTTL)
	}, a.Metrics, a.Logger)

	s.Fallback = service.NewFallbackManager(s.Registry, s.Attempts, s.Sessions, s.Alerts, a.Metrics, a.Logger,
		service.FallbackConfig{
			Retry: retry.Config{
				MaxRetries: cfg.Payment.MaxRetries,
				BaseDelay:  cfg.Payment.BaseDelay,
				MaxDelay:   cfg.Payment.MaxDelay,
				Multiplier: 2,
			},
			HealthCheckTimeout: cfg.Payment.HealthCheckTimeout,
			ProcessingTimeout:  cfg.Payment.ProcessingTimeout,
		})

	handlers := map[payment.Provider]service.EventHandler{
		payment.ProviderStripe: service.NewStripeEventHandler(s.Attempts, s.Sessions, s.Sessions, txManager, s.Producer, a.Logger),
		payment.ProviderPayPal: service.NewPayPalEventHandler(paypal, s.Attempts, s.Sessions, s.Sessions, s.Producer, a.Logger),
	}
	s.WebhookSvc = service.NewWebhookService(s.Webhooks, handlers, paypal,
		infraRedis.NewDeduplicator(a.Redis, cfg.Webhook.DedupTTL), s.Producer, s.Alerts, a.Metrics, a.Logger,
		service.WebhookConfig{
			StripeSecret:    cfg.Stripe.WebhookSecret,
			StripeTolerance: cfg.Stripe.WebhookTolerance,
			MaxRetries:      cfg.Webhook.MaxRetries,
			BaseDelay:       cfg.Webhook.BaseDelay,
		})

	explorer := providers.NewChainExplorer(providers.ExplorerConfig{
		BlockchainInfoURL: cfg.Crypto.BlockchainInfoURL,
		EtherscanURL:      cfg.Crypto.EtherscanURL,
		EtherscanAPIKey:   cfg.Crypto.EtherscanAPIKey,
		Timeout:           cfg.Crypto.Timeout,
	})
	s.CryptoMonitor = service.NewCryptoMonitor(s.Crypto, explorer,
		infraRedis.NewLocker(a.Redis, cfg.Payment.LockTTL), s.Producer, a.Metrics, a.Logger)
	s.Refunds = service.NewRefundService(s.Registry, s.Attempts, s.Sessions, a.Metrics, a.Logger)

	return s
}

func newRegistry(cfg *config.Config, metrics *observability.Metrics, logger zerolog.Logger, paypal *providers.PayPalProvider, s *Services) *providers.Registry {
	registry := providers.NewRegistry(
		providers.BreakerSettings{
			Threshold: uint32(cfg.Payment.CircuitBreakerThreshold),
			Timeout:   cfg.Payment.CircuitBreakerTimeout,
			Interval:  cfg.Payment.CircuitBreakerInterval,
		},
		providers.WithStateListener(func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn().Str("provider", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state changed")
		}),
	)

	enabled := func(p payment.Provider) bool { return cfg.Payment.ProviderEnabled(string(p)) }
	if cfg.Payment.UseMockProviders {
		for _, name := range []payment.Provider{payment.ProviderStripe, payment.ProviderPayPal, payment.ProviderCrypto} {
			registry.Register(providers.NewMockProvider(name), enabled(name))
		}
		logger.Warn().Msg("Using mock payment providers")
		return registry
	}

	registry.Register(providers.NewStripeProvider(providers.StripeConfig{
		SecretKey:         cfg.Stripe.SecretKey,
		Timeout:           cfg.Stripe.Timeout,
		MaxNetworkRetries: cfg.Stripe.MaxNetworkRetries,
		Currencies:        cfg.Stripe.Currencies,
		SessionExpiry:     cfg.Stripe.SessionExpiry,
		StoreBaseURL:      cfg.Payment.StoreBaseURL,
	}), enabled(payment.ProviderStripe))
	registry.Register(paypal, enabled(payment.ProviderPayPal))
	registry.Register(providers.NewCryptoProvider(s.Rates, s.Crypto, cfg.Crypto.WalletSeed), enabled(payment.ProviderCrypto))
	return registry
}
