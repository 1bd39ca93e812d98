package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domainErrors "github.com/midastechnical/mdts-payments/internal/domain/errors"
	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/midastechnical/mdts-payments/internal/infrastructure/observability"
	"github.com/midastechnical/mdts-payments/internal/infrastructure/providers"
	"github.com/midastechnical/mdts-payments/pkg/retry"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// FallbackConfig tunes the fallback run.
type FallbackConfig struct {
	Retry              retry.Config
	HealthCheckTimeout time.Duration
	// ProcessingTimeout bounds a whole run. Zero means no bound.
	ProcessingTimeout time.Duration
}

// FallbackResult is the outcome of a successful fallback run.
type FallbackResult struct {
	Success          bool             `json:"success"`
	Provider         payment.Provider `json:"provider"`
	PaymentAttemptID string           `json:"paymentAttemptId"`
	Result           *payment.Result  `json:"result"`
}

// ProviderStatus describes one registered provider for the health endpoint.
type ProviderStatus struct {
	Name     payment.Provider `json:"name"`
	Priority int              `json:"priority"`
	Enabled  bool             `json:"enabled"`
	Breaker  string           `json:"circuitBreaker"`
	Healthy  bool             `json:"healthy"`
	Error    string           `json:"error,omitempty"`
}

// FallbackManager tries an order against the providers in order until one
// accepts it. Every stage is written to the attempt audit trail.
type FallbackManager struct {
	registry *providers.Registry
	attempts payment.Repository
	sessions payment.SessionRepository
	alerts   AlertSender
	metrics  *observability.Metrics
	tracer   trace.Tracer
	logger   zerolog.Logger
	cfg      FallbackConfig
}

func NewFallbackManager(
	registry *providers.Registry,
	attempts payment.Repository,
	sessions payment.SessionRepository,
	alerts AlertSender,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	cfg FallbackConfig,
) *FallbackManager {
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = 5 * time.Second
	}
	return &FallbackManager{
		registry: registry,
		attempts: attempts,
		sessions: sessions,
		alerts:   alerts,
		metrics:  metrics,
		tracer:   observability.Tracer("mdts-payments/fallback"),
		logger:   observability.Component(logger, "fallback"),
		cfg:      cfg,
	}
}

// ProcessPayment runs an order through the available providers, preferred
// provider first. It returns an error wrapping ErrNoProvidersAvailable or
// ErrAllProvidersFailed when no provider took the payment.
func (m *FallbackManager) ProcessPayment(ctx context.Context, order payment.OrderData, preferred *payment.Provider) (*FallbackResult, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}
	if m.cfg.ProcessingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ProcessingTimeout)
		defer cancel()
	}

	attempt := payment.NewAttempt(order, preferred)
	ctx, span := m.tracer.Start(ctx, "payment.fallback", trace.WithAttributes(
		attribute.String("payment.attempt_id", attempt.ID),
		attribute.String("payment.order_id", order.OrderID),
		attribute.Int64("payment.amount_cents", order.AmountCents),
		attribute.String("payment.currency", order.Currency),
	))
	defer span.End()

	start := time.Now()
	m.metrics.ActiveAttempts.Inc()
	defer m.metrics.ActiveAttempts.Dec()

	log := m.logger.With().Str("attempt_id", attempt.ID).Str("order_id", order.OrderID).Logger()
	if err := m.attempts.CreateAttempt(ctx, attempt); err != nil {
		log.Error().Err(err).Msg("Failed to record payment attempt")
	}

	available := m.availableProviders(ctx, attempt.ID, m.registry.Ordered(preferred))
	if len(available) == 0 {
		err := domainErrors.ErrNoProvidersAvailable
		m.fail(ctx, attempt, err, start)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var failures []string
	for _, p := range available {
		result, err := m.tryProvider(ctx, attempt, p)
		if err == nil {
			if err := attempt.MarkSuccess(p.Name(), result); err != nil {
				return nil, err
			}
			m.complete(ctx, attempt, start)
			m.recordSession(ctx, attempt, result)

			span.SetAttributes(attribute.String("payment.provider", string(p.Name())))
			log.Info().Str("provider", string(p.Name())).Str("transaction_id", result.TransactionID).Msg("Payment started")
			return &FallbackResult{
				Success:          true,
				Provider:         p.Name(),
				PaymentAttemptID: attempt.ID,
				Result:           result,
			}, nil
		}

		failures = append(failures, fmt.Sprintf("%s: %v", p.Name(), err))
		m.recordFailure(ctx, &attempt.ID, p.Name(), payment.OpProcess, err, map[string]any{
			"retryable": domainErrors.IsRetryable(err),
		})
		log.Warn().Err(err).Str("provider", string(p.Name())).Msg("Provider failed, trying next")

		if ctx.Err() != nil {
			break
		}
	}

	err := fmt.Errorf("%w: %s", domainErrors.ErrAllProvidersFailed, strings.Join(failures, "; "))
	m.fail(ctx, attempt, err, start)
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

// GetAttempt returns a recorded attempt.
func (m *FallbackManager) GetAttempt(ctx context.Context, id string) (*payment.Attempt, error) {
	return m.attempts.GetAttempt(ctx, id)
}

// ProviderStatuses health-checks every registered provider.
func (m *FallbackManager) ProviderStatuses(ctx context.Context) []ProviderStatus {
	all := m.registry.Providers()
	out := make([]ProviderStatus, 0, len(all))
	for _, p := range all {
		st := ProviderStatus{
			Name:     p.Name(),
			Priority: p.Priority(),
			Enabled:  m.registry.Enabled(p.Name()),
			Breaker:  m.registry.State(p.Name()).String(),
		}
		if err := m.healthCheck(ctx, p); err != nil {
			st.Error = err.Error()
		} else {
			st.Healthy = true
		}
		out = append(out, st)
	}
	return out
}

// availableProviders drops providers with an open breaker and health-checks
// the rest one at a time, keeping their order.
func (m *FallbackManager) availableProviders(ctx context.Context, attemptID string, ordered []providers.Provider) []providers.Provider {
	var available []providers.Provider
	for _, p := range ordered {
		if m.registry.State(p.Name()) == gobreaker.StateOpen {
			m.metrics.CircuitBreakerRequests.WithLabelValues(string(p.Name()), "rejected").Inc()
			m.logger.Warn().Str("attempt_id", attemptID).Str("provider", string(p.Name())).Msg("Circuit breaker open, skipping provider")
			continue
		}
		if err := m.healthCheck(ctx, p); err != nil {
			m.recordFailure(ctx, &attemptID, p.Name(), payment.OpHealthCheck, err, nil)
			continue
		}
		available = append(available, p)
	}
	return available
}

func (m *FallbackManager) healthCheck(ctx context.Context, p providers.Provider) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.HealthCheckTimeout)
	defer cancel()

	err := p.HealthCheck(ctx)
	healthy := 1.0
	if err != nil {
		healthy = 0
	}
	m.metrics.ProviderHealth.WithLabelValues(string(p.Name())).Set(healthy)
	return err
}

// tryProvider calls Process through the provider's breaker, retrying
// transient errors with capped exponential backoff.
func (m *FallbackManager) tryProvider(ctx context.Context, attempt *payment.Attempt, p providers.Provider) (*payment.Result, error) {
	ctx, span := m.tracer.Start(ctx, "payment.provider", trace.WithAttributes(
		attribute.String("payment.provider", string(p.Name())),
	))
	defer span.End()

	cfg := m.cfg.Retry
	cfg.RetryIf = domainErrors.IsRetryable
	cfg.OnRetry = func(n int, delay time.Duration, err error) {
		m.metrics.ProviderRetries.WithLabelValues(string(p.Name())).Inc()
		rec := &payment.RetryRecord{
			AttemptID:    attempt.ID,
			Provider:     p.Name(),
			RetryNumber:  n + 1,
			Delay:        delay,
			ErrorMessage: err.Error(),
			CreatedAt:    time.Now(),
		}
		if rerr := m.attempts.RecordRetry(ctx, rec); rerr != nil {
			m.logger.Error().Err(rerr).Str("attempt_id", attempt.ID).Msg("Failed to record retry")
		}
		m.logger.Info().
			Str("attempt_id", attempt.ID).
			Str("provider", string(p.Name())).
			Int("retry", n+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying provider")
	}

	req := providers.ProcessRequest{AttemptID: attempt.ID, Order: attempt.Order}
	result, err := providers.Execute(m.registry, p.Name(), func() (*payment.Result, error) {
		return retry.DoWithResult(ctx, cfg, func() (*payment.Result, error) {
			return p.Process(ctx, req)
		})
	})

	outcome, breaker := "success", "allowed"
	if err != nil {
		outcome = "failure"
		if errors.Is(err, domainErrors.ErrProviderUnavailable) {
			outcome, breaker = "circuit_open", "rejected"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	m.metrics.ProviderAttempts.WithLabelValues(string(p.Name()), outcome).Inc()
	m.metrics.CircuitBreakerRequests.WithLabelValues(string(p.Name()), breaker).Inc()
	return result, err
}

func (m *FallbackManager) complete(ctx context.Context, attempt *payment.Attempt, start time.Time) {
	if err := m.attempts.UpdateAttempt(ctx, attempt); err != nil {
		m.logger.Error().Err(err).Str("attempt_id", attempt.ID).Msg("Failed to record attempt result")
	}
	provider := "none"
	if attempt.SuccessfulProvider != nil {
		provider = string(*attempt.SuccessfulProvider)
	}
	m.metrics.PaymentAttemptsTotal.WithLabelValues(string(attempt.Status), provider).Inc()
	m.metrics.PaymentDuration.WithLabelValues(string(attempt.Status)).Observe(time.Since(start).Seconds())
}

func (m *FallbackManager) fail(ctx context.Context, attempt *payment.Attempt, cause error, start time.Time) {
	if err := attempt.MarkFailed(cause.Error()); err != nil {
		m.logger.Error().Err(err).Str("attempt_id", attempt.ID).Msg("Failed to mark attempt failed")
		return
	}
	m.complete(context.WithoutCancel(ctx), attempt, start)
	m.logger.Error().Err(cause).Str("attempt_id", attempt.ID).Msg("Payment failed on every provider")
	m.alerts.PaymentFailure(ctx, attempt.ID, attempt.Order, cause)
}

// recordSession stores the checkout session or order a redirect provider
// created, so its webhooks can be matched later.
func (m *FallbackManager) recordSession(ctx context.Context, attempt *payment.Attempt, result *payment.Result) {
	if m.sessions == nil || result.RedirectURL == "" {
		return
	}
	now := time.Now()
	session := &payment.ProviderSession{
		Provider:    result.Provider,
		SessionID:   result.TransactionID,
		AttemptID:   attempt.ID,
		AmountCents: attempt.Order.AmountCents,
		Currency:    attempt.Order.Currency,
		Status:      payment.SessionCreated,
		Metadata:    map[string]any{"orderId": attempt.Order.OrderID},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.sessions.UpsertSession(ctx, session); err != nil {
		m.logger.Error().Err(err).Str("attempt_id", attempt.ID).Msg("Failed to record provider session")
	}
}

// recordFailure appends to the provider failure log. Errors are logged only.
func (m *FallbackManager) recordFailure(ctx context.Context, attemptID *string, provider payment.Provider, op string, cause error, metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	var pe *domainErrors.ProviderError
	if errors.As(cause, &pe) && pe.StatusCode != 0 {
		metadata["statusCode"] = pe.StatusCode
	}
	failure := &payment.ProviderFailure{
		AttemptID:    attemptID,
		Provider:     provider,
		Operation:    op,
		ErrorMessage: cause.Error(),
		Metadata:     metadata,
		CreatedAt:    time.Now(),
	}
	if err := m.attempts.RecordFailure(context.WithoutCancel(ctx), failure); err != nil {
		m.logger.Error().Err(err).Str("provider", string(provider)).Str("operation", op).Msg("Failed to record provider failure")
	}
}
