package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/midastechnical/mdts-payments/internal/domain/crypto"
	domainErrors "github.com/midastechnical/mdts-payments/internal/domain/errors"
	"github.com/midastechnical/mdts-payments/internal/infrastructure/observability"
	"github.com/midastechnical/mdts-payments/internal/infrastructure/providers"
	"github.com/midastechnical/mdts-payments/internal/infrastructure/redis"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ConfirmationSource reports on-chain confirmations for a payment address.
type ConfirmationSource interface {
	Observe(ctx context.Context, c crypto.Currency, address string, expected decimal.Decimal) (providers.Observation, error)
}

// Locker serializes work on a key across instances.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// CryptoStatus is a crypto payment with the currency details needed to show it.
type CryptoStatus struct {
	Payment  *crypto.Payment
	Currency crypto.Currency
}

// TransactionURL links to the paying transaction, if one was seen.
func (s *CryptoStatus) TransactionURL() string {
	return s.Payment.TransactionURL(s.Currency)
}

// PollSummary counts what one polling pass did.
type PollSummary struct {
	Checked int
	Skipped int
	Failed  int
}

// CryptoMonitor tracks confirmations of pending crypto payments.
type CryptoMonitor struct {
	repo      crypto.Repository
	explorer  ConfirmationSource
	locker    Locker
	publisher EventPublisher
	metrics   *observability.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

func NewCryptoMonitor(
	repo crypto.Repository,
	explorer ConfirmationSource,
	locker Locker,
	publisher EventPublisher,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *CryptoMonitor {
	return &CryptoMonitor{
		repo:      repo,
		explorer:  explorer,
		locker:    locker,
		publisher: publisher,
		metrics:   metrics,
		logger:    observability.Component(logger, "crypto_monitor"),
		now:       time.Now,
	}
}

// CheckStatus refreshes a payment from the block explorer and stores the new
// status. Confirmed and failed payments are returned without a lookup.
func (m *CryptoMonitor) CheckStatus(ctx context.Context, id uuid.UUID) (*CryptoStatus, error) {
	p, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c, err := crypto.LookupCurrency(p.CryptoType)
	if err != nil {
		return nil, err
	}
	if p.IsFinal() {
		return &CryptoStatus{Payment: p, Currency: c}, nil
	}

	obs, err := m.explorer.Observe(ctx, c, p.PaymentAddress, p.CryptoAmount)
	if err != nil {
		m.metrics.CryptoStatusChecks.WithLabelValues(c.Key, "error").Inc()
		return nil, err
	}

	previous := p.Status
	p.ApplyConfirmations(c, obs.Confirmations, obs.TxHash, m.now())
	if err := m.repo.UpdateStatus(ctx, p); err != nil {
		return nil, err
	}
	m.metrics.CryptoStatusChecks.WithLabelValues(c.Key, string(p.Status)).Inc()

	if p.Status != previous {
		m.logger.Info().
			Str("payment_id", p.ID.String()).
			Str("from", string(previous)).
			Str("to", string(p.Status)).
			Int("confirmations", p.Confirmations).
			Msg("Crypto payment status changed")
		if p.IsFinal() {
			m.publish(ctx, p)
		}
	}
	return &CryptoStatus{Payment: p, Currency: c}, nil
}

// PollPending checks up to limit open payments, each under a distributed lock
// so concurrent workers do not check the same payment.
func (m *CryptoMonitor) PollPending(ctx context.Context, limit int) (PollSummary, error) {
	var sum PollSummary
	open, err := m.repo.ListOpen(ctx, limit)
	if err != nil {
		return sum, err
	}

	for _, p := range open {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		err := m.withLock(ctx, "crypto:"+p.ID.String(), func(ctx context.Context) error {
			_, err := m.CheckStatus(ctx, p.ID)
			return err
		})
		switch {
		case errors.Is(err, domainErrors.ErrLockAcquisitionFailed):
			sum.Skipped++
		case err != nil:
			sum.Failed++
			m.logger.Warn().Err(err).Str("payment_id", p.ID.String()).Msg("Crypto status check failed")
		default:
			sum.Checked++
		}
	}
	return sum, nil
}

func (m *CryptoMonitor) withLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if m.locker == nil {
		return fn(ctx)
	}
	return m.locker.WithLock(ctx, key, fn)
}

func (m *CryptoMonitor) publish(ctx context.Context, p *crypto.Payment) {
	if m.publisher == nil {
		return
	}
	data, err := json.Marshal(map[string]any{
		"paymentId":     p.ID.String(),
		"orderId":       p.OrderID,
		"cryptoType":    p.CryptoType,
		"amount":        p.CryptoAmount.String(),
		"confirmations": p.Confirmations,
		"status":        p.Status,
	})
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to encode crypto payment event")
		return
	}
	ev := redis.PaymentEvent{
		Provider:  "crypto",
		EventType: "crypto.payment." + string(p.Status),
		EventID:   p.ID.String(),
		Reference: p.OrderID,
		Data:      data,
	}
	if err := m.publisher.PublishPaymentEvent(ctx, ev); err != nil {
		m.logger.Error().Err(err).Str("payment_id", p.ID.String()).Msg("Failed to publish crypto payment event")
	}
}
