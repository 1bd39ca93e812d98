package service

import (
	"context"
	"strings"
	"time"

	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/midastechnical/mdts-payments/internal/infrastructure/observability"
	"github.com/midastechnical/mdts-payments/internal/infrastructure/providers"
	"github.com/rs/zerolog"
)

// RefundRequest is a refund of a captured payment. A nil amount refunds in full.
type RefundRequest struct {
	Provider      payment.Provider `json:"provider" validate:"required,oneof=stripe paypal crypto"`
	TransactionID string           `json:"transactionId" validate:"required"`
	AmountCents   *int64           `json:"amountCents,omitempty" validate:"omitempty,gt=0"`
	Currency      string           `json:"currency" validate:"omitempty,len=3"`
	Reason        string           `json:"reason" validate:"omitempty,max=255"`
}

// RefundService issues refunds through the provider that took the payment.
type RefundService struct {
	registry *providers.Registry
	attempts payment.Repository
	refunds  payment.RefundRepository
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewRefundService(
	registry *providers.Registry,
	attempts payment.Repository,
	refunds payment.RefundRepository,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *RefundService {
	return &RefundService{
		registry: registry,
		attempts: attempts,
		refunds:  refunds,
		metrics:  metrics,
		logger:   observability.Component(logger, "refunds"),
	}
}

// Refund calls the provider through its circuit breaker and records the refund.
// Provider errors are logged to the failure log with operation "refund".
func (s *RefundService) Refund(ctx context.Context, req RefundRequest) (*payment.Refund, error) {
	p, err := s.registry.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	res, err := providers.Execute(s.registry, req.Provider, func() (*providers.RefundResult, error) {
		return p.Refund(ctx, providers.RefundRequest{
			TransactionID: req.TransactionID,
			AmountCents:   req.AmountCents,
			Currency:      req.Currency,
			Reason:        req.Reason,
		})
	})
	if err != nil {
		s.metrics.RefundsTotal.WithLabelValues(string(req.Provider), "failed").Inc()
		failure := &payment.ProviderFailure{
			Provider:     req.Provider,
			Operation:    payment.OpRefund,
			ErrorMessage: err.Error(),
			Metadata:     map[string]any{"transactionId": req.TransactionID},
			CreatedAt:    time.Now(),
		}
		if rerr := s.attempts.RecordFailure(context.WithoutCancel(ctx), failure); rerr != nil {
			s.logger.Error().Err(rerr).Msg("Failed to record refund failure")
		}
		return nil, err
	}

	amount := req.AmountCents
	if amount == nil && res.AmountCents > 0 {
		amount = &res.AmountCents
	}
	refund := &payment.Refund{
		ID:            res.RefundID,
		Provider:      req.Provider,
		TransactionID: req.TransactionID,
		AmountCents:   amount,
		Currency:      strings.ToUpper(req.Currency),
		Reason:        req.Reason,
		Status:        res.Status,
		CreatedAt:     time.Now(),
	}
	if err := s.refunds.CreateRefund(ctx, refund); err != nil {
		s.logger.Error().Err(err).Str("refund_id", refund.ID).Msg("Failed to record refund")
	}

	s.metrics.RefundsTotal.WithLabelValues(string(req.Provider), res.Status).Inc()
	s.logger.Info().
		Str("provider", string(req.Provider)).
		Str("transaction_id", req.TransactionID).
		Str("refund_id", refund.ID).
		Msg("Refund issued")
	return refund, nil
}
