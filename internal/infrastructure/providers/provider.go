package providers

import (
	"context"

	"github.com/midastechnical/mdts-payments/internal/domain/payment"
)

// Provider is the interface that external payment providers implement.
type Provider interface {
	// Name returns the provider name.
	Name() payment.Provider
	// Priority orders providers for fallback, lowest first.
	Priority() int
	// HealthCheck reports whether the provider can currently take payments.
	HealthCheck(ctx context.Context) error
	// Process starts a payment for an order.
	Process(ctx context.Context, req ProcessRequest) (*payment.Result, error)
	// Refund refunds a captured payment.
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// Default priorities.
const (
	PriorityStripe = 1
	PriorityPayPal = 2
	PriorityCrypto = 3
)

// ProcessRequest contains the data needed to process a payment.
type ProcessRequest struct {
	AttemptID string
	Order     payment.OrderData
}

// RefundRequest contains the data needed to refund a payment.
type RefundRequest struct {
	TransactionID string
	AmountCents   *int64 // nil refunds the full amount
	Currency      string
	Reason        string
}

// RefundResult is what a provider reports for an issued refund.
type RefundResult struct {
	RefundID    string
	Status      string
	AmountCents int64
}
