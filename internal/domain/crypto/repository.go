package crypto

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the interface for crypto payment persistence
type Repository interface {
	Create(ctx context.Context, p *Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	// UpdateStatus stores status, confirmations, transaction hash and last check time
	UpdateStatus(ctx context.Context, p *Payment) error
	// ListOpen returns pending and unconfirmed payments, oldest first
	ListOpen(ctx context.Context, limit int) ([]*Payment, error)
}
