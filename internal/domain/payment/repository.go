package payment

import (
	"context"
)

// Repository defines the interface for payment attempt persistence
type Repository interface {
	// CreateAttempt inserts a started attempt
	CreateAttempt(ctx context.Context, attempt *Attempt) error

	// GetAttempt retrieves an attempt by ID
	GetAttempt(ctx context.Context, id string) (*Attempt, error)

	// UpdateAttempt stores the completion of an attempt
	UpdateAttempt(ctx context.Context, attempt *Attempt) error

	// RecordFailure appends a row to the provider failure log
	RecordFailure(ctx context.Context, failure *ProviderFailure) error

	// ListFailures returns the failures logged for an attempt, oldest first
	ListFailures(ctx context.Context, attemptID string) ([]*ProviderFailure, error)

	// RecordRetry appends a row to the retry log
	RecordRetry(ctx context.Context, retry *RetryRecord) error
}

// SessionRepository persists provider checkout sessions and orders
type SessionRepository interface {
	UpsertSession(ctx context.Context, session *ProviderSession) error
	GetSession(ctx context.Context, provider Provider, sessionID string) (*ProviderSession, error)
	UpdateSessionStatus(ctx context.Context, provider Provider, sessionID string, status SessionStatus) error
}

// RefundRepository persists refunds
type RefundRepository interface {
	CreateRefund(ctx context.Context, refund *Refund) error
}
