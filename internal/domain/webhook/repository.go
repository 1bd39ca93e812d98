package webhook

import "context"

// Repository persists the webhook audit trail
type Repository interface {
	SaveReceipt(ctx context.Context, receipt *Receipt) error
	SaveProcessingLog(ctx context.Context, log *ProcessingLog) error
	SaveValidationFailure(ctx context.Context, failure *ValidationFailure) error
	ListProcessingLogs(ctx context.Context, webhookID string) ([]*ProcessingLog, error)
}
