package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/midastechnical/mdts-payments/internal/domain/webhook"
)

// WebhookRepository implements webhook.Repository using PostgreSQL.
type WebhookRepository struct {
	pool *pgxpool.Pool
}

func NewWebhookRepository(pool *pgxpool.Pool) *WebhookRepository {
	return &WebhookRepository{pool: pool}
}

func (r *WebhookRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// SaveReceipt stores an inbound webhook. Replays of the same receipt are ignored.
func (r *WebhookRepository) SaveReceipt(ctx context.Context, rc *webhook.Receipt) error {
	headers, err := json.Marshal(rc.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO webhook_receipts (webhook_id, provider, payload, headers, received_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (webhook_id) DO NOTHING`,
		rc.ID, string(rc.Provider), string(rc.Payload), headers, rc.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook receipt: %w", err)
	}
	return nil
}

func (r *WebhookRepository) SaveProcessingLog(ctx context.Context, l *webhook.ProcessingLog) error {
	var result []byte
	if l.Result != nil {
		var err error
		if result, err = json.Marshal(l.Result); err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO webhook_processing_logs
		 (webhook_id, provider, event_id, event_type, status, result, error_message, retry_count, processed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		l.WebhookID, string(l.Provider), l.EventID, l.EventType, string(l.Status), result,
		l.ErrorMessage, l.RetryCount, l.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook processing log: %w", err)
	}
	return nil
}

func (r *WebhookRepository) SaveValidationFailure(ctx context.Context, f *webhook.ValidationFailure) error {
	metadata, err := marshalMetadata(f.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO webhook_validation_errors (provider, error_message, metadata, created_at)
		 VALUES ($1, $2, $3, $4)`,
		string(f.Provider), f.ErrorMessage, metadata, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook validation error: %w", err)
	}
	return nil
}

// ListProcessingLogs returns the processing outcomes of a receipt, oldest first.
func (r *WebhookRepository) ListProcessingLogs(ctx context.Context, webhookID string) ([]*webhook.ProcessingLog, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT webhook_id, provider, COALESCE(event_id, ''), COALESCE(event_type, ''), status,
		        result, error_message, retry_count, processed_at
		 FROM webhook_processing_logs WHERE webhook_id = $1 ORDER BY id ASC`, webhookID,
	)
	if err != nil {
		return nil, fmt.Errorf("list webhook processing logs: %w", err)
	}
	defer rows.Close()

	var logs []*webhook.ProcessingLog
	for rows.Next() {
		l := &webhook.ProcessingLog{}
		var (
			provider string
			status   string
			result   []byte
		)
		if err := rows.Scan(&l.WebhookID, &provider, &l.EventID, &l.EventType, &status,
			&result, &l.ErrorMessage, &l.RetryCount, &l.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan webhook processing log: %w", err)
		}
		if len(result) > 0 {
			if err := json.Unmarshal(result, &l.Result); err != nil {
				return nil, fmt.Errorf("unmarshal result: %w", err)
			}
		}
		l.Provider = payment.Provider(provider)
		l.Status = webhook.ProcessingStatus(status)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
