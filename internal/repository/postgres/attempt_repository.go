package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	domainErrors "github.com/midastechnical/mdts-payments/internal/domain/errors"
	"github.com/midastechnical/mdts-payments/internal/domain/payment"
)

// AttemptRepository implements payment.Repository using PostgreSQL.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

func (r *AttemptRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// CreateAttempt inserts a started attempt.
func (r *AttemptRepository) CreateAttempt(ctx context.Context, a *payment.Attempt) error {
	order, err := json.Marshal(a.Order)
	if err != nil {
		return fmt.Errorf("marshal order data: %w", err)
	}

	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO payment_attempts (attempt_id, order_data, preferred_provider, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		a.ID, order, providerString(a.PreferredProvider), string(a.Status), a.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domainErrors.ErrDuplicateAttempt
		}
		return fmt.Errorf("insert payment attempt: %w", err)
	}
	return nil
}

// GetAttempt retrieves an attempt by ID.
func (r *AttemptRepository) GetAttempt(ctx context.Context, id string) (*payment.Attempt, error) {
	return scanAttempt(r.db(ctx).QueryRow(ctx,
		`SELECT attempt_id, order_data, preferred_provider, status, successful_provider,
		        result, error_message, created_at, completed_at
		 FROM payment_attempts WHERE attempt_id = $1`, id))
}

// UpdateAttempt stores the completion of an attempt.
func (r *AttemptRepository) UpdateAttempt(ctx context.Context, a *payment.Attempt) error {
	var result []byte
	if a.Result != nil {
		var err error
		if result, err = json.Marshal(a.Result); err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}

	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE payment_attempts SET
		  status=$1, successful_provider=$2, result=$3, error_message=$4, completed_at=$5
		 WHERE attempt_id=$6`,
		string(a.Status), providerString(a.SuccessfulProvider), result, a.ErrorMessage, a.CompletedAt, a.ID,
	)
	if err != nil {
		return fmt.Errorf("update payment attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrAttemptNotFound
	}
	return nil
}

// RecordFailure appends a row to the provider failure log.
func (r *AttemptRepository) RecordFailure(ctx context.Context, f *payment.ProviderFailure) error {
	metadata, err := marshalMetadata(f.Metadata)
	if err != nil {
		return err
	}
	err = r.db(ctx).QueryRow(ctx,
		`INSERT INTO payment_errors (attempt_id, provider, operation, error_message, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		f.AttemptID, string(f.Provider), f.Operation, f.ErrorMessage, metadata, f.CreatedAt,
	).Scan(&f.ID)
	if err != nil {
		return fmt.Errorf("insert payment error: %w", err)
	}
	return nil
}

// ListFailures returns the failures logged for an attempt, oldest first.
func (r *AttemptRepository) ListFailures(ctx context.Context, attemptID string) ([]*payment.ProviderFailure, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT id, attempt_id, provider, operation, error_message, metadata, created_at
		 FROM payment_errors WHERE attempt_id = $1 ORDER BY id ASC`, attemptID,
	)
	if err != nil {
		return nil, fmt.Errorf("list payment errors: %w", err)
	}
	defer rows.Close()

	var failures []*payment.ProviderFailure
	for rows.Next() {
		f := &payment.ProviderFailure{}
		var (
			provider string
			metadata []byte
		)
		if err := rows.Scan(&f.ID, &f.AttemptID, &provider, &f.Operation, &f.ErrorMessage, &metadata, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment error: %w", err)
		}
		f.Provider = payment.Provider(provider)
		if f.Metadata, err = unmarshalMetadata(metadata); err != nil {
			return nil, err
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

// RecordRetry appends a row to the retry log.
func (r *AttemptRepository) RecordRetry(ctx context.Context, rr *payment.RetryRecord) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO payment_retries (attempt_id, provider, retry_number, delay_ms, error_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rr.AttemptID, string(rr.Provider), rr.RetryNumber, rr.Delay.Milliseconds(), rr.ErrorMessage, rr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment retry: %w", err)
	}
	return nil
}

func scanAttempt(s scanner) (*payment.Attempt, error) {
	a := &payment.Attempt{}
	var (
		order      []byte
		preferred  *string
		status     string
		successful *string
		result     []byte
	)
	err := s.Scan(&a.ID, &order, &preferred, &status, &successful, &result, &a.ErrorMessage, &a.CreatedAt, &a.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrAttemptNotFound
		}
		return nil, fmt.Errorf("scan payment attempt: %w", err)
	}

	if err := json.Unmarshal(order, &a.Order); err != nil {
		return nil, fmt.Errorf("unmarshal order data: %w", err)
	}
	if len(result) > 0 {
		a.Result = &payment.Result{}
		if err := json.Unmarshal(result, a.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	a.Status = payment.AttemptStatus(status)
	a.PreferredProvider = parseProviderPtr(preferred)
	a.SuccessfulProvider = parseProviderPtr(successful)
	return a, nil
}

func providerString(p *payment.Provider) *string {
	if p == nil {
		return nil
	}
	s := string(*p)
	return &s
}

func parseProviderPtr(s *string) *payment.Provider {
	if s == nil {
		return nil
	}
	p := payment.Provider(*s)
	return &p
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

func unmarshalMetadata(b []byte) (map[string]any, error) {
	m := make(map[string]any)
	if len(b) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return m, nil
}
