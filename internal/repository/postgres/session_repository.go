package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	domainErrors "github.com/midastechnical/mdts-payments/internal/domain/errors"
	"github.com/midastechnical/mdts-payments/internal/domain/payment"
)

// SessionRepository implements payment.SessionRepository and
// payment.RefundRepository using PostgreSQL.
type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

func (r *SessionRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// UpsertSession inserts a session or refreshes its status and metadata.
func (r *SessionRepository) UpsertSession(ctx context.Context, s *payment.ProviderSession) error {
	metadata, err := marshalMetadata(s.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO provider_sessions
		 (provider, session_id, attempt_id, amount, currency, status, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (provider, session_id) DO UPDATE SET
		   status = EXCLUDED.status, metadata = EXCLUDED.metadata, updated_at = EXCLUDED.updated_at`,
		string(s.Provider), s.SessionID, s.AttemptID, centsToNumericString(s.AmountCents), s.Currency,
		string(s.Status), metadata, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert provider session: %w", err)
	}
	return nil
}

func (r *SessionRepository) GetSession(ctx context.Context, provider payment.Provider, sessionID string) (*payment.ProviderSession, error) {
	s := &payment.ProviderSession{}
	var (
		prov      string
		attemptID *string
		amount    string
		status    string
		metadata  []byte
	)
	err := r.db(ctx).QueryRow(ctx,
		`SELECT provider, session_id, attempt_id, amount::text, currency, status, metadata, created_at, updated_at
		 FROM provider_sessions WHERE provider = $1 AND session_id = $2`,
		string(provider), sessionID,
	).Scan(&prov, &s.SessionID, &attemptID, &amount, &s.Currency, &status, &metadata, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get provider session: %w", err)
	}

	if s.AmountCents, err = numericStringToCents(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if s.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	if attemptID != nil {
		s.AttemptID = *attemptID
	}
	s.Provider = payment.Provider(prov)
	s.Status = payment.SessionStatus(status)
	return s, nil
}

func (r *SessionRepository) UpdateSessionStatus(ctx context.Context, provider payment.Provider, sessionID string, status payment.SessionStatus) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE provider_sessions SET status = $1, updated_at = NOW() WHERE provider = $2 AND session_id = $3`,
		string(status), string(provider), sessionID,
	)
	if err != nil {
		return fmt.Errorf("update provider session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrSessionNotFound
	}
	return nil
}

// CreateRefund records a refund. A refund already recorded, for example by
// both the API call and the refund webhook, is kept as is.
func (r *SessionRepository) CreateRefund(ctx context.Context, rf *payment.Refund) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO refunds (refund_id, provider, transaction_id, amount, currency, reason, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (refund_id) DO NOTHING`,
		rf.ID, string(rf.Provider), rf.TransactionID, optionalCents(rf.AmountCents), rf.Currency,
		rf.Reason, rf.Status, rf.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert refund: %w", err)
	}
	return nil
}
