package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/midastechnical/mdts-payments/internal/domain/crypto"
	domainErrors "github.com/midastechnical/mdts-payments/internal/domain/errors"
)

// CryptoRepository implements crypto.Repository using PostgreSQL.
type CryptoRepository struct {
	pool *pgxpool.Pool
}

func NewCryptoRepository(pool *pgxpool.Pool) *CryptoRepository {
	return &CryptoRepository{pool: pool}
}

func (r *CryptoRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

const cryptoColumns = `id, order_id, crypto_type, crypto_amount::text, fiat_amount::text, fiat_currency,
	exchange_rate::text, payment_address, COALESCE(customer_email, ''), status, confirmations,
	transaction_hash, metadata, expires_at, last_checked, created_at, updated_at`

func (r *CryptoRepository) Create(ctx context.Context, p *crypto.Payment) error {
	metadata, err := marshalMetadata(p.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO crypto_payments
		 (id, order_id, crypto_type, crypto_amount, fiat_amount, fiat_currency, exchange_rate,
		  payment_address, customer_email, status, confirmations, transaction_hash, metadata,
		  expires_at, last_checked, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		p.ID, p.OrderID, p.CryptoType, p.CryptoAmount.String(), centsToNumericString(p.FiatAmountCents),
		p.FiatCurrency, p.ExchangeRate.String(), p.PaymentAddress, p.CustomerEmail, string(p.Status),
		p.Confirmations, p.TransactionHash, metadata, p.ExpiresAt, p.LastChecked, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert crypto payment: %w", err)
	}
	return nil
}

func (r *CryptoRepository) GetByID(ctx context.Context, id uuid.UUID) (*crypto.Payment, error) {
	return scanCryptoPayment(r.db(ctx).QueryRow(ctx,
		`SELECT `+cryptoColumns+` FROM crypto_payments WHERE id = $1`, id))
}

// UpdateStatus stores status, confirmations, transaction hash and last check time.
func (r *CryptoRepository) UpdateStatus(ctx context.Context, p *crypto.Payment) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE crypto_payments SET
		  status=$1, confirmations=$2, transaction_hash=$3, last_checked=$4, updated_at=$5
		 WHERE id=$6`,
		string(p.Status), p.Confirmations, p.TransactionHash, p.LastChecked, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("update crypto payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrCryptoPaymentNotFound
	}
	return nil
}

// ListOpen returns pending and unconfirmed payments, oldest first.
func (r *CryptoRepository) ListOpen(ctx context.Context, limit int) ([]*crypto.Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+cryptoColumns+` FROM crypto_payments
		 WHERE status IN ('pending', 'unconfirmed')
		 ORDER BY created_at ASC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list open crypto payments: %w", err)
	}
	defer rows.Close()

	var payments []*crypto.Payment
	for rows.Next() {
		p, err := scanCryptoPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func scanCryptoPayment(s scanner) (*crypto.Payment, error) {
	p := &crypto.Payment{}
	var (
		cryptoAmount string
		fiatAmount   string
		rate         string
		status       string
		metadata     []byte
	)
	err := s.Scan(
		&p.ID, &p.OrderID, &p.CryptoType, &cryptoAmount, &fiatAmount, &p.FiatCurrency,
		&rate, &p.PaymentAddress, &p.CustomerEmail, &status, &p.Confirmations,
		&p.TransactionHash, &metadata, &p.ExpiresAt, &p.LastChecked, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrCryptoPaymentNotFound
		}
		return nil, fmt.Errorf("scan crypto payment: %w", err)
	}

	if p.CryptoAmount, err = parseNumeric(cryptoAmount); err != nil {
		return nil, err
	}
	if p.ExchangeRate, err = parseNumeric(rate); err != nil {
		return nil, err
	}
	if p.FiatAmountCents, err = numericStringToCents(fiatAmount); err != nil {
		return nil, err
	}
	if p.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	p.Status = crypto.Status(status)
	return p, nil
}
