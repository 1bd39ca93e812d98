package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/midastechnical/mdts-payments/internal/domain/crypto"
	domainErrors "github.com/midastechnical/mdts-payments/internal/domain/errors"
	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/shopspring/decimal"
)

// RateSource prices coins in fiat.
type RateSource interface {
	Rate(ctx context.Context, coinID, fiat string) (decimal.Decimal, error)
	Ping(ctx context.Context) error
}

// DefaultCryptoType is used when an order does not name a coin.
const DefaultCryptoType = "bitcoin"

// CryptoProvider issues crypto payment requests. Payment is confirmed later
// by polling the block explorers.
type CryptoProvider struct {
	rates RateSource
	repo  crypto.Repository
	seed  string
}

func NewCryptoProvider(rates RateSource, repo crypto.Repository, walletSeed string) *CryptoProvider {
	return &CryptoProvider{rates: rates, repo: repo, seed: walletSeed}
}

func (p *CryptoProvider) Name() payment.Provider { return payment.ProviderCrypto }

func (p *CryptoProvider) Priority() int { return PriorityCrypto }

// HealthCheck pings the rate API.
func (p *CryptoProvider) HealthCheck(ctx context.Context) error {
	return p.rates.Ping(ctx)
}

// Process converts the order total to the requested coin and stores a
// pending payment for a derived receiving address.
func (p *CryptoProvider) Process(ctx context.Context, req ProcessRequest) (*payment.Result, error) {
	order := req.Order
	cryptoType := order.CryptoType
	if cryptoType == "" {
		cryptoType = DefaultCryptoType
	}

	c, err := crypto.LookupCurrency(cryptoType)
	if err != nil {
		return nil, domainErrors.NewProviderError(string(p.Name()), payment.OpProcess, domainErrors.KindPermanent, err)
	}

	rate, err := p.rates.Rate(ctx, c.CoinGeckoID, order.Currency)
	if err != nil {
		kind := domainErrors.KindRetryable
		var pe *domainErrors.ProviderError
		if errors.As(err, &pe) && pe.Kind != domainErrors.KindUnknown {
			kind = pe.Kind
		}
		return nil, domainErrors.NewProviderError(string(p.Name()), payment.OpProcess, kind, err)
	}

	address := crypto.DeriveAddress(p.seed, order.OrderID, c)
	cp, err := crypto.NewPayment(order.OrderID, c, order.AmountCents, order.Currency, rate, address, order.Customer.Email)
	if err != nil {
		return nil, domainErrors.NewProviderError(string(p.Name()), payment.OpProcess, domainErrors.KindPermanent, err)
	}
	cp.Metadata["payment_attempt_id"] = req.AttemptID

	if err := p.repo.Create(ctx, cp); err != nil {
		return nil, fmt.Errorf("failed to store crypto payment: %w", err)
	}

	return &payment.Result{
		Provider:      p.Name(),
		TransactionID: cp.ID.String(),
		Status:        string(cp.Status),
		Details: map[string]any{
			"paymentId":             cp.ID.String(),
			"cryptoType":            c.Key,
			"symbol":                c.Symbol,
			"address":               address,
			"amount":                cp.CryptoAmount.StringFixed(8),
			"exchangeRate":          rate.String(),
			"paymentUri":            crypto.PaymentURI(c, address, cp.CryptoAmount),
			"requiredConfirmations": c.ConfirmationsRequired,
			"expiresAt":             cp.ExpiresAt.UTC().Format(time.RFC3339),
		},
	}, nil
}

// Refund is not supported for crypto payments.
func (p *CryptoProvider) Refund(_ context.Context, req RefundRequest) (*RefundResult, error) {
	return nil, domainErrors.NewProviderError(string(p.Name()), payment.OpRefund, domainErrors.KindPermanent,
		fmt.Errorf("%w: %s", domainErrors.ErrRefundUnsupported, req.TransactionID))
}
