package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/midastechnical/mdts-payments/internal/domain/crypto"
	domainErrors "github.com/midastechnical/mdts-payments/internal/domain/errors"
	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRateCache struct {
	mu    sync.Mutex
	rates map[string]decimal.Decimal
}

func (c *memRateCache) Get(_ context.Context, coin, fiat string) (decimal.Decimal, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rates[coin+":"+fiat]
	return r, ok, nil
}

func (c *memRateCache) Set(_ context.Context, coin, fiat string, rate decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rates == nil {
		c.rates = make(map[string]decimal.Decimal)
	}
	c.rates[coin+":"+fiat] = rate
	return nil
}

type memCryptoRepo struct {
	created []*crypto.Payment
}

func (r *memCryptoRepo) Create(_ context.Context, p *crypto.Payment) error {
	r.created = append(r.created, p)
	return nil
}

func (r *memCryptoRepo) GetByID(context.Context, uuid.UUID) (*crypto.Payment, error) {
	return nil, domainErrors.ErrCryptoPaymentNotFound
}

func (r *memCryptoRepo) UpdateStatus(context.Context, *crypto.Payment) error { return nil }

func (r *memCryptoRepo) ListOpen(context.Context, int) ([]*crypto.Payment, error) { return nil, nil }

func newCoinGeckoServer(t *testing.T, status *int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if *status != http.StatusOK {
			writeJSON(w, *status, `{"status":{"error_code":429,"error_message":"rate limited"}}`)
			return
		}
		switch r.URL.Path {
		case "/ping":
			writeJSON(w, http.StatusOK, `{"gecko_says":"(V3) To the Moon!"}`)
		case "/simple/price":
			assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
			writeJSON(w, http.StatusOK, `{"bitcoin":{"usd":50000},"tether":{"usd":1.0002}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCoinGecko_Rate(t *testing.T) {
	status := http.StatusOK
	srv := newCoinGeckoServer(t, &status)
	cache := &memRateCache{}
	cg := NewCoinGecko(srv.URL, time.Second, cache, zerolog.Nop())

	rate, err := cg.Rate(context.Background(), "bitcoin", "USD")
	require.NoError(t, err)
	assert.Equal(t, "50000", rate.String())
	require.NoError(t, cg.Ping(context.Background()))

	status = http.StatusTooManyRequests
	rate, err = cg.Rate(context.Background(), "bitcoin", "usd")
	require.NoError(t, err, "cached rate is served when the API fails")
	assert.Equal(t, "50000", rate.String())

	_, err = cg.Rate(context.Background(), "ethereum", "usd")
	assert.ErrorIs(t, err, domainErrors.ErrExchangeRateUnknown)
	assert.Error(t, cg.Ping(context.Background()))
}

func TestCoinGecko_Rate_MissingPrice(t *testing.T) {
	status := http.StatusOK
	srv := newCoinGeckoServer(t, &status)
	cg := NewCoinGecko(srv.URL, time.Second, nil, zerolog.Nop())

	_, err := cg.Rate(context.Background(), "ethereum", "usd")
	assert.ErrorIs(t, err, domainErrors.ErrExchangeRateUnknown)
}

func TestCryptoProvider_Process(t *testing.T) {
	status := http.StatusOK
	srv := newCoinGeckoServer(t, &status)
	repo := &memCryptoRepo{}
	p := NewCryptoProvider(NewCoinGecko(srv.URL, time.Second, nil, zerolog.Nop()), repo, "test-seed")

	order := testOrder()
	order.AmountCents = 10000
	result, err := p.Process(context.Background(), ProcessRequest{AttemptID: "pay_1", Order: order})
	require.NoError(t, err)

	require.Len(t, repo.created, 1)
	stored := repo.created[0]
	assert.Equal(t, crypto.StatusPending, stored.Status)
	assert.Equal(t, "bitcoin", stored.CryptoType)
	assert.Equal(t, "0.002", stored.CryptoAmount.String())
	assert.Equal(t, "pay_1", stored.Metadata["payment_attempt_id"])

	assert.Equal(t, payment.ProviderCrypto, result.Provider)
	assert.Equal(t, stored.ID.String(), result.TransactionID)
	assert.Equal(t, "pending", result.Status)
	assert.Equal(t, "0.00200000", result.Details["amount"])
	assert.True(t, strings.HasPrefix(result.Details["address"].(string), "bc1q"))
	assert.Equal(t, "btc:"+stored.PaymentAddress+"?amount=0.00200000", result.Details["paymentUri"])
	assert.Equal(t, 3, result.Details["requiredConfirmations"])
}

func TestCryptoProvider_Process_Errors(t *testing.T) {
	status := http.StatusOK
	srv := newCoinGeckoServer(t, &status)
	p := NewCryptoProvider(NewCoinGecko(srv.URL, time.Second, nil, zerolog.Nop()), &memCryptoRepo{}, "seed")

	order := testOrder()
	order.CryptoType = "dogecoin"
	_, err := p.Process(context.Background(), ProcessRequest{Order: order})
	assert.ErrorIs(t, err, domainErrors.ErrUnsupportedCrypto)
	assert.False(t, domainErrors.IsRetryable(err))

	order.CryptoType = "ethereum"
	_, err = p.Process(context.Background(), ProcessRequest{Order: order})
	assert.ErrorIs(t, err, domainErrors.ErrExchangeRateUnknown)
	assert.False(t, domainErrors.IsRetryable(err), "a missing price is not an outage")

	status = http.StatusServiceUnavailable
	order.CryptoType = "bitcoin"
	_, err = p.Process(context.Background(), ProcessRequest{Order: order})
	assert.ErrorIs(t, err, domainErrors.ErrExchangeRateUnknown)
	assert.True(t, domainErrors.IsRetryable(err))
}

func TestCryptoProvider_Refund(t *testing.T) {
	p := NewCryptoProvider(nil, &memCryptoRepo{}, "seed")

	_, err := p.Refund(context.Background(), RefundRequest{TransactionID: "x"})
	assert.ErrorIs(t, err, domainErrors.ErrRefundUnsupported)
	assert.False(t, domainErrors.IsRetryable(err))

	var pe *domainErrors.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, payment.OpRefund, pe.Op)
}
