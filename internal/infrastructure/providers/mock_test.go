package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	domainErrors "github.com/midastechnical/mdts-payments/internal/domain/errors"
	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOrder() payment.OrderData {
	return payment.OrderData{
		OrderID:     "order-1001",
		AmountCents: 12999,
		Currency:    "USD",
		LineItems:   []payment.LineItem{{Name: "iPhone 13 Screen", UnitAmountCents: 12999, Quantity: 1}},
		Customer:    payment.Customer{Email: "buyer@example.com"},
	}
}

func TestNewMockProvider(t *testing.T) {
	provider := NewMockProvider(payment.ProviderPayPal)

	assert.Equal(t, payment.ProviderPayPal, provider.Name())
	assert.Equal(t, PriorityPayPal, provider.Priority())
	assert.Equal(t, 7, NewMockProvider("test", WithPriority(7)).Priority())
}

func TestMockProvider_Process_Success(t *testing.T) {
	provider := NewMockProvider(payment.ProviderStripe)

	result, err := provider.Process(context.Background(), ProcessRequest{AttemptID: "pay_1", Order: testOrder()})
	require.NoError(t, err)
	assert.Equal(t, payment.ProviderStripe, result.Provider)
	assert.Contains(t, result.TransactionID, "stripe_txn_")
	assert.Equal(t, "order-1001", result.Details["orderId"])
}

func TestMockProvider_Process_FailureRate(t *testing.T) {
	provider := NewMockProvider(payment.ProviderStripe, WithFailureRate(1.0))

	_, err := provider.Process(context.Background(), ProcessRequest{AttemptID: "pay_1", Order: testOrder()})
	require.Error(t, err)
	assert.True(t, domainErrors.IsRetryable(err))
	assert.Contains(t, err.Error(), "simulated")
}

func TestMockProvider_Process_Scripted(t *testing.T) {
	first := errors.New("network down")
	provider := NewMockProvider(payment.ProviderStripe, WithProcessErrors(first))

	_, err := provider.Process(context.Background(), ProcessRequest{Order: testOrder()})
	assert.ErrorIs(t, err, first)

	_, err = provider.Process(context.Background(), ProcessRequest{Order: testOrder()})
	assert.NoError(t, err)

	_, process, _ := provider.Calls()
	assert.Equal(t, 2, process)
}

func TestMockProvider_HealthCheck(t *testing.T) {
	provider := NewMockProvider(payment.ProviderStripe)
	assert.NoError(t, provider.HealthCheck(context.Background()))

	provider.SetHealthError(errors.New("down"))
	assert.EqualError(t, provider.HealthCheck(context.Background()), "down")

	health, _, _ := provider.Calls()
	assert.Equal(t, 2, health)
}

func TestMockProvider_Refund(t *testing.T) {
	provider := NewMockProvider(payment.ProviderPayPal)
	amount := int64(500)

	result, err := provider.Refund(context.Background(), RefundRequest{TransactionID: "txn_1", AmountCents: &amount})
	require.NoError(t, err)
	assert.Contains(t, result.RefundID, "paypal_refund_")
	assert.Equal(t, int64(500), result.AmountCents)

	failing := NewMockProvider(payment.ProviderPayPal, WithRefundError(domainErrors.ErrProviderRejected))
	_, err = failing.Refund(context.Background(), RefundRequest{TransactionID: "txn_1"})
	assert.ErrorIs(t, err, domainErrors.ErrProviderRejected)
}

func TestMockProvider_Latency(t *testing.T) {
	latency := 50 * time.Millisecond
	provider := NewMockProvider(payment.ProviderStripe, WithLatency(latency))

	start := time.Now()
	_, err := provider.Process(context.Background(), ProcessRequest{Order: testOrder()})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), latency)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = provider.Process(ctx, ProcessRequest{Order: testOrder()})
	assert.ErrorIs(t, err, context.Canceled)
}
