package service

import (
	"context"
	"errors"
	"testing"
	"time"

	domainErrors "github.com/midastechnical/mdts-payments/internal/domain/errors"
	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/midastechnical/mdts-payments/internal/infrastructure/providers"
	"github.com/midastechnical/mdts-payments/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRefunds(t *testing.T, p providers.Provider) (*RefundService, *testutil.MockAttemptRepository, *testutil.MockSessionRepository) {
	t.Helper()
	registry := providers.NewRegistry(providers.BreakerSettings{Threshold: 5, Timeout: time.Minute})
	registry.Register(p, true)
	attempts := testutil.NewMockAttemptRepository()
	sessions := testutil.NewMockSessionRepository()
	return NewRefundService(registry, attempts, sessions, newTestMetrics(), zerolog.Nop()), attempts, sessions
}

func TestRefundService_Refund(t *testing.T) {
	svc, _, sessions := setupRefunds(t, providers.NewMockProvider(payment.ProviderStripe))
	amount := int64(1200)

	refund, err := svc.Refund(context.Background(), RefundRequest{
		Provider:      payment.ProviderStripe,
		TransactionID: "pi_1",
		AmountCents:   &amount,
		Currency:      "usd",
		Reason:        "requested_by_customer",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, refund.ID)
	assert.Equal(t, "succeeded", refund.Status)
	assert.Equal(t, "USD", refund.Currency)

	stored := sessions.Refunds()
	require.Len(t, stored, 1)
	assert.Equal(t, refund.ID, stored[0].ID)
	assert.Equal(t, int64(1200), *stored[0].AmountCents)
}

func TestRefundService_ProviderErrorIsLogged(t *testing.T) {
	cause := domainErrors.NewProviderError("stripe", payment.OpRefund, domainErrors.KindPermanent, errors.New("charge already refunded"))
	svc, attempts, sessions := setupRefunds(t, providers.NewMockProvider(payment.ProviderStripe, providers.WithRefundError(cause)))

	_, err := svc.Refund(context.Background(), RefundRequest{Provider: payment.ProviderStripe, TransactionID: "pi_2"})
	assert.ErrorIs(t, err, cause)

	failures := attempts.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, payment.OpRefund, failures[0].Operation)
	assert.Nil(t, failures[0].AttemptID)
	assert.Equal(t, "pi_2", failures[0].Metadata["transactionId"])
	assert.Empty(t, sessions.Refunds())
}

func TestRefundService_UnknownProvider(t *testing.T) {
	svc, _, _ := setupRefunds(t, providers.NewMockProvider(payment.ProviderStripe))
	_, err := svc.Refund(context.Background(), RefundRequest{Provider: payment.ProviderPayPal, TransactionID: "CAP-1"})
	assert.ErrorIs(t, err, domainErrors.ErrProviderNotFound)
}
