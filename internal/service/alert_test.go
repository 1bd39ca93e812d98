package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/midastechnical/mdts-payments/internal/testutil"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestAlertClient_PaymentFailure(t *testing.T) {
	var got PaymentFailureAlert
	var auth, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth, path = r.Header.Get("Authorization"), r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	metrics := newTestMetrics()
	c := NewAlertClient(AlertConfig{Enabled: true, BaseURL: srv.URL + "/", Timeout: time.Second},
		func() (string, error) { return "tok", nil }, metrics, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.PaymentFailure(ctx, "pay_1", testutil.NewTestOrder("order-1", 2500), errors.New("all payment providers failed"))

	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "/api/alerts/payment-failure", path)
	assert.Equal(t, "pay_1", got.PaymentAttemptID)
	assert.Equal(t, "order-1", got.OrderData.OrderID)
	assert.Equal(t, "all payment providers failed", got.Error)
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.AlertsTotal.WithLabelValues(AlertPaymentFailure, "sent")))
}

func TestAlertClient_WebhookFailureErrorIsCounted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body WebhookFailureAlert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "paypal", body.Provider)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	metrics := newTestMetrics()
	c := NewAlertClient(AlertConfig{Enabled: true, BaseURL: srv.URL}, nil, metrics, zerolog.Nop())
	c.WebhookFailure(context.Background(), payment.ProviderPayPal, "wh-1", errors.New("boom"))

	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.AlertsTotal.WithLabelValues(AlertWebhookFailure, "error")))
}

func TestAlertClient_Disabled(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()

	c := NewAlertClient(AlertConfig{Enabled: false, BaseURL: srv.URL}, nil, newTestMetrics(), zerolog.Nop())
	c.WebhookFailure(context.Background(), payment.ProviderStripe, "wh-2", errors.New("boom"))
	assert.False(t, called)
}
