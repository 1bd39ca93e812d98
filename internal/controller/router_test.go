package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/midastechnical/mdts-payments/internal/domain/crypto"
	domainErrors "github.com/midastechnical/mdts-payments/internal/domain/errors"
	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/midastechnical/mdts-payments/internal/infrastructure/config"
	"github.com/midastechnical/mdts-payments/internal/infrastructure/observability"
	"github.com/midastechnical/mdts-payments/internal/infrastructure/providers"
	"github.com/midastechnical/mdts-payments/internal/middleware"
	"github.com/midastechnical/mdts-payments/internal/service"
	"github.com/midastechnical/mdts-payments/internal/testutil"
	"github.com/midastechnical/mdts-payments/pkg/retry"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testJWTSecret    = "router-test-secret-at-least-32-characters"
	testStripeSecret = "whsec_router_test"
)

type instantTimer struct{}

func (instantTimer) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

type stubRates struct {
	rate decimal.Decimal
	err  error
}

func (s stubRates) Rate(context.Context, string, string) (decimal.Decimal, error) {
	return s.rate, s.err
}
func (s stubRates) Ping(context.Context) error { return s.err }

type stubExplorer struct {
	obs providers.Observation
	err error
}

func (s stubExplorer) Observe(context.Context, crypto.Currency, string, decimal.Decimal) (providers.Observation, error) {
	return s.obs, s.err
}

type apiFixture struct {
	router      http.Handler
	stripe      *providers.MockProvider
	paypal      *providers.MockProvider
	attempts    *testutil.MockAttemptRepository
	sessions    *testutil.MockSessionRepository
	cryptoRepo  *testutil.MockCryptoRepository
	publisher   *testutil.MockEventPublisher
	idempotency *testutil.MockIdempotencyStore
	metrics     *observability.Metrics
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		stripe:      providers.NewMockProvider(payment.ProviderStripe),
		paypal:      providers.NewMockProvider(payment.ProviderPayPal),
		attempts:    testutil.NewMockAttemptRepository(),
		sessions:    testutil.NewMockSessionRepository(),
		cryptoRepo:  testutil.NewMockCryptoRepository(),
		publisher:   testutil.NewMockEventPublisher(),
		idempotency: testutil.NewMockIdempotencyStore(),
	}
	reg := prometheus.NewRegistry()
	f.metrics = observability.NewMetrics("test", reg)

	registry := providers.NewRegistry(providers.BreakerSettings{Threshold: 5, Timeout: time.Minute})
	registry.Register(f.stripe, true)
	registry.Register(f.paypal, true)

	alerts := testutil.NewMockAlertSender()
	fallback := service.NewFallbackManager(registry, f.attempts, f.sessions, alerts, f.metrics, zerolog.Nop(), service.FallbackConfig{
		Retry:              retry.Config{MaxRetries: 1, BaseDelay: time.Millisecond, Multiplier: 2, Timer: instantTimer{}},
		HealthCheckTimeout: time.Second,
	})
	webhooks := service.NewWebhookService(
		testutil.NewMockWebhookRepository(),
		map[payment.Provider]service.EventHandler{
			payment.ProviderStripe: service.NewStripeEventHandler(f.attempts, f.sessions, f.sessions,
				testutil.NewMockTransactionManager(), f.publisher, zerolog.Nop()),
		},
		nil, testutil.NewMockDeduplicator(), f.publisher, alerts, f.metrics, zerolog.Nop(),
		service.WebhookConfig{StripeSecret: testStripeSecret, MaxRetries: 1, Timer: instantTimer{}},
	)
	monitor := service.NewCryptoMonitor(f.cryptoRepo,
		stubExplorer{obs: providers.Observation{Confirmations: 3, TxHash: "0xpaid"}},
		testutil.NewMockLocker(), f.publisher, f.metrics, zerolog.Nop())
	refunds := service.NewRefundService(registry, f.attempts, f.sessions, f.metrics, zerolog.Nop())

	f.router = NewRouter(RouterDeps{
		DB:               PingFunc(func(context.Context) error { return nil }),
		Redis:            PingFunc(func(context.Context) error { return errors.New("connection refused") }),
		Fallback:         fallback,
		Attempts:         f.attempts,
		Webhooks:         webhooks,
		CryptoMonitor:    monitor,
		Rates:            stubRates{rate: decimal.RequireFromString("50000.5")},
		Refunds:          refunds,
		IdempotencyStore: f.idempotency,
		IdempotencyLocks: testutil.NewMockLocker(),
		IdempotencyTTL:   time.Hour,
		Metrics:          f.metrics,
		Gatherer:         reg,
		Logger:           zerolog.Nop(),
		ServiceName:      "mdts-payments-test",
		JWTSecret:        testJWTSecret,
		CORSConfig:       config.CORSConfig{AllowedOrigins: []string{"*"}},
		MaxWebhookBytes:  4096,
	})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func bearer(t *testing.T, role string) http.Header {
	t.Helper()
	token, err := middleware.IssueToken(testJWTSecret, "tester", role, time.Minute)
	require.NoError(t, err)
	return http.Header{"Authorization": {"Bearer " + token}}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func paymentBody(orderID string) ProcessPaymentRequest {
	return ProcessPaymentRequest{
		OrderData: OrderRequest{
			OrderID:     orderID,
			AmountCents: 12999,
			Currency:    "USD",
			LineItems:   []LineItemRequest{{Name: "iPhone 13 Screen", UnitAmountCents: 12999, Quantity: 1}},
			Customer:    CustomerRequest{Email: "buyer@example.com"},
		},
	}
}

func TestAPI_ProcessPayment(t *testing.T) {
	f := setupAPI(t)

	body := paymentBody("order-1")
	body.PreferredProvider = "paypal"
	w := f.do(t, http.MethodPost, "/api/v1/payments", body, nil)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[service.FallbackResult](t, w)
	assert.True(t, res.Success)
	assert.Equal(t, payment.ProviderPayPal, res.Provider)
	assert.NotEmpty(t, res.PaymentAttemptID)
}

func TestAPI_ProcessPayment_Validation(t *testing.T) {
	f := setupAPI(t)

	tests := []struct {
		name  string
		body  any
		field string
	}{
		{"malformed json", `{"orderData":`, "body"},
		{"missing order id", func() any { b := paymentBody(""); return b }(), "OrderData.OrderID"},
		{"bad email", func() any { b := paymentBody("o-1"); b.OrderData.Customer.Email = "x"; return b }(), "OrderData.Customer.Email"},
		{"unknown provider", func() any { b := paymentBody("o-1"); b.PreferredProvider = "venmo"; return b }(), "PreferredProvider"},
		{"zero quantity", func() any { b := paymentBody("o-1"); b.OrderData.LineItems[0].Quantity = 0; return b }(), "OrderData.LineItems[0].Quantity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/payments", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			resp := decode[ErrorResponse](t, w)
			assert.Equal(t, "validation_error", resp.Code)
			assert.Contains(t, resp.Error, tt.field)
		})
	}
	_, process, _ := f.stripe.Calls()
	assert.Zero(t, process)
}

func TestAPI_ProcessPayment_AllProvidersFailed(t *testing.T) {
	f := setupAPI(t)
	declined := domainErrors.NewProviderError("stripe", payment.OpProcess, domainErrors.KindPermanent, errors.New("card declined"))
	f.stripe.Configure(providers.WithProcessErrors(declined))
	f.paypal.SetHealthError(errors.New("paypal down"))

	w := f.do(t, http.MethodPost, "/api/v1/payments", paymentBody("order-2"), nil)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "all_providers_failed", decode[ErrorResponse](t, w).Code)
}

func TestAPI_ProcessPayment_IdempotentReplay(t *testing.T) {
	f := setupAPI(t)
	h := http.Header{"Idempotency-Key": {"order-3-try"}}

	first := f.do(t, http.MethodPost, "/api/v1/payments", paymentBody("order-3"), h)
	require.Equal(t, http.StatusOK, first.Code)
	second := f.do(t, http.MethodPost, "/api/v1/payments", paymentBody("order-3"), h)

	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotency-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	_, process, _ := f.stripe.Calls()
	assert.Equal(t, 1, process)
	assert.Equal(t, 1, f.idempotency.Len())
}

func TestAPI_GetAttempt(t *testing.T) {
	f := setupAPI(t)
	f.stripe.SetHealthError(errors.New("stripe down"))

	w := f.do(t, http.MethodPost, "/api/v1/payments", paymentBody("order-4"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[service.FallbackResult](t, w)

	w = f.do(t, http.MethodGet, "/api/v1/payments/"+res.PaymentAttemptID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[AttemptResponse](t, w)
	assert.Equal(t, "success", got.Status)
	assert.Equal(t, "order-4", got.OrderID)
	require.NotNil(t, got.SuccessfulProvider)
	assert.Equal(t, payment.ProviderPayPal, *got.SuccessfulProvider)
	require.Len(t, got.Failures, 1)
	assert.Equal(t, "stripe", got.Failures[0].Provider)
	assert.Equal(t, payment.OpHealthCheck, got.Failures[0].Operation)

	w = f.do(t, http.MethodGet, "/api/v1/payments/pay_missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_StripeWebhook(t *testing.T) {
	f := setupAPI(t)
	payload := []byte(`{"id":"evt_router_1","type":"checkout.session.completed","data":{"object":` +
		`{"id":"cs_1","client_reference_id":"order-5","metadata":{"payment_attempt_id":"pay_5"}}}}`)
	ts := time.Now()
	sig := fmt.Sprintf("t=%d,v1=%s", ts.Unix(), service.SignStripePayload(payload, testStripeSecret, ts))

	w := f.do(t, http.MethodPost, "/api/v1/webhooks/stripe", payload, http.Header{"Stripe-Signature": {sig}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[WebhookResponse](t, w)
	assert.True(t, resp.Received)
	assert.Equal(t, "evt_router_1", resp.EventID)
	assert.Equal(t, "success", resp.Status)

	s, err := f.sessions.GetSession(context.Background(), payment.ProviderStripe, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, payment.SessionCompleted, s.Status)
	require.Len(t, f.publisher.Events(), 1)
	assert.Equal(t, "order-5", f.publisher.Events()[0].Reference)
}

func TestAPI_StripeWebhook_Rejected(t *testing.T) {
	f := setupAPI(t)
	payload := []byte(`{"id":"evt_router_2","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`)

	w := f.do(t, http.MethodPost, "/api/v1/webhooks/stripe", payload, http.Header{"Stripe-Signature": {"t=1,v1=deadbeef"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_signature", decode[ErrorResponse](t, w).Code)

	big := []byte(`{"id":"evt_big","pad":"` + strings.Repeat("x", 5000) + `"}`)
	w = f.do(t, http.MethodPost, "/api/v1/webhooks/stripe", big, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	// no PayPal handler is registered in this fixture
	w = f.do(t, http.MethodPost, "/api/v1/webhooks/paypal", `{}`, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, f.publisher.Events())
}

func TestAPI_CryptoCurrencies(t *testing.T) {
	f := setupAPI(t)

	w := f.do(t, http.MethodGet, "/api/v1/crypto/currencies?fiat=CAD", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[[]map[string]any](t, w)
	require.Len(t, got, len(crypto.SupportedCurrencies()))
	assert.Equal(t, "BTC", got[0]["symbol"])
	assert.Equal(t, "50000.5", got[0]["rate"])
	assert.Equal(t, "cad", got[0]["fiat"])
	assert.NotContains(t, got[0], "CoinGeckoID")
}

func TestAPI_CryptoPayment(t *testing.T) {
	f := setupAPI(t)
	p := testutil.NewTestCryptoPayment("order-6", "bc1qrouter")
	require.NoError(t, f.cryptoRepo.Create(context.Background(), p))

	w := f.do(t, http.MethodGet, "/api/v1/crypto/payments/"+p.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[CryptoPaymentResponse](t, w)
	assert.Equal(t, "confirmed", got.Status)
	assert.Equal(t, 3, got.Confirmations)
	assert.Equal(t, 3, got.RequiredConfirmations)
	assert.Equal(t, "https://blockchain.info/tx/0xpaid", got.TransactionURL)
	assert.True(t, strings.HasPrefix(got.PaymentURI, "btc:bc1qrouter?amount="))
	require.Len(t, f.publisher.Events(), 1)

	w = f.do(t, http.MethodGet, "/api/v1/crypto/payments/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/crypto/payments/00000000-0000-0000-0000-000000000001", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_Refunds(t *testing.T) {
	f := setupAPI(t)
	body := CreateRefundRequest{Provider: "stripe", TransactionID: "pi_123", Currency: "usd"}

	w := f.do(t, http.MethodPost, "/api/v1/refunds", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/refunds", body, bearer(t, "viewer"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/refunds", body, bearer(t, middleware.RoleAdmin))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	got := decode[RefundResponse](t, w)
	assert.Equal(t, "stripe", got.Provider)
	assert.Equal(t, "pi_123", got.TransactionID)
	assert.Equal(t, "USD", got.Currency)
	assert.Len(t, f.sessions.Refunds(), 1)

	f.paypal.Configure(providers.WithRefundError(
		domainErrors.NewProviderError("paypal", payment.OpRefund, domainErrors.KindPermanent, errors.New("already refunded"))))
	body.Provider = "paypal"
	w = f.do(t, http.MethodPost, "/api/v1/refunds", body, bearer(t, middleware.RoleService))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "provider_error", decode[ErrorResponse](t, w).Code)
}

func TestAPI_Alerts(t *testing.T) {
	f := setupAPI(t)
	alert := service.PaymentFailureAlert{
		PaymentAttemptID: "pay_7",
		OrderData:        testutil.NewTestOrder("order-7", 5000),
		Error:            "all payment providers failed",
		Timestamp:        time.Now(),
	}

	w := f.do(t, http.MethodPost, "/api/alerts/payment-failure", alert, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/api/alerts/payment-failure", alert, bearer(t, middleware.RoleService))
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = f.do(t, http.MethodPost, "/api/alerts/webhook-failure", service.WebhookFailureAlert{
		Provider: "stripe", WebhookID: "wh_1", Error: "handler failed",
	}, bearer(t, middleware.RoleService))
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = f.do(t, http.MethodPost, "/api/alerts/webhook-failure", `{"provider":"stripe"}`, bearer(t, middleware.RoleService))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.AlertsTotal.WithLabelValues(service.AlertPaymentFailure, "received")))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.AlertsTotal.WithLabelValues(service.AlertWebhookFailure, "received")))
}

func TestAPI_Health(t *testing.T) {
	f := setupAPI(t)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health/live", nil, nil).Code)

	w := f.do(t, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "redis unavailable")

	w = f.do(t, http.MethodGet, "/health/providers", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.0, decode[map[string]any](t, w)["healthy"])

	f.stripe.SetHealthError(errors.New("down"))
	f.paypal.SetHealthError(errors.New("down"))
	w = f.do(t, http.MethodGet, "/health/providers", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAPI_Metrics(t *testing.T) {
	f := setupAPI(t)
	f.do(t, http.MethodGet, "/health", nil, nil)

	w := f.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_http_requests_total")
}
