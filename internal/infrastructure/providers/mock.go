package providers

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	domainErrors "github.com/midastechnical/mdts-payments/internal/domain/errors"
	"github.com/midastechnical/mdts-payments/internal/domain/payment"
)

// MockProvider simulates a payment provider for local runs and tests.
type MockProvider struct {
	name        payment.Provider
	priority    int
	failureRate float64 // 0.0 to 1.0
	latency     time.Duration

	mu            sync.Mutex
	healthErr     error
	processErrors []error
	refundErr     error
	healthCalls   int
	processCalls  int
	refundCalls   int
}

type MockProviderOption func(*MockProvider)

func WithFailureRate(rate float64) MockProviderOption {
	return func(p *MockProvider) { p.failureRate = rate }
}

func WithLatency(d time.Duration) MockProviderOption {
	return func(p *MockProvider) { p.latency = d }
}

func WithPriority(priority int) MockProviderOption {
	return func(p *MockProvider) { p.priority = priority }
}

// WithHealthError makes every health check fail with err.
func WithHealthError(err error) MockProviderOption {
	return func(p *MockProvider) { p.healthErr = err }
}

// WithProcessErrors scripts the results of successive Process calls. Once the
// script runs out, calls succeed (subject to the failure rate).
func WithProcessErrors(errs ...error) MockProviderOption {
	return func(p *MockProvider) { p.processErrors = errs }
}

func WithRefundError(err error) MockProviderOption {
	return func(p *MockProvider) { p.refundErr = err }
}

func NewMockProvider(name payment.Provider, opts ...MockProviderOption) *MockProvider {
	p := &MockProvider{
		name:     name,
		priority: defaultPriority(name),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func defaultPriority(name payment.Provider) int {
	switch name {
	case payment.ProviderStripe:
		return PriorityStripe
	case payment.ProviderPayPal:
		return PriorityPayPal
	case payment.ProviderCrypto:
		return PriorityCrypto
	default:
		return 100
	}
}

func (p *MockProvider) Name() payment.Provider { return p.name }

func (p *MockProvider) Priority() int { return p.priority }

// SetHealthError changes the health check result.
func (p *MockProvider) SetHealthError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthErr = err
}

// Configure applies options to a provider that may already be in use.
func (p *MockProvider) Configure(opts ...MockProviderOption) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range opts {
		o(p)
	}
}

func (p *MockProvider) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	p.healthCalls++
	err := p.healthErr
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return err
}

func (p *MockProvider) Process(ctx context.Context, req ProcessRequest) (*payment.Result, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.processCalls++
	var scripted error
	if len(p.processErrors) > 0 {
		scripted = p.processErrors[0]
		p.processErrors = p.processErrors[1:]
	}
	p.mu.Unlock()

	if scripted != nil {
		return nil, scripted
	}
	if rand.Float64() < p.failureRate {
		return nil, domainErrors.NewProviderError(string(p.name), payment.OpProcess, domainErrors.KindRetryable,
			fmt.Errorf("simulated processing failure for attempt %s", req.AttemptID))
	}

	return &payment.Result{
		Provider:      p.name,
		TransactionID: fmt.Sprintf("%s_txn_%s", p.name, uuid.New().String()[:8]),
		Status:        "created",
		Details:       map[string]any{"orderId": req.Order.OrderID},
	}, nil
}

func (p *MockProvider) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.refundCalls++
	err := p.refundErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var amount int64
	if req.AmountCents != nil {
		amount = *req.AmountCents
	}
	return &RefundResult{
		RefundID:    fmt.Sprintf("%s_refund_%s", p.name, uuid.New().String()[:8]),
		Status:      "succeeded",
		AmountCents: amount,
	}, nil
}

// Calls returns how often HealthCheck, Process and Refund ran.
func (p *MockProvider) Calls() (health, process, refund int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthCalls, p.processCalls, p.refundCalls
}

func (p *MockProvider) wait(ctx context.Context) error {
	if p.latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(p.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
