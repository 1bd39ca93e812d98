package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/midastechnical/mdts-payments/internal/domain/crypto"
	domainErrors "github.com/midastechnical/mdts-payments/internal/domain/errors"
	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/midastechnical/mdts-payments/internal/domain/webhook"
	"github.com/midastechnical/mdts-payments/internal/infrastructure/redis"
	"github.com/midastechnical/mdts-payments/internal/repository/postgres"
)

// --- Attempt Repository Mock ---

// MockAttemptRepository is an in-memory payment.Repository.
type MockAttemptRepository struct {
	mu       sync.Mutex
	attempts map[string]*payment.Attempt
	failures []*payment.ProviderFailure
	retries  []*payment.RetryRecord

	CreateAttemptFunc func(ctx context.Context, a *payment.Attempt) error
	UpdateAttemptFunc func(ctx context.Context, a *payment.Attempt) error
	RecordFailureFunc func(ctx context.Context, f *payment.ProviderFailure) error
}

func NewMockAttemptRepository() *MockAttemptRepository {
	return &MockAttemptRepository{attempts: make(map[string]*payment.Attempt)}
}

func (m *MockAttemptRepository) CreateAttempt(ctx context.Context, a *payment.Attempt) error {
	if m.CreateAttemptFunc != nil {
		return m.CreateAttemptFunc(ctx, a)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attempts[a.ID]; ok {
		return domainErrors.ErrDuplicateAttempt
	}
	cp := *a
	m.attempts[a.ID] = &cp
	return nil
}

func (m *MockAttemptRepository) GetAttempt(_ context.Context, id string) (*payment.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil, domainErrors.ErrAttemptNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MockAttemptRepository) UpdateAttempt(ctx context.Context, a *payment.Attempt) error {
	if m.UpdateAttemptFunc != nil {
		return m.UpdateAttemptFunc(ctx, a)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attempts[a.ID]; !ok {
		return domainErrors.ErrAttemptNotFound
	}
	cp := *a
	m.attempts[a.ID] = &cp
	return nil
}

func (m *MockAttemptRepository) RecordFailure(ctx context.Context, f *payment.ProviderFailure) error {
	if m.RecordFailureFunc != nil {
		return m.RecordFailureFunc(ctx, f)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f.ID = int64(len(m.failures) + 1)
	m.failures = append(m.failures, f)
	return nil
}

func (m *MockAttemptRepository) ListFailures(_ context.Context, attemptID string) ([]*payment.ProviderFailure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*payment.ProviderFailure
	for _, f := range m.failures {
		if f.AttemptID != nil && *f.AttemptID == attemptID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *MockAttemptRepository) RecordRetry(_ context.Context, r *payment.RetryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries = append(m.retries, r)
	return nil
}

// Failures returns every recorded failure, in order.
func (m *MockAttemptRepository) Failures() []*payment.ProviderFailure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*payment.ProviderFailure(nil), m.failures...)
}

// Retries returns every recorded retry, in order.
func (m *MockAttemptRepository) Retries() []*payment.RetryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*payment.RetryRecord(nil), m.retries...)
}

// --- Session Repository Mock ---

// MockSessionRepository is an in-memory payment.SessionRepository and
// payment.RefundRepository.
type MockSessionRepository struct {
	mu       sync.Mutex
	sessions map[string]*payment.ProviderSession
	refunds  map[string]*payment.Refund

	CreateRefundFunc func(ctx context.Context, r *payment.Refund) error
}

func NewMockSessionRepository() *MockSessionRepository {
	return &MockSessionRepository{
		sessions: make(map[string]*payment.ProviderSession),
		refunds:  make(map[string]*payment.Refund),
	}
}

func sessionKey(provider payment.Provider, id string) string {
	return string(provider) + ":" + id
}

func (m *MockSessionRepository) UpsertSession(_ context.Context, s *payment.ProviderSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[sessionKey(s.Provider, s.SessionID)] = &cp
	return nil
}

func (m *MockSessionRepository) GetSession(_ context.Context, provider payment.Provider, sessionID string) (*payment.ProviderSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey(provider, sessionID)]
	if !ok {
		return nil, domainErrors.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MockSessionRepository) UpdateSessionStatus(_ context.Context, provider payment.Provider, sessionID string, status payment.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey(provider, sessionID)]
	if !ok {
		return domainErrors.ErrSessionNotFound
	}
	s.Status = status
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MockSessionRepository) CreateRefund(ctx context.Context, r *payment.Refund) error {
	if m.CreateRefundFunc != nil {
		return m.CreateRefundFunc(ctx, r)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refunds[r.ID]; !ok {
		cp := *r
		m.refunds[r.ID] = &cp
	}
	return nil
}

// Refunds returns the stored refunds.
func (m *MockSessionRepository) Refunds() []*payment.Refund {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*payment.Refund, 0, len(m.refunds))
	for _, r := range m.refunds {
		out = append(out, r)
	}
	return out
}

// --- Webhook Repository Mock ---

// MockWebhookRepository is an in-memory webhook.Repository.
type MockWebhookRepository struct {
	mu                 sync.Mutex
	receipts           map[string]*webhook.Receipt
	logs               []*webhook.ProcessingLog
	validationFailures []*webhook.ValidationFailure
}

func NewMockWebhookRepository() *MockWebhookRepository {
	return &MockWebhookRepository{receipts: make(map[string]*webhook.Receipt)}
}

func (m *MockWebhookRepository) SaveReceipt(_ context.Context, r *webhook.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts[r.ID] = r
	return nil
}

func (m *MockWebhookRepository) SaveProcessingLog(_ context.Context, l *webhook.ProcessingLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.logs = append(m.logs, &cp)
	return nil
}

func (m *MockWebhookRepository) SaveValidationFailure(_ context.Context, f *webhook.ValidationFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validationFailures = append(m.validationFailures, f)
	return nil
}

func (m *MockWebhookRepository) ListProcessingLogs(_ context.Context, webhookID string) ([]*webhook.ProcessingLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*webhook.ProcessingLog
	for _, l := range m.logs {
		if l.WebhookID == webhookID {
			out = append(out, l)
		}
	}
	return out, nil
}

// Receipts returns the number of stored receipts.
func (m *MockWebhookRepository) Receipts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.receipts)
}

// Logs returns every processing log, in order.
func (m *MockWebhookRepository) Logs() []*webhook.ProcessingLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*webhook.ProcessingLog(nil), m.logs...)
}

// ValidationFailures returns every recorded validation failure.
func (m *MockWebhookRepository) ValidationFailures() []*webhook.ValidationFailure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*webhook.ValidationFailure(nil), m.validationFailures...)
}

// --- Crypto Repository Mock ---

// MockCryptoRepository is an in-memory crypto.Repository.
type MockCryptoRepository struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*crypto.Payment

	UpdateStatusFunc func(ctx context.Context, p *crypto.Payment) error
}

func NewMockCryptoRepository() *MockCryptoRepository {
	return &MockCryptoRepository{payments: make(map[uuid.UUID]*crypto.Payment)}
}

func (m *MockCryptoRepository) Create(_ context.Context, p *crypto.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MockCryptoRepository) GetByID(_ context.Context, id uuid.UUID) (*crypto.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, domainErrors.ErrCryptoPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MockCryptoRepository) UpdateStatus(ctx context.Context, p *crypto.Payment) error {
	if m.UpdateStatusFunc != nil {
		return m.UpdateStatusFunc(ctx, p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; !ok {
		return domainErrors.ErrCryptoPaymentNotFound
	}
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MockCryptoRepository) ListOpen(_ context.Context, limit int) ([]*crypto.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*crypto.Payment
	for _, p := range m.payments {
		if p.Status == crypto.StatusPending || p.Status == crypto.StatusUnconfirmed {
			cp := *p
			out = append(out, &cp)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// --- Transaction Manager Mock ---

// MockTransactionManager is a mock implementation of TransactionManager.
type MockTransactionManager struct {
	WithTransactionFunc func(ctx context.Context, fn func(ctx context.Context) error) error
}

func NewMockTransactionManager() *MockTransactionManager {
	return &MockTransactionManager{}
}

func (m *MockTransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.WithTransactionFunc != nil {
		return m.WithTransactionFunc(ctx, fn)
	}
	return fn(ctx)
}

// --- Alert Sender Mock ---

// SentAlert is one alert captured by MockAlertSender.
type SentAlert struct {
	Kind      string
	AttemptID string
	WebhookID string
	Provider  payment.Provider
	Err       error
}

// MockAlertSender records alerts instead of sending them.
type MockAlertSender struct {
	mu     sync.Mutex
	alerts []SentAlert
}

func NewMockAlertSender() *MockAlertSender {
	return &MockAlertSender{}
}

func (m *MockAlertSender) PaymentFailure(_ context.Context, attemptID string, _ payment.OrderData, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, SentAlert{Kind: "payment-failure", AttemptID: attemptID, Err: cause})
}

func (m *MockAlertSender) WebhookFailure(_ context.Context, provider payment.Provider, webhookID string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, SentAlert{Kind: "webhook-failure", Provider: provider, WebhookID: webhookID, Err: cause})
}

// Alerts returns the captured alerts.
func (m *MockAlertSender) Alerts() []SentAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentAlert(nil), m.alerts...)
}

// --- Redis-backed collaborator mocks ---

// MockEventPublisher captures published payment events and dead letters.
type MockEventPublisher struct {
	mu          sync.Mutex
	events      []redis.PaymentEvent
	deadLetters []redis.DeadLetter

	PublishFunc func(ctx context.Context, ev redis.PaymentEvent) error
}

func NewMockEventPublisher() *MockEventPublisher {
	return &MockEventPublisher{}
}

func (m *MockEventPublisher) PublishPaymentEvent(ctx context.Context, ev redis.PaymentEvent) error {
	if m.PublishFunc != nil {
		if err := m.PublishFunc(ctx, ev); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *MockEventPublisher) PublishWebhookDLQ(_ context.Context, dl redis.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters = append(m.deadLetters, dl)
	return nil
}

// Events returns the published payment events.
func (m *MockEventPublisher) Events() []redis.PaymentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]redis.PaymentEvent(nil), m.events...)
}

// DeadLetters returns the dead-lettered webhooks.
func (m *MockEventPublisher) DeadLetters() []redis.DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]redis.DeadLetter(nil), m.deadLetters...)
}

// MockDeduplicator is an in-memory event key set.
type MockDeduplicator struct {
	mu   sync.Mutex
	keys map[string]bool
}

func NewMockDeduplicator() *MockDeduplicator {
	return &MockDeduplicator{keys: make(map[string]bool)}
}

func (m *MockDeduplicator) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[key], nil
}

func (m *MockDeduplicator) MarkProcessed(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

// MockLocker grants every lock except the keys listed in Held.
type MockLocker struct {
	mu   sync.Mutex
	Held map[string]bool
}

func NewMockLocker() *MockLocker {
	return &MockLocker{Held: make(map[string]bool)}
}

func (m *MockLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	held := m.Held[key]
	m.mu.Unlock()
	if held {
		return domainErrors.ErrLockAcquisitionFailed
	}
	return fn(ctx)
}

// --- Idempotency Store Mock ---

// MockIdempotencyStore keeps stored responses in memory and ignores expiry.
type MockIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]*postgres.IdempotencyEntry
}

func NewMockIdempotencyStore() *MockIdempotencyStore {
	return &MockIdempotencyStore{entries: make(map[string]*postgres.IdempotencyEntry)}
}

func (m *MockIdempotencyStore) Get(_ context.Context, key string) (*postgres.IdempotencyEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key], nil
}

func (m *MockIdempotencyStore) Set(_ context.Context, e *postgres.IdempotencyEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Key] = e
	return nil
}

func (m *MockIdempotencyStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
