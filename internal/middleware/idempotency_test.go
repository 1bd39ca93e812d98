package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	domainErrors "github.com/midastechnical/mdts-payments/internal/domain/errors"
	"github.com/midastechnical/mdts-payments/internal/repository/postgres"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu      sync.Mutex
	entries map[string]*postgres.IdempotencyEntry
}

func (s *memoryStore) Get(_ context.Context, key string) (*postgres.IdempotencyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[key], nil
}

func (s *memoryStore) Set(_ context.Context, e *postgres.IdempotencyEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Key] = e
	return nil
}

func TestIdempotency(t *testing.T) {
	store := &memoryStore{entries: make(map[string]*postgres.IdempotencyEntry)}
	calls := 0
	status := http.StatusCreated
	h := Idempotency(store, nil, time.Hour, zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(status)
		w.Write([]byte(`{"n":1}`))
	}))

	send := func(path, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		if key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	first := send("/api/payments/process", "k1")
	assert.Equal(t, http.StatusCreated, first.Code)
	second := send("/api/payments/process", "k1")
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotency-Replayed"))
	assert.Equal(t, `{"n":1}`, second.Body.String())
	assert.Equal(t, 1, calls)

	send("/api/refunds", "k1")
	assert.Equal(t, 2, calls, "keys are scoped to the route")

	send("/api/payments/process", "")
	send("/api/payments/process", "")
	assert.Equal(t, 4, calls)

	status = http.StatusBadGateway
	send("/api/payments/process", "k2")
	send("/api/payments/process", "k2")
	assert.Equal(t, 6, calls, "server errors are not stored")
}

type keyLocker struct {
	mu   sync.Mutex
	held map[string]bool
	err  error
	// onLock runs after the lock is taken, before the guarded function.
	onLock func()
}

func (l *keyLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if l.err != nil {
		l.mu.Unlock()
		return l.err
	}
	if l.held[key] {
		l.mu.Unlock()
		return domainErrors.ErrLockAcquisitionFailed
	}
	l.held[key] = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()
	if l.onLock != nil {
		l.onLock()
	}
	return fn(ctx)
}

func TestIdempotency_InFlightKey(t *testing.T) {
	store := &memoryStore{entries: make(map[string]*postgres.IdempotencyEntry)}
	locker := &keyLocker{held: make(map[string]bool)}
	calls := 0
	h := Idempotency(store, locker, time.Hour, zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"n":1}`))
	}))
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/payments/process", nil)
		req.Header.Set("Idempotency-Key", "k1")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}
	lockKey := "idempotency:" + postgres.IdempotencyKey(http.MethodPost, "/api/payments/process", "k1")

	t.Run("held key is rejected", func(t *testing.T) {
		locker.held[lockKey] = true
		w := send()
		delete(locker.held, lockKey)

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, w.Body.String(), "duplicate_request")
		assert.Zero(t, calls)
		assert.Empty(t, store.entries)
	})

	t.Run("response stored by the previous holder is replayed", func(t *testing.T) {
		locker.onLock = func() {
			store.Set(context.Background(), &postgres.IdempotencyEntry{
				Key:            postgres.IdempotencyKey(http.MethodPost, "/api/payments/process", "k1"),
				ResponseBody:   `{"n":0}`,
				ResponseStatus: http.StatusCreated,
			})
		}
		w := send()
		locker.onLock = nil

		assert.Equal(t, "true", w.Header().Get("X-Idempotency-Replayed"))
		assert.Equal(t, `{"n":0}`, w.Body.String())
		assert.Zero(t, calls)
		store.entries = make(map[string]*postgres.IdempotencyEntry)
	})

	t.Run("lock taken and released", func(t *testing.T) {
		w := send()
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, 1, calls)
		assert.Empty(t, locker.held)
		require.Len(t, store.entries, 1)
	})

	t.Run("lock backend down still serves", func(t *testing.T) {
		store.entries = make(map[string]*postgres.IdempotencyEntry)
		locker.err = errors.New("dial tcp: connection refused")
		w := send()
		locker.err = nil

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, 2, calls)
	})
}
