package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	domainErrors "github.com/midastechnical/mdts-payments/internal/domain/errors"
	"github.com/midastechnical/mdts-payments/internal/repository/postgres"
	"github.com/rs/zerolog"
)

const maxIdempotencyBodySize = 1 << 20

// IdempotencyStore keeps responses keyed by the client's Idempotency-Key.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*postgres.IdempotencyEntry, error)
	Set(ctx context.Context, entry *postgres.IdempotencyEntry) error
}

// KeyLocker serializes requests that share an idempotency key.
type KeyLocker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Idempotency replays the stored response for a repeated Idempotency-Key on
// the same route. Server errors are not stored so the client can retry them.
// With a locker, a request whose key is still being handled gets 409.
func Idempotency(store IdempotencyStore, locker KeyLocker, ttl time.Duration, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Idempotency-Key")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := postgres.IdempotencyKey(r.Method, r.URL.Path, header)

			if replayStored(w, r, store, key) {
				return
			}
			if locker == nil {
				serveAndStore(w, r, next, store, key, ttl, logger)
				return
			}

			err := locker.WithLock(r.Context(), "idempotency:"+key, func(context.Context) error {
				// the holder before us may have stored a response
				if replayStored(w, r, store, key) {
					return nil
				}
				serveAndStore(w, r, next, store, key, ttl, logger)
				return nil
			})
			switch {
			case err == nil:
			case errors.Is(err, domainErrors.ErrLockAcquisitionFailed):
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusConflict)
				json.NewEncoder(w).Encode(map[string]string{
					"error": "a request with this idempotency key is in progress",
					"code":  "duplicate_request",
				})
			default:
				logger.Warn().Err(err).Str("idempotency_key", header).Msg("Idempotency lock unavailable")
				serveAndStore(w, r, next, store, key, ttl, logger)
			}
		})
	}
}

func replayStored(w http.ResponseWriter, r *http.Request, store IdempotencyStore, key string) bool {
	entry, err := store.Get(r.Context(), key)
	if err != nil || entry == nil {
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Idempotency-Replayed", "true")
	w.WriteHeader(entry.ResponseStatus)
	w.Write([]byte(entry.ResponseBody))
	return true
}

func serveAndStore(w http.ResponseWriter, r *http.Request, next http.Handler, store IdempotencyStore, key string, ttl time.Duration, logger zerolog.Logger) {
	rec := &responseRecorder{ResponseWriter: w, body: &bytes.Buffer{}, statusCode: http.StatusOK}
	next.ServeHTTP(rec, r)

	if rec.statusCode >= 500 || rec.bodyTruncated {
		return
	}
	now := time.Now()
	err := store.Set(context.WithoutCancel(r.Context()), &postgres.IdempotencyEntry{
		Key:            key,
		ResponseBody:   rec.body.String(),
		ResponseStatus: rec.statusCode,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	})
	if err != nil {
		logger.Warn().Err(err).Str("idempotency_key", key).Msg("Failed to store idempotent response")
	}
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode    int
	body          *bytes.Buffer
	bodyTruncated bool
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.bodyTruncated {
		if r.body.Len()+len(b) > maxIdempotencyBodySize {
			r.bodyTruncated = true
		} else {
			r.body.Write(b)
		}
	}
	return r.ResponseWriter.Write(b)
}
