package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/midastechnical/mdts-payments/internal/service"
	"github.com/samber/lo"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthController struct {
	db       Pinger
	redis    Pinger
	fallback *service.FallbackManager
}

// NewHealthController wires the readiness checks. redis is usually a
// redis.Client adapted with PingFunc.
func NewHealthController(db, redis Pinger, fallback *service.FallbackManager) *HealthController {
	return &HealthController{db: db, redis: redis, fallback: fallback}
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

func (h *HealthController) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthController) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (h *HealthController) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database unavailable",
		})
		return
	}

	if err := h.redis.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "redis unavailable",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Providers health-checks every payment provider. It answers 503 when none
// could take a payment.
func (h *HealthController) Providers(w http.ResponseWriter, r *http.Request) {
	statuses := h.fallback.ProviderStatuses(r.Context())
	healthy := lo.CountBy(statuses, func(s service.ProviderStatus) bool { return s.Enabled && s.Healthy })

	status := http.StatusOK
	overall := "ok"
	if healthy == 0 {
		status, overall = http.StatusServiceUnavailable, "unavailable"
	}
	writeJSON(w, status, map[string]any{
		"status":    overall,
		"healthy":   healthy,
		"providers": statuses,
	})
}
