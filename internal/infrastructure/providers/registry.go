package providers

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	domainErrors "github.com/midastechnical/mdts-payments/internal/domain/errors"
	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/samber/lo"
	"github.com/sony/gobreaker/v2"
)

// BreakerSettings configures the per-provider circuit breakers. Threshold
// failures within one Interval open a breaker for Timeout.
type BreakerSettings struct {
	Threshold uint32
	Timeout   time.Duration
	Interval  time.Duration
}

type entry struct {
	provider Provider
	enabled  bool
	breaker  *gobreaker.CircuitBreaker[any]
}

// Registry holds the configured providers and one circuit breaker per provider.
type Registry struct {
	mu            sync.RWMutex
	entries       map[payment.Provider]*entry
	settings      BreakerSettings
	onStateChange func(name string, from, to gobreaker.State)
}

type RegistryOption func(*Registry)

// WithStateListener is called whenever a provider breaker changes state.
func WithStateListener(fn func(name string, from, to gobreaker.State)) RegistryOption {
	return func(r *Registry) { r.onStateChange = fn }
}

func NewRegistry(settings BreakerSettings, opts ...RegistryOption) *Registry {
	if settings.Threshold == 0 {
		settings.Threshold = 5
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 5 * time.Minute
	}
	if settings.Interval <= 0 {
		settings.Interval = time.Minute
	}
	r := &Registry{
		entries:  make(map[payment.Provider]*entry),
		settings: settings,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds p, replacing any provider registered under the same name.
func (r *Registry) Register(p Provider, enabled bool) {
	threshold := r.settings.Threshold
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p.Name()] = &entry{
		provider: p,
		enabled:  enabled,
		breaker: gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        string(p.Name()),
			MaxRequests: 1,
			Interval:    r.settings.Interval,
			Timeout:     r.settings.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.TotalFailures >= threshold
			},
			OnStateChange: r.onStateChange,
			IsSuccessful:  countsAsSuccess,
			IsExcluded: func(err error) bool {
				return errors.Is(err, context.Canceled)
			},
		}),
	}
}

// countsAsSuccess keeps caller mistakes from tripping a breaker. Only outages count.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	var ve *domainErrors.ValidationError
	if errors.As(err, &ve) {
		return true
	}
	var pe *domainErrors.ProviderError
	return errors.As(err, &pe) && pe.Kind == domainErrors.KindPermanent
}

func (r *Registry) lookup(name payment.Provider) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q: %w", name, domainErrors.ErrProviderNotFound)
	}
	return e, nil
}

func (r *Registry) Get(name payment.Provider) (Provider, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return e.provider, nil
}

// Enabled reports whether name is registered and enabled.
func (r *Registry) Enabled(name payment.Provider) bool {
	e, err := r.lookup(name)
	return err == nil && e.enabled
}

// State returns the breaker state of a provider. Unknown providers report open.
func (r *Registry) State(name payment.Provider) gobreaker.State {
	e, err := r.lookup(name)
	if err != nil {
		return gobreaker.StateOpen
	}
	return e.breaker.State()
}

// Providers returns every registered provider in ascending priority.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	all := lo.MapToSlice(r.entries, func(_ payment.Provider, e *entry) Provider { return e.provider })
	r.mu.RUnlock()

	slices.SortStableFunc(all, func(a, b Provider) int {
		if a.Priority() != b.Priority() {
			return a.Priority() - b.Priority()
		}
		return cmp.Compare(a.Name(), b.Name())
	})
	return all
}

// Ordered returns the enabled providers in fallback order: the preferred
// provider first when it is known, then the rest by ascending priority.
func (r *Registry) Ordered(preferred *payment.Provider) []Provider {
	enabled := lo.Filter(r.Providers(), func(p Provider, _ int) bool { return r.Enabled(p.Name()) })
	if preferred == nil {
		return enabled
	}
	first, rest := lo.FilterReject(enabled, func(p Provider, _ int) bool { return p.Name() == *preferred })
	return append(first, rest...)
}

// Execute runs fn through the breaker of provider name. An open breaker is
// reported as ErrProviderUnavailable.
func Execute[T any](r *Registry, name payment.Provider, fn func() (T, error)) (T, error) {
	var zero T
	e, err := r.lookup(name)
	if err != nil {
		return zero, err
	}

	out, err := e.breaker.Execute(func() (any, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, fmt.Errorf("%s: %w: %v", name, domainErrors.ErrProviderUnavailable, err)
	}
	if err != nil {
		return zero, err
	}
	if out == nil {
		return zero, nil
	}
	return out.(T), nil
}
