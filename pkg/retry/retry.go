package retry

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

// Config holds retry configuration
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// RetryIf decides whether an error is worth another attempt. Nil retries everything.
	RetryIf func(error) bool
	// OnRetry is called before sleeping for retry n (0-based).
	OnRetry func(n int, delay time.Duration, err error)
	// Timer replaces the wall clock used for backoff waits.
	Timer Timer
}

// Timer produces the channel a backoff wait blocks on.
type Timer interface {
	After(time.Duration) <-chan time.Time
}

// DefaultConfig returns default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
	}
}

// BackoffDelay returns min(base * multiplier^n, max) for retry index n.
func (c Config) BackoffDelay(n int) time.Duration {
	mult := c.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(c.BaseDelay)
	for i := 0; i < n; i++ {
		d *= mult
		if c.MaxDelay > 0 && d >= float64(c.MaxDelay) {
			return c.MaxDelay
		}
	}
	if c.MaxDelay > 0 && time.Duration(d) > c.MaxDelay {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// Do executes fn, retrying up to MaxRetries times with capped exponential backoff.
// The last error is returned unwrapped.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	retryIf := cfg.RetryIf
	if retryIf == nil {
		retryIf = func(error) bool { return true }
	}
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(cfg.MaxRetries) + 1),
		// retry-go counts the first retry as n=1
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return cfg.BackoffDelay(int(n) - 1)
		}),
		retry.RetryIf(retryIf),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			// also fired after the final attempt, when no retry follows
			if cfg.OnRetry != nil && int(n) < cfg.MaxRetries {
				cfg.OnRetry(int(n), cfg.BackoffDelay(int(n)), err)
			}
		}),
	}
	if cfg.Timer != nil {
		opts = append(opts, retry.WithTimer(cfg.Timer))
	}
	return retry.Do(fn, opts...)
}

// DoWithResult executes a function with exponential backoff retry and returns a result
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}
