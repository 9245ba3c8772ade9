package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/catalog-enricher/internal/config"
)

// RetryConfig is the transport retry policy of a provider client.
type RetryConfig struct {
	MaxAttempts    int           // total tries including the first; 1 disables retries
	InitialBackoff time.Duration // delay before the second try
	MaxBackoff     time.Duration // ceiling for any single wait, Retry-After included
	JitterFraction float64       // +/- spread applied to computed backoff

	// ShouldRetry replaces IsTransient when set.
	ShouldRetry func(err error) bool
	// OnRetry runs before each wait with the 1-based attempt that failed.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig is the policy provider clients start from.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		JitterFraction: 0.25,
	}
}

// FromConfig overlays the retry section of the application config on the
// defaults. Zero values keep the default.
func FromConfig(c config.RetryConfig) RetryConfig {
	cfg := DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		cfg.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	return cfg
}

func (c RetryConfig) normalized() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	c.JitterFraction = max(c.JitterFraction, 0)
	if c.ShouldRetry == nil {
		c.ShouldRetry = IsTransient
	}
	return c
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. The last error is returned unchanged. A server's
// Retry-After hint replaces the computed backoff when it is longer.
func Do[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.normalized()

	var (
		zero T
		err  error
	)
	for attempt := 1; ; attempt++ {
		var val T
		if val, err = fn(ctx); err == nil {
			return val, nil
		}
		if attempt >= cfg.MaxAttempts || ctx.Err() != nil || !cfg.ShouldRetry(err) {
			return zero, err
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
		if !sleep(ctx, cfg.wait(attempt, err)) {
			return zero, err
		}
	}
}

// wait is the pause after the given failed attempt.
func (c RetryConfig) wait(attempt int, err error) time.Duration {
	d := jitter(Exponential(attempt-1, c.InitialBackoff, c.MaxBackoff), c.JitterFraction)
	var se *StatusError
	if errors.As(err, &se) && se.RetryAfter > d {
		d = se.RetryAfter
	}
	return min(d, c.MaxBackoff)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Exponential returns base * 2^attempt, capped at ceiling.
func Exponential(attempt int, base, ceiling time.Duration) time.Duration {
	attempt = max(attempt, 0)
	delay := float64(base) * math.Pow(2, float64(attempt))
	if math.IsInf(delay, 0) || delay > float64(ceiling) {
		return ceiling
	}
	return time.Duration(delay)
}

func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	offset := (rand.Float64()*2 - 1) * fraction * float64(d)
	return max(time.Duration(float64(d)+offset), 0)
}

// RetryLogger logs each retried provider call at warn level.
func RetryLogger(provider, operation string) func(int, error) {
	log := zap.L().With(zap.String("provider", provider), zap.String("operation", operation))
	return func(attempt int, err error) {
		log.Warn("retrying provider call", zap.Int("attempt", attempt), zap.Error(err))
	}
}
