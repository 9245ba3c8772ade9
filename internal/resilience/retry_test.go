package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-enricher/internal/config"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	got, err := Do(context.Background(), DefaultRetryConfig(), func(_ context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" || calls != 1 {
		t.Errorf("got %q after %d calls", got, calls)
	}
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	var calls, retries int
	cfg := fastRetry()
	cfg.OnRetry = func(int, error) { retries++ }

	got, err := Do(context.Background(), cfg, func(_ context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, &StatusError{Service: "openlibrary", StatusCode: 503}
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	if calls != 3 || retries != 2 {
		t.Errorf("expected 3 calls and 2 retries, got %d and %d", calls, retries)
	}
}

func TestDo_ExhaustsRetries(t *testing.T) {
	var calls int
	_, err := Do(context.Background(), fastRetry(), func(_ context.Context) (struct{}, error) {
		calls++
		return struct{}{}, &StatusError{Service: "googlebooks", StatusCode: 500}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_NonTransientError_NoRetry(t *testing.T) {
	var calls int
	_, err := Do(context.Background(), fastRetry(), func(_ context.Context) (int, error) {
		calls++
		return 0, &StatusError{Service: "openlibrary", StatusCode: 400}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := Do(ctx, cfg, func(_ context.Context) (int, error) {
		calls++
		return 0, &StatusError{Service: "openlibrary", StatusCode: 503}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestDo_CustomShouldRetry(t *testing.T) {
	var calls int
	cfg := fastRetry()
	cfg.ShouldRetry = func(error) bool { return true }

	_, _ = Do(context.Background(), cfg, func(_ context.Context) (int, error) {
		calls++
		return 0, errors.New("anything")
	})
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestExponential(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{8, 256 * time.Second},
		{9, 300 * time.Second},
		{4000, 300 * time.Second},
	}
	for _, tt := range tests {
		if got := Exponential(tt.attempt, time.Second, 300*time.Second); got != tt.want {
			t.Errorf("Exponential(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.RetryConfig{MaxAttempts: 5, InitialBackoffMs: 100, MaxBackoffMs: 1000})
	if cfg.MaxAttempts != 5 || cfg.InitialBackoff != 100*time.Millisecond || cfg.MaxBackoff != time.Second {
		t.Errorf("unexpected config: %+v", cfg)
	}

	def := FromConfig(config.RetryConfig{})
	if def.MaxAttempts != 3 || def.InitialBackoff != 500*time.Millisecond {
		t.Errorf("expected defaults, got %+v", def)
	}
}

func TestJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitter(time.Second, 0.25)
		if d < 750*time.Millisecond || d > 1250*time.Millisecond {
			t.Fatalf("jitter out of range: %s", d)
		}
	}
	if jitter(time.Second, 0) != time.Second {
		t.Error("zero fraction should not change delay")
	}
}

func TestDo_HonorsRetryAfter(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: 30 * time.Millisecond}
	var calls int
	start := time.Now()
	_, err := Do(context.Background(), cfg, func(_ context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, &StatusError{Service: "googlebooks", StatusCode: 429, RetryAfter: 20 * time.Millisecond}
		}
		return 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestRetryConfig_Wait(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: time.Second, MaxBackoff: 10 * time.Second}.normalized()
	cfg.JitterFraction = 0

	assert.Equal(t, time.Second, cfg.wait(1, errors.New("x")))
	assert.Equal(t, 4*time.Second, cfg.wait(3, errors.New("x")))
	assert.Equal(t, 10*time.Second, cfg.wait(9, errors.New("x")))

	hinted := &StatusError{StatusCode: 429, RetryAfter: 7 * time.Second}
	assert.Equal(t, 7*time.Second, cfg.wait(1, hinted))
	hinted.RetryAfter = time.Hour
	assert.Equal(t, 10*time.Second, cfg.wait(1, hinted), "hint is capped")
}
