package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTemporary = errors.New("temporary error")

func fastPolicy(maxAttempts int) Policy {
	return Policy{
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  maxAttempts,
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()

	if p.MaxAttempts != 2 {
		t.Errorf("Expected max attempts of 2, got %v", p.MaxAttempts)
	}
	if p.InitialDelay != 100*time.Millisecond {
		t.Errorf("Expected initial delay of 100ms, got %v", p.InitialDelay)
	}
}

func TestDo_SuccessFirstAttempt(t *testing.T) {
	got, attempts, err := Do(context.Background(), fastPolicy(3), func(ctx context.Context, attempt int) (string, error) {
		return "ok", nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if got != "ok" {
		t.Errorf("Expected result ok, got %q", got)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	var retried []int
	p := fastPolicy(3)
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		retried = append(retried, attempt)
	}

	got, attempts, err := Do(context.Background(), p, func(ctx context.Context, attempt int) (int, error) {
		if attempt < 3 {
			return 0, errTemporary
		}
		return attempt * 10, nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if got != 30 {
		t.Errorf("Expected result 30, got %d", got)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Errorf("Expected OnRetry for attempts [1 2], got %v", retried)
	}
}

func TestDo_AttemptsExhausted(t *testing.T) {
	_, attempts, err := Do(context.Background(), fastPolicy(2), func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, errTemporary
	})

	if !errors.Is(err, errTemporary) {
		t.Errorf("Expected last error, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
}

func TestDo_NonRetryableReturnsImmediately(t *testing.T) {
	errFatal := errors.New("fatal")
	p := fastPolicy(5)
	p.Retryable = func(err error) bool { return errors.Is(err, errTemporary) }
	p.OnRetry = func(int, time.Duration, error) {
		t.Error("OnRetry must not run for a non-retryable error")
	}

	_, attempts, err := Do(context.Background(), p, func(ctx context.Context, attempt int) (int, error) {
		return 0, errFatal
	})

	if !errors.Is(err, errFatal) {
		t.Errorf("Expected fatal error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestDo_ContextCancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, attempts, err := Do(ctx, fastPolicy(3), func(ctx context.Context, attempt int) (int, error) {
		t.Error("operation must not run")
		return 0, nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if attempts != 0 {
		t.Errorf("Expected 0 attempts, got %d", attempts)
	}
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{InitialDelay: time.Hour, MaxDelay: time.Hour, MaxAttempts: 3}
	p.OnRetry = func(int, time.Duration, error) { cancel() }

	start := time.Now()
	_, attempts, err := Do(ctx, p, func(ctx context.Context, attempt int) (int, error) {
		return 0, errTemporary
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
	if time.Since(start) > time.Second {
		t.Error("Cancellation should interrupt the wait")
	}
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_, _, err := Do(context.Background(), Policy{}, func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, errTemporary
	})

	if err == nil {
		t.Error("Expected error")
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, 1 * time.Second},
		{50, 1 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.expected {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}
}

func TestPolicy_DelayJitterBounds(t *testing.T) {
	p := Policy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}

	for i := 0; i < 100; i++ {
		d := p.Delay(2)
		if d < 150*time.Millisecond || d > 250*time.Millisecond {
			t.Fatalf("Jittered delay %v outside ±25%% of 200ms", d)
		}
	}
}
