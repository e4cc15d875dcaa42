package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy describes how often and how fast an operation is retried
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
	Jitter       bool

	// Retryable reports whether err earns another attempt. nil retries every error.
	Retryable func(err error) bool
	// OnRetry runs before each wait with the failed attempt number.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy returns the policy used around key derivation: one retry
// after a short pause.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  2,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	return p
}

// Do runs op until it succeeds, fails with an error the policy does not
// retry, runs out of attempts or ctx ends. It returns the last result, the
// number of attempts made and the last error.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	p = p.normalized()

	var zero T
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, attempt - 1, err
		}

		result, err := op(ctx, attempt)
		if err == nil {
			return result, attempt, nil
		}
		if attempt >= p.MaxAttempts || (p.Retryable != nil && !p.Retryable(err)) {
			return result, attempt, err
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempt, ctx.Err()
		case <-timer.C:
		}
	}
}

// Delay returns the wait after the given failed attempt
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()

	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
		if delay >= float64(p.MaxDelay) {
			break
		}
	}
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	// ±25%
	if p.Jitter {
		delay += (rand.Float64() - 0.5) * 0.5 * delay
		if delay > float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
		}
	}

	return time.Duration(delay)
}
