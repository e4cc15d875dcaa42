package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// BreakerState is the admission state of a per-host breaker
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// halfOpenProbes is how many trial requests a half-open breaker admits;
// all must succeed to close it again.
const halfOpenProbes = 3

// ErrBreakerOpen matches every BreakerOpenError
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerOpenError is returned without contacting the host
type BreakerOpenError struct {
	Host       string
	RetryAfter time.Duration
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker for %s is open, retry after %s", e.Host, e.RetryAfter.Round(time.Millisecond))
}

func (e *BreakerOpenError) Is(target error) bool {
	return target == ErrBreakerOpen
}

type hostBreaker struct {
	host        string
	maxFailures uint32
	reset       time.Duration
	onChange    func(host string, from, to BreakerState)
	now         func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  uint32
	openedAt  time.Time
	probes    uint32
	successes uint32
}

func newHostBreaker(host string, maxFailures uint32, reset time.Duration, onChange func(string, BreakerState, BreakerState)) *hostBreaker {
	return &hostBreaker{
		host:        host,
		maxFailures: maxFailures,
		reset:       reset,
		onChange:    onChange,
		now:         time.Now,
	}
}

// admit returns a BreakerOpenError when the host must not be contacted
func (b *hostBreaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance()
	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerHalfOpen:
		if b.probes < halfOpenProbes {
			b.probes++
			return nil
		}
		return &BreakerOpenError{Host: b.host}
	default:
		return &BreakerOpenError{Host: b.host, RetryAfter: b.reset - b.now().Sub(b.openedAt)}
	}
}

// record reports the outcome of an admitted request
func (b *hostBreaker) record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if failed {
		b.failures++
		if b.state == BreakerHalfOpen || b.failures >= b.maxFailures {
			b.openedAt = b.now()
			b.setState(BreakerOpen)
		}
		return
	}

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= halfOpenProbes {
			b.failures = 0
			b.setState(BreakerClosed)
		}
	}
}

func (b *hostBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance()
	return b.state
}

// advance moves an open breaker to half-open once reset elapsed. Caller holds mu.
func (b *hostBreaker) advance() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.reset {
		b.probes = 0
		b.successes = 0
		b.setState(BreakerHalfOpen)
	}
}

// setState runs onChange under mu; the callback must not call back into b.
func (b *hostBreaker) setState(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(b.host, from, to)
	}
}
