package stripe

import (
	"sync"
	"time"

	coreerrors "hustlexp/core/errors"
)

// Breaker is a three-state circuit breaker for provider calls. A burst of
// server-side failures opens it; after the cooldown a single probe is let
// through, and its outcome closes or re-opens the circuit.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	failures int
	openedAt time.Time
	state    breakerState
}

type breakerState uint8

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// SetNowFunc overrides the clock, for tests.
func (b *Breaker) SetNowFunc(fn func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = fn
}

// Allow reports whether a call may proceed. While open it fails fast; once the
// cooldown elapses it admits one half-open probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerClosed:
		return nil
	case breakerHalfOpen:
		return breakerOpenError()
	default:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = breakerHalfOpen
			return nil
		}
		return breakerOpenError()
	}
}

// RecordSuccess closes the circuit and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = breakerClosed
}

// RecordFailure counts a server-side failure; at the threshold, or on a failed
// half-open probe, the circuit opens.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openedAt = b.now()
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = breakerOpen
		b.openedAt = b.now()
	}
}

func breakerOpenError() error {
	return coreerrors.New(coreerrors.KindExternalProvider, "CIRCUIT_OPEN",
		"stripe: circuit open, failing fast")
}
