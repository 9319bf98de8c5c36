package resilient

import (
	"math/rand"
	"time"

	"github.com/kampute/resilient/internal/backoff"
)

// JitterDelay perturbs the inner policy's delay by a uniform random factor,
// scaling it into [delay×(1−factor), delay×(1+factor)]. The retry decision
// itself is never altered. Modifiers compose: jitter may wrap caps or the
// other way around, with order-dependent results.
type JitterDelay struct {
	inner  DelayPolicy
	factor float64
	rnd    func() float64 // seam for deterministic tests
}

// NewJitterDelay wraps inner with random delay perturbation. factor must be
// within [0, 1].
func NewJitterDelay(inner DelayPolicy, factor float64) (*JitterDelay, error) {
	if inner == nil {
		return nil, newValidationError("jitter requires an inner policy")
	}
	if factor < 0 || factor > 1 {
		return nil, newValidationError("jitter factor must be between 0 and 1, got %v", factor)
	}
	return &JitterDelay{inner: inner, factor: factor, rnd: rand.Float64}, nil
}

// NextDelay implements the DelayPolicy interface.
func (p *JitterDelay) NextDelay(elapsed time.Duration, attempts int) (time.Duration, bool) {
	delay, ok := p.inner.NextDelay(elapsed, attempts)
	if !ok || p.factor == 0 {
		return delay, ok
	}
	scale := 1 + p.factor*(2*p.rnd()-1)
	return backoff.Scale(delay, scale), true
}

// MaxAttemptsDelay stops the retry sequence once a fixed number of attempts
// has been made, regardless of the inner policy's own willingness.
type MaxAttemptsDelay struct {
	inner DelayPolicy
	limit int
}

// NewMaxAttemptsDelay wraps inner with an attempt cap. limit is the number
// of retries allowed: 0-based attempts 0..limit-1 pass, attempt limit is
// denied. limit must be non-negative.
func NewMaxAttemptsDelay(inner DelayPolicy, limit int) (*MaxAttemptsDelay, error) {
	if inner == nil {
		return nil, newValidationError("max-attempts requires an inner policy")
	}
	if limit < 0 {
		return nil, newValidationError("max attempts must be non-negative, got %d", limit)
	}
	return &MaxAttemptsDelay{inner: inner, limit: limit}, nil
}

// NextDelay implements the DelayPolicy interface.
func (p *MaxAttemptsDelay) NextDelay(elapsed time.Duration, attempts int) (time.Duration, bool) {
	if attempts >= p.limit {
		return 0, false
	}
	return p.inner.NextDelay(elapsed, attempts)
}

// MaxDurationDelay stops the retry sequence once the configured timeout has
// elapsed, and trims delays so a wait never overshoots it.
type MaxDurationDelay struct {
	inner   DelayPolicy
	timeout time.Duration
}

// NewMaxDurationDelay wraps inner with a total-duration cap. timeout must be
// positive.
func NewMaxDurationDelay(inner DelayPolicy, timeout time.Duration) (*MaxDurationDelay, error) {
	if inner == nil {
		return nil, newValidationError("max-duration requires an inner policy")
	}
	if timeout <= 0 {
		return nil, newValidationError("max duration must be positive, got %v", timeout)
	}
	return &MaxDurationDelay{inner: inner, timeout: timeout}, nil
}

// NextDelay implements the DelayPolicy interface.
func (p *MaxDurationDelay) NextDelay(elapsed time.Duration, attempts int) (time.Duration, bool) {
	remaining := p.timeout - elapsed
	if remaining <= 0 {
		return 0, false
	}
	delay, ok := p.inner.NextDelay(elapsed, attempts)
	if !ok {
		return 0, false
	}
	if delay > remaining {
		delay = remaining
	}
	return delay, true
}
