package resilient

import (
	"time"

	"github.com/kampute/resilient/internal/backoff"
)

// DelayPolicy computes the wait before the next retry attempt. Implementations
// are stateless and safe to share across concurrent schedulers.
type DelayPolicy interface {
	// NextDelay reports whether another attempt may be made and, if so, how
	// long to wait first. elapsed is the time since the retry sequence began
	// and attempts is the 0-based count of attempts already made.
	NextDelay(elapsed time.Duration, attempts int) (time.Duration, bool)
}

// NoDelayPolicy never retries. Its zero value is the canonical instance.
type NoDelayPolicy struct{}

// NextDelay implements the DelayPolicy interface.
func (NoDelayPolicy) NextDelay(time.Duration, int) (time.Duration, bool) {
	return 0, false
}

// UniformDelay retries after the same interval every time.
type UniformDelay struct {
	Interval time.Duration
}

// NewUniformDelay creates a policy with a constant delay between attempts.
func NewUniformDelay(interval time.Duration) UniformDelay {
	return UniformDelay{Interval: interval}
}

// NextDelay implements the DelayPolicy interface.
func (p UniformDelay) NextDelay(time.Duration, int) (time.Duration, bool) {
	return backoff.Duration(float64(p.Interval)), true
}

// LinearDelay grows the delay by a fixed step per attempt:
// initial + step × attempts.
type LinearDelay struct {
	Initial time.Duration
	Step    time.Duration
}

// NewLinearDelay creates a policy whose delay grows linearly with the
// attempt count.
func NewLinearDelay(initial, step time.Duration) LinearDelay {
	return LinearDelay{Initial: initial, Step: step}
}

// NextDelay implements the DelayPolicy interface.
func (p LinearDelay) NextDelay(_ time.Duration, attempts int) (time.Duration, bool) {
	return backoff.Duration(float64(p.Initial) + float64(p.Step)*float64(attempts)), true
}

// ExponentialDelay multiplies the delay by a fixed rate per attempt:
// initial × rate^attempts. A rate above 1 grows, below 1 shrinks, and
// exactly 1 degenerates to UniformDelay.
type ExponentialDelay struct {
	initial time.Duration
	rate    float64
}

// NewExponentialDelay creates an exponentially growing (or shrinking)
// policy. rate must be positive.
func NewExponentialDelay(initial time.Duration, rate float64) (*ExponentialDelay, error) {
	if rate <= 0 {
		return nil, newValidationError("exponential rate must be positive, got %v", rate)
	}
	return &ExponentialDelay{initial: initial, rate: rate}, nil
}

// NextDelay implements the DelayPolicy interface.
func (p *ExponentialDelay) NextDelay(_ time.Duration, attempts int) (time.Duration, bool) {
	return backoff.Duration(float64(p.initial) * backoff.Pow(p.rate, attempts)), true
}

// FibonacciDelay grows the delay along the Fibonacci sequence:
// initial + step × Fib(attempts), with Fib(0) = 0. Growth is moderate
// compared to ExponentialDelay.
type FibonacciDelay struct {
	Initial time.Duration
	Step    time.Duration
}

// NewFibonacciDelay creates a policy whose delay grows along the Fibonacci
// sequence.
func NewFibonacciDelay(initial, step time.Duration) FibonacciDelay {
	return FibonacciDelay{Initial: initial, Step: step}
}

// NextDelay implements the DelayPolicy interface.
func (p FibonacciDelay) NextDelay(_ time.Duration, attempts int) (time.Duration, bool) {
	return backoff.Duration(float64(p.Initial) + float64(p.Step)*backoff.Fib(attempts)), true
}

// oneShotDelay allows exactly one retry at a fixed delay, used when a server
// supplies an explicit resume time.
type oneShotDelay struct {
	delay time.Duration
}

// NextDelay implements the DelayPolicy interface.
func (p oneShotDelay) NextDelay(_ time.Duration, attempts int) (time.Duration, bool) {
	if attempts > 0 {
		return 0, false
	}
	return backoff.Duration(float64(p.delay)), true
}
