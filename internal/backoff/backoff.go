// Package backoff provides the numeric helpers shared by delay policies:
// saturating duration arithmetic, integer exponentiation and the closed-form
// Fibonacci used by the Fibonacci policy.
package backoff

import (
	"math"
	"time"
)

const (
	phi   = 1.618033988749895  // golden ratio
	sqrt5 = 2.2360679774997896 // √5

	// maxDurationF backstops float64 -> time.Duration conversion against
	// int64 overflow.
	maxDurationF = float64(math.MaxInt64) - 1
)

// Fib returns the n-th Fibonacci number computed with the closed-form
// golden-ratio formula, rounded to the nearest integer. Fib(0) = 0.
func Fib(n int) float64 {
	if n <= 0 {
		return 0
	}
	return math.Round(math.Pow(phi, float64(n)) / sqrt5)
}

// Pow raises base to a non-negative integer exponent.
func Pow(base float64, exponent int) float64 {
	if exponent <= 0 {
		return 1
	}
	return math.Pow(base, float64(exponent))
}

// Duration converts a nanosecond count to a time.Duration, saturating at
// math.MaxInt64 instead of wrapping and flooring negative (or NaN) values
// at zero.
func Duration(f float64) time.Duration {
	switch {
	case math.IsNaN(f) || f <= 0:
		return 0
	case f >= maxDurationF:
		return time.Duration(math.MaxInt64)
	default:
		return time.Duration(f)
	}
}

// Scale multiplies a duration by a factor with the same saturation rules
// as Duration.
func Scale(d time.Duration, factor float64) time.Duration {
	return Duration(float64(d) * factor)
}
