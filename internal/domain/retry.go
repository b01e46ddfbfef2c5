package domain

import (
	"math"
	"time"
)

const (
	// RetryBaseDelay is the first-retry delay before the multiplier applies.
	RetryBaseDelay = 10 * time.Second
	// RetryMaxDelay caps exponential growth.
	RetryMaxDelay = 300 * time.Second
)

// RetryDelay computes the backoff before the next attempt:
// min(base * multiplier^attempt, max). attempt is the zero-based attempt
// counter of the run that just failed.
func RetryDelay(attempt int, multiplier float64) time.Duration {
	if multiplier < 1.0 {
		multiplier = 1.0
	}
	d := time.Duration(float64(RetryBaseDelay) * math.Pow(multiplier, float64(attempt)))
	if d > RetryMaxDelay || d < 0 {
		return RetryMaxDelay
	}
	return d
}

// ShouldRetry reports whether a failed run at the given zero-based attempt
// leaves budget for another one.
func ShouldRetry(currentAttempt, maxAttempts int) bool {
	return currentAttempt+1 < maxAttempts
}
