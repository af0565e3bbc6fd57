package runner

import (
	"math/rand"
	"time"
)

// RetryConfig bounds in-place retries of a transiently failing step.
type RetryConfig struct {
	// Attempts is the maximum number of tries for one step (including the
	// first). Default: 3
	Attempts int

	// InitialBackoff is the wait after the first failure.
	// Default: 500ms
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between tries.
	// Default: 10s
	MaxBackoff time.Duration

	// Multiplier grows the wait after each failure.
	// Default: 2.0
	Multiplier float64

	// Jitter is the fraction of the wait to randomize (0.0 to 1.0).
	// Default: 0.2
	Jitter float64
}

// DefaultRetryConfig returns the default step retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:       3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// jitterBackoff randomizes d by the jitter fraction, never below zero.
func jitterBackoff(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	j := time.Duration(float64(d) * jitter * (rand.Float64()*2 - 1))
	if d+j < 0 {
		return d
	}
	return d + j
}
