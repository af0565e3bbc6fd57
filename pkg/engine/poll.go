package engine

import (
	"math"
	"math/rand"
	"time"
)

// PollConfig shapes the wait schedule of the polling step. Waits grow
// geometrically from Initial up to Max, with a jitter fraction spreading
// concurrent pollers apart.
type PollConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// DefaultPollConfig returns the polling defaults: 2s doubling up to 30s with
// 10% jitter.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Initial:    2 * time.Second,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// interval returns the wait before poll attempt n (zero-based).
func (c PollConfig) interval(attempt int) time.Duration {
	d := float64(c.Initial) * math.Pow(c.Multiplier, float64(attempt))
	if limit := float64(c.Max); d > limit {
		d = limit
	}
	if c.Jitter > 0 {
		d += d * c.Jitter * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
