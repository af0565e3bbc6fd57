package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPollInterval_GrowsGeometrically(t *testing.T) {
	cfg := PollConfig{
		Initial:    2 * time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
	}

	assert.Equal(t, 2*time.Second, cfg.interval(0))
	assert.Equal(t, 4*time.Second, cfg.interval(1))
	assert.Equal(t, 8*time.Second, cfg.interval(2))
	assert.Equal(t, 16*time.Second, cfg.interval(3))
}

func TestPollInterval_CapsAtMax(t *testing.T) {
	cfg := PollConfig{
		Initial:    2 * time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
	}

	assert.Equal(t, 30*time.Second, cfg.interval(4), "32s caps to 30s")
	assert.Equal(t, 30*time.Second, cfg.interval(20))
}

func TestPollInterval_JitterStaysBounded(t *testing.T) {
	cfg := PollConfig{
		Initial:    10 * time.Second,
		Max:        10 * time.Second,
		Multiplier: 2,
		Jitter:     0.5,
	}

	for i := 0; i < 200; i++ {
		d := cfg.interval(i % 8)
		assert.GreaterOrEqual(t, d, 5*time.Second, "jitter lower bound")
		assert.LessOrEqual(t, d, 15*time.Second, "jitter upper bound")
	}
}

func TestDefaultPollConfig(t *testing.T) {
	cfg := DefaultPollConfig()
	assert.Equal(t, 2*time.Second, cfg.Initial)
	assert.Equal(t, 30*time.Second, cfg.Max)
}
