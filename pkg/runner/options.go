package runner

import (
	"log/slog"
	"time"

	"github.com/chrisjsewell/fireflow/pkg/security"
)

// Option configures a Runner.
type Option interface {
	ApplyRunner(*Runner)
}

type optionFunc func(*Runner)

func (f optionFunc) ApplyRunner(r *Runner) { f(r) }

// Config holds runner configuration.
type Config struct {
	// RunnerID identifies this runner in lease claims. Defaults to a random
	// UUID so parallel runners never collide.
	RunnerID string

	// Concurrency is how many calcjobs are driven at once.
	Concurrency int

	// Limit caps how many calcjobs a single Run call drives. Zero means
	// drain everything. Serve ignores it.
	Limit int

	// LeaseTTL is how long a claim lasts without renewal.
	LeaseTTL time.Duration

	// HeartbeatEvery is the lease renewal cadence while a calcjob is driven.
	HeartbeatEvery time.Duration

	// PollInterval is how often an idle runner looks for claimable work.
	PollInterval time.Duration

	// StepRetry bounds in-place retries of a transiently failing step.
	StepRetry RetryConfig

	// ReapSpec is the serve-mode cron cadence for releasing stale leases.
	ReapSpec string
}

// DefaultConfig returns the runner defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:    4,
		LeaseTTL:       5 * time.Minute,
		HeartbeatEvery: 2 * time.Minute,
		PollInterval:   500 * time.Millisecond,
		StepRetry:      DefaultRetryConfig(),
		ReapSpec:       "@every 1m",
	}
}

// Concurrency sets how many calcjobs are driven at once.
// Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) Option {
	return optionFunc(func(r *Runner) {
		r.config.Concurrency = security.ClampConcurrency(n)
	})
}

// Limit caps how many calcjobs a single Run call drives. Zero drains
// everything.
func Limit(n int) Option {
	return optionFunc(func(r *Runner) { r.config.Limit = n })
}

// ID fixes the runner's lease identity instead of a random one.
func ID(id string) Option {
	return optionFunc(func(r *Runner) { r.config.RunnerID = id })
}

// LeaseTTL sets how long claims last without renewal.
func LeaseTTL(ttl time.Duration) Option {
	return optionFunc(func(r *Runner) { r.config.LeaseTTL = ttl })
}

// HeartbeatEvery sets the lease renewal cadence.
func HeartbeatEvery(every time.Duration) Option {
	return optionFunc(func(r *Runner) { r.config.HeartbeatEvery = every })
}

// PollInterval sets how often an idle runner looks for claimable work.
func PollInterval(every time.Duration) Option {
	return optionFunc(func(r *Runner) { r.config.PollInterval = every })
}

// StepRetry replaces the step retry policy.
func StepRetry(cfg RetryConfig) Option {
	return optionFunc(func(r *Runner) { r.config.StepRetry = cfg })
}

// ReapSpec sets the serve-mode cron expression for the stale-lease reaper.
func ReapSpec(spec string) Option {
	return optionFunc(func(r *Runner) { r.config.ReapSpec = spec })
}

// Logger sets the runner's logger.
func Logger(l *slog.Logger) Option {
	return optionFunc(func(r *Runner) { r.logger = l })
}
