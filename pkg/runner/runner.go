package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/chrisjsewell/fireflow/pkg/core"
	"github.com/chrisjsewell/fireflow/pkg/engine"
)

// Runner claims playing calcjobs and drives them to a terminal step, a
// bounded number at a time. Multiple runners may share one store: leases
// arbitrate ownership, so losing a claim race is routine, not an error.
type Runner struct {
	store  core.Storage
	engine *engine.Engine
	config Config
	logger *slog.Logger

	mu         sync.RWMutex
	onStep     []func(context.Context, *core.Processing, core.Step)
	onRetry    []func(context.Context, *core.Processing, int, error)
	onFinished []func(context.Context, *core.Processing)
	onExcepted []func(context.Context, *core.Processing, string)
	eventSubs  []chan core.Event
}

// New creates a runner over the given store and engine.
func New(store core.Storage, eng *engine.Engine, opts ...Option) *Runner {
	r := &Runner{
		store:  store,
		engine: eng,
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt.ApplyRunner(r)
	}
	if r.config.RunnerID == "" {
		r.config.RunnerID = uuid.New().String()
	}
	return r
}

// RunnerID returns the identity this runner claims leases under.
func (r *Runner) RunnerID() string {
	return r.config.RunnerID
}

// Run drains the store: it claims and drives claimable calcjobs until none
// remain and every driver has finished, then returns nil. Cancelling ctx
// stops early; in-flight steps finish their persist first.
func (r *Runner) Run(ctx context.Context) error {
	n, err := r.store.ReleaseStaleLeases(ctx, 0)
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Info("released stale leases", "count", n)
	}
	return r.loop(ctx, true)
}

// Serve runs until ctx is cancelled, claiming work as it appears and
// releasing stale leases on the ReapSpec cadence.
func (r *Runner) Serve(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(r.config.ReapSpec, r.reap); err != nil {
		return fmt.Errorf("reap schedule %q: %w", r.config.ReapSpec, err)
	}
	c.Start()
	defer c.Stop()

	r.logger.Info("runner serving",
		"runner", r.config.RunnerID, "concurrency", r.config.Concurrency)
	return r.loop(ctx, false)
}

// reap frees leases abandoned by crashed runners.
func (r *Runner) reap() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := r.store.ReleaseStaleLeases(ctx, 0)
	if err != nil {
		r.logger.Error("reap stale leases", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("released stale leases", "count", n)
	}
}

// loop is the shared claim loop. In drain mode it returns nil once nothing
// is claimable and all drivers are idle; otherwise it runs until ctx ends.
func (r *Runner) loop(ctx context.Context, drain bool) error {
	sem := make(chan struct{}, r.config.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	driven := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if drain && r.config.Limit > 0 && driven >= r.config.Limit {
			return nil
		}

		batch := r.config.Concurrency
		if drain && r.config.Limit > 0 {
			if rest := r.config.Limit - driven; rest < batch {
				batch = rest
			}
		}

		pks, err := r.store.ClaimablePKs(ctx, batch)
		if err != nil {
			return err
		}

		if len(pks) == 0 {
			if drain && len(sem) == 0 {
				return nil
			}
			if !sleep(ctx, r.config.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		progressed := false
		for _, pk := range pks {
			if drain && r.config.Limit > 0 && driven >= r.config.Limit {
				break
			}

			// Take a driver slot before claiming so the lease clock only
			// starts once a driver can actually work.
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}

			err := r.store.Claim(ctx, pk, r.config.RunnerID, r.config.LeaseTTL)
			if err != nil {
				<-sem
				if errors.Is(err, core.ErrAlreadyClaimed) ||
					errors.Is(err, core.ErrTerminal) ||
					errors.Is(err, core.ErrNotFound) {
					continue // another runner got there first
				}
				return err
			}

			progressed = true
			driven++
			wg.Add(1)
			go func(pk uint) {
				defer wg.Done()
				defer func() { <-sem }()
				r.drive(ctx, pk)
			}(pk)
		}

		if !progressed {
			if !sleep(ctx, r.config.PollInterval) {
				return ctx.Err()
			}
		}
	}
}

// drive steps one claimed calcjob until it is terminal or this runner has to
// let go of it. The lease is held for the whole drive and released on exit;
// terminal transitions already cleared it, so that release is usually a noop.
func (r *Runner) drive(ctx context.Context, pk uint) {
	defer r.release(pk)

	proc, err := r.store.GetProcessing(ctx, pk)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			r.logger.Error("load processing", "calcjob", pk, "error", err)
		}
		return
	}

	heartCtx, stopHeart := context.WithCancel(ctx)
	defer stopHeart()
	go r.heartbeat(heartCtx, pk)

	for !proc.Step.Terminal() {
		if ctx.Err() != nil {
			return
		}
		before := proc.Step

		err := r.stepWithRetry(ctx, proc)
		switch {
		case err == nil:
			r.callStep(ctx, proc, before)
			r.emit(&core.StepCompleted{
				CalcJobPK: pk, From: before, To: proc.Step, Timestamp: time.Now(),
			})
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			r.logger.Info("driver stopping", "calcjob", pk, "step", proc.Step)
			return
		case errors.Is(err, core.ErrNotOwner),
			errors.Is(err, core.ErrStepOrder),
			errors.Is(err, core.ErrTerminal):
			r.logger.Debug("lost calcjob to another runner", "calcjob", pk, "error", err)
			return
		case core.IsTransient(err):
			// Retries exhausted and the step still cannot complete.
			r.logger.Error("step retries exhausted",
				"calcjob", pk, "step", proc.Step, "error", err)
			if exErr := r.engine.Except(ctx, proc, err); exErr != nil {
				r.logger.Error("except after exhausted retries", "calcjob", pk, "error", exErr)
				return
			}
		default:
			// The engine excepts permanent step failures itself; anything
			// that leaves the record playing (a storage read failure, say)
			// is abandoned here and picked up by a later claim.
			if !proc.Step.Terminal() {
				r.logger.Error("step failed without resolution",
					"calcjob", pk, "step", proc.Step, "error", err)
				return
			}
		}
	}

	switch proc.Step {
	case core.StepFinished:
		r.callFinished(ctx, proc)
		r.emit(&core.CalcJobFinished{CalcJobPK: pk, Timestamp: time.Now()})
	case core.StepExcepted:
		r.callExcepted(ctx, proc, proc.Exception)
		r.emit(&core.CalcJobExcepted{
			CalcJobPK: pk, Exception: proc.Exception, Timestamp: time.Now(),
		})
	}
}

// stepWithRetry runs one engine step, retrying in place while the failure is
// transient. The final attempt's error is returned untouched.
func (r *Runner) stepWithRetry(ctx context.Context, proc *core.Processing) error {
	cfg := r.config.StepRetry
	backoff := cfg.InitialBackoff

	for attempt := 1; ; attempt++ {
		err := r.engine.Step(ctx, proc)
		if err == nil || !core.IsTransient(err) {
			return err
		}
		if attempt >= cfg.Attempts {
			return err
		}

		r.callRetry(ctx, proc, attempt, err)
		r.emit(&core.StepRetrying{
			CalcJobPK: proc.CalcJobPK, Step: proc.Step,
			Attempt: attempt, Error: err, Timestamp: time.Now(),
		})
		r.logger.Warn("step failed, retrying",
			"calcjob", proc.CalcJobPK, "step", proc.Step,
			"attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitterBackoff(backoff, cfg.Jitter)):
		}

		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
}

// heartbeat periodically extends the lease during a drive so long-running
// calcjobs are not reclaimed as stale.
func (r *Runner) heartbeat(ctx context.Context, pk uint) {
	ticker := time.NewTicker(r.config.HeartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.store.RenewLease(ctx, pk, r.config.RunnerID, r.config.LeaseTTL)
			switch {
			case errors.Is(err, core.ErrNotOwner):
				r.logger.Warn("lease lost", "calcjob", pk)
				return
			case err != nil:
				r.logger.Warn("lease renewal failed", "calcjob", pk, "error", err)
			default:
				r.logger.Debug("lease renewed", "calcjob", pk)
			}
		}
	}
}

// release drops the lease after a drive. Uses a fresh context: the drive
// context is often already cancelled when this runs.
func (r *Runner) release(pk uint) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := r.store.ReleaseLease(ctx, pk, r.config.RunnerID)
	if err != nil && !errors.Is(err, core.ErrNotOwner) {
		r.logger.Warn("release lease", "calcjob", pk, "error", err)
	}
}

// sleep waits d or until ctx ends, reporting whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
