package runner

import (
	"context"

	"github.com/chrisjsewell/fireflow/pkg/core"
)

// OnStep registers a callback fired after each persisted transition, with
// the step the calcjob moved from.
func (r *Runner) OnStep(fn func(context.Context, *core.Processing, core.Step)) {
	r.mu.Lock()
	r.onStep = append(r.onStep, fn)
	r.mu.Unlock()
}

// OnRetry registers a callback fired before a transient step retry.
func (r *Runner) OnRetry(fn func(context.Context, *core.Processing, int, error)) {
	r.mu.Lock()
	r.onRetry = append(r.onRetry, fn)
	r.mu.Unlock()
}

// OnFinished registers a callback fired when a calcjob finishes.
func (r *Runner) OnFinished(fn func(context.Context, *core.Processing)) {
	r.mu.Lock()
	r.onFinished = append(r.onFinished, fn)
	r.mu.Unlock()
}

// OnExcepted registers a callback fired when a calcjob excepts.
func (r *Runner) OnExcepted(fn func(context.Context, *core.Processing, string)) {
	r.mu.Lock()
	r.onExcepted = append(r.onExcepted, fn)
	r.mu.Unlock()
}

// Events returns a channel receiving runner events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (r *Runner) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	r.mu.Lock()
	r.eventSubs = append(r.eventSubs, ch)
	r.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events(). The channel
// is not closed; after Unsubscribe returns, no further events will be sent.
func (r *Runner) Unsubscribe(ch <-chan core.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, sub := range r.eventSubs {
		if sub == ch {
			r.eventSubs = append(r.eventSubs[:i], r.eventSubs[i+1:]...)
			return
		}
	}
}

// emit delivers e to all subscribers, dropping on full buffers so a slow
// consumer never blocks a driver.
func (r *Runner) emit(e core.Event) {
	r.mu.RLock()
	subs := make([]chan core.Event, len(r.eventSubs))
	copy(subs, r.eventSubs)
	r.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (r *Runner) callStep(ctx context.Context, proc *core.Processing, from core.Step) {
	r.mu.RLock()
	hooks := make([]func(context.Context, *core.Processing, core.Step), len(r.onStep))
	copy(hooks, r.onStep)
	r.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, proc, from)
	}
}

func (r *Runner) callRetry(ctx context.Context, proc *core.Processing, attempt int, err error) {
	r.mu.RLock()
	hooks := make([]func(context.Context, *core.Processing, int, error), len(r.onRetry))
	copy(hooks, r.onRetry)
	r.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, proc, attempt, err)
	}
}

func (r *Runner) callFinished(ctx context.Context, proc *core.Processing) {
	r.mu.RLock()
	hooks := make([]func(context.Context, *core.Processing), len(r.onFinished))
	copy(hooks, r.onFinished)
	r.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, proc)
	}
}

func (r *Runner) callExcepted(ctx context.Context, proc *core.Processing, exception string) {
	r.mu.RLock()
	hooks := make([]func(context.Context, *core.Processing, string), len(r.onExcepted))
	copy(hooks, r.onExcepted)
	r.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, proc, exception)
	}
}
