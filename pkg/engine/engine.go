package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/chrisjsewell/fireflow/pkg/core"
	"github.com/chrisjsewell/fireflow/pkg/gateway"
	"github.com/chrisjsewell/fireflow/pkg/script"
	"github.com/chrisjsewell/fireflow/pkg/security"
)

// ScriptName is the file name the rendered job script is uploaded and
// submitted as.
const ScriptName = "job.sh"

// Option configures an Engine.
type Option interface {
	Apply(*Engine)
}

type optionFunc func(*Engine)

func (f optionFunc) Apply(e *Engine) { f(e) }

// WithClassifier replaces the default output classifier.
func WithClassifier(c Classifier) Option {
	return optionFunc(func(e *Engine) { e.classifier = c })
}

// WithPollConfig replaces the polling wait schedule.
func WithPollConfig(cfg PollConfig) Option {
	return optionFunc(func(e *Engine) { e.poll = cfg })
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(e *Engine) { e.logger = l })
}

// Engine executes calcjob steps: it renders, uploads, submits, polls,
// downloads and classifies, persisting exactly one processing transition per
// completed step. Engines are stateless between calls and safe for
// concurrent use across calcjobs.
type Engine struct {
	store      core.Storage
	objects    core.ObjectStore
	hub        core.RemoteHub
	classifier Classifier
	poll       PollConfig
	logger     *slog.Logger
}

// New creates an engine over the given store, object store and remote hub.
func New(store core.Storage, objects core.ObjectStore, hub core.RemoteHub, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		objects:    objects,
		hub:        hub,
		classifier: ExpectedOutputs,
		poll:       DefaultPollConfig(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt.Apply(e)
	}
	return e
}

// RemoteWorkDir returns the remote directory a calcjob runs in: the client's
// work dir, namespaced by the calcjob's UUID.
func RemoteWorkDir(client *core.Client, calc *core.CalcJob) string {
	return path.Join(client.WorkDir, "workflows", calc.UUID)
}

// ─────────────────────────────────────────────────────────────────────────────
// Stepping
// ─────────────────────────────────────────────────────────────────────────────

// Step executes the work of proc's current step and persists the single
// legal transition out of it, mutating proc to match. Context cancellation
// and transient failures leave the record at its current step for a later
// retry; any other failure excepts the calcjob before returning.
func (e *Engine) Step(ctx context.Context, proc *core.Processing) error {
	if proc.Step.Terminal() {
		return core.ErrTerminal
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	calc, err := e.store.GetCalcJob(ctx, proc.CalcJobPK)
	if err != nil {
		return err
	}

	err = e.executeStep(ctx, calc, proc)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Shutdown, not failure: the record keeps its step for resume.
		return err
	case core.IsTransient(err):
		return err
	case errors.Is(err, core.ErrNotOwner),
		errors.Is(err, core.ErrStepOrder),
		errors.Is(err, core.ErrTerminal):
		// Lost a coordination race; whoever owns the record now drives it.
		return err
	}

	e.logger.Error("calcjob excepted",
		"calcjob", proc.CalcJobPK, "step", proc.Step, "error", err)
	if exErr := e.Except(ctx, proc, err); exErr != nil {
		return errors.Join(err, exErr)
	}
	return err
}

// Run advances proc step by step until it is terminal. The first error stops
// the loop; a transient error leaves proc resumable at the failed step.
func (e *Engine) Run(ctx context.Context, proc *core.Processing) error {
	for !proc.Step.Terminal() {
		before := proc.Step
		if err := e.Step(ctx, proc); err != nil {
			return err
		}
		e.logger.Debug("step complete",
			"calcjob", proc.CalcJobPK, "from", before, "to", proc.Step)
	}
	return nil
}

// Except moves proc to excepted, recording cause as the exception.
func (e *Engine) Except(ctx context.Context, proc *core.Processing, cause error) error {
	msg := cause.Error()
	return e.advance(ctx, proc, core.ProcessingUpdate{
		ToStep:    core.StepExcepted,
		Exception: &msg,
	})
}

func (e *Engine) executeStep(ctx context.Context, calc *core.CalcJob, proc *core.Processing) error {
	switch proc.Step {
	case core.StepCreated:
		return e.render(ctx, calc, proc)
	case core.StepUploading:
		return e.upload(ctx, calc, proc)
	case core.StepSubmitting:
		return e.submit(ctx, calc, proc)
	case core.StepSubmitted:
		// Milestone: the job id is durable, polling may begin.
		return e.advance(ctx, proc, core.ProcessingUpdate{ToStep: core.StepPolling})
	case core.StepPolling:
		return e.pollRemote(ctx, calc, proc)
	case core.StepDownloading:
		return e.download(ctx, calc, proc)
	case core.StepParsing:
		return e.parse(ctx, calc, proc)
	default:
		return fmt.Errorf("no handler for step %q", proc.Step)
	}
}

// advance persists one transition and mirrors it onto proc so the caller's
// next Step sees the new position.
func (e *Engine) advance(ctx context.Context, proc *core.Processing, up core.ProcessingUpdate) error {
	up.CalcJobPK = proc.CalcJobPK
	up.RunnerID = proc.LockedBy
	up.FromStep = proc.Step
	if err := e.store.UpdateProcessing(ctx, up); err != nil {
		return err
	}

	proc.Step = up.ToStep
	proc.State = core.StateForStep(up.ToStep)
	if up.JobID != nil {
		proc.JobID = *up.JobID
	}
	if up.ScriptKey != nil {
		proc.ScriptKey = *up.ScriptKey
	}
	if up.RemoteState != nil {
		proc.RemoteState = *up.RemoteState
	}
	if up.Exception != nil {
		proc.Exception = security.SanitizeException(*up.Exception)
	}
	if up.RetrievedPaths != nil {
		proc.RetrievedPaths = up.RetrievedPaths
	}
	if proc.State.Terminal() {
		proc.LockedBy = ""
		proc.LockedUntil = nil
	}
	return nil
}

func (e *Engine) session(calc *core.CalcJob) (core.RemoteClient, *core.Client, error) {
	if calc.Code == nil || calc.Code.Client == nil {
		return nil, nil, fmt.Errorf("calcjob %d loaded without code and client", calc.PK)
	}
	client := calc.Code.Client
	rc, err := e.hub.SessionFor(client)
	if err != nil {
		return nil, nil, err
	}
	return rc, client, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Step implementations
// ─────────────────────────────────────────────────────────────────────────────

// render produces the job script and stores it. The script key rides on the
// same write as the move to uploading, so a crash never forgets which script
// belongs to the calcjob.
func (e *Engine) render(ctx context.Context, calc *core.CalcJob, proc *core.Processing) error {
	if calc.Code == nil || calc.Code.Client == nil {
		return fmt.Errorf("calcjob %d loaded without code and client", calc.PK)
	}
	text, err := script.Render(calc, calc.Code, calc.Code.Client)
	if err != nil {
		return err
	}
	key, err := e.objects.Put([]byte(text), "sh")
	if err != nil && !errors.Is(err, core.ErrExtensionConflict) {
		return err
	}
	return e.advance(ctx, proc, core.ProcessingUpdate{
		ToStep:    core.StepUploading,
		ScriptKey: &key,
	})
}

// upload creates the remote working directory and pushes the job script plus
// the merged upload set. Every operation is idempotent, so a retry after a
// partial upload simply overwrites.
func (e *Engine) upload(ctx context.Context, calc *core.CalcJob, proc *core.Processing) error {
	rc, client, err := e.session(calc)
	if err != nil {
		return err
	}
	if proc.ScriptKey == "" {
		return fmt.Errorf("calcjob %d reached uploading without a rendered script", calc.PK)
	}

	remoteDir := RemoteWorkDir(client, calc)
	paths := mergedUploadPaths(calc)

	if err := rc.Mkdir(ctx, remoteDir, true); err != nil {
		return &core.TransferError{Path: remoteDir, Err: err}
	}
	for _, dir := range uploadDirs(paths) {
		if err := rc.Mkdir(ctx, path.Join(remoteDir, dir), true); err != nil {
			return &core.TransferError{Path: dir, Err: err}
		}
	}

	if err := e.uploadObject(ctx, rc, proc.ScriptKey, path.Join(remoteDir, ScriptName)); err != nil {
		return &core.TransferError{Path: ScriptName, Err: err}
	}
	for _, rel := range sortedFilePaths(paths) {
		if err := e.uploadObject(ctx, rc, *paths[rel], path.Join(remoteDir, rel)); err != nil {
			return &core.TransferError{Path: rel, Err: err}
		}
	}

	return e.advance(ctx, proc, core.ProcessingUpdate{ToStep: core.StepSubmitting})
}

func (e *Engine) uploadObject(ctx context.Context, rc core.RemoteClient, key, remotePath string) error {
	size, err := e.objects.Size(key)
	if err != nil {
		return err
	}
	rdr, err := e.objects.Open(key)
	if err != nil {
		return err
	}
	defer rdr.Close()
	return rc.Upload(ctx, remotePath, rdr, size)
}

// submit schedules the uploaded script. The job id and the move to submitted
// land in one write: after a crash the record either still says submitting
// (resubmit) or carries the id (resume polling), never an in-between.
func (e *Engine) submit(ctx context.Context, calc *core.CalcJob, proc *core.Processing) error {
	rc, client, err := e.session(calc)
	if err != nil {
		return err
	}
	scriptPath := path.Join(RemoteWorkDir(client, calc), ScriptName)
	jobID, err := rc.Submit(ctx, scriptPath)
	if err != nil {
		if core.IsTransient(err) {
			return err
		}
		return &core.SubmissionError{Err: err}
	}
	e.logger.Info("job submitted",
		"calcjob", proc.CalcJobPK, "job", jobID, "script", scriptPath)
	return e.advance(ctx, proc, core.ProcessingUpdate{
		ToStep: core.StepSubmitted,
		JobID:  &jobID,
	})
}

// pollRemote waits until the remote job leaves the scheduler. The observed
// terminal state is recorded, never acted on here: failed and cancelled jobs
// still get their outputs downloaded so the scheduler's logs are kept.
func (e *Engine) pollRemote(ctx context.Context, calc *core.CalcJob, proc *core.Processing) error {
	rc, _, err := e.session(calc)
	if err != nil {
		return err
	}
	if proc.JobID == "" {
		return fmt.Errorf("calcjob %d reached polling without a job id", calc.PK)
	}

	for attempt := 0; ; attempt++ {
		state, err := rc.Poll(ctx, proc.JobID)
		if err != nil {
			if core.IsTransient(err) {
				return err
			}
			return &core.PollError{JobID: proc.JobID, Err: err}
		}
		if state.Terminal() {
			return e.advance(ctx, proc, core.ProcessingUpdate{
				ToStep:      core.StepDownloading,
				RemoteState: &state,
			})
		}

		wait := e.poll.interval(attempt)
		e.logger.Debug("remote job still running",
			"calcjob", proc.CalcJobPK, "job", proc.JobID, "wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// download retrieves everything the calcjob's globs select. The retrieved
// map is written atomically with the move to parsing, so a crash mid-download
// re-downloads rather than trusting a half-recorded set.
func (e *Engine) download(ctx context.Context, calc *core.CalcJob, proc *core.Processing) error {
	rc, client, err := e.session(calc)
	if err != nil {
		return err
	}
	remoteDir := RemoteWorkDir(client, calc)

	matches, err := gateway.ListGlobs(ctx, rc, remoteDir, calc.DownloadGlobs)
	if err != nil {
		return &core.TransferError{Path: remoteDir, Err: err}
	}

	retrieved := make(map[string]*string, len(matches))
	for _, m := range matches {
		if m.Dir {
			retrieved[m.RelPath] = nil
			continue
		}
		key, err := e.fetchObject(ctx, rc, path.Join(remoteDir, m.RelPath), m.RelPath)
		if err != nil {
			return &core.TransferError{Path: m.RelPath, Err: err}
		}
		retrieved[m.RelPath] = &key
	}

	return e.advance(ctx, proc, core.ProcessingUpdate{
		ToStep:         core.StepParsing,
		RetrievedPaths: retrieved,
	})
}

func (e *Engine) fetchObject(ctx context.Context, rc core.RemoteClient, remotePath, rel string) (string, error) {
	rdr, err := rc.Download(ctx, remotePath)
	if err != nil {
		return "", err
	}
	defer rdr.Close()

	key, err := e.objects.PutReader(rdr, extensionOf(rel))
	if errors.Is(err, core.ErrExtensionConflict) {
		// Identical bytes already live in the store under another tag
		// (empty outputs collide constantly); alias them.
		return key, nil
	}
	return key, err
}

// parse classifies the retrieved outputs. No I/O happens here, so the
// classifier's verdict is the last word: nil finishes the calcjob.
func (e *Engine) parse(ctx context.Context, calc *core.CalcJob, proc *core.Processing) error {
	if err := e.classifier(calc, proc); err != nil {
		return err
	}
	return e.advance(ctx, proc, core.ProcessingUpdate{ToStep: core.StepFinished})
}

// ─────────────────────────────────────────────────────────────────────────────
// Upload set helpers
// ─────────────────────────────────────────────────────────────────────────────

// mergedUploadPaths unions the code's and the calcjob's upload paths, the
// calcjob winning on conflict.
func mergedUploadPaths(calc *core.CalcJob) map[string]*string {
	merged := make(map[string]*string, len(calc.UploadPaths))
	if calc.Code != nil {
		for rel, key := range calc.Code.UploadPaths {
			merged[rel] = key
		}
	}
	for rel, key := range calc.UploadPaths {
		merged[rel] = key
	}
	return merged
}

// uploadDirs returns every directory the upload set needs, parents first:
// the explicit nil-valued entries plus the ancestors of every file.
func uploadDirs(paths map[string]*string) []string {
	seen := make(map[string]struct{})
	for rel, key := range paths {
		if key == nil {
			seen[rel] = struct{}{}
			continue
		}
		for dir := path.Dir(rel); dir != "." && dir != "/"; dir = path.Dir(dir) {
			seen[dir] = struct{}{}
		}
	}
	dirs := make([]string, 0, len(seen))
	for dir := range seen {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

func sortedFilePaths(paths map[string]*string) []string {
	files := make([]string, 0, len(paths))
	for rel, key := range paths {
		if key != nil {
			files = append(files, rel)
		}
	}
	sort.Strings(files)
	return files
}

// extensionOf returns the store extension tag for a remote path: the final
// suffix without its dot, or "" for extensionless names.
func extensionOf(rel string) string {
	return strings.TrimPrefix(path.Ext(rel), ".")
}
