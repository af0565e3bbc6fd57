package core

// Step identifies the activity a calcjob's processing record is currently
// engaged in. A row persisted at a given step resumes that step's work after
// a crash, so every step is written before its work begins and is safe to
// re-execute.
type Step string

const (
	StepCreated     Step = "created"
	StepUploading   Step = "uploading"
	StepSubmitting  Step = "submitting"
	StepSubmitted   Step = "submitted" // remote job id captured, polling not yet started
	StepPolling     Step = "polling"
	StepDownloading Step = "downloading"
	StepParsing     Step = "parsing"
	StepFinished    Step = "finished"
	StepExcepted    Step = "excepted" // out-of-band terminal, reachable from any step
)

// pipeline is the forward execution order. StepExcepted is absent: it is
// reachable from any non-terminal step but never advanced from.
var pipeline = []Step{
	StepCreated,
	StepUploading,
	StepSubmitting,
	StepSubmitted,
	StepPolling,
	StepDownloading,
	StepParsing,
	StepFinished,
}

var pipelineIndex = func() map[Step]int {
	m := make(map[Step]int, len(pipeline))
	for i, s := range pipeline {
		m[s] = i
	}
	return m
}()

// Steps returns the pipeline steps in execution order, excluding StepExcepted.
func Steps() []Step {
	out := make([]Step, len(pipeline))
	copy(out, pipeline)
	return out
}

// Index returns the position of s in the pipeline, or -1 for StepExcepted
// and unknown values.
func (s Step) Index() int {
	i, ok := pipelineIndex[s]
	if !ok {
		return -1
	}
	return i
}

// Next returns the step that follows s in the pipeline, or "" if s is
// terminal or unknown.
func (s Step) Next() Step {
	i := s.Index()
	if i < 0 || i+1 >= len(pipeline) {
		return ""
	}
	return pipeline[i+1]
}

// Terminal reports whether no further transitions occur from s.
func (s Step) Terminal() bool {
	return s == StepFinished || s == StepExcepted
}

// CanAdvance reports whether a processing record at step from may move to
// step to. Any non-terminal step may jump to StepExcepted; otherwise the only
// legal move is to the immediately following pipeline step.
func CanAdvance(from, to Step) bool {
	if from.Terminal() {
		return false
	}
	if to == StepExcepted {
		return from.Index() >= 0
	}
	return to != "" && to == from.Next()
}

// State is the coarse lifecycle summary of a processing record, derived from
// its step. It exists so eligible calcjobs can be selected with a single
// indexed equality instead of a step-set match.
type State string

const (
	StatePlaying  State = "playing"
	StateFinished State = "finished"
	StateExcepted State = "excepted"
)

// StateForStep derives the state recorded alongside a step.
func StateForStep(s Step) State {
	switch s {
	case StepFinished:
		return StateFinished
	case StepExcepted:
		return StateExcepted
	default:
		return StatePlaying
	}
}

// Terminal reports whether no further transitions occur from s.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateExcepted
}

// RemoteState is the scheduler-reported status of a remote job, folded down
// from the remote API's own vocabulary.
type RemoteState string

const (
	RemoteStateRunning   RemoteState = "running" // queued or executing
	RemoteStateCompleted RemoteState = "completed"
	RemoteStateFailed    RemoteState = "failed"
	RemoteStateCancelled RemoteState = "cancelled"
)

// Terminal reports whether the remote scheduler is done with the job. A
// failed or cancelled remote job is still downloaded, so its scheduler logs
// can be inspected; only the parse step decides whether the calcjob excepts.
func (s RemoteState) Terminal() bool {
	switch s {
	case RemoteStateCompleted, RemoteStateFailed, RemoteStateCancelled:
		return true
	}
	return false
}
