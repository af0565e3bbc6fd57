package core

import "time"

// Event is the interface for all runner events.
type Event interface {
	eventMarker()
}

// StepCompleted is emitted after a processing transition is persisted.
type StepCompleted struct {
	CalcJobPK uint
	From      Step
	To        Step
	Timestamp time.Time
}

func (*StepCompleted) eventMarker() {}

// StepRetrying is emitted when a step failed transiently and will be retried.
type StepRetrying struct {
	CalcJobPK uint
	Step      Step
	Attempt   int
	Error     error
	Timestamp time.Time
}

func (*StepRetrying) eventMarker() {}

// CalcJobFinished is emitted when a calcjob reaches StepFinished.
type CalcJobFinished struct {
	CalcJobPK uint
	Timestamp time.Time
}

func (*CalcJobFinished) eventMarker() {}

// CalcJobExcepted is emitted when a calcjob reaches StepExcepted.
type CalcJobExcepted struct {
	CalcJobPK uint
	Exception string
	Timestamp time.Time
}

func (*CalcJobExcepted) eventMarker() {}
