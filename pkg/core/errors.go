package core

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	ErrNotFound          = errors.New("fireflow: not found")
	ErrAlreadyClaimed    = errors.New("fireflow: calcjob already claimed by another runner")
	ErrNotOwner          = errors.New("fireflow: calcjob lease not held by this runner")
	ErrStepOrder         = errors.New("fireflow: processing step may only advance forward")
	ErrTerminal          = errors.New("fireflow: processing record is already terminal")
	ErrExtensionConflict = errors.New("fireflow: object already stored with a different extension")
	ErrInvalidLabel      = errors.New("fireflow: invalid label (must be alphanumeric, start with letter)")
	ErrLabelTooLong      = errors.New("fireflow: label too long")
	ErrDuplicateLabel    = errors.New("fireflow: duplicate label")
)

// TransferError indicates an upload or download failure for one remote path.
type TransferError struct {
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s: %v", e.Path, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// SubmissionError indicates the remote API rejected a job submission.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission rejected: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// PollError indicates an unrecoverable failure querying remote job status.
type PollError struct {
	JobID string
	Err   error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("poll job %s: %v", e.JobID, e.Err)
}

func (e *PollError) Unwrap() error {
	return e.Err
}

// ParseError indicates the retrieved outputs did not satisfy expectations,
// even though the remote transfer itself succeeded.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse outputs: %s", e.Reason)
}

// CredentialError indicates authentication failed even after a token
// refresh. Never retried automatically.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credentials rejected: %v", e.Err)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// TransientError marks a failure that is safe to retry at the step level,
// such as a timeout or a 5xx response.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps an error to mark it as retryable.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether any error in the chain is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
