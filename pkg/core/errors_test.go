package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransientError(t *testing.T) {
	originalErr := errors.New("connection reset")
	wrapped := Transient(originalErr)

	var transientErr *TransientError
	assert.True(t, errors.As(wrapped, &transientErr))
	assert.Equal(t, originalErr, transientErr.Unwrap())
	assert.Contains(t, transientErr.Error(), "transient")
	assert.Contains(t, transientErr.Error(), "connection reset")
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.True(t, IsTransient(Transient(errors.New("timeout"))))

	// Transient survives further wrapping by step error kinds.
	wrapped := &TransferError{Path: "inputs/a.txt", Err: Transient(errors.New("503"))}
	assert.True(t, IsTransient(wrapped))
	assert.True(t, IsTransient(fmt.Errorf("step failed: %w", wrapped)))

	// A credential failure is never transient.
	assert.False(t, IsTransient(&CredentialError{Err: errors.New("401")}))
}

func TestTransferError(t *testing.T) {
	originalErr := errors.New("broken pipe")
	err := &TransferError{Path: "outputs/log.txt", Err: originalErr}

	assert.Equal(t, originalErr, err.Unwrap())
	assert.Contains(t, err.Error(), "outputs/log.txt")
	assert.Contains(t, err.Error(), "broken pipe")
}

func TestSubmissionError(t *testing.T) {
	originalErr := errors.New("malformed script path")
	err := &SubmissionError{Err: originalErr}

	assert.Equal(t, originalErr, err.Unwrap())
	assert.Contains(t, err.Error(), "submission")
	assert.Contains(t, err.Error(), "malformed script path")
}

func TestPollError(t *testing.T) {
	originalErr := errors.New("unknown job")
	err := &PollError{JobID: "4242", Err: originalErr}

	assert.Equal(t, originalErr, err.Unwrap())
	assert.Contains(t, err.Error(), "4242")
	assert.Contains(t, err.Error(), "unknown job")
}

func TestParseError(t *testing.T) {
	err := &ParseError{Reason: "expected output output.txt was not retrieved"}
	assert.Contains(t, err.Error(), "parse")
	assert.Contains(t, err.Error(), "output.txt")
}

func TestCredentialError(t *testing.T) {
	originalErr := errors.New("invalid_client")
	err := &CredentialError{Err: originalErr}

	assert.Equal(t, originalErr, err.Unwrap())
	assert.Contains(t, err.Error(), "credentials")
	assert.Contains(t, err.Error(), "invalid_client")
}

func TestErrorVariables(t *testing.T) {
	// Verify all error variables are defined
	assert.NotNil(t, ErrNotFound)
	assert.NotNil(t, ErrAlreadyClaimed)
	assert.NotNil(t, ErrNotOwner)
	assert.NotNil(t, ErrStepOrder)
	assert.NotNil(t, ErrTerminal)
	assert.NotNil(t, ErrExtensionConflict)
	assert.NotNil(t, ErrInvalidLabel)
	assert.NotNil(t, ErrLabelTooLong)
	assert.NotNil(t, ErrDuplicateLabel)

	// Verify error messages
	assert.Contains(t, ErrNotFound.Error(), "not found")
	assert.Contains(t, ErrAlreadyClaimed.Error(), "claimed")
	assert.Contains(t, ErrNotOwner.Error(), "lease")
	assert.Contains(t, ErrStepOrder.Error(), "forward")
	assert.Contains(t, ErrExtensionConflict.Error(), "extension")
}
