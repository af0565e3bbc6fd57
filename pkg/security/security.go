package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/chrisjsewell/fireflow/pkg/core"
)

// Security limits and configuration
const (
	// MaxLabelLength is the maximum length for client, code and calcjob labels
	MaxLabelLength = 255

	// MaxExceptionLength is the maximum length for stored exception messages
	MaxExceptionLength = 4096

	// MaxStepRetries is the hard limit for per-step retry attempts
	MaxStepRetries = 100

	// MaxConcurrency is the hard limit for concurrently driven calcjobs
	MaxConcurrency = 256

	// DefaultPageSize is the page size used when a listing does not name one
	DefaultPageSize = 100

	// MaxPageSize is the hard limit for a single listing page
	MaxPageSize = 1000
)

// validLabel matches alphanumeric, hyphens, underscores, and dots
var validLabel = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// ValidateLabel validates a client, code or calcjob label
func ValidateLabel(label string) error {
	if label == "" {
		return core.ErrInvalidLabel
	}
	if len(label) > MaxLabelLength {
		return core.ErrLabelTooLong
	}
	if !validLabel.MatchString(label) {
		return core.ErrInvalidLabel
	}
	return nil
}

// SanitizeException truncates and sanitizes exception messages for storage
func SanitizeException(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	// Truncate if too long
	if utf8.RuneCountInString(result) > MaxExceptionLength {
		runes := []rune(result)
		result = string(runes[:MaxExceptionLength-3]) + "..."
	}

	return result
}

// ClampRetries ensures a retry count is within limits
func ClampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxStepRetries {
		return MaxStepRetries
	}
	return n
}

// ClampConcurrency ensures concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// ClampPageSize resolves a requested page size against the limits
func ClampPageSize(n int) int {
	if n < 1 {
		return DefaultPageSize
	}
	if n > MaxPageSize {
		return MaxPageSize
	}
	return n
}
