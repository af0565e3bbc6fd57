// Package ui provides the embeddable HTTP status API served in serve mode:
// store-wide counts plus calcjob listings with the same filter strings the
// CLI accepts.
package ui

import (
	"log/slog"
	"net/http"
)

// Option configures the API handler.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

type config struct {
	logger     *slog.Logger
	middleware func(http.Handler) http.Handler
}

// WithLogger sets the logger for request failures. Defaults to
// slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return optionFunc(func(c *config) {
		c.logger = logger
	})
}

// WithMiddleware wraps every route with middleware (auth, request logging).
func WithMiddleware(mw func(http.Handler) http.Handler) Option {
	return optionFunc(func(c *config) {
		c.middleware = mw
	})
}
