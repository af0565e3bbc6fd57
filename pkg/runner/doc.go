// Package runner provides the Runner type that drives calcjobs to completion.
//
// This package includes:
//   - Runner: claims playing calcjobs and advances them step by step
//   - Option: configuration options for runners
//   - Concurrency, lease and per-step retry configuration
//   - A reaper schedule for reclaiming leases from crashed runners
//
// Most users should import the root package github.com/chrisjsewell/fireflow
// which re-exports runner construction and options.
package runner
