// Package storage provides the GORM-backed metadata store for fireflow.
//
// GormStorage persists clients, codes, calcjobs and their processing records,
// and implements the optimistic step transitions and lease claims the runner
// relies on. Every processing write is a conditional UPDATE guarded by the
// current step and lease holder, so concurrent runners sharing one database
// cannot double-process a calcjob.
//
// The Storage interface is defined in pkg/core and must be implemented by any
// custom backend.
//
// Most users should import the root package github.com/chrisjsewell/fireflow,
// which opens the store as part of a project directory.
package storage
