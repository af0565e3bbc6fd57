// Package objectstore provides content-addressed blob stores.
//
// Objects are keyed by the lowercase hex SHA-256 digest of their content, so
// writes are idempotent and shared inputs are stored once. Each object also
// carries a file extension tag, fixed at first write, which survives into
// filenames handed back to users.
//
// This package includes:
//   - FileStore: one file per object under a flat directory
//   - MemoryStore: map-backed store for tests and examples
//
// The ObjectStore interface is defined in pkg/core.
package objectstore
