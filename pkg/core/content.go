package core

import "io"

// ObjectStore is the content-addressed blob store. Keys are lowercase hex
// SHA-256 digests of the content; each object additionally carries a file
// extension tag fixed at first write.
type ObjectStore interface {
	// Put stores data idempotently and returns its key. Storing identical
	// bytes again is a no-op; storing them under a different extension
	// fails with ErrExtensionConflict, returning the existing object's key
	// alongside the error so callers may alias it.
	Put(data []byte, ext string) (string, error)

	// PutReader streams r into the store with incremental hashing.
	PutReader(r io.Reader, ext string) (string, error)

	// Get returns the object's bytes, or an error wrapping ErrNotFound.
	Get(key string) ([]byte, error)

	// Open returns a reader over the object, or an error wrapping
	// ErrNotFound.
	Open(key string) (io.ReadCloser, error)

	// Exists reports whether the key is present.
	Exists(key string) (bool, error)

	// Extension returns the extension tag recorded for the key.
	Extension(key string) (string, error)

	// Size returns the object's length in bytes.
	Size(key string) (int64, error)

	// Keys returns all stored keys, unordered.
	Keys() ([]string, error)

	// Count returns the number of stored objects.
	Count() (int, error)
}
