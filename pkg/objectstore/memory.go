package objectstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/chrisjsewell/fireflow/pkg/core"
)

type memObject struct {
	data []byte
	ext  string
}

// MemoryStore is a map-backed ObjectStore for tests and examples. It is safe
// for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject)}
}

// Put stores data and returns its key.
func (s *MemoryStore) Put(data []byte, ext string) (string, error) {
	if err := validateExt(ext); err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.objects[key]; ok {
		if existing.ext != ext {
			return key, fmt.Errorf("object %s has extension %q, not %q: %w",
				key, existing.ext, ext, core.ErrExtensionConflict)
		}
		return key, nil
	}
	s.objects[key] = memObject{data: bytes.Clone(data), ext: ext}
	return key, nil
}

// PutReader reads r fully and stores the result.
func (s *MemoryStore) PutReader(r io.Reader, ext string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("store object: %w", err)
	}
	return s.Put(data, ext)
}

// Get returns the object's bytes.
func (s *MemoryStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, core.ErrNotFound)
	}
	return bytes.Clone(obj.data), nil
}

// Open returns a reader over the object.
func (s *MemoryStore) Open(key string) (io.ReadCloser, error) {
	data, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Exists reports whether the key is present.
func (s *MemoryStore) Exists(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

// Extension returns the extension tag recorded for the key.
func (s *MemoryStore) Extension(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return "", fmt.Errorf("object %s: %w", key, core.ErrNotFound)
	}
	return obj.ext, nil
}

// Size returns the object's length in bytes.
func (s *MemoryStore) Size(key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return 0, fmt.Errorf("object %s: %w", key, core.ErrNotFound)
	}
	return int64(len(obj.data)), nil
}

// Keys returns all stored keys, unordered.
func (s *MemoryStore) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys, nil
}

// Count returns the number of stored objects.
func (s *MemoryStore) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects), nil
}
