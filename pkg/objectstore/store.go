package objectstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chrisjsewell/fireflow/pkg/core"
)

const keyLength = sha256.Size * 2 // hex characters

// FileStore stores each object as a single file named <key>.<ext> (or just
// <key> when the extension tag is empty) under a flat directory. Writes go
// through a temp file and rename, so a crash never leaves a partial object
// under a valid key.
type FileStore struct {
	dir string
}

// NewFileStore opens the store rooted at dir, creating the directory if
// needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create object store: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory backing the store.
func (s *FileStore) Dir() string {
	return s.dir
}

// Put stores data and returns its key. Storing the same bytes again is a
// no-op; storing them under a different extension fails with
// ErrExtensionConflict, returning the existing object's key alongside the
// error so callers may alias it.
func (s *FileStore) Put(data []byte, ext string) (string, error) {
	if err := validateExt(ext); err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])

	if existing, ok, err := s.lookup(key); err != nil {
		return "", err
	} else if ok {
		if existing != ext {
			return key, fmt.Errorf("object %s has extension %q, not %q: %w",
				key, existing, ext, core.ErrExtensionConflict)
		}
		return key, nil
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("store object: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store object: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, fileName(key, ext))); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store object: %w", err)
	}
	return key, nil
}

// PutReader streams r into the store, hashing incrementally so the content
// never needs to fit in memory twice.
func (s *FileStore) PutReader(r io.Reader, ext string) (string, error) {
	if err := validateExt(ext); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("store object: %w", err)
	}
	hasher := sha256.New()
	if _, err := io.Copy(tmp, io.TeeReader(r, hasher)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store object: %w", err)
	}
	key := hex.EncodeToString(hasher.Sum(nil))

	if existing, ok, err := s.lookup(key); err != nil {
		os.Remove(tmp.Name())
		return "", err
	} else if ok {
		os.Remove(tmp.Name())
		if existing != ext {
			return key, fmt.Errorf("object %s has extension %q, not %q: %w",
				key, existing, ext, core.ErrExtensionConflict)
		}
		return key, nil
	}

	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, fileName(key, ext))); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store object: %w", err)
	}
	return key, nil
}

// Get returns the object's bytes.
func (s *FileStore) Get(key string) ([]byte, error) {
	ext, ok, err := s.lookup(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, core.ErrNotFound)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, fileName(key, ext)))
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// Open returns a reader over the object.
func (s *FileStore) Open(key string) (io.ReadCloser, error) {
	ext, ok, err := s.lookup(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, core.ErrNotFound)
	}
	f, err := os.Open(filepath.Join(s.dir, fileName(key, ext)))
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", key, err)
	}
	return f, nil
}

// Exists reports whether the key is present.
func (s *FileStore) Exists(key string) (bool, error) {
	_, ok, err := s.lookup(key)
	return ok, err
}

// Extension returns the extension tag recorded for the key.
func (s *FileStore) Extension(key string) (string, error) {
	ext, ok, err := s.lookup(key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("object %s: %w", key, core.ErrNotFound)
	}
	return ext, nil
}

// Size returns the object's length in bytes.
func (s *FileStore) Size(key string) (int64, error) {
	ext, ok, err := s.lookup(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("object %s: %w", key, core.ErrNotFound)
	}
	info, err := os.Stat(filepath.Join(s.dir, fileName(key, ext)))
	if err != nil {
		return 0, fmt.Errorf("stat object %s: %w", key, err)
	}
	return info.Size(), nil
}

// Keys returns all stored keys, unordered.
func (s *FileStore) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if key, ok := keyFromName(e.Name()); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Count returns the number of stored objects.
func (s *FileStore) Count() (int, error) {
	keys, err := s.Keys()
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// lookup finds the extension recorded for key by scanning the directory for
// a file named key or key.<ext>.
func (s *FileStore) lookup(key string) (ext string, ok bool, err error) {
	if len(key) != keyLength {
		return "", false, nil
	}
	if _, err := os.Stat(filepath.Join(s.dir, key)); err == nil {
		return "", true, nil
	}
	matches, err := filepath.Glob(filepath.Join(s.dir, key+".*"))
	if err != nil {
		return "", false, fmt.Errorf("locate object %s: %w", key, err)
	}
	if len(matches) == 0 {
		return "", false, nil
	}
	return strings.TrimPrefix(filepath.Base(matches[0]), key+"."), true, nil
}

func fileName(key, ext string) string {
	if ext == "" {
		return key
	}
	return key + "." + ext
}

func keyFromName(name string) (string, bool) {
	if strings.HasPrefix(name, ".") {
		return "", false
	}
	key := name
	if i := strings.IndexByte(name, '.'); i >= 0 {
		key = name[:i]
	}
	if len(key) != keyLength {
		return "", false
	}
	return key, true
}

func validateExt(ext string) error {
	if ext == "" {
		return nil
	}
	if strings.HasPrefix(ext, ".") || strings.ContainsAny(ext, `/\`) {
		return fmt.Errorf("fireflow: invalid object extension %q", ext)
	}
	return nil
}
