package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ObjectStore is the content-addressed blob store. Objects are immutable
// files named by the blake3 hash of their content. Writes are atomic and
// reads verify integrity by re-hashing.
type ObjectStore struct {
	layout *Layout
}

// NewObjectStore creates an object store over the given layout
func NewObjectStore(layout *Layout) *ObjectStore {
	return &ObjectStore{layout: layout}
}

// Put stores data and returns its blake3 hash. Idempotent: rewriting
// identical content is a no-op.
func (s *ObjectStore) Put(data []byte) (string, error) {
	hash := hashHex(data)
	dest := filepath.Join(s.layout.ObjectsDir(), hash)

	if _, err := os.Stat(dest); err == nil {
		return hash, nil
	}

	if err := writeFileAtomic(dest, data); err != nil {
		return "", err
	}
	return hash, nil
}

// Get retrieves data by hash, verifying integrity on read
func (s *ObjectStore) Get(hash string) ([]byte, error) {
	path := filepath.Join(s.layout.ObjectsDir(), hash)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Kind: "object", Key: hash}
		}
		return nil, fmt.Errorf("failed to read object %s: %w", hash, err)
	}

	actual := hashHex(data)
	if actual != hash {
		return nil, &IntegrityError{Kind: "object", Key: hash, Expected: hash, Actual: actual}
	}
	return data, nil
}

// Exists reports whether an object is present
func (s *ObjectStore) Exists(hash string) bool {
	_, err := os.Stat(filepath.Join(s.layout.ObjectsDir(), hash))
	return err == nil
}

// Remove deletes an object. Removing a missing object is not an error.
func (s *ObjectStore) Remove(hash string) error {
	path := filepath.Join(s.layout.ObjectsDir(), hash)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove object %s: %w", hash, err)
	}
	return nil
}

// List returns all object hashes, sorted
func (s *ObjectStore) List() ([]string, error) {
	return listDir(s.layout.ObjectsDir())
}

func listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
