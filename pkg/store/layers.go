package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/marcoallegretti/karapace/pkg/types"
)

// LayerStore persists layer manifests, keyed by the content hash of their
// serialized form
type LayerStore struct {
	layout *Layout
}

// NewLayerStore creates a layer store over the given layout
func NewLayerStore(layout *Layout) *LayerStore {
	return &LayerStore{layout: layout}
}

// ComputeLayerHash returns the content hash Put would key this manifest
// under, without writing anything
func ComputeLayerHash(m *types.LayerManifest) (string, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize layer manifest: %w", err)
	}
	return hashHex(data), nil
}

// SnapshotHash computes the composite identity of a snapshot layer. Binding
// the env_id and base layer into the hash prevents a replayed base layer from
// masquerading as a snapshot of that environment.
func SnapshotHash(envID, baseLayer, tarHash string) string {
	return hashHex([]byte(fmt.Sprintf("snapshot:%s:%s:%s", envID, baseLayer, tarHash)))
}

// Put stores a layer manifest and returns its content hash. Idempotent.
func (s *LayerStore) Put(m *types.LayerManifest) (string, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize layer manifest: %w", err)
	}
	hash := hashHex(data)
	dest := filepath.Join(s.layout.LayersDir(), hash)

	if _, err := os.Stat(dest); err == nil {
		return hash, nil
	}
	if err := writeFileAtomic(dest, data); err != nil {
		return "", err
	}
	return hash, nil
}

// Get retrieves a layer manifest, verifying that the file's content hash
// matches the key
func (s *LayerStore) Get(hash string) (*types.LayerManifest, error) {
	path := filepath.Join(s.layout.LayersDir(), hash)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Kind: "layer", Key: hash}
		}
		return nil, fmt.Errorf("failed to read layer %s: %w", hash, err)
	}

	actual := hashHex(data)
	if actual != hash {
		return nil, &IntegrityError{Kind: "layer", Key: hash, Expected: hash, Actual: actual}
	}

	var m types.LayerManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse layer %s: %w", hash, err)
	}
	return &m, nil
}

// Exists reports whether a layer manifest is present
func (s *LayerStore) Exists(hash string) bool {
	_, err := os.Stat(filepath.Join(s.layout.LayersDir(), hash))
	return err == nil
}

// Remove deletes a layer manifest. Removing a missing layer is not an error.
func (s *LayerStore) Remove(hash string) error {
	path := filepath.Join(s.layout.LayersDir(), hash)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove layer %s: %w", hash, err)
	}
	return nil
}

// List returns all layer hashes, sorted
func (s *LayerStore) List() ([]string, error) {
	return listDir(s.layout.LayersDir())
}
