package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FormatVersion is the current store layout version. Incremented on
// incompatible changes. A mismatch rejects all store access.
const FormatVersion = 2

const versionFile = "version"

// Layout manages the directory structure of the content-addressed store:
//
//	<root>/store/version          format marker
//	<root>/store/.lock            advisory exclusive file lock
//	<root>/store/objects/<hash>   content blobs
//	<root>/store/layers/<hash>    layer manifests
//	<root>/store/metadata/<id>    environment metadata records
//	<root>/store/staging/         atomic-operation scratch
//	<root>/store/wal/<op_id>      write-ahead log entries
//	<root>/env/<env_id>/          overlay roots (upper, lower, work, merged)
//	<root>/images/<cache_key>/    cached base image root trees
type Layout struct {
	root string
}

type storeVersion struct {
	FormatVersion int `json:"format_version"`
}

// NewLayout creates a layout rooted at the given directory
func NewLayout(root string) *Layout {
	return &Layout{root: root}
}

func (l *Layout) Root() string { return l.root }

func (l *Layout) ObjectsDir() string  { return filepath.Join(l.root, "store", "objects") }
func (l *Layout) LayersDir() string   { return filepath.Join(l.root, "store", "layers") }
func (l *Layout) MetadataDir() string { return filepath.Join(l.root, "store", "metadata") }
func (l *Layout) StagingDir() string  { return filepath.Join(l.root, "store", "staging") }
func (l *Layout) WalDir() string      { return filepath.Join(l.root, "store", "wal") }
func (l *Layout) LockFile() string    { return filepath.Join(l.root, "store", ".lock") }
func (l *Layout) EnvDir() string      { return filepath.Join(l.root, "env") }
func (l *Layout) ImagesDir() string   { return filepath.Join(l.root, "images") }

// EnvPath is the root of a single environment's on-disk state
func (l *Layout) EnvPath(envID string) string {
	return filepath.Join(l.root, "env", envID)
}

// UpperDir is the writable upper layer of the overlay filesystem. All drift
// during container use lands here; commit and diff scan this directory. Its
// content is not part of the environment identity.
func (l *Layout) UpperDir(envID string) string {
	return filepath.Join(l.EnvPath(envID), "upper")
}

// LowerDir is the read-only lower side of the overlay, a link into the image
// cache
func (l *Layout) LowerDir(envID string) string {
	return filepath.Join(l.EnvPath(envID), "lower")
}

// WorkDir is the overlay filesystem's scratch directory
func (l *Layout) WorkDir(envID string) string {
	return filepath.Join(l.EnvPath(envID), "work")
}

// MergedDir is the overlay mount point the user enters
func (l *Layout) MergedDir(envID string) string {
	return filepath.Join(l.EnvPath(envID), "merged")
}

// ImagePath is the cached rootfs for a base image cache key
func (l *Layout) ImagePath(cacheKey string) string {
	return filepath.Join(l.root, "images", cacheKey, "rootfs")
}

// Initialize creates all store directories and writes the version marker. On
// an existing store the version is verified instead; a mismatch is fatal.
func (l *Layout) Initialize() error {
	for _, dir := range []string{
		l.ObjectsDir(), l.LayersDir(), l.MetadataDir(),
		l.StagingDir(), l.WalDir(), l.EnvDir(), l.ImagesDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create store directory %s: %w", dir, err)
		}
	}

	versionPath := filepath.Join(l.root, "store", versionFile)
	if _, err := os.Stat(versionPath); err == nil {
		return l.VerifyVersion()
	}

	data, err := json.MarshalIndent(storeVersion{FormatVersion: FormatVersion}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize store version: %w", err)
	}
	return writeFileAtomic(versionPath, data)
}

// VerifyVersion checks the on-disk format marker against FormatVersion
func (l *Layout) VerifyVersion() error {
	versionPath := filepath.Join(l.root, "store", versionFile)
	data, err := os.ReadFile(versionPath)
	if err != nil {
		return fmt.Errorf("failed to read store version: %w", err)
	}
	var ver storeVersion
	if err := json.Unmarshal(data, &ver); err != nil {
		return fmt.Errorf("failed to parse store version: %w", err)
	}
	if ver.FormatVersion != FormatVersion {
		return &VersionMismatchError{Expected: FormatVersion, Found: ver.FormatVersion}
	}
	return nil
}
