package engine

import (
	"fmt"
	"os"

	"github.com/klauspost/compress/gzip"

	"github.com/marcoallegretti/karapace/pkg/store"
)

// ExportResult reports what an overlay export produced
type ExportResult struct {
	Path    string `json:"path"`
	Entries int    `json:"entries"`
	Bytes   int    `json:"bytes"`
}

// Export packs an environment's overlay upper directory into a gzip-
// compressed tarball at dest. The tar content uses the same deterministic
// packing as layer capture, so exporting an unchanged environment twice
// yields identical archives.
func (e *Engine) Export(ref, dest string) (*ExportResult, error) {
	envID, err := e.metaStore.Resolve(ref)
	if err != nil {
		return nil, err
	}

	upperDir := e.layout.UpperDir(envID)
	if _, err := os.Stat(upperDir); err != nil {
		return &ExportResult{Path: dest}, nil
	}

	entries, err := countDriftEntries(upperDir)
	if err != nil {
		return nil, err
	}

	tarData, err := store.PackLayer(upperDir)
	if err != nil {
		return nil, err
	}

	out, err := os.Create(dest)
	if err != nil {
		return nil, fmt.Errorf("failed to create export file: %w", err)
	}
	defer out.Close()

	gz, err := gzip.NewWriterLevel(out, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize compressor: %w", err)
	}
	if _, err := gz.Write(tarData); err != nil {
		gz.Close()
		return nil, fmt.Errorf("failed to write export: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize export: %w", err)
	}
	if err := out.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync export: %w", err)
	}

	return &ExportResult{Path: dest, Entries: entries, Bytes: len(tarData)}, nil
}
