package engine

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// whiteoutPrefix marks overlayfs whiteout files: a deletion of the
// corresponding lower-layer path
const whiteoutPrefix = ".wh."

// DriftReport lists filesystem drift in an environment's overlay upper layer
type DriftReport struct {
	EnvID    string   `json:"env_id"`
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Removed  []string `json:"removed"`
	HasDrift bool     `json:"has_drift"`
}

// Diff scans an environment's overlay upper directory for added, modified,
// and removed files relative to the lower layer
func (e *Engine) Diff(ref string) (*DriftReport, error) {
	envID, err := e.metaStore.Resolve(ref)
	if err != nil {
		return nil, err
	}

	report := &DriftReport{EnvID: envID}
	upperDir := e.layout.UpperDir(envID)
	lowerDir := e.layout.LowerDir(envID)

	if _, err := os.Stat(upperDir); err == nil {
		if err := collectDrift(upperDir, lowerDir, report); err != nil {
			return nil, err
		}
	}

	sort.Strings(report.Added)
	sort.Strings(report.Modified)
	sort.Strings(report.Removed)
	report.HasDrift = len(report.Added) > 0 || len(report.Modified) > 0 || len(report.Removed) > 0
	return report, nil
}

func collectDrift(upperBase, lowerBase string, report *DriftReport) error {
	return filepath.WalkDir(upperBase, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == upperBase {
			return nil
		}
		rel, err := filepath.Rel(upperBase, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		name := d.Name()
		if strings.HasPrefix(name, whiteoutPrefix) {
			deleted := strings.TrimPrefix(name, whiteoutPrefix)
			parent := filepath.ToSlash(filepath.Dir(rel))
			if parent == "." {
				report.Removed = append(report.Removed, deleted)
			} else {
				report.Removed = append(report.Removed, parent+"/"+deleted)
			}
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}

		// A path that also exists in the lower layer was modified; anything
		// else is new.
		if _, err := os.Lstat(filepath.Join(lowerBase, rel)); err == nil {
			report.Modified = append(report.Modified, rel)
		} else {
			report.Added = append(report.Added, rel)
		}
		return nil
	})
}

// countDriftEntries is used by Export to report how many entries were packed
func countDriftEntries(dir string) (int, error) {
	count := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != dir {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	return count, nil
}
