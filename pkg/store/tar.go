package store

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/marcoallegretti/karapace/pkg/log"
)

// PackLayer creates a deterministic tar archive from a directory tree.
//
// Supported entries are regular files, directories, and symlinks. Device
// nodes, sockets, and FIFOs are skipped with a warning; extended attributes
// are not recorded; hardlinked files are stored as duplicate regular content.
//
// Determinism guarantees:
//   - entries sorted lexicographically by relative path
//   - all timestamps zeroed
//   - all ownership set to 0:0
//   - permission bits preserved from source
//   - symlink targets preserved verbatim
func PackLayer(sourceDir string) ([]byte, error) {
	type entry struct {
		rel  string
		full string
	}
	var entries []entry

	if _, err := os.Stat(sourceDir); err == nil {
		err := filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path == sourceDir {
				return nil
			}
			rel, err := filepath.Rel(sourceDir, path)
			if err != nil {
				return err
			}
			entries = append(entries, entry{rel: filepath.ToSlash(rel), full: path})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", sourceDir, err)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })

	var buf bytes.Buffer
	w := tar.NewWriter(&buf)

	for _, e := range entries {
		info, err := os.Lstat(e.full)
		if err != nil {
			log.WithComponent("store").Warn().Str("path", e.rel).Err(err).Msg("skipping entry: stat failed")
			continue
		}

		switch {
		case info.Mode().IsRegular():
			if err := appendFile(w, e.rel, e.full, info); err != nil {
				return nil, err
			}
		case info.IsDir():
			if err := appendDir(w, e.rel, info); err != nil {
				return nil, err
			}
		case info.Mode()&fs.ModeSymlink != 0:
			if err := appendSymlink(w, e.rel, e.full, info); err != nil {
				return nil, err
			}
		default:
			log.WithComponent("store").Warn().Str("path", e.rel).Msg("skipping unsupported file type")
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize tar: %w", err)
	}
	return buf.Bytes(), nil
}

// UnpackLayer extracts a tar archive into a target directory, creating it if
// needed. Paths escaping the target are rejected.
func UnpackLayer(tarData []byte, targetDir string) error {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", targetDir, err)
	}

	r := tar.NewReader(bytes.NewReader(tarData))
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}

		name := filepath.Clean(hdr.Name)
		if name == "." {
			continue
		}
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("tar entry escapes target directory: %s", hdr.Name)
		}
		dest := filepath.Join(targetDir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, fs.FileMode(hdr.Mode)&fs.ModePerm); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dest, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("failed to create parent of %s: %w", dest, err)
			}
			f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(hdr.Mode)&fs.ModePerm)
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", dest, err)
			}
			if _, err := io.Copy(f, r); err != nil {
				f.Close()
				return fmt.Errorf("failed to write file %s: %w", dest, err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("failed to close file %s: %w", dest, err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("failed to create parent of %s: %w", dest, err)
			}
			if err := os.Symlink(hdr.Linkname, dest); err != nil && !os.IsExist(err) {
				return fmt.Errorf("failed to create symlink %s: %w", dest, err)
			}
		default:
			log.WithComponent("store").Warn().Str("path", hdr.Name).Msg("skipping unsupported tar entry type")
		}
	}
}

func baseHeader(rel string, info fs.FileInfo, typeflag byte) *tar.Header {
	return &tar.Header{
		Typeflag: typeflag,
		Name:     rel,
		Mode:     int64(info.Mode() & fs.ModePerm),
		Uid:      0,
		Gid:      0,
		ModTime:  time.Unix(0, 0).UTC(),
		Format:   tar.FormatGNU,
	}
}

func appendFile(w *tar.Writer, rel, full string, info fs.FileInfo) error {
	data, err := os.ReadFile(full)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", full, err)
	}
	hdr := baseHeader(rel, info, tar.TypeReg)
	hdr.Size = int64(len(data))
	if err := w.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", rel, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write tar content for %s: %w", rel, err)
	}
	return nil
}

func appendDir(w *tar.Writer, rel string, info fs.FileInfo) error {
	hdr := baseHeader(rel+"/", info, tar.TypeDir)
	if err := w.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", rel, err)
	}
	return nil
}

func appendSymlink(w *tar.Writer, rel, full string, info fs.FileInfo) error {
	target, err := os.Readlink(full)
	if err != nil {
		return fmt.Errorf("failed to read symlink %s: %w", full, err)
	}
	hdr := baseHeader(rel, info, tar.TypeSymlink)
	hdr.Linkname = target
	if err := w.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", rel, err)
	}
	return nil
}
