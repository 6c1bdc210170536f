package store

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// HashBytes returns the lowercase hex blake3 hash of data. This is the
// content-addressing function for every entity in the store.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hashHex(data []byte) string {
	return HashBytes(data)
}

// writeFileAtomic writes data to dest with the store's atomic write protocol:
// a uniquely named temp file in the destination directory, full write, fsync,
// rename into place, directory fsync. No partial file is ever observable at
// dest.
func writeFileAtomic(dest string, data []byte) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file for %s: %w", dest, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", dest, err)
	}
	return fsyncDir(dir)
}

// fsyncDir makes a preceding rename durable. On Linux with ext4 data=ordered
// renames usually persist without this, but POSIX does not guarantee it.
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
