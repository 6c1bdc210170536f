package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLayout(t *testing.T) *Layout {
	t.Helper()
	layout := NewLayout(t.TempDir())
	require.NoError(t, layout.Initialize())
	return layout
}

func TestLayoutPaths(t *testing.T) {
	layout := NewLayout("/tmp/karapace-test")
	assert.Equal(t, "/tmp/karapace-test/store/objects", layout.ObjectsDir())
	assert.Equal(t, "/tmp/karapace-test/store/layers", layout.LayersDir())
	assert.Equal(t, "/tmp/karapace-test/store/metadata", layout.MetadataDir())
	assert.Equal(t, "/tmp/karapace-test/store/wal", layout.WalDir())
	assert.Equal(t, "/tmp/karapace-test/store/.lock", layout.LockFile())
	assert.Equal(t, "/tmp/karapace-test/env/abc123", layout.EnvPath("abc123"))
	assert.Equal(t, "/tmp/karapace-test/env/abc123/upper", layout.UpperDir("abc123"))
	assert.Equal(t, "/tmp/karapace-test/images/k/rootfs", layout.ImagePath("k"))
}

func TestLayoutInitializeCreatesDirectories(t *testing.T) {
	layout := testLayout(t)
	for _, dir := range []string{
		layout.ObjectsDir(), layout.LayersDir(), layout.MetadataDir(),
		layout.StagingDir(), layout.WalDir(), layout.EnvDir(),
	} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestLayoutInitializeIsIdempotent(t *testing.T) {
	layout := testLayout(t)
	require.NoError(t, layout.Initialize())
	require.NoError(t, layout.VerifyVersion())
}

func TestLayoutVersionMismatchRejected(t *testing.T) {
	layout := testLayout(t)
	versionPath := filepath.Join(layout.Root(), "store", "version")
	require.NoError(t, os.WriteFile(versionPath, []byte(`{"format_version": 1}`), 0o644))

	err := layout.VerifyVersion()
	require.Error(t, err)
	var mismatch *VersionMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, FormatVersion, mismatch.Expected)
	assert.Equal(t, 1, mismatch.Found)
}

func TestObjectPutGetRoundtrip(t *testing.T) {
	s := NewObjectStore(testLayout(t))
	data := []byte("hello karapace")
	hash, err := s.Put(data)
	require.NoError(t, err)
	assert.Len(t, hash, 64)

	retrieved, err := s.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, data, retrieved)
}

func TestObjectPutIsIdempotent(t *testing.T) {
	s := NewObjectStore(testLayout(t))
	h1, err := s.Put([]byte("hello"))
	require.NoError(t, err)
	h2, err := s.Put([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestObjectGetNonexistentFails(t *testing.T) {
	s := NewObjectStore(testLayout(t))
	_, err := s.Get("nonexistent")
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestObjectIntegrityCheckedOnRead(t *testing.T) {
	layout := testLayout(t)
	s := NewObjectStore(layout)
	hash, err := s.Put([]byte("test data"))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(layout.ObjectsDir(), hash), []byte("corrupted"), 0o644))

	_, err = s.Get(hash)
	var integrity *IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, "object", integrity.Kind)
}

func TestObjectListAndRemove(t *testing.T) {
	s := NewObjectStore(testLayout(t))
	_, err := s.Put([]byte("aaa"))
	require.NoError(t, err)
	hash, err := s.Put([]byte("bbb"))
	require.NoError(t, err)

	list, err := s.List()
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, s.Remove(hash))
	assert.False(t, s.Exists(hash))
	assert.NoError(t, s.Remove("nonexistent"))
}

func TestObjectEmptyAndLargeData(t *testing.T) {
	s := NewObjectStore(testLayout(t))

	hash, err := s.Put(nil)
	require.NoError(t, err)
	data, err := s.Get(hash)
	require.NoError(t, err)
	assert.Empty(t, data)

	large := make([]byte, 64*1024)
	for i := range large {
		large[i] = 0xAB
	}
	hash, err = s.Put(large)
	require.NoError(t, err)
	data, err = s.Get(hash)
	require.NoError(t, err)
	assert.Len(t, data, 64*1024)
}

func TestNoTempFilesVisibleAfterWrites(t *testing.T) {
	layout := testLayout(t)
	s := NewObjectStore(layout)
	_, err := s.Put([]byte("content"))
	require.NoError(t, err)

	// The atomic write protocol must leave no temp files behind.
	list, err := s.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)
	entries, err := os.ReadDir(layout.ObjectsDir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
