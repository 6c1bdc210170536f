package remote

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcoallegretti/karapace/pkg/store"
	"github.com/marcoallegretti/karapace/pkg/types"
)

// mockRemote is an in-memory Backend for transfer tests
type mockRemote struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	registry []byte
}

func newMockRemote() *mockRemote {
	return &mockRemote{blobs: make(map[string][]byte)}
}

func blobKey(kind BlobKind, key string) string { return string(kind) + "/" + key }

func (m *mockRemote) PutBlob(kind BlobKind, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[blobKey(kind, key)] = append([]byte(nil), data...)
	return nil
}

func (m *mockRemote) GetBlob(kind BlobKind, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[blobKey(kind, key)]
	if !ok {
		return nil, &NotFoundError{Key: key}
	}
	return data, nil
}

func (m *mockRemote) HasBlob(kind BlobKind, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[blobKey(kind, key)]
	return ok, nil
}

func (m *mockRemote) ListBlobs(kind BlobKind) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	prefix := string(kind) + "/"
	for k := range m.blobs {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k[len(prefix):])
		}
	}
	return keys, nil
}

func (m *mockRemote) PutRegistry(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry = append([]byte(nil), data...)
	return nil
}

func (m *mockRemote) GetRegistry() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registry == nil {
		return nil, &NotFoundError{Key: "registry"}
	}
	return m.registry, nil
}

// setupLocalEnv creates a store with one complete environment: a manifest
// object, a tar object, a base layer, and metadata.
func setupLocalEnv(t *testing.T, root string) (*store.Layout, string) {
	t.Helper()
	layout := store.NewLayout(root)
	require.NoError(t, layout.Initialize())

	objStore := store.NewObjectStore(layout)
	layerStore := store.NewLayerStore(layout)
	metaStore := store.NewMetadataStore(layout)

	tarHash, err := objStore.Put([]byte("test data content"))
	require.NoError(t, err)
	manifestHash, err := objStore.Put([]byte(`{"manifest": "test"}`))
	require.NoError(t, err)

	layerHash, err := layerStore.Put(&types.LayerManifest{
		Hash:       tarHash,
		Kind:       types.LayerKindBase,
		ObjectRefs: []string{tarHash},
		ReadOnly:   true,
		TarHash:    tarHash,
	})
	require.NoError(t, err)

	envID := "envabc123envabc123"
	meta := &types.EnvMetadata{
		EnvID:        envID,
		ShortID:      envID[:12],
		Name:         "test-env",
		State:        types.EnvStateBuilt,
		ManifestHash: manifestHash,
		BaseLayer:    layerHash,
		CreatedAt:    "2025-01-01T00:00:00Z",
		UpdatedAt:    "2025-01-01T00:00:00Z",
		RefCount:     1,
	}
	require.NoError(t, metaStore.Put(meta))
	return layout, envID
}

func TestPushAndPullRoundtrip(t *testing.T) {
	srcLayout, envID := setupLocalEnv(t, t.TempDir())
	remote := newMockRemote()

	pushResult, err := PushEnv(srcLayout, envID, remote, "test-env@latest")
	require.NoError(t, err)
	assert.Equal(t, 2, pushResult.ObjectsPushed, "tar object and manifest object")
	assert.Equal(t, 1, pushResult.LayersPushed)

	// Pull into a fresh store.
	dstLayout := store.NewLayout(t.TempDir())
	require.NoError(t, dstLayout.Initialize())

	pullResult, err := PullEnv(dstLayout, envID, remote)
	require.NoError(t, err)
	assert.Equal(t, 2, pullResult.ObjectsPulled)
	assert.Equal(t, 1, pullResult.LayersPulled)

	// The pulled store verifies clean and the metadata matches.
	report, err := store.VerifyStore(dstLayout)
	require.NoError(t, err)
	assert.True(t, report.Clean())

	srcMeta, err := store.NewMetadataStore(srcLayout).Get(envID)
	require.NoError(t, err)
	dstMeta, err := store.NewMetadataStore(dstLayout).Get(envID)
	require.NoError(t, err)
	assert.Equal(t, srcMeta, dstMeta)
}

func TestPushSkipsExistingBlobs(t *testing.T) {
	srcLayout, envID := setupLocalEnv(t, t.TempDir())
	remote := newMockRemote()

	_, err := PushEnv(srcLayout, envID, remote, "")
	require.NoError(t, err)

	second, err := PushEnv(srcLayout, envID, remote, "")
	require.NoError(t, err)
	assert.Zero(t, second.ObjectsPushed)
	assert.Zero(t, second.LayersPushed)
	assert.Equal(t, 2, second.ObjectsSkipped)
	assert.Equal(t, 1, second.LayersSkipped)
}

func TestPullSkipsExistingBlobs(t *testing.T) {
	srcLayout, envID := setupLocalEnv(t, t.TempDir())
	remote := newMockRemote()
	_, err := PushEnv(srcLayout, envID, remote, "")
	require.NoError(t, err)

	// Pull into the same store the content came from: everything is present.
	result, err := PullEnv(srcLayout, envID, remote)
	require.NoError(t, err)
	assert.Zero(t, result.ObjectsPulled)
	assert.Zero(t, result.LayersPulled)
	assert.Equal(t, 2, result.ObjectsSkipped)
	assert.Equal(t, 1, result.LayersSkipped)
}

func TestPullTamperedObjectRejected(t *testing.T) {
	srcLayout, envID := setupLocalEnv(t, t.TempDir())
	remote := newMockRemote()
	_, err := PushEnv(srcLayout, envID, remote, "")
	require.NoError(t, err)

	// The server swaps an object's content; its key no longer matches.
	srcObjects := store.NewObjectStore(srcLayout)
	objects, err := srcObjects.List()
	require.NoError(t, err)
	require.NotEmpty(t, objects)
	tampered := objects[0]
	require.NoError(t, remote.PutBlob(BlobObject, tampered, []byte("evil content")))

	dstLayout := store.NewLayout(t.TempDir())
	require.NoError(t, dstLayout.Initialize())

	_, err = PullEnv(dstLayout, envID, remote)
	var integrity *IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, tampered, integrity.Key)

	// No partial object and no metadata record was written.
	assert.False(t, store.NewObjectStore(dstLayout).Exists(tampered))
	assert.False(t, store.NewMetadataStore(dstLayout).Exists(envID))
}

func TestPullTamperedMetadataRejected(t *testing.T) {
	srcLayout, envID := setupLocalEnv(t, t.TempDir())
	remote := newMockRemote()
	_, err := PushEnv(srcLayout, envID, remote, "")
	require.NoError(t, err)

	metaBytes, err := remote.GetBlob(BlobMetadata, envID)
	require.NoError(t, err)
	// Flip a byte inside the serialized record; the embedded checksum no
	// longer matches.
	corrupted := []byte(string(metaBytes))
	corrupted[len(corrupted)/2] ^= 0x01
	require.NoError(t, remote.PutBlob(BlobMetadata, envID, corrupted))

	dstLayout := store.NewLayout(t.TempDir())
	require.NoError(t, dstLayout.Initialize())

	_, err = PullEnv(dstLayout, envID, remote)
	require.Error(t, err)
	assert.False(t, store.NewMetadataStore(dstLayout).Exists(envID))
}

func TestRegistryPublishAndResolve(t *testing.T) {
	srcLayout, envID := setupLocalEnv(t, t.TempDir())
	remote := newMockRemote()
	_, err := PushEnv(srcLayout, envID, remote, "my-env@v1")
	require.NoError(t, err)

	resolved, err := ResolveRef(remote, "my-env@v1")
	require.NoError(t, err)
	assert.Equal(t, envID, resolved)

	_, err = ResolveRef(remote, "other@v1")
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestRegistryMergePreservesExistingEntries(t *testing.T) {
	srcLayout, envID := setupLocalEnv(t, t.TempDir())
	remote := newMockRemote()

	_, err := PushEnv(srcLayout, envID, remote, "first@latest")
	require.NoError(t, err)
	_, err = PushEnv(srcLayout, envID, remote, "second@latest")
	require.NoError(t, err)

	data, err := remote.GetRegistry()
	require.NoError(t, err)
	registry, err := RegistryFromBytes(data)
	require.NoError(t, err)
	assert.Len(t, registry.Entries, 2)
	assert.Equal(t, []string{"first@latest", "second@latest"}, registry.FindByEnvID(envID))
}

func TestParseRef(t *testing.T) {
	name, tag := ParseRef("my-env@v2")
	assert.Equal(t, "my-env", name)
	assert.Equal(t, "v2", tag)

	name, tag = ParseRef("my-env")
	assert.Equal(t, "my-env", name)
	assert.Equal(t, "latest", tag)
}

func TestLooksLikeEnvID(t *testing.T) {
	assert.True(t, LooksLikeEnvID("aabaeaeda3b27db42054f64719a16afd49e72b4fc6e8493e2fce9d862d240806"))
	assert.False(t, LooksLikeEnvID("my-env@latest"))
	assert.False(t, LooksLikeEnvID("abc123"))
	assert.False(t, LooksLikeEnvID("AABAEAEDA3B27DB42054F64719A16AFD49E72B4FC6E8493E2FCE9D862D240806"))
}

func TestRegistryRoundtrip(t *testing.T) {
	reg := NewRegistry()
	reg.Publish("my-env@latest", RegistryEntry{
		EnvID: "abc123", ShortID: "abc123", Name: "my-env", PushedAt: "2025-01-01T00:00:00Z",
	})
	data, err := reg.ToBytes()
	require.NoError(t, err)
	loaded, err := RegistryFromBytes(data)
	require.NoError(t, err)
	assert.Equal(t, reg, loaded)
	assert.Equal(t, []string{"my-env@latest"}, loaded.ListKeys())
}
