package runtime

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcoallegretti/karapace/pkg/types"
)

func TestSelectBackends(t *testing.T) {
	for _, name := range []string{"namespace", "oci", "mock"} {
		backend, err := Select(name, t.TempDir())
		require.NoError(t, err, name)
		assert.Equal(t, name, backend.Name())
	}

	_, err := Select("nonexistent", t.TempDir())
	require.Error(t, err)
	assert.IsType(t, &BackendUnavailableError{}, err)
}

func TestResolveImageRef(t *testing.T) {
	tests := []struct {
		ref      string
		cacheKey string
	}{
		{"rolling", "opensuse-tumbleweed"},
		{"Tumbleweed", "opensuse-tumbleweed"},
		{"ubuntu/24.04", "ubuntu-noble"},
		{"ubuntu/jammy", "ubuntu-jammy"},
		{"debian", "debian-bookworm"},
	}
	for _, tt := range tests {
		img, err := ResolveImageRef(tt.ref)
		require.NoError(t, err, tt.ref)
		assert.Equal(t, tt.cacheKey, img.CacheKey)
	}
}

func TestResolveImageRefPinnedURL(t *testing.T) {
	img, err := ResolveImageRef("https://example.com/rootfs.tar.xz")
	require.NoError(t, err)
	assert.NotEmpty(t, img.URL)
	assert.Contains(t, img.CacheKey, "url-")

	other, err := ResolveImageRef("https://example.com/other.tar.xz")
	require.NoError(t, err)
	assert.NotEqual(t, img.CacheKey, other.CacheKey)
}

func TestResolveImageRefUnknownFails(t *testing.T) {
	_, err := ResolveImageRef("no-such-distro")
	require.Error(t, err)
	assert.IsType(t, &ImageNotFoundError{}, err)
}

func TestComputeImageDigestDeterministic(t *testing.T) {
	rootfs := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(rootfs, "usr", "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rootfs, "usr", "bin", "sh"), []byte("#!"), 0o755))

	d1, err := ComputeImageDigest(rootfs)
	require.NoError(t, err)
	d2, err := ComputeImageDigest(rootfs)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 64)

	require.NoError(t, os.WriteFile(filepath.Join(rootfs, "extra"), []byte("x"), 0o644))
	d3, err := ComputeImageDigest(rootfs)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}

func TestDetectPackageManager(t *testing.T) {
	rootfs := t.TempDir()
	assert.Empty(t, DetectPackageManager(rootfs))

	require.NoError(t, os.MkdirAll(filepath.Join(rootfs, "usr", "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rootfs, "usr", "bin", "zypper"), nil, 0o755))
	assert.Equal(t, "zypper", DetectPackageManager(rootfs))
}

func TestQueryAndInstallCommands(t *testing.T) {
	packages := []string{"git", "curl"}

	query := QueryVersionsCommand("pacman", packages)
	assert.Equal(t, []string{"pacman", "-Q", "git", "curl"}, query)
	assert.Equal(t, "dpkg-query", QueryVersionsCommand("apt", packages)[0])
	assert.Equal(t, "rpm", QueryVersionsCommand("dnf", packages)[0])
	assert.Nil(t, QueryVersionsCommand("unknown", packages))

	install := InstallPackagesCommand("zypper", packages)
	assert.Contains(t, install, "--non-interactive")
	assert.Contains(t, install, "git")
	assert.Nil(t, InstallPackagesCommand("zypper", nil))
	assert.Nil(t, InstallPackagesCommand("unknown", packages))
}

func TestParseVersionOutput(t *testing.T) {
	tests := []struct {
		name       string
		pkgManager string
		output     string
		want       [][2]string
	}{
		{
			name:       "pacman",
			pkgManager: "pacman",
			output:     "git 2.44.0-1\ncurl 8.6.0-1\n",
			want:       [][2]string{{"git", "2.44.0-1"}, {"curl", "8.6.0-1"}},
		},
		{
			name:       "apt",
			pkgManager: "apt",
			output:     "git\t1:2.39.2-1.1\n",
			want:       [][2]string{{"git", "1:2.39.2-1.1"}},
		},
		{
			name:       "empty",
			pkgManager: "pacman",
			output:     "\n\n",
			want:       nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseVersionOutput(tt.pkgManager, tt.output))
		})
	}
}

func TestSkipPrereqs(t *testing.T) {
	t.Setenv("KARAPACE_SKIP_PREREQS", "1")
	assert.True(t, SkipPrereqs())
	assert.Empty(t, CheckNamespacePrereqs())
	assert.Empty(t, CheckOCIPrereqs())

	t.Setenv("KARAPACE_SKIP_PREREQS", "")
	assert.False(t, SkipPrereqs())
}

func TestMockResolveDeterministic(t *testing.T) {
	backend := NewMockBackend()
	spec := &Spec{
		EnvID: "env1",
		Manifest: &types.NormalizedManifest{
			BaseImage:      "rolling",
			SystemPackages: []string{"git", "clang"},
		},
	}

	r1, err := backend.Resolve(spec)
	require.NoError(t, err)
	r2, err := backend.Resolve(spec)
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
	assert.Len(t, r1.BaseImageDigest, 64)
	require.Len(t, r1.ResolvedPackages, 2)
	assert.Equal(t, "0.0.0-mock", r1.ResolvedPackages[0].Version)

	spec.Manifest.BaseImage = "ubuntu"
	r3, err := backend.Resolve(spec)
	require.NoError(t, err)
	assert.NotEqual(t, r1.BaseImageDigest, r3.BaseImageDigest)
}

func TestMockBuildPopulatesUpper(t *testing.T) {
	backend := NewMockBackend()
	root := filepath.Join(t.TempDir(), "envroot")
	spec := &Spec{
		EnvID:    "env1",
		RootPath: root,
		Manifest: &types.NormalizedManifest{BaseImage: "rolling", SystemPackages: []string{"git"}},
	}
	require.NoError(t, backend.Build(spec))

	assert.FileExists(t, filepath.Join(root, "upper", ".karapace-mock"))
	assert.FileExists(t, filepath.Join(root, "upper", ".pkg-git"))
	assert.DirExists(t, filepath.Join(root, "work"))
	assert.DirExists(t, filepath.Join(root, "merged"))
}

func TestMockEnterTracksRunning(t *testing.T) {
	backend := NewMockBackend()
	spec := &Spec{EnvID: "env1", RootPath: t.TempDir(), Manifest: &types.NormalizedManifest{BaseImage: "rolling"}}
	require.NoError(t, backend.Build(spec))
	require.NoError(t, backend.Enter(spec))

	status, err := backend.Status("env1")
	require.NoError(t, err)
	assert.True(t, status.Running)

	assert.Error(t, backend.Enter(spec), "double enter is rejected")

	backend.Stop("env1")
	status, err = backend.Status("env1")
	require.NoError(t, err)
	assert.False(t, status.Running)
}

func TestMockExecEchoesCommand(t *testing.T) {
	backend := NewMockBackend()
	spec := &Spec{EnvID: "env1", Manifest: &types.NormalizedManifest{BaseImage: "rolling"}}
	out, err := backend.Exec(spec, []string{"echo", "hi"})
	require.NoError(t, err)
	assert.Zero(t, out.ExitCode)
	assert.Contains(t, string(out.Stdout), "mock-exec: echo hi")
}

func TestImageCacheDigestRecorded(t *testing.T) {
	storeRoot := t.TempDir()
	cache := NewImageCache(storeRoot)
	img := &ResolvedImage{CacheKey: "test-image", DisplayName: "Test Image"}

	// Not cached yet.
	_, err := cache.EnsureDigest(img)
	require.Error(t, err)
	assert.IsType(t, &ImageNotFoundError{}, err)

	rootfs := cache.RootfsPath(img.CacheKey)
	require.NoError(t, os.MkdirAll(filepath.Join(rootfs, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rootfs, "etc", "os-release"), []byte("ID=test"), 0o644))

	d1, err := cache.EnsureDigest(img)
	require.NoError(t, err)
	assert.Len(t, d1, 64)

	// The recorded digest is returned without rescanning, even if the
	// rootfs changes underneath.
	require.NoError(t, os.WriteFile(filepath.Join(rootfs, "etc", "extra"), []byte("y"), 0o644))
	d2, err := cache.EnsureDigest(img)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	require.NoError(t, cache.Forget(img.CacheKey))
	d3, err := cache.EnsureDigest(img)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}

func TestImageCacheLookupMissing(t *testing.T) {
	cache := NewImageCache(t.TempDir())
	digest, err := cache.LookupDigest("never-recorded")
	require.NoError(t, err)
	assert.Empty(t, digest)
}
