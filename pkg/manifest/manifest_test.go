package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullManifest = `
manifest_version: 1
base:
  image: rolling
system:
  packages: [clang, cmake, git]
gui:
  apps: [ide, debugger]
hardware:
  gpu: true
  audio: true
mounts:
  workspace: "./:/workspace"
runtime:
  backend: oci
  network_isolation: true
  resource_limits:
    cpu_shares: 1024
    memory_limit_mb: 4096
`

func TestParseFullManifest(t *testing.T) {
	m, err := Parse([]byte(fullManifest))
	require.NoError(t, err)

	assert.Equal(t, 1, m.ManifestVersion)
	assert.Equal(t, "rolling", m.Base.Image)
	assert.Len(t, m.System.Packages, 3)
	assert.Equal(t, "oci", m.Runtime.Backend)
	assert.True(t, m.Runtime.NetworkIsolation)
	require.NotNil(t, m.Runtime.ResourceLimits.CPUShares)
	assert.Equal(t, uint64(1024), *m.Runtime.ResourceLimits.CPUShares)
}

func TestParseMinimalManifest(t *testing.T) {
	m, err := Parse([]byte("manifest_version: 1\nbase:\n  image: rolling\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultBackend, m.Runtime.Backend)
	assert.False(t, m.Runtime.NetworkIsolation)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	input := "manifest_version: 1\nbase:\n  image: rolling\n  unknown_field: true\n"
	_, err := Parse([]byte(input))
	require.Error(t, err)
	assert.IsType(t, &UnknownFieldError{}, err)
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("manifest_version: [unclosed"))
	require.Error(t, err)
	assert.IsType(t, &ParseError{}, err)
}

func TestNormalizeSortsAndDeduplicates(t *testing.T) {
	input := `
manifest_version: 1
base:
  image: rolling
system:
  packages: [git, cmake, git, clang]
gui:
  apps: [debugger, ide]
mounts:
  workspace: "./:/workspace"
  cache: "~/.cache:/cache"
`
	m, err := Parse([]byte(input))
	require.NoError(t, err)
	n, err := m.Normalize()
	require.NoError(t, err)

	assert.Equal(t, []string{"clang", "cmake", "git"}, n.SystemPackages)
	assert.Equal(t, []string{"debugger", "ide"}, n.GUIApps)
	require.Len(t, n.Mounts, 2)
	assert.Equal(t, "cache", n.Mounts[0].Label)
	assert.Equal(t, "workspace", n.Mounts[1].Label)
	assert.Equal(t, "namespace", n.RuntimeBackend)
}

func TestNormalizeLowercasesBackend(t *testing.T) {
	m, err := Parse([]byte("manifest_version: 1\nbase:\n  image: rolling\nruntime:\n  backend: OCI\n"))
	require.NoError(t, err)
	n, err := m.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "oci", n.RuntimeBackend)
}

func TestNormalizeRejectsUnsupportedVersion(t *testing.T) {
	m, err := Parse([]byte("manifest_version: 2\nbase:\n  image: rolling\n"))
	require.NoError(t, err)
	_, err = m.Normalize()
	require.Error(t, err)
	assert.IsType(t, &UnsupportedVersionError{}, err)
}

func TestNormalizeRejectsEmptyBaseImage(t *testing.T) {
	m, err := Parse([]byte("manifest_version: 1\nbase:\n  image: \"   \"\n"))
	require.NoError(t, err)
	_, err = m.Normalize()
	assert.ErrorIs(t, err, ErrEmptyBaseImage)
}

func TestNormalizeRejectsInvalidMounts(t *testing.T) {
	tests := []struct {
		name string
		spec string
	}{
		{name: "no separator", spec: "./no-colon"},
		{name: "empty host", spec: ":/container"},
		{name: "empty container", spec: "/host:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := "manifest_version: 1\nbase:\n  image: rolling\nmounts:\n  bad: \"" + tt.spec + "\"\n"
			m, err := Parse([]byte(input))
			require.NoError(t, err)
			_, err = m.Normalize()
			require.Error(t, err)
			assert.IsType(t, &InvalidMountError{}, err)
		})
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	m, err := Parse([]byte(fullManifest))
	require.NoError(t, err)
	n1, err := m.Normalize()
	require.NoError(t, err)

	// Normalizing an already-normalized manifest changes nothing: feed the
	// normalized values back through a manifest and compare.
	m2 := &Manifest{
		ManifestVersion: n1.ManifestVersion,
		Base:            BaseSection{Image: n1.BaseImage},
		System:          SystemSection{Packages: n1.SystemPackages},
		GUI:             GUISection{Apps: n1.GUIApps},
		Hardware:        HardwareSection{GPU: n1.HardwareGPU, Audio: n1.HardwareAudio},
		Mounts:          map[string]string{"workspace": "./:/workspace"},
		Runtime: RuntimeSection{
			Backend:          n1.RuntimeBackend,
			NetworkIsolation: n1.NetworkIsolated,
			ResourceLimits:   ResourceLimits{CPUShares: n1.CPUShares, MemoryLimitMB: n1.MemoryLimitMB},
		},
	}
	n2, err := m2.Normalize()
	require.NoError(t, err)
	assert.Equal(t, n1, n2)
}

func TestCanonicalBytesIndependentOfDeclarationOrder(t *testing.T) {
	a, err := Parse([]byte("manifest_version: 1\nbase:\n  image: rolling\nsystem:\n  packages: [git, clang]\n"))
	require.NoError(t, err)
	b, err := Parse([]byte("manifest_version: 1\nbase:\n  image: rolling\nsystem:\n  packages: [clang, git]\n"))
	require.NoError(t, err)

	na, err := a.Normalize()
	require.NoError(t, err)
	nb, err := b.Normalize()
	require.NoError(t, err)

	ba, err := CanonicalBytes(na)
	require.NoError(t, err)
	bb, err := CanonicalBytes(nb)
	require.NoError(t, err)
	assert.Equal(t, ba, bb)
}

func TestCanonicalBytesStable(t *testing.T) {
	m, err := Parse([]byte(fullManifest))
	require.NoError(t, err)
	n, err := m.Normalize()
	require.NoError(t, err)

	b1, err := CanonicalBytes(n)
	require.NoError(t, err)
	b2, err := CanonicalBytes(n)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}

func TestParseFileMissing(t *testing.T) {
	_, err := ParseFile("/nonexistent/karapace.yaml")
	assert.Error(t, err)
}
