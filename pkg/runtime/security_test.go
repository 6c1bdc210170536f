package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcoallegretti/karapace/pkg/types"
)

func uintPtr(v uint64) *uint64 { return &v }

func manifestWithMount(host, container string) *types.NormalizedManifest {
	return &types.NormalizedManifest{
		ManifestVersion: 1,
		BaseImage:       "rolling",
		RuntimeBackend:  "namespace",
		Mounts:          []types.NormalizedMount{{Label: "m", HostPath: host, ContainerPath: container}},
	}
}

func TestDefaultPolicyDeniesGPU(t *testing.T) {
	n := &types.NormalizedManifest{BaseImage: "rolling", HardwareGPU: true}
	assert.Error(t, DefaultPolicy().ValidateDevices(n))
}

func TestManifestDerivedPolicyAllowsDeclaredHardware(t *testing.T) {
	n := &types.NormalizedManifest{BaseImage: "rolling", HardwareGPU: true, HardwareAudio: true}
	p := PolicyFromManifest(n)
	assert.NoError(t, p.ValidateDevices(n))
	assert.True(t, p.AllowGPU)
	assert.True(t, p.AllowAudio)
	assert.Contains(t, p.AllowedDevices, "/dev/dri")
	assert.Contains(t, p.AllowedDevices, "/dev/snd")
}

func TestNetworkFollowsIsolationFlag(t *testing.T) {
	isolated := &types.NormalizedManifest{BaseImage: "rolling", NetworkIsolated: true}
	assert.False(t, PolicyFromManifest(isolated).AllowNetwork)
	open := &types.NormalizedManifest{BaseImage: "rolling"}
	assert.True(t, PolicyFromManifest(open).AllowNetwork)
}

func TestMountValidation(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		allowed bool
	}{
		{"home subtree", "/home/user/src", true},
		{"tmp subtree", "/tmp/scratch", true},
		{"relative always allowed", "./", true},
		{"tilde treated as relative", "~/.cache", true},
		{"etc shadow", "/etc/shadow", false},
		{"root", "/", false},
		{"proc escape", "/proc/self/root", false},
		{"dotdot traversal", "/../etc/shadow", false},
		{"prefix breakout", "/home/../etc/passwd", false},
		{"dot segments collapse", "/home/./user/../user/src", true},
	}
	policy := DefaultPolicy()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := policy.ValidateMounts(manifestWithMount(tt.host, "/data"))
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.IsType(t, &MountDeniedError{}, err)
			}
		})
	}
}

func TestResourceLimitCeilings(t *testing.T) {
	n := &types.NormalizedManifest{
		BaseImage: "rolling",
		CPUShares: uintPtr(2048), MemoryLimitMB: uintPtr(8192),
	}
	p := PolicyFromManifest(n)
	assert.NoError(t, p.ValidateResourceLimits(n))

	p.MaxCPUShares = uintPtr(1024)
	assert.Error(t, p.ValidateResourceLimits(n))

	p.MaxCPUShares = uintPtr(4096)
	p.MaxMemoryMB = uintPtr(4096)
	assert.Error(t, p.ValidateResourceLimits(n))
}

func TestFilterEnvVarsRespectsDenyList(t *testing.T) {
	t.Setenv("TERM", "xterm-256color")
	t.Setenv("SSH_AUTH_SOCK", "/run/user/1000/ssh-agent")

	p := DefaultPolicy()
	// The deny-list wins even when a variable also appears in the allow-list.
	p.AllowedEnvVars = append(p.AllowedEnvVars, "SSH_AUTH_SOCK")

	vars := p.FilterEnvVars()
	assert.Contains(t, vars, "TERM=xterm-256color")
	for _, kv := range vars {
		assert.NotContains(t, kv, "SSH_AUTH_SOCK")
	}
}

func TestCanonicalizeLogical(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/home/user", "/home/user"},
		{"/home/../etc", "/etc"},
		{"/../..", "/"},
		{"/home/./user/", "/home/user"},
		{"/a//b", "/a/b"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, canonicalizeLogical(tt.in), tt.in)
	}
}
