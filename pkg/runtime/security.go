package runtime

import (
	"fmt"
	"os"
	"strings"

	"github.com/marcoallegretti/karapace/pkg/types"
)

// SecurityPolicy bounds what an environment may touch on the host. Derived as
// a pure function of the normalized manifest.
type SecurityPolicy struct {
	AllowedMountPrefixes []string
	AllowedDevices       []string
	AllowNetwork         bool
	AllowGPU             bool
	AllowAudio           bool
	AllowedEnvVars       []string
	DeniedEnvVars        []string
	MaxCPUShares         *uint64
	MaxMemoryMB          *uint64
}

// DefaultPolicy is the baseline: mounts only under /home and /tmp, no
// devices, no network exceptions, a small terminal-oriented env allow-list,
// and a deny-list for credential-bearing variables.
func DefaultPolicy() *SecurityPolicy {
	return &SecurityPolicy{
		AllowedMountPrefixes: []string{"/home", "/tmp"},
		AllowedEnvVars: []string{
			"TERM", "LANG", "HOME", "USER", "PATH", "SHELL", "XDG_RUNTIME_DIR",
		},
		DeniedEnvVars: []string{
			"SSH_AUTH_SOCK", "GPG_AGENT_INFO", "AWS_SECRET_ACCESS_KEY", "DOCKER_HOST",
		},
	}
}

// PolicyFromManifest derives the policy granted by a manifest's declared
// hardware and runtime flags
func PolicyFromManifest(n *types.NormalizedManifest) *SecurityPolicy {
	p := DefaultPolicy()
	p.AllowGPU = n.HardwareGPU
	p.AllowAudio = n.HardwareAudio
	p.AllowNetwork = !n.NetworkIsolated
	if n.HardwareGPU {
		p.AllowedDevices = append(p.AllowedDevices, "/dev/dri")
	}
	if n.HardwareAudio {
		p.AllowedDevices = append(p.AllowedDevices, "/dev/snd")
	}
	p.MaxCPUShares = n.CPUShares
	p.MaxMemoryMB = n.MemoryLimitMB
	return p
}

// ValidateMounts rejects absolute mount host paths outside the allowed
// prefixes. Relative paths are always permitted. Paths are resolved logically
// before checking so /home/../etc cannot slip through.
func (p *SecurityPolicy) ValidateMounts(n *types.NormalizedManifest) error {
	for _, m := range n.Mounts {
		if !strings.HasPrefix(m.HostPath, "/") {
			continue
		}
		canonical := canonicalizeLogical(m.HostPath)
		allowed := false
		for _, prefix := range p.AllowedMountPrefixes {
			if canonical == prefix || strings.HasPrefix(canonical, strings.TrimSuffix(prefix, "/")+"/") {
				allowed = true
				break
			}
		}
		if !allowed {
			return &MountDeniedError{Reason: fmt.Sprintf(
				"mount '%s' (resolved: %s) is not under any allowed prefix: %v",
				m.HostPath, canonical, p.AllowedMountPrefixes)}
		}
	}
	return nil
}

// ValidateDevices rejects hardware access the policy does not grant
func (p *SecurityPolicy) ValidateDevices(n *types.NormalizedManifest) error {
	if n.HardwareGPU && !p.AllowGPU {
		return &DeviceDeniedError{Reason: "GPU access requested but not allowed by policy"}
	}
	if n.HardwareAudio && !p.AllowAudio {
		return &DeviceDeniedError{Reason: "audio access requested but not allowed by policy"}
	}
	return nil
}

// ValidateResourceLimits rejects requests above the configured ceilings
func (p *SecurityPolicy) ValidateResourceLimits(n *types.NormalizedManifest) error {
	if n.CPUShares != nil && p.MaxCPUShares != nil && *n.CPUShares > *p.MaxCPUShares {
		return &ResourceLimitError{Reason: fmt.Sprintf(
			"requested CPU shares %d exceeds policy max %d", *n.CPUShares, *p.MaxCPUShares)}
	}
	if n.MemoryLimitMB != nil && p.MaxMemoryMB != nil && *n.MemoryLimitMB > *p.MaxMemoryMB {
		return &ResourceLimitError{Reason: fmt.Sprintf(
			"requested memory %dMB exceeds policy max %dMB", *n.MemoryLimitMB, *p.MaxMemoryMB)}
	}
	return nil
}

// FilterEnvVars returns the host environment variables that pass the
// allow-list minus the deny-list, as KEY=VALUE pairs
func (p *SecurityPolicy) FilterEnvVars() []string {
	denied := make(map[string]bool, len(p.DeniedEnvVars))
	for _, k := range p.DeniedEnvVars {
		denied[k] = true
	}
	var result []string
	for _, key := range p.AllowedEnvVars {
		if denied[key] {
			continue
		}
		if val, ok := os.LookupEnv(key); ok {
			result = append(result, key+"="+val)
		}
	}
	return result
}

// canonicalizeLogical resolves . and .. components in an absolute path
// without touching the filesystem. The path may not exist yet and symlink
// resolution must not influence the policy decision.
func canonicalizeLogical(path string) string {
	var parts []string
	for _, component := range strings.Split(path, "/") {
		switch component {
		case "", ".":
		case "..":
			if len(parts) > 0 {
				parts = parts[:len(parts)-1]
			}
		default:
			parts = append(parts, component)
		}
	}
	return "/" + strings.Join(parts, "/")
}
