package lock

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/marcoallegretti/karapace/pkg/manifest"
	"github.com/marcoallegretti/karapace/pkg/types"
)

// ComputeEnvID computes a preliminary environment identity from unresolved
// manifest data.
//
// This is NOT the canonical identity. The canonical identity is computed by
// File.ComputeIdentity after dependency resolution, which uses the actual
// base image content digest and resolved package versions. This function is
// used only for the init command (before resolution has occurred), for the
// spec handed to the backend's resolve step during build, and for locating
// old environments during rebuild.
func ComputeEnvID(n *types.NormalizedManifest) (types.Identity, error) {
	h := blake3.New()

	canonical, err := manifest.CanonicalBytes(n)
	if err != nil {
		return types.Identity{}, fmt.Errorf("failed to serialize manifest: %w", err)
	}
	h.Write(canonical)

	baseDigest := blake3.Sum256([]byte(n.BaseImage))
	h.Write([]byte(hex.EncodeToString(baseDigest[:])))

	for _, pkg := range n.SystemPackages {
		fmt.Fprintf(h, "pkg:%s", pkg)
	}
	for _, app := range n.GUIApps {
		fmt.Fprintf(h, "app:%s", app)
	}

	if n.HardwareGPU {
		h.Write([]byte("hw:gpu"))
	}
	if n.HardwareAudio {
		h.Write([]byte("hw:audio"))
	}

	for _, m := range n.Mounts {
		fmt.Fprintf(h, "mount:%s:%s:%s", m.Label, m.HostPath, m.ContainerPath)
	}

	fmt.Fprintf(h, "backend:%s", n.RuntimeBackend)

	if n.NetworkIsolated {
		h.Write([]byte("net:isolated"))
	}
	if n.CPUShares != nil {
		fmt.Fprintf(h, "cpu:%d", *n.CPUShares)
	}
	if n.MemoryLimitMB != nil {
		fmt.Fprintf(h, "mem:%d", *n.MemoryLimitMB)
	}

	sum := h.Sum(nil)
	envID := hex.EncodeToString(sum)
	return types.Identity{EnvID: envID, ShortID: envID[:ShortIDLength]}, nil
}
