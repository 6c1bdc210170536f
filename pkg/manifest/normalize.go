package manifest

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/marcoallegretti/karapace/pkg/types"
)

// Normalize validates the manifest and produces its canonical form: strings
// trimmed, package and app lists sorted and deduplicated, mounts sorted by
// label, backend lowercased. The transformation is semantic-preserving and
// idempotent.
func (m *Manifest) Normalize() (*types.NormalizedManifest, error) {
	if m.ManifestVersion != 1 {
		return nil, &UnsupportedVersionError{Version: m.ManifestVersion}
	}

	baseImage := strings.TrimSpace(m.Base.Image)
	if baseImage == "" {
		return nil, ErrEmptyBaseImage
	}

	mounts := make([]types.NormalizedMount, 0, len(m.Mounts))
	for label, spec := range m.Mounts {
		trimmedLabel := strings.TrimSpace(label)
		if trimmedLabel == "" {
			return nil, ErrEmptyMountLabel
		}
		hostPath, containerPath, err := parseMountSpec(label, spec)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, types.NormalizedMount{
			Label:         trimmedLabel,
			HostPath:      hostPath,
			ContainerPath: containerPath,
		})
	}
	sort.Slice(mounts, func(i, j int) bool { return mounts[i].Label < mounts[j].Label })

	backend := strings.ToLower(strings.TrimSpace(m.Runtime.Backend))
	if backend == "" {
		backend = DefaultBackend
	}

	return &types.NormalizedManifest{
		ManifestVersion: m.ManifestVersion,
		BaseImage:       baseImage,
		SystemPackages:  normalizeStringList(m.System.Packages),
		GUIApps:         normalizeStringList(m.GUI.Apps),
		HardwareGPU:     m.Hardware.GPU,
		HardwareAudio:   m.Hardware.Audio,
		Mounts:          mounts,
		RuntimeBackend:  backend,
		NetworkIsolated: m.Runtime.NetworkIsolation,
		CPUShares:       m.Runtime.ResourceLimits.CPUShares,
		MemoryLimitMB:   m.Runtime.ResourceLimits.MemoryLimitMB,
	}, nil
}

// CanonicalBytes returns the stable serialized form of a normalized manifest.
// The output depends only on semantic content: two manifests that normalize
// equally serialize to identical bytes.
func CanonicalBytes(n *types.NormalizedManifest) ([]byte, error) {
	return json.Marshal(n)
}

func parseMountSpec(label, spec string) (string, string, error) {
	hostRaw, containerRaw, ok := strings.Cut(spec, ":")
	if !ok || strings.Contains(containerRaw, ":") {
		return "", "", &InvalidMountError{Label: label, Spec: spec}
	}

	hostPath := strings.TrimSpace(hostRaw)
	containerPath := strings.TrimSpace(containerRaw)
	if hostPath == "" || containerPath == "" {
		return "", "", &InvalidMountError{Label: label, Spec: spec}
	}
	return hostPath, containerPath, nil
}

func normalizeStringList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	sort.Strings(out)
	// Dedup in place; the list is sorted so duplicates are adjacent.
	deduped := out[:0]
	for i, v := range out {
		if i == 0 || out[i-1] != v {
			deduped = append(deduped, v)
		}
	}
	return deduped
}
