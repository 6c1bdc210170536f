package lock

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/marcoallegretti/karapace/pkg/types"
)

// FormatVersion is the current lock file format. Incremented on incompatible
// field changes.
const FormatVersion = 2

// ShortIDLength is the length of the user-facing identifier prefix
const ShortIDLength = 12

// MismatchError is returned when a lock file's stored env_id does not match
// the identity recomputed from its fields
type MismatchError struct {
	LockID     string
	ComputedID string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("lock file env_id mismatch: lock has '%s', recomputed '%s'", e.LockID, e.ComputedID)
}

// DriftError is returned when a manifest's declared intent no longer matches
// the lock file
type DriftError struct {
	Reason string
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("lock file manifest drift: %s", e.Reason)
}

// File captures the fully resolved state of an environment.
//
// The env_id is computed deterministically from the locked fields, never from
// unresolved manifest data. Same lock content, same env_id, same environment.
type File struct {
	LockVersion int    `yaml:"lock_version"`
	EnvID       string `yaml:"env_id"`
	ShortID     string `yaml:"short_id"`

	// Base image identity
	BaseImage       string `yaml:"base_image"`
	BaseImageDigest string `yaml:"base_image_digest"`

	// Resolved dependencies (version-pinned)
	ResolvedPackages []types.ResolvedPackage `yaml:"resolved_packages"`
	ResolvedApps     []string                `yaml:"resolved_apps"`

	// Runtime policy (part of the hash contract)
	RuntimeBackend  string `yaml:"runtime_backend"`
	HardwareGPU     bool   `yaml:"hardware_gpu"`
	HardwareAudio   bool   `yaml:"hardware_audio"`
	NetworkIsolated bool   `yaml:"network_isolation"`

	// Mount policy
	Mounts []types.NormalizedMount `yaml:"mounts"`

	// Resource limits
	CPUShares     *uint64 `yaml:"cpu_shares,omitempty"`
	MemoryLimitMB *uint64 `yaml:"memory_limit_mb,omitempty"`
}

// FromResolved packs a normalized manifest and a resolution result into a
// lock file and computes its identity. Packages are re-sorted by name so the
// caller's resolution order never affects the hash.
func FromResolved(n *types.NormalizedManifest, res *types.Resolution) *File {
	packages := make([]types.ResolvedPackage, len(res.ResolvedPackages))
	copy(packages, res.ResolvedPackages)
	sort.Slice(packages, func(i, j int) bool {
		if packages[i].Name != packages[j].Name {
			return packages[i].Name < packages[j].Name
		}
		return packages[i].Version < packages[j].Version
	})

	f := &File{
		LockVersion:      FormatVersion,
		BaseImage:        n.BaseImage,
		BaseImageDigest:  res.BaseImageDigest,
		ResolvedPackages: packages,
		ResolvedApps:     append([]string{}, n.GUIApps...),
		RuntimeBackend:   n.RuntimeBackend,
		HardwareGPU:      n.HardwareGPU,
		HardwareAudio:    n.HardwareAudio,
		NetworkIsolated:  n.NetworkIsolated,
		Mounts:           append([]types.NormalizedMount{}, n.Mounts...),
		CPUShares:        n.CPUShares,
		MemoryLimitMB:    n.MemoryLimitMB,
	}

	id := f.ComputeIdentity()
	f.EnvID = id.EnvID
	f.ShortID = id.ShortID
	return f
}

// ComputeIdentity computes the canonical environment identity from the locked
// state. This is the one place the identity token stream is defined: it uses
// only resolved, pinned data, never unresolved package names or image tags,
// and never overlay state, timestamps, or store paths.
func (f *File) ComputeIdentity() types.Identity {
	h := blake3.New()

	// Base image: content digest, not tag name
	fmt.Fprintf(h, "base_digest:%s", f.BaseImageDigest)

	// Resolved packages: name@version (sorted)
	for _, pkg := range f.ResolvedPackages {
		fmt.Fprintf(h, "pkg:%s@%s", pkg.Name, pkg.Version)
	}

	// Apps (sorted by normalize)
	for _, app := range f.ResolvedApps {
		fmt.Fprintf(h, "app:%s", app)
	}

	// Hardware policy
	if f.HardwareGPU {
		h.Write([]byte("hw:gpu"))
	}
	if f.HardwareAudio {
		h.Write([]byte("hw:audio"))
	}

	// Mount policy (sorted by label in normalize)
	for _, m := range f.Mounts {
		fmt.Fprintf(h, "mount:%s:%s:%s", m.Label, m.HostPath, m.ContainerPath)
	}

	// Runtime backend
	fmt.Fprintf(h, "backend:%s", f.RuntimeBackend)

	// Network isolation
	if f.NetworkIsolated {
		h.Write([]byte("net:isolated"))
	}

	// Resource limits
	if f.CPUShares != nil {
		fmt.Fprintf(h, "cpu:%d", *f.CPUShares)
	}
	if f.MemoryLimitMB != nil {
		fmt.Fprintf(h, "mem:%d", *f.MemoryLimitMB)
	}

	sum := h.Sum(nil)
	envID := hex.EncodeToString(sum)
	return types.Identity{
		EnvID:   envID,
		ShortID: envID[:ShortIDLength],
	}
}

// VerifyIntegrity checks that the stored env_id matches the identity
// recomputed from the lock fields
func (f *File) VerifyIntegrity() (types.Identity, error) {
	id := f.ComputeIdentity()
	if f.EnvID != id.EnvID {
		return types.Identity{}, &MismatchError{LockID: f.EnvID, ComputedID: id.EnvID}
	}
	return id, nil
}

// VerifyManifestIntent checks that a manifest's declared intent still matches
// this lock file, catching the case where the manifest changed but the lock
// was not regenerated.
func (f *File) VerifyManifestIntent(n *types.NormalizedManifest) error {
	if f.BaseImage != n.BaseImage {
		return &DriftError{Reason: fmt.Sprintf(
			"base image changed: lock has '%s', manifest has '%s'", f.BaseImage, n.BaseImage)}
	}
	if f.RuntimeBackend != n.RuntimeBackend {
		return &DriftError{Reason: fmt.Sprintf(
			"runtime backend changed: lock has '%s', manifest has '%s'", f.RuntimeBackend, n.RuntimeBackend)}
	}

	locked := make(map[string]bool, len(f.ResolvedPackages))
	for _, pkg := range f.ResolvedPackages {
		locked[pkg.Name] = true
	}
	for _, pkg := range n.SystemPackages {
		if !locked[pkg] {
			return &DriftError{Reason: fmt.Sprintf(
				"package '%s' is in manifest but not in lock file. Run 'karapace build' to re-resolve.", pkg)}
		}
	}

	if f.HardwareGPU != n.HardwareGPU || f.HardwareAudio != n.HardwareAudio {
		return &DriftError{Reason: "hardware policy changed. Run 'karapace build' to re-resolve."}
	}

	return nil
}

// WriteFile atomically persists the lock next to the manifest: write to a
// temp file in the same directory, fsync, rename into place.
func (f *File) WriteFile(path string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to serialize lock file: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".karapace-lock-*")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync lock file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close lock file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to finalize lock file: %w", err)
	}

	// Fsync the directory so the rename survives power loss.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// ReadFile loads a lock file
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	return &f, nil
}
