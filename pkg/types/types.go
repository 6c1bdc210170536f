package types

// EnvState represents the lifecycle state of an environment
type EnvState string

const (
	EnvStateDefined  EnvState = "defined"
	EnvStateBuilt    EnvState = "built"
	EnvStateRunning  EnvState = "running"
	EnvStateFrozen   EnvState = "frozen"
	EnvStateArchived EnvState = "archived"
)

// Identity is the deterministic identity of an environment, derived from its
// fully resolved lock content. EnvID is 64 hex characters; ShortID is the
// first 12, used for display and prefix lookup.
type Identity struct {
	EnvID   string `json:"env_id"`
	ShortID string `json:"short_id"`
}

// NormalizedManifest is the canonical, sorted, deduplicated representation of
// a parsed manifest. All optional fields are resolved to defaults, packages
// are sorted, and mounts are validated. This is the input to identity hashing
// and lock file generation.
type NormalizedManifest struct {
	ManifestVersion int               `json:"manifest_version" yaml:"manifest_version"`
	BaseImage       string            `json:"base_image" yaml:"base_image"`
	SystemPackages  []string          `json:"system_packages" yaml:"system_packages"`
	GUIApps         []string          `json:"gui_apps" yaml:"gui_apps"`
	HardwareGPU     bool              `json:"hardware_gpu" yaml:"hardware_gpu"`
	HardwareAudio   bool              `json:"hardware_audio" yaml:"hardware_audio"`
	Mounts          []NormalizedMount `json:"mounts" yaml:"mounts"`
	RuntimeBackend  string            `json:"runtime_backend" yaml:"runtime_backend"`
	NetworkIsolated bool              `json:"network_isolation" yaml:"network_isolation"`
	CPUShares       *uint64           `json:"cpu_shares" yaml:"cpu_shares"`
	MemoryLimitMB   *uint64           `json:"memory_limit_mb" yaml:"memory_limit_mb"`
}

// NormalizedMount is a validated bind-mount specification
type NormalizedMount struct {
	Label         string `json:"label" yaml:"label"`
	HostPath      string `json:"host_path" yaml:"host_path"`
	ContainerPath string `json:"container_path" yaml:"container_path"`
}

// ResolvedPackage is a package with its version pinned by backend resolution
type ResolvedPackage struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

// Resolution is the result of dependency resolution against a base image
type Resolution struct {
	// Content hash (blake3) of the extracted base image root tree,
	// not a hash of the tag or URL.
	BaseImageDigest string
	// Resolved packages with pinned versions.
	ResolvedPackages []ResolvedPackage
}

// LayerKind classifies a layer manifest
type LayerKind string

const (
	LayerKindBase       LayerKind = "base"
	LayerKindDependency LayerKind = "dependency"
	LayerKindPolicy     LayerKind = "policy"
	LayerKindSnapshot   LayerKind = "snapshot"
)

// LayerManifest describes a tar archive stored as an object, plus the objects
// it references. Layers are keyed by the content hash of their serialized
// form; snapshot layers use a composite hash so a replayed base layer cannot
// masquerade as a snapshot of an environment.
type LayerManifest struct {
	Hash       string    `json:"hash"`
	Kind       LayerKind `json:"kind"`
	Parent     string    `json:"parent,omitempty"`
	ObjectRefs []string  `json:"object_refs"`
	ReadOnly   bool      `json:"read_only"`
	// blake3 hash of the tar archive with this layer's filesystem content.
	TarHash string `json:"tar_hash"`
}

// EnvMetadata is the per-environment record tracked by the metadata store.
// Checksum is the blake3 hash of the serialized record with the checksum
// field empty; it is recomputed on every write and verified on every read.
type EnvMetadata struct {
	EnvID            string   `json:"env_id"`
	ShortID          string   `json:"short_id"`
	Name             string   `json:"name,omitempty"`
	State            EnvState `json:"state"`
	ManifestHash     string   `json:"manifest_hash"`
	BaseLayer        string   `json:"base_layer"`
	DependencyLayers []string `json:"dependency_layers"`
	PolicyLayer      string   `json:"policy_layer,omitempty"`
	CreatedAt        string   `json:"created_at"`
	UpdatedAt        string   `json:"updated_at"`
	RefCount         uint32   `json:"ref_count"`
	Checksum         string   `json:"checksum,omitempty"`
}
