package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrEmptyBaseImage is returned when base.image is missing or blank
	ErrEmptyBaseImage = errors.New("base.image must not be empty")

	// ErrEmptyMountLabel is returned when a mount label is blank
	ErrEmptyMountLabel = errors.New("mount label must not be empty")
)

// UnsupportedVersionError is returned for any manifest_version other than 1
type UnsupportedVersionError struct {
	Version int
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported manifest_version: %d, expected 1", e.Version)
}

// InvalidMountError is returned for a mount spec that is not
// "<host>:<container>" with both sides non-empty
type InvalidMountError struct {
	Label string
	Spec  string
}

func (e *InvalidMountError) Error() string {
	return fmt.Sprintf("invalid mount declaration for '%s': '%s', expected '<host>:<container>'", e.Label, e.Spec)
}

// ParseError wraps a YAML decoding failure. Unknown keys are reported as
// UnknownFieldError instead.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse manifest: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// UnknownFieldError is returned when the manifest declares a key outside the
// recognized grammar
type UnknownFieldError struct {
	Err error
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown manifest field: %v", e.Err)
}

func (e *UnknownFieldError) Unwrap() error { return e.Err }

// Manifest is the declarative environment description, version 1.
// Unknown keys are rejected at parse time.
type Manifest struct {
	ManifestVersion int             `yaml:"manifest_version"`
	Base            BaseSection     `yaml:"base"`
	System          SystemSection   `yaml:"system"`
	GUI             GUISection      `yaml:"gui"`
	Hardware        HardwareSection `yaml:"hardware"`
	Mounts          map[string]string `yaml:"mounts"`
	Runtime         RuntimeSection  `yaml:"runtime"`
}

// BaseSection declares the base image: an identifier or a pinned URL
type BaseSection struct {
	Image string `yaml:"image"`
}

// SystemSection declares system packages to resolve and install
type SystemSection struct {
	Packages []string `yaml:"packages"`
}

// GUISection declares graphical applications
type GUISection struct {
	Apps []string `yaml:"apps"`
}

// HardwareSection declares hardware passthrough flags
type HardwareSection struct {
	GPU   bool `yaml:"gpu"`
	Audio bool `yaml:"audio"`
}

// RuntimeSection declares backend selection and runtime policy
type RuntimeSection struct {
	Backend          string         `yaml:"backend"`
	NetworkIsolation bool           `yaml:"network_isolation"`
	ResourceLimits   ResourceLimits `yaml:"resource_limits"`
}

// ResourceLimits bounds the environment's resource usage
type ResourceLimits struct {
	CPUShares     *uint64 `yaml:"cpu_shares"`
	MemoryLimitMB *uint64 `yaml:"memory_limit_mb"`
}

// DefaultBackend is used when the manifest omits runtime.backend
const DefaultBackend = "namespace"

// Parse decodes a manifest from YAML bytes, rejecting unknown keys
func Parse(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if strings.Contains(err.Error(), "not found in type") {
			return nil, &UnknownFieldError{Err: err}
		}
		return nil, &ParseError{Err: err}
	}
	if m.Runtime.Backend == "" {
		m.Runtime.Backend = DefaultBackend
	}
	return &m, nil
}

// ParseFile reads and parses a manifest file
func ParseFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	return Parse(data)
}
