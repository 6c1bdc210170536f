package runtime

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/marcoallegretti/karapace/pkg/types"
)

// MockBackend is a fully deterministic in-process backend used by tests and
// dry runs. Resolution derives the base digest from the image name and pins
// every package at 0.0.0-mock, so identity computation is exercised end to
// end without touching the network or host tooling.
type MockBackend struct {
	mu      sync.Mutex
	running map[string]bool
}

// NewMockBackend creates a mock backend
func NewMockBackend() *MockBackend {
	return &MockBackend{running: make(map[string]bool)}
}

func (b *MockBackend) Name() string { return "mock" }

func (b *MockBackend) Available() bool { return true }

func (b *MockBackend) Resolve(spec *Spec) (*types.Resolution, error) {
	sum := blake3.Sum256([]byte("mock-image:" + spec.Manifest.BaseImage))
	packages := make([]types.ResolvedPackage, 0, len(spec.Manifest.SystemPackages))
	for _, name := range spec.Manifest.SystemPackages {
		packages = append(packages, types.ResolvedPackage{Name: name, Version: "0.0.0-mock"})
	}
	return &types.Resolution{
		BaseImageDigest:  hex.EncodeToString(sum[:]),
		ResolvedPackages: packages,
	}, nil
}

func (b *MockBackend) Build(spec *Spec) error {
	b.mu.Lock()
	b.running[spec.EnvID] = false
	b.mu.Unlock()

	for _, dir := range []string{
		spec.RootPath,
		filepath.Join(spec.RootPath, "work"),
		filepath.Join(spec.RootPath, "merged"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	// Populate the upper dir with mock content so layer capture paths are
	// exercised for real.
	upper := filepath.Join(spec.RootPath, "upper")
	if err := os.MkdirAll(upper, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", upper, err)
	}
	marker := filepath.Join(upper, ".karapace-mock")
	if err := os.WriteFile(marker, []byte("mock-env:"+spec.EnvID), 0o644); err != nil {
		return fmt.Errorf("failed to write mock marker: %w", err)
	}
	for _, pkg := range spec.Manifest.SystemPackages {
		path := filepath.Join(upper, ".pkg-"+pkg)
		if err := os.WriteFile(path, []byte(pkg+"@0.0.0-mock"), 0o644); err != nil {
			return fmt.Errorf("failed to write mock package marker: %w", err)
		}
	}
	return nil
}

func (b *MockBackend) Enter(spec *Spec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running[spec.EnvID] {
		return &AlreadyRunningError{EnvID: spec.EnvID}
	}
	b.running[spec.EnvID] = true
	return nil
}

func (b *MockBackend) Exec(spec *Spec, command []string) (*Output, error) {
	stdout := "mock-exec:"
	for _, arg := range command {
		stdout += " " + arg
	}
	return &Output{Stdout: []byte(stdout + "\n"), ExitCode: 0}, nil
}

func (b *MockBackend) Destroy(spec *Spec) error {
	b.mu.Lock()
	delete(b.running, spec.EnvID)
	b.mu.Unlock()
	return nil
}

func (b *MockBackend) Status(envID string) (*Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &Status{EnvID: envID, Running: b.running[envID]}, nil
}

// Stop marks a mock environment as no longer running. Used by tests that
// simulate the enter/stop cycle.
func (b *MockBackend) Stop(envID string) {
	b.mu.Lock()
	b.running[envID] = false
	b.mu.Unlock()
}
