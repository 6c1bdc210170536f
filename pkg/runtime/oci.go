package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/marcoallegretti/karapace/pkg/types"
)

// OCIBackend runs environments through an OCI runtime (runc or crun). The
// bundle lives under env/<env_id>/oci with the merged overlay directory as
// its root filesystem.
type OCIBackend struct {
	storeRoot string
}

// NewOCIBackend creates an OCI backend over the given store root
func NewOCIBackend(storeRoot string) *OCIBackend {
	return &OCIBackend{storeRoot: storeRoot}
}

func (b *OCIBackend) Name() string { return "oci" }

func (b *OCIBackend) Available() bool {
	return len(CheckOCIPrereqs()) == 0
}

func (b *OCIBackend) Resolve(spec *Spec) (*types.Resolution, error) {
	return resolveWithImageCache(b.storeRoot, spec)
}

func (b *OCIBackend) Build(spec *Spec) error {
	if missing := CheckOCIPrereqs(); len(missing) > 0 {
		return &PrereqMissingError{Missing: missing}
	}

	img, err := ResolveImageRef(spec.Manifest.BaseImage)
	if err != nil {
		return err
	}
	cache := NewImageCache(b.storeRoot)
	if !cache.IsCached(img.CacheKey) {
		return &ImageNotFoundError{Image: img.DisplayName}
	}

	for _, dir := range []string{
		filepath.Join(spec.RootPath, "upper"),
		filepath.Join(spec.RootPath, "work"),
		filepath.Join(spec.RootPath, "merged"),
		filepath.Join(spec.RootPath, "oci"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	lower := filepath.Join(spec.RootPath, "lower")
	if _, err := os.Lstat(lower); err == nil {
		if err := os.Remove(lower); err != nil {
			return fmt.Errorf("failed to replace lower link: %w", err)
		}
	}
	if err := os.Symlink(cache.RootfsPath(img.CacheKey), lower); err != nil {
		return fmt.Errorf("failed to link lower dir: %w", err)
	}

	// Generate a rootless spec once; the runtime reads it on every run.
	bundle := filepath.Join(spec.RootPath, "oci")
	if _, err := os.Stat(filepath.Join(bundle, "config.json")); os.IsNotExist(err) {
		cmd := exec.Command(b.runtimeBinary(), "spec", "--rootless")
		cmd.Dir = bundle
		if out, err := cmd.CombinedOutput(); err != nil {
			return &ProcessError{Detail: fmt.Sprintf("failed to generate OCI spec: %v: %s", err, strings.TrimSpace(string(out)))}
		}
	}
	return nil
}

func (b *OCIBackend) Enter(spec *Spec) error {
	cmd := exec.Command(b.runtimeBinary(), "run",
		"--bundle", filepath.Join(spec.RootPath, "oci"), b.containerID(spec.EnvID))
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = PolicyFromManifest(spec.Manifest).FilterEnvVars()
	if err := cmd.Run(); err != nil {
		return &ProcessError{Detail: fmt.Sprintf("OCI run failed: %v", err)}
	}
	return nil
}

func (b *OCIBackend) Exec(spec *Spec, command []string) (*Output, error) {
	args := append([]string{"run",
		"--bundle", filepath.Join(spec.RootPath, "oci"), b.containerID(spec.EnvID)}, command...)
	cmd := exec.Command(b.runtimeBinary(), args...)
	cmd.Env = PolicyFromManifest(spec.Manifest).FilterEnvVars()

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, &ProcessError{Detail: fmt.Sprintf("OCI run failed: %v", err)}
		}
	}
	return &Output{
		Stdout:   []byte(stdout.String()),
		Stderr:   []byte(stderr.String()),
		ExitCode: exitCode,
	}, nil
}

func (b *OCIBackend) Destroy(spec *Spec) error {
	// Best effort: the container may not exist.
	_ = exec.Command(b.runtimeBinary(), "delete", "-f", b.containerID(spec.EnvID)).Run()
	return nil
}

func (b *OCIBackend) Status(envID string) (*Status, error) {
	out, err := exec.Command(b.runtimeBinary(), "state", b.containerID(envID)).Output()
	if err != nil {
		return &Status{EnvID: envID}, nil
	}
	var state struct {
		Status string `json:"status"`
		Pid    int    `json:"pid"`
	}
	if err := json.Unmarshal(out, &state); err != nil {
		return &Status{EnvID: envID}, nil
	}
	return &Status{
		EnvID:   envID,
		Running: state.Status == "running",
		PID:     state.Pid,
	}, nil
}

func (b *OCIBackend) runtimeBinary() string {
	if binaryExists("runc") {
		return "runc"
	}
	return "crun"
}

func (b *OCIBackend) containerID(envID string) string {
	return "karapace-" + envID[:12]
}
