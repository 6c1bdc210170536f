package runtime

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/marcoallegretti/karapace/pkg/log"
	"github.com/marcoallegretti/karapace/pkg/types"
)

// NamespaceBackend runs environments with unprivileged user namespaces and a
// fuse-overlayfs mount. The overlay root lives under env/<env_id>: lower is a
// link into the image cache, upper collects drift, merged is the entered
// root.
type NamespaceBackend struct {
	storeRoot string
}

// NewNamespaceBackend creates a namespace backend over the given store root
func NewNamespaceBackend(storeRoot string) *NamespaceBackend {
	return &NamespaceBackend{storeRoot: storeRoot}
}

func (b *NamespaceBackend) Name() string { return "namespace" }

func (b *NamespaceBackend) Available() bool {
	return len(CheckNamespacePrereqs()) == 0
}

func (b *NamespaceBackend) Resolve(spec *Spec) (*types.Resolution, error) {
	return resolveWithImageCache(b.storeRoot, spec)
}

func (b *NamespaceBackend) Build(spec *Spec) error {
	if missing := CheckNamespacePrereqs(); len(missing) > 0 {
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
	return nil
}

func (b *NamespaceBackend) Enter(spec *Spec) error {
	_, err := b.run(spec, nil, true)
	return err
}

func (b *NamespaceBackend) Exec(spec *Spec, command []string) (*Output, error) {
	return b.run(spec, command, false)
}

func (b *NamespaceBackend) Destroy(spec *Spec) error {
	merged := filepath.Join(spec.RootPath, "merged")
	// Best effort: the overlay may not be mounted.
	_ = exec.Command("fusermount3", "-u", merged).Run()
	_ = os.Remove(filepath.Join(spec.RootPath, ".running"))
	return nil
}

func (b *NamespaceBackend) Status(envID string) (*Status, error) {
	marker := filepath.Join(b.storeRoot, "env", envID, ".running")
	data, err := os.ReadFile(marker)
	if err != nil {
		return &Status{EnvID: envID}, nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return &Status{EnvID: envID}, nil
	}
	if _, err := os.Stat(fmt.Sprintf("/proc/%d", pid)); err != nil {
		return &Status{EnvID: envID}, nil
	}
	return &Status{EnvID: envID, Running: true, PID: pid}, nil
}

// run mounts the overlay, executes the workload inside a user namespace, and
// tears the mount down again. Interactive runs inherit the terminal;
// non-interactive runs capture output.
func (b *NamespaceBackend) run(spec *Spec, command []string, interactive bool) (*Output, error) {
	if missing := CheckNamespacePrereqs(); len(missing) > 0 {
		return nil, &PrereqMissingError{Missing: missing}
	}

	lower := filepath.Join(spec.RootPath, "lower")
	upper := filepath.Join(spec.RootPath, "upper")
	work := filepath.Join(spec.RootPath, "work")
	merged := filepath.Join(spec.RootPath, "merged")

	mountArgs := []string{
		"-o", fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work),
		merged,
	}
	if out, err := exec.Command("fuse-overlayfs", mountArgs...).CombinedOutput(); err != nil {
		return nil, &ProcessError{Detail: fmt.Sprintf("overlay mount failed: %v: %s", err, strings.TrimSpace(string(out)))}
	}
	defer func() {
		if err := exec.Command("fusermount3", "-u", merged).Run(); err != nil {
			log.WithEnvID(spec.EnvID).Warn().Err(err).Msg("overlay unmount failed")
		}
	}()

	script := sandboxScript(spec, merged, command)
	cmd := exec.Command("unshare", "--user", "--mount", "--map-root-user", "--fork", "/bin/sh", "-c", script)
	cmd.Env = PolicyFromManifest(spec.Manifest).FilterEnvVars()

	marker := filepath.Join(spec.RootPath, ".running")

	if interactive {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return nil, &ProcessError{Detail: fmt.Sprintf("failed to start sandbox: %v", err)}
		}
		_ = os.WriteFile(marker, []byte(strconv.Itoa(cmd.Process.Pid)), 0o644)
		defer os.Remove(marker)
		if err := cmd.Wait(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				return &Output{ExitCode: exitErr.ExitCode()}, nil
			}
			return nil, &ProcessError{Detail: fmt.Sprintf("sandbox failed: %v", err)}
		}
		return &Output{}, nil
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, &ProcessError{Detail: fmt.Sprintf("failed to start sandbox: %v", err)}
	}
	_ = os.WriteFile(marker, []byte(strconv.Itoa(cmd.Process.Pid)), 0o644)
	defer os.Remove(marker)

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, &ProcessError{Detail: fmt.Sprintf("sandbox failed: %v", err)}
		}
	}
	return &Output{
		Stdout:   []byte(stdout.String()),
		Stderr:   []byte(stderr.String()),
		ExitCode: exitCode,
	}, nil
}

// sandboxScript assembles the in-namespace setup: declared bind mounts, then
// a chroot into the merged overlay root.
func sandboxScript(spec *Spec, merged string, command []string) string {
	var sb strings.Builder
	sb.WriteString("set -e\n")
	for _, m := range spec.Manifest.Mounts {
		target := filepath.Join(merged, strings.TrimPrefix(m.ContainerPath, "/"))
		fmt.Fprintf(&sb, "mkdir -p %s\n", shellQuote(target))
		fmt.Fprintf(&sb, "mount --bind %s %s\n", shellQuote(m.HostPath), shellQuote(target))
	}
	if len(command) == 0 {
		fmt.Fprintf(&sb, "exec chroot %s /bin/sh -l\n", shellQuote(merged))
	} else {
		quoted := make([]string, 0, len(command))
		for _, arg := range command {
			quoted = append(quoted, shellQuote(arg))
		}
		fmt.Fprintf(&sb, "exec chroot %s %s\n", shellQuote(merged), strings.Join(quoted, " "))
	}
	return sb.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// resolveWithImageCache is the shared resolution path for host-backed
// backends: base digest from the image cache, package versions pinned by
// querying the package manager inside the cached rootfs.
func resolveWithImageCache(storeRoot string, spec *Spec) (*types.Resolution, error) {
	img, err := ResolveImageRef(spec.Manifest.BaseImage)
	if err != nil {
		return nil, err
	}

	cache := NewImageCache(storeRoot)
	digest, err := cache.EnsureDigest(img)
	if err != nil {
		return nil, err
	}

	if len(spec.Manifest.SystemPackages) == 0 {
		return &types.Resolution{BaseImageDigest: digest}, nil
	}
	if spec.Offline {
		return nil, &ProcessError{Detail: "offline mode: cannot resolve system packages"}
	}

	rootfs := cache.RootfsPath(img.CacheKey)
	pkgManager := DetectPackageManager(rootfs)
	if pkgManager == "" {
		return nil, &ProcessError{Detail: "no supported package manager found in base image"}
	}

	query := QueryVersionsCommand(pkgManager, spec.Manifest.SystemPackages)
	args := append([]string{"--user", "--map-root-user", "--fork", "chroot", rootfs}, query...)
	out, err := exec.Command("unshare", args...).Output()
	if err != nil {
		return nil, &ProcessError{Detail: fmt.Sprintf("package version query failed: %v", err)}
	}

	versions := make(map[string]string)
	for _, pair := range ParseVersionOutput(pkgManager, string(out)) {
		versions[pair[0]] = pair[1]
	}

	packages := make([]types.ResolvedPackage, 0, len(spec.Manifest.SystemPackages))
	for _, name := range spec.Manifest.SystemPackages {
		version, ok := versions[name]
		if !ok {
			return nil, &ProcessError{Detail: fmt.Sprintf("package '%s' could not be resolved", name)}
		}
		packages = append(packages, types.ResolvedPackage{Name: name, Version: version})
	}

	return &types.Resolution{BaseImageDigest: digest, ResolvedPackages: packages}, nil
}
