package runtime

import (
	"os"
	"os/exec"
	"strings"
)

// Prereq names a missing host capability and how to get it
type Prereq struct {
	Name string
	Hint string
}

// SkipPrereqs reports whether prerequisite checks are bypassed via
// KARAPACE_SKIP_PREREQS
func SkipPrereqs() bool {
	v := os.Getenv("KARAPACE_SKIP_PREREQS")
	return v == "1" || strings.EqualFold(v, "true")
}

// CheckNamespacePrereqs verifies the host tooling needed by the namespace
// backend
func CheckNamespacePrereqs() []Prereq {
	if SkipPrereqs() {
		return nil
	}
	var missing []Prereq
	if !binaryExists("fuse-overlayfs") {
		missing = append(missing, Prereq{Name: "fuse-overlayfs", Hint: "install the fuse-overlayfs package"})
	}
	if !binaryExists("unshare") {
		missing = append(missing, Prereq{Name: "unshare", Hint: "install util-linux"})
	}
	if !binaryExists("newuidmap") || !binaryExists("newgidmap") {
		missing = append(missing, Prereq{Name: "newuidmap/newgidmap", Hint: "install uidmap (shadow-utils)"})
	}
	if _, err := os.Stat("/proc/sys/kernel/unprivileged_userns_clone"); err == nil {
		if data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone"); err == nil &&
			strings.TrimSpace(string(data)) == "0" {
			missing = append(missing, Prereq{
				Name: "unprivileged user namespaces",
				Hint: "enable kernel.unprivileged_userns_clone",
			})
		}
	}
	return missing
}

// CheckOCIPrereqs verifies the host tooling needed by the OCI backend
func CheckOCIPrereqs() []Prereq {
	if SkipPrereqs() {
		return nil
	}
	var missing []Prereq
	if !binaryExists("runc") && !binaryExists("crun") {
		missing = append(missing, Prereq{Name: "runc or crun", Hint: "install an OCI runtime"})
	}
	return missing
}

// FormatMissing renders a missing-prerequisite list for error messages
func FormatMissing(missing []Prereq) string {
	parts := make([]string, 0, len(missing))
	for _, m := range missing {
		parts = append(parts, m.Name+" ("+m.Hint+")")
	}
	return strings.Join(parts, ", ")
}

func binaryExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
