package runtime

import (
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// ResolvedImage names a base image and its cache key
type ResolvedImage struct {
	CacheKey    string
	DisplayName string
	// Pinned download URL; empty for well-known aliases resolved by the
	// external fetcher.
	URL string
}

// ResolveImageRef maps a manifest base.image value to a cache key. Well-known
// aliases map to stable keys; pinned URLs hash to a key derived from the URL
// so distinct URLs never collide in the cache.
func ResolveImageRef(name string) (*ResolvedImage, error) {
	ref := strings.ToLower(strings.TrimSpace(name))
	switch ref {
	case "rolling", "opensuse", "opensuse/tumbleweed", "tumbleweed":
		return &ResolvedImage{CacheKey: "opensuse-tumbleweed", DisplayName: "openSUSE Tumbleweed"}, nil
	case "opensuse/leap", "leap":
		return &ResolvedImage{CacheKey: "opensuse-leap-15.6", DisplayName: "openSUSE Leap 15.6"}, nil
	case "ubuntu", "ubuntu/24.04", "ubuntu/noble":
		return &ResolvedImage{CacheKey: "ubuntu-noble", DisplayName: "Ubuntu 24.04 (Noble)"}, nil
	case "ubuntu/22.04", "ubuntu/jammy":
		return &ResolvedImage{CacheKey: "ubuntu-jammy", DisplayName: "Ubuntu 22.04 (Jammy)"}, nil
	case "debian", "debian/12", "debian/bookworm":
		return &ResolvedImage{CacheKey: "debian-bookworm", DisplayName: "Debian 12 (Bookworm)"}, nil
	}

	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		sum := blake3.Sum256([]byte(ref))
		return &ResolvedImage{
			CacheKey:    "url-" + hex.EncodeToString(sum[:])[:16],
			DisplayName: name,
			URL:         name,
		}, nil
	}

	return nil, &ImageNotFoundError{Image: name}
}

// ComputeImageDigest computes the content digest of an extracted rootfs. If
// the original tarball is present next to the rootfs it is hashed directly;
// otherwise a deterministic manifest of the tree is hashed.
func ComputeImageDigest(rootfs string) (string, error) {
	tarball := filepath.Join(filepath.Dir(rootfs), "rootfs.tar.xz")
	if data, err := os.ReadFile(tarball); err == nil {
		sum := blake3.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	}

	var entries []string
	err := filepath.WalkDir(rootfs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtrees are skipped, not fatal
		}
		if path == rootfs {
			return nil
		}
		rel, relErr := filepath.Rel(rootfs, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			entries = append(entries, rel+"/")
			return nil
		}
		var size int64
		if info, infoErr := d.Info(); infoErr == nil {
			size = info.Size()
		}
		entries = append(entries, fmt.Sprintf("%s:%d", rel, size))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to scan rootfs %s: %w", rootfs, err)
	}
	sort.Strings(entries)

	h := blake3.New()
	for _, e := range entries {
		h.Write([]byte(e))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DetectPackageManager identifies the package manager inside a rootfs
func DetectPackageManager(rootfs string) string {
	exists := func(rel string) bool {
		_, err := os.Stat(filepath.Join(rootfs, rel))
		return err == nil
	}
	switch {
	case exists("usr/bin/apt-get") || exists("usr/bin/apt"):
		return "apt"
	case exists("usr/bin/dnf") || exists("usr/bin/dnf5"):
		return "dnf"
	case exists("usr/bin/zypper"):
		return "zypper"
	case exists("usr/bin/pacman"):
		return "pacman"
	default:
		return ""
	}
}

// QueryVersionsCommand builds the command that reports installed package
// versions for the given package manager
func QueryVersionsCommand(pkgManager string, packages []string) []string {
	var cmd []string
	switch pkgManager {
	case "apt":
		cmd = []string{"dpkg-query", "-W", "-f", "${Package}\\t${Version}\\n"}
	case "dnf", "zypper":
		cmd = []string{"rpm", "-q", "--qf", "%{NAME}\\t%{VERSION}-%{RELEASE}\\n"}
	case "pacman":
		cmd = []string{"pacman", "-Q"}
	default:
		return nil
	}
	return append(cmd, packages...)
}

// ParseVersionOutput parses a version query's output into resolved
// name/version pairs
func ParseVersionOutput(pkgManager, output string) [][2]string {
	var results [][2]string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sep := "\t"
		if pkgManager == "pacman" {
			sep = " "
		}
		name, version, ok := strings.Cut(line, sep)
		if ok {
			results = append(results, [2]string{name, version})
		}
	}
	return results
}

// InstallPackagesCommand builds the non-interactive install command for the
// given package manager
func InstallPackagesCommand(pkgManager string, packages []string) []string {
	if len(packages) == 0 {
		return nil
	}
	var cmd []string
	switch pkgManager {
	case "apt":
		cmd = []string{"apt-get", "install", "-y", "--no-install-recommends"}
	case "dnf":
		cmd = []string{"dnf", "install", "-y", "--setopt=install_weak_deps=False"}
	case "zypper":
		cmd = []string{"zypper", "--non-interactive", "install", "--no-recommends"}
	case "pacman":
		cmd = []string{"pacman", "-S", "--noconfirm", "--needed"}
	default:
		return nil
	}
	return append(cmd, packages...)
}
