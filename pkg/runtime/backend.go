package runtime

import (
	"github.com/marcoallegretti/karapace/pkg/types"
)

// Spec is everything a backend needs to act on one environment
type Spec struct {
	EnvID     string
	RootPath  string
	StoreRoot string
	Manifest  *types.NormalizedManifest
	Offline   bool
}

// Status reports whether an environment's workload is alive
type Status struct {
	EnvID   string
	Running bool
	PID     int
}

// Output carries the result of a non-interactive exec
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Backend is the capability set the engine relies on. Implementations run
// the actual workloads; the engine never touches namespaces or overlay
// mounts directly.
type Backend interface {
	Name() string

	Available() bool

	// Resolve identifies the base image and pins exact versions for each
	// requested package. May read from the local image cache or the network.
	Resolve(spec *Spec) (*types.Resolution, error)

	// Build creates the environment directory structure (lower, upper, work,
	// merged) and any backend-private state.
	Build(spec *Spec) error

	// Enter runs an interactive shell in the environment.
	Enter(spec *Spec) error

	// Exec runs a non-interactive command and captures its output.
	Exec(spec *Spec, command []string) (*Output, error)

	// Destroy tears down backend-private state for the environment.
	Destroy(spec *Spec) error

	Status(envID string) (*Status, error)
}

// Select maps a normalized backend name to an implementation. Pure: the same
// name always selects the same backend.
func Select(name, storeRoot string) (Backend, error) {
	switch name {
	case "namespace":
		return NewNamespaceBackend(storeRoot), nil
	case "oci":
		return NewOCIBackend(storeRoot), nil
	case "mock":
		return NewMockBackend(), nil
	default:
		return nil, &BackendUnavailableError{Backend: name}
	}
}
