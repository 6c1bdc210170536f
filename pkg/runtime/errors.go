package runtime

import "fmt"

// BackendUnavailableError is returned when a backend is unknown or its host
// tooling is missing
type BackendUnavailableError struct {
	Backend string
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend '%s' is not available on this system", e.Backend)
}

// MountDeniedError is returned when the security policy rejects a mount
type MountDeniedError struct {
	Reason string
}

func (e *MountDeniedError) Error() string {
	return fmt.Sprintf("mount not allowed by policy: %s", e.Reason)
}

// DeviceDeniedError is returned when hardware access is requested without the
// matching policy flag
type DeviceDeniedError struct {
	Reason string
}

func (e *DeviceDeniedError) Error() string {
	return fmt.Sprintf("device access not allowed: %s", e.Reason)
}

// ResourceLimitError is returned when requested limits exceed policy ceilings
type ResourceLimitError struct {
	Reason string
}

func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("security policy violation: %s", e.Reason)
}

// PrereqMissingError is returned when required host tooling is absent
type PrereqMissingError struct {
	Missing []Prereq
}

func (e *PrereqMissingError) Error() string {
	return fmt.Sprintf("missing prerequisites: %s", FormatMissing(e.Missing))
}

// ProcessError is returned when a container workload fails to run or exits
// unsuccessfully
type ProcessError struct {
	Detail string
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("runtime execution failed: %s", e.Detail)
}

// NotRunningError is returned when an operation requires a running
// environment
type NotRunningError struct {
	EnvID string
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("environment '%s' is not running", e.EnvID)
}

// AlreadyRunningError is returned when an environment is already running
type AlreadyRunningError struct {
	EnvID string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("environment '%s' is already running", e.EnvID)
}

// ImageNotFoundError is returned when a base image is not present in the
// local cache
type ImageNotFoundError struct {
	Image string
}

func (e *ImageNotFoundError) Error() string {
	return fmt.Sprintf("image not found: %s", e.Image)
}
