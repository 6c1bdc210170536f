package store

import "fmt"

// NotFoundError is returned when a store entity does not exist.
// Kind is one of "object", "layer", "environment", "wal".
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

// IntegrityError is returned when content fails its hash or checksum check.
// Integrity failures are fatal to the operation and are never retried.
type IntegrityError struct {
	Kind     string
	Key      string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s '%s': expected %s, got %s",
		e.Kind, e.Key, e.Expected, e.Actual)
}

// VersionMismatchError rejects all store access when the on-disk format
// version differs from the engine's. There is no auto-migration.
type VersionMismatchError struct {
	Expected int
	Found    int
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("store format version mismatch: expected %d, found %d", e.Expected, e.Found)
}

// InvalidNameError is returned for environment names outside [A-Za-z0-9_-]{1,64}
type InvalidNameError struct {
	Reason string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("invalid environment name: %s", e.Reason)
}

// NameConflictError is returned when a name is already taken by another
// environment
type NameConflictError struct {
	Name          string
	ExistingEnvID string
}

func (e *NameConflictError) Error() string {
	return fmt.Sprintf("name '%s' is already used by environment %s", e.Name, e.ExistingEnvID)
}

// AmbiguousError is returned when a short-identifier prefix matches more than
// one environment
type AmbiguousError struct {
	Ref     string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("reference '%s' is ambiguous: matches %d environments", e.Ref, len(e.Matches))
}
