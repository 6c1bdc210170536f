package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/marcoallegretti/karapace/pkg/log"
	"github.com/marcoallegretti/karapace/pkg/types"
)

// MinPrefixLength is the shortest identifier prefix Resolve accepts
const MinPrefixLength = 4

var envNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateEnvName enforces the [A-Za-z0-9_-]{1,64} name grammar
func ValidateEnvName(name string) error {
	if name == "" || len(name) > 64 {
		return &InvalidNameError{Reason: "environment name must be 1-64 characters"}
	}
	if !envNamePattern.MatchString(name) {
		return &InvalidNameError{Reason: "environment name must match [A-Za-z0-9_-]"}
	}
	return nil
}

// MetadataStore persists one record per environment, keyed by env_id. Every
// write embeds a fresh checksum; every read verifies it.
type MetadataStore struct {
	layout *Layout
}

// NewMetadataStore creates a metadata store over the given layout
func NewMetadataStore(layout *Layout) *MetadataStore {
	return &MetadataStore{layout: layout}
}

// ComputeChecksum hashes the serialized record with the checksum field empty
func ComputeChecksum(meta *types.EnvMetadata) (string, error) {
	cp := *meta
	cp.Checksum = ""
	data, err := json.Marshal(&cp)
	if err != nil {
		return "", fmt.Errorf("failed to serialize metadata: %w", err)
	}
	return hashHex(data), nil
}

// Put writes a record atomically with a freshly computed checksum
func (s *MetadataStore) Put(meta *types.EnvMetadata) error {
	cp := *meta
	checksum, err := ComputeChecksum(&cp)
	if err != nil {
		return err
	}
	cp.Checksum = checksum

	data, err := json.MarshalIndent(&cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize metadata: %w", err)
	}
	dest := filepath.Join(s.layout.MetadataDir(), cp.EnvID)
	return writeFileAtomic(dest, data)
}

// Get reads and verifies a record. Legacy records without a checksum are
// accepted; they pick one up on the next write.
func (s *MetadataStore) Get(envID string) (*types.EnvMetadata, error) {
	path := filepath.Join(s.layout.MetadataDir(), envID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Kind: "environment", Key: envID}
		}
		return nil, fmt.Errorf("failed to read metadata %s: %w", envID, err)
	}

	var meta types.EnvMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata %s: %w", envID, err)
	}

	if meta.Checksum != "" {
		actual, err := ComputeChecksum(&meta)
		if err != nil {
			return nil, err
		}
		if actual != meta.Checksum {
			return nil, &IntegrityError{Kind: "metadata", Key: envID, Expected: meta.Checksum, Actual: actual}
		}
	}
	return &meta, nil
}

// Exists reports whether a record is present
func (s *MetadataStore) Exists(envID string) bool {
	_, err := os.Stat(filepath.Join(s.layout.MetadataDir(), envID))
	return err == nil
}

// Remove deletes a record. Removing a missing record is not an error.
func (s *MetadataStore) Remove(envID string) error {
	path := filepath.Join(s.layout.MetadataDir(), envID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove metadata %s: %w", envID, err)
	}
	return nil
}

// UpdateState rewrites a record with a new state and updated timestamp
func (s *MetadataStore) UpdateState(envID string, state types.EnvState) error {
	meta, err := s.Get(envID)
	if err != nil {
		return err
	}
	meta.State = state
	meta.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return s.Put(meta)
}

// List returns all records that pass checksum verification and
// deserialization, sorted by env_id. Corrupt entries are skipped with a
// warning.
func (s *MetadataStore) List() ([]*types.EnvMetadata, error) {
	names, err := listDir(s.layout.MetadataDir())
	if err != nil {
		return nil, err
	}
	results := make([]*types.EnvMetadata, 0, len(names))
	for _, name := range names {
		meta, err := s.Get(name)
		if err != nil {
			log.WithComponent("store").Warn().Str("env_id", name).Err(err).Msg("skipping corrupted metadata entry")
			continue
		}
		results = append(results, meta)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].EnvID < results[j].EnvID })
	return results, nil
}

// ListEntry pairs a metadata key with its read result, for verify-store
type ListEntry struct {
	EnvID string
	Meta  *types.EnvMetadata
	Err   error
}

// ListWithErrors is List without the skipping: every entry is returned,
// corrupt ones with their error, so callers can surface individual failures
func (s *MetadataStore) ListWithErrors() ([]ListEntry, error) {
	names, err := listDir(s.layout.MetadataDir())
	if err != nil {
		return nil, err
	}
	results := make([]ListEntry, 0, len(names))
	for _, name := range names {
		meta, err := s.Get(name)
		results = append(results, ListEntry{EnvID: name, Meta: meta, Err: err})
	}
	return results, nil
}

// IncrementRef bumps the reference count and returns the new value
func (s *MetadataStore) IncrementRef(envID string) (uint32, error) {
	meta, err := s.Get(envID)
	if err != nil {
		return 0, err
	}
	meta.RefCount++
	meta.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := s.Put(meta); err != nil {
		return 0, err
	}
	return meta.RefCount, nil
}

// DecrementRef lowers the reference count, saturating at zero, and returns
// the new value
func (s *MetadataStore) DecrementRef(envID string) (uint32, error) {
	meta, err := s.Get(envID)
	if err != nil {
		return 0, err
	}
	if meta.RefCount > 0 {
		meta.RefCount--
	}
	meta.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := s.Put(meta); err != nil {
		return 0, err
	}
	return meta.RefCount, nil
}

// GetByName finds a record by its human name
func (s *MetadataStore) GetByName(name string) (*types.EnvMetadata, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, meta := range all {
		if meta.Name == name {
			return meta, nil
		}
	}
	return nil, &NotFoundError{Kind: "environment", Key: fmt.Sprintf("name '%s'", name)}
}

// UpdateName sets or clears an environment's name. Names are validated and
// unique across all environments.
func (s *MetadataStore) UpdateName(envID, name string) error {
	if name != "" {
		if err := ValidateEnvName(name); err != nil {
			return err
		}
		if existing, err := s.GetByName(name); err == nil && existing.EnvID != envID {
			return &NameConflictError{Name: name, ExistingEnvID: existing.ShortID}
		}
	}
	meta, err := s.Get(envID)
	if err != nil {
		return err
	}
	meta.Name = name
	meta.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return s.Put(meta)
}

// Resolve maps a user-supplied reference to an env_id. Exact identifier match
// wins; then exact name; then a unique short-identifier prefix of at least
// MinPrefixLength characters. A prefix matching more than one environment is
// ambiguous.
func (s *MetadataStore) Resolve(ref string) (string, error) {
	if s.Exists(ref) {
		return ref, nil
	}

	all, err := s.List()
	if err != nil {
		return "", err
	}

	for _, meta := range all {
		if meta.Name != "" && meta.Name == ref {
			return meta.EnvID, nil
		}
	}

	if len(ref) >= MinPrefixLength {
		var matches []string
		for _, meta := range all {
			if strings.HasPrefix(meta.EnvID, ref) {
				matches = append(matches, meta.EnvID)
			}
		}
		switch len(matches) {
		case 1:
			return matches[0], nil
		case 0:
			// fall through to not found
		default:
			return "", &AmbiguousError{Ref: ref, Matches: matches}
		}
	}

	return "", &NotFoundError{Kind: "environment", Key: ref}
}
