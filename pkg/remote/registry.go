package remote

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// RegistryEntry maps a published tag to an environment
type RegistryEntry struct {
	EnvID    string `json:"env_id"`
	ShortID  string `json:"short_id"`
	Name     string `json:"name,omitempty"`
	PushedAt string `json:"pushed_at"`
}

// Registry is the remote-store index: name@tag keys to environment entries,
// e.g. "my-env@latest" → {env_id: "abc...", ...}
type Registry struct {
	Entries map[string]RegistryEntry `json:"entries"`
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{Entries: make(map[string]RegistryEntry)}
}

// RegistryFromBytes parses a registry index
func RegistryFromBytes(data []byte) (*Registry, error) {
	var r Registry
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("invalid registry: %w", err)
	}
	if r.Entries == nil {
		r.Entries = make(map[string]RegistryEntry)
	}
	return &r, nil
}

// ToBytes serializes the registry index
func (r *Registry) ToBytes() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Publish inserts or updates an entry under a name@tag key
func (r *Registry) Publish(key string, entry RegistryEntry) {
	r.Entries[key] = entry
}

// Lookup finds an entry by key
func (r *Registry) Lookup(key string) (RegistryEntry, bool) {
	entry, ok := r.Entries[key]
	return entry, ok
}

// ListKeys returns all keys, sorted
func (r *Registry) ListKeys() []string {
	keys := make([]string, 0, len(r.Entries))
	for k := range r.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FindByEnvID returns every key published for an env_id
func (r *Registry) FindByEnvID(envID string) []string {
	var keys []string
	for k, v := range r.Entries {
		if v.EnvID == envID {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// ParseRef splits a reference like "name@tag" into name and tag. A bare name
// defaults to tag "latest".
func ParseRef(reference string) (string, string) {
	if name, tag, ok := strings.Cut(reference, "@"); ok {
		return name, tag
	}
	return reference, "latest"
}
