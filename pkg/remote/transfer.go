package remote

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/marcoallegretti/karapace/pkg/store"
	"github.com/marcoallegretti/karapace/pkg/types"
)

// PushResult summarizes a push operation
type PushResult struct {
	ObjectsPushed  int `json:"objects_pushed"`
	LayersPushed   int `json:"layers_pushed"`
	ObjectsSkipped int `json:"objects_skipped"`
	LayersSkipped  int `json:"layers_skipped"`
}

// PullResult summarizes a pull operation
type PullResult struct {
	EnvID          string `json:"env_id"`
	ObjectsPulled  int    `json:"objects_pulled"`
	LayersPulled   int    `json:"layers_pulled"`
	ObjectsSkipped int    `json:"objects_skipped"`
	LayersSkipped  int    `json:"layers_skipped"`
}

// PushEnv transfers an environment (metadata, layers, objects) to a remote
// store, skipping blobs the remote already has. Metadata goes last so a
// partially pushed environment never looks complete. With a non-empty
// registryTag the registry index is merged and republished.
func PushEnv(layout *store.Layout, envID string, backend Backend, registryTag string) (*PushResult, error) {
	metaStore := store.NewMetadataStore(layout)
	layerStore := store.NewLayerStore(layout)
	objectStore := store.NewObjectStore(layout)

	meta, err := metaStore.Get(envID)
	if err != nil {
		return nil, err
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize metadata: %w", err)
	}

	layerHashes := append([]string{meta.BaseLayer}, meta.DependencyLayers...)
	if meta.PolicyLayer != "" {
		layerHashes = append(layerHashes, meta.PolicyLayer)
	}

	var objectHashes []string
	if meta.ManifestHash != "" {
		objectHashes = append(objectHashes, meta.ManifestHash)
	}
	layers := make(map[string]*types.LayerManifest, len(layerHashes))
	for _, lh := range layerHashes {
		layer, err := layerStore.Get(lh)
		if err != nil {
			return nil, err
		}
		layers[lh] = layer
		objectHashes = append(objectHashes, layer.ObjectRefs...)
	}
	objectHashes = dedupeSorted(objectHashes)

	result := &PushResult{}

	for _, hash := range objectHashes {
		present, err := backend.HasBlob(BlobObject, hash)
		if err != nil {
			return nil, err
		}
		if present {
			result.ObjectsSkipped++
			continue
		}
		data, err := objectStore.Get(hash)
		if err != nil {
			return nil, err
		}
		if err := backend.PutBlob(BlobObject, hash, data); err != nil {
			return nil, err
		}
		result.ObjectsPushed++
	}

	for _, lh := range layerHashes {
		present, err := backend.HasBlob(BlobLayer, lh)
		if err != nil {
			return nil, err
		}
		if present {
			result.LayersSkipped++
			continue
		}
		data, err := json.MarshalIndent(layers[lh], "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to serialize layer: %w", err)
		}
		if err := backend.PutBlob(BlobLayer, lh, data); err != nil {
			return nil, err
		}
		result.LayersPushed++
	}

	if err := backend.PutBlob(BlobMetadata, envID, metaJSON); err != nil {
		return nil, err
	}

	if registryTag != "" {
		registry := NewRegistry()
		if data, err := backend.GetRegistry(); err == nil {
			if parsed, parseErr := RegistryFromBytes(data); parseErr == nil {
				registry = parsed
			}
		}
		registry.Publish(registryTag, RegistryEntry{
			EnvID:    meta.EnvID,
			ShortID:  meta.ShortID,
			Name:     meta.Name,
			PushedAt: time.Now().UTC().Format(time.RFC3339),
		})
		regBytes, err := registry.ToBytes()
		if err != nil {
			return nil, err
		}
		if err := backend.PutRegistry(regBytes); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// PullEnv transfers an environment from a remote store into the local store.
// Every downloaded object is re-hashed against its key before it is written;
// a mismatch aborts the pull with no partial write. Metadata is committed
// locally only after every referenced blob is present.
func PullEnv(layout *store.Layout, envID string, backend Backend) (*PullResult, error) {
	metaStore := store.NewMetadataStore(layout)
	layerStore := store.NewLayerStore(layout)
	objectStore := store.NewObjectStore(layout)

	metaBytes, err := backend.GetBlob(BlobMetadata, envID)
	if err != nil {
		return nil, err
	}
	var meta types.EnvMetadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}
	if meta.Checksum != "" {
		actual, err := store.ComputeChecksum(&meta)
		if err != nil {
			return nil, err
		}
		if actual != meta.Checksum {
			return nil, &IntegrityError{
				Key:      "metadata:" + envID,
				Expected: meta.Checksum,
				Actual:   actual,
			}
		}
	}

	layerHashes := append([]string{meta.BaseLayer}, meta.DependencyLayers...)
	if meta.PolicyLayer != "" {
		layerHashes = append(layerHashes, meta.PolicyLayer)
	}

	result := &PullResult{EnvID: meta.EnvID}
	var objectHashes []string
	if meta.ManifestHash != "" {
		objectHashes = append(objectHashes, meta.ManifestHash)
	}

	for _, lh := range layerHashes {
		if layerStore.Exists(lh) {
			layer, err := layerStore.Get(lh)
			if err != nil {
				return nil, err
			}
			objectHashes = append(objectHashes, layer.ObjectRefs...)
			result.LayersSkipped++
			continue
		}
		data, err := backend.GetBlob(BlobLayer, lh)
		if err != nil {
			return nil, err
		}
		var layer types.LayerManifest
		if err := json.Unmarshal(data, &layer); err != nil {
			return nil, fmt.Errorf("invalid layer: %w", err)
		}
		objectHashes = append(objectHashes, layer.ObjectRefs...)
		computed, err := store.ComputeLayerHash(&layer)
		if err != nil {
			return nil, err
		}
		if computed != lh {
			return nil, &IntegrityError{Key: lh, Expected: lh, Actual: computed}
		}
		if _, err := layerStore.Put(&layer); err != nil {
			return nil, err
		}
		result.LayersPulled++
	}
	objectHashes = dedupeSorted(objectHashes)

	for _, hash := range objectHashes {
		if objectStore.Exists(hash) {
			result.ObjectsSkipped++
			continue
		}
		data, err := backend.GetBlob(BlobObject, hash)
		if err != nil {
			return nil, err
		}
		actual := store.HashBytes(data)
		if actual != hash {
			return nil, &IntegrityError{Key: hash, Expected: hash, Actual: actual}
		}
		if _, err := objectStore.Put(data); err != nil {
			return nil, err
		}
		result.ObjectsPulled++
	}

	if err := metaStore.Put(&meta); err != nil {
		return nil, err
	}
	return result, nil
}

// ResolveRef resolves a name@tag registry reference to an env_id
func ResolveRef(backend Backend, reference string) (string, error) {
	regBytes, err := backend.GetRegistry()
	if err != nil {
		return "", err
	}
	registry, err := RegistryFromBytes(regBytes)
	if err != nil {
		return "", err
	}
	name, tag := ParseRef(reference)
	key := name + "@" + tag
	entry, ok := registry.Lookup(key)
	if !ok {
		return "", &NotFoundError{Key: "registry key '" + key + "'"}
	}
	return entry.EnvID, nil
}

func dedupeSorted(values []string) []string {
	sort.Strings(values)
	out := values[:0]
	for i, v := range values {
		if i == 0 || values[i-1] != v {
			out = append(out, v)
		}
	}
	return out
}
