package store

import (
	"fmt"
	"os"

	"github.com/marcoallegretti/karapace/pkg/types"
)

// GcReport lists what garbage collection found and, outside dry-run mode,
// removed
type GcReport struct {
	OrphanedEnvs    []string `json:"orphaned_envs"`
	OrphanedLayers  []string `json:"orphaned_layers"`
	OrphanedObjects []string `json:"orphaned_objects"`
	RemovedEnvs     int      `json:"removed_envs"`
	RemovedLayers   int      `json:"removed_layers"`
	RemovedObjects  int      `json:"removed_objects"`
}

// GarbageCollector removes unreachable environments, layers, and objects.
//
// Reachability rules:
//   - an environment is eligible when its ref-count is zero and its state is
//     neither running nor archived
//   - layers referenced by any live environment are retained, as are snapshot
//     layers whose parent is a retained layer
//   - objects referenced by any retained layer or by a live environment's
//     manifest hash are retained
type GarbageCollector struct {
	layout *Layout
}

// NewGarbageCollector creates a collector over the given layout
func NewGarbageCollector(layout *Layout) *GarbageCollector {
	return &GarbageCollector{layout: layout}
}

// Collect runs a full mark-and-sweep. In dry-run mode targets are reported
// but nothing is deleted.
func (g *GarbageCollector) Collect(dryRun bool) (*GcReport, error) {
	return g.CollectWithCancel(dryRun, func() bool { return false })
}

// CollectWithCancel is Collect with a cooperative cancellation check,
// consulted at loop boundaries only, never mid-delete.
func (g *GarbageCollector) CollectWithCancel(dryRun bool, shouldStop func() bool) (*GcReport, error) {
	metaStore := NewMetadataStore(g.layout)
	layerStore := NewLayerStore(g.layout)
	objectStore := NewObjectStore(g.layout)

	report := &GcReport{}

	allMeta, err := metaStore.List()
	if err != nil {
		return nil, err
	}

	liveLayers := make(map[string]bool)
	liveObjects := make(map[string]bool)

	for _, meta := range allMeta {
		if meta.RefCount == 0 && meta.State != types.EnvStateRunning && meta.State != types.EnvStateArchived {
			report.OrphanedEnvs = append(report.OrphanedEnvs, meta.EnvID)
			continue
		}
		liveLayers[meta.BaseLayer] = true
		for _, dep := range meta.DependencyLayers {
			liveLayers[dep] = true
		}
		if meta.PolicyLayer != "" {
			liveLayers[meta.PolicyLayer] = true
		}
		// Manifest object is directly referenced by metadata.
		if meta.ManifestHash != "" {
			liveObjects[meta.ManifestHash] = true
		}
	}

	allLayers, err := layerStore.List()
	if err != nil {
		return nil, err
	}

	// Preserve snapshot layers whose parent is a live layer. Without this,
	// snapshots created by commit would be collected as orphans.
	for _, layerHash := range allLayers {
		if liveLayers[layerHash] {
			continue
		}
		layer, err := layerStore.Get(layerHash)
		if err != nil {
			continue
		}
		if layer.Kind == types.LayerKindSnapshot && layer.Parent != "" && liveLayers[layer.Parent] {
			liveLayers[layerHash] = true
		}
	}

	for _, layerHash := range allLayers {
		if liveLayers[layerHash] {
			if layer, err := layerStore.Get(layerHash); err == nil {
				for _, ref := range layer.ObjectRefs {
					liveObjects[ref] = true
				}
			}
		} else {
			report.OrphanedLayers = append(report.OrphanedLayers, layerHash)
		}
	}

	allObjects, err := objectStore.List()
	if err != nil {
		return nil, err
	}
	for _, objHash := range allObjects {
		if !liveObjects[objHash] {
			report.OrphanedObjects = append(report.OrphanedObjects, objHash)
		}
	}

	if dryRun {
		return report, nil
	}

	for _, envID := range report.OrphanedEnvs {
		if shouldStop() {
			return report, nil
		}
		envPath := g.layout.EnvPath(envID)
		if err := os.RemoveAll(envPath); err != nil {
			return report, fmt.Errorf("failed to remove environment directory %s: %w", envPath, err)
		}
		if err := metaStore.Remove(envID); err != nil {
			return report, err
		}
		report.RemovedEnvs++
	}

	for _, layerHash := range report.OrphanedLayers {
		if shouldStop() {
			return report, nil
		}
		if err := layerStore.Remove(layerHash); err != nil {
			return report, err
		}
		report.RemovedLayers++
	}

	for _, objHash := range report.OrphanedObjects {
		if shouldStop() {
			return report, nil
		}
		if err := objectStore.Remove(objHash); err != nil {
			return report, err
		}
		report.RemovedObjects++
	}

	return report, nil
}
