package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marcoallegretti/karapace/pkg/lock"
	"github.com/marcoallegretti/karapace/pkg/log"
	"github.com/marcoallegretti/karapace/pkg/manifest"
	"github.com/marcoallegretti/karapace/pkg/runtime"
	"github.com/marcoallegretti/karapace/pkg/store"
	"github.com/marcoallegretti/karapace/pkg/types"
)

// LockFileName is written next to the manifest after a successful build
const LockFileName = "karapace.lock"

// Engine is the central orchestrator for environment lifecycle: it ties
// manifest parsing, the content-addressed store, the WAL, and runtime
// backends into build, enter, exec, stop, commit, restore, destroy, gc, and
// transfer operations.
//
// Every mutating operation acquires the store lock on entry and registers a
// WAL entry before its first side effect.
type Engine struct {
	layout     *store.Layout
	metaStore  *store.MetadataStore
	objStore   *store.ObjectStore
	layerStore *store.LayerStore
	wal        *store.WriteAheadLog
}

// BuildResult reports a successful build
type BuildResult struct {
	Identity types.Identity
	LockFile *lock.File
}

// BuildOptions tune build behavior
type BuildOptions struct {
	// Locked refuses to build when the manifest drifted from karapace.lock
	// or resolution yields a different identity.
	Locked bool
	// Offline forbids network access; package resolution fails unless the
	// manifest declares no packages.
	Offline bool
	// RequirePinnedImage rejects base images that are not pinned URLs.
	RequirePinnedImage bool
}

// New creates an engine rooted at the given store directory.
//
// Construction runs WAL recovery: incomplete entries from previous runs are
// rolled back, oldest first, and stale running markers are cleared. Recovery
// mutates the store, so it is skipped when another process holds the store
// lock.
func New(storeRoot string) *Engine {
	layout := store.NewLayout(storeRoot)
	e := &Engine{
		layout:     layout,
		metaStore:  store.NewMetadataStore(layout),
		objStore:   store.NewObjectStore(layout),
		layerStore: store.NewLayerStore(layout),
		wal:        store.NewWriteAheadLog(layout),
	}

	logger := log.WithComponent("engine")
	storeLock, err := TryAcquireStoreLock(layout.LockFile())
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("store lock check failed; skipping WAL recovery")
	case storeLock == nil:
		logger.Debug().Msg("store lock held; skipping WAL recovery and stale marker cleanup")
	default:
		defer storeLock.Release()
		if _, err := e.wal.Recover(); err != nil {
			logger.Warn().Err(err).Msg("WAL recovery failed")
		}
		e.clearStaleRunningMarkers()
	}
	return e
}

// Layout exposes the store layout for inspection commands
func (e *Engine) Layout() *store.Layout { return e.layout }

// Resolve maps a user-supplied reference (env_id, name, or short-id prefix)
// to a full env_id
func (e *Engine) Resolve(ref string) (string, error) {
	return e.metaStore.Resolve(ref)
}

// Inspect returns the metadata record for a subject
func (e *Engine) Inspect(ref string) (*types.EnvMetadata, error) {
	envID, err := e.metaStore.Resolve(ref)
	if err != nil {
		return nil, err
	}
	return e.metaStore.Get(envID)
}

// List returns all environment records
func (e *Engine) List() ([]*types.EnvMetadata, error) {
	return e.metaStore.List()
}

// Init registers an environment from a manifest without building it and
// writes a preliminary lock file. Versions are marked unresolved until the
// first build.
func (e *Engine) Init(manifestPath string) (*BuildResult, error) {
	if err := e.layout.Initialize(); err != nil {
		return nil, err
	}

	normalized, err := e.loadManifestFile(manifestPath)
	if err != nil {
		return nil, err
	}

	identity, err := lock.ComputeEnvID(normalized)
	if err != nil {
		return nil, err
	}

	storeLock, err := AcquireStoreLock(e.layout.LockFile())
	if err != nil {
		return nil, err
	}
	defer storeLock.Release()

	if !e.metaStore.Exists(identity.EnvID) {
		canonical, err := manifest.CanonicalBytes(normalized)
		if err != nil {
			return nil, err
		}
		manifestHash, err := e.objStore.Put(canonical)
		if err != nil {
			return nil, err
		}

		now := time.Now().UTC().Format(time.RFC3339)
		meta := &types.EnvMetadata{
			EnvID:        identity.EnvID,
			ShortID:      identity.ShortID,
			State:        types.EnvStateDefined,
			ManifestHash: manifestHash,
			CreatedAt:    now,
			UpdatedAt:    now,
			RefCount:     1,
		}
		if err := e.metaStore.Put(meta); err != nil {
			return nil, err
		}
	}

	preliminary := &types.Resolution{
		BaseImageDigest: store.HashBytes([]byte("unresolved:" + normalized.BaseImage)),
	}
	for _, name := range normalized.SystemPackages {
		preliminary.ResolvedPackages = append(preliminary.ResolvedPackages,
			types.ResolvedPackage{Name: name, Version: "unresolved"})
	}
	lockFile := lock.FromResolved(normalized, preliminary)
	if err := lockFile.WriteFile(lockPathFor(manifestPath)); err != nil {
		return nil, err
	}

	return &BuildResult{Identity: identity, LockFile: lockFile}, nil
}

// Build resolves, locks, and materializes an environment from a manifest
func (e *Engine) Build(manifestPath string) (*BuildResult, error) {
	return e.BuildWithOptions(manifestPath, BuildOptions{})
}

// BuildWithOptions is Build with explicit options
func (e *Engine) BuildWithOptions(manifestPath string, options BuildOptions) (*BuildResult, error) {
	logger := log.WithComponent("engine")
	logger.Info().Str("manifest", manifestPath).Msg("building environment")

	if err := e.layout.Initialize(); err != nil {
		return nil, err
	}

	normalized, err := e.loadManifestFile(manifestPath)
	if err != nil {
		return nil, err
	}

	if options.Offline && len(normalized.SystemPackages) > 0 {
		return nil, &runtime.ProcessError{Detail: "offline mode: cannot resolve system packages"}
	}
	if options.RequirePinnedImage &&
		!strings.HasPrefix(normalized.BaseImage, "http://") &&
		!strings.HasPrefix(normalized.BaseImage, "https://") {
		return nil, fmt.Errorf("base image is not pinned: '%s' (expected http(s)://...)", normalized.BaseImage)
	}

	lockPath := lockPathFor(manifestPath)
	var existingLock *lock.File
	if options.Locked {
		existingLock, err = lock.ReadFile(lockPath)
		if err != nil {
			return nil, err
		}
		if _, err := existingLock.VerifyIntegrity(); err != nil {
			return nil, err
		}
		if err := existingLock.VerifyManifestIntent(normalized); err != nil {
			return nil, err
		}
	}

	policy := runtime.PolicyFromManifest(normalized)
	if err := policy.ValidateMounts(normalized); err != nil {
		return nil, err
	}
	if err := policy.ValidateDevices(normalized); err != nil {
		return nil, err
	}
	if err := policy.ValidateResourceLimits(normalized); err != nil {
		return nil, err
	}

	backend, err := runtime.Select(normalized.RuntimeBackend, e.layout.Root())
	if err != nil {
		return nil, err
	}

	preliminary, err := lock.ComputeEnvID(normalized)
	if err != nil {
		return nil, err
	}
	resolution, err := backend.Resolve(&runtime.Spec{
		EnvID:     preliminary.EnvID,
		RootPath:  e.layout.EnvPath(preliminary.EnvID),
		StoreRoot: e.layout.Root(),
		Manifest:  normalized,
		Offline:   options.Offline,
	})
	if err != nil {
		return nil, err
	}
	logger.Debug().
		Int("packages", len(resolution.ResolvedPackages)).
		Str("base_digest", resolution.BaseImageDigest[:12]).
		Msg("resolution complete")

	lockFile := lock.FromResolved(normalized, resolution)
	identity := lockFile.ComputeIdentity()

	if existingLock != nil && existingLock.EnvID != identity.EnvID {
		return nil, &lock.DriftError{Reason: fmt.Sprintf(
			"locked mode: lock env_id '%s' does not match resolved env_id '%s'",
			existingLock.EnvID, identity.EnvID)}
	}

	logger.Info().Str("env_id", identity.EnvID).Str("short_id", identity.ShortID).Msg("canonical identity")

	storeLock, err := AcquireStoreLock(e.layout.LockFile())
	if err != nil {
		return nil, err
	}
	defer storeLock.Release()

	if err := e.wal.Initialize(); err != nil {
		return nil, err
	}
	opID, err := e.wal.Begin(store.WalOpBuild, identity.EnvID)
	if err != nil {
		return nil, err
	}

	result, err := e.runBuild(opID, manifestPath, lockPath, normalized, backend, lockFile, identity, options)
	if err != nil {
		// Undo partial effects now rather than waiting for startup recovery.
		if rbErr := e.wal.Rollback(opID); rbErr != nil {
			logger.Warn().Err(rbErr).Msg("local rollback failed; entry left for startup recovery")
		}
		return nil, err
	}

	if err := e.wal.Commit(opID); err != nil {
		return nil, err
	}
	return result, nil
}

// runBuild performs the side-effecting part of a build under an open WAL
// entry. Every side effect registers its rollback step first.
func (e *Engine) runBuild(
	opID, manifestPath, lockPath string,
	normalized *types.NormalizedManifest,
	backend runtime.Backend,
	lockFile *lock.File,
	identity types.Identity,
	options BuildOptions,
) (*BuildResult, error) {
	canonical, err := manifest.CanonicalBytes(normalized)
	if err != nil {
		return nil, err
	}
	manifestHash := store.HashBytes(canonical)
	if !e.objStore.Exists(manifestHash) {
		objPath := filepath.Join(e.layout.ObjectsDir(), manifestHash)
		if err := e.wal.AddRollbackStep(opID, store.RemoveFile(objPath)); err != nil {
			return nil, err
		}
	}
	if _, err := e.objStore.Put(canonical); err != nil {
		return nil, err
	}

	envDir := e.layout.EnvPath(identity.EnvID)
	if _, statErr := os.Stat(envDir); os.IsNotExist(statErr) {
		if err := e.wal.AddRollbackStep(opID, store.RemoveDir(envDir)); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(envDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create environment directory: %w", err)
	}

	metaPath := filepath.Join(e.layout.MetadataDir(), identity.EnvID)
	metaExisted := e.metaStore.Exists(identity.EnvID)
	if !metaExisted {
		if err := e.wal.AddRollbackStep(opID, store.RemoveFile(metaPath)); err != nil {
			return nil, err
		}
	}

	// A new environment exists as Defined from here until the overlay is
	// built; an existing record keeps its state until the build succeeds.
	now := time.Now().UTC().Format(time.RFC3339)
	meta := &types.EnvMetadata{
		EnvID:        identity.EnvID,
		ShortID:      identity.ShortID,
		State:        types.EnvStateDefined,
		ManifestHash: manifestHash,
		CreatedAt:    now,
		UpdatedAt:    now,
		RefCount:     1,
	}
	if metaExisted {
		existing, err := e.metaStore.Get(identity.EnvID)
		if err != nil {
			return nil, err
		}
		if err := ValidateTransition(existing.State, types.EnvStateBuilt); err != nil {
			return nil, err
		}
		meta.Name = existing.Name
		meta.CreatedAt = existing.CreatedAt
		meta.RefCount = existing.RefCount
	} else if err := e.metaStore.Put(meta); err != nil {
		return nil, err
	}

	if err := backend.Build(&runtime.Spec{
		EnvID:     identity.EnvID,
		RootPath:  envDir,
		StoreRoot: e.layout.Root(),
		Manifest:  normalized,
		Offline:   options.Offline,
	}); err != nil {
		return nil, err
	}

	// Capture the built upper dir as the base layer tar.
	upperDir := e.layout.UpperDir(identity.EnvID)
	var buildTar []byte
	if _, err := os.Stat(upperDir); err == nil {
		buildTar, err = store.PackLayer(upperDir)
		if err != nil {
			return nil, err
		}
	}
	tarHash := store.HashBytes(buildTar)
	if !e.objStore.Exists(tarHash) {
		objPath := filepath.Join(e.layout.ObjectsDir(), tarHash)
		if err := e.wal.AddRollbackStep(opID, store.RemoveFile(objPath)); err != nil {
			return nil, err
		}
	}
	if _, err := e.objStore.Put(buildTar); err != nil {
		return nil, err
	}

	baseLayer := &types.LayerManifest{
		Hash:       tarHash,
		Kind:       types.LayerKindBase,
		ObjectRefs: []string{tarHash},
		ReadOnly:   true,
		TarHash:    tarHash,
	}
	layerHash, err := store.ComputeLayerHash(baseLayer)
	if err != nil {
		return nil, err
	}
	if !e.layerStore.Exists(layerHash) {
		layerPath := filepath.Join(e.layout.LayersDir(), layerHash)
		if err := e.wal.AddRollbackStep(opID, store.RemoveFile(layerPath)); err != nil {
			return nil, err
		}
	}
	if _, err := e.layerStore.Put(baseLayer); err != nil {
		return nil, err
	}

	meta.State = types.EnvStateBuilt
	meta.BaseLayer = layerHash
	meta.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := e.metaStore.Put(meta); err != nil {
		return nil, err
	}

	// Persist the lock next to the manifest. In locked mode the existing
	// file already matches the resolved identity.
	if !options.Locked {
		if err := lockFile.WriteFile(lockPath); err != nil {
			return nil, err
		}
	}

	return &BuildResult{Identity: identity, LockFile: lockFile}, nil
}

// Rebuild builds the manifest's current content and, only after success,
// destroys the previously built environment when the identity changed. A
// build failure leaves the old environment untouched.
func (e *Engine) Rebuild(manifestPath string) (*BuildResult, error) {
	return e.RebuildWithOptions(manifestPath, BuildOptions{})
}

// RebuildWithOptions is Rebuild with explicit options
func (e *Engine) RebuildWithOptions(manifestPath string, options BuildOptions) (*BuildResult, error) {
	var oldEnvIDs []string
	if lockFile, err := lock.ReadFile(lockPathFor(manifestPath)); err == nil {
		if e.metaStore.Exists(lockFile.EnvID) {
			oldEnvIDs = append(oldEnvIDs, lockFile.EnvID)
		}
	}
	if len(oldEnvIDs) == 0 {
		if normalized, err := e.loadManifestFile(manifestPath); err == nil {
			if identity, err := lock.ComputeEnvID(normalized); err == nil && e.metaStore.Exists(identity.EnvID) {
				oldEnvIDs = append(oldEnvIDs, identity.EnvID)
			}
		}
	}

	result, err := e.BuildWithOptions(manifestPath, options)
	if err != nil {
		return nil, err
	}

	for _, oldID := range oldEnvIDs {
		if oldID == result.Identity.EnvID {
			continue
		}
		if err := e.Destroy(oldID); err != nil {
			log.WithComponent("engine").Warn().
				Str("env_id", oldID).Err(err).
				Msg("failed to destroy old environment during rebuild")
		}
	}
	return result, nil
}

func (e *Engine) loadManifestFile(path string) (*types.NormalizedManifest, error) {
	m, err := manifest.ParseFile(path)
	if err != nil {
		return nil, err
	}
	return m.Normalize()
}

// loadStoredManifest reads an environment's normalized manifest back from the
// object store
func (e *Engine) loadStoredManifest(manifestHash string) (*types.NormalizedManifest, error) {
	data, err := e.objStore.Get(manifestHash)
	if err != nil {
		return nil, err
	}
	var n types.NormalizedManifest
	if err := unmarshalJSON(data, &n); err != nil {
		return nil, fmt.Errorf("failed to parse stored manifest: %w", err)
	}
	return &n, nil
}

func (e *Engine) backendFor(meta *types.EnvMetadata) (runtime.Backend, *runtime.Spec, error) {
	normalized, err := e.loadStoredManifest(meta.ManifestHash)
	if err != nil {
		return nil, nil, err
	}
	backend, err := runtime.Select(normalized.RuntimeBackend, e.layout.Root())
	if err != nil {
		return nil, nil, err
	}
	spec := &runtime.Spec{
		EnvID:     meta.EnvID,
		RootPath:  e.layout.EnvPath(meta.EnvID),
		StoreRoot: e.layout.Root(),
		Manifest:  normalized,
	}
	return backend, spec, nil
}

func (e *Engine) clearStaleRunningMarkers() {
	envBase := e.layout.EnvDir()
	entries, err := os.ReadDir(envBase)
	if err != nil {
		return
	}
	for _, entry := range entries {
		marker := filepath.Join(envBase, entry.Name(), ".running")
		if _, err := os.Stat(marker); err == nil {
			log.WithComponent("engine").Debug().Str("marker", marker).Msg("removing stale running marker")
			_ = os.Remove(marker)
		}
	}
}

func lockPathFor(manifestPath string) string {
	return filepath.Join(filepath.Dir(manifestPath), LockFileName)
}
