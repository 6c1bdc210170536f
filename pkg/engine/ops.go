package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/marcoallegretti/karapace/pkg/log"
	"github.com/marcoallegretti/karapace/pkg/remote"
	"github.com/marcoallegretti/karapace/pkg/runtime"
	"github.com/marcoallegretti/karapace/pkg/store"
	"github.com/marcoallegretti/karapace/pkg/types"
)

// stopTimeout bounds how long Stop waits between SIGTERM and SIGKILL
const stopTimeout = 5 * time.Second

func unmarshalJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Enter runs an interactive session in a built environment. The environment
// is marked running for the duration; a crash mid-session is recovered back
// to built by the WAL.
func (e *Engine) Enter(ref string) error {
	return e.runInEnv(ref, store.WalOpEnter, func(backend runtime.Backend, spec *runtime.Spec) error {
		return backend.Enter(spec)
	})
}

// Exec runs a non-interactive command in a built environment and relays its
// output
func (e *Engine) Exec(ref string, command []string) error {
	return e.runInEnv(ref, store.WalOpExec, func(backend runtime.Backend, spec *runtime.Spec) error {
		output, err := backend.Exec(spec, command)
		if err != nil {
			return err
		}
		os.Stdout.Write(output.Stdout)
		os.Stderr.Write(output.Stderr)
		if output.ExitCode != 0 {
			return &runtime.ProcessError{Detail: fmt.Sprintf("command exited with code %d", output.ExitCode)}
		}
		return nil
	})
}

func (e *Engine) runInEnv(ref string, opKind store.WalOpKind, run func(runtime.Backend, *runtime.Spec) error) error {
	envID, err := e.metaStore.Resolve(ref)
	if err != nil {
		return err
	}
	meta, err := e.metaStore.Get(envID)
	if err != nil {
		return err
	}

	if meta.State == types.EnvStateRunning {
		return &runtime.AlreadyRunningError{EnvID: envID}
	}
	if err := ValidateTransition(meta.State, types.EnvStateRunning); err != nil {
		return err
	}

	backend, spec, err := e.backendFor(meta)
	if err != nil {
		return err
	}

	storeLock, err := AcquireStoreLock(e.layout.LockFile())
	if err != nil {
		return err
	}

	// A crash while running recovers the state back to built.
	if err := e.wal.Initialize(); err != nil {
		storeLock.Release()
		return err
	}
	opID, err := e.wal.Begin(opKind, envID)
	if err != nil {
		storeLock.Release()
		return err
	}
	if err := e.wal.AddRollbackStep(opID, store.ResetState(envID, types.EnvStateBuilt)); err != nil {
		storeLock.Release()
		return err
	}
	if err := e.metaStore.UpdateState(envID, types.EnvStateRunning); err != nil {
		_ = e.wal.Rollback(opID)
		storeLock.Release()
		return err
	}

	// The workload may run for hours; holding the store lock across it would
	// block every other operation. State is protected by the WAL entry.
	storeLock.Release()

	runErr := run(backend, spec)

	if err := e.metaStore.UpdateState(envID, types.EnvStateBuilt); err != nil {
		// The state file could not be rewritten; make sure no orphan process
		// survives pointing at an environment the engine thinks is broken.
		if status, statusErr := backend.Status(envID); statusErr == nil && status.Running && status.PID > 0 {
			_ = unix.Kill(status.PID, unix.SIGKILL)
		}
		_ = e.wal.Commit(opID)
		return err
	}
	if err := e.wal.Commit(opID); err != nil {
		return err
	}
	return runErr
}

// Stop terminates a running environment's workload: TERM, a bounded wait,
// then KILL.
func (e *Engine) Stop(ref string) error {
	envID, err := e.metaStore.Resolve(ref)
	if err != nil {
		return err
	}
	meta, err := e.metaStore.Get(envID)
	if err != nil {
		return err
	}
	if meta.State != types.EnvStateRunning {
		return &runtime.NotRunningError{EnvID: fmt.Sprintf("%s (state: %s)", envID, meta.State)}
	}

	storeLock, err := AcquireStoreLock(e.layout.LockFile())
	if err != nil {
		return err
	}
	defer storeLock.Release()

	backend, _, err := e.backendFor(meta)
	if err != nil {
		return err
	}
	status, err := backend.Status(envID)
	if err != nil {
		return err
	}

	logger := log.WithEnvID(envID)
	if status.Running && status.PID > 0 {
		logger.Debug().Int("pid", status.PID).Msg("sending SIGTERM")
		if err := unix.Kill(status.PID, unix.SIGTERM); err != nil && err != unix.ESRCH {
			return fmt.Errorf("failed to signal pid %d: %w", status.PID, err)
		}

		deadline := time.Now().Add(stopTimeout)
		for time.Now().Before(deadline) {
			if !processAlive(status.PID) {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		if processAlive(status.PID) {
			logger.Warn().Int("pid", status.PID).Msg("process did not exit after SIGTERM, sending SIGKILL")
			if err := unix.Kill(status.PID, unix.SIGKILL); err != nil && err != unix.ESRCH {
				logger.Warn().Err(err).Msg("SIGKILL failed")
			}
		}
	}

	_ = os.Remove(filepath.Join(e.layout.EnvPath(envID), ".running"))
	return e.metaStore.UpdateState(envID, types.EnvStateBuilt)
}

// Freeze transitions a built environment to frozen
func (e *Engine) Freeze(ref string) error {
	return e.metadataTransition(ref, types.EnvStateFrozen)
}

// Archive transitions a built or frozen environment to archived
func (e *Engine) Archive(ref string) error {
	return e.metadataTransition(ref, types.EnvStateArchived)
}

func (e *Engine) metadataTransition(ref string, to types.EnvState) error {
	envID, err := e.metaStore.Resolve(ref)
	if err != nil {
		return err
	}
	meta, err := e.metaStore.Get(envID)
	if err != nil {
		return err
	}
	if err := ValidateTransition(meta.State, to); err != nil {
		return err
	}

	storeLock, err := AcquireStoreLock(e.layout.LockFile())
	if err != nil {
		return err
	}
	defer storeLock.Release()

	return e.metaStore.UpdateState(envID, to)
}

// Rename assigns a human name to an environment. Names are validated and
// unique across the store.
func (e *Engine) Rename(ref, newName string) error {
	envID, err := e.metaStore.Resolve(ref)
	if err != nil {
		return err
	}

	storeLock, err := AcquireStoreLock(e.layout.LockFile())
	if err != nil {
		return err
	}
	defer storeLock.Release()

	return e.metaStore.UpdateName(envID, newName)
}

// Destroy removes an environment. Forbidden while running. The reference
// count gates actual removal: the overlay and metadata disappear only when
// the count reaches zero.
func (e *Engine) Destroy(ref string) error {
	envID, err := e.metaStore.Resolve(ref)
	if err != nil {
		return err
	}
	meta, err := e.metaStore.Get(envID)
	if err != nil {
		return err
	}
	if meta.State == types.EnvStateRunning {
		return &EnvRunningError{EnvID: envID}
	}

	backend, spec, err := e.backendFor(meta)
	if err != nil {
		return err
	}

	storeLock, err := AcquireStoreLock(e.layout.LockFile())
	if err != nil {
		return err
	}
	defer storeLock.Release()

	if err := e.wal.Initialize(); err != nil {
		return err
	}
	opID, err := e.wal.Begin(store.WalOpDestroy, envID)
	if err != nil {
		return err
	}

	// Destroy rollback is re-execution: removing an already-removed
	// environment is safe, so the steps describe the forward direction.
	envDir := e.layout.EnvPath(envID)
	if err := e.wal.AddRollbackStep(opID, store.RemoveDir(envDir)); err != nil {
		return err
	}

	if err := backend.Destroy(spec); err != nil {
		_ = e.wal.Commit(opID)
		return err
	}

	remaining, err := e.metaStore.DecrementRef(envID)
	if err != nil {
		_ = e.wal.Commit(opID)
		return err
	}
	if remaining == 0 {
		if err := os.RemoveAll(envDir); err != nil {
			return fmt.Errorf("failed to remove environment directory: %w", err)
		}
		metaPath := filepath.Join(e.layout.MetadataDir(), envID)
		if err := e.wal.AddRollbackStep(opID, store.RemoveFile(metaPath)); err != nil {
			return err
		}
		if err := e.metaStore.Remove(envID); err != nil {
			return err
		}
	}

	return e.wal.Commit(opID)
}

// Commit packs the overlay upper directory into a deterministic tar and
// stores it as a snapshot layer with composite identity. Valid from built or
// frozen.
func (e *Engine) Commit(ref string) (string, error) {
	envID, err := e.metaStore.Resolve(ref)
	if err != nil {
		return "", err
	}
	meta, err := e.metaStore.Get(envID)
	if err != nil {
		return "", err
	}
	if meta.State != types.EnvStateBuilt && meta.State != types.EnvStateFrozen {
		return "", &InvalidTransitionError{From: string(meta.State), To: "commit requires built or frozen state"}
	}

	upperDir := e.layout.UpperDir(envID)
	if _, err := os.Stat(upperDir); err != nil {
		return "", &EnvNotFoundError{Ref: fmt.Sprintf("no overlay upper directory for %s", envID)}
	}

	storeLock, err := AcquireStoreLock(e.layout.LockFile())
	if err != nil {
		return "", err
	}
	defer storeLock.Release()

	if err := e.wal.Initialize(); err != nil {
		return "", err
	}
	opID, err := e.wal.Begin(store.WalOpCommit, envID)
	if err != nil {
		return "", err
	}

	snapshotHash, err := e.runCommit(opID, envID, meta)
	if err != nil {
		if rbErr := e.wal.Rollback(opID); rbErr != nil {
			log.WithComponent("engine").Warn().Err(rbErr).Msg("local rollback failed; entry left for startup recovery")
		}
		return "", err
	}
	if err := e.wal.Commit(opID); err != nil {
		return "", err
	}
	return snapshotHash, nil
}

func (e *Engine) runCommit(opID, envID string, meta *types.EnvMetadata) (string, error) {
	tarData, err := store.PackLayer(e.layout.UpperDir(envID))
	if err != nil {
		return "", err
	}

	tarHash := store.HashBytes(tarData)
	if !e.objStore.Exists(tarHash) {
		objPath := filepath.Join(e.layout.ObjectsDir(), tarHash)
		if err := e.wal.AddRollbackStep(opID, store.RemoveFile(objPath)); err != nil {
			return "", err
		}
	}
	if _, err := e.objStore.Put(tarData); err != nil {
		return "", err
	}
	log.WithEnvID(envID).Debug().
		Int("bytes", len(tarData)).Str("tar_hash", tarHash[:12]).
		Msg("snapshot captured")

	// The tar hash alone could collide with the base layer when the upper
	// content has not changed; the composite identity binds the snapshot to
	// this environment and its base.
	snapshotLayer := &types.LayerManifest{
		Hash:       store.SnapshotHash(envID, meta.BaseLayer, tarHash),
		Kind:       types.LayerKindSnapshot,
		Parent:     meta.BaseLayer,
		ObjectRefs: []string{tarHash},
		ReadOnly:   true,
		TarHash:    tarHash,
	}

	contentHash, err := store.ComputeLayerHash(snapshotLayer)
	if err != nil {
		return "", err
	}
	if !e.layerStore.Exists(contentHash) {
		layerPath := filepath.Join(e.layout.LayersDir(), contentHash)
		if err := e.wal.AddRollbackStep(opID, store.RemoveFile(layerPath)); err != nil {
			return "", err
		}
	}
	return e.layerStore.Put(snapshotLayer)
}

// Restore replaces an environment's overlay upper directory with the content
// of a snapshot layer. The swap is atomic: the snapshot unpacks into a
// staging directory, and only a completed unpack replaces the upper dir.
func (e *Engine) Restore(ref, snapshotHash string) error {
	envID, err := e.metaStore.Resolve(ref)
	if err != nil {
		return err
	}
	meta, err := e.metaStore.Get(envID)
	if err != nil {
		return err
	}
	if meta.State != types.EnvStateBuilt && meta.State != types.EnvStateFrozen {
		return &InvalidTransitionError{From: string(meta.State), To: "restore requires built or frozen state"}
	}

	layer, err := e.layerStore.Get(snapshotHash)
	if err != nil {
		return err
	}
	if layer.Kind != types.LayerKindSnapshot {
		return &InvalidTransitionError{From: string(layer.Kind), To: "restore requires a snapshot layer"}
	}
	if layer.TarHash == "" {
		return &store.NotFoundError{Kind: "layer", Key: fmt.Sprintf("snapshot %s has no tar content (legacy layer)", snapshotHash)}
	}
	// Applying a snapshot over a different base than it was taken against
	// has undefined semantics; refuse it.
	if layer.Parent != meta.BaseLayer {
		return &InvalidTransitionError{
			From: fmt.Sprintf("snapshot of base %s", shortHash(layer.Parent)),
			To:   fmt.Sprintf("environment with base %s", shortHash(meta.BaseLayer)),
		}
	}

	tarData, err := e.objStore.Get(layer.TarHash)
	if err != nil {
		return err
	}

	storeLock, err := AcquireStoreLock(e.layout.LockFile())
	if err != nil {
		return err
	}
	defer storeLock.Release()

	if err := e.wal.Initialize(); err != nil {
		return err
	}
	opID, err := e.wal.Begin(store.WalOpRestore, envID)
	if err != nil {
		return err
	}

	// Register the staging rollback before creating the directory so a crash
	// between the two cannot orphan it.
	staging := filepath.Join(e.layout.StagingDir(), "restore-"+envID)
	if err := e.wal.AddRollbackStep(opID, store.RemoveDir(staging)); err != nil {
		return err
	}
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("failed to clear staging directory: %w", err)
	}
	if err := store.UnpackLayer(tarData, staging); err != nil {
		_ = e.wal.Rollback(opID)
		return err
	}

	upperDir := e.layout.UpperDir(envID)
	if err := os.RemoveAll(upperDir); err != nil {
		return fmt.Errorf("failed to remove old upper directory: %w", err)
	}
	if err := os.Rename(staging, upperDir); err != nil {
		return fmt.Errorf("failed to swap restored upper directory: %w", err)
	}

	if err := e.wal.Commit(opID); err != nil {
		return err
	}
	log.WithEnvID(envID).Debug().Str("snapshot", shortHash(snapshotHash)).Msg("upper directory restored")
	return nil
}

// ListSnapshots returns the snapshot layers taken against an environment's
// base layer, ordered by hash
func (e *Engine) ListSnapshots(ref string) ([]*types.LayerManifest, error) {
	envID, err := e.metaStore.Resolve(ref)
	if err != nil {
		return nil, err
	}
	meta, err := e.metaStore.Get(envID)
	if err != nil {
		return nil, err
	}

	hashes, err := e.layerStore.List()
	if err != nil {
		return nil, err
	}
	var snapshots []*types.LayerManifest
	for _, hash := range hashes {
		layer, err := e.layerStore.Get(hash)
		if err != nil {
			continue
		}
		if layer.Kind == types.LayerKindSnapshot && layer.Parent == meta.BaseLayer {
			snapshots = append(snapshots, layer)
		}
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Hash < snapshots[j].Hash })
	return snapshots, nil
}

// GC removes unreachable environments, layers, and objects. The *StoreLock
// parameter is compile-time proof that the caller holds the store lock; it
// is not used directly.
func (e *Engine) GC(_ *StoreLock, dryRun bool) (*store.GcReport, error) {
	log.WithComponent("engine").Info().Bool("dry_run", dryRun).Msg("running garbage collection")

	// Marker only: GC is idempotent, orphans are re-discovered on the next
	// run, so the entry carries no rollback steps.
	if err := e.wal.Initialize(); err != nil {
		return nil, err
	}
	opID, err := e.wal.Begin(store.WalOpGc, "gc")
	if err != nil {
		return nil, err
	}

	gc := store.NewGarbageCollector(e.layout)
	report, err := gc.CollectWithCancel(dryRun, ShutdownRequested)
	if err != nil {
		_ = e.wal.Commit(opID)
		return nil, err
	}
	if ShutdownRequested() {
		// Leave the entry for startup recovery, per the cancellation contract.
		return report, ErrCancelled
	}

	if err := e.wal.Commit(opID); err != nil {
		return nil, err
	}
	return report, nil
}

// VerifyStore re-reads and re-hashes every object, layer, and metadata record
func (e *Engine) VerifyStore() (*store.IntegrityReport, error) {
	return store.VerifyStore(e.layout)
}

// Push transfers an environment to a remote store, optionally publishing it
// under a name@tag registry key. The *StoreLock parameter is compile-time
// proof that the caller holds the store lock.
func (e *Engine) Push(_ *StoreLock, ref string, backend remote.Backend, registryTag string) (*remote.PushResult, error) {
	envID, err := e.metaStore.Resolve(ref)
	if err != nil {
		return nil, err
	}
	result, err := remote.PushEnv(e.layout, envID, backend, registryTag)
	if err != nil {
		return nil, &RemoteOpError{Err: err}
	}
	return result, nil
}

// Pull transfers an environment from a remote store into the local store,
// verifying every downloaded blob. The *StoreLock parameter is compile-time
// proof that the caller holds the store lock.
func (e *Engine) Pull(_ *StoreLock, reference string, backend remote.Backend) (*remote.PullResult, error) {
	if err := e.layout.Initialize(); err != nil {
		return nil, err
	}

	envID := reference
	if !remote.LooksLikeEnvID(reference) {
		resolved, err := remote.ResolveRef(backend, reference)
		if err != nil {
			return nil, &RemoteOpError{Err: err}
		}
		envID = resolved
	}

	if err := e.wal.Initialize(); err != nil {
		return nil, err
	}
	opID, err := e.wal.Begin(store.WalOpPull, envID)
	if err != nil {
		return nil, err
	}

	result, err := remote.PullEnv(e.layout, envID, backend)
	if err != nil {
		// Pulled blobs are content-verified and idempotent; nothing to undo.
		_ = e.wal.Commit(opID)
		return nil, &RemoteOpError{Err: err}
	}
	if err := e.wal.Commit(opID); err != nil {
		return nil, err
	}
	return result, nil
}

func processAlive(pid int) bool {
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
