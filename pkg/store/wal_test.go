package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcoallegretti/karapace/pkg/types"
)

func testWal(t *testing.T) (*Layout, *WriteAheadLog) {
	t.Helper()
	layout := testLayout(t)
	wal := NewWriteAheadLog(layout)
	require.NoError(t, wal.Initialize())
	return layout, wal
}

func TestWalBeginCreatesEntry(t *testing.T) {
	_, wal := testWal(t)
	opID, err := wal.Begin(WalOpBuild, "test-env-123")
	require.NoError(t, err)
	assert.NotEmpty(t, opID)

	entries, err := wal.ListIncomplete()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "test-env-123", entries[0].EnvID)
	assert.Equal(t, WalOpBuild, entries[0].Kind)
}

func TestWalCommitRemovesEntry(t *testing.T) {
	_, wal := testWal(t)
	opID, err := wal.Begin(WalOpBuild, "env")
	require.NoError(t, err)
	require.NoError(t, wal.Commit(opID))

	entries, err := wal.ListIncomplete()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWalSuccessfulOpsLeaveZeroEntries(t *testing.T) {
	_, wal := testWal(t)
	op1, err := wal.Begin(WalOpBuild, "env1")
	require.NoError(t, err)
	op2, err := wal.Begin(WalOpCommit, "env2")
	require.NoError(t, err)
	require.NoError(t, wal.Commit(op1))
	require.NoError(t, wal.Commit(op2))

	entries, err := wal.ListIncomplete()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWalRollbackStepsPersist(t *testing.T) {
	_, wal := testWal(t)
	opID, err := wal.Begin(WalOpBuild, "env1")
	require.NoError(t, err)
	require.NoError(t, wal.AddRollbackStep(opID, RemoveDir("/tmp/fake")))

	entries, err := wal.ListIncomplete()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Len(t, entries[0].RollbackSteps, 1)
	assert.Equal(t, StepRemoveDir, entries[0].RollbackSteps[0].Kind)
}

func TestWalRecoverRollsBackIncomplete(t *testing.T) {
	layout, wal := testWal(t)
	opID, err := wal.Begin(WalOpBuild, "env1")
	require.NoError(t, err)

	orphanDir := filepath.Join(layout.Root(), "orphan_env")
	require.NoError(t, os.MkdirAll(orphanDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(orphanDir, "file.txt"), []byte("data"), 0o644))
	require.NoError(t, wal.AddRollbackStep(opID, RemoveDir(orphanDir)))

	// Simulated crash: no commit. Recovery cleans up.
	count, err := wal.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.NoDirExists(t, orphanDir)

	entries, err := wal.ListIncomplete()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWalRecoverRemovesFiles(t *testing.T) {
	layout, wal := testWal(t)
	opID, err := wal.Begin(WalOpCommit, "env1")
	require.NoError(t, err)

	orphanFile := filepath.Join(layout.Root(), "orphan.json")
	require.NoError(t, os.WriteFile(orphanFile, []byte("{}"), 0o644))
	require.NoError(t, wal.AddRollbackStep(opID, RemoveFile(orphanFile)))

	count, err := wal.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.NoFileExists(t, orphanFile)
}

func TestWalRecoverStepsRunInReverseOrder(t *testing.T) {
	layout, wal := testWal(t)
	opID, err := wal.Begin(WalOpRestore, "env1")
	require.NoError(t, err)

	// A file inside a directory: the file step registered first, the
	// directory second. Reverse order removes the directory (and the file
	// with it) before the file step runs as a no-op. Forward order would
	// leave nothing either, so two state resets of one record tell the
	// orders apart: run newest first, the first-registered reset remains.
	parent := filepath.Join(layout.Root(), "staged")
	inner := filepath.Join(parent, "data.bin")
	require.NoError(t, os.MkdirAll(parent, 0o755))
	require.NoError(t, os.WriteFile(inner, []byte("x"), 0o644))
	meta := sampleMeta("env1env1env1env1")
	meta.State = types.EnvStateRunning
	require.NoError(t, NewMetadataStore(layout).Put(meta))

	require.NoError(t, wal.AddRollbackStep(opID, RemoveFile(inner)))
	require.NoError(t, wal.AddRollbackStep(opID, RemoveDir(parent)))
	require.NoError(t, wal.AddRollbackStep(opID, ResetState(meta.EnvID, types.EnvStateFrozen)))
	require.NoError(t, wal.AddRollbackStep(opID, ResetState(meta.EnvID, types.EnvStateBuilt)))

	count, err := wal.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.NoDirExists(t, parent)
	recovered, err := NewMetadataStore(layout).Get(meta.EnvID)
	require.NoError(t, err)
	assert.Equal(t, types.EnvStateFrozen, recovered.State)
}

func TestWalRecoverWithNoEntriesIsNoop(t *testing.T) {
	_, wal := testWal(t)
	count, err := wal.Recover()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestWalRecoverResetsState(t *testing.T) {
	layout, wal := testWal(t)
	metaStore := NewMetadataStore(layout)

	meta := sampleMeta("env1env1env1env1")
	meta.State = types.EnvStateRunning
	require.NoError(t, metaStore.Put(meta))

	opID, err := wal.Begin(WalOpEnter, meta.EnvID)
	require.NoError(t, err)
	require.NoError(t, wal.AddRollbackStep(opID, ResetState(meta.EnvID, types.EnvStateBuilt)))

	count, err := wal.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	recovered, err := metaStore.Get(meta.EnvID)
	require.NoError(t, err)
	assert.Equal(t, types.EnvStateBuilt, recovered.State)
	// The rewritten record carries a fresh, valid checksum.
	assert.NotEmpty(t, recovered.Checksum)
}

func TestWalCorruptEntryRemovedUnconditionally(t *testing.T) {
	layout, wal := testWal(t)

	corruptPath := filepath.Join(layout.WalDir(), "corrupt-op.json")
	require.NoError(t, os.WriteFile(corruptPath, []byte("THIS IS NOT JSON{{{"), 0o644))

	opID, err := wal.Begin(WalOpBuild, "env1")
	require.NoError(t, err)
	orphan := filepath.Join(layout.Root(), "orphan_from_valid")
	require.NoError(t, os.MkdirAll(orphan, 0o755))
	require.NoError(t, wal.AddRollbackStep(opID, RemoveDir(orphan)))

	count, err := wal.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, count, "only the valid entry counts as rolled back")
	assert.NoDirExists(t, orphan)
	assert.NoFileExists(t, corruptPath)

	entries, err := wal.ListIncomplete()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWalRecoverOldestFirst(t *testing.T) {
	_, wal := testWal(t)
	op1, err := wal.Begin(WalOpBuild, "env1")
	require.NoError(t, err)
	op2, err := wal.Begin(WalOpBuild, "env2")
	require.NoError(t, err)
	require.NotEqual(t, op1, op2)

	entries, err := wal.ListIncomplete()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Timestamp <= entries[1].Timestamp)
	assert.Equal(t, "env1", entries[0].EnvID)
}

func TestWalLocalRollback(t *testing.T) {
	layout, wal := testWal(t)
	opID, err := wal.Begin(WalOpCommit, "env1")
	require.NoError(t, err)

	orphan := filepath.Join(layout.Root(), "half-written")
	require.NoError(t, os.WriteFile(orphan, []byte("x"), 0o644))
	require.NoError(t, wal.AddRollbackStep(opID, RemoveFile(orphan)))

	require.NoError(t, wal.Rollback(opID))
	assert.NoFileExists(t, orphan)

	entries, err := wal.ListIncomplete()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWalPartialBuildObjectRemoved(t *testing.T) {
	layout, wal := testWal(t)
	objStore := NewObjectStore(layout)

	hash, err := objStore.Put([]byte("real object data"))
	require.NoError(t, err)

	objPath := filepath.Join(layout.ObjectsDir(), hash)
	opID, err := wal.Begin(WalOpBuild, "env1")
	require.NoError(t, err)
	require.NoError(t, wal.AddRollbackStep(opID, RemoveFile(objPath)))

	count, err := wal.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.False(t, objStore.Exists(hash))

	// Same content writes cleanly again afterwards.
	hash2, err := objStore.Put([]byte("real object data"))
	require.NoError(t, err)
	assert.Equal(t, hash, hash2)
	assert.True(t, objStore.Exists(hash2))
}
