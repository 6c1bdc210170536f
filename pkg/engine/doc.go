/*
Package engine orchestrates the Karapace environment lifecycle.

The Engine ties manifest parsing, the content-addressed store, the write-
ahead log, and runtime backends into the operations a user drives: build,
rebuild, enter, exec, stop, freeze, archive, rename, commit, restore,
destroy, gc, verify-store, push, pull, diff, and export.

# Discipline

Every mutating operation follows the same protocol:

 1. Acquire the store lock (advisory flock on store/.lock).
 2. Register a WAL entry declaring, before any side effect, how to undo
    every effect the operation will perform.
 3. Perform the side effects.
 4. On success, delete the WAL entry; on failure, roll back locally or
    leave the entry for startup recovery.

Engine construction runs that recovery: incomplete WAL entries from crashed
runs are rolled back in reverse registration order, oldest entry first.

GC, Push, and Pull take a *StoreLock parameter: holding the lock is a
type-level precondition rather than a runtime convention.

# Cancellation

SIGINT/SIGTERM set a process-wide atomic flag (InstallSignalHandler).
Long-running loops consult ShutdownRequested at iteration boundaries only
and fail with ErrCancelled, leaving their WAL entry for recovery. Atomic
file finalization and WAL writes are never interrupted.
*/
package engine
