package engine

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// StoreLock is the process-external advisory exclusive lock serializing
// store mutations. Within one process, mutating operations are totally
// ordered by acquisition; across processes, flock(2) serializes them.
// Readers do not take the lock: checksum and hash verification are their
// consistency mechanism.
type StoreLock struct {
	file *os.File
}

// AcquireStoreLock blocks until the exclusive lock is held
func AcquireStoreLock(lockPath string) (*StoreLock, error) {
	file, err := openLockFile(lockPath)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to acquire store lock: %w", err)
	}
	return &StoreLock{file: file}, nil
}

// TryAcquireStoreLock attempts the lock without blocking. Returns nil when
// another process holds it.
func TryAcquireStoreLock(lockPath string) (*StoreLock, error) {
	file, err := openLockFile(lockPath)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if err == unix.EWOULDBLOCK {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to probe store lock: %w", err)
	}
	return &StoreLock{file: file}, nil
}

// Release drops the lock. Safe to call more than once; the lock also
// releases if the process dies.
func (l *StoreLock) Release() {
	if l.file != nil {
		_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
		_ = l.file.Close()
		l.file = nil
	}
}

func openLockFile(lockPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	return file, nil
}

var shutdownRequested atomic.Bool

// InstallSignalHandler wires SIGINT/SIGTERM to the cooperative cancellation
// flag. The first signal requests a graceful stop at the next checkpoint; a
// second signal exits immediately.
func InstallSignalHandler() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range ch {
			if shutdownRequested.Load() {
				os.Exit(1)
			}
			shutdownRequested.Store(true)
			fmt.Fprintln(os.Stderr, "\nshutdown requested, finishing current operation...")
		}
	}()
}

// ShutdownRequested reports the cancellation flag. Long-running loops consult
// it at iteration boundaries, never mid-write.
func ShutdownRequested() bool {
	return shutdownRequested.Load()
}

// ResetShutdown clears the cancellation flag. Tests only.
func ResetShutdown() {
	shutdownRequested.Store(false)
}
