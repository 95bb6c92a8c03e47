// Package lockfile implements the single-instance guard the orchestrator
// (C7) acquires before doing anything else: exactly one process may hold
// the ERP/tracking-store session at a time.
//
// Grounded on instance_lock.py's acquire_lock/release_lock (open-or-create,
// attempt an exclusive non-blocking lock, exit cleanly if already held,
// release via a deferred/atexit-style hook on shutdown), adapted from its
// Windows msvcrt.locking call to the POSIX equivalent, flock(2), via
// golang.org/x/sys/unix — the only place in the reference corpus an
// advisory file lock is taken (tokenstore.go and the fetcher cursor store
// both use Redis leases instead, which solves a different, multi-instance
// problem; this is a single-process guard, matching the original's scope).
package lockfile

import (
	"fmt"
	"os"

	"velidesync/internal/errkind"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned by Acquire when another process already
// holds the lock.
var ErrAlreadyRunning = errkind.New(errkind.Permanent, "lockfile.Acquire", fmt.Errorf("another instance is already running"))

// Lock is a held advisory lock on a single file.
type Lock struct {
	file *os.File
}

// Acquire opens (creating if absent) the file at path and takes an
// exclusive, non-blocking flock. Returns ErrAlreadyRunning if some other
// process already holds it.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errkind.New(errkind.Permanent, "lockfile.Acquire", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrAlreadyRunning
		}
		return nil, errkind.New(errkind.Permanent, "lockfile.Acquire", err)
	}

	return &Lock{file: f}, nil
}

// Release unlocks and closes the underlying file. Safe to call once; a
// second call is a no-op beyond the first's error, matching
// release_lock's idempotent guard around a possibly-nil handle.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return errkind.New(errkind.Permanent, "lockfile.Release", err)
	}
	if closeErr != nil {
		return errkind.New(errkind.Permanent, "lockfile.Release", closeErr)
	}
	return nil
}
