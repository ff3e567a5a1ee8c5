// Package lock provides the advisory, whole-file exclusive lock writers take
// on a table file when they open it.
package lock

import "github.com/ome/openmicroscopy-sub004/pkg/errors"

var (
	ErrLockFailed      = errors.MustNewCode("lock.acquire_failed")
	ErrUnlockFailed    = errors.MustNewCode("lock.release_failed")
	ErrLockUnsupported = errors.MustNewCode("lock.unsupported")
)

// Locker attempts advisory locks on open file descriptors.
type Locker interface {
	// TryLockExclusive tries to take an exclusive lock on fd without
	// blocking. It returns false when another open file description holds
	// a conflicting lock, and an error for any other failure.
	TryLockExclusive(fd uintptr) (bool, error)
	// Unlock releases a lock taken with TryLockExclusive.
	Unlock(fd uintptr) error
}

// Flock is the Locker backed by flock(2). Locks conflict between separate
// open file descriptions, so two independent opens of the same file inside
// one process contend exactly like two processes would.
type Flock struct{}

// NewFlock returns the flock(2) based Locker.
func NewFlock() *Flock {
	return &Flock{}
}
