//go:build unix

package lock

import (
	"golang.org/x/sys/unix"

	"github.com/ome/openmicroscopy-sub004/pkg/errors"
)

func (f *Flock) TryLockExclusive(fd uintptr) (bool, error) {
	for {
		err := unix.Flock(int(fd), unix.LOCK_EX|unix.LOCK_NB)
		switch err {
		case nil:
			return true, nil
		case unix.EINTR:
			continue
		case unix.EWOULDBLOCK:
			return false, nil
		default:
			return false, errors.New(ErrLockFailed, "flock failed", err).AddContextf("fd", "%d", fd)
		}
	}
}

func (f *Flock) Unlock(fd uintptr) error {
	if err := unix.Flock(int(fd), unix.LOCK_UN); err != nil {
		return errors.New(ErrUnlockFailed, "failed to release flock", err).AddContextf("fd", "%d", fd)
	}
	return nil
}
