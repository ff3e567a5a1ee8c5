//go:build !unix

package lock

import "github.com/ome/openmicroscopy-sub004/pkg/errors"

// On platforms without flock every writer lock attempt fails, which keeps
// writers from silently sharing a file.
func (f *Flock) TryLockExclusive(fd uintptr) (bool, error) {
	return false, errors.New(ErrLockUnsupported, "advisory file locks are not supported on this platform", nil)
}

func (f *Flock) Unlock(fd uintptr) error {
	return nil
}
