package filesystem

import (
	"os"

	"github.com/ome/openmicroscopy-sub004/pkg/errors"
)

// Package-specific error codes for filesystem storage
var (
	FileStorageCreateDirFailed = errors.MustNewCode("filesystem.create_dir_failed")
	FileStorageRemoveFailed    = errors.MustNewCode("filesystem.remove_failed")
)

// EnsureDataDir creates the directory tables are stored under.
func EnsureDataDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.New(FileStorageCreateDirFailed, "failed to create data directory", err).AddContext("path", dir)
	}
	return nil
}

// RemoveTableFile deletes a table file. A file that is already gone is not
// an error.
func RemoveTableFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.New(FileStorageRemoveFailed, "failed to remove table file", err).AddContext("path", path)
	}
	return nil
}
