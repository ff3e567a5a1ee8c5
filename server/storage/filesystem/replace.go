package filesystem

import (
	"io"
	"os"
	"path/filepath"

	"github.com/ome/openmicroscopy-sub004/pkg/errors"
)

var (
	FileStorageTempFailed    = errors.MustNewCode("filesystem.temp_failed")
	FileStorageRenameFailed  = errors.MustNewCode("filesystem.rename_failed")
	FileStorageDirSyncFailed = errors.MustNewCode("filesystem.dir_sync_failed")
)

const tempPattern = ".*.tmp"

// ReplaceFunc installs new content for a table file and returns the
// descriptor now open on it.
type ReplaceFunc func(write func(io.Writer) error) (*os.File, error)

// ReplaceFile rewrites path through a sibling temporary file. prepare, when
// not nil, runs on the empty temporary file; write fills it; the file is
// synced and renamed over path, and finally the directory is synced.
//
// Until the rename, any error leaves path untouched and removes the
// temporary file. After it, the returned file is open read-write on the new
// content; a failed directory sync is still reported, alongside the file.
func ReplaceFile(path string, perm os.FileMode, prepare func(*os.File) error, write func(io.Writer) error) (*os.File, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+tempPattern)
	if err != nil {
		return nil, errors.New(FileStorageTempFailed, "failed to create temporary file", err).AddContext("path", path)
	}
	renamed := false
	defer func() {
		if !renamed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		return nil, errors.New(FileStorageTempFailed, "failed to set temporary file mode", err).AddContext("path", tmp.Name())
	}
	if prepare != nil {
		if err := prepare(tmp); err != nil {
			return nil, err
		}
	}
	if err := write(tmp); err != nil {
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		return nil, errors.New(FilesystemParquetSyncFailed, "failed to sync temporary file", err).AddContext("path", tmp.Name())
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, errors.New(FileStorageRenameFailed, "failed to move new table file into place", err).
			AddContext("path", path).
			AddContext("temp_path", tmp.Name())
	}
	renamed = true

	if err := syncDir(dir); err != nil {
		return tmp, errors.New(FileStorageDirSyncFailed, "failed to sync table directory", err).AddContext("path", dir)
	}
	return tmp, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
