package paths

import (
	"os"
	"path/filepath"

	"github.com/ome/openmicroscopy-sub004/pkg/errors"
)

// TableFileExtension is appended to table names that carry no extension.
const TableFileExtension = ".parquet"

// Manager resolves table locations below a base data directory and answers
// Oracle queries against the real filesystem.
type Manager struct {
	basePath string
}

// NewManager creates a new path manager
func NewManager(basePath string) *Manager {
	return &Manager{
		basePath: basePath,
	}
}

// GetBasePath returns the base data path
func (pm *Manager) GetBasePath() string {
	return pm.basePath
}

// Resolve maps a table location to its canonical path. Relative locations
// are taken relative to the base path.
func (pm *Manager) Resolve(path string) (string, error) {
	if path == "" {
		return "", errors.New(ErrPathEmpty, "table path is empty", nil)
	}
	if !filepath.IsAbs(path) && pm.basePath != "" {
		path = filepath.Join(pm.basePath, path)
	}
	if filepath.Ext(path) == "" {
		path += TableFileExtension
	}
	return Canonical(path)
}

// Canonical returns an absolute, cleaned path with symlinks resolved. The
// file itself need not exist; in that case only its directory is resolved.
func Canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.New(ErrPathResolveFailed, "failed to make path absolute", err).AddContext("path", path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	dir, base := filepath.Split(abs)
	if resolvedDir, err := filepath.EvalSymlinks(dir); err == nil {
		return filepath.Join(resolvedDir, base), nil
	}
	return abs, nil
}

// Exists reports whether path names an existing regular file.
func (pm *Manager) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// ParentExists reports whether the directory holding path exists.
func (pm *Manager) ParentExists(path string) bool {
	info, err := os.Stat(filepath.Dir(path))
	return err == nil && info.IsDir()
}

// IsWritable reports whether the process may write path, or create it when
// it does not exist yet.
func (pm *Manager) IsWritable(path string) bool {
	if pm.Exists(path) {
		return writable(path)
	}
	return writable(filepath.Dir(path))
}

// SizeOf returns the size of path in bytes.
func (pm *Manager) SizeOf(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, errors.New(ErrPathStatFailed, "failed to stat path", err).AddContext("path", path)
	}
	return info.Size(), nil
}
