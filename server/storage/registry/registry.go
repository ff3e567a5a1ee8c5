// Package registry tracks the table files open in this process. It keeps
// at most one store per file and takes the advisory lock that keeps other
// processes from writing a file this process writes.
package registry

import (
	"io"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ome/openmicroscopy-sub004/pkg/errors"
	"github.com/ome/openmicroscopy-sub004/server/paths"
	"github.com/ome/openmicroscopy-sub004/server/storage/filesystem"
	"github.com/ome/openmicroscopy-sub004/server/storage/lock"
)

// ComponentType identifies the registry in logs.
const ComponentType = "registry"

// Opener constructs the store for a canonical path. It is expected to call
// RegisterNewHandle on the same registry exactly once.
type Opener[S any] func(path string, readOnly bool) (S, error)

// Handle is the OS-level side of a registered table file.
type Handle struct {
	Path string
	File *os.File
	// ReadOnly is true when the file was opened without write access,
	// either on request or because write access was denied.
	ReadOnly bool
	// Downgraded is true when a write request was served read-only.
	Downgraded bool
	// Created is true when the file was created or truncated on open.
	Created bool

	fd     int
	info   os.FileInfo
	locked bool
}

// Fd returns the descriptor number the handle is registered under.
func (h *Handle) Fd() int { return h.fd }

type entry[S any] struct {
	store  S
	handle *Handle
}

// Registry maps canonical paths and descriptor numbers to open stores.
type Registry[S any] struct {
	// opening collapses concurrent constructions of the same path. Opens
	// of different paths never wait on each other.
	opening singleflight.Group
	mu      sync.Mutex
	paths   map[string]*entry[S]
	fds     map[int]*entry[S]

	oracle paths.Oracle
	locker lock.Locker
	logger zerolog.Logger
}

// New creates an empty registry.
func New[S any](oracle paths.Oracle, locker lock.Locker, logger zerolog.Logger) *Registry[S] {
	return &Registry[S]{
		paths:  make(map[string]*entry[S]),
		fds:    make(map[int]*entry[S]),
		oracle: oracle,
		locker: locker,
		logger: logger.With().Str("component", ComponentType).Logger(),
	}
}

// OpenOrCreate returns the store registered for path, constructing it with
// open when there is none, and then runs attach on it. No registry lock is
// held while open or attach run. A store found here may close before attach
// reaches it; attach is expected to report that as tables.closed so the
// caller can retry.
func (r *Registry[S]) OpenOrCreate(path string, readOnly bool, open Opener[S], attach func(S) error) (S, error) {
	var zero S

	canonical, err := paths.Canonical(path)
	if err != nil {
		return zero, errors.New(errors.TableInvalidPath, "cannot resolve table path", err).AddContext("path", path)
	}

	v, err, _ := r.opening.Do(canonical, func() (any, error) {
		if store, ok := r.Lookup(canonical); ok {
			return store, nil
		}
		return open(canonical, readOnly)
	})
	if err != nil {
		return zero, err
	}
	store := v.(S)

	if attach != nil {
		if err := attach(store); err != nil {
			return zero, err
		}
	}
	return store, nil
}

// RegisterNewHandle opens the file at path for store and records it. Writers
// also take an exclusive advisory lock on the file.
func (r *Registry[S]) RegisterNewHandle(path string, store S, readOnly bool) (*Handle, error) {
	r.mu.Lock()
	_, taken := r.paths[path]
	r.mu.Unlock()
	if taken {
		return nil, errors.New(errors.TableConcurrency, "table file is already registered", nil).AddContext("path", path)
	}

	if !r.oracle.ParentExists(path) {
		return nil, errors.New(errors.TableInvalidPath, "parent directory does not exist", nil).AddContext("path", path)
	}

	h := &Handle{Path: path, ReadOnly: readOnly}
	flag, err := r.openFlag(h)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, errors.New(errors.TableStorageIO, "failed to open table file", err).AddContext("path", path)
	}
	h.File = f
	h.fd = int(f.Fd())
	if h.info, err = f.Stat(); err != nil {
		f.Close()
		return nil, errors.New(errors.TableStorageIO, "failed to stat table file", err).AddContext("path", path)
	}

	if other, ok := r.sameFile(h.info); ok {
		f.Close()
		return nil, errors.New(errors.TableConcurrency, "table file is already open under another path", nil).
			AddContext("path", path).
			AddContext("registered_path", other)
	}

	if !h.ReadOnly {
		locked, err := r.locker.TryLockExclusive(f.Fd())
		if err != nil {
			f.Close()
			return nil, errors.New(errors.TableStorageIO, "failed to lock table file", err).AddContext("path", path)
		}
		if !locked {
			f.Close()
			r.logger.Warn().Str("path", path).Msg("table file is locked by another process")
			return nil, errors.New(errors.TableLockTimeout, "table file is locked by another process", nil).AddContext("path", path)
		}
		h.locked = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.paths[path]; taken {
		r.release(h)
		return nil, errors.New(errors.TableConcurrency, "table file is already registered", nil).AddContext("path", path)
	}
	if prev, taken := r.fds[h.fd]; taken {
		r.release(h)
		return nil, errors.New(errors.TableConcurrency, "file descriptor is already registered", nil).
			AddContext("path", path).
			AddContext("registered_path", prev.handle.Path).
			AddContextf("fd", "%d", h.fd)
	}

	e := &entry[S]{store: store, handle: h}
	r.paths[path] = e
	r.fds[h.fd] = e
	r.logger.Debug().
		Str("path", path).
		Int("fd", h.fd).
		Bool("read_only", h.ReadOnly).
		Bool("created", h.Created).
		Msg("registered table file")
	return h, nil
}

// openFlag decides how path is opened. Missing and empty files are created
// or truncated; a write request without write permission is served
// read-only.
func (r *Registry[S]) openFlag(h *Handle) (int, error) {
	if !r.oracle.Exists(h.Path) {
		h.Created = true
		return os.O_RDWR | os.O_CREATE | os.O_TRUNC, nil
	}
	size, err := r.oracle.SizeOf(h.Path)
	if err != nil {
		return 0, errors.New(errors.TableStorageIO, "failed to read table file size", err).AddContext("path", h.Path)
	}
	if size == 0 {
		h.Created = true
		return os.O_RDWR | os.O_CREATE | os.O_TRUNC, nil
	}
	if h.ReadOnly {
		return os.O_RDONLY, nil
	}
	if !r.oracle.IsWritable(h.Path) {
		r.logger.Warn().Str("path", h.Path).Msg("no write permission, opening table read-only")
		h.ReadOnly = true
		h.Downgraded = true
		return os.O_RDONLY, nil
	}
	return os.O_RDWR, nil
}

func (r *Registry[S]) sameFile(info os.FileInfo) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for p, e := range r.paths {
		if os.SameFile(e.handle.info, info) {
			return p, true
		}
	}
	return "", false
}

// Replace rewrites the file behind h with the output of write. The new
// file is written beside the old one and renamed over it, and a writer's
// lock is taken on the new file before the rename. On error the file on
// disk is unchanged; on success h refers to the new file.
func (r *Registry[S]) Replace(h *Handle, write func(io.Writer) error) error {
	if h.ReadOnly {
		return errors.New(errors.TableUnsupportedOperation, "table file is open read-only", nil).AddContext("path", h.Path)
	}

	lockNew := func(f *os.File) error {
		if !h.locked {
			return nil
		}
		locked, err := r.locker.TryLockExclusive(f.Fd())
		if err != nil {
			return errors.New(errors.TableStorageIO, "failed to lock new table file", err).AddContext("path", h.Path)
		}
		if !locked {
			return errors.New(errors.TableLockTimeout, "new table file is locked by another process", nil).AddContext("path", h.Path)
		}
		return nil
	}
	f, err := filesystem.ReplaceFile(h.Path, h.info.Mode().Perm(), lockNew, write)
	if f == nil {
		return err
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("path", h.Path).Msg("table file replaced without directory sync")
	}
	info, err := f.Stat()
	if err != nil {
		r.logger.Warn().Err(err).Str("path", h.Path).Msg("failed to stat replaced table file")
		info = h.info
	}

	r.mu.Lock()
	old, oldFd := h.File, h.fd
	h.File, h.fd, h.info = f, int(f.Fd()), info
	h.Created = false
	if e, ok := r.fds[oldFd]; ok && e.handle == h {
		delete(r.fds, oldFd)
		r.fds[h.fd] = e
	}
	r.mu.Unlock()

	if h.locked {
		if err := r.locker.Unlock(old.Fd()); err != nil {
			r.logger.Warn().Err(err).Str("path", h.Path).Msg("failed to release lock on replaced table file")
		}
	}
	if err := old.Close(); err != nil {
		r.logger.Warn().Err(err).Str("path", h.Path).Msg("failed to close replaced table file")
	}
	r.logger.Debug().Str("path", h.Path).Int("fd", h.fd).Int("old_fd", oldFd).Msg("replaced table file")
	return nil
}

// ReplaceFunc binds Replace to h.
func (r *Registry[S]) ReplaceFunc(h *Handle) filesystem.ReplaceFunc {
	return func(write func(io.Writer) error) (*os.File, error) {
		if err := r.Replace(h, write); err != nil {
			return nil, err
		}
		return h.File, nil
	}
}

// Unregister removes the entries recorded for handle and closes its file,
// which also drops the advisory lock.
func (r *Registry[S]) Unregister(path string, h *Handle) error {
	r.mu.Lock()
	if e, ok := r.paths[path]; ok && e.handle == h {
		delete(r.paths, path)
	}
	if e, ok := r.fds[h.fd]; ok && e.handle == h {
		delete(r.fds, h.fd)
	}
	r.mu.Unlock()

	r.logger.Debug().Str("path", path).Int("fd", h.fd).Msg("unregistered table file")
	if err := r.release(h); err != nil {
		return errors.New(errors.TableStorageIO, "failed to close table file", err).AddContext("path", path)
	}
	return nil
}

func (r *Registry[S]) release(h *Handle) error {
	if h.locked {
		if err := r.locker.Unlock(h.File.Fd()); err != nil {
			r.logger.Warn().Err(err).Str("path", h.Path).Msg("failed to release table file lock")
		}
		h.locked = false
	}
	return h.File.Close()
}

// Lookup returns the store registered for a canonical path.
func (r *Registry[S]) Lookup(path string) (S, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.paths[path]; ok {
		return e.store, true
	}
	var zero S
	return zero, false
}

// Len returns the number of registered files.
func (r *Registry[S]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

// Paths returns the registered paths in sorted order.
func (r *Registry[S]) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.paths))
	for p := range r.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// HasDescriptor reports whether fd is registered.
func (r *Registry[S]) HasDescriptor(fd int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.fds[fd]
	return ok
}
