package registry

import (
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ome/openmicroscopy-sub004/pkg/errors"
	"github.com/ome/openmicroscopy-sub004/server/paths"
	"github.com/ome/openmicroscopy-sub004/server/storage/lock"
)

type fakeStore struct {
	path     string
	handle   *Handle
	attached int
}

func newRegistry(oracle paths.Oracle) *Registry[*fakeStore] {
	if oracle == nil {
		oracle = paths.NewManager("")
	}
	return New[*fakeStore](oracle, lock.NewFlock(), zerolog.Nop())
}

func opener(r *Registry[*fakeStore], calls *int32) Opener[*fakeStore] {
	return func(path string, readOnly bool) (*fakeStore, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		s := &fakeStore{path: path}
		h, err := r.RegisterNewHandle(path, s, readOnly)
		if err != nil {
			return nil, err
		}
		s.handle = h
		return s, nil
	}
}

func closeAll(t *testing.T, r *Registry[*fakeStore]) {
	t.Helper()
	for _, p := range r.Paths() {
		s, ok := r.Lookup(p)
		require.True(t, ok)
		require.NoError(t, r.Unregister(p, s.handle))
	}
}

func TestOpenOrCreateReturnsSameStore(t *testing.T) {
	r := newRegistry(nil)
	path := filepath.Join(t.TempDir(), "t.parquet")
	var calls int32
	attach := func(s *fakeStore) error { s.attached++; return nil }

	first, err := r.OpenOrCreate(path, false, opener(r, &calls), attach)
	require.NoError(t, err)
	second, err := r.OpenOrCreate(path, false, opener(r, &calls), attach)
	require.NoError(t, err)
	t.Cleanup(func() { closeAll(t, r) })

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), calls)
	assert.Equal(t, 2, first.attached)
	assert.Equal(t, 1, r.Len())
	assert.True(t, first.handle.Created)
	assert.True(t, r.HasDescriptor(first.handle.Fd()))
}

func TestOpenOrCreateCanonicalisesPath(t *testing.T) {
	r := newRegistry(nil)
	dir := t.TempDir()
	link := filepath.Join(t.TempDir(), "link")
	if err := os.Symlink(dir, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	a, err := r.OpenOrCreate(filepath.Join(dir, "t.parquet"), false, opener(r, nil), nil)
	require.NoError(t, err)
	b, err := r.OpenOrCreate(filepath.Join(link, "t.parquet"), false, opener(r, nil), nil)
	require.NoError(t, err)
	t.Cleanup(func() { closeAll(t, r) })

	assert.Same(t, a, b)
}

func TestRegisterTwiceIsConcurrencyError(t *testing.T) {
	r := newRegistry(nil)
	path := filepath.Join(t.TempDir(), "t.parquet")
	_, err := r.OpenOrCreate(path, false, opener(r, nil), nil)
	require.NoError(t, err)
	t.Cleanup(func() { closeAll(t, r) })

	canonical, err := paths.Canonical(path)
	require.NoError(t, err)
	_, err = r.RegisterNewHandle(canonical, &fakeStore{}, true)
	assert.True(t, errors.HasCode(err, errors.TableConcurrency))
}

func TestSameFileUnderTwoPathsIsConcurrencyError(t *testing.T) {
	r := newRegistry(nil)
	dir := t.TempDir()
	path := filepath.Join(dir, "t.parquet")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
	alias := filepath.Join(dir, "alias.parquet")
	if err := os.Link(path, alias); err != nil {
		t.Skipf("hard links unavailable: %v", err)
	}

	_, err := r.OpenOrCreate(path, false, opener(r, nil), nil)
	require.NoError(t, err)
	t.Cleanup(func() { closeAll(t, r) })

	_, err = r.OpenOrCreate(alias, false, opener(r, nil), nil)
	assert.True(t, errors.HasCode(err, errors.TableConcurrency))
	assert.Equal(t, 1, r.Len())
}

func TestMissingParentIsInvalidPath(t *testing.T) {
	r := newRegistry(nil)
	path := filepath.Join(t.TempDir(), "missing", "t.parquet")

	_, err := r.OpenOrCreate(path, false, opener(r, nil), nil)
	assert.True(t, errors.HasCode(err, errors.TableInvalidPath))
	assert.Equal(t, 0, r.Len())

	oracle := paths.NewMockOracle()
	r = newRegistry(oracle)
	path = filepath.Join(t.TempDir(), "t.parquet")
	canonical, err := paths.Canonical(path)
	require.NoError(t, err)
	oracle.MissingParents[canonical] = true

	_, err = r.OpenOrCreate(path, true, opener(r, nil), nil)
	assert.True(t, errors.HasCode(err, errors.TableInvalidPath))
}

func TestSecondWriterIsLockTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.parquet")
	first := newRegistry(nil)
	_, err := first.OpenOrCreate(path, false, opener(first, nil), nil)
	require.NoError(t, err)
	t.Cleanup(func() { closeAll(t, first) })

	// An independent registry stands in for another process.
	other := newRegistry(nil)
	_, err = other.OpenOrCreate(path, false, opener(other, nil), nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.TableLockTimeout))
	assert.False(t, errors.HasCode(err, errors.TableConcurrency))
	assert.Equal(t, 0, other.Len())

	// Readers take no lock.
	reader, err := other.OpenOrCreate(path, true, opener(other, nil), nil)
	require.NoError(t, err)
	assert.True(t, reader.handle.ReadOnly)
	closeAll(t, other)
}

func TestUnregisterReleasesLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.parquet")
	first := newRegistry(nil)
	s, err := first.OpenOrCreate(path, false, opener(first, nil), nil)
	require.NoError(t, err)

	require.NoError(t, first.Unregister(s.path, s.handle))
	assert.Equal(t, 0, first.Len())
	assert.False(t, first.HasDescriptor(s.handle.Fd()))
	_, ok := first.Lookup(s.path)
	assert.False(t, ok)

	other := newRegistry(nil)
	_, err = other.OpenOrCreate(path, false, opener(other, nil), nil)
	require.NoError(t, err)
	closeAll(t, other)
}

func TestWriteWithoutPermissionIsDowngraded(t *testing.T) {
	oracle := paths.NewMockOracle()
	r := newRegistry(oracle)
	path := filepath.Join(t.TempDir(), "t.parquet")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
	canonical, err := paths.Canonical(path)
	require.NoError(t, err)
	oracle.ReadOnly[canonical] = true

	s, err := r.OpenOrCreate(path, false, opener(r, nil), nil)
	require.NoError(t, err)
	t.Cleanup(func() { closeAll(t, r) })

	assert.True(t, s.handle.ReadOnly)
	assert.True(t, s.handle.Downgraded)
	assert.False(t, s.handle.Created)

	// No lock was taken, so an independent writer still gets one.
	other := newRegistry(nil)
	_, err = other.OpenOrCreate(path, false, opener(other, nil), nil)
	require.NoError(t, err)
	closeAll(t, other)
}

func TestEmptyFileIsTruncatedOnOpen(t *testing.T) {
	r := newRegistry(nil)
	path := filepath.Join(t.TempDir(), "t.parquet")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	s, err := r.OpenOrCreate(path, true, opener(r, nil), nil)
	require.NoError(t, err)
	t.Cleanup(func() { closeAll(t, r) })
	assert.True(t, s.handle.Created)
}

func TestOpenFailureLeavesNothingRegistered(t *testing.T) {
	r := newRegistry(nil)
	path := filepath.Join(t.TempDir(), "t.parquet")
	boom := errors.New(errors.TableValidation, "bad table", nil)

	_, err := r.OpenOrCreate(path, false, func(string, bool) (*fakeStore, error) { return nil, boom }, nil)
	assert.Same(t, boom, err)
	assert.Equal(t, 0, r.Len())

	attachErr := errors.New(errors.TableClosed, "closed", nil)
	_, err = r.OpenOrCreate(path, false, opener(r, nil), func(*fakeStore) error { return attachErr })
	assert.Same(t, attachErr, err)
	closeAll(t, r)
}

func TestOpenOfOtherPathDoesNotWaitOnAttach(t *testing.T) {
	r := newRegistry(nil)
	dir := t.TempDir()
	busy := filepath.Join(dir, "busy.parquet")
	_, err := r.OpenOrCreate(busy, false, opener(r, nil), nil)
	require.NoError(t, err)
	t.Cleanup(func() { closeAll(t, r) })

	entered, release, finished := make(chan struct{}), make(chan struct{}), make(chan struct{})
	go func() {
		defer close(finished)
		_, err := r.OpenOrCreate(busy, false, opener(r, nil), func(*fakeStore) error {
			close(entered)
			<-release
			return nil
		})
		assert.NoError(t, err)
	}()
	<-entered

	done := make(chan error, 1)
	go func() {
		_, err := r.OpenOrCreate(filepath.Join(dir, "idle.parquet"), false, opener(r, nil), nil)
		done <- err
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Error("open of another path waited on a pending attach")
	}
	close(release)
	<-finished
	assert.Equal(t, 2, r.Len())
}

func TestConcurrentOpensBuildOneStore(t *testing.T) {
	r := newRegistry(nil)
	path := filepath.Join(t.TempDir(), "t.parquet")
	var calls int32
	stores := make([]*fakeStore, 8)

	var g errgroup.Group
	for i := range stores {
		g.Go(func() error {
			s, err := r.OpenOrCreate(path, false, opener(r, &calls), nil)
			stores[i] = s
			return err
		})
	}
	require.NoError(t, g.Wait())
	t.Cleanup(func() { closeAll(t, r) })

	assert.Equal(t, int32(1), calls)
	for _, s := range stores {
		assert.Same(t, stores[0], s)
	}
}

func writeString(s string) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := io.WriteString(w, s)
		return err
	}
}

func TestReplaceSwapsFileAndKeepsLock(t *testing.T) {
	r := newRegistry(nil)
	path := filepath.Join(t.TempDir(), "t.parquet")
	s, err := r.OpenOrCreate(path, false, opener(r, nil), nil)
	require.NoError(t, err)
	t.Cleanup(func() { closeAll(t, r) })
	oldFd := s.handle.Fd()

	require.NoError(t, r.Replace(s.handle, writeString("first")))
	require.NoError(t, r.Replace(s.handle, writeString("second")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
	assert.False(t, s.handle.Created)
	assert.True(t, r.HasDescriptor(s.handle.Fd()))
	if s.handle.Fd() != oldFd {
		assert.False(t, r.HasDescriptor(oldFd))
	}

	info, err := os.Stat(path)
	require.NoError(t, err)
	opened, err := s.handle.File.Stat()
	require.NoError(t, err)
	assert.True(t, os.SameFile(info, opened))

	other := newRegistry(nil)
	_, err = other.OpenOrCreate(path, false, opener(other, nil), nil)
	assert.True(t, errors.HasCode(err, errors.TableLockTimeout))
}

func TestFailedReplaceLeavesFile(t *testing.T) {
	r := newRegistry(nil)
	dir := t.TempDir()
	path := filepath.Join(dir, "t.parquet")
	s, err := r.OpenOrCreate(path, false, opener(r, nil), nil)
	require.NoError(t, err)
	t.Cleanup(func() { closeAll(t, r) })
	require.NoError(t, r.Replace(s.handle, writeString("committed")))
	file := s.handle.File

	boom := errors.New(errors.TableStorageIO, "no space left on device", nil)
	err = r.Replace(s.handle, func(w io.Writer) error {
		_, _ = io.WriteString(w, "partial")
		return boom
	})
	assert.Same(t, boom, err)
	assert.Same(t, file, s.handle.File)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "committed", string(data))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	other := newRegistry(nil)
	_, err = other.OpenOrCreate(path, false, opener(other, nil), nil)
	assert.True(t, errors.HasCode(err, errors.TableLockTimeout))
}

func TestReplaceReadOnlyIsUnsupported(t *testing.T) {
	r := newRegistry(nil)
	path := filepath.Join(t.TempDir(), "t.parquet")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
	s, err := r.OpenOrCreate(path, true, opener(r, nil), nil)
	require.NoError(t, err)
	t.Cleanup(func() { closeAll(t, r) })

	err = r.Replace(s.handle, writeString("x"))
	assert.True(t, errors.HasCode(err, errors.TableUnsupportedOperation))
}
