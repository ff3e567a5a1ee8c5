package tables

import (
	"sync"

	"github.com/ome/openmicroscopy-sub004/pkg/errors"
	"github.com/ome/openmicroscopy-sub004/server/storage/codec"
)

// Table is one caller's handle on a shared Store. It remembers the last
// stamp it observed and uses it as the optimistic token for Update.
type Table struct {
	id       string
	store    *Store
	readOnly bool

	mu     sync.Mutex
	stamp  Stamp
	closed bool
}

func newTable(id string, store *Store, readOnly bool, stamp Stamp) *Table {
	return &Table{id: id, store: store, readOnly: readOnly || store.ReadOnly(), stamp: stamp}
}

// ID returns the handle identifier.
func (t *Table) ID() string { return t.id }

// Store returns the shared store behind the handle.
func (t *Table) Store() *Store { return t.store }

// ReadOnly reports whether the handle may mutate the table.
func (t *Table) ReadOnly() bool { return t.readOnly }

// LastStamp returns the last stamp the handle observed.
func (t *Table) LastStamp() Stamp {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stamp
}

func (t *Table) check(write bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New(errors.TableClosed, "table handle is closed", nil).
			AddContext("path", t.store.Path()).
			AddContext("handle", t.id)
	}
	if write && t.readOnly {
		return errors.New(errors.TableUnsupportedOperation, "table handle is read-only", nil).
			AddContext("path", t.store.Path()).
			AddContext("handle", t.id)
	}
	return nil
}

func (t *Table) observed(s Stamp) {
	t.mu.Lock()
	if s > t.stamp {
		t.stamp = s
	}
	t.mu.Unlock()
}

func (t *Table) Initialize(defs []codec.Definition, metadata map[string]any) error {
	if err := t.check(true); err != nil {
		return err
	}
	st, err := t.store.initialize(defs, metadata)
	if err != nil {
		return err
	}
	t.observed(st)
	return nil
}

func (t *Table) Append(cols []codec.Column) error {
	if err := t.check(true); err != nil {
		return err
	}
	st, err := t.store.append(cols)
	if err != nil {
		return err
	}
	t.observed(st)
	return nil
}

// Update overwrites rows using the handle's last observed stamp as the
// optimistic token.
func (t *Table) Update(rows []int64, cols []codec.Column) error {
	return t.UpdateAt(t.LastStamp(), rows, cols)
}

// UpdateAt overwrites rows using an explicit optimistic token.
func (t *Table) UpdateAt(expected Stamp, rows []int64, cols []codec.Column) error {
	if err := t.check(true); err != nil {
		return err
	}
	st, err := t.store.update(expected, rows, cols)
	if err != nil {
		return err
	}
	t.observed(st)
	return nil
}

func (t *Table) Read(colIndices []int, start, stop int64) (*Data, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	d, err := t.store.Read(colIndices, start, stop)
	if err != nil {
		return nil, err
	}
	t.observed(d.LastModification)
	return d, nil
}

func (t *Table) ReadCoordinates(rows []int64) (*Data, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	d, err := t.store.ReadCoordinates(rows)
	if err != nil {
		return nil, err
	}
	t.observed(d.LastModification)
	return d, nil
}

func (t *Table) Slice(colIndices []int, rows []int64) (*Data, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	d, err := t.store.Slice(colIndices, rows)
	if err != nil {
		return nil, err
	}
	t.observed(d.LastModification)
	return d, nil
}

func (t *Table) GetWhereList(condition string, variables map[string]any, start, stop, step int64) ([]int64, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	return t.store.GetWhereList(condition, variables, start, stop, step)
}

func (t *Table) GetMetadata(key string) (any, bool, error) {
	if err := t.check(false); err != nil {
		return nil, false, err
	}
	return t.store.GetMetadata(key)
}

func (t *Table) GetAllMetadata() (map[string]any, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	return t.store.GetAllMetadata()
}

func (t *Table) SetMetadata(key string, value any) error {
	return t.SetAllMetadata(map[string]any{key: value}, false)
}

func (t *Table) SetAllMetadata(m map[string]any, replace bool) error {
	if err := t.check(true); err != nil {
		return err
	}
	st, err := t.store.setMetadata(m, replace)
	if err != nil {
		return err
	}
	t.observed(st)
	return nil
}

func (t *Table) Headers() ([]codec.Definition, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	return t.store.Headers()
}

func (t *Table) RowCount() (int64, error) {
	if err := t.check(false); err != nil {
		return 0, err
	}
	return t.store.RowCount()
}

// UpToDate reports whether the table changed since the handle last looked.
func (t *Table) UpToDate() bool {
	return t.store.UpToDate(t.LastStamp())
}

// Delete removes the table file. Every handle on the table is closed.
func (t *Table) Delete() error {
	if err := t.check(true); err != nil {
		return err
	}
	if err := t.store.Delete(); err != nil {
		return err
	}
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// Close detaches the handle. The last handle to close releases the file.
// Closing twice is a no-op.
func (t *Table) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	_, err := t.store.DecrementRefCount(t.id)
	return err
}
