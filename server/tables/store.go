// Package tables implements typed columnar tables persisted one per file.
//
// A Store is the single in-process owner of one table file. Every mutation
// holds the store's write lock from validation through the flush to disk,
// so mutations of one table are totally ordered and never partially
// applied. Reads share the read lock. Two successive reads are not a
// snapshot: an append may land between them.
package tables

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"

	"github.com/ome/openmicroscopy-sub004/pkg/errors"
	"github.com/ome/openmicroscopy-sub004/server/metrics"
	"github.com/ome/openmicroscopy-sub004/server/query"
	"github.com/ome/openmicroscopy-sub004/server/storage/codec"
	"github.com/ome/openmicroscopy-sub004/server/storage/filesystem"
	"github.com/ome/openmicroscopy-sub004/server/storage/parquet"
	"github.com/ome/openmicroscopy-sub004/server/storage/registry"
)

// ComponentType identifies stores in logs.
const ComponentType = "table_store"

// Data is the result of a read.
type Data struct {
	Columns          []codec.Column
	RowNumbers       []int64
	LastModification Stamp
}

// StoreOptions carries the collaborators of a store.
type StoreOptions struct {
	Registry  *registry.Registry[*Store]
	Writer    *parquet.WriterConfig
	Evaluator *query.Evaluator
	Metrics   *metrics.Metrics
	Allocator memory.Allocator
	Logger    zerolog.Logger
}

// Store is one open table file.
type Store struct {
	mu sync.RWMutex

	path      string
	registry  *registry.Registry[*Store]
	handle    *registry.Handle
	file      *filesystem.ParquetFile
	evaluator *query.Evaluator
	metrics   *metrics.Metrics
	mem       memory.Allocator
	logger    zerolog.Logger

	// nil until the table is initialized
	schema     *codec.Schema
	columns    []codec.Column
	rows       int64
	attributes map[string]any
	version    string

	stamp    Stamp
	refs     map[string]struct{}
	readOnly bool
	closed   bool
}

// OpenStore registers path with the registry, opens the file and loads
// whatever table it holds. An empty file yields an uninitialized store.
func OpenStore(path string, readOnly bool, opts StoreOptions) (*Store, error) {
	if opts.Registry == nil {
		return nil, errors.New(errors.CommonInvalidInput, "store requires a registry", nil)
	}
	if opts.Evaluator == nil {
		opts.Evaluator = query.NewEvaluator(query.DefaultMaxSteps)
	}
	if opts.Allocator == nil {
		opts.Allocator = memory.NewGoAllocator()
	}

	s := &Store{
		path:      path,
		registry:  opts.Registry,
		evaluator: opts.Evaluator,
		metrics:   opts.Metrics,
		mem:       opts.Allocator,
		logger:    opts.Logger.With().Str("component", ComponentType).Str("path", path).Logger(),
		refs:      make(map[string]struct{}),
	}

	h, err := opts.Registry.RegisterNewHandle(path, s, readOnly)
	if err != nil {
		return nil, err
	}
	s.handle = h
	s.readOnly = h.ReadOnly
	s.file = filesystem.NewParquetFile(path, h.File, opts.Registry.ReplaceFunc(h), opts.Writer, s.mem)

	if err := s.load(); err != nil {
		if uerr := opts.Registry.Unregister(path, h); uerr != nil {
			s.logger.Warn().Err(uerr).Msg("failed to release table file after load error")
		}
		return nil, err
	}
	s.stamp = nextStamp(0)
	s.metrics.TableOpened()

	s.logger.Info().
		Bool("read_only", s.readOnly).
		Bool("initialized", s.schema != nil).
		Int64("rows", s.rows).
		Msg("opened table")
	return s, nil
}

func (s *Store) load() error {
	img, err := s.file.Read(context.Background())
	if err != nil {
		return errors.New(errors.TableStorageIO, "failed to read table file", err).AddContext("path", s.path)
	}
	if img == nil {
		return nil
	}
	defer img.Release()

	schema, err := codec.SchemaFromPersisted(img.FieldNames(), img.TypeIDs, img.Sizes, img.Descriptions)
	if err != nil {
		return errors.New(errors.TableValidation, "stored column layout is invalid", err).AddContext("path", s.path)
	}
	cols, err := codec.DecodeRows(schema, img.Table, nil)
	if err != nil {
		return errors.New(errors.TableStorageIO, "failed to decode stored rows", err).AddContext("path", s.path)
	}
	attrs, err := decodeAttributes(img.Attributes)
	if err != nil {
		return errors.AsError(err).AddContext("path", s.path)
	}
	version, err := resolveVersion(attrs, s.path)
	if err != nil {
		return err
	}

	s.schema = schema
	s.columns = cols
	s.rows = img.Table.NumRows()
	s.attributes = attrs
	s.version = version
	return nil
}

func (s *Store) observe(operation string, start time.Time, err *error) {
	s.metrics.Observe(operation, start, *err)
}

func (s *Store) closedError() error {
	return errors.New(errors.TableClosed, "table is closed", nil).AddContext("path", s.path)
}

func (s *Store) checkOpen() error {
	if s.closed {
		return s.closedError()
	}
	return nil
}

func (s *Store) checkWritable() error {
	if s.closed {
		return s.closedError()
	}
	if s.readOnly {
		return errors.New(errors.TableUnsupportedOperation, "table is open read-only", nil).AddContext("path", s.path)
	}
	return nil
}

func (s *Store) checkInitialized() error {
	if s.schema == nil {
		return errors.New(errors.TableNotInitialized, "table is not initialized", nil).AddContext("path", s.path)
	}
	return nil
}

// persist writes the full table content. The store's own state is left
// alone; callers swap staged state in only after persist succeeds.
func (s *Store) persist(schema *codec.Schema, cols []codec.Column, attrs map[string]any) error {
	rec, err := codec.EncodeRows(schema, cols, s.mem)
	if err != nil {
		return errors.AsError(err).AddContext("path", s.path)
	}
	defer rec.Release()

	encoded, err := encodeAttributes(attrs)
	if err != nil {
		return errors.AsError(err).AddContext("path", s.path)
	}

	img := &filesystem.Image{
		Record:       rec,
		TypeIDs:      schema.TypeIDs(),
		Sizes:        schema.Sizes(),
		Descriptions: schema.Descriptions(),
		Attributes:   encoded,
	}
	if err := s.file.Write(img); err != nil {
		s.logger.Error().Err(err).Msg("failed to flush table")
		return errors.New(errors.TableStorageIO, "failed to flush table", err).AddContext("path", s.path)
	}
	return nil
}

// Initialize creates the table layout. It may succeed only once per file.
func (s *Store) Initialize(defs []codec.Definition, metadata map[string]any) error {
	_, err := s.initialize(defs, metadata)
	return err
}

func (s *Store) initialize(defs []codec.Definition, metadata map[string]any) (st Stamp, err error) {
	defer s.observe("initialize", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable(); err != nil {
		return 0, err
	}
	if s.schema != nil {
		return 0, errors.New(errors.TableAlreadyInitialized, "table is already initialized", nil).AddContext("path", s.path)
	}
	schema, err := codec.BuildSchema(defs)
	if err != nil {
		return 0, errors.New(errors.TableValidation, "invalid column definitions", err).AddContext("path", s.path)
	}

	attrs := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		if err := checkUserAttribute(k, v); err != nil {
			return 0, errors.AsError(err).AddContext("path", s.path)
		}
		attrs[k] = v
	}
	attrs[VersionKey] = CurrentVersion
	attrs[InitializedKey] = time.Now().Unix()

	cols, err := schema.EmptyColumns()
	if err != nil {
		return 0, err
	}
	if err := s.persist(schema, cols, attrs); err != nil {
		return 0, err
	}

	s.schema = schema
	s.columns = cols
	s.rows = 0
	s.attributes = attrs
	s.version = CurrentVersion
	s.stamp = nextStamp(s.stamp)

	s.logger.Info().Int("columns", schema.Len()).Msg("initialized table")
	return s.stamp, nil
}

// Append adds rows to every column. cols must match the declared columns by
// position and all have the same length.
func (s *Store) Append(cols []codec.Column) error {
	_, err := s.append(cols)
	return err
}

func (s *Store) append(cols []codec.Column) (st Stamp, err error) {
	defer s.observe("append", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable(); err != nil {
		return 0, err
	}
	if err := s.checkInitialized(); err != nil {
		return 0, err
	}
	n, err := codec.ValidateColumns(s.schema, cols)
	if err != nil {
		return 0, errors.AsError(err).AddContext("path", s.path)
	}
	if n == 0 {
		return s.stamp, nil
	}

	staged := make([]codec.Column, len(cols))
	for i, col := range cols {
		if staged[i], err = s.columns[i].Concat(col); err != nil {
			return 0, errors.AsError(err).AddContext("path", s.path)
		}
	}
	if err := s.persist(s.schema, staged, s.attributes); err != nil {
		return 0, err
	}

	s.columns = staged
	s.rows += int64(n)
	s.stamp = nextStamp(s.stamp)
	s.metrics.RowsAppended(n)
	return s.stamp, nil
}

// Update overwrites rows in the given columns, which are matched by name.
// It fails with an optimistic lock error when expected is older than the
// table's stamp.
func (s *Store) Update(expected Stamp, rows []int64, cols []codec.Column) error {
	_, err := s.update(expected, rows, cols)
	return err
}

func (s *Store) update(expected Stamp, rows []int64, cols []codec.Column) (st Stamp, err error) {
	defer s.observe("update", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable(); err != nil {
		return 0, err
	}
	if err := s.checkInitialized(); err != nil {
		return 0, err
	}
	if expected < s.stamp {
		return 0, errors.New(errors.TableOptimisticLock, "table was modified since it was last read", nil).
			AddContext("path", s.path).
			AddContextf("expected_stamp", "%d", expected).
			AddContextf("current_stamp", "%d", s.stamp)
	}
	if len(cols) == 0 {
		return 0, errors.New(errors.TableValidation, "no columns to update", nil).AddContext("path", s.path)
	}
	if err := s.checkRows(rows); err != nil {
		return 0, err
	}

	staged := make([]codec.Column, len(s.columns))
	copy(staged, s.columns)
	seen := make(map[int]bool, len(cols))
	for i, col := range cols {
		if col == nil {
			return 0, errors.New(errors.TableValidation, "column is nil", nil).
				AddContext("path", s.path).
				AddContextf("column_index", "%d", i)
		}
		name := col.Definition().Name
		idx := s.schema.Index(name)
		if idx < 0 {
			return 0, errors.New(errors.TableValidation, "unknown column", nil).
				AddContext("path", s.path).
				AddContext("column", name)
		}
		if seen[idx] {
			return 0, errors.New(errors.TableValidation, "column given twice", nil).
				AddContext("path", s.path).
				AddContext("column", name)
		}
		seen[idx] = true
		if err := codec.CheckColumn(s.schema.Definitions[idx], col); err != nil {
			return 0, errors.AsError(err).AddContext("path", s.path)
		}
		if staged[idx], err = s.columns[idx].Assign(rows, col); err != nil {
			return 0, errors.AsError(err).AddContext("path", s.path)
		}
	}
	if err := s.persist(s.schema, staged, s.attributes); err != nil {
		return 0, err
	}

	s.columns = staged
	s.stamp = nextStamp(s.stamp)
	return s.stamp, nil
}

func (s *Store) checkRows(rows []int64) error {
	for _, r := range rows {
		if r < 0 || r >= s.rows {
			return errors.Newf(errors.TableOutOfBounds, "row %d out of range [0, %d)", r, s.rows).
				AddContext("path", s.path).
				AddContextf("row", "%d", r).
				AddContextf("limit", "%d", s.rows)
		}
	}
	return nil
}

func (s *Store) resolveColumns(indices []int) ([]int, error) {
	if len(indices) == 0 {
		all := make([]int, s.schema.Len())
		for i := range all {
			all[i] = i
		}
		return all, nil
	}
	for _, idx := range indices {
		if idx < 0 || idx >= s.schema.Len() {
			return nil, errors.Newf(errors.TableOutOfBounds, "column %d out of range [0, %d)", idx, s.schema.Len()).
				AddContext("path", s.path).
				AddContextf("column_index", "%d", idx).
				AddContextf("limit", "%d", s.schema.Len())
		}
	}
	return indices, nil
}

func (s *Store) checkReadable() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.checkInitialized()
}

// Read returns rows [start, stop) of the selected columns. start and stop
// both zero selects every row; empty colIndices selects every column.
func (s *Store) Read(colIndices []int, start, stop int64) (d *Data, err error) {
	defer s.observe("read", time.Now(), &err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkReadable(); err != nil {
		return nil, err
	}
	if start == 0 && stop == 0 {
		stop = s.rows
	}
	if start < 0 || stop > s.rows || start > stop {
		return nil, errors.Newf(errors.TableOutOfBounds, "range [%d, %d) outside [0, %d)", start, stop, s.rows).
			AddContext("path", s.path).
			AddContextf("start", "%d", start).
			AddContextf("stop", "%d", stop).
			AddContextf("limit", "%d", s.rows)
	}
	indices, err := s.resolveColumns(colIndices)
	if err != nil {
		return nil, err
	}

	out := &Data{
		Columns:          make([]codec.Column, len(indices)),
		RowNumbers:       make([]int64, 0, stop-start),
		LastModification: s.stamp,
	}
	for i, idx := range indices {
		out.Columns[i] = s.columns[idx].Slice(int(start), int(stop))
	}
	for r := start; r < stop; r++ {
		out.RowNumbers = append(out.RowNumbers, r)
	}
	return out, nil
}

// ReadCoordinates returns the given rows of every column.
func (s *Store) ReadCoordinates(rows []int64) (*Data, error) {
	return s.take("read_coordinates", nil, rows, false)
}

// Slice returns the given rows of the selected columns. Empty colIndices
// selects every column and empty rows selects every row.
func (s *Store) Slice(colIndices []int, rows []int64) (*Data, error) {
	return s.take("slice", colIndices, rows, true)
}

func (s *Store) take(operation string, colIndices []int, rows []int64, emptyMeansAll bool) (d *Data, err error) {
	defer s.observe(operation, time.Now(), &err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkReadable(); err != nil {
		return nil, err
	}
	indices, err := s.resolveColumns(colIndices)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 && emptyMeansAll {
		rows = make([]int64, s.rows)
		for i := range rows {
			rows[i] = int64(i)
		}
	} else if err := s.checkRows(rows); err != nil {
		return nil, err
	}

	out := &Data{
		Columns:          make([]codec.Column, len(indices)),
		RowNumbers:       append([]int64{}, rows...),
		LastModification: s.stamp,
	}
	for i, idx := range indices {
		out.Columns[i] = s.columns[idx].Take(rows)
	}
	return out, nil
}

// GetWhereList returns the rows in [start, stop) taken every step rows for
// which condition holds. Zero start, stop and step default to 0, the row
// count and 1.
func (s *Store) GetWhereList(condition string, variables map[string]any, start, stop, step int64) (rows []int64, err error) {
	defer s.observe("get_where_list", time.Now(), &err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkReadable(); err != nil {
		return nil, err
	}
	if stop == 0 {
		stop = s.rows
	}
	if step == 0 {
		step = 1
	}
	if step < 0 {
		return nil, errors.Newf(errors.TableValidation, "step must be positive, got %d", step).AddContext("path", s.path)
	}
	if start < 0 || stop > s.rows || start > stop {
		return nil, errors.Newf(errors.TableOutOfBounds, "range [%d, %d) outside [0, %d)", start, stop, s.rows).
			AddContext("path", s.path).
			AddContextf("limit", "%d", s.rows)
	}

	names := make([]string, s.schema.Len())
	for i, def := range s.schema.Definitions {
		names[i] = def.Name
	}
	pred, err := s.evaluator.Compile(condition, names, variables)
	if err != nil {
		return nil, errors.AsError(err).AddContext("path", s.path)
	}
	rows, err = pred.Filter(s.columns, start, stop, step)
	if err != nil {
		return nil, errors.AsError(err).AddContext("path", s.path)
	}
	return rows, nil
}

// GetMetadata returns the user attribute key. Reserved keys are never
// found.
func (s *Store) GetMetadata(key string) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkReadable(); err != nil {
		return nil, false, err
	}
	if !visibleAttribute(key, s.version) {
		return nil, false, nil
	}
	v, ok := s.attributes[key]
	return v, ok, nil
}

// GetAllMetadata returns a copy of the user attributes.
func (s *Store) GetAllMetadata() (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkReadable(); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(s.attributes))
	for k, v := range s.attributes {
		if visibleAttribute(k, s.version) {
			out[k] = v
		}
	}
	return out, nil
}

// SetMetadata stores one user attribute.
func (s *Store) SetMetadata(key string, value any) error {
	_, err := s.setMetadata(map[string]any{key: value}, false)
	return err
}

// SetAllMetadata stores every entry of m. With replace set, all existing
// user attributes are dropped first; reserved attributes are kept.
func (s *Store) SetAllMetadata(m map[string]any, replace bool) error {
	_, err := s.setMetadata(m, replace)
	return err
}

func (s *Store) setMetadata(m map[string]any, replace bool) (st Stamp, err error) {
	defer s.observe("set_metadata", time.Now(), &err)

	// Reserved names are refused before the table state is looked at.
	for k, v := range m {
		if err := checkUserAttribute(k, v); err != nil {
			return 0, errors.AsError(err).AddContext("path", s.path)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable(); err != nil {
		return 0, err
	}
	if err := s.checkInitialized(); err != nil {
		return 0, err
	}
	if s.version != CurrentVersion {
		return 0, errors.New(errors.TableUnsupportedOperation,
			"metadata requires table format version "+CurrentVersion, nil).
			AddContext("path", s.path).
			AddContext("version", s.version)
	}

	staged := make(map[string]any, len(s.attributes)+len(m))
	for k, v := range s.attributes {
		if !replace || IsReserved(k) {
			staged[k] = v
		}
	}
	maps.Copy(staged, m)

	if err := s.persist(s.schema, s.columns, staged); err != nil {
		return 0, err
	}
	s.attributes = staged
	s.stamp = nextStamp(s.stamp)
	return s.stamp, nil
}

// Flush rewrites the table file from the in-memory state and marks the
// table modified.
func (s *Store) Flush() (err error) {
	defer s.observe("flush", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable(); err != nil {
		return err
	}
	if err := s.checkInitialized(); err != nil {
		return err
	}
	if err := s.persist(s.schema, s.columns, s.attributes); err != nil {
		return err
	}
	s.stamp = nextStamp(s.stamp)
	return nil
}

// IncrementRefCount attaches handle id and returns the number of attached
// handles.
func (s *Store) IncrementRefCount(id string) (int, error) {
	n, _, err := s.attach(id)
	return n, err
}

func (s *Store) attach(id string) (int, Stamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return 0, 0, err
	}
	if _, ok := s.refs[id]; ok {
		return 0, 0, errors.New(errors.TableAlreadyAttached, "handle is already attached", nil).
			AddContext("path", s.path).
			AddContext("handle", id)
	}
	s.refs[id] = struct{}{}
	s.metrics.HandleAttached()
	return len(s.refs), s.stamp, nil
}

// DecrementRefCount detaches handle id and returns the number of handles
// still attached. Detaching the last handle cleans the store up.
func (s *Store) DecrementRefCount(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, nil
	}
	if _, ok := s.refs[id]; !ok {
		return len(s.refs), errors.New(errors.TableValidation, "handle is not attached", nil).
			AddContext("path", s.path).
			AddContext("handle", id)
	}
	delete(s.refs, id)
	s.metrics.HandleDetached()

	if len(s.refs) > 0 {
		return len(s.refs), nil
	}
	return 0, s.cleanupLocked()
}

// UpToDate reports whether stamp is at least the table's stamp.
func (s *Store) UpToDate(stamp Stamp) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stamp <= stamp
}

// Delete removes the table file and closes the store.
func (s *Store) Delete() (err error) {
	defer s.observe("delete", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable(); err != nil {
		return err
	}
	if err := filesystem.RemoveTableFile(s.path); err != nil {
		return errors.New(errors.TableStorageIO, "failed to delete table file", err).AddContext("path", s.path)
	}
	s.logger.Info().Msg("deleted table")
	return s.cleanupLocked()
}

// Cleanup closes the file and unregisters it. The data on disk is kept.
// Calling it on a closed store does nothing.
func (s *Store) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupLocked()
}

func (s *Store) cleanupLocked() error {
	if s.closed {
		return nil
	}
	s.closed = true
	for id := range s.refs {
		delete(s.refs, id)
		s.metrics.HandleDetached()
	}
	s.metrics.TableClosed()
	s.logger.Info().Msg("closed table")
	return s.registry.Unregister(s.path, s.handle)
}

// Headers returns the column definitions.
func (s *Store) Headers() ([]codec.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkReadable(); err != nil {
		return nil, err
	}
	return append([]codec.Definition{}, s.schema.Definitions...), nil
}

// RowCount returns the number of rows.
func (s *Store) RowCount() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkReadable(); err != nil {
		return 0, err
	}
	return s.rows, nil
}

// Version returns the table format version, or "" before initialization.
func (s *Store) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Store) Stamp() Stamp {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stamp
}

func (s *Store) Path() string { return s.path }

// ReadOnly reports whether the file is open without write access.
func (s *Store) ReadOnly() bool { return s.readOnly }

func (s *Store) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schema != nil
}

// Closed reports whether the store has been cleaned up or deleted.
func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
