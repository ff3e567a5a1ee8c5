package tables

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ome/openmicroscopy-sub004/pkg/errors"
	"github.com/ome/openmicroscopy-sub004/server/storage/codec"
	"github.com/ome/openmicroscopy-sub004/server/storage/filesystem"
)

func TestWhereListFindsMatchingRow(t *testing.T) {
	svc := newTestService(t)
	tbl := longTable(t, svc, "where", 1, 2, 3, 4)
	defer tbl.Close()

	rows, err := tbl.GetWhereList("lc==1", map[string]any{}, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{0}, rows)
}

func TestWhereListRangeVariablesAndErrors(t *testing.T) {
	svc := newTestService(t)
	tbl := longTable(t, svc, "where_range", 5, 6, 7, 8, 9, 10)
	defer tbl.Close()

	rows, err := tbl.GetWhereList("lc > limit", map[string]any{"limit": int64(6)}, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 4, 5}, rows)

	rows, err = tbl.GetWhereList("lc > limit", map[string]any{"limit": int64(6)}, 1, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, rows)

	rows, err = tbl.GetWhereList("lc < 0", nil, 0, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = tbl.GetWhereList("lc ==", nil, 0, 0, 0)
	assert.True(t, errors.HasCode(err, errors.TableQuery))

	_, err = tbl.GetWhereList("lc == missing", nil, 0, 0, 0)
	assert.True(t, errors.HasCode(err, errors.TableQuery))

	_, err = tbl.GetWhereList("lc == 1", nil, 0, 7, 1)
	assert.True(t, errors.HasCode(err, errors.TableOutOfBounds))

	_, err = tbl.GetWhereList("lc == 1", nil, 0, 0, -1)
	assert.True(t, errors.HasCode(err, errors.TableValidation), errors.FormatError(err))
}

func TestWhereListAcceptsNumexprOperators(t *testing.T) {
	svc := newTestService(t)
	tbl := longTable(t, svc, "where_numexpr", 0, 1, 2, 3, 4)
	defer tbl.Close()

	rows, err := tbl.GetWhereList("(lc>1) & (lc<4)", nil, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, rows)

	rows, err = tbl.GetWhereList("lc > 1 and lc < 4", nil, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, rows)

	rows, err = tbl.GetWhereList("(lc == 0) | ~(lc < 4)", nil, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 4}, rows)
}

// shortWriter accepts limit bytes and then fails the way a full disk does.
type shortWriter struct {
	w     io.Writer
	limit int
}

func (sw *shortWriter) Write(p []byte) (int, error) {
	if len(p) > sw.limit {
		n, _ := sw.w.Write(p[:sw.limit])
		sw.limit = 0
		return n, errors.New(errors.TableStorageIO, "no space left on device", nil)
	}
	sw.limit -= len(p)
	return sw.w.Write(p)
}

func TestFailedFlushKeepsCommittedTable(t *testing.T) {
	dir := t.TempDir()
	svc := newServiceAt(t, dir)
	tbl := longTable(t, svc, "full", 1, 2, 3)

	st := tbl.Store()
	replace := st.registry.ReplaceFunc(st.handle)
	st.file = filesystem.NewParquetFile(st.path, st.handle.File, func(write func(io.Writer) error) (*os.File, error) {
		return replace(func(w io.Writer) error { return write(&shortWriter{w: w, limit: 64}) })
	}, nil, nil)

	err := tbl.Append([]codec.Column{codec.NewLongColumn("lc", make([]int64, 40000))})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.TableStorageIO), errors.FormatError(err))
	n, err := tbl.RowCount()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// The writer still holds the lock after the failed flush.
	other := newServiceAt(t, dir)
	_, err = other.Open("full", false)
	assert.True(t, errors.HasCode(err, errors.TableLockTimeout), errors.FormatError(err))

	require.NoError(t, tbl.Close())
	reopened := openTable(t, other, "full", true)
	defer reopened.Close()
	data, err := reopened.Read(nil, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, longs(t, data.Columns[0]))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file left behind")
}

func TestAppendsKeepWriterLock(t *testing.T) {
	dir := t.TempDir()
	svc := newServiceAt(t, dir)
	tbl := longTable(t, svc, "relock", 1)
	defer tbl.Close()
	require.NoError(t, tbl.Append([]codec.Column{codec.NewLongColumn("lc", []int64{2})}))

	st := tbl.Store()
	assert.True(t, svc.Registry().HasDescriptor(st.handle.Fd()))
	assert.Equal(t, 1, svc.Registry().Len())

	_, err := newServiceAt(t, dir).Open("relock", false)
	assert.True(t, errors.HasCode(err, errors.TableLockTimeout), errors.FormatError(err))
}

func TestSetMetadataHidesReservedKeys(t *testing.T) {
	svc := newTestService(t)
	tbl := longTable(t, svc, "meta")
	defer tbl.Close()

	require.NoError(t, tbl.SetMetadata("s", "b"))
	all, err := tbl.GetAllMetadata()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"s": "b"}, all)

	st := tbl.Store()
	st.mu.RLock()
	assert.Equal(t, CurrentVersion, st.attributes[VersionKey])
	assert.IsType(t, int64(0), st.attributes[InitializedKey])
	st.mu.RUnlock()

	_, found, err := tbl.GetMetadata(VersionKey)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSecondProcessWriterGetsLockTimeout(t *testing.T) {
	dir := t.TempDir()
	first := newServiceAt(t, dir)
	writer := longTable(t, first, "locked", 1)
	defer writer.Close()

	// A second service has its own registry and its own descriptors, which
	// is what another process would have.
	second := newServiceAt(t, dir)
	_, err := second.Open("locked", false)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.TableLockTimeout), errors.FormatError(err))
	assert.Equal(t, 0, second.Registry().Len())

	reader, err := second.Open("locked", true)
	require.NoError(t, err)
	defer reader.Close()
	n, err := reader.RowCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStaleStampIsOptimisticLockError(t *testing.T) {
	svc := newTestService(t)
	a := longTable(t, svc, "stale", 1, 2, 3)
	defer a.Close()
	b := openTable(t, svc, "stale", false)
	defer b.Close()

	s0 := a.Store().Stamp()

	var g errgroup.Group
	g.Go(func() error {
		return b.UpdateAt(s0, []int64{0}, []codec.Column{codec.NewLongColumn("lc", []int64{10})})
	})
	require.NoError(t, g.Wait())

	err := a.UpdateAt(s0, []int64{1}, []codec.Column{codec.NewLongColumn("lc", []int64{20})})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.TableOptimisticLock))
	assert.NotEmpty(t, errors.GetContext(err)["current_stamp"])

	d, err := a.Read(nil, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 2, 3}, longs(t, d.Columns[0]))
}

func TestConcurrentUpdatesWithSameStampOneWins(t *testing.T) {
	svc := newTestService(t)
	tbl := longTable(t, svc, "race", 0, 0, 0, 0, 0, 0, 0, 0)
	defer tbl.Close()

	s0 := tbl.Store().Stamp()
	var wins, conflicts atomic.Int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		row := int64(i)
		g.Go(func() error {
			err := tbl.UpdateAt(s0, []int64{row}, []codec.Column{codec.NewLongColumn("lc", []int64{row + 1})})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.HasCode(err, errors.TableOptimisticLock):
				conflicts.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), conflicts.Load())
	assert.GreaterOrEqual(t, tbl.Store().Stamp(), s0)
}

func TestEqualStampIsAccepted(t *testing.T) {
	svc := newTestService(t)
	tbl := longTable(t, svc, "equal", 1)
	defer tbl.Close()

	current := tbl.Store().Stamp()
	require.NoError(t, tbl.UpdateAt(current, []int64{0}, []codec.Column{codec.NewLongColumn("lc", []int64{2})}))
	assert.Greater(t, tbl.Store().Stamp(), current)
	assert.True(t, tbl.Store().UpToDate(tbl.Store().Stamp()))
	assert.False(t, tbl.Store().UpToDate(current))
}

func TestAppendMismatchedLengthsLeavesTableUnchanged(t *testing.T) {
	svc := newTestService(t)
	tbl := openTable(t, svc, "mismatch", false)
	defer tbl.Close()
	require.NoError(t, tbl.Initialize([]codec.Definition{
		{Name: "a", Kind: codec.KindLong},
		{Name: "b", Kind: codec.KindDouble},
	}, nil))

	err := tbl.Append([]codec.Column{
		codec.NewLongColumn("a", []int64{1, 2, 3}),
		codec.NewDoubleColumn("b", []float64{1, 2, 3, 4}),
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.TableValidation))
	assert.Contains(t, err.Error(), "3 rows")
	assert.Contains(t, err.Error(), "4 rows")

	n, err := tbl.RowCount()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestThousandRowsReadBackInOrder(t *testing.T) {
	svc := newTestService(t)
	tbl := longTable(t, svc, "thousand")
	defer tbl.Close()

	want := make([]int64, 0, 1000)
	for batch := 0; batch < 10; batch++ {
		values := make([]int64, 100)
		for i := range values {
			values[i] = int64(batch*100+i) * 3
		}
		want = append(want, values...)
		require.NoError(t, tbl.Append([]codec.Column{codec.NewLongColumn("lc", values)}))
	}

	d, err := tbl.Read([]int{0}, 0, 1000)
	require.NoError(t, err)
	require.Len(t, d.Columns, 1)
	assert.Equal(t, want, longs(t, d.Columns[0]))
	assert.Len(t, d.RowNumbers, 1000)
	assert.Equal(t, int64(999), d.RowNumbers[999])
}

func TestStateMachineErrors(t *testing.T) {
	svc := newTestService(t)
	tbl := openTable(t, svc, "state", false)
	defer tbl.Close()

	err := tbl.Append([]codec.Column{codec.NewLongColumn("lc", []int64{1})})
	assert.True(t, errors.HasCode(err, errors.TableNotInitialized))
	_, err = tbl.Read(nil, 0, 0)
	assert.True(t, errors.HasCode(err, errors.TableNotInitialized))
	_, err = tbl.GetWhereList("lc == 1", nil, 0, 0, 0)
	assert.True(t, errors.HasCode(err, errors.TableNotInitialized))

	err = tbl.Initialize(nil, nil)
	assert.True(t, errors.HasCode(err, errors.TableValidation))
	err = tbl.Initialize([]codec.Definition{{Name: "__lc", Kind: codec.KindLong}}, nil)
	assert.True(t, errors.HasCode(err, errors.TableValidation))
	assert.True(t, errors.HasCode(err, codec.ErrSchema))

	require.NoError(t, tbl.Initialize([]codec.Definition{{Name: "lc", Kind: codec.KindLong}}, nil))
	err = tbl.Initialize([]codec.Definition{{Name: "lc", Kind: codec.KindLong}}, nil)
	assert.True(t, errors.HasCode(err, errors.TableAlreadyInitialized))
}

func TestReservedKeyAlwaysRejected(t *testing.T) {
	svc := newTestService(t)
	tbl := openTable(t, svc, "reserved", false)
	st := tbl.Store()

	err := st.SetMetadata("__anything", "v")
	assert.True(t, errors.HasCode(err, errors.TableValidation), "uninitialized")

	require.NoError(t, tbl.Initialize([]codec.Definition{{Name: "lc", Kind: codec.KindLong}}, nil))
	err = st.SetMetadata("__anything", "v")
	assert.True(t, errors.HasCode(err, errors.TableValidation), "initialized")
	err = st.SetAllMetadata(map[string]any{"ok": "v", "__x": "v"}, true)
	assert.True(t, errors.HasCode(err, errors.TableValidation))

	require.NoError(t, tbl.Close())
	assert.True(t, st.Closed())
	err = st.SetMetadata("__anything", "v")
	assert.True(t, errors.HasCode(err, errors.TableValidation), "closed")

	err = st.SetMetadata("ok", "v")
	assert.True(t, errors.HasCode(err, errors.TableClosed))
}

func TestMetadataRoundTrip(t *testing.T) {
	dir := t.TempDir()
	svc := newServiceAt(t, dir)
	tbl := longTable(t, svc, "roundtrip")

	values := map[string]any{
		"name":   "plate 1",
		"empty":  "",
		"count":  int32(-7),
		"bytes":  int64(1) << 40,
		"ratio":  0.1,
		"colons": "a:b:c",
	}
	for k, v := range values {
		require.NoError(t, tbl.SetMetadata(k, v))
		got, found, err := tbl.GetMetadata(k)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, v, got)
	}

	err := tbl.SetMetadata("bad", 3)
	assert.True(t, errors.HasCode(err, errors.TableValidation))
	err = tbl.SetMetadata("bad", []string{"x"})
	assert.True(t, errors.HasCode(err, errors.TableValidation))

	require.NoError(t, tbl.Close())

	reopened := openTable(t, svc, "roundtrip", true)
	defer reopened.Close()
	all, err := reopened.GetAllMetadata()
	require.NoError(t, err)
	assert.Equal(t, values, all)
}

func TestSetAllMetadataReplaceKeepsReservedKeys(t *testing.T) {
	svc := newTestService(t)
	tbl := longTable(t, svc, "replace")
	defer tbl.Close()

	require.NoError(t, tbl.SetAllMetadata(map[string]any{"a": "1", "b": int64(2)}, false))
	require.NoError(t, tbl.SetAllMetadata(map[string]any{"c": 3.5}, false))
	all, err := tbl.GetAllMetadata()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "1", "b": int64(2), "c": 3.5}, all)

	require.NoError(t, tbl.SetAllMetadata(map[string]any{"d": "x"}, true))
	all, err = tbl.GetAllMetadata()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"d": "x"}, all)

	st := tbl.Store()
	st.mu.RLock()
	_, hasVersion := st.attributes[VersionKey]
	_, hasInit := st.attributes[InitializedKey]
	st.mu.RUnlock()
	assert.True(t, hasVersion)
	assert.True(t, hasInit)
	assert.Equal(t, CurrentVersion, st.Version())
}

func TestEveryKindSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	svc := newServiceAt(t, dir)
	tbl := openTable(t, svc, "kinds", false)

	defs := []codec.Definition{
		{Name: "flag", Kind: codec.KindBool, Description: "a flag"},
		{Name: "long", Kind: codec.KindLong},
		{Name: "double", Kind: codec.KindDouble},
		{Name: "float", Kind: codec.KindFloat},
		{Name: "label", Kind: codec.KindString, Size: 8},
		{Name: "longs", Kind: codec.KindLongArray, Size: 2},
		{Name: "floats", Kind: codec.KindFloatArray, Size: 2},
		{Name: "doubles", Kind: codec.KindDoubleArray, Size: 3},
		{Name: "file", Kind: codec.KindFile},
		{Name: "image", Kind: codec.KindImage},
		{Name: "roi", Kind: codec.KindRoi},
		{Name: "well", Kind: codec.KindWell},
		{Name: "plate", Kind: codec.KindPlate},
		{Name: "mask", Kind: codec.KindMask},
	}
	masks := []codec.Mask{
		{ImageID: 1, TheZ: 2, TheT: 3, X: 1.5, Y: 2.5, W: 10, H: 20, Bytes: []byte{0xff, 0x00}},
		{ImageID: 4, TheZ: 0, TheT: 1, X: 0, Y: 0, W: 1, H: 1, Bytes: []byte{0x01}},
	}
	cols := []codec.Column{
		codec.NewBoolColumn("flag", []bool{true, false}),
		codec.NewLongColumn("long", []int64{-1, 1 << 50}),
		codec.NewDoubleColumn("double", []float64{0.25, -3.5}),
		codec.NewFloatColumn("float", []float32{1.5, 2.25}),
		codec.NewStringColumn("label", 8, []string{"abc", "12345678"}),
		codec.NewLongArrayColumn("longs", 2, [][]int64{{1, 2}, {3, 4}}),
		codec.NewFloatArrayColumn("floats", 2, [][]float32{{0.5, 1}, {2, 4}}),
		codec.NewDoubleArrayColumn("doubles", 3, [][]float64{{1, 2, 3}, {4, 5, 6}}),
		codec.NewFileColumn("file", []int64{11, 12}),
		codec.NewImageColumn("image", []int64{21, 22}),
		codec.NewRoiColumn("roi", []int64{31, 32}),
		codec.NewWellColumn("well", []int64{41, 42}),
		codec.NewPlateColumn("plate", []int64{51, 52}),
		codec.NewMaskColumn("mask", masks),
	}
	require.NoError(t, tbl.Initialize(defs, map[string]any{"origin": "test"}))
	require.NoError(t, tbl.Append(cols))
	require.NoError(t, tbl.Close())
	require.Equal(t, 0, svc.Registry().Len())

	reopened := openTable(t, svc, "kinds", false)
	defer reopened.Close()

	headers, err := reopened.Headers()
	require.NoError(t, err)
	require.Len(t, headers, len(defs))
	for i, h := range headers {
		assert.Equal(t, defs[i], h)
	}

	d, err := reopened.Read(nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, d.Columns, len(cols))
	for i := range cols {
		assert.Equal(t, cols[i].Values(), d.Columns[i].Values(), "column %s", defs[i].Name)
	}
}

func TestUpdateMatchesColumnsByName(t *testing.T) {
	svc := newTestService(t)
	tbl := openTable(t, svc, "update", false)
	defer tbl.Close()
	require.NoError(t, tbl.Initialize([]codec.Definition{
		{Name: "id", Kind: codec.KindLong},
		{Name: "label", Kind: codec.KindString, Size: 4},
	}, nil))
	require.NoError(t, tbl.Append([]codec.Column{
		codec.NewLongColumn("id", []int64{1, 2, 3}),
		codec.NewStringColumn("label", 4, []string{"a", "b", "c"}),
	}))

	require.NoError(t, tbl.Update([]int64{2, 0}, []codec.Column{
		codec.NewStringColumn("label", 4, []string{"zz", "yy"}),
	}))
	d, err := tbl.Read([]int{1}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"yy", "b", "zz"}, d.Columns[0].Values())

	tests := []struct {
		name string
		rows []int64
		cols []codec.Column
		code errors.Code
	}{
		{"UnknownColumn", []int64{0}, []codec.Column{codec.NewLongColumn("nope", []int64{1})}, errors.TableValidation},
		{"WrongType", []int64{0}, []codec.Column{codec.NewDoubleColumn("id", []float64{1})}, errors.TableValidation},
		{"TooWide", []int64{0}, []codec.Column{codec.NewStringColumn("label", 4, []string{"wider"})}, errors.TableValidation},
		{"LengthMismatch", []int64{0, 1}, []codec.Column{codec.NewLongColumn("id", []int64{1})}, errors.TableValidation},
		{"Duplicate", []int64{0}, []codec.Column{codec.NewLongColumn("id", []int64{1}), codec.NewLongColumn("id", []int64{2})}, errors.TableValidation},
		{"NoColumns", []int64{0}, nil, errors.TableValidation},
		{"RowOutOfBounds", []int64{3}, []codec.Column{codec.NewLongColumn("id", []int64{1})}, errors.TableOutOfBounds},
		{"NegativeRow", []int64{-1}, []codec.Column{codec.NewLongColumn("id", []int64{1})}, errors.TableOutOfBounds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tbl.Update(tt.rows, tt.cols)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code), errors.FormatError(err))
		})
	}

	d, err = tbl.Read(nil, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, longs(t, d.Columns[0]))
}

func TestReadBounds(t *testing.T) {
	svc := newTestService(t)
	tbl := longTable(t, svc, "bounds", 10, 20, 30, 40)
	defer tbl.Close()

	d, err := tbl.Read([]int{0}, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{20, 30}, longs(t, d.Columns[0]))
	assert.Equal(t, []int64{1, 2}, d.RowNumbers)

	d, err = tbl.ReadCoordinates([]int64{3, 0})
	require.NoError(t, err)
	assert.Equal(t, []int64{40, 10}, longs(t, d.Columns[0]))
	assert.Equal(t, []int64{3, 0}, d.RowNumbers)

	d, err = tbl.Slice(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20, 30, 40}, longs(t, d.Columns[0]))

	d, err = tbl.Slice([]int{0}, []int64{2})
	require.NoError(t, err)
	assert.Equal(t, []int64{30}, longs(t, d.Columns[0]))

	_, err = tbl.Read([]int{0}, 0, 5)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.TableOutOfBounds))
	assert.Equal(t, "4", errors.GetContext(err)["limit"])
	assert.Equal(t, "5", errors.GetContext(err)["stop"])

	_, err = tbl.Read([]int{0}, 3, 2)
	assert.True(t, errors.HasCode(err, errors.TableOutOfBounds))
	_, err = tbl.Read([]int{1}, 0, 0)
	assert.True(t, errors.HasCode(err, errors.TableOutOfBounds))
	_, err = tbl.ReadCoordinates([]int64{4})
	assert.True(t, errors.HasCode(err, errors.TableOutOfBounds))
	_, err = tbl.Slice([]int{-1}, nil)
	assert.True(t, errors.HasCode(err, errors.TableOutOfBounds))
}

func TestReadResultsDoNotAliasStore(t *testing.T) {
	svc := newTestService(t)
	tbl := longTable(t, svc, "alias", 1, 2)
	defer tbl.Close()

	d, err := tbl.Read(nil, 0, 0)
	require.NoError(t, err)
	longs(t, d.Columns[0])[0] = 99

	d, err = tbl.Read(nil, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, longs(t, d.Columns[0]))
}

func TestLegacyTableRejectsMetadataWrites(t *testing.T) {
	dir := t.TempDir()
	svc := newServiceAt(t, dir)
	path, err := svc.Resolve("legacy")
	require.NoError(t, err)

	writeRawTable(t, path,
		[]codec.Definition{{Name: "lc", Kind: codec.KindLong}},
		[]codec.Column{codec.NewLongColumn("lc", []int64{1, 2})},
		map[string]string{LegacyVersionKey: "string:v1", "owner": "string:root"})

	tbl := openTable(t, svc, "legacy", false)
	defer tbl.Close()
	assert.Equal(t, LegacyVersion, tbl.Store().Version())

	require.NoError(t, tbl.Append([]codec.Column{codec.NewLongColumn("lc", []int64{3})}))
	require.NoError(t, tbl.Update([]int64{0}, []codec.Column{codec.NewLongColumn("lc", []int64{7})}))
	d, err := tbl.Read(nil, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 2, 3}, longs(t, d.Columns[0]))

	err = tbl.SetMetadata("k", "v")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.TableUnsupportedOperation))
	err = tbl.SetAllMetadata(map[string]any{"k": "v"}, true)
	assert.True(t, errors.HasCode(err, errors.TableUnsupportedOperation))

	all, err := tbl.GetAllMetadata()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"owner": "root"}, all)
}

func TestUnknownVersionFailsOpen(t *testing.T) {
	svc := newTestService(t)
	path, err := svc.Resolve("future")
	require.NoError(t, err)

	writeRawTable(t, path,
		[]codec.Definition{{Name: "lc", Kind: codec.KindLong}},
		[]codec.Column{codec.NewLongColumn("lc", []int64{1})},
		map[string]string{VersionKey: "string:7"})

	_, err = svc.Open("future", true)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.TableValidation))
	assert.Contains(t, err.Error(), "7")
	assert.Equal(t, path, errors.GetContext(err)["path"])
	assert.Equal(t, 0, svc.Registry().Len())
}

func TestReadOnlyRestrictions(t *testing.T) {
	svc := newTestService(t)

	reader := openTable(t, svc, "ro", true)
	err := reader.Initialize([]codec.Definition{{Name: "lc", Kind: codec.KindLong}}, nil)
	assert.True(t, errors.HasCode(err, errors.TableUnsupportedOperation))
	err = reader.Store().Initialize([]codec.Definition{{Name: "lc", Kind: codec.KindLong}}, nil)
	assert.True(t, errors.HasCode(err, errors.TableUnsupportedOperation))
	require.NoError(t, reader.Close())

	writer := longTable(t, svc, "rw", 1)
	defer writer.Close()
	sharedReader := openTable(t, svc, "rw", true)
	defer sharedReader.Close()
	assert.Same(t, writer.Store(), sharedReader.Store())

	err = sharedReader.Append([]codec.Column{codec.NewLongColumn("lc", []int64{2})})
	assert.True(t, errors.HasCode(err, errors.TableUnsupportedOperation))
	err = sharedReader.Delete()
	assert.True(t, errors.HasCode(err, errors.TableUnsupportedOperation))
	_, err = sharedReader.Read(nil, 0, 0)
	assert.NoError(t, err)
}

func TestFlushMarksModified(t *testing.T) {
	svc := newTestService(t)
	tbl := longTable(t, svc, "flush", 1)
	defer tbl.Close()

	before := tbl.Store().Stamp()
	require.NoError(t, tbl.Store().Flush())
	assert.Greater(t, tbl.Store().Stamp(), before)
	assert.False(t, tbl.UpToDate())
}

func TestAppendEmptyIsNoop(t *testing.T) {
	svc := newTestService(t)
	tbl := longTable(t, svc, "empty_append", 1)
	defer tbl.Close()

	before := tbl.Store().Stamp()
	require.NoError(t, tbl.Append([]codec.Column{codec.NewLongColumn("lc", nil)}))
	assert.Equal(t, before, tbl.Store().Stamp())
}

func TestQueryDiagnosticKeepsPosition(t *testing.T) {
	svc := newTestService(t)
	tbl := longTable(t, svc, "diag", 1)
	defer tbl.Close()

	_, err := tbl.GetWhereList("lc == (", nil, 0, 0, 0)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.TableQuery))
	ctx := errors.GetContext(err)
	assert.Equal(t, "lc == (", ctx["condition"])
	assert.True(t, strings.HasSuffix(ctx["path"], "diag.parquet"))
}
