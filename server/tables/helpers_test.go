package tables

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ome/openmicroscopy-sub004/server/config"
	"github.com/ome/openmicroscopy-sub004/server/storage/codec"
	"github.com/ome/openmicroscopy-sub004/server/storage/filesystem"
)

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg := config.LoadDefaultConfig()
	cfg.Storage.DataPath = dir
	cfg.Storage.RowGroupLength = 64
	cfg.Query.MaxSteps = 1000
	return cfg
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	return newServiceAt(t, t.TempDir(), opts...)
}

func newServiceAt(t *testing.T, dir string, opts ...Option) *Service {
	t.Helper()
	svc, err := NewService(testConfig(t, dir), zerolog.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func openTable(t *testing.T, svc *Service, name string, readOnly bool) *Table {
	t.Helper()
	tbl, err := svc.Open(name, readOnly)
	require.NoError(t, err)
	return tbl
}

func longTable(t *testing.T, svc *Service, name string, values ...int64) *Table {
	t.Helper()
	tbl := openTable(t, svc, name, false)
	require.NoError(t, tbl.Initialize([]codec.Definition{{Name: "lc", Kind: codec.KindLong}}, nil))
	if len(values) > 0 {
		require.NoError(t, tbl.Append([]codec.Column{codec.NewLongColumn("lc", values)}))
	}
	return tbl
}

func longs(t *testing.T, col codec.Column) []int64 {
	t.Helper()
	v, ok := col.(*codec.Vector[int64])
	require.True(t, ok, "column holds %T", col.Values())
	return v.Typed()
}

// writeRawTable writes a table file directly, bypassing the store, so
// tests can produce files in layouts the store itself never writes.
func writeRawTable(t *testing.T, path string, defs []codec.Definition, cols []codec.Column, attrs map[string]string) {
	t.Helper()
	schema, err := codec.BuildSchema(defs)
	require.NoError(t, err)
	rec, err := codec.EncodeRows(schema, cols, nil)
	require.NoError(t, err)
	defer rec.Release()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	replace := func(write func(io.Writer) error) (*os.File, error) {
		f, err := filesystem.ReplaceFile(path, 0o644, nil, write)
		if f != nil {
			f.Close()
		}
		return nil, err
	}

	pf := filesystem.NewParquetFile(path, nil, replace, nil, nil)
	require.NoError(t, pf.Write(&filesystem.Image{
		Record:       rec,
		TypeIDs:      schema.TypeIDs(),
		Sizes:        schema.Sizes(),
		Descriptions: schema.Descriptions(),
		Attributes:   attrs,
	}))
}
