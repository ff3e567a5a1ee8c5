package filesystem

import (
	"bufio"
	"context"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/memory"
	pq "github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	json "github.com/goccy/go-json"

	"github.com/ome/openmicroscopy-sub004/pkg/errors"
	"github.com/ome/openmicroscopy-sub004/server/storage/parquet"
)

// Package-specific error codes for filesystem parquet files
var (
	FilesystemParquetStatFailed             = errors.MustNewCode("filesystem_parquet.stat_failed")
	FilesystemParquetOpenReaderFailed       = errors.MustNewCode("filesystem_parquet.open_reader_failed")
	FilesystemParquetReadFailed             = errors.MustNewCode("filesystem_parquet.read_failed")
	FilesystemParquetMetadataInvalid        = errors.MustNewCode("filesystem_parquet.metadata_invalid")
	FilesystemParquetCreatePropertiesFailed = errors.MustNewCode("filesystem_parquet.create_properties_failed")
	FilesystemParquetCreateWriterFailed     = errors.MustNewCode("filesystem_parquet.create_writer_failed")
	FilesystemParquetWriteFailed            = errors.MustNewCode("filesystem_parquet.write_failed")
	FilesystemParquetSyncFailed             = errors.MustNewCode("filesystem_parquet.sync_failed")
	FilesystemParquetSchemaIsNil            = errors.MustNewCode("filesystem_parquet.schema_is_nil")
)

// ParquetFile reads a table file through an already open descriptor and
// rewrites it through replace. It never closes a descriptor; whoever
// supplies replace owns them.
type ParquetFile struct {
	path       string
	file       *os.File
	replace    ReplaceFunc
	config     *parquet.WriterConfig
	memoryPool memory.Allocator
}

// NewParquetFile wraps f, which must be open on path.
func NewParquetFile(path string, f *os.File, replace ReplaceFunc, config *parquet.WriterConfig, mem memory.Allocator) *ParquetFile {
	if config == nil {
		config = parquet.DefaultWriterConfig()
	}
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	return &ParquetFile{path: path, file: f, replace: replace, config: config, memoryPool: mem}
}

// Path returns the table file path.
func (pf *ParquetFile) Path() string { return pf.path }

// Size returns the current file size in bytes.
func (pf *ParquetFile) Size() (int64, error) {
	info, err := pf.file.Stat()
	if err != nil {
		return 0, errors.New(FilesystemParquetStatFailed, "failed to stat table file", err).AddContext("path", pf.path)
	}
	return info.Size(), nil
}

// Read loads the whole file. It returns nil for an empty file, which holds a
// table that has not been initialized yet.
func (pf *ParquetFile) Read(ctx context.Context) (*Image, error) {
	size, err := pf.Size()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}

	rdr, err := file.NewParquetReader(io.NewSectionReader(pf.file, 0, size))
	if err != nil {
		return nil, errors.New(FilesystemParquetOpenReaderFailed, "failed to open parquet reader", err).AddContext("path", pf.path)
	}
	defer rdr.Close()

	img := &Image{Attributes: make(map[string]string)}
	kv := rdr.MetaData().KeyValueMetadata()
	keys, values := kv.Keys(), kv.Values()
	for i, k := range keys {
		if name, ok := strings.CutPrefix(k, KeyAttributePrefix); ok {
			img.Attributes[name] = values[i]
		}
	}
	if err := decodeArray(kv.FindValue(KeyTypes), &img.TypeIDs); err != nil {
		return nil, err.AddContext("key", KeyTypes).AddContext("path", pf.path)
	}
	if err := decodeArray(kv.FindValue(KeySizes), &img.Sizes); err != nil {
		return nil, err.AddContext("key", KeySizes).AddContext("path", pf.path)
	}
	if err := decodeArray(kv.FindValue(KeyDescriptions), &img.Descriptions); err != nil {
		return nil, err.AddContext("key", KeyDescriptions).AddContext("path", pf.path)
	}

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{BatchSize: pf.config.RowGroupLength}, pf.memoryPool)
	if err != nil {
		return nil, errors.New(FilesystemParquetOpenReaderFailed, "failed to create arrow reader", err).AddContext("path", pf.path)
	}
	tbl, err := fr.ReadTable(ctx)
	if err != nil {
		return nil, errors.New(FilesystemParquetReadFailed, "failed to read table rows", err).AddContext("path", pf.path)
	}
	img.Table = tbl
	img.Schema = tbl.Schema()
	return img, nil
}

func decodeArray[T any](raw *string, out *[]T) *errors.Error {
	if raw == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(*raw), out); err != nil {
		return errors.New(FilesystemParquetMetadataInvalid, "malformed layout array", err)
	}
	return nil
}

// Write replaces the file content with img. The file on disk changes only
// once the new content is complete, so a failed write leaves the previous
// table in place.
func (pf *ParquetFile) Write(img *Image) error {
	if img.Record == nil {
		return errors.New(FilesystemParquetSchemaIsNil, "image has no record to write", nil).AddContext("path", pf.path)
	}
	if pf.replace == nil {
		return errors.New(FilesystemParquetCreateWriterFailed, "table file is not writable", nil).AddContext("path", pf.path)
	}

	props, err := parquet.NewWriterProperties(pf.config, pf.memoryPool)
	if err != nil {
		return errors.New(FilesystemParquetCreatePropertiesFailed, "failed to create writer properties", err).AddContext("path", pf.path)
	}

	f, err := pf.replace(func(w io.Writer) error {
		return pf.encode(img, props, w)
	})
	if f != nil {
		pf.file = f
	}
	return err
}

func (pf *ParquetFile) encode(img *Image, props *pq.WriterProperties, w io.Writer) error {
	buf := bufio.NewWriter(w)
	// The parquet writer closes its sink; the sink here is not its to close.
	writer, err := pqarrow.NewFileWriter(img.Record.Schema(), struct{ io.Writer }{buf}, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return errors.New(FilesystemParquetCreateWriterFailed, "failed to create parquet writer", err).AddContext("path", pf.path)
	}
	if err := writer.Write(img.Record); err != nil {
		writer.Close()
		return errors.New(FilesystemParquetWriteFailed, "failed to encode rows", err).AddContext("path", pf.path)
	}
	for _, kv := range layoutMetadata(img) {
		if err := writer.AppendKeyValueMetadata(kv[0], kv[1]); err != nil {
			writer.Close()
			return errors.New(FilesystemParquetWriteFailed, "failed to add file metadata", err).AddContext("path", pf.path).AddContext("key", kv[0])
		}
	}
	if err := writer.Close(); err != nil {
		return errors.New(FilesystemParquetWriteFailed, "failed to finish parquet file", err).AddContext("path", pf.path)
	}
	if err := buf.Flush(); err != nil {
		return errors.New(FilesystemParquetWriteFailed, "failed to write table file", err).AddContext("path", pf.path)
	}
	return nil
}

// layoutMetadata returns the key/value pairs for img in a stable order.
func layoutMetadata(img *Image) [][2]string {
	out := make([][2]string, 0, 3+len(img.Attributes))
	types, _ := json.Marshal(nonNil(img.TypeIDs))
	sizes, _ := json.Marshal(nonNil(img.Sizes))
	descs, _ := json.Marshal(nonNil(img.Descriptions))
	out = append(out,
		[2]string{KeyTypes, string(types)},
		[2]string{KeySizes, string(sizes)},
		[2]string{KeyDescriptions, string(descs)},
	)

	names := make([]string, 0, len(img.Attributes))
	for k := range img.Attributes {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		out = append(out, [2]string{KeyAttributePrefix + k, img.Attributes[k]})
	}
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
