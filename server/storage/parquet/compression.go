package parquet

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/memory"
	pq "github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"

	"github.com/ome/openmicroscopy-sub004/pkg/errors"
)

// Package-specific error codes for parquet compression
var (
	ParquetCompressionUnsupportedType = errors.MustNewCode("parquet.compression_unsupported_type")
	ParquetCompressionInvalidLevel    = errors.MustNewCode("parquet.compression_invalid_level")
	ParquetInvalidRowGroupLength      = errors.MustNewCode("parquet.invalid_row_group_length")
)

// CompressionType represents supported compression algorithms
type CompressionType string

const (
	CompressionNone   CompressionType = "none"
	CompressionSnappy CompressionType = "snappy"
	CompressionGzip   CompressionType = "gzip"
	CompressionBrotli CompressionType = "brotli"
	CompressionLZ4    CompressionType = "lz4"
	CompressionZSTD   CompressionType = "zstd"
)

// GetCompressionCodec converts compression string to Parquet compression codec
func GetCompressionCodec(compression string) (compress.Compression, error) {
	switch strings.ToLower(compression) {
	case "none", "uncompressed":
		return compress.Codecs.Uncompressed, nil
	case "snappy":
		return compress.Codecs.Snappy, nil
	case "gzip", "gz":
		return compress.Codecs.Gzip, nil
	case "brotli":
		return compress.Codecs.Brotli, nil
	case "lz4":
		return compress.Codecs.Lz4, nil
	case "zstd":
		return compress.Codecs.Zstd, nil
	default:
		return compress.Codecs.Uncompressed, errors.New(ParquetCompressionUnsupportedType, "unsupported compression type", nil).AddContext("compression", compression)
	}
}

// ValidateWriterConfig validates compression and row group settings
func ValidateWriterConfig(config *WriterConfig) error {
	if _, err := GetCompressionCodec(config.Compression); err != nil {
		return err
	}

	if err := validateCompressionLevel(config.Compression, config.CompressionLevel); err != nil {
		return err
	}

	for column, compression := range config.ColumnCompression {
		if _, err := GetCompressionCodec(compression); err != nil {
			return errors.WithAdditional(err, "column %s", column)
		}
	}

	if config.RowGroupLength <= 0 {
		return errors.New(ParquetInvalidRowGroupLength, "row group length must be positive", nil).AddContext("row_group_length", fmt.Sprintf("%d", config.RowGroupLength))
	}

	return nil
}

// validateCompressionLevel checks if compression level is valid for the algorithm.
// Level 0 selects the codec default.
func validateCompressionLevel(compression string, level int) error {
	if level == 0 {
		return nil
	}
	switch strings.ToLower(compression) {
	case "none", "uncompressed", "snappy", "lz4":
		// These don't use compression levels
		return nil
	case "gzip", "gz":
		if level < 1 || level > 9 {
			return errors.New(ParquetCompressionInvalidLevel, "gzip compression level must be between 1 and 9", nil).AddContext("level", fmt.Sprintf("%d", level)).AddContext("compression", "gzip")
		}
	case "brotli":
		if level < 1 || level > 11 {
			return errors.New(ParquetCompressionInvalidLevel, "brotli compression level must be between 1 and 11", nil).AddContext("level", fmt.Sprintf("%d", level)).AddContext("compression", "brotli")
		}
	case "zstd":
		if level < 1 || level > 22 {
			return errors.New(ParquetCompressionInvalidLevel, "zstd compression level must be between 1 and 22", nil).AddContext("level", fmt.Sprintf("%d", level)).AddContext("compression", "zstd")
		}
	}
	return nil
}

// GetCompressionForColumn returns the compression type for a specific column
func GetCompressionForColumn(config *WriterConfig, columnName string) string {
	if columnCompression, exists := config.ColumnCompression[columnName]; exists {
		return columnCompression
	}
	return config.Compression
}

// NewWriterProperties builds the Parquet writer properties for config.
func NewWriterProperties(config *WriterConfig, mem memory.Allocator) (*pq.WriterProperties, error) {
	if config == nil {
		config = DefaultWriterConfig()
	}
	if err := ValidateWriterConfig(config); err != nil {
		return nil, err
	}

	defaultCodec, err := GetCompressionCodec(config.Compression)
	if err != nil {
		return nil, err
	}

	opts := []pq.WriterProperty{
		pq.WithCompression(defaultCodec),
		pq.WithMaxRowGroupLength(config.RowGroupLength),
		pq.WithStats(config.EnableStats),
		pq.WithCreatedBy("omero-tables"),
	}
	if requiresCompressionLevel(config.Compression) && config.CompressionLevel > 0 {
		opts = append(opts, pq.WithCompressionLevel(config.CompressionLevel))
	}
	for column, compression := range config.ColumnCompression {
		codec, err := GetCompressionCodec(compression)
		if err != nil {
			return nil, err
		}
		opts = append(opts, pq.WithCompressionFor(column, codec))
	}
	if mem != nil {
		opts = append(opts, pq.WithAllocator(mem))
	}

	return pq.NewWriterProperties(opts...), nil
}

// requiresCompressionLevel checks if a compression algorithm uses compression levels
func requiresCompressionLevel(compression string) bool {
	switch strings.ToLower(compression) {
	case "gzip", "gz", "brotli", "zstd":
		return true
	default:
		return false
	}
}
