package parquet

// Default writer settings.
const (
	DefaultCompression    = "snappy"
	DefaultRowGroupLength = 64 * 1024
)

// WriterConfig holds the settings used when a table file is rewritten.
type WriterConfig struct {
	Compression       string
	CompressionLevel  int
	ColumnCompression map[string]string
	RowGroupLength    int64
	EnableStats       bool
}

// DefaultWriterConfig returns the settings used when none are configured.
func DefaultWriterConfig() *WriterConfig {
	return &WriterConfig{
		Compression:       DefaultCompression,
		ColumnCompression: make(map[string]string),
		RowGroupLength:    DefaultRowGroupLength,
		EnableStats:       true,
	}
}
