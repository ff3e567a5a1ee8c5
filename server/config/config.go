package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ome/openmicroscopy-sub004/pkg/errors"
	"github.com/ome/openmicroscopy-sub004/server/storage/parquet"
)

// Config represents the table service configuration
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
	Query   QueryConfig   `yaml:"query"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`      // "json" or "console"
	FilePath   string `yaml:"file_path"`   // Path to log file
	Console    bool   `yaml:"console"`     // Whether to log to console
	MaxSize    int    `yaml:"max_size"`    // Max file size in MB
	MaxBackups int    `yaml:"max_backups"` // Max number of backup files
	MaxAge     int    `yaml:"max_age"`     // Max age in days
	Cleanup    bool   `yaml:"cleanup"`     // Whether to cleanup log file on startup
}

// StorageConfig represents table file storage configuration
type StorageConfig struct {
	DataPath         string `yaml:"data_path"`
	Compression      string `yaml:"compression"`
	CompressionLevel int    `yaml:"compression_level"`
	RowGroupLength   int64  `yaml:"row_group_length"`
}

// QueryConfig bounds where-query evaluation
type QueryConfig struct {
	MaxSteps uint64 `yaml:"max_steps"` // Starlark steps allowed per row
}

// MetricsConfig controls Prometheus collectors
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// LoadDefaultConfig returns a default configuration
func LoadDefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			Console:    true,
			MaxSize:    100, // 100MB
			MaxBackups: 3,
			MaxAge:     7, // 7 days
		},
		Storage: StorageConfig{
			DataPath:       "./data",
			Compression:    parquet.DefaultCompression,
			RowGroupLength: parquet.DefaultRowGroupLength,
		},
		Query: QueryConfig{
			MaxSteps: 10_000,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "omero_tables",
		},
	}
}

// LoadConfig loads configuration from a file. Settings missing from the
// file keep their defaults.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.New(ErrConfigFileReadFailed, "failed to read config file", err).AddContext("path", filename)
	}

	config := LoadDefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.New(ErrConfigFileParseFailed, "failed to parse config file", err).AddContext("path", filename)
	}

	// Validate the loaded configuration
	if err := config.Validate(); err != nil {
		return nil, errors.New(ErrConfigValidationFailed, "configuration validation failed", err)
	}

	return config, nil
}

// SaveConfig saves configuration to a file
func SaveConfig(config *Config, filename string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return errors.New(ErrConfigFileMarshalFailed, "failed to marshal config", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return errors.New(ErrConfigFileWriteFailed, "failed to write config file", err).AddContext("path", filename)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return errors.New(ErrStorageValidationFailed, "storage validation failed", err)
	}
	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		return errors.New(ErrMetricsNamespaceRequired, "metrics namespace is required when metrics are enabled", nil)
	}
	return nil
}

// Validate validates the storage configuration
func (s *StorageConfig) Validate() error {
	if s.DataPath == "" {
		return errors.New(ErrDataPathRequired, "data_path is required in storage configuration", nil)
	}
	if err := parquet.ValidateWriterConfig(s.WriterConfig()); err != nil {
		return errors.New(ErrWriterConfigInvalid, "invalid parquet writer settings", err)
	}
	return nil
}

// WriterConfig converts the storage settings into parquet writer settings
func (s *StorageConfig) WriterConfig() *parquet.WriterConfig {
	wc := parquet.DefaultWriterConfig()
	if s.Compression != "" {
		wc.Compression = s.Compression
	}
	wc.CompressionLevel = s.CompressionLevel
	if s.RowGroupLength != 0 {
		wc.RowGroupLength = s.RowGroupLength
	}
	return wc
}

// GetStoragePath returns the storage path
func (c *Config) GetStoragePath() string {
	return c.Storage.DataPath
}
