package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ome/openmicroscopy-sub004/pkg/errors"
)

const backupTimeLayout = "2006-01-02-15-04-05"

// logFile opens the configured log file, rotating it first when it has
// grown past MaxSize megabytes. Rotation happens once, at open.
type logFile struct {
	cfg *LogConfig
}

func (lf logFile) open() (*os.File, error) {
	path := lf.cfg.FilePath
	if path == "" {
		return nil, errors.New(ErrLogFilePathRequired, "no log file path specified", nil)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.New(ErrLogDirectoryCreationFailed, "failed to create log directory", err).AddContext("path", path)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if lf.cfg.Cleanup {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	} else if err := lf.rotateIfFull(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, errors.New(ErrLogFileOpenFailed, "failed to open log file", err).AddContext("path", path)
	}
	return f, nil
}

func (lf logFile) rotateIfFull() error {
	if lf.cfg.MaxSize <= 0 {
		return nil
	}
	info, err := os.Stat(lf.cfg.FilePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.New(ErrLogFileStatFailed, "failed to stat log file", err)
	}
	if info.Size() < int64(lf.cfg.MaxSize)<<20 {
		return nil
	}

	backup := fmt.Sprintf("%s.%s", lf.cfg.FilePath, time.Now().Format(backupTimeLayout))
	if err := os.Rename(lf.cfg.FilePath, backup); err != nil {
		return errors.New(ErrLogRotationFailed, "failed to rotate log file", err).AddContext("backup_path", backup)
	}
	// A failed prune leaves extra backups behind but the new file is usable.
	if err := lf.prune(time.Now()); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	return nil
}

// prune removes backups beyond MaxBackups, oldest first, and any older than
// MaxAge days.
func (lf logFile) prune(now time.Time) error {
	if lf.cfg.MaxBackups <= 0 && lf.cfg.MaxAge <= 0 {
		return nil
	}
	dir, base := filepath.Split(lf.cfg.FilePath)
	entries, err := os.ReadDir(filepath.Clean(dir))
	if err != nil {
		return errors.New(ErrLogBackupReadFailed, "failed to read log directory", err)
	}

	type backup struct {
		path    string
		modTime time.Time
	}
	var backups []backup
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), base+".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backup{filepath.Join(dir, entry.Name()), info.ModTime()})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].modTime.Before(backups[j].modTime) })

	excess := 0
	if lf.cfg.MaxBackups > 0 && len(backups) > lf.cfg.MaxBackups {
		excess = len(backups) - lf.cfg.MaxBackups
	}
	cutoff := now.AddDate(0, 0, -lf.cfg.MaxAge)
	for i, b := range backups {
		expired := lf.cfg.MaxAge > 0 && b.modTime.Before(cutoff)
		if i >= excess && !expired {
			continue
		}
		if err := os.Remove(b.path); err != nil {
			return errors.New(ErrLogBackupRemoveFailed, "failed to remove old backup", err).AddContext("backup_path", b.path)
		}
	}
	return nil
}

// SetupLogger creates a configured zerolog logger based on the configuration.
// Console output goes to stderr so command output on stdout stays clean.
func SetupLogger(cfg *Config) (zerolog.Logger, error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	if cfg.Log.Console {
		if cfg.Log.Format == "json" {
			writers = append(writers, os.Stderr)
		} else {
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		}
	}
	if cfg.Log.FilePath != "" {
		f, err := logFile{cfg: &cfg.Log}.open()
		if err != nil {
			return zerolog.Logger{}, errors.New(ErrLogFileWriterSetupFailed, "failed to setup file writer", err)
		}
		writers = append(writers, f)
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = io.Discard
	case 1:
		out = writers[0]
	default:
		out = zerolog.MultiLevelWriter(writers...)
	}

	return zerolog.New(out).Level(level).With().
		Timestamp().
		Str("component", "tables").
		Logger(), nil
}
