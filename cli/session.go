package cli

import (
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ome/openmicroscopy-sub004/server/config"
	"github.com/ome/openmicroscopy-sub004/server/tables"
)

// session is the state one command invocation works with.
type session struct {
	cfg     *config.Config
	logger  zerolog.Logger
	service *tables.Service
	out     io.Writer
	format  string
}

func newSession(cmd *cobra.Command, opts *rootOptions) (*session, error) {
	cfg := config.LoadDefaultConfig()
	if opts.configPath != "" {
		loaded, err := config.LoadConfig(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if opts.dataPath != "" {
		cfg.Storage.DataPath = opts.dataPath
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	// A one-shot command has nobody to scrape it.
	cfg.Metrics.Enabled = false

	logger, err := config.SetupLogger(cfg)
	if err != nil {
		return nil, err
	}
	svc, err := tables.NewService(cfg, logger)
	if err != nil {
		return nil, err
	}

	out := cmd.OutOrStdout()
	return &session{
		cfg:     cfg,
		logger:  logger,
		service: svc,
		out:     out,
		format:  resolveFormat(opts.output, out),
	}, nil
}

// open returns a handle on path. The caller closes it.
func (s *session) open(path string, readOnly bool) (*tables.Table, error) {
	tbl, err := s.service.Open(path, readOnly)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Str("path", tbl.Store().Path()).Bool("read_only", readOnly).Msg("opened table")
	return tbl, nil
}

func (s *session) Close() {
	if err := s.service.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to close tables")
	}
}

// withTable runs fn against a handle on path and closes everything after.
func withTable(cmd *cobra.Command, opts *rootOptions, path string, readOnly bool, fn func(*session, *tables.Table) error) error {
	s, err := newSession(cmd, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	tbl, err := s.open(path, readOnly)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := tbl.Close(); cerr != nil {
			s.logger.Warn().Err(cerr).Msg("failed to close table handle")
		}
	}()
	return fn(s, tbl)
}
