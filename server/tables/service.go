package tables

import (
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"

	"github.com/ome/openmicroscopy-sub004/pkg/errors"
	"github.com/ome/openmicroscopy-sub004/server/config"
	"github.com/ome/openmicroscopy-sub004/server/metrics"
	"github.com/ome/openmicroscopy-sub004/server/paths"
	"github.com/ome/openmicroscopy-sub004/server/query"
	"github.com/ome/openmicroscopy-sub004/server/storage/filesystem"
	"github.com/ome/openmicroscopy-sub004/server/storage/lock"
	"github.com/ome/openmicroscopy-sub004/server/storage/registry"
	"github.com/ome/openmicroscopy-sub004/utils"
)

// openAttempts bounds how often Open retries when it races with the last
// handle of a table closing.
const openAttempts = 3

// Service turns table paths into handles. It owns the registry, so each
// process normally runs a single Service.
type Service struct {
	cfg      *config.Config
	logger   zerolog.Logger
	resolver paths.Resolver
	oracle   paths.Oracle
	locker   lock.Locker
	metrics  *metrics.Metrics
	mem      memory.Allocator

	registry  *registry.Registry[*Store]
	evaluator *query.Evaluator
}

// Option configures a Service.
type Option func(*Service)

// WithOracle replaces the filesystem path oracle.
func WithOracle(o paths.Oracle) Option {
	return func(s *Service) { s.oracle = o }
}

// WithLocker replaces the advisory lock primitive.
func WithLocker(l lock.Locker) Option {
	return func(s *Service) { s.locker = l }
}

// WithMetrics uses m instead of collectors built from the configuration.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithAllocator sets the Arrow allocator used for encoding and decoding.
func WithAllocator(mem memory.Allocator) Option {
	return func(s *Service) { s.mem = mem }
}

// NewService validates cfg, prepares the data directory and builds the
// collaborators shared by every table.
func NewService(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.LoadDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := filesystem.EnsureDataDir(cfg.GetStoragePath()); err != nil {
		return nil, err
	}

	manager := paths.NewManager(cfg.GetStoragePath())
	s := &Service{
		cfg:      cfg,
		logger:   logger,
		resolver: manager,
		oracle:   manager,
		locker:   lock.NewFlock(),
		mem:      memory.NewGoAllocator(),
	}
	if cfg.Metrics.Enabled {
		s.metrics = metrics.New(cfg.Metrics.Namespace)
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry = registry.New[*Store](s.oracle, s.locker, logger)
	s.evaluator = query.NewEvaluator(cfg.Query.MaxSteps)
	return s, nil
}

// Open returns a new handle on the table at path, creating an empty file
// when there is none. Relative paths are resolved against the data
// directory.
func (s *Service) Open(path string, readOnly bool) (*Table, error) {
	resolved, err := s.resolver.Resolve(path)
	if err != nil {
		return nil, errors.New(errors.TableInvalidPath, "invalid table path", err).AddContext("path", path)
	}

	for attempt := 1; ; attempt++ {
		t, err := s.open(resolved, readOnly)
		if err == nil || !errors.HasCode(err, errors.TableClosed) || attempt == openAttempts {
			return t, err
		}
		s.logger.Debug().Str("path", resolved).Int("attempt", attempt).Msg("table closed while opening, retrying")
	}
}

func (s *Service) open(path string, readOnly bool) (t *Table, err error) {
	defer func(start time.Time) { s.metrics.Observe("open", start, err) }(time.Now())

	id := utils.GenerateULIDString()
	var table *Table
	_, err = s.registry.OpenOrCreate(path, readOnly, s.openStore, func(st *Store) error {
		_, stamp, err := st.attach(id)
		if err != nil {
			return err
		}
		table = newTable(id, st, readOnly, stamp)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return table, nil
}

func (s *Service) openStore(path string, readOnly bool) (*Store, error) {
	return OpenStore(path, readOnly, StoreOptions{
		Registry:  s.registry,
		Writer:    s.cfg.Storage.WriterConfig(),
		Evaluator: s.evaluator,
		Metrics:   s.metrics,
		Allocator: s.mem,
		Logger:    s.logger,
	})
}

// Close cleans up every open store. Handles still attached become unusable.
func (s *Service) Close() error {
	var first error
	for _, p := range s.registry.Paths() {
		st, ok := s.registry.Lookup(p)
		if !ok {
			continue
		}
		if err := st.Cleanup(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Registry exposes the registry of open table files.
func (s *Service) Registry() *registry.Registry[*Store] { return s.registry }

// Metrics returns the service collectors, or nil when metrics are off.
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

// Resolve maps a table location to the canonical path Open would use.
func (s *Service) Resolve(path string) (string, error) {
	return s.resolver.Resolve(path)
}
