package credstore

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/tfshome/tfsctl/internal/config"
	"github.com/tfshome/tfsctl/internal/db"
)

// ClosableStore is a Store holding OS resources.
type ClosableStore interface {
	Store
	io.Closer
}

type openOptions struct {
	logger *slog.Logger
	db     *db.DB
	watch  bool
}

// Option configures Open.
type Option func(*openOptions)

// WithLogger sets the logger used for backend warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(o *openOptions) { o.logger = logger }
}

// WithDB shares an already open database with the sqlite backend.
func WithDB(d *db.DB) Option {
	return func(o *openOptions) { o.db = d }
}

// WithWatch makes the file backend follow external rewrites.
func WithWatch(enabled bool) Option {
	return func(o *openOptions) { o.watch = enabled }
}

// Open builds the backend named by cfg.Credentials.Backend, scoped to the
// configured API domain.
func Open(cfg *config.Config, opts ...Option) (ClosableStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	o := &openOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	logger := o.logger.With("component", "credstore", "backend", cfg.Credentials.Backend)
	domain := cfg.Domain()

	switch cfg.Credentials.Backend {
	case config.BackendMemory:
		return NewMemoryStore(), nil

	case config.BackendFile:
		s, err := NewFileStore(cfg.Credentials.Path, domain, logger)
		if err != nil {
			return nil, err
		}
		if o.watch {
			if err := s.Watch(); err != nil {
				logger.Warn("credential file watch unavailable", "error", err)
			}
		}
		return s, nil

	case config.BackendSQLite:
		d := o.db
		owns := false
		if d == nil {
			var err error
			d, err = db.OpenAt(cfg.Credentials.DBPath)
			if err != nil {
				return nil, fmt.Errorf("open credentials db: %w", err)
			}
			owns = true
		}
		s, err := NewSQLiteStore(d, domain, logger)
		if err != nil {
			if owns {
				_ = d.Close()
			}
			return nil, err
		}
		s.ownsDB = owns
		return s, nil

	default:
		return nil, fmt.Errorf("unknown credentials backend %q", cfg.Credentials.Backend)
	}
}
