package credstore

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tfshome/tfsctl/internal/db"
)

// SQLiteStore keeps the pair in the credentials table, one row per domain.
type SQLiteStore struct {
	db     *db.DB
	ownsDB bool
	domain string
	logger *slog.Logger

	// Serialises read-modify-write against this process's own writers;
	// SQLite handles cross-process locking.
	mu sync.Mutex
}

// NewSQLiteStore wraps an open database. The caller keeps ownership of d.
func NewSQLiteStore(d *db.DB, domain string, logger *slog.Logger) (*SQLiteStore, error) {
	if d == nil {
		return nil, fmt.Errorf("db is required")
	}
	if strings.TrimSpace(domain) == "" {
		return nil, fmt.Errorf("domain is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStore{db: d, domain: strings.ToLower(domain), logger: logger}, nil
}

func (s *SQLiteStore) Get() *Pair {
	row, err := s.db.GetCredentials(s.domain)
	if err != nil {
		s.logger.Warn("read credentials failed", "domain", s.domain, "error", err)
		return nil
	}
	if row == nil {
		return nil
	}
	p := &Pair{
		Access:          row.AccessToken,
		Refresh:         row.RefreshToken,
		AccessExpiresAt: row.AccessExpiresAt,
	}
	if p.Validate() != nil {
		return nil
	}
	return p
}

func (s *SQLiteStore) Set(p Pair) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.PutCredentials(db.CredentialRow{
		Domain:          s.domain,
		AccessToken:     p.Access,
		RefreshToken:    p.Refresh,
		AccessExpiresAt: p.AccessExpiresAt,
	})
}

func (s *SQLiteStore) SetAccessOnly(access string, expiresAt time.Time) error {
	if strings.TrimSpace(access) == "" {
		return ErrIncompletePair
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.UpdateAccessToken(s.domain, access, expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoCredentials
	}
	return err
}

func (s *SQLiteStore) Rotate(expectedRefresh string, p Pair) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.RotateCredentials(expectedRefresh, db.CredentialRow{
		Domain:          s.domain,
		AccessToken:     p.Access,
		RefreshToken:    p.Refresh,
		AccessExpiresAt: p.AccessExpiresAt,
	})
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoCredentials
	}
	return err
}

func (s *SQLiteStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.DeleteCredentials(s.domain)
}

// Close closes the database only if the store opened it.
func (s *SQLiteStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
