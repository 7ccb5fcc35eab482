// Package db is the SQLite state store: persisted credentials and the
// activity log.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tfshome/tfsctl/internal/config"
)

// pragmas run on the single connection after open. The watch loop and
// one-shot commands may hold the same file, hence the busy timeout.
var pragmas = []string{
	`PRAGMA journal_mode=WAL;`,
	`PRAGMA busy_timeout=5000;`,
	`PRAGMA foreign_keys=ON;`,
}

// DB wraps a single-connection SQLite handle with migrations applied.
type DB struct {
	path string
	conn *sql.DB
}

// Open opens the database at DefaultPath.
func Open() (*DB, error) {
	return OpenAt(DefaultPath())
}

// OpenAt opens or creates the database at path. A file that is not a usable
// SQLite database is moved aside to path.corrupt.<timestamp> and replaced by
// an empty one.
func OpenAt(path string) (*DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("db path is required")
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	conn, err := connect(path)
	if err != nil && looksCorrupt(err) {
		if qerr := quarantine(path, time.Now()); qerr != nil {
			return nil, fmt.Errorf("db unusable (%v): %w", err, qerr)
		}
		conn, err = connect(path)
	}
	if err != nil {
		return nil, err
	}
	return &DB{path: path, conn: conn}, nil
}

func (d *DB) Close() error {
	if d == nil || d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

// Conn exposes the handle for migrations and tests.
func (d *DB) Conn() *sql.DB {
	if d == nil {
		return nil
	}
	return d.conn
}

func (d *DB) Path() string {
	if d == nil {
		return ""
	}
	return d.path
}

// DefaultPath is tfsctl.db under the data directory.
func DefaultPath() string {
	return filepath.Join(config.DataDir(), "tfsctl.db")
}

func connect(path string) (*sql.DB, error) {
	// mode=rwc creates the file on first use.
	conn, err := sql.Open("sqlite", "file:"+filepath.ToSlash(path)+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// PRAGMAs are per connection.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := prepare(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func prepare(conn *sql.DB) error {
	if err := conn.Ping(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", strings.TrimSuffix(pragma, ";"), err)
		}
	}
	return RunMigrations(conn)
}

func looksCorrupt(err error) bool {
	if errors.Is(err, os.ErrInvalid) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "file is not a database") || strings.Contains(msg, "malformed")
}

// quarantine renames path and its -wal/-shm sidecars to a timestamped backup
// name. Missing files are skipped.
func quarantine(path string, now time.Time) error {
	backup := path + ".corrupt." + now.UTC().Format("20060102T150405Z")
	for _, suffix := range []string{"", "-wal", "-shm"} {
		err := os.Rename(path+suffix, backup+suffix)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("move aside %s: %w", filepath.Base(path+suffix), err)
		}
	}
	return nil
}
