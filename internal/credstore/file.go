package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tfshome/tfsctl/internal/watcher"
)

// FileVersion is the current credentials file format version.
const FileVersion = 1

// errCorruptFile marks a credentials file that exists but cannot be parsed.
var errCorruptFile = errors.New("credentials file is corrupt")

// credentialsFile is the on-disk document. One file holds pairs for every
// API domain the user has logged in to.
type credentialsFile struct {
	Version   int              `json:"version"`
	UpdatedAt time.Time        `json:"updated_at"`
	Domains   map[string]*Pair `json:"domains"`
}

// FileStore keeps the pair for one domain in a 0600 JSON file shared with
// other domains. Reads are served from memory; the cache is refreshed when
// another process rewrites the file (see Watch).
type FileStore struct {
	path   string
	domain string
	logger *slog.Logger

	mu   sync.RWMutex
	pair *Pair

	watchMu sync.Mutex
	watch   *watcher.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewFileStore loads path (a missing file means unauthenticated) and returns
// a store scoped to domain.
func NewFileStore(path, domain string, logger *slog.Logger) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("credentials path is required")
	}
	if strings.TrimSpace(domain) == "" {
		return nil, fmt.Errorf("domain is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &FileStore{
		path:   filepath.Clean(path),
		domain: strings.ToLower(domain),
		logger: logger,
	}
	doc, err := s.readFile()
	if err != nil {
		return nil, err
	}
	s.pair = clonePair(doc.Domains[s.domain])
	return s, nil
}

// Path returns the credentials file location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Get() *Pair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clonePair(s.pair)
}

func (s *FileStore) Set(p Pair) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.updateFile(func(doc *credentialsFile) error {
		doc.Domains[s.domain] = clonePair(&p)
		return nil
	}); err != nil {
		return err
	}
	s.pair = clonePair(&p)
	return nil
}

func (s *FileStore) SetAccessOnly(access string, expiresAt time.Time) error {
	if strings.TrimSpace(access) == "" {
		return ErrIncompletePair
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated *Pair
	if err := s.updateFile(func(doc *credentialsFile) error {
		current := doc.Domains[s.domain]
		if current == nil {
			return ErrNoCredentials
		}
		current.Access = access
		current.AccessExpiresAt = expiresAt
		updated = clonePair(current)
		return nil
	}); err != nil {
		if errors.Is(err, ErrNoCredentials) {
			s.pair = nil
		}
		return err
	}
	s.pair = updated
	return nil
}

func (s *FileStore) Rotate(expectedRefresh string, p Pair) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.updateFile(func(doc *credentialsFile) error {
		current := doc.Domains[s.domain]
		if current == nil || current.Refresh != expectedRefresh {
			return ErrNoCredentials
		}
		doc.Domains[s.domain] = clonePair(&p)
		return nil
	}); err != nil {
		if errors.Is(err, ErrNoCredentials) {
			s.pair = nil
		}
		return err
	}
	s.pair = clonePair(&p)
	return nil
}

// Clear drops the cached pair before touching the file, so a failed write
// never leaves stale credentials in use. A file that no longer parses is
// moved aside to path.corrupt.<timestamp>.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = nil

	err := s.updateFile(func(doc *credentialsFile) error {
		delete(doc.Domains, s.domain)
		return nil
	})
	if !errors.Is(err, errCorruptFile) {
		return err
	}
	backup := s.path + ".corrupt." + time.Now().UTC().Format("20060102T150405Z")
	if renameErr := os.Rename(s.path, backup); renameErr != nil && !os.IsNotExist(renameErr) {
		return fmt.Errorf("quarantine credentials file: %w", errors.Join(err, renameErr))
	}
	s.logger.Warn("moved unreadable credentials file aside", "path", s.path, "backup", backup, "error", err)
	return nil
}

// Reload re-reads the file into the cache.
func (s *FileStore) Reload() error {
	doc, err := s.readFile()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pair = clonePair(doc.Domains[s.domain])
	s.mu.Unlock()
	return nil
}

// Watch starts following external rewrites of the file. Calling it twice is
// a no-op. Close stops it.
func (s *FileStore) Watch() error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watch != nil {
		return nil
	}

	w, err := watcher.New(s.path)
	if err != nil {
		return fmt.Errorf("watch credentials file: %w", err)
	}
	s.watch = w
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.watchLoop(w, s.stopCh, s.doneCh)
	return nil
}

func (s *FileStore) watchLoop(w *watcher.Watcher, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-stopCh:
			return
		case evt, ok := <-w.Events():
			if !ok {
				return
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("reload credentials failed", "path", s.path, "event", evt.Type.String(), "error", err)
				continue
			}
			s.logger.Debug("credentials reloaded", "path", s.path, "event", evt.Type.String())
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			s.logger.Warn("credentials watcher error", "error", err)
		}
	}
}

// Close stops the watcher, if any.
func (s *FileStore) Close() error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watch == nil {
		return nil
	}
	close(s.stopCh)
	err := s.watch.Close()
	<-s.doneCh
	s.watch = nil
	return err
}

func (s *FileStore) readFile() (*credentialsFile, error) {
	doc := &credentialsFile{Version: FileVersion, Domains: make(map[string]*Pair)}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return doc, nil
	}

	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parsing credentials file: %w: %w", errCorruptFile, err)
	}
	if doc.Version > FileVersion {
		return nil, fmt.Errorf("credentials file version %d is newer than supported version %d", doc.Version, FileVersion)
	}
	if doc.Domains == nil {
		doc.Domains = make(map[string]*Pair)
	}
	for domain, p := range doc.Domains {
		if p == nil || p.Validate() != nil {
			delete(doc.Domains, domain)
		}
	}
	return doc, nil
}

// updateFile applies mutate to the current document and writes it back
// atomically. Caller holds s.mu.
func (s *FileStore) updateFile(mutate func(*credentialsFile) error) error {
	doc, err := s.readFile()
	if err != nil {
		return err
	}
	if err := mutate(doc); err != nil {
		return err
	}
	doc.Version = FileVersion
	doc.UpdatedAt = time.Now().UTC()
	return writeFileAtomic(s.path, doc)
}

func writeFileAtomic(path string, doc *credentialsFile) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := tmpFile.Chmod(0600); err != nil {
		tmpFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing credentials: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("syncing credentials: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming credentials file: %w", err)
	}

	success = true
	return nil
}
