package credstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tfshome/tfsctl/internal/logging"
)

func TestFileStore_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")

	first, err := NewFileStore(path, "api.example.com", logging.Discard())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if err := first.Set(Pair{Access: "a1", Refresh: "r1"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	second, err := NewFileStore(path, "API.example.com", logging.Discard())
	if err != nil {
		t.Fatalf("NewFileStore() reopen error = %v", err)
	}
	got := second.Get()
	if got == nil || got.Access != "a1" || got.Refresh != "r1" {
		t.Fatalf("Get() after reopen = %+v, want a1/r1", got)
	}
}

func TestFileStore_FileModeAndFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")

	s, err := NewFileStore(path, "api.example.com", logging.Discard())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if err := s.Set(Pair{Access: "a1", Refresh: "r1"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file mode = %o, want 600", perm)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var doc credentialsFile
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.Version != FileVersion {
		t.Errorf("Version = %d, want %d", doc.Version, FileVersion)
	}
	if doc.Domains["api.example.com"] == nil {
		t.Errorf("Domains = %v, want api.example.com entry", doc.Domains)
	}

	leftovers, _ := filepath.Glob(path + ".*.tmp")
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestFileStore_DomainsShareFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")

	a, err := NewFileStore(path, "a.example.com", logging.Discard())
	if err != nil {
		t.Fatalf("NewFileStore(a) error = %v", err)
	}
	b, err := NewFileStore(path, "b.example.com", logging.Discard())
	if err != nil {
		t.Fatalf("NewFileStore(b) error = %v", err)
	}

	if err := a.Set(Pair{Access: "a", Refresh: "ra"}); err != nil {
		t.Fatalf("a.Set() error = %v", err)
	}
	if err := b.Set(Pair{Access: "b", Refresh: "rb"}); err != nil {
		t.Fatalf("b.Set() error = %v", err)
	}
	if err := b.Clear(); err != nil {
		t.Fatalf("b.Clear() error = %v", err)
	}

	if err := a.Reload(); err != nil {
		t.Fatalf("a.Reload() error = %v", err)
	}
	if got := a.Get(); got == nil || got.Access != "a" {
		t.Fatalf("a.Get() = %+v, want access a", got)
	}
}

func TestFileStore_RejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(path, []byte(`{"version": 99, "domains": {}}`), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := NewFileStore(path, "api.example.com", logging.Discard()); err == nil {
		t.Fatal("NewFileStore() with newer version = nil error, want error")
	}
}

func TestFileStore_DropsHalfPairsOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	doc := `{"version": 1, "domains": {"api.example.com": {"access": "a", "refresh": ""}}}`
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	s, err := NewFileStore(path, "api.example.com", logging.Discard())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if got := s.Get(); got != nil {
		t.Fatalf("Get() = %+v, want nil for a half pair on disk", got)
	}
}

func TestFileStore_ClearWithCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	s, err := NewFileStore(path, "api.example.com", logging.Discard())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if err := s.Set(Pair{Access: "a", Refresh: "r"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if got := s.Get(); got != nil {
		t.Fatalf("Get() after Clear = %+v, want nil", got)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("corrupt file still at %s (stat err = %v)", path, err)
	}
	backups, _ := filepath.Glob(path + ".corrupt.*")
	if len(backups) != 1 {
		t.Fatalf("backups = %v, want one", backups)
	}

	reopened, err := NewFileStore(path, "api.example.com", logging.Discard())
	if err != nil {
		t.Fatalf("NewFileStore() after quarantine error = %v", err)
	}
	if got := reopened.Get(); got != nil {
		t.Errorf("reopened Get() = %+v, want nil", got)
	}
}

func TestFileStore_ClearDropsCacheWhenFileUnreadable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "creds")
	path := filepath.Join(dir, "credentials.json")
	s, err := NewFileStore(path, "api.example.com", logging.Discard())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if err := s.Set(Pair{Access: "a", Refresh: "r"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	// A directory in place of the file makes every read fail.
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := os.Mkdir(path, 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := s.Clear(); err == nil {
		t.Error("Clear() with unreadable file = nil error, want error")
	}
	if got := s.Get(); got != nil {
		t.Fatalf("Get() after failed Clear = %+v, want nil", got)
	}
}

func TestFileStore_WatchPicksUpExternalWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")

	watched, err := NewFileStore(path, "api.example.com", logging.Discard())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if err := watched.Watch(); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	t.Cleanup(func() { _ = watched.Close() })

	other, err := NewFileStore(path, "api.example.com", logging.Discard())
	if err != nil {
		t.Fatalf("NewFileStore(other) error = %v", err)
	}
	if err := other.Set(Pair{Access: "external", Refresh: "r"}); err != nil {
		t.Fatalf("other.Set() error = %v", err)
	}

	waitFor(t, func() bool {
		p := watched.Get()
		return p != nil && p.Access == "external"
	})

	if err := other.Clear(); err != nil {
		t.Fatalf("other.Clear() error = %v", err)
	}
	waitFor(t, func() bool { return watched.Get() == nil })
}

func TestFileStore_CloseWithoutWatch(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "credentials.json"), "api.example.com", logging.Discard())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
