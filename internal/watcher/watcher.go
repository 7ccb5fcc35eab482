// Package watcher reports changes to a single file written by another process,
// such as the credential file updated by a concurrent tfsctl invocation.
package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventType is the kind of change seen on the watched file.
type EventType int

const (
	EventFileWritten EventType = iota
	EventFileRemoved
)

func (t EventType) String() string {
	switch t {
	case EventFileWritten:
		return "file_written"
	case EventFileRemoved:
		return "file_removed"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Event is a debounced change to the watched file.
type Event struct {
	Type EventType
	Path string
}

// Watcher watches the parent directory of a file so atomic replace-by-rename
// is seen, and emits debounced events for that file only.
type Watcher struct {
	path string
	dir  string
	base string

	fsWatcher *fsnotify.Watcher
	events    chan Event
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once

	debouncer *debouncer

	wg sync.WaitGroup
}

const (
	defaultDebounceDelay = 100 * time.Millisecond
	defaultEventsBuffer  = 16
	defaultErrorsBuffer  = 4
)

// New watches path with the default debounce delay (100ms).
func New(path string) (*Watcher, error) {
	return NewWithDebounceDelay(path, defaultDebounceDelay)
}

// NewWithDebounceDelay watches path with a configurable debounce delay.
// The file itself need not exist yet; its directory is created if missing.
func NewWithDebounceDelay(path string, delay time.Duration) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("ensure dir exists: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		path:      absPath,
		dir:       dir,
		base:      filepath.Base(absPath),
		fsWatcher: fsw,
		events:    make(chan Event, defaultEventsBuffer),
		errors:    make(chan error, defaultErrorsBuffer),
		done:      make(chan struct{}),
		debouncer: newDebouncer(delay),
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run()
	}()

	return w, nil
}

func (w *Watcher) run() {
	defer close(w.events)
	defer close(w.errors)

	for {
		select {
		case <-w.done:
			return
		case evt, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if translated := w.translateEvent(evt); translated != nil {
				w.emitEvent(*translated)
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.emitError(err)
		}
	}
}

// Path returns the absolute path being watched.
func (w *Watcher) Path() string { return w.path }

// Events returns a channel of debounced file events.
func (w *Watcher) Events() <-chan Event { return w.events }

// Errors returns a channel of watcher errors.
func (w *Watcher) Errors() <-chan error { return w.errors }

// Close stops the watcher and releases OS resources. Safe to call twice.
func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}

	w.closeOnce.Do(func() {
		close(w.done)
	})

	err := w.fsWatcher.Close()
	w.wg.Wait()
	if errors.Is(err, fsnotify.ErrClosed) {
		return nil
	}
	return err
}

func (w *Watcher) emitEvent(e Event) {
	select {
	case w.events <- e:
	default:
		// Drop if the consumer is stalled.
	}
}

func (w *Watcher) emitError(err error) {
	select {
	case w.errors <- err:
	default:
	}
}

func (w *Watcher) translateEvent(e fsnotify.Event) *Event {
	if w == nil || e.Name == "" {
		return nil
	}

	clean := filepath.Clean(e.Name)
	if filepath.Dir(clean) != w.dir || filepath.Base(clean) != w.base {
		return nil
	}

	var etype EventType
	switch {
	case e.Op&(fsnotify.Create|fsnotify.Write) != 0:
		etype = EventFileWritten
	case e.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// A rename away from the path followed by a create is the normal
		// atomic-write sequence, so confirm the file is really gone.
		if _, err := os.Stat(clean); err == nil {
			etype = EventFileWritten
		} else {
			etype = EventFileRemoved
		}
	default:
		return nil
	}

	if !w.debouncer.ShouldEmit(etype) {
		return nil
	}

	return &Event{Type: etype, Path: clean}
}
