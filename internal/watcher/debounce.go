package watcher

import (
	"sync"
	"time"
)

// debouncer collapses bursts of writes to the watched file. One atomic
// replace produces several fsnotify events; consumers only need to re-read
// once.
type debouncer struct {
	delay time.Duration
	now   func() time.Time

	mu        sync.Mutex
	lastWrite time.Time
}

func newDebouncer(delay time.Duration) *debouncer {
	if delay <= 0 {
		delay = defaultDebounceDelay
	}
	return &debouncer{delay: delay, now: time.Now}
}

// ShouldEmit reports whether an event of type t reaches consumers. Writes
// within delay of the last emitted write are dropped. A removal is always
// emitted and reopens the write window, so a file recreated right after it
// is reported. A nil debouncer emits everything.
func (d *debouncer) ShouldEmit(t EventType) bool {
	if d == nil {
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if t != EventFileWritten {
		d.lastWrite = time.Time{}
		return true
	}
	now := d.now()
	if !d.lastWrite.IsZero() && now.Sub(d.lastWrite) < d.delay {
		return false
	}
	d.lastWrite = now
	return true
}
