// Package poller converges on the analysis result of watched entities. Each
// entity has its own timer, backoff and ceilings; probes for one entity are
// sequential while different entities progress independently.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tfshome/tfsctl/internal/analysis"
	"github.com/tfshome/tfsctl/internal/api"
	"github.com/tfshome/tfsctl/internal/config"
	"github.com/tfshome/tfsctl/internal/metrics"
)

var (
	// ErrNotWatched is returned for ids the scheduler has never seen or has
	// forgotten.
	ErrNotWatched = errors.New("entity is not watched")
	// ErrNotRetryable is returned by Retry for entities that have not failed
	// or timed out.
	ErrNotRetryable = errors.New("entity is not in a retryable state")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("scheduler closed")
)

// WatchedEntity is a snapshot of one entity's polling state.
type WatchedEntity struct {
	ID        string
	Attempts  int
	StartedAt time.Time
	Status    analysis.Status
	// LastError is the most recent probe failure; probe failures never change
	// Status.
	LastError string
	// Reason explains a Failed or TimedOut status.
	Reason string
	Task   *api.Task
}

// Transition is a status change of one entity.
type Transition struct {
	ID     string
	From   analysis.Status
	To     analysis.Status
	At     time.Time
	Entity WatchedEntity
}

// Handle tracks one Watch or Retry registration.
type Handle struct {
	id   string
	done chan struct{}
	s    *Scheduler
	e    *entry
}

// ID returns the watched id.
func (h *Handle) ID() string { return h.id }

// Done is closed once the registration ends: terminal status, Unwatch,
// re-watch of the same id, or Close.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Entity returns the registration's latest state.
func (h *Handle) Entity() WatchedEntity {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.e.snapshot()
}

type entry struct {
	state     WatchedEntity
	cfg       config.PollingConfig
	gen       uint64
	timer     *time.Timer
	notBefore time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	ended     bool
}

func (e *entry) snapshot() WatchedEntity {
	return e.state
}

// end releases the entry's timer, probe context and Done channel.
func (e *entry) end() {
	if e.ended {
		return
	}
	e.ended = true
	if e.timer != nil {
		e.timer.Stop()
	}
	e.cancel()
	close(e.done)
}

// Scheduler polls watched entities until each reaches a terminal status.
type Scheduler struct {
	prober  Prober
	cfg     config.PollingConfig
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	gen      uint64
	active   map[string]*entry
	finished map[string]*entry
	subs     map[int]func(Transition)
	nextSub  int
	closed   bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConfig sets the default polling configuration.
func WithConfig(cfg config.PollingConfig) Option {
	return func(s *Scheduler) { s.cfg = cfg }
}

// WithLimiter shares a probe rate limiter across all entities.
func WithLimiter(l *rate.Limiter) Option {
	return func(s *Scheduler) { s.limiter = l }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records probes, transitions and the watch set size.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New returns a Scheduler probing through prober.
func New(prober Prober, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		prober:   prober,
		cfg:      config.DefaultPollingConfig(),
		logger:   slog.Default(),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[string]*entry),
		finished: make(map[string]*entry),
		subs:     make(map[int]func(Transition)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "poller", "run_id", uuid.New().String()[:8])
	return s
}

// OnTransition subscribes fn to status changes. Transitions of one entity are
// delivered in order, synchronously from the goroutine that produced them, so
// fn must not block for long. The returned func unsubscribes.
func (s *Scheduler) OnTransition(fn func(Transition)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Watch starts polling id with the scheduler's config, overridden by the
// non-zero fields of override. Watching an id that is already watched
// restarts it and ends the previous handle.
func (s *Scheduler) Watch(id string, override *config.PollingConfig) (*Handle, error) {
	if id == "" {
		return nil, errors.New("watch: empty id")
	}
	cfg := s.cfg.Merge(override)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("watch %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	h := s.register(id, cfg, analysis.StatusPending)
	s.armLocked(h.e, cfg.InitialInterval.Duration())
	s.logger.Debug("watching", "id", id, "max_attempts", cfg.MaxAttempts, "max_duration", cfg.MaxDuration)
	return h, nil
}

// register replaces any existing registration for id. Callers hold s.mu.
func (s *Scheduler) register(id string, cfg config.PollingConfig, status analysis.Status) *Handle {
	if old, ok := s.active[id]; ok {
		old.end()
	}
	delete(s.finished, id)

	s.gen++
	ctx, cancel := context.WithCancel(s.ctx)
	e := &entry{
		state:  WatchedEntity{ID: id, StartedAt: s.now(), Status: status},
		cfg:    cfg,
		gen:    s.gen,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.active[id] = e
	s.metrics.SetWatched(len(s.active))
	return &Handle{id: id, done: e.done, s: s, e: e}
}

// Retry re-enters a Failed or TimedOut entity with a fresh attempt and
// duration budget, keeping the configuration it was watched with.
func (s *Scheduler) Retry(id string) (*Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	prev, ok := s.finished[id]
	if !ok {
		_, watched := s.active[id]
		s.mu.Unlock()
		if watched {
			return nil, fmt.Errorf("retry %s: %w", id, ErrNotRetryable)
		}
		return nil, fmt.Errorf("retry %s: %w", id, ErrNotWatched)
	}
	from := prev.state.Status
	to, err := analysis.Retry(from)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("retry %s: %w", id, ErrNotRetryable)
	}

	h := s.register(id, prev.cfg, to)
	h.e.state.Task = prev.state.Task
	tr := s.transitionLocked(h.e, from, to)
	s.mu.Unlock()

	s.emit(tr)

	s.mu.Lock()
	if s.active[id] == h.e {
		s.armLocked(h.e, h.e.cfg.InitialInterval.Duration())
	}
	s.mu.Unlock()
	s.logger.Info("retrying", "id", id, "from", from)
	return h, nil
}

// Unwatch stops polling id immediately and forgets it. Any probe in flight
// for it is cancelled and its result discarded.
func (s *Scheduler) Unwatch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.active[id]; ok {
		e.end()
		delete(s.active, id)
		s.metrics.SetWatched(len(s.active))
		s.logger.Debug("unwatched", "id", id)
		return nil
	}
	if _, ok := s.finished[id]; ok {
		delete(s.finished, id)
		return nil
	}
	return fmt.Errorf("unwatch %s: %w", id, ErrNotWatched)
}

// Get returns the current state of id, whether active or finished.
func (s *Scheduler) Get(id string) (WatchedEntity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.active[id]; ok {
		return e.snapshot(), true
	}
	if e, ok := s.finished[id]; ok {
		return e.snapshot(), true
	}
	return WatchedEntity{}, false
}

// Watched returns the number of entities still being polled.
func (s *Scheduler) Watched() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Close stops every timer, cancels every probe and waits for running cycles
// to return. It is safe to call more than once.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, e := range s.active {
		e.end()
		delete(s.active, id)
	}
	s.cancel()
	s.metrics.SetWatched(0)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// armLocked schedules the next cycle for e after delay, clamped to the
// remaining duration budget. Callers hold s.mu.
func (s *Scheduler) armLocked(e *entry, delay time.Duration) {
	now := s.now()
	e.notBefore = now.Add(delay)
	if remaining := e.cfg.MaxDuration.Duration() - now.Sub(e.state.StartedAt); delay > remaining {
		delay = max(remaining, 0)
	}
	id, gen := e.state.ID, e.gen
	e.timer = time.AfterFunc(delay, func() { s.cycle(id, gen) })
}

// current returns the active entry for id if it still belongs to gen.
// Callers hold s.mu.
func (s *Scheduler) current(id string, gen uint64) *entry {
	e, ok := s.active[id]
	if !ok || e.gen != gen {
		return nil
	}
	return e
}

func (s *Scheduler) cycle(id string, gen uint64) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	e := s.current(id, gen)
	if e == nil {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	now := s.now()
	if reason := stopReason(e, now); reason != "" {
		tr := s.finishLocked(e, analysis.StatusTimedOut, reason)
		s.mu.Unlock()
		s.logger.Info("watch timed out", "id", id, "attempts", tr.Entity.Attempts, "reason", reason)
		s.complete(tr, e)
		return
	}
	if wait := e.notBefore.Sub(now); wait > 0 {
		// Woken early by the duration clamp; never probe ahead of backoff.
		s.armLocked(e, wait)
		s.mu.Unlock()
		return
	}

	e.state.Attempts++
	attempt := e.state.Attempts
	budget := e.cfg.MaxDuration.Duration() - now.Sub(e.state.StartedAt)
	ctx, cancel := context.WithTimeout(e.ctx, budget)
	s.mu.Unlock()

	res, err := s.probe(ctx, id)
	cancel()

	s.mu.Lock()
	if s.current(id, gen) != e {
		s.mu.Unlock()
		return
	}

	if err != nil {
		e.state.LastError = err.Error()
		s.metrics.ObserveProbe("error")
		s.logger.Warn("probe failed", "id", id, "attempt", attempt, "error", err)
		s.settleLocked(e, s.nextLocked(e, attempt))
		return
	}
	s.metrics.ObserveProbe(res.Observation.Outcome.String())
	e.state.LastError = ""
	if res.Task != nil {
		e.state.Task = res.Task
	}

	from := e.state.Status
	to, terr := analysis.Next(from, res.Observation, attempt)
	if terr != nil {
		s.logger.Error("ignoring observation", "id", id, "error", terr)
		s.settleLocked(e, s.nextLocked(e, attempt))
		return
	}

	if to.IsTerminal() {
		tr := s.finishLocked(e, to, res.Observation.Reason)
		s.mu.Unlock()
		s.logger.Info("watch finished", "id", id, "status", to, "attempts", attempt)
		s.complete(tr, e)
		return
	}

	if to == from {
		s.settleLocked(e, s.nextLocked(e, attempt))
		return
	}

	e.state.Status = to
	tr := s.transitionLocked(e, from, to)
	s.mu.Unlock()

	// Deliver before arming so the next cycle's transitions cannot overtake
	// this one.
	s.emit(tr)

	s.mu.Lock()
	if s.current(id, gen) != e {
		s.mu.Unlock()
		return
	}
	s.settleLocked(e, s.nextLocked(e, attempt))
}

// nextLocked arms the next cycle after attempt, or finishes e as timed out
// when attempt was the last one allowed. Callers hold s.mu.
func (s *Scheduler) nextLocked(e *entry, attempt int) *Transition {
	if attempt < e.cfg.MaxAttempts {
		s.armLocked(e, e.cfg.Interval(attempt))
		return nil
	}
	tr := s.finishLocked(e, analysis.StatusTimedOut, fmt.Sprintf("no result after %d attempts", attempt))
	return &tr
}

// settleLocked releases s.mu and completes the watch when tr is set.
func (s *Scheduler) settleLocked(e *entry, tr *Transition) {
	s.mu.Unlock()
	if tr == nil {
		return
	}
	s.logger.Info("watch timed out", "id", tr.Entity.ID, "attempts", tr.Entity.Attempts, "reason", tr.Entity.Reason)
	s.complete(*tr, e)
}

func (s *Scheduler) probe(ctx context.Context, id string) (Result, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return Result{}, fmt.Errorf("rate limit: %w", err)
		}
	}
	return s.prober.Probe(ctx, id)
}

// stopReason evaluates the duration ceiling before a probe. The attempt
// ceiling is applied by nextLocked right after the last allowed attempt.
func stopReason(e *entry, now time.Time) string {
	if elapsed := now.Sub(e.state.StartedAt); elapsed >= e.cfg.MaxDuration.Duration() {
		return fmt.Sprintf("no result after %s", elapsed.Round(time.Millisecond))
	}
	return ""
}

// finishLocked moves e to a terminal status and out of the watch set.
// Callers hold s.mu.
func (s *Scheduler) finishLocked(e *entry, to analysis.Status, reason string) Transition {
	from := e.state.Status
	e.state.Status = to
	e.state.Reason = reason
	id := e.state.ID
	delete(s.active, id)
	s.finished[id] = e
	s.metrics.SetWatched(len(s.active))
	tr := s.transitionLocked(e, from, to)
	e.timer.Stop()
	e.cancel()
	return tr
}

// complete delivers the terminal transition and then releases Done, so a
// consumer woken by Done has already seen the transition.
func (s *Scheduler) complete(tr Transition, e *entry) {
	s.emit(tr)
	s.mu.Lock()
	e.end()
	s.mu.Unlock()
}

func (s *Scheduler) transitionLocked(e *entry, from, to analysis.Status) Transition {
	s.metrics.ObserveTransition(to.String())
	return Transition{ID: e.state.ID, From: from, To: to, At: s.now(), Entity: e.snapshot()}
}

func (s *Scheduler) emit(tr Transition) {
	s.mu.Lock()
	subs := make([]func(Transition), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(tr)
	}
}
