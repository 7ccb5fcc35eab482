// Package refresh coordinates credential renewal so that any number of
// concurrent callers who hit an expired access credential share exactly one
// exchange at the renewal endpoint.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tfshome/tfsctl/internal/credstore"
	"github.com/tfshome/tfsctl/internal/metrics"
)

// DefaultExchangeTimeout bounds one renewal exchange.
const DefaultExchangeTimeout = 15 * time.Second

// Outcome describes one finished renewal.
type Outcome struct {
	// Err is nil on success, otherwise a *RenewalError.
	Err      error
	Duration time.Duration
	// Waiters is how many callers the renewal settled, the initiator included.
	Waiters int
	// Rotated reports that the endpoint also issued a new refresh credential.
	Rotated bool
}

type result struct {
	access string
	err    error
}

// Coordinator is the single owner of renewal state. The in-flight flag and
// waiter queue are only touched under mu; the queue is non-empty only while a
// renewal is in flight.
type Coordinator struct {
	store     credstore.Store
	exchanger Exchanger

	logger    *slog.Logger
	metrics   *metrics.Metrics
	timeout   time.Duration
	onExpired []func(error)
	observers []func(Outcome)
	now       func() time.Time

	mu       sync.Mutex
	inFlight bool
	waiters  []chan result

	// running tracks renew goroutines, including their hooks and observers.
	running sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records renewal counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithExchangeTimeout bounds each exchange.
func WithExchangeTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithOnSessionExpired registers the logout hook. It runs once per failed
// renewal, after the store is cleared and every waiter has been rejected.
func WithOnSessionExpired(fn func(error)) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.onExpired = append(c.onExpired, fn)
		}
	}
}

// WithObserver is called after every renewal, successful or not.
func WithObserver(fn func(Outcome)) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.observers = append(c.observers, fn)
		}
	}
}

// New returns a Coordinator renewing credentials held in store.
func New(store credstore.Store, exchanger Exchanger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		exchanger: exchanger,
		logger:    slog.Default(),
		timeout:   DefaultExchangeTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "refresh", "run_id", uuid.New().String()[:8])
	return c
}

// RequestRefresh returns a fresh access credential. If no renewal is in
// flight it starts one; otherwise the caller joins the current one. Every
// caller in the same window gets the same result.
//
// The exchange is detached from ctx: cancelling ctx only abandons this
// caller's wait and returns ctx.Err().
func (c *Coordinator) RequestRefresh(ctx context.Context) (string, error) {
	ch := make(chan result, 1)

	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	start := !c.inFlight
	c.inFlight = true
	c.mu.Unlock()

	if start {
		c.running.Add(1)
		go c.renew(context.WithoutCancel(ctx))
	} else {
		c.metrics.IncRenewalWaiters()
	}

	select {
	case r := <-ch:
		return r.access, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// InFlight reports whether a renewal is currently running.
func (c *Coordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Wait blocks until every started renewal has settled and its hooks and
// observers have returned.
func (c *Coordinator) Wait() {
	c.running.Wait()
}

func (c *Coordinator) renew(parent context.Context) {
	defer c.running.Done()
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	started := c.now()
	access, rotated, err := c.exchange(ctx)
	if err != nil {
		// ErrNoCredentials means the pair was already cleared or replaced by
		// a new login; clearing again would discard that login.
		if !errors.Is(err, credstore.ErrNoCredentials) {
			if clearErr := c.store.Clear(); clearErr != nil {
				c.logger.Error("clear credentials after failed renewal", "error", clearErr)
			}
		}
		err = &RenewalError{Cause: err}
	}

	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.inFlight = false
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- result{access: access, err: err}
	}

	outcome := Outcome{Err: err, Duration: c.now().Sub(started), Waiters: len(waiters), Rotated: rotated}
	if err != nil {
		c.metrics.ObserveRenewal("failure", outcome.Duration)
		c.logger.Warn("renewal failed, session ended", "waiters", outcome.Waiters, "error", err)
		for _, fn := range c.onExpired {
			fn(err)
		}
	} else {
		c.metrics.ObserveRenewal("success", outcome.Duration)
		c.logger.Info("credentials renewed", "waiters", outcome.Waiters, "rotated", rotated, "duration", outcome.Duration)
	}
	for _, fn := range c.observers {
		fn(outcome)
	}
}

func (c *Coordinator) exchange(ctx context.Context) (string, bool, error) {
	pair := c.store.Get()
	if pair == nil || pair.Refresh == "" {
		return "", false, ErrNoRefreshToken
	}

	resp, err := c.exchanger.Exchange(ctx, pair.Refresh)
	if err != nil {
		return "", false, err
	}

	expiresAt := TokenExpiry(resp.Access)
	rotated := resp.Refresh != "" && resp.Refresh != pair.Refresh

	// Both writes refuse to recreate a pair that was cleared, or replaced by
	// a fresh login, while the exchange was running.
	var storeErr error
	if resp.Refresh != "" {
		storeErr = c.store.Rotate(pair.Refresh, credstore.Pair{Access: resp.Access, Refresh: resp.Refresh, AccessExpiresAt: expiresAt})
	} else {
		storeErr = c.store.SetAccessOnly(resp.Access, expiresAt)
	}
	switch {
	case errors.Is(storeErr, credstore.ErrNoCredentials):
		return "", false, storeErr
	case storeErr != nil:
		return "", false, fmt.Errorf("persist renewed credentials: %w", storeErr)
	}
	return resp.Access, rotated, nil
}
