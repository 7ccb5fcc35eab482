package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/tfshome/tfsctl/internal/api"
	"github.com/tfshome/tfsctl/internal/authclient"
	"github.com/tfshome/tfsctl/internal/credstore"
	"github.com/tfshome/tfsctl/internal/db"
	"github.com/tfshome/tfsctl/internal/metrics"
	"github.com/tfshome/tfsctl/internal/refresh"
)

// session is the wired client stack for one command invocation.
type session struct {
	db      *db.DB
	store   credstore.ClosableStore
	metrics *metrics.Metrics
	coord   *refresh.Coordinator
	client  *api.Client
	domain  string

	// expired is closed the first time renewal fails for good.
	expired    chan struct{}
	expireOnce sync.Once
}

// openSession wires store, renewal and transport from the loaded config.
// The activity log is best effort: if its database cannot be opened the
// session still works, just without history.
func openSession(cmd *cobra.Command) (*session, error) {
	s := &session{metrics: metrics.New(), domain: cfg.Domain(), expired: make(chan struct{})}

	activity, err := db.OpenAt(cfg.Credentials.DBPath)
	if err != nil {
		logger.Warn("activity log unavailable", "path", cfg.Credentials.DBPath, "error", err)
	} else {
		s.db = activity
	}

	opts := []credstore.Option{credstore.WithLogger(logger), credstore.WithWatch(true)}
	if s.db != nil {
		opts = append(opts, credstore.WithDB(s.db))
	}
	s.store, err = credstore.Open(cfg, opts...)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	allowHosts := cfg.HTTP.AllowedHosts
	if len(allowHosts) == 0 {
		if u, err := url.Parse(cfg.APIURL); err == nil {
			allowHosts = []string{u.Host}
		}
	}
	plain := &http.Client{Timeout: cfg.HTTP.RefreshTimeout.Duration()}
	s.coord = refresh.New(s.store, refresh.NewTokenClient(cfg.APIURL, plain, allowHosts),
		refresh.WithLogger(logger),
		refresh.WithMetrics(s.metrics),
		refresh.WithExchangeTimeout(cfg.HTTP.RefreshTimeout.Duration()),
		refresh.WithObserver(s.recordRenewal),
		refresh.WithOnSessionExpired(func(err error) {
			s.logEvent(db.EventSessionExpired, "", err.Error(), 0)
			s.expireOnce.Do(func() { close(s.expired) })
			fmt.Fprintln(cmd.ErrOrStderr(), "Session expired; run 'tfsctl login' to sign in again.")
		}),
	)

	transport := authclient.New(s.store, s.coord,
		authclient.WithLogger(logger),
		authclient.WithMetrics(s.metrics),
	)
	httpClient := transport.Client()
	httpClient.Timeout = cfg.HTTP.Timeout.Duration()

	s.client, err = api.New(cfg.APIURL,
		api.WithHTTPClient(httpClient),
		api.WithStore(s.store),
		api.WithLogger(logger),
	)
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) recordRenewal(o refresh.Outcome) {
	if o.Err != nil {
		s.logEvent(db.EventRefreshFailed, "", o.Err.Error(), o.Duration)
		return
	}
	details := fmt.Sprintf("waiters=%d", o.Waiters)
	if o.Rotated {
		details += " rotated"
	}
	s.logEvent(db.EventRefresh, "", details, o.Duration)
}

func (s *session) logEvent(typ, subject, details string, d time.Duration) {
	if s.db == nil {
		return
	}
	if err := s.db.LogEvent(db.Event{Type: typ, Domain: s.domain, Subject: subject, Details: details, Duration: d}); err != nil {
		logger.Debug("activity log write failed", "type", typ, "error", err)
	}
}

// requireLogin fails early when there is no stored pair.
func (s *session) requireLogin() error {
	if s.store.Get() == nil {
		return errors.New("not logged in; run 'tfsctl login' first")
	}
	return nil
}

func (s *session) Close() {
	if s.coord != nil {
		s.coord.Wait()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			logger.Debug("close credential store", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			logger.Debug("close activity db", "error", err)
		}
	}
}

// explain turns common API failures into actionable messages.
func explain(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, refresh.ErrSessionExpired):
		return fmt.Errorf("session expired, please log in again: %w", err)
	case api.IsUnauthorized(err):
		return fmt.Errorf("not authorized: %w", err)
	}
	return err
}
