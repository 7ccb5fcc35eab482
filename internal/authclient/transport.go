// Package authclient attaches the current access credential to outgoing
// requests and transparently renews it once when the backend answers 401.
package authclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tfshome/tfsctl/internal/credstore"
	"github.com/tfshome/tfsctl/internal/metrics"
)

// RequestIDHeader carries a per-send correlation id.
const RequestIDHeader = "X-Request-ID"

// Refresher is the renewal surface the transport needs; *refresh.Coordinator
// satisfies it.
type Refresher interface {
	RequestRefresh(ctx context.Context) (string, error)
}

type ctxKey int

const (
	skipRenewalKey ctxKey = iota
	retriedKey
)

// SkipRenewal marks requests whose 401 must be returned as-is, such as the
// login call or the renewal request itself.
func SkipRenewal(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipRenewalKey, true)
}

func withRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retriedKey, true)
}

func isMarked(ctx context.Context, key ctxKey) bool {
	v, _ := ctx.Value(key).(bool)
	return v
}

// RenewalFailedError is returned when a 401 triggered renewal and the renewal
// failed. It unwraps to both the original 401 and the renewal error.
type RenewalFailedError struct {
	Method     string
	URL        string
	StatusCode int
	Err        error
}

func (e *RenewalFailedError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %v", e.Method, e.URL, e.StatusCode, e.Err)
}

func (e *RenewalFailedError) Unwrap() error { return e.Err }

// ErrUnauthorized is matched by RenewalFailedError so callers can test for
// the original 401 without knowing about renewal.
var ErrUnauthorized = errors.New("unauthorized")

// Is reports the original 401.
func (e *RenewalFailedError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// Transport is an http.RoundTripper implementing the authenticated request
// pipeline. The zero value is not usable; use New.
type Transport struct {
	base        http.RoundTripper
	store       credstore.Store
	refresher   Refresher
	renewalPath string
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// Option configures a Transport.
type Option func(*Transport)

// WithBase sets the underlying transport. Defaults to http.DefaultTransport.
func WithBase(rt http.RoundTripper) Option {
	return func(t *Transport) {
		if rt != nil {
			t.base = rt
		}
	}
}

// WithRenewalPath sets the URL path suffix identifying the renewal endpoint.
func WithRenewalPath(path string) Option {
	return func(t *Transport) { t.renewalPath = path }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics records response classes and replays.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// New builds a Transport reading credentials from store and renewing through
// refresher.
func New(store credstore.Store, refresher Refresher, opts ...Option) *Transport {
	t := &Transport{
		base:        http.DefaultTransport,
		store:       store,
		refresher:   refresher,
		renewalPath: "/auth/token/refresh/",
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "authclient")
	return t
}

// Client wraps the transport in an *http.Client.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

// RoundTrip sends req with the stored access credential. A 401 is answered by
// one renewal and one resend when the request is replayable, is not the
// renewal request, and has not already been resent. A 401 for a credential
// that has since been replaced is resent with the stored one without another
// renewal. Every other outcome is returned unchanged.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	access := ""
	if pair := t.store.Get(); pair != nil {
		access = pair.Access
	}

	resp, err := t.send(req, access)
	if err != nil {
		t.metrics.ObserveResponse(0)
		return nil, err
	}
	t.metrics.ObserveResponse(resp.StatusCode)

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	if reason := t.renewalBlocked(req); reason != "" {
		t.logger.Debug("401 returned without renewal", "method", req.Method, "path", urlPath(req), "reason", reason)
		return resp, nil
	}

	newAccess, rerr := t.renewedAccess(req, access)
	if rerr != nil {
		drain(resp)
		return nil, &RenewalFailedError{
			Method:     req.Method,
			URL:        req.URL.Redacted(),
			StatusCode: resp.StatusCode,
			Err:        rerr,
		}
	}

	retry, err := cloneForRetry(req)
	if err != nil {
		// Renewal succeeded but the body cannot be rebuilt; surface the 401.
		t.logger.Warn("cannot replay request body", "method", req.Method, "path", urlPath(req), "error", err)
		return resp, nil
	}
	drain(resp)

	t.metrics.IncReplay()
	t.logger.Debug("replaying after renewal", "method", req.Method, "path", urlPath(req))

	resp, err = t.send(retry, newAccess)
	if err != nil {
		t.metrics.ObserveResponse(0)
		return nil, err
	}
	t.metrics.ObserveResponse(resp.StatusCode)
	return resp, nil
}

// renewedAccess returns the credential to resend with after sent drew a 401.
// When the store already holds a different access credential another request
// completed a renewal after sent went out, so that one is reused.
func (t *Transport) renewedAccess(req *http.Request, sent string) (string, error) {
	if cur := t.store.Get(); cur != nil && cur.Access != "" && cur.Access != sent {
		t.logger.Debug("credential already renewed, resending", "method", req.Method, "path", urlPath(req))
		return cur.Access, nil
	}
	return t.refresher.RequestRefresh(req.Context())
}

// renewalBlocked returns why a 401 on req must not trigger renewal, or "".
func (t *Transport) renewalBlocked(req *http.Request) string {
	switch {
	case req.URL == nil:
		return "no request URL"
	case req.Body != nil && req.Body != http.NoBody && req.GetBody == nil:
		return "body not replayable"
	case isMarked(req.Context(), skipRenewalKey):
		return "renewal skipped"
	case t.renewalPath != "" && strings.HasSuffix(req.URL.Path, t.renewalPath):
		return "renewal endpoint"
	case isMarked(req.Context(), retriedKey):
		return "already retried"
	case t.refresher == nil:
		return "no refresher"
	default:
		return ""
	}
}

// send clones req (RoundTrippers must not mutate the caller's request) and
// sets the bearer and request-id headers.
func (t *Transport) send(req *http.Request, access string) (*http.Response, error) {
	out := req.Clone(req.Context())
	if access != "" {
		out.Header.Set("Authorization", "Bearer "+access)
	} else {
		out.Header.Del("Authorization")
	}
	if out.Header.Get(RequestIDHeader) == "" {
		out.Header.Set(RequestIDHeader, uuid.NewString())
	}
	return t.base.RoundTrip(out)
}

func cloneForRetry(req *http.Request) (*http.Request, error) {
	retry := req.Clone(withRetried(req.Context()))
	retry.Header.Del(RequestIDHeader)
	if req.Body == nil || req.Body == http.NoBody {
		return retry, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	retry.Body = body
	return retry, nil
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

func urlPath(req *http.Request) string {
	if req.URL == nil {
		return ""
	}
	return req.URL.Path
}
