// Package api is a typed client for the task-prioritization backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tfshome/tfsctl/internal/authclient"
	"github.com/tfshome/tfsctl/internal/credstore"
	"github.com/tfshome/tfsctl/internal/refresh"
)

const maxErrorBody = 2048

// Client talks to the backend. Requests go through the supplied HTTP client,
// which is normally built from an authclient.Transport.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	store   credstore.Store
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. Defaults to a client with a 30s
// timeout and no credential handling.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithStore lets Login and Register persist the issued pair and Logout clear
// it.
func WithStore(s credstore.Store) Option {
	return func(c *Client) { c.store = s }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New returns a Client rooted at baseURL, e.g. "http://localhost:8000/api/v1".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.String() + strings.TrimLeft(path, "/")
}

// do sends a JSON request and decodes a JSON response into out (when non-nil).
// Bodies are built from a byte slice so the transport can replay them.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		body = bytes.NewReader(buf)
	}

	target := c.endpoint(path)
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var renewalErr *authclient.RenewalFailedError
		if errors.As(err, &renewalErr) {
			return fmt.Errorf("%w: %w", &StatusError{
				StatusCode: renewalErr.StatusCode,
				Method:     method,
				URL:        target,
			}, renewalErr)
		}
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Debug("backend error", "method", method, "path", path, "status", resp.StatusCode)
		return &StatusError{
			StatusCode: resp.StatusCode,
			Method:     method,
			URL:        target,
			Body:       string(raw),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// persist stores tokens after login or register.
func (c *Client) persist(tokens *Tokens) error {
	if c.store == nil {
		return nil
	}
	pair := credstore.Pair{
		Access:          tokens.Access,
		Refresh:         tokens.Refresh,
		AccessExpiresAt: refresh.TokenExpiry(tokens.Access),
	}
	if err := c.store.Set(pair); err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	return nil
}
