package refresh

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RenewalPath is the renewal endpoint relative to the API base URL.
const RenewalPath = "/auth/token/refresh/"

const maxErrorBody = 512

// TokenResponse is the renewal endpoint's answer. Refresh is set only when
// the backend rotates refresh credentials.
type TokenResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

// Exchanger trades a refresh credential for a new access credential.
type Exchanger interface {
	Exchange(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// TokenClient is the HTTP Exchanger for the backend's renewal endpoint.
// Its http.Client must not be the authenticated transport.
type TokenClient struct {
	endpoint   string
	allowHosts []string
	httpClient *http.Client
}

// NewTokenClient targets baseURL + RenewalPath. allowHosts extends the set of
// non-loopback hosts that may receive the refresh credential.
func NewTokenClient(baseURL string, httpClient *http.Client, allowHosts []string) *TokenClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenClient{
		endpoint:   strings.TrimRight(baseURL, "/") + RenewalPath,
		allowHosts: allowHosts,
		httpClient: httpClient,
	}
}

// Endpoint returns the full renewal URL.
func (c *TokenClient) Endpoint() string { return c.endpoint }

// Exchange posts {"refresh": token}. Any non-2xx status is an *EndpointError.
func (c *TokenClient) Exchange(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	if _, err := validateRenewalEndpoint(c.endpoint, c.allowHosts); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]string{"refresh": refreshToken})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &EndpointError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if tokenResp.Access == "" {
		return nil, fmt.Errorf("renewal response missing access token")
	}
	return &tokenResp, nil
}

// TokenExpiry reads the exp claim of a JWT-shaped token without verifying it.
// It returns the zero time for opaque tokens.
func TokenExpiry(token string) time.Time {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return time.Time{}
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return time.Time{}
	}
	var claims struct {
		Exp json.Number `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.Exp.Float64()
	if err != nil || exp <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(exp), 0).UTC()
}
