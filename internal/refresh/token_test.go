package refresh

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTokenClient_Exchange(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/v1/auth/token/refresh/" {
			t.Errorf("path = %s, want /api/v1/auth/token/refresh/", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("renewal request must not carry a bearer header")
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access":"new-access","refresh":"new-refresh"}`))
	}))
	defer srv.Close()

	c := NewTokenClient(srv.URL+"/api/v1/", srv.Client(), nil)
	resp, err := c.Exchange(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if resp.Access != "new-access" || resp.Refresh != "new-refresh" {
		t.Errorf("response = %+v", resp)
	}
	if gotBody["refresh"] != "old-refresh" {
		t.Errorf("request body refresh = %q, want old-refresh", gotBody["refresh"])
	}
}

func TestTokenClient_RejectedRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Token is blacklisted","code":"token_not_valid"}`))
	}))
	defer srv.Close()

	c := NewTokenClient(srv.URL, srv.Client(), nil)
	_, err := c.Exchange(context.Background(), "revoked")

	var endpointErr *EndpointError
	if !errors.As(err, &endpointErr) {
		t.Fatalf("Exchange() error = %v, want *EndpointError", err)
	}
	if endpointErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", endpointErr.StatusCode)
	}
}

func TestTokenClient_MissingAccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewTokenClient(srv.URL, srv.Client(), nil)
	if _, err := c.Exchange(context.Background(), "r"); err == nil {
		t.Fatal("Exchange() with empty access = nil error")
	}
}

func TestTokenClient_RefusesUnlistedHost(t *testing.T) {
	c := NewTokenClient("https://evil.example.net/api/v1", nil, []string{"tfs.example.com"})
	if _, err := c.Exchange(context.Background(), "r"); err == nil {
		t.Fatal("Exchange() to unlisted host = nil error")
	}
	if got := c.Endpoint(); got != "https://evil.example.net/api/v1/auth/token/refresh/" {
		t.Errorf("Endpoint() = %q", got)
	}
}

func TestTokenClient_EmptyRefreshToken(t *testing.T) {
	c := NewTokenClient("http://localhost:8000/api/v1", nil, nil)
	if _, err := c.Exchange(context.Background(), ""); !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("Exchange(\"\") error = %v, want ErrNoRefreshToken", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Date(2026, 10, 16, 12, 30, 0, 0, time.UTC)
	payload, _ := json.Marshal(map[string]any{"exp": exp.Unix(), "user_id": 7})
	token := "eyJhbGciOiJIUzI1NiJ9." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"

	if got := TokenExpiry(token); !got.Equal(exp) {
		t.Errorf("TokenExpiry() = %v, want %v", got, exp)
	}

	for _, opaque := range []string{"", "opaque-token", "a.b", "a.!!!.c", "a." + base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"x"}`)) + ".c"} {
		if got := TokenExpiry(opaque); !got.IsZero() {
			t.Errorf("TokenExpiry(%q) = %v, want zero", opaque, got)
		}
	}
}
