package refresh

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestRenewalError_Is(t *testing.T) {
	cause := &EndpointError{StatusCode: 401, Body: `{"detail":"Token is blacklisted"}`}
	err := fmt.Errorf("request failed: %w", &RenewalError{Cause: cause})

	if !errors.Is(err, ErrSessionExpired) {
		t.Error("errors.Is(err, ErrSessionExpired) = false, want true")
	}

	var endpointErr *EndpointError
	if !errors.As(err, &endpointErr) {
		t.Fatal("errors.As(err, *EndpointError) = false, want true")
	}
	if endpointErr.StatusCode != 401 {
		t.Errorf("StatusCode = %d, want 401", endpointErr.StatusCode)
	}

	var renewalErr *RenewalError
	if !errors.As(err, &renewalErr) {
		t.Fatal("errors.As(err, *RenewalError) = false, want true")
	}
}

func TestRenewalError_NoRefreshToken(t *testing.T) {
	err := &RenewalError{Cause: ErrNoRefreshToken}
	if !errors.Is(err, ErrNoRefreshToken) {
		t.Error("errors.Is(err, ErrNoRefreshToken) = false, want true")
	}
	if !errors.Is(err, ErrSessionExpired) {
		t.Error("errors.Is(err, ErrSessionExpired) = false, want true")
	}
}

func TestRenewalError_Messages(t *testing.T) {
	var nilErr *RenewalError
	if got := nilErr.Error(); got != "session expired: renewal failed" {
		t.Errorf("nil Error() = %q", got)
	}
	if !errors.Is(&RenewalError{}, ErrSessionExpired) {
		t.Error("RenewalError without cause should still match ErrSessionExpired")
	}

	err := &RenewalError{Cause: &EndpointError{StatusCode: 500}}
	if !strings.Contains(err.Error(), "status 500") {
		t.Errorf("Error() = %q, want it to mention the status", err.Error())
	}
}
