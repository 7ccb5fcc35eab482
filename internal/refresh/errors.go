package refresh

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionExpired marks every error caused by a failed renewal. After
	// it is returned the credential store has been cleared.
	ErrSessionExpired = errors.New("session expired")

	// ErrNoRefreshToken means renewal was requested with no refresh
	// credential stored.
	ErrNoRefreshToken = errors.New("no refresh token stored")
)

// RenewalError is delivered to every caller waiting on a failed renewal.
type RenewalError struct {
	// Cause is what made the exchange fail: ErrNoRefreshToken, an
	// *EndpointError, credstore.ErrNoCredentials when the pair changed
	// underneath it, or a transport or store error.
	Cause error
}

func (e *RenewalError) Error() string {
	if e == nil || e.Cause == nil {
		return "session expired: renewal failed"
	}
	return fmt.Sprintf("session expired: renewal failed: %v", e.Cause)
}

// Unwrap exposes both ErrSessionExpired and the cause to errors.Is/As.
func (e *RenewalError) Unwrap() []error {
	if e == nil {
		return nil
	}
	if e.Cause == nil {
		return []error{ErrSessionExpired}
	}
	return []error{ErrSessionExpired, e.Cause}
}

// EndpointError is a non-2xx answer from the renewal endpoint.
type EndpointError struct {
	StatusCode int
	Body       string
}

func (e *EndpointError) Error() string {
	if e == nil {
		return "renewal endpoint rejected the request"
	}
	if e.Body == "" {
		return fmt.Sprintf("renewal endpoint returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("renewal endpoint returned status %d: %s", e.StatusCode, e.Body)
}
