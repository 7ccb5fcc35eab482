// Package credstore persists the access/refresh credential pair for one API
// domain. Every backend keeps the pair whole: both halves or neither.
package credstore

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrNoCredentials is returned when an operation needs a stored pair and
	// there is none.
	ErrNoCredentials = errors.New("no stored credentials")
	// ErrIncompletePair is returned by Set when either half is empty.
	ErrIncompletePair = errors.New("credential pair requires both access and refresh tokens")
)

// Pair is the credential pair issued at login and updated on renewal.
type Pair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
	// AccessExpiresAt is the access token's expiry when known; zero otherwise.
	AccessExpiresAt time.Time `json:"access_expires_at,omitempty"`
}

// Validate reports ErrIncompletePair unless both halves are present.
func (p Pair) Validate() error {
	if strings.TrimSpace(p.Access) == "" || strings.TrimSpace(p.Refresh) == "" {
		return ErrIncompletePair
	}
	return nil
}

// Expired reports whether the access token is known to have expired at now.
func (p Pair) Expired(now time.Time) bool {
	return !p.AccessExpiresAt.IsZero() && !now.Before(p.AccessExpiresAt)
}

// Store is the single source of truth for the current credential pair.
type Store interface {
	// Get returns a copy of the stored pair, or nil when unauthenticated.
	// It never fails; backend read errors are logged and reported as nil.
	Get() *Pair
	// Set replaces both credentials.
	Set(p Pair) error
	// SetAccessOnly replaces the access credential and keeps the refresh one.
	// It returns ErrNoCredentials when nothing is stored.
	SetAccessOnly(access string, expiresAt time.Time) error
	// Rotate replaces both credentials only while the stored refresh token
	// still equals expectedRefresh. It returns ErrNoCredentials otherwise.
	Rotate(expectedRefresh string, p Pair) error
	// Clear removes both credentials.
	Clear() error
}

func clonePair(p *Pair) *Pair {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
