// Package analysis models the lifecycle of a task's AI scoring result as seen
// from the client: a single Status with a fixed set of legal transitions.
package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Status is the client-side analysis state of a watched task.
type Status int

const (
	// StatusPending - registered, no probe has reported anything yet.
	StatusPending Status = iota
	// StatusAnalyzing - at least one non-first probe saw no result.
	StatusAnalyzing
	// StatusCompleted - backend reported the result is ready. Terminal.
	StatusCompleted
	// StatusFailed - backend reported an explicit computation error. Terminal.
	StatusFailed
	// StatusTimedOut - client gave up polling (attempt or duration ceiling). Terminal.
	StatusTimedOut
)

var (
	// ErrIllegalTransition is returned for a transition the state machine forbids.
	ErrIllegalTransition = errors.New("illegal analysis transition")
	// ErrNotRetryable is returned when Retry is asked of a non-failed state.
	ErrNotRetryable = errors.New("analysis state is not retryable")
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusAnalyzing:
		return "ANALYZING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	case StatusTimedOut:
		return "TIMED_OUT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// IsTerminal reports whether no probe may follow this state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// Prioritized is the legacy is_prioritized projection: true iff completed.
func (s Status) Prioritized() bool {
	return s == StatusCompleted
}

// ParseStatus is the inverse of String (case-insensitive).
func ParseStatus(raw string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PENDING":
		return StatusPending, nil
	case "ANALYZING":
		return StatusAnalyzing, nil
	case "COMPLETED":
		return StatusCompleted, nil
	case "FAILED":
		return StatusFailed, nil
	case "TIMED_OUT":
		return StatusTimedOut, nil
	default:
		return StatusPending, fmt.Errorf("unknown analysis status %q", raw)
	}
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// CanTransition reports whether from -> to is legal. Staying in the same
// non-terminal state is allowed; leaving a terminal state is not (use Retry).
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case StatusPending:
		return from == StatusPending
	case StatusAnalyzing, StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Transition validates from -> to and returns to.
func Transition(from, to Status) (Status, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return to, nil
}

// Retry re-enters StatusPending from FAILED or TIMED_OUT.
func Retry(from Status) (Status, error) {
	if from != StatusFailed && from != StatusTimedOut {
		return from, fmt.Errorf("%w: %s", ErrNotRetryable, from)
	}
	return StatusPending, nil
}
