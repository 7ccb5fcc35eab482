package analysis

import "strings"

// Outcome is what a single status probe learned about the backend computation.
type Outcome int

const (
	// OutcomeNoAnswer - the result is not ready yet.
	OutcomeNoAnswer Outcome = iota
	// OutcomeReady - the backend finished scoring.
	OutcomeReady
	// OutcomeFailed - the backend reported that scoring failed.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReady:
		return "ready"
	case OutcomeFailed:
		return "failed"
	default:
		return "no_answer"
	}
}

// Observation is the interpreted result of one probe.
type Observation struct {
	Outcome Outcome
	// Reason carries the backend's failure message, if any.
	Reason string
}

// Observe interprets the backend's task fields. The is_prioritized flag is
// authoritative for completion; analysis_status refines the pending case.
func Observe(prioritized bool, backendStatus, backendError string) Observation {
	if prioritized {
		return Observation{Outcome: OutcomeReady}
	}

	switch strings.ToLower(strings.TrimSpace(backendStatus)) {
	case "completed", "complete", "done", "success":
		return Observation{Outcome: OutcomeReady}
	case "failed", "failure", "error":
		reason := strings.TrimSpace(backendError)
		if reason == "" {
			reason = "analysis failed"
		}
		return Observation{Outcome: OutcomeFailed, Reason: reason}
	default:
		return Observation{Outcome: OutcomeNoAnswer}
	}
}

// Next applies obs, seen on probe number attempt (1-based), to current.
// A no-answer on the first probe leaves the state untouched; on later probes
// it moves the entity to StatusAnalyzing.
func Next(current Status, obs Observation, attempt int) (Status, error) {
	switch obs.Outcome {
	case OutcomeReady:
		return Transition(current, StatusCompleted)
	case OutcomeFailed:
		return Transition(current, StatusFailed)
	default:
		if attempt <= 1 {
			return Transition(current, current)
		}
		return Transition(current, StatusAnalyzing)
	}
}
