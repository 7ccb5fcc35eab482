package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Event types written to activity_log.
const (
	EventLogin             = "login"
	EventLogout            = "logout"
	EventRegister          = "register"
	EventRefresh           = "refresh"
	EventRefreshFailed     = "refresh_failed"
	EventSessionExpired    = "session_expired"
	EventAnalysisCompleted = "analysis_completed"
	EventAnalysisFailed    = "analysis_failed"
	EventAnalysisTimedOut  = "analysis_timed_out"
	EventAnalysisRetry     = "analysis_retry"
)

// Event is one activity_log row.
type Event struct {
	ID        int64
	Timestamp time.Time
	Type      string
	Domain    string
	Subject   string
	Details   string
	Duration  time.Duration
}

// LogEvent appends e. A zero Timestamp is stamped with the current time.
func (d *DB) LogEvent(e Event) error {
	if d == nil || d.conn == nil {
		return fmt.Errorf("db is not open")
	}
	if strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("event type is required")
	}

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var duration any
	if e.Duration > 0 {
		duration = e.Duration.Milliseconds()
	}

	_, err := d.conn.Exec(`
INSERT INTO activity_log (timestamp, event_type, domain, subject, details, duration_ms)
VALUES (?, ?, ?, ?, ?, ?)`, ts.UTC(), e.Type, e.Domain, e.Subject, e.Details, duration)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// EventFilter narrows RecentEvents. Zero fields match everything.
type EventFilter struct {
	Domain  string
	Subject string
	Type    string
	Since   time.Time
}

// RecentEvents returns up to limit events, newest first.
func (d *DB) RecentEvents(limit int, filter EventFilter) ([]Event, error) {
	if d == nil || d.conn == nil {
		return nil, fmt.Errorf("db is not open")
	}
	if limit <= 0 {
		limit = 50
	}

	var (
		where []string
		args  []any
	)
	if filter.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, filter.Domain)
	}
	if filter.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, filter.Subject)
	}
	if filter.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.Type)
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := `SELECT id, timestamp, event_type, domain, subject, COALESCE(details, ''), duration_ms FROM activity_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e        Event
			duration sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Type, &e.Domain, &e.Subject, &e.Details, &duration); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		if duration.Valid {
			e.Duration = time.Duration(duration.Int64) * time.Millisecond
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return events, nil
}
