package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	StatusCode int
	Method     string
	URL        string
	// Body is the (truncated) response body.
	Body string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
	if detail := e.Detail(); detail != "" {
		msg += ": " + detail
	}
	return msg
}

// Detail extracts the backend's human-readable message: the "detail" field
// when present, otherwise the first field error.
func (e *StatusError) Detail() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return ""
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		if len(body) > 200 {
			body = body[:200] + "..."
		}
		return body
	}

	if raw, ok := doc["detail"]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
	}
	for field, raw := range doc {
		var list []string
		if json.Unmarshal(raw, &list) == nil && len(list) > 0 {
			return field + ": " + list[0]
		}
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			return field + ": " + s
		}
	}
	return ""
}

// IsUnauthorized reports whether err carries a 401 from the backend.
func IsUnauthorized(err error) bool {
	return hasStatus(err, http.StatusUnauthorized)
}

// IsNotFound reports whether err carries a 404 from the backend.
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

func hasStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
