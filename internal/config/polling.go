package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration that reads and writes as a Go duration string
// ("2s", "1m30s") in JSON, YAML and viper-decoded config.
type Duration time.Duration

// Duration returns the value as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
// A bare integer is read as milliseconds.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// PollingConfig controls how long and how often the scheduler probes an
// entity whose analysis result is not yet known.
type PollingConfig struct {
	InitialInterval   Duration `mapstructure:"initial-interval" yaml:"initial-interval" json:"initial_interval"`
	MaxInterval       Duration `mapstructure:"max-interval" yaml:"max-interval" json:"max_interval"`
	BackoffMultiplier float64  `mapstructure:"backoff-multiplier" yaml:"backoff-multiplier" json:"backoff_multiplier"`
	MaxAttempts       int      `mapstructure:"max-attempts" yaml:"max-attempts" json:"max_attempts"`
	MaxDuration       Duration `mapstructure:"max-duration" yaml:"max-duration" json:"max_duration"`
}

const defaultBackoffMultiplier = 2.0

// DefaultPollingConfig returns the polling defaults: 2s doubling up to 10s,
// at most 15 probes or 45s, whichever comes first.
func DefaultPollingConfig() PollingConfig {
	return PollingConfig{
		InitialInterval:   Duration(2 * time.Second),
		MaxInterval:       Duration(10 * time.Second),
		BackoffMultiplier: defaultBackoffMultiplier,
		MaxAttempts:       15,
		MaxDuration:       Duration(45 * time.Second),
	}
}

// Interval returns the wait that follows probe number attempt (1-based):
// min(InitialInterval * BackoffMultiplier^(attempt-1), MaxInterval).
func (c PollingConfig) Interval(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	multiplier := c.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = defaultBackoffMultiplier
	}

	delay := float64(c.InitialInterval) * math.Pow(multiplier, float64(attempt-1))
	if limit := float64(c.MaxInterval); limit > 0 && delay > limit {
		delay = limit
	}
	if delay >= math.MaxInt64 || math.IsInf(delay, 0) || math.IsNaN(delay) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Merge returns c with every non-zero field of override applied.
func (c PollingConfig) Merge(override *PollingConfig) PollingConfig {
	if override == nil {
		return c
	}

	result := c
	if override.InitialInterval > 0 {
		result.InitialInterval = override.InitialInterval
	}
	if override.MaxInterval > 0 {
		result.MaxInterval = override.MaxInterval
	}
	if override.BackoffMultiplier > 0 {
		result.BackoffMultiplier = override.BackoffMultiplier
	}
	if override.MaxAttempts > 0 {
		result.MaxAttempts = override.MaxAttempts
	}
	if override.MaxDuration > 0 {
		result.MaxDuration = override.MaxDuration
	}
	return result
}

// Validate reports the first field that would make polling unbounded or
// degenerate.
func (c PollingConfig) Validate() error {
	switch {
	case c.InitialInterval <= 0:
		return fmt.Errorf("polling initial-interval must be positive")
	case c.MaxInterval < c.InitialInterval:
		return fmt.Errorf("polling max-interval (%s) is shorter than initial-interval (%s)", c.MaxInterval, c.InitialInterval)
	case c.BackoffMultiplier < 1:
		return fmt.Errorf("polling backoff-multiplier must be >= 1, got %v", c.BackoffMultiplier)
	case c.MaxAttempts <= 0:
		return fmt.Errorf("polling max-attempts must be positive")
	case c.MaxDuration <= 0:
		return fmt.Errorf("polling max-duration must be positive")
	}
	return nil
}
