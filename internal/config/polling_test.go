package config

import (
	"encoding/json"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefaultPollingConfig(t *testing.T) {
	cfg := DefaultPollingConfig()

	if cfg.InitialInterval.Duration() != 2*time.Second {
		t.Errorf("InitialInterval = %v, want 2s", cfg.InitialInterval.Duration())
	}
	if cfg.MaxInterval.Duration() != 10*time.Second {
		t.Errorf("MaxInterval = %v, want 10s", cfg.MaxInterval.Duration())
	}
	if cfg.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %f, want 2.0", cfg.BackoffMultiplier)
	}
	if cfg.MaxAttempts != 15 {
		t.Errorf("MaxAttempts = %d, want 15", cfg.MaxAttempts)
	}
	if cfg.MaxDuration.Duration() != 45*time.Second {
		t.Errorf("MaxDuration = %v, want 45s", cfg.MaxDuration.Duration())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestPollingConfig_Interval_Sequence(t *testing.T) {
	cfg := PollingConfig{
		InitialInterval:   Duration(2000 * time.Millisecond),
		MaxInterval:       Duration(10000 * time.Millisecond),
		BackoffMultiplier: 2,
	}

	want := []time.Duration{
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		10000 * time.Millisecond,
		10000 * time.Millisecond,
		10000 * time.Millisecond,
	}

	for i, expected := range want {
		attempt := i + 1
		if got := cfg.Interval(attempt); got != expected {
			t.Errorf("Interval(%d) = %v, want %v", attempt, got, expected)
		}
	}
}

func TestPollingConfig_Interval_ClampsAttempt(t *testing.T) {
	cfg := DefaultPollingConfig()

	for _, attempt := range []int{0, -1, -100} {
		if got := cfg.Interval(attempt); got != 2*time.Second {
			t.Errorf("Interval(%d) = %v, want 2s", attempt, got)
		}
	}
}

func TestPollingConfig_Interval_ZeroMultiplier(t *testing.T) {
	cfg := PollingConfig{
		InitialInterval:   Duration(time.Second),
		MaxInterval:       Duration(time.Minute),
		BackoffMultiplier: 0, // falls back to 2.0
	}

	if got := cfg.Interval(3); got != 4*time.Second {
		t.Errorf("Interval(3) with zero multiplier = %v, want 4s", got)
	}
}

func TestPollingConfig_Interval_NoOverflow(t *testing.T) {
	cfg := PollingConfig{
		InitialInterval:   Duration(time.Second),
		BackoffMultiplier: 10,
	}

	got := cfg.Interval(500)
	if got <= 0 {
		t.Errorf("Interval(500) = %v, want a positive saturated value", got)
	}
}

func TestPollingConfig_Merge(t *testing.T) {
	base := DefaultPollingConfig()

	t.Run("nil override", func(t *testing.T) {
		if got := base.Merge(nil); got != base {
			t.Errorf("Merge(nil) = %+v, want %+v", got, base)
		}
	})

	t.Run("partial override", func(t *testing.T) {
		got := base.Merge(&PollingConfig{
			MaxAttempts: 3,
			MaxDuration: Duration(5 * time.Second),
		})

		if got.MaxAttempts != 3 {
			t.Errorf("MaxAttempts = %d, want 3", got.MaxAttempts)
		}
		if got.MaxDuration.Duration() != 5*time.Second {
			t.Errorf("MaxDuration = %v, want 5s", got.MaxDuration.Duration())
		}
		if got.InitialInterval != base.InitialInterval {
			t.Errorf("InitialInterval = %v, want base %v", got.InitialInterval, base.InitialInterval)
		}
		if got.BackoffMultiplier != base.BackoffMultiplier {
			t.Errorf("BackoffMultiplier = %v, want base %v", got.BackoffMultiplier, base.BackoffMultiplier)
		}
	})
}

func TestPollingConfig_Validate(t *testing.T) {
	valid := DefaultPollingConfig()

	tests := []struct {
		name   string
		mutate func(*PollingConfig)
	}{
		{"zero initial", func(c *PollingConfig) { c.InitialInterval = 0 }},
		{"max below initial", func(c *PollingConfig) { c.MaxInterval = Duration(time.Second) }},
		{"shrinking multiplier", func(c *PollingConfig) { c.BackoffMultiplier = 0.5 }},
		{"no attempts", func(c *PollingConfig) { c.MaxAttempts = 0 }},
		{"no duration", func(c *PollingConfig) { c.MaxDuration = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestDuration_JSON(t *testing.T) {
	tests := []struct {
		name     string
		json     string
		expected time.Duration
	}{
		{"seconds", `"2s"`, 2 * time.Second},
		{"minutes", `"5m"`, 5 * time.Minute},
		{"combined", `"1m30s"`, 90 * time.Second},
		{"bare milliseconds", `"1500"`, 1500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			if err := json.Unmarshal([]byte(tt.json), &d); err != nil {
				t.Fatalf("Unmarshal error: %v", err)
			}
			if d.Duration() != tt.expected {
				t.Errorf("Duration = %v, want %v", d.Duration(), tt.expected)
			}
		})
	}

	data, err := json.Marshal(Duration(45 * time.Second))
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if string(data) != `"45s"` {
		t.Errorf("Marshal = %s, want \"45s\"", data)
	}
}

func TestDuration_InvalidText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Error("UnmarshalText(\"soon\") = nil, want error")
	}
}

func TestPollingConfig_YAML(t *testing.T) {
	doc := []byte(`
initial-interval: 500ms
max-interval: 4s
backoff-multiplier: 1.5
max-attempts: 7
max-duration: 20s
`)

	var cfg PollingConfig
	if err := yaml.Unmarshal(doc, &cfg); err != nil {
		t.Fatalf("yaml.Unmarshal error: %v", err)
	}

	if cfg.InitialInterval.Duration() != 500*time.Millisecond {
		t.Errorf("InitialInterval = %v, want 500ms", cfg.InitialInterval.Duration())
	}
	if cfg.MaxInterval.Duration() != 4*time.Second {
		t.Errorf("MaxInterval = %v, want 4s", cfg.MaxInterval.Duration())
	}
	if cfg.BackoffMultiplier != 1.5 {
		t.Errorf("BackoffMultiplier = %v, want 1.5", cfg.BackoffMultiplier)
	}
	if cfg.MaxAttempts != 7 {
		t.Errorf("MaxAttempts = %d, want 7", cfg.MaxAttempts)
	}
	if cfg.MaxDuration.Duration() != 20*time.Second {
		t.Errorf("MaxDuration = %v, want 20s", cfg.MaxDuration.Duration())
	}
}
