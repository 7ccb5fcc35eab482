// Package config manages tfsctl configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Credential store backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

const (
	defaultAPIURL         = "http://localhost:8000/api/v1"
	defaultHTTPTimeout    = 30 * time.Second
	defaultRefreshTimeout = 15 * time.Second
	defaultProbeRPS       = 5.0
	defaultProbeBurst     = 10
)

// Config is the full tfsctl configuration.
type Config struct {
	// APIURL is the base URL every endpoint path is resolved against.
	APIURL string `mapstructure:"api-url" yaml:"api-url" json:"api_url"`

	Credentials CredentialsConfig `mapstructure:"credentials" yaml:"credentials" json:"credentials"`
	HTTP        HTTPConfig        `mapstructure:"http" yaml:"http" json:"http"`
	Polling     PollingConfig     `mapstructure:"polling" yaml:"polling" json:"polling"`
	ProbeRate   RateConfig        `mapstructure:"probe-rate" yaml:"probe-rate" json:"probe_rate"`
	Log         LogConfig         `mapstructure:"log" yaml:"log" json:"log"`

	// Path is the file the config was read from, if any.
	Path string `mapstructure:"-" yaml:"-" json:"-"`
}

// CredentialsConfig selects where the credential pair is persisted.
type CredentialsConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend" json:"backend"`
	Path    string `mapstructure:"path" yaml:"path" json:"path"`
	DBPath  string `mapstructure:"db-path" yaml:"db-path" json:"db_path"`
}

// HTTPConfig holds transport settings.
type HTTPConfig struct {
	Timeout        Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	RefreshTimeout Duration `mapstructure:"refresh-timeout" yaml:"refresh-timeout" json:"refresh_timeout"`
	// AllowedHosts restricts which hosts may receive the refresh credential.
	// Loopback hosts are always allowed. Empty means the API host only.
	AllowedHosts []string `mapstructure:"allowed-hosts" yaml:"allowed-hosts,omitempty" json:"allowed_hosts,omitempty"`
}

// RateConfig bounds how fast status probes leave the client.
type RateConfig struct {
	RPS   float64 `mapstructure:"rps" yaml:"rps" json:"rps"`
	Burst int     `mapstructure:"burst" yaml:"burst" json:"burst"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		APIURL: defaultAPIURL,
		Credentials: CredentialsConfig{
			Backend: BackendFile,
			Path:    filepath.Join(DataDir(), "credentials.json"),
			DBPath:  filepath.Join(DataDir(), "tfsctl.db"),
		},
		HTTP: HTTPConfig{
			Timeout:        Duration(defaultHTTPTimeout),
			RefreshTimeout: Duration(defaultRefreshTimeout),
		},
		Polling: DefaultPollingConfig(),
		ProbeRate: RateConfig{
			RPS:   defaultProbeRPS,
			Burst: defaultProbeBurst,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ConfigPath returns the default config file location.
func ConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tfsctl", "config.yaml")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "tfsctl", "config.yaml")
	}
	return filepath.Join(homeDir, ".config", "tfsctl", "config.yaml")
}

// DataDir returns the directory holding persisted client state.
func DataDir() string {
	if home := os.Getenv("TFS_HOME"); home != "" {
		return filepath.Join(home, "data")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "tfsctl")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".local", "share", "tfsctl")
	}
	return filepath.Join(homeDir, ".local", "share", "tfsctl")
}

// Load reads configuration from path (or ConfigPath() when empty), layering
// TFS_* environment variables over the file and defaults over both.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	defaults := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("TFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("api-url", defaults.APIURL)
	v.SetDefault("credentials.backend", defaults.Credentials.Backend)
	v.SetDefault("credentials.path", defaults.Credentials.Path)
	v.SetDefault("credentials.db-path", defaults.Credentials.DBPath)
	v.SetDefault("http.timeout", defaults.HTTP.Timeout.String())
	v.SetDefault("http.refresh-timeout", defaults.HTTP.RefreshTimeout.String())
	v.SetDefault("http.allowed-hosts", []string{})
	v.SetDefault("polling.initial-interval", defaults.Polling.InitialInterval.String())
	v.SetDefault("polling.max-interval", defaults.Polling.MaxInterval.String())
	v.SetDefault("polling.backoff-multiplier", defaults.Polling.BackoffMultiplier)
	v.SetDefault("polling.max-attempts", defaults.Polling.MaxAttempts)
	v.SetDefault("polling.max-duration", defaults.Polling.MaxDuration.String())
	v.SetDefault("probe-rate.rps", defaults.ProbeRate.RPS)
	v.SetDefault("probe-rate.burst", defaults.ProbeRate.Burst)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)

	if path == "" {
		path = ConfigPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		cfg.Path = path
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.expandPaths()
	return cfg, nil
}

// Validate checks the fields that cannot be defaulted at use time.
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return fmt.Errorf("invalid api-url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid api-url %q: scheme must be http or https", c.APIURL)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid api-url %q: missing host", c.APIURL)
	}

	switch c.Credentials.Backend {
	case BackendFile, BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("unknown credentials backend %q (supported: file, sqlite, memory)", c.Credentials.Backend)
	}

	if err := c.Polling.Validate(); err != nil {
		return err
	}
	if c.ProbeRate.RPS < 0 || c.ProbeRate.Burst < 0 {
		return fmt.Errorf("probe-rate values cannot be negative")
	}
	return nil
}

// Domain returns the host credentials are scoped to.
func (c *Config) Domain() string {
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

func (c *Config) expandPaths() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	for _, p := range []*string{&c.Credentials.Path, &c.Credentials.DBPath} {
		if strings.HasPrefix(*p, "~/") {
			*p = filepath.Join(home, (*p)[2:])
		}
	}
}

// Save writes the config as YAML to path (or ConfigPath() when empty).
func (c *Config) Save(path string) error {
	if path == "" {
		path = ConfigPath()
	}

	data, err := c.YAML()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "config.*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config file: %w", err)
	}
	return nil
}

// YAML renders the config document.
func (c *Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}
