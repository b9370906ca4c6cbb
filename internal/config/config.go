// Package config loads and validates the soletrack YAML configuration.
// Missing fields fall back to defaults; durations are written as Go
// duration strings ("5s", "500ms").
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML duration-string parsing.
type Duration time.Duration

// UnmarshalYAML parses a duration string like "10s" or "500ms".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all application configuration.
type Config struct {
	Device     DeviceConfig     `yaml:"device"`
	Connection ConnectionConfig `yaml:"connection"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Output     OutputConfig     `yaml:"output"`
	LogLevel   string           `yaml:"log_level"`
}

// DeviceConfig identifies the target peripheral.
type DeviceConfig struct {
	Name          string `yaml:"name"`
	RSSIThreshold int    `yaml:"rssi_threshold"` // dBm; sightings weaker than this are not the target
}

// ConnectionConfig holds connect/reconnect behavior.
type ConnectionConfig struct {
	RetryAttempts int      `yaml:"retry_attempts"`
	RetryDelay    Duration `yaml:"retry_delay"`
	AutoReconnect bool     `yaml:"auto_reconnect"`
}

// DiscoveryConfig holds scan and cache tuning.
type DiscoveryConfig struct {
	ScanTimeout   Duration `yaml:"scan_timeout"`
	PollInterval  Duration `yaml:"poll_interval"`
	FetchTimeout  Duration `yaml:"fetch_timeout"`
	CacheTTL      Duration `yaml:"cache_ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// OutputConfig holds persistence settings.
type OutputConfig struct {
	Dir             string   `yaml:"dir"`
	MaxSizeMB       int      `yaml:"max_size_mb"`
	SessionDuration Duration `yaml:"session_duration"`
	DBPath          string   `yaml:"db_path"` // empty disables the SQLite sink
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "soletrack")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Device: DeviceConfig{
			Name:          "SoleTrack-Insole",
			RSSIThreshold: -80,
		},
		Connection: ConnectionConfig{
			RetryAttempts: 3,
			RetryDelay:    Duration(5 * time.Second),
			AutoReconnect: true,
		},
		Discovery: DiscoveryConfig{
			ScanTimeout:   Duration(30 * time.Second),
			PollInterval:  Duration(time.Second),
			FetchTimeout:  Duration(2 * time.Second),
			CacheTTL:      Duration(10 * time.Second),
			SweepInterval: Duration(30 * time.Second),
		},
		Output: OutputConfig{
			Dir:             filepath.Join(home, ".local", "share", "soletrack", "sessions"),
			MaxSizeMB:       10,
			SessionDuration: Duration(10 * time.Second),
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled with
// defaults. Tilde (~) in output paths is expanded to the user's home
// directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Output.Dir = expandTilde(cfg.Output.Dir)
	cfg.Output.DBPath = expandTilde(cfg.Output.DBPath)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.Name == "" {
		return fmt.Errorf("device.name must not be empty")
	}
	if c.Device.RSSIThreshold > 0 || c.Device.RSSIThreshold < -120 {
		return fmt.Errorf("device.rssi_threshold must be between -120 and 0 dBm, got %d", c.Device.RSSIThreshold)
	}

	if c.Connection.RetryAttempts <= 0 {
		return fmt.Errorf("connection.retry_attempts must be > 0")
	}
	if c.Connection.RetryDelay <= 0 {
		return fmt.Errorf("connection.retry_delay must be > 0")
	}

	for _, d := range []struct {
		name  string
		value Duration
	}{
		{"discovery.scan_timeout", c.Discovery.ScanTimeout},
		{"discovery.poll_interval", c.Discovery.PollInterval},
		{"discovery.fetch_timeout", c.Discovery.FetchTimeout},
		{"discovery.cache_ttl", c.Discovery.CacheTTL},
		{"discovery.sweep_interval", c.Discovery.SweepInterval},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be > 0", d.name)
		}
	}

	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir must not be empty")
	}
	if c.Output.MaxSizeMB <= 0 {
		return fmt.Errorf("output.max_size_mb must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
