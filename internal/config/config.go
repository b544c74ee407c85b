package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Device   DeviceConfig  `yaml:"device"`
	Session  SessionConfig `yaml:"session"`
	Camera   CameraConfig  `yaml:"camera"`
}

// DeviceConfig selects which camera to connect to.
type DeviceConfig struct {
	Identifier  string `yaml:"identifier"`   // exact identifier, takes precedence over name_pattern
	NamePattern string `yaml:"name_pattern"` // regexp matched against the advertised name
	Protocol    string `yaml:"protocol"`     // "v1", "v2" or "all"
}

// SessionConfig holds connection and reconnection settings.
type SessionConfig struct {
	StatePath      string        `yaml:"state_path"`
	ReconnectMax   int           `yaml:"reconnect_max"` // seconds
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// CameraConfig holds settings for camera commands.
type CameraConfig struct {
	StrictFlags    bool          `yaml:"strict_flags"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gr-remote")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	statePath := filepath.Join(home, ".local", "state", "gr-remote", "session.yaml")

	return &Config{
		LogLevel: "info",
		Device: DeviceConfig{
			NamePattern: "GR_",
			Protocol:    "all",
		},
		Session: SessionConfig{
			StatePath:      statePath,
			ReconnectMax:   30,
			ConnectTimeout: 15 * time.Second,
		},
		Camera: CameraConfig{
			CommandTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in state_path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing config file: %w", err)
	}

	cfg.Session.StatePath = expandTilde(cfg.Session.StatePath)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.NamePattern != "" {
		if _, err := regexp.Compile(c.Device.NamePattern); err != nil {
			return fmt.Errorf("config: device.name_pattern is not a valid regexp: %w", err)
		}
	}

	switch strings.ToLower(c.Device.Protocol) {
	case "v1", "v2", "all":
	default:
		return fmt.Errorf("config: device.protocol must be \"v1\", \"v2\" or \"all\", got %q", c.Device.Protocol)
	}

	if c.Session.StatePath == "" {
		return fmt.Errorf("config: session.state_path must not be empty")
	}

	if c.Session.ReconnectMax <= 0 {
		return fmt.Errorf("config: session.reconnect_max must be > 0")
	}

	if c.Session.ConnectTimeout <= 0 {
		return fmt.Errorf("config: session.connect_timeout must be > 0")
	}

	if c.Camera.CommandTimeout < 0 {
		return fmt.Errorf("config: camera.command_timeout must not be negative")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" if a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("config: checking %s: %w", path, err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("config: encoding defaults: %w", err)
	}
	header := "# gr-remote configuration\n" +
		"# device.identifier pins one camera; otherwise the first advertisement\n" +
		"# whose name matches device.name_pattern is used.\n\n"

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("config: creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return "", fmt.Errorf("config: writing %s: %w", path, err)
	}
	return path, nil
}

// ParseLogLevel maps a log_level value to a slog.Level. Unknown values
// map to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
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
