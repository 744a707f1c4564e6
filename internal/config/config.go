package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chaz8081/axle-updater/internal/updater"
	"gopkg.in/yaml.v3"
)

// Placeholders substituted into FirmwareConfig.Command.
const (
	PackagePlaceholder = "{package}"
	TargetPlaceholder  = "{target}"
)

// Config holds all application configuration.
type Config struct {
	Firmware    FirmwareConfig   `yaml:"firmware"`
	Timeouts    updater.Timeouts `yaml:"timeouts"`
	Presenter   PresenterConfig  `yaml:"presenter"`
	JournalPath string           `yaml:"journal_path"`
	LogLevel    string           `yaml:"log_level"`
}

// FirmwareConfig locates the update package and the tool that transfers it.
type FirmwareConfig struct {
	Package string   `yaml:"package"`
	Command []string `yaml:"command"` // argv with {package} and {target} placeholders
}

// PresenterConfig selects the user-facing surfaces.
type PresenterConfig struct {
	Terminal      bool   `yaml:"terminal"`
	WebsocketAddr string `yaml:"websocket_addr"` // empty disables the websocket hub
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "axle-updater")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultDataDir returns the directory holding firmware packages.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "share", "axle-updater")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Firmware: FirmwareConfig{
			Package: filepath.Join(DefaultDataDir(), "update-2.6.zip"),
			Command: []string{"nrfutil", "dfu", "ble", "-pkg", PackagePlaceholder, "-a", TargetPlaceholder},
		},
		Timeouts: updater.DefaultTimeouts(),
		Presenter: PresenterConfig{
			Terminal: true,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Firmware.Package = expandTilde(cfg.Firmware.Package)
	cfg.JournalPath = expandTilde(cfg.JournalPath)

	return cfg, nil
}

// defaultHeader is prepended to the config written by WriteDefault.
const defaultHeader = `# axle-updater configuration
# Timeouts use Go duration syntax (e.g. 5s, 1m30s).

`

// WriteDefault writes the default config to DefaultConfigPath, creating the
// config directory. It returns the written path, or "" without touching
// anything if a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Firmware.Package == "" {
		return fmt.Errorf("firmware.package must not be empty")
	}
	if len(c.Firmware.Command) == 0 {
		return fmt.Errorf("firmware.command must not be empty")
	}
	if !containsArg(c.Firmware.Command, TargetPlaceholder) {
		return fmt.Errorf("firmware.command must reference %s", TargetPlaceholder)
	}

	timeouts := []struct {
		name string
		d    time.Duration
	}{
		{"timeouts.connect", c.Timeouts.Connect},
		{"timeouts.authenticate", c.Timeouts.Authenticate},
		{"timeouts.dfu_entry", c.Timeouts.DfuEntry},
		{"timeouts.transfer_stall", c.Timeouts.TransferStall},
		{"timeouts.transfer_connect", c.Timeouts.TransferConnect},
	}
	for _, t := range timeouts {
		if t.d <= 0 {
			return fmt.Errorf("%s must be > 0, got %s", t.name, t.d)
		}
	}

	if !c.Presenter.Terminal && c.Presenter.WebsocketAddr == "" {
		return fmt.Errorf("presenter: enable terminal or set websocket_addr")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a config log level to a slog.Level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
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

func containsArg(args []string, placeholder string) bool {
	for _, a := range args {
		if strings.Contains(a, placeholder) {
			return true
		}
	}
	return false
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
