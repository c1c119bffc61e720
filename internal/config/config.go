package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Session modes.
const (
	ModeLive    = "live"
	ModeDebrief = "debrief"
)

type Config struct {
	LogLevel     string        `yaml:"log_level"`
	MetricsAddr  string        `yaml:"metrics_addr"` // empty = no /metrics endpoint
	Hotkey       string        `yaml:"hotkey"`
	HotkeyDarwin string        `yaml:"hotkey_darwin"`
	Backend      BackendConfig `yaml:"backend"`
	Audio        AudioConfig   `yaml:"audio"`
	Session      SessionConfig `yaml:"session"`
	Preferences  Preferences   `yaml:"preferences"`

	path string
	mu   sync.Mutex
}

type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type AudioConfig struct {
	MicDevice     string        `yaml:"mic_device"`    // empty = default input
	SystemDevice  string        `yaml:"system_device"` // loopback/monitor input, empty = autodetect
	RecordPath    string        `yaml:"record_path"`   // optional WAV tap of emitted PCM
	LevelInterval time.Duration `yaml:"level_interval"`
}

// SessionConfig holds the per-session presets sent in the config frame.
type SessionConfig struct {
	Mode                 string `yaml:"mode"` // "live" or "debrief"
	Personality          string `yaml:"personality"`
	EmitInterim          bool   `yaml:"emit_interim"`
	EndpointingMS        int    `yaml:"endpointing_ms"`
	WindowSizeSeconds    int    `yaml:"window_size_seconds"`
	TestModeCounterparty bool   `yaml:"test_mode_counterparty"`
}

// Preferences are the locally persisted choices the session controller reads
// and updates.
type Preferences struct {
	LastScenario    string `yaml:"last_scenario"`
	SkipSystemAudio bool   `yaml:"skip_system_audio"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:     "info",
		Hotkey:       "Ctrl+Shift+S",
		HotkeyDarwin: "Ctrl+Shift+S",
		Backend: BackendConfig{
			BaseURL: "http://127.0.0.1:8000",
			Timeout: 30 * time.Second,
		},
		Audio: AudioConfig{
			LevelInterval: 33 * time.Millisecond,
		},
		Session: SessionConfig{
			Mode:          ModeLive,
			Personality:   "tactical",
			EndpointingMS: 300,
		},
	}
}

// Load reads the config from the platform path, or returns defaults when the
// file does not exist yet.
func Load() (*Config, error) {
	return LoadFile(configPath())
}

// LoadFile reads the config at path over the defaults. A missing file is not
// an error.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	cfg.path = path
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults and validates the
// result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns every problem found in cfg, joined.
func Validate(cfg *Config) error {
	var errs []error

	switch cfg.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url must not be empty"))
	}
	if cfg.Backend.Timeout < 0 {
		errs = append(errs, errors.New("backend.timeout must not be negative"))
	}
	if cfg.Audio.LevelInterval <= 0 {
		errs = append(errs, errors.New("audio.level_interval must be positive"))
	}
	if cfg.Session.Mode != ModeLive && cfg.Session.Mode != ModeDebrief {
		errs = append(errs, fmt.Errorf("session.mode %q is invalid; valid values: live, debrief", cfg.Session.Mode))
	}
	if cfg.Session.EndpointingMS < 0 {
		errs = append(errs, errors.New("session.endpointing_ms must not be negative"))
	}
	if cfg.Session.WindowSizeSeconds < 0 {
		errs = append(errs, errors.New("session.window_size_seconds must not be negative"))
	}

	return errors.Join(errs...)
}

// Save writes the config to disk
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked()
}

func (c *Config) saveLocked() error {
	path := c.path
	if path == "" {
		path = configPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// LoadPreferences returns the persisted preferences.
func (c *Config) LoadPreferences() Preferences {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Preferences
}

// SavePreferences replaces the preferences and writes the file.
func (c *Config) SavePreferences(p Preferences) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Preferences = p
	return c.saveLocked()
}

// PlatformHotkey returns the appropriate hotkey for the current platform
func (c *Config) PlatformHotkey() string {
	if runtime.GOOS == "darwin" && c.HotkeyDarwin != "" {
		return c.HotkeyDarwin
	}
	return c.Hotkey
}

// Path returns the file the config is saved to.
func (c *Config) Path() string {
	if c.path == "" {
		return configPath()
	}
	return c.path
}

// configPath returns the platform-specific config file path
func configPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "sidekick", "config.yaml")
}
