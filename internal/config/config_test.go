package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFileMissingReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Backend.BaseURL != "http://127.0.0.1:8000" {
		t.Errorf("expected default base URL, got %q", cfg.Backend.BaseURL)
	}
	if cfg.Session.Mode != ModeLive {
		t.Errorf("expected live mode, got %q", cfg.Session.Mode)
	}
	if cfg.Audio.LevelInterval != 33*time.Millisecond {
		t.Errorf("expected 33ms level interval, got %v", cfg.Audio.LevelInterval)
	}
}

func TestLoadFromReaderOverlaysDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(`
log_level: debug
metrics_addr: 127.0.0.1:9464
backend:
  base_url: http://coach.local:9000
audio:
  level_interval: 50ms
session:
  mode: debrief
  window_size_seconds: 10
preferences:
  last_scenario: Vendor
  skip_system_audio: true
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if cfg.MetricsAddr != "127.0.0.1:9464" {
		t.Errorf("metrics addr = %q", cfg.MetricsAddr)
	}
	if cfg.Backend.BaseURL != "http://coach.local:9000" {
		t.Errorf("base url = %q", cfg.Backend.BaseURL)
	}
	if cfg.Backend.Timeout != 30*time.Second {
		t.Errorf("expected default timeout to survive overlay, got %v", cfg.Backend.Timeout)
	}
	if cfg.Audio.LevelInterval != 50*time.Millisecond {
		t.Errorf("level interval = %v", cfg.Audio.LevelInterval)
	}
	if cfg.Session.Mode != ModeDebrief || cfg.Session.WindowSizeSeconds != 10 {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Session.EndpointingMS != 300 {
		t.Errorf("expected default endpointing, got %d", cfg.Session.EndpointingMS)
	}
	if cfg.Preferences.LastScenario != "Vendor" || !cfg.Preferences.SkipSystemAudio {
		t.Errorf("preferences = %+v", cfg.Preferences)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("transcriber:\n  model: base.en\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "loud"
	cfg.Session.Mode = "batch"
	cfg.Session.EndpointingMS = -1

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log_level", "session.mode", "session.endpointing_ms"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestSavePreferencesRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if err := cfg.SavePreferences(Preferences{LastScenario: "Salary", SkipSystemAudio: true}); err != nil {
		t.Fatalf("SavePreferences: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	reloaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := reloaded.LoadPreferences()
	if got.LastScenario != "Salary" || !got.SkipSystemAudio {
		t.Fatalf("preferences after reload = %+v", got)
	}
	if reloaded.Audio.LevelInterval != 33*time.Millisecond {
		t.Fatalf("level interval after reload = %v", reloaded.Audio.LevelInterval)
	}
}
