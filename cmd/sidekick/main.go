package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/petems/sidekick/internal/audio"
	"github.com/petems/sidekick/internal/backend"
	"github.com/petems/sidekick/internal/coach"
	"github.com/petems/sidekick/internal/config"
	"github.com/petems/sidekick/internal/hotkey"
	"github.com/petems/sidekick/internal/logging"
	"github.com/petems/sidekick/internal/observe"
	"github.com/petems/sidekick/internal/permissions"
	"github.com/petems/sidekick/internal/transport"
	"github.com/petems/sidekick/internal/tray"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

func main() {
	// Load config from XDG/Library/AppData
	cfg, err := config.Load()
	if err != nil {
		// Use default logger if config fails to load
		log := logging.New()
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	// Initialize logger with configured level
	log := logging.NewWithLevel(cfg.LogLevel)

	// macOS requires explicit microphone approval before capture works
	if err := permissions.EnsurePermissions(log); err != nil {
		log.Fatal().Err(err).Msg("Required permissions not granted")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: Version,
		ListenAddr:     cfg.MetricsAddr,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize metrics")
	}
	defer shutdownMetrics(context.Background())

	// Initialize audio devices
	devices, err := audio.NewPortAudio(log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize audio")
	}
	defer devices.Close()

	client, err := backend.New(backend.Config{
		BaseURL: cfg.Backend.BaseURL,
		Timeout: cfg.Backend.Timeout,
		Logger:  log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize backend client")
	}
	wsURL, err := transport.URLFromBase(cfg.Backend.BaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to derive websocket URL")
	}

	personality, err := coach.ParsePersonality(cfg.Session.Personality)
	if err != nil {
		log.Warn().Err(err).Msg("Unknown personality, using tactical")
		personality = coach.Tactical
	}

	// Create tray UI first (we'll pass it to the controller)
	trayUI := tray.New(nil, Version, Commit, log)

	controller := coach.New(coach.Config{
		Backend:     client,
		Preferences: cfg,
		NewTransport: func() coach.Transport {
			return transport.New(wsURL, transport.WithLogger(log))
		},
		NewCapture: func(sink audio.FrameSink, hooks coach.CaptureHooks) coach.Capture {
			return audio.NewSession(audio.SessionConfig{
				Devices:       devices,
				Sink:          sink,
				MicDevice:     cfg.Audio.MicDevice,
				SystemDevice:  cfg.Audio.SystemDevice,
				RecordPath:    cfg.Audio.RecordPath,
				LevelInterval: cfg.Audio.LevelInterval,
				OnLevels:      hooks.OnLevels,
				OnSystemLost:  hooks.OnSystemLost,
				OnMicLost:     hooks.OnMicLost,
				Logger:        log,
			})
		},
		Presets: coach.SessionConfig{
			Mode:                 cfg.Session.Mode,
			TestModeCounterparty: cfg.Session.TestModeCounterparty,
			EmitInterim:          cfg.Session.EmitInterim,
			EndpointingMS:        cfg.Session.EndpointingMS,
			WindowSizeSeconds:    cfg.Session.WindowSizeSeconds,
		},
		Personality: personality,
		Logger:      log,
		Renderer:    trayUI,
	})

	// Set controller reference in tray
	trayUI.SetController(controller)

	// Initialize hotkey manager
	hkManager, err := hotkey.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize hotkeys")
	}
	defer hkManager.Close()

	// The tray still drives everything when the hotkey cannot be grabbed.
	if err := hkManager.Register(cfg.PlatformHotkey(), hotkey.Debounce(controller.OnListenToggle)); err != nil {
		log.Warn().Err(err).Str("hotkey", cfg.PlatformHotkey()).Msg("Failed to register hotkey")
	}

	log.Info().Str("version", Version).Str("backend", cfg.Backend.BaseURL).Msg("Sidekick starting...")

	// Setup shutdown signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Shutting down...")
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := controller.Shutdown(sctx); err != nil {
			log.Error().Err(err).Msg("Shutdown error")
		}
		_ = shutdownMetrics(sctx)
		os.Exit(0)
	}()

	// Start tray UI - MUST run on main thread
	if err := trayUI.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Tray error")
	}
	if err := controller.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}
}
