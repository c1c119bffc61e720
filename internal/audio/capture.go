package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petems/sidekick/internal/observe"
	"github.com/petems/sidekick/internal/pcm"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const defaultLevelInterval = 33 * time.Millisecond

type SessionConfig struct {
	Devices      Devices
	Sink         FrameSink
	MicDevice    string
	SystemDevice string
	RecordPath   string // optional WAV tap

	// LevelInterval is the metering cadence. Defaults to 33ms.
	LevelInterval time.Duration
	OnLevels      func(Levels) // Optional
	// OnSystemLost is called if system audio fails after start. Optional.
	OnSystemLost func()
	// OnMicLost is called from the capture loop when the microphone fails
	// after start. Capture has ended by then; the callee must not wait for
	// Stop to return before returning itself. Optional.
	OnMicLost func(error)

	Metrics *observe.Metrics
	Logger  zerolog.Logger
}

// Session owns the acquired devices and the capture graph of one coaching
// session: a quantum loop that mixes, encodes and emits PCM, and a metering
// loop. It is started once and stopped once.
type Session struct {
	cfg SessionConfig
	log zerolog.Logger

	mu       sync.Mutex
	started  bool
	stopped  bool
	mic      Source
	system   Source
	micLevel *analyser
	sysLevel *analyser
	recorder *Recorder
	cancel   context.CancelFunc
	group    *errgroup.Group
	levels   Levels

	// emitMu serializes frame emission against pause so that no frame is
	// sent once Pause has returned.
	emitMu   sync.Mutex
	paused   bool
	resumeCh chan struct{}
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.LevelInterval <= 0 {
		cfg.LevelInterval = defaultLevelInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Session{
		cfg:      cfg,
		log:      cfg.Logger,
		resumeCh: make(chan struct{}, 1),
	}
}

// Start acquires the microphone and, if requested, system audio, then starts
// the capture and metering loops. Microphone failure is returned wrapped in
// ErrMicUnavailable. System audio failure only leaves the session mic-only.
func (s *Session) Start(ctx context.Context, requestSystemAudio bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("audio: session already started")
	}
	s.started = true

	mic, err := s.cfg.Devices.OpenMic(s.cfg.MicDevice)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMicUnavailable, err)
	}
	if err := mic.Start(); err != nil {
		mic.Close()
		return fmt.Errorf("%w: start: %w", ErrMicUnavailable, err)
	}
	s.mic = mic
	s.micLevel = newAnalyser()

	if requestSystemAudio {
		s.system = s.openSystem()
		if s.system != nil {
			s.sysLevel = newAnalyser()
		}
	}

	if s.cfg.RecordPath != "" {
		rec, err := NewRecorder(s.cfg.RecordPath)
		if err != nil {
			s.log.Warn().Err(err).Msg("Recording disabled")
		} else {
			s.recorder = rec
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(loopCtx)
	s.cancel = cancel
	s.group = g

	mic, system := s.mic, s.system
	g.Go(func() error { return s.quantumLoop(gctx, mic, system) })
	g.Go(func() error { return s.meterLoop(gctx) })

	s.log.Info().Bool("system_audio", s.system != nil).Msg("Capture started")
	return nil
}

func (s *Session) openSystem() Source {
	src, err := s.cfg.Devices.OpenSystem(s.cfg.SystemDevice)
	if err != nil {
		s.log.Warn().Err(err).Msg("System audio unavailable, continuing mic-only")
		return nil
	}
	if err := src.Start(); err != nil {
		src.Close()
		s.log.Warn().Err(err).Msg("System audio failed to start, continuing mic-only")
		return nil
	}
	return src
}

// HasSystemAudio reports whether system audio is part of the mix.
func (s *Session) HasSystemAudio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.system != nil
}

// Levels returns the most recent loudness reading.
func (s *Session) Levels() Levels {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.levels
}

// Pause suspends PCM emission and metering without releasing devices.
func (s *Session) Pause() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.paused = true
}

// Resume restarts emission; the next frame follows within one quantum.
func (s *Session) Resume() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	select {
	case s.resumeCh <- struct{}{}:
	default:
	}
}

func (s *Session) isPaused() bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	return s.paused
}

// Stop cancels both loops, waits for them, and releases every device. It is
// safe to call more than once.
func (s *Session) Stop() error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel, group := s.cancel, s.group
	s.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		if werr := group.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
			err = werr
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, src := range []Source{s.mic, s.system} {
		if src == nil {
			continue
		}
		src.Stop()
		if cerr := src.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	s.mic, s.system = nil, nil
	if s.recorder != nil {
		if cerr := s.recorder.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.recorder = nil
	}

	s.log.Info().Msg("Capture stopped")
	return err
}

func (s *Session) quantumLoop(ctx context.Context, mic, system Source) error {
	micBuf := make([]float32, Quantum)
	sysBuf := make([]float32, Quantum)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if s.isPaused() {
			if err := s.waitResume(ctx, mic, system); err != nil {
				return nil
			}
			continue
		}

		if err := mic.Read(micBuf); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error().Err(err).Msg("Microphone read failed")
			if s.cfg.OnMicLost != nil {
				s.cfg.OnMicLost(err)
			}
			return fmt.Errorf("read microphone: %w", err)
		}
		s.micLevel.push(micBuf)

		samples := micBuf
		if system != nil {
			if err := system.Read(sysBuf); err != nil {
				s.log.Warn().Err(err).Msg("System audio read failed, continuing mic-only")
				system = s.dropSystem()
			} else {
				s.sysLevel.push(sysBuf)
				samples = pcm.Mix(micBuf, sysBuf)
			}
		}

		s.emit(ctx, pcm.Encode(samples))
	}
}

// waitResume stops the device clocks while paused and restarts them on
// resume. It returns ctx's error if cancelled first.
func (s *Session) waitResume(ctx context.Context, mic, system Source) error {
	for _, src := range []Source{mic, system} {
		if src != nil {
			src.Stop()
		}
	}
	for s.isPaused() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.resumeCh:
		}
	}
	for _, src := range []Source{mic, system} {
		if src != nil {
			if err := src.Start(); err != nil {
				s.log.Warn().Err(err).Msg("Failed to restart audio stream")
			}
		}
	}
	return nil
}

func (s *Session) dropSystem() Source {
	s.mu.Lock()
	src := s.system
	s.system = nil
	s.sysLevel = nil
	s.mu.Unlock()

	if src != nil {
		src.Stop()
		src.Close()
	}
	if s.cfg.OnSystemLost != nil {
		s.cfg.OnSystemLost()
	}
	return nil
}

func (s *Session) emit(ctx context.Context, frame []byte) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if s.paused {
		return
	}
	if s.recorder != nil {
		if err := s.recorder.Write(frame); err != nil {
			s.log.Debug().Err(err).Msg("Recording write failed")
		}
	}
	if err := s.cfg.Sink.SendPCM(frame); err != nil {
		// Stale audio has no value; never queue.
		s.cfg.Metrics.FramesDropped.Add(ctx, 1)
		return
	}
	s.cfg.Metrics.FramesSent.Add(ctx, 1)
}

func (s *Session) meterLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.LevelInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.isPaused() {
				continue
			}
			s.mu.Lock()
			lv := Levels{Mic: s.micLevel.level()}
			if s.sysLevel != nil {
				lv.System = s.sysLevel.level()
			}
			s.levels = lv
			s.mu.Unlock()

			if s.cfg.OnLevels != nil {
				s.cfg.OnLevels(lv)
			}
		}
	}
}
