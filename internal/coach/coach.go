// Package coach is the session controller. It walks a coaching session from
// scenario selection through live capture to the post-session outcome and
// summary, owning the transport and capture graph for each session.
package coach

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/petems/sidekick/internal/audio"
	"github.com/petems/sidekick/internal/backend"
	"github.com/petems/sidekick/internal/config"
	"github.com/petems/sidekick/internal/observe"
	"github.com/petems/sidekick/internal/transport"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrNoSession is returned when ending a session the backend never
	// identified.
	ErrNoSession = errors.New("coach: no session identity")

	ErrInvalidTransition = errors.New("coach: invalid transition")

	errSuperseded = errors.New("coach: session superseded")
)

// DefaultAdviceDuration is how long advice stays on screen.
const DefaultAdviceDuration = 8 * time.Second

// FallbackScenario is offered when the catalog cannot be fetched.
const FallbackScenario = "General"

// Transport is the backend connection of one session.
type Transport interface {
	Open(ctx context.Context, cfg transport.ConfigFrame) error
	SendPCM(frame []byte) error
	SetPersonality(personality string) error
	State() transport.State
	Events() <-chan transport.Event
	Close() error
}

// Capture is the audio graph of one session.
type Capture interface {
	Start(ctx context.Context, requestSystemAudio bool) error
	HasSystemAudio() bool
	Pause()
	Resume()
	Stop() error
}

// CaptureHooks are the callbacks a Capture reports through.
type CaptureHooks struct {
	OnLevels     func(audio.Levels)
	OnSystemLost func()
	OnMicLost    func(error)
}

type Backend interface {
	NegotiationTypes(ctx context.Context) (backend.NegotiationTypes, error)
	RecordOutcome(ctx context.Context, sessionID string, o backend.Outcome) error
	Summary(ctx context.Context, sessionID string) (backend.Summary, error)
	SwapSpeaker(ctx context.Context, sessionID string, index int) error
	Sessions(ctx context.Context) ([]backend.SessionRecord, error)
}

// PreferenceStore persists the last scenario and the skip-system-audio choice.
type PreferenceStore interface {
	LoadPreferences() config.Preferences
	SavePreferences(p config.Preferences) error
}

// Renderer receives a fresh View after every state change.
type Renderer interface {
	Render(View)
}

type Config struct {
	Backend     Backend
	Preferences PreferenceStore
	// NewTransport and NewCapture build fresh instances for every session.
	NewTransport func() Transport
	NewCapture   func(sink audio.FrameSink, hooks CaptureHooks) Capture

	// Presets fills every SessionConfig field except ScenarioType.
	Presets        SessionConfig
	Personality    Personality
	AdviceDuration time.Duration

	Metrics  *observe.Metrics
	Logger   zerolog.Logger
	Renderer Renderer // Optional
}

type Coach struct {
	backend      Backend
	prefs        PreferenceStore
	newTransport func() Transport
	newCapture   func(audio.FrameSink, CaptureHooks) Capture
	presets      SessionConfig
	adviceDur    time.Duration
	metrics      *observe.Metrics
	log          zerolog.Logger
	renderer     Renderer

	renderMu sync.Mutex

	mu          sync.Mutex
	phase       Phase
	scenarios   []string
	scenario    string
	personality Personality

	// gen identifies the current session; callbacks and events carrying an
	// older value are ignored.
	gen           uint64
	session       SessionConfig
	transport     Transport
	capture       Capture
	cancel        context.CancelFunc
	pumpDone      chan struct{}
	sessionID     string
	hasSystem     bool
	paused        bool
	transportLost bool
	active        bool
	levels        audio.Levels

	advice      *Advice
	adviceGen   uint64
	adviceTimer *time.Timer

	summary *backend.Summary
	alert   string
	busy    bool
}

func New(cfg Config) *Coach {
	if cfg.AdviceDuration <= 0 {
		cfg.AdviceDuration = DefaultAdviceDuration
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	p := cfg.Personality
	if _, err := ParsePersonality(string(p)); err != nil {
		p = Tactical
	}
	return &Coach{
		backend:      cfg.Backend,
		prefs:        cfg.Preferences,
		newTransport: cfg.NewTransport,
		newCapture:   cfg.NewCapture,
		presets:      cfg.Presets,
		adviceDur:    cfg.AdviceDuration,
		metrics:      cfg.Metrics,
		log:          cfg.Logger,
		renderer:     cfg.Renderer,
		personality:  p,
	}
}

// View returns a snapshot of the render state.
func (c *Coach) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := View{
		Phase:          c.phase,
		Status:         c.statusLocked(),
		Scenarios:      slices.Clone(c.scenarios),
		Scenario:       c.scenario,
		Session:        c.session,
		Personality:    c.personality,
		HasSystemAudio: c.hasSystem,
		SessionID:      c.sessionID,
		Levels:         c.levels,
		Summary:        copySummary(c.summary),
		Alert:          c.alert,
	}
	if c.advice != nil {
		a := *c.advice
		v.Advice = &a
	}
	return v
}

func (c *Coach) statusLocked() Status {
	switch c.phase {
	case PhaseConnecting:
		return StatusConnecting
	case PhaseFailed:
		return StatusError
	case PhaseConnected:
		switch {
		case c.transportLost:
			return StatusConnecting
		case c.paused:
			return StatusPaused
		default:
			return StatusConnected
		}
	default:
		return StatusNone
	}
}

func (c *Coach) render() {
	if c.renderer == nil {
		return
	}
	c.renderMu.Lock()
	defer c.renderMu.Unlock()
	c.renderer.Render(c.View())
}

func (c *Coach) invalidLocked(op string) error {
	return fmt.Errorf("%w: %s during %s", ErrInvalidTransition, op, c.phase)
}

func (c *Coach) preferences() config.Preferences {
	if c.prefs == nil {
		return config.Preferences{}
	}
	return c.prefs.LoadPreferences()
}

func (c *Coach) savePreferences(update func(*config.Preferences)) {
	if c.prefs == nil {
		return
	}
	p := c.prefs.LoadPreferences()
	update(&p)
	if err := c.prefs.SavePreferences(p); err != nil {
		c.log.Warn().Err(err).Msg("Failed to save preferences")
	}
}

// LoadScenarios fetches the scenario catalog and preselects a default: the
// saved scenario if the catalog still offers it, else the server's default,
// else the first entry. If the catalog is unavailable it offers only
// FallbackScenario.
func (c *Coach) LoadScenarios(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	if c.phase != PhaseInit {
		err := c.invalidLocked("load scenarios")
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	types := []string{FallbackScenario}
	selected := FallbackScenario
	nt, err := c.backend.NegotiationTypes(ctx)
	switch {
	case err != nil:
		c.log.Warn().Err(err).Msg("Failed to load negotiation types, using fallback")
	case len(nt.Types) == 0:
		c.log.Warn().Msg("Backend returned no negotiation types, using fallback")
	default:
		types = nt.Types
		selected = pickDefault(nt.Types, c.preferences().LastScenario, nt.Default)
	}

	c.mu.Lock()
	c.scenarios = slices.Clone(types)
	c.scenario = selected
	c.mu.Unlock()
	c.render()
	return types, nil
}

func pickDefault(types []string, saved, serverDefault string) string {
	if saved != "" && slices.Contains(types, saved) {
		return saved
	}
	if serverDefault != "" {
		return serverDefault
	}
	return types[0]
}

// SelectScenario confirms the scenario and persists it as the new default.
func (c *Coach) SelectScenario(name string) error {
	name = strings.TrimSpace(name)
	c.mu.Lock()
	if c.phase != PhaseInit {
		err := c.invalidLocked("select scenario")
		c.mu.Unlock()
		return err
	}
	if name == "" {
		c.mu.Unlock()
		return errors.New("coach: scenario is required")
	}
	c.scenario = name
	c.phase = PhasePreflightDone
	c.mu.Unlock()

	c.savePreferences(func(p *config.Preferences) { p.LastScenario = name })
	c.log.Info().Str("scenario", name).Msg("Scenario selected")
	c.render()
	return nil
}

// ShareAudio starts the session with system audio, unless the user has
// chosen to always skip it.
func (c *Coach) ShareAudio(ctx context.Context) error {
	return c.connect(ctx, !c.preferences().SkipSystemAudio)
}

// Skip starts a mic-only session. With remember set, future sessions skip
// system audio too.
func (c *Coach) Skip(ctx context.Context, remember bool) error {
	if remember {
		c.savePreferences(func(p *config.Preferences) { p.SkipSystemAudio = true })
	}
	return c.connect(ctx, false)
}

func (c *Coach) connect(ctx context.Context, requestSystemAudio bool) error {
	c.mu.Lock()
	if c.phase != PhasePreflightDone {
		err := c.invalidLocked("connect")
		c.mu.Unlock()
		return err
	}
	sc := c.presets
	sc.ScenarioType = c.scenario
	if err := sc.Validate(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("coach: session config: %w", err)
	}

	c.gen++
	gen := c.gen
	c.session = sc
	c.phase = PhaseConnecting
	t := c.newTransport()
	c.transport = t
	personality := c.personality
	c.mu.Unlock()
	c.render()

	c.log.Info().
		Str("scenario", sc.ScenarioType).
		Str("personality", string(personality)).
		Bool("system_audio", requestSystemAudio).
		Msg("Connecting")

	// Config goes out inside Open, before any capture exists.
	if err := t.Open(ctx, sc.frame(personality)); err != nil {
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			_ = t.Close()
			return errSuperseded
		}
		release := c.detachLocked()
		c.phase = PhaseFailed
		c.mu.Unlock()
		release()

		c.metrics.RecordSessionStart(ctx, "transport_error")
		c.log.Error().Err(err).Msg("Failed to open transport")
		c.render()
		return fmt.Errorf("coach: open transport: %w", err)
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		_ = t.Close()
		return errSuperseded
	}
	sessCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.pumpDone = done
	go c.pump(gen, t.Events(), done)

	cp := c.newCapture(t, CaptureHooks{
		OnLevels:     func(lv audio.Levels) { c.onLevels(gen, lv) },
		OnSystemLost: func() { c.onSystemLost(gen) },
		OnMicLost:    func(err error) { c.onMicLost(gen, err) },
	})
	c.capture = cp
	c.mu.Unlock()

	err := cp.Start(sessCtx, requestSystemAudio)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		_ = cp.Stop()
		return errSuperseded
	}
	if err != nil {
		release := c.detachLocked()
		c.phase = PhaseFailed
		c.mu.Unlock()
		release()

		c.metrics.RecordSessionStart(ctx, "mic_error")
		c.log.Error().Err(err).Msg("Failed to start capture")
		c.render()
		return fmt.Errorf("coach: start capture: %w", err)
	}
	c.phase = PhaseConnected
	c.hasSystem = cp.HasSystemAudio()
	c.active = true
	hasSystem := c.hasSystem
	c.mu.Unlock()

	c.metrics.RecordSessionStart(ctx, "ok")
	c.metrics.ActiveSessions.Add(ctx, 1)
	c.log.Info().Bool("system_audio", hasSystem).Msg("Session connected")
	c.render()
	return nil
}

// detachLocked invalidates the current session and hands back a function
// that releases its resources. The caller runs it after unlocking.
func (c *Coach) detachLocked() func() {
	c.gen++
	c.adviceGen++
	if c.adviceTimer != nil {
		c.adviceTimer.Stop()
		c.adviceTimer = nil
	}
	c.advice = nil

	t, cp, cancel, done := c.transport, c.capture, c.cancel, c.pumpDone
	wasActive := c.active
	c.transport, c.capture, c.cancel, c.pumpDone = nil, nil, nil, nil
	c.active, c.paused, c.transportLost = false, false, false
	c.levels = audio.Levels{}

	return func() {
		if cp != nil {
			if err := cp.Stop(); err != nil {
				c.log.Warn().Err(err).Msg("Capture stop failed")
			}
		}
		if t != nil {
			_ = t.Close()
		}
		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}
		if wasActive {
			c.metrics.ActiveSessions.Add(context.Background(), -1)
		}
	}
}

// discardLocked drops every session-scoped entity and returns to Init.
func (c *Coach) discardLocked() {
	c.phase = PhaseInit
	c.session = SessionConfig{}
	c.sessionID = ""
	c.hasSystem = false
	c.summary = nil
	c.alert = ""
	c.busy = false
}

func (c *Coach) pump(gen uint64, events <-chan transport.Event, done chan struct{}) {
	defer close(done)
	for ev := range events {
		c.handleEvent(gen, ev)
	}
}

func (c *Coach) handleEvent(gen uint64, ev transport.Event) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}

	switch ev.Kind {
	case transport.EventSessionInit:
		switch {
		case ev.SessionID == "":
			c.log.Warn().Msg("Ignoring session_init without id")
		case c.sessionID == "":
			c.sessionID = ev.SessionID
			c.log.Info().Str("session_id", ev.SessionID).Msg("Session initialized")
		case ev.SessionID != c.sessionID:
			c.log.Warn().Str("session_id", c.sessionID).Str("ignored", ev.SessionID).Msg("Session identity already assigned")
		}
	case transport.EventAdvice:
		at := ev.ReceivedAt
		if at.IsZero() {
			at = time.Now()
		}
		c.showAdviceLocked(ev.Content, at)
		c.metrics.AdviceReceived.Add(context.Background(), 1,
			metric.WithAttributes(attribute.Bool("legacy", ev.Legacy)))
	case transport.EventPersonalityChanged:
		c.log.Info().Str("personality", ev.Personality).Msg("Backend confirmed personality")
	case transport.EventClosed:
		c.transportLost = true
		c.log.Warn().Err(ev.Err).Msg("Transport closed, not reconnecting")
	}
	c.mu.Unlock()
	c.render()
}

func (c *Coach) showAdviceLocked(content string, at time.Time) {
	c.advice = &Advice{Content: content, ReceivedAt: at}
	c.adviceGen++
	ag := c.adviceGen
	if c.adviceTimer != nil {
		c.adviceTimer.Stop()
	}
	c.adviceTimer = time.AfterFunc(c.adviceDur, func() { c.clearAdvice(ag) })
}

func (c *Coach) clearAdvice(ag uint64) {
	c.mu.Lock()
	if ag != c.adviceGen {
		c.mu.Unlock()
		return
	}
	c.advice = nil
	c.adviceTimer = nil
	c.mu.Unlock()
	c.render()
}

func (c *Coach) onLevels(gen uint64, lv audio.Levels) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.levels = lv
	c.mu.Unlock()
	c.render()
}

func (c *Coach) onSystemLost(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.hasSystem = false
	c.mu.Unlock()
	c.log.Warn().Msg("System audio lost, continuing mic-only")
	c.render()
}

// onMicLost ends a live session whose microphone failed. Coaching cannot
// continue without it, so the session goes to the failure display.
func (c *Coach) onMicLost(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	release := c.detachLocked()
	c.phase = PhaseFailed
	c.alert = "Microphone lost, reset to start again"
	c.mu.Unlock()

	c.log.Error().Err(err).Msg("Microphone lost, session ended")
	// release waits for the capture loops, and this runs on one of them.
	go release()
	c.render()
}

func (c *Coach) setPausedLocked(paused bool) error {
	if c.phase != PhaseConnected || c.capture == nil {
		return c.invalidLocked("pause")
	}
	if c.paused == paused {
		return nil
	}
	if paused {
		c.capture.Pause()
	} else {
		c.capture.Resume()
	}
	c.paused = paused
	c.log.Info().Bool("paused", paused).Msg("Listening toggled")
	return nil
}

func (c *Coach) Pause() error {
	c.mu.Lock()
	err := c.setPausedLocked(true)
	c.mu.Unlock()
	c.render()
	return err
}

func (c *Coach) Resume() error {
	c.mu.Lock()
	err := c.setPausedLocked(false)
	c.mu.Unlock()
	c.render()
	return err
}

func (c *Coach) TogglePause() error {
	c.mu.Lock()
	err := c.setPausedLocked(!c.paused)
	c.mu.Unlock()
	c.render()
	return err
}

// OnListenToggle handles the global listen-toggle hotkey. Only presses count.
func (c *Coach) OnListenToggle(pressed bool) {
	if !pressed {
		return
	}
	if err := c.TogglePause(); err != nil {
		c.log.Debug().Err(err).Msg("Listen toggle ignored")
	}
}

// CyclePersonality advances to the next personality. The backend is told
// only while the transport is open.
func (c *Coach) CyclePersonality() (Personality, error) {
	c.mu.Lock()
	c.personality = c.personality.Next()
	p, t := c.personality, c.transport
	c.mu.Unlock()

	var err error
	if t != nil && t.State() == transport.StateOpen {
		if err = t.SetPersonality(string(p)); err != nil {
			err = fmt.Errorf("coach: send personality: %w", err)
		}
	}

	if err != nil {
		c.log.Warn().Err(err).Msg("Personality change not sent")
	} else {
		c.log.Info().Str("personality", string(p)).Msg("Personality changed")
	}
	c.render()
	return p, err
}

// End stops live coaching and moves to outcome capture. The backend must have
// identified the session.
func (c *Coach) End() error {
	c.mu.Lock()
	if c.phase != PhaseConnected {
		err := c.invalidLocked("end")
		c.mu.Unlock()
		return err
	}
	if c.sessionID == "" {
		c.mu.Unlock()
		return ErrNoSession
	}
	release := c.detachLocked()
	c.phase = PhaseOutcomeCapture
	c.alert = ""
	id := c.sessionID
	c.mu.Unlock()

	release()
	c.log.Info().Str("session_id", id).Msg("Session ended")
	c.render()
	return nil
}

// SubmitOutcome records the outcome and fetches the summary. A rejected
// outcome leaves the machine in outcome capture with an alert so the user can
// retry. A failed summary ends the session without a report.
func (c *Coach) SubmitOutcome(ctx context.Context, o backend.Outcome) error {
	c.mu.Lock()
	if c.phase != PhaseOutcomeCapture || c.busy {
		err := c.invalidLocked("submit outcome")
		c.mu.Unlock()
		return err
	}
	id, gen := c.sessionID, c.gen
	c.busy = true
	c.mu.Unlock()

	err := c.backend.RecordOutcome(ctx, id, o)

	c.mu.Lock()
	c.busy = false
	if gen != c.gen || c.phase != PhaseOutcomeCapture {
		c.mu.Unlock()
		return errSuperseded
	}
	if err != nil {
		c.alert = "Failed to save outcome: " + err.Error()
		c.mu.Unlock()
		c.log.Error().Err(err).Str("session_id", id).Msg("Failed to record outcome")
		c.render()
		return fmt.Errorf("coach: record outcome: %w", err)
	}
	c.alert = ""
	c.busy = true
	c.mu.Unlock()

	summary, err := c.backend.Summary(ctx, id)

	c.mu.Lock()
	c.busy = false
	if gen != c.gen || c.phase != PhaseOutcomeCapture {
		c.mu.Unlock()
		return errSuperseded
	}
	if err != nil {
		c.discardLocked()
		c.mu.Unlock()
		c.log.Warn().Err(err).Str("session_id", id).Msg("Summary unavailable, ending session")
		c.render()
		return nil
	}
	c.summary = &summary
	c.phase = PhaseSummaryDisplay
	c.mu.Unlock()

	c.log.Info().Str("session_id", id).Msg("Summary received")
	c.render()
	return nil
}

// SkipOutcome abandons outcome capture and returns to Init.
func (c *Coach) SkipOutcome() error {
	c.mu.Lock()
	if c.phase != PhaseOutcomeCapture || c.busy {
		err := c.invalidLocked("skip outcome")
		c.mu.Unlock()
		return err
	}
	c.gen++
	c.discardLocked()
	c.mu.Unlock()
	c.render()
	return nil
}

func swappedSpeaker(s string) string {
	if s == backend.SpeakerUser {
		return backend.SpeakerCounterparty
	}
	return backend.SpeakerUser
}

// SwapSpeaker flips the speaker of one transcript line immediately and asks
// the backend to do the same. If the backend refuses, the whole transcript
// is restored to what it was before the swap.
func (c *Coach) SwapSpeaker(ctx context.Context, index int) error {
	c.mu.Lock()
	if c.phase != PhaseSummaryDisplay || c.summary == nil {
		err := c.invalidLocked("swap speaker")
		c.mu.Unlock()
		return err
	}
	if index < 0 || index >= len(c.summary.Transcripts) {
		c.mu.Unlock()
		return fmt.Errorf("coach: transcript index %d out of range", index)
	}
	snapshot := slices.Clone(c.summary.Transcripts)
	c.summary.Transcripts[index].Speaker = swappedSpeaker(snapshot[index].Speaker)
	id, gen := c.sessionID, c.gen
	c.mu.Unlock()
	c.render()

	err := c.backend.SwapSpeaker(ctx, id, index)
	if err == nil {
		return nil
	}

	c.mu.Lock()
	if gen == c.gen && c.phase == PhaseSummaryDisplay && c.summary != nil {
		c.summary.Transcripts = snapshot
		c.alert = "Failed to swap speaker: " + err.Error()
	}
	c.mu.Unlock()
	c.log.Warn().Err(err).Int("index", index).Msg("Speaker swap reverted")
	c.render()
	return fmt.Errorf("coach: swap speaker: %w", err)
}

// History lists past sessions, newest first as the backend orders them. It
// is available in every phase and does not touch session state.
func (c *Coach) History(ctx context.Context) ([]backend.SessionRecord, error) {
	records, err := c.backend.Sessions(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to load session history")
		return nil, fmt.Errorf("coach: session history: %w", err)
	}
	return records, nil
}

// Close dismisses the summary and discards the session.
func (c *Coach) Close() error {
	c.mu.Lock()
	if c.phase != PhaseSummaryDisplay {
		err := c.invalidLocked("close")
		c.mu.Unlock()
		return err
	}
	c.gen++
	c.discardLocked()
	c.mu.Unlock()
	c.render()
	return nil
}

// Reset returns to Init from any phase, tearing down a live session. It is
// the only way out of the connect-failure display.
func (c *Coach) Reset() {
	c.mu.Lock()
	release := c.detachLocked()
	c.discardLocked()
	c.mu.Unlock()
	release()
	c.render()
}

// Shutdown tears down any live session, giving up when ctx expires.
func (c *Coach) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	release := c.detachLocked()
	c.discardLocked()
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		release()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
