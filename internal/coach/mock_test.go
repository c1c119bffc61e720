package coach

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petems/sidekick/internal/audio"
	"github.com/petems/sidekick/internal/backend"
	"github.com/petems/sidekick/internal/config"
	"github.com/petems/sidekick/internal/observe"
	"github.com/petems/sidekick/internal/transport"
	"github.com/rs/zerolog"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// fakeTransport records outbound traffic in order and lets tests inject
// inbound events.
type fakeTransport struct {
	openErr error
	// sendGate, when set, holds SetPersonality until it is closed, like a
	// stalled socket write. sending receives once per blocked call.
	sendGate chan struct{}
	sending  chan struct{}

	mu            sync.Mutex
	state         transport.State
	cfg           transport.ConfigFrame
	wire          []string
	frames        int
	personalities []string
	closes        int

	events    chan transport.Event
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.Event, 16)}
}

func (f *fakeTransport) Open(ctx context.Context, cfg transport.ConfigFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		f.state = transport.StateError
		return f.openErr
	}
	f.state = transport.StateOpen
	f.cfg = cfg
	f.wire = append(f.wire, "config")
	return nil
}

func (f *fakeTransport) SendPCM(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != transport.StateOpen {
		return transport.ErrNotOpen
	}
	f.frames++
	f.wire = append(f.wire, "pcm")
	return nil
}

func (f *fakeTransport) SetPersonality(p string) error {
	if f.sendGate != nil {
		f.sending <- struct{}{}
		<-f.sendGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != transport.StateOpen {
		return transport.ErrNotOpen
	}
	f.personalities = append(f.personalities, p)
	f.wire = append(f.wire, "personality")
	return nil
}

func (f *fakeTransport) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		if f.state != transport.StateError {
			f.state = transport.StateClosed
		}
		f.closes++
		f.mu.Unlock()
		close(f.events)
	})
	return nil
}

func (f *fakeTransport) push(ev transport.Event) {
	f.events <- ev
}

// serverClose simulates the backend dropping the connection.
func (f *fakeTransport) serverClose() {
	f.mu.Lock()
	f.state = transport.StateClosed
	f.mu.Unlock()
	f.events <- transport.Event{Kind: transport.EventClosed, Err: errors.New("connection reset")}
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes > 0
}

func (f *fakeTransport) wireLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.wire...)
}

func (f *fakeTransport) sentPersonalities() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.personalities...)
}

type fakeCapture struct {
	startErr        error
	systemAvailable bool

	sink  audio.FrameSink
	hooks CaptureHooks
	// transportOpenAtCreate is whether the sink was already open when the
	// capture was constructed.
	transportOpenAtCreate bool

	mu        sync.Mutex
	requested bool
	started   bool
	paused    bool
	stops     int
}

func (f *fakeCapture) Start(ctx context.Context, requestSystemAudio bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = requestSystemAudio
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeCapture) HasSystemAudio() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started && f.requested && f.systemAvailable
}

func (f *fakeCapture) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
}

func (f *fakeCapture) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
}

func (f *fakeCapture) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeCapture) isPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeCapture) stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops > 0
}

type fakeBackend struct {
	mu         sync.Mutex
	types      backend.NegotiationTypes
	typesErr   error
	outcomeErr error
	outcomes   []backend.Outcome
	outcomeIDs []string
	summary    backend.Summary
	summaryErr error
	swapErr    error
	swaps      []int
	onSwap     func()
	history    []backend.SessionRecord
	historyErr error
}

func (b *fakeBackend) NegotiationTypes(ctx context.Context) (backend.NegotiationTypes, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.types, b.typesErr
}

func (b *fakeBackend) RecordOutcome(ctx context.Context, id string, o backend.Outcome) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outcomes = append(b.outcomes, o)
	b.outcomeIDs = append(b.outcomeIDs, id)
	return b.outcomeErr
}

func (b *fakeBackend) Summary(ctx context.Context, id string) (backend.Summary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.summary, b.summaryErr
}

func (b *fakeBackend) SwapSpeaker(ctx context.Context, id string, index int) error {
	b.mu.Lock()
	onSwap, err := b.onSwap, b.swapErr
	b.swaps = append(b.swaps, index)
	b.mu.Unlock()
	if onSwap != nil {
		onSwap()
	}
	return err
}

func (b *fakeBackend) Sessions(ctx context.Context) ([]backend.SessionRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history, b.historyErr
}

func (b *fakeBackend) set(fn func(b *fakeBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

type fakePrefs struct {
	mu    sync.Mutex
	prefs config.Preferences
	saves int
}

func (p *fakePrefs) LoadPreferences() config.Preferences {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prefs
}

func (p *fakePrefs) SavePreferences(v config.Preferences) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prefs = v
	p.saves++
	return nil
}

type harness struct {
	coach   *Coach
	backend *fakeBackend
	prefs   *fakePrefs
	reader  *sdkmetric.ManualReader

	// configure runs on every new transport/capture before it is handed out.
	configureTransport func(*fakeTransport)
	configureCapture   func(*fakeCapture)

	mu         sync.Mutex
	transports []*fakeTransport
	captures   []*fakeCapture
}

func newHarness(t *testing.T, mut ...func(*Config)) *harness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		backend: &fakeBackend{types: backend.NegotiationTypes{Types: []string{"General", "Vendor"}}},
		prefs:   &fakePrefs{},
		reader:  reader,
	}
	cfg := Config{
		Backend:     h.backend,
		Preferences: h.prefs,
		NewTransport: func() Transport {
			ft := newFakeTransport()
			if h.configureTransport != nil {
				h.configureTransport(ft)
			}
			h.mu.Lock()
			h.transports = append(h.transports, ft)
			h.mu.Unlock()
			return ft
		},
		NewCapture: func(sink audio.FrameSink, hooks CaptureHooks) Capture {
			fc := &fakeCapture{sink: sink, hooks: hooks, systemAvailable: true}
			if ft, ok := sink.(*fakeTransport); ok {
				fc.transportOpenAtCreate = ft.State() == transport.StateOpen
			}
			if h.configureCapture != nil {
				h.configureCapture(fc)
			}
			h.mu.Lock()
			h.captures = append(h.captures, fc)
			h.mu.Unlock()
			return fc
		},
		Presets:     SessionConfig{Mode: config.ModeLive, EndpointingMS: 300},
		Personality: Tactical,
		Metrics:     m,
		Logger:      zerolog.Nop(),
	}
	for _, fn := range mut {
		fn(&cfg)
	}
	h.coach = New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.coach.Shutdown(ctx)
	})
	return h
}

func (h *harness) transportCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.transports)
}

func (h *harness) lastTransport() *fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.transports) == 0 {
		return nil
	}
	return h.transports[len(h.transports)-1]
}

func (h *harness) lastCapture() *fakeCapture {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.captures) == 0 {
		return nil
	}
	return h.captures[len(h.captures)-1]
}

// connect drives the machine from Init to Connected on scenario.
func (h *harness) connect(t *testing.T, scenario string) {
	t.Helper()
	if err := h.coach.SelectScenario(scenario); err != nil {
		t.Fatalf("SelectScenario: %v", err)
	}
	if err := h.coach.Skip(context.Background(), false); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if p := h.coach.View().Phase; p != PhaseConnected {
		t.Fatalf("phase = %s, want connected", p)
	}
}

// identify delivers session_init and waits for it to be applied.
func (h *harness) identify(t *testing.T, id string) {
	t.Helper()
	h.lastTransport().push(transport.Event{Kind: transport.EventSessionInit, SessionID: id})
	if !waitFor(func() bool { return h.coach.View().SessionID == id }) {
		t.Fatalf("session id never became %q", id)
	}
}

// endSession drives a connected session to OutcomeCapture.
func (h *harness) endSession(t *testing.T, id string) {
	t.Helper()
	h.connect(t, "Vendor")
	h.identify(t, id)
	if err := h.coach.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
}

// waitFor polls cond for up to one second.
func waitFor(cond func() bool) bool {
	for i := 0; i < 100; i++ {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

type recordingRenderer struct {
	mu    sync.Mutex
	views []View
}

func (r *recordingRenderer) Render(v View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, v)
}

func (r *recordingRenderer) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, v := range r.views {
		if len(out) == 0 || out[len(out)-1] != v.Status {
			out = append(out, v.Status)
		}
	}
	return out
}
