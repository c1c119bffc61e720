package coach

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petems/sidekick/internal/audio"
	"github.com/petems/sidekick/internal/backend"
	"github.com/petems/sidekick/internal/config"
	"github.com/petems/sidekick/internal/transport"
)

// Phase is the top-level lifecycle position of the machine.
type Phase int

const (
	PhaseInit Phase = iota
	PhasePreflightDone
	PhaseConnecting
	PhaseConnected
	PhaseOutcomeCapture
	PhaseSummaryDisplay
	// PhaseFailed is the terminal error display after a failed connect.
	// Only Reset leaves it.
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhasePreflightDone:
		return "preflight_done"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseOutcomeCapture:
		return "outcome_capture"
	case PhaseSummaryDisplay:
		return "summary_display"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Status is the connection indicator shown to the user.
type Status string

const (
	StatusNone       Status = ""
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusPaused     Status = "paused"
	StatusError      Status = "error"
)

// SessionConfig is frozen when a session starts.
type SessionConfig struct {
	ScenarioType         string
	Mode                 string
	TestModeCounterparty bool
	EmitInterim          bool
	EndpointingMS        int
	WindowSizeSeconds    int
}

func (c SessionConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ScenarioType) == "" {
		errs = append(errs, errors.New("scenario type is required"))
	}
	if c.Mode != config.ModeLive && c.Mode != config.ModeDebrief {
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}
	if c.EndpointingMS < 0 {
		errs = append(errs, fmt.Errorf("endpointing_ms must be >= 0, got %d", c.EndpointingMS))
	}
	if c.WindowSizeSeconds < 0 {
		errs = append(errs, fmt.Errorf("window_size_seconds must be >= 0, got %d", c.WindowSizeSeconds))
	}
	return errors.Join(errs...)
}

func (c SessionConfig) frame(p Personality) transport.ConfigFrame {
	return transport.ConfigFrame{
		NegotiationType:      c.ScenarioType,
		Personality:          string(p),
		Mode:                 c.Mode,
		TestModeCounterparty: c.TestModeCounterparty,
		EmitInterim:          c.EmitInterim,
		EndpointingMS:        c.EndpointingMS,
		WindowSizeSeconds:    c.WindowSizeSeconds,
	}
}

// Advice is the currently displayed advice.
type Advice struct {
	Content    string
	ReceivedAt time.Time
}

// View is a snapshot of everything a renderer needs.
type View struct {
	Phase          Phase
	Status         Status
	Scenarios      []string
	Scenario       string
	Session        SessionConfig
	Personality    Personality
	Advice         *Advice
	HasSystemAudio bool
	SessionID      string
	Levels         audio.Levels
	Summary        *backend.Summary
	// Alert is a user-facing failure message, e.g. a rejected outcome.
	Alert string
}

func copySummary(s *backend.Summary) *backend.Summary {
	if s == nil {
		return nil
	}
	out := *s
	out.Transcripts = append([]backend.TranscriptLine(nil), s.Transcripts...)
	return &out
}
