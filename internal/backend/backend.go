// Package backend is the HTTP client for the coaching backend's REST
// endpoints: the scenario catalog, outcome recording, session summaries,
// transcript speaker correction and session history.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/petems/sidekick/internal/observe"
	"github.com/rs/zerolog"
)

const maxErrorBody = 4 << 10

// Outcome results accepted by the backend.
const (
	ResultWon      = "won"
	ResultLost     = "lost"
	ResultDeferred = "deferred"
)

// Speaker attributions on a transcript line.
const (
	SpeakerUser         = "user"
	SpeakerCounterparty = "counterparty"
	SpeakerUnknown      = "unknown"
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend: status %d", e.Code)
	}
	return fmt.Sprintf("backend: status %d: %s", e.Code, e.Body)
}

// NegotiationTypes is the scenario catalog.
type NegotiationTypes struct {
	Types   []string `json:"types"`
	Default string   `json:"default,omitempty"`
}

// Outcome is the user's post-session report.
type Outcome struct {
	Result          string `json:"result"`
	Confidence      int    `json:"confidence"`
	Notes           string `json:"notes"`
	ExpandedDebrief bool   `json:"expanded_debrief"`
}

// Validate checks the outcome before it is sent.
func (o Outcome) Validate() error {
	switch o.Result {
	case ResultWon, ResultLost, ResultDeferred:
	default:
		return fmt.Errorf("backend: invalid outcome result %q", o.Result)
	}
	if o.Confidence < 1 || o.Confidence > 5 {
		return fmt.Errorf("backend: confidence %d out of range 1..5", o.Confidence)
	}
	return nil
}

type KeyMoment struct {
	Quote   string `json:"quote"`
	Insight string `json:"insight"`
}

type TranscriptLine struct {
	Timestamp float64 `json:"timestamp"`
	Text      string  `json:"text"`
	Speaker   string  `json:"speaker"`
}

// Summary is the post-session report. A non-empty Error means the backend
// could not produce one.
type Summary struct {
	StrongMove        string           `json:"strong_move,omitempty"`
	MissedOpportunity string           `json:"missed_opportunity,omitempty"`
	ImprovementTip    string           `json:"improvement_tip,omitempty"`
	NegotiationScore  *float64         `json:"negotiation_score,omitempty"`
	TacticsFaced      []string         `json:"tactics_faced,omitempty"`
	KeyMoments        []KeyMoment      `json:"key_moments,omitempty"`
	ExpandedInsights  []string         `json:"expanded_insights,omitempty"`
	Transcripts       []TranscriptLine `json:"transcripts,omitempty"`
	Error             string           `json:"error,omitempty"`
}

// SessionRecord is one entry of the session history.
type SessionRecord struct {
	SessionID        string   `json:"session_id"`
	Timestamp        string   `json:"timestamp"`
	NegotiationType  string   `json:"negotiation_type"`
	NegotiationScore *float64 `json:"negotiation_score"`
	Outcome          *Outcome `json:"outcome,omitempty"`
	DurationSeconds  float64  `json:"duration_seconds"`
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client // Optional
	Metrics    *observe.Metrics
	Logger     zerolog.Logger
}

type Client struct {
	base    *url.URL
	http    *http.Client
	metrics *observe.Metrics
	log     zerolog.Logger
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend: unsupported scheme %q", base.Scheme)
	}
	if base.Path == "" {
		base.Path = "/"
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	return &Client{base: base, http: hc, metrics: cfg.Metrics, log: cfg.Logger}, nil
}

// NegotiationTypes fetches the scenario catalog.
func (c *Client) NegotiationTypes(ctx context.Context) (NegotiationTypes, error) {
	var out NegotiationTypes
	err := c.do(ctx, "negotiation_types", http.MethodGet, nil, &out, "negotiation-types")
	return out, err
}

// RecordOutcome posts the user's outcome for a session.
func (c *Client) RecordOutcome(ctx context.Context, sessionID string, o Outcome) error {
	if err := o.Validate(); err != nil {
		return err
	}
	return c.do(ctx, "outcome", http.MethodPost, o, nil, sessionPath(sessionID, "outcome")...)
}

// Summary asks the backend to produce the post-session report.
func (c *Client) Summary(ctx context.Context, sessionID string) (Summary, error) {
	var out Summary
	err := c.do(ctx, "summary", http.MethodPost, nil, &out, sessionPath(sessionID, "summary")...)
	return out, err
}

// SwapSpeaker toggles the speaker attribution of one transcript line.
func (c *Client) SwapSpeaker(ctx context.Context, sessionID string, index int) error {
	p := sessionPath(sessionID, "transcript", strconv.Itoa(index), "swap")
	return c.do(ctx, "swap_speaker", http.MethodPost, nil, nil, p...)
}

// Sessions lists past sessions.
func (c *Client) Sessions(ctx context.Context) ([]SessionRecord, error) {
	var out struct {
		Sessions []SessionRecord `json:"sessions"`
	}
	if err := c.do(ctx, "sessions", http.MethodGet, nil, &out, "sessions"); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func sessionPath(id string, parts ...string) []string {
	return append([]string{"sessions", id}, parts...)
}

func (c *Client) do(ctx context.Context, call, method string, body, out any, elem ...string) error {
	start := time.Now()
	status := "error"
	defer func() {
		c.metrics.RecordBackendCall(ctx, call, status, start)
	}()

	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: encode %s request: %w", call, err)
		}
		reqBody = bytes.NewReader(buf)
	}

	u := c.base.JoinPath(elem...)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("backend: build %s request: %w", call, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("call", call).Msg("Backend request failed")
		return fmt.Errorf("backend: %s: %w", call, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		status = strconv.Itoa(resp.StatusCode)
		c.log.Warn().Int("status", resp.StatusCode).Str("call", call).Msg("Backend returned error status")
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(text))}
	}
	status = "ok"

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		status = "decode_error"
		return fmt.Errorf("backend: decode %s response: %w", call, err)
	}
	c.log.Debug().Str("call", call).Dur("elapsed", time.Since(start)).Msg("Backend call complete")
	return nil
}
