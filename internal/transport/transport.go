// Package transport is the persistent WebSocket connection to the coaching
// backend. Outbound it carries one config frame, binary PCM, and personality
// changes; inbound it yields session, advice and personality events.
//
// The channel is single-use: once closed it is never reopened and nothing is
// buffered for a later connection.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrNotOpen is returned by writes attempted while the channel is not open.
var ErrNotOpen = errors.New("transport: channel not open")

// State is the connection lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ConfigFrame is sent once, immediately after the connection opens.
type ConfigFrame struct {
	Type                 string `json:"type"`
	NegotiationType      string `json:"negotiation_type"`
	Personality          string `json:"personality"`
	Mode                 string `json:"mode,omitempty"`
	TestModeCounterparty bool   `json:"test_mode_counterparty,omitempty"`
	EmitInterim          bool   `json:"emit_interim,omitempty"`
	EndpointingMS        int    `json:"endpointing_ms,omitempty"`
	WindowSizeSeconds    int    `json:"window_size_seconds,omitempty"`
}

type personalityFrame struct {
	Type        string `json:"type"`
	Personality string `json:"personality"`
}

// EventKind identifies an inbound event.
type EventKind int

const (
	EventSessionInit EventKind = iota + 1
	EventAdvice
	EventPersonalityChanged
	// EventClosed is the last event; the events channel closes after it.
	EventClosed
)

// Event is one inbound message or the end of the connection.
type Event struct {
	Kind        EventKind
	SessionID   string
	Content     string
	Personality string
	// Legacy marks advice that arrived as plain text rather than JSON.
	Legacy     bool
	ReceivedAt time.Time
	// Err is the read error that ended the connection, for EventClosed.
	Err error
}

type inboundFrame struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	Content     string `json:"content"`
	Personality string `json:"personality"`
}

// Option configures a Channel.
type Option func(*Channel)

// WithDialer overrides websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Channel) { c.log = log }
}

// WithEventBuffer sets the capacity of the events channel.
func WithEventBuffer(n int) Option {
	return func(c *Channel) { c.eventBuf = n }
}

// Channel is one WebSocket connection to the backend.
type Channel struct {
	url      string
	dialer   *websocket.Dialer
	log      zerolog.Logger
	eventBuf int

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	reading bool

	writeMu   sync.Mutex
	events    chan Event
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates an idle channel for the WebSocket endpoint at wsURL.
func New(wsURL string, opts ...Option) *Channel {
	c := &Channel{
		url:      wsURL,
		dialer:   websocket.DefaultDialer,
		log:      zerolog.Nop(),
		eventBuf: 64,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.events = make(chan Event, c.eventBuf)
	return c
}

// URLFromBase derives the /ws endpoint from the backend HTTP base URL.
func URLFromBase(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("transport: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	u.Path = path.Join("/", u.Path, "ws")
	return u.String(), nil
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events yields inbound events until the connection ends.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Open dials the backend and sends cfg before returning, so the backend sees
// the config ahead of any audio. On failure the channel enters StateError.
func (c *Channel) Open(ctx context.Context, cfg ConfigFrame) error {
	c.mu.Lock()
	if c.state != StateIdle {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("transport: open in state %s", st)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.setState(StateError)
		return fmt.Errorf("transport: dial %s: %w", c.url, err)
	}
	if c.State() != StateConnecting {
		// Closed while dialing; the backend must not see a config.
		conn.Close()
		return ErrNotOpen
	}

	cfg.Type = "config"
	c.writeMu.Lock()
	err = conn.WriteJSON(cfg)
	c.writeMu.Unlock()
	if err != nil {
		conn.Close()
		c.setState(StateError)
		return fmt.Errorf("transport: send config: %w", err)
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Closed while dialing.
		c.mu.Unlock()
		conn.Close()
		return ErrNotOpen
	}
	c.state = StateOpen
	c.conn = conn
	c.reading = true
	c.mu.Unlock()

	c.log.Info().Str("url", c.url).Str("negotiation_type", cfg.NegotiationType).Msg("Transport open")
	go c.readLoop(conn)
	return nil
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Channel) openConn() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return nil, ErrNotOpen
	}
	return c.conn, nil
}

// SendPCM writes one binary PCM frame. It returns ErrNotOpen, and the frame
// is discarded, unless the channel is open.
func (c *Channel) SendPCM(frame []byte) error {
	conn, err := c.openConn()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// SetPersonality sends a personality change. Only valid while open.
func (c *Channel) SetPersonality(personality string) error {
	conn, err := c.openConn()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(personalityFrame{Type: "personality", Personality: personality})
}

// Close ends the connection. Safe to call more than once and from any state.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.state != StateError {
			c.state = StateClosed
		}
		conn, reading := c.conn, c.reading
		c.mu.Unlock()

		close(c.stop)
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(2*time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
		if reading {
			<-c.done
		}
	})
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	defer close(c.done)
	defer close(c.events)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.state == StateOpen {
				c.state = StateClosed
			}
			c.mu.Unlock()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn().Err(err).Msg("Transport read ended")
			}
			c.emit(Event{Kind: EventClosed, Err: err, ReceivedAt: time.Now()})
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if ev, ok := parseFrame(data); ok {
			c.emit(ev)
		}
	}
}

func (c *Channel) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.stop:
	}
}

// parseFrame decodes one inbound text frame. Text that is not JSON at all is
// legacy plain-text advice. Valid JSON of an unknown shape is ignored.
func parseFrame(data []byte) (Event, bool) {
	now := time.Now()
	if !json.Valid(data) {
		return Event{Kind: EventAdvice, Content: string(data), Legacy: true, ReceivedAt: now}, true
	}

	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return Event{}, false
	}
	switch f.Type {
	case "session_init":
		return Event{Kind: EventSessionInit, SessionID: f.SessionID, ReceivedAt: now}, true
	case "advice":
		return Event{Kind: EventAdvice, Content: f.Content, ReceivedAt: now}, true
	case "personality_changed":
		return Event{Kind: EventPersonalityChanged, Personality: f.Personality, ReceivedAt: now}, true
	default:
		return Event{}, false
	}
}
