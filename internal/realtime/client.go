// Package realtime manages the persistent socket to the remote speech
// service: dialing, the mandatory configuration-before-audio handshake,
// inbound frame parsing, and the single delayed reconnection attempt after an
// abnormal closure.
package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the transport connection state.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

var (
	// ErrNotOpen is returned when a send is attempted before the
	// configuration frame has gone out or after the socket closed.
	ErrNotOpen = errors.New("realtime: connection not open")
	// ErrAlreadyConnected is returned by Connect on a live connection.
	ErrAlreadyConnected = errors.New("realtime: already connected")
)

// Config holds transport and session-configuration parameters.
type Config struct {
	URL    string
	APIKey string

	TranscriptionModel string
	NoiseReduction     string
	PrefixPaddingMS    int
	SilenceDurationMS  int

	// ReconnectDelay is the wait before the single reconnection attempt
	// after an abnormal closure.
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.TranscriptionModel == "" {
		c.TranscriptionModel = "gpt-4o-mini-transcribe"
	}
	if c.NoiseReduction == "" {
		c.NoiseReduction = "near_field"
	}
	if c.PrefixPaddingMS == 0 {
		c.PrefixPaddingMS = 300
	}
	if c.SilenceDurationMS == 0 {
		c.SilenceDurationMS = 500
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// InstructionSource supplies the contextual instruction string sent in the
// session-configuration frame. Satisfied by the conversation memory.
type InstructionSource interface {
	ContextualInstructions() string
}

// Client is the transport session. It owns exactly one outstanding websocket
// connection at a time; no other component sends on the socket directly.
type Client struct {
	cfg          Config
	instructions InstructionSource
	logger       *slog.Logger

	events chan Event

	// onReconnected fires after a successful re-dial, before the new
	// configuration frame is built, so the instruction source can fold a
	// continuity note into it.
	onReconnected func()

	// afterFunc is swappable so tests control the reconnect timer.
	afterFunc func(time.Duration, func())

	mu                 sync.Mutex
	conn               *websocket.Conn
	state              State
	localClose         bool
	reconnectScheduled bool

	writeMu sync.Mutex
}

// NewClient creates a disconnected client.
func NewClient(cfg Config, instructions InstructionSource, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:          cfg,
		instructions: instructions,
		logger:       logger,
		events:       make(chan Event, 256),
		afterFunc: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
}

// OnReconnected registers a callback invoked when the session re-establishes
// after an abnormal closure. Must be set before Connect.
func (c *Client) OnReconnected(fn func()) {
	c.onReconnected = fn
}

// Events returns the inbound event stream. All parsed frames and the
// synthesized DisconnectedEvent arrive here in receipt order.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State returns the current transport state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the service, sends the session-configuration frame, and
// starts the read loop. Audio sends are rejected until the configuration
// frame is on the wire.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.localClose = false
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		return err
	}

	// Configuration must reach the service before any audio frame.
	if err := c.sendSessionConfig(conn); err != nil {
		conn.Close()
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		return fmt.Errorf("send session config: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()

	c.logger.Info("realtime socket open", slog.String("url", c.cfg.URL))
	go c.readLoop(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		header.Set("OpenAI-Beta", "realtime=v1")
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

func (c *Client) sendSessionConfig(conn *websocket.Conn) error {
	var instructions string
	if c.instructions != nil {
		instructions = c.instructions.ContextualInstructions()
	}
	frame := sessionConfigFrame{
		Type: "session.update",
		Session: sessionConfig{
			InputAudioFormat:        "pcm16",
			InputAudioTranscription: transcriptionConfig{Model: c.cfg.TranscriptionModel},
			TurnDetection: turnDetection{
				Type:              "server_vad",
				PrefixPaddingMS:   c.cfg.PrefixPaddingMS,
				SilenceDurationMS: c.cfg.SilenceDurationMS,
				CreateResponse:    true,
				InterruptResponse: true,
			},
			InputAudioNoiseReduction: noiseReduction{Type: c.cfg.NoiseReduction},
			Instructions:             instructions,
		},
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.logger.Debug("sending session config",
		slog.String("transcription_model", c.cfg.TranscriptionModel),
		slog.Bool("has_instructions", instructions != ""))
	return conn.WriteJSON(frame)
}

// SendAudio ships one PCM chunk. Returns ErrNotOpen when the connection is
// down; the caller drops the frame (lossy degradation, never blocking).
func (c *Client) SendAudio(pcm []byte) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateOpen || conn == nil {
		return ErrNotOpen
	}

	frame := audioAppendFrame{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("send audio: %w", err)
	}
	return nil
}

// SendCancel requests cancellation of the in-flight response.
func (c *Client) SendCancel() error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateOpen || conn == nil {
		return ErrNotOpen
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(responseCancelFrame{Type: "response.cancel"}); err != nil {
		return fmt.Errorf("send cancel: %w", err)
	}
	return nil
}

// Close shuts the connection down locally. A local close never triggers
// reconnection.
func (c *Client) Close() error {
	c.mu.Lock()
	// Set unconditionally: a reconnection may be scheduled or dialing while
	// the state still reads Closed, and it must see the local close.
	c.localClose = true
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		return nil
	}

	c.writeMu.Lock()
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
	c.writeMu.Unlock()

	err := conn.Close()
	c.mu.Lock()
	c.conn = nil
	c.state = StateClosed
	c.mu.Unlock()
	return err
}

// readLoop parses inbound frames until the socket dies. Unparseable frames
// are logged and dropped; only a read error terminates the loop.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleClosure(err)
			return
		}

		ev, perr := ParseEvent(raw)
		if perr != nil {
			c.logger.Warn("dropping malformed frame", slog.String("error", perr.Error()))
			continue
		}
		if u, ok := ev.(UnknownEvent); ok {
			c.logger.Debug("ignoring unknown frame kind", slog.String("type", u.Type))
			continue
		}
		c.events <- ev
	}
}

// handleClosure classifies the closure and, when abnormal, schedules exactly
// one reconnection attempt. A failed attempt leaves the session Closed until
// an external restart.
func (c *Client) handleClosure(err error) {
	code := websocket.CloseAbnormalClosure
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
	}

	c.mu.Lock()
	local := c.localClose
	c.conn = nil
	c.state = StateClosed
	abnormal := !local &&
		code != websocket.CloseNormalClosure &&
		code != websocket.CloseGoingAway
	scheduled := false
	if abnormal && !c.reconnectScheduled {
		c.reconnectScheduled = true
		scheduled = true
	}
	c.mu.Unlock()

	if local {
		c.logger.Info("realtime socket closed locally")
		return
	}

	c.logger.Error("realtime socket closed",
		slog.Int("code", code),
		slog.Bool("abnormal", abnormal),
		slog.String("error", err.Error()))

	c.events <- DisconnectedEvent{Code: code, Err: err, Abnormal: abnormal}

	if scheduled {
		c.logger.Info("scheduling reconnection attempt",
			slog.Duration("delay", c.cfg.ReconnectDelay))
		c.afterFunc(c.cfg.ReconnectDelay, c.attemptReconnect)
	}
}

func (c *Client) attemptReconnect() {
	c.mu.Lock()
	c.reconnectScheduled = false
	if c.localClose || c.state != StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := c.dial(ctx)
	if err != nil {
		c.logger.Error("reconnection attempt failed", slog.String("error", err.Error()))
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		return
	}

	// A Close() issued while the dial was in flight wins: the new conn is
	// discarded, never installed.
	if c.reconnectAborted() {
		conn.Close()
		c.logger.Info("discarding reconnection: closed locally during dial")
		return
	}

	// Mark the reconnection before building the configuration frame so the
	// fresh instructions carry the continuity note.
	if c.onReconnected != nil {
		c.onReconnected()
	}

	if err := c.sendSessionConfig(conn); err != nil {
		c.logger.Error("reconnection config send failed", slog.String("error", err.Error()))
		conn.Close()
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if c.localClose || c.state != StateConnecting {
		c.mu.Unlock()
		conn.Close()
		c.logger.Info("discarding reconnection: closed locally during handshake")
		return
	}
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()

	c.logger.Info("realtime socket reconnected")
	go c.readLoop(conn)
}

// reconnectAborted reports whether a local close superseded the in-flight
// reconnection attempt.
func (c *Client) reconnectAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localClose || c.state != StateConnecting
}

// setAfterFunc overrides the reconnect timer. Test hook.
func (c *Client) setAfterFunc(fn func(time.Duration, func())) {
	c.afterFunc = fn
}
