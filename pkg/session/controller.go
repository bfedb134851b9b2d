// Package session implements the realtime session controller: a single
// dispatcher goroutine that owns the playback device, tracks the in-flight
// response, arbitrates interruption against normal completion, and keeps the
// whole pipeline alive across socket and device failures. The three event
// sources (microphone, socket, playback completions) all funnel through the
// dispatcher so every state mutation is serialized.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/learninglab/voicebot/internal/realtime"
	"github.com/learninglab/voicebot/pkg/audio"
	"github.com/learninglab/voicebot/pkg/faultlog"
	"github.com/learninglab/voicebot/pkg/media"
	"github.com/learninglab/voicebot/pkg/memory"
	"github.com/learninglab/voicebot/pkg/notify"
)

// Transport is the socket boundary the controller drives. Satisfied by
// realtime.Client.
type Transport interface {
	Connect(ctx context.Context) error
	Events() <-chan realtime.Event
	SendAudio(pcm []byte) error
	SendCancel() error
	Close() error
	OnReconnected(fn func())
}

// DefaultReopenDelay is how long after a teardown the replacement playback
// device is opened. Nonzero to avoid thrashing the device on rapid
// interruptions.
const DefaultReopenDelay = 50 * time.Millisecond

// Config wires a Controller. Everything is constructed by the caller and
// passed in; the controller creates nothing with process lifetime.
type Config struct {
	Transport Transport
	Output    *audio.Output
	Capture   *audio.Capture
	Memory    *memory.Memory
	Notifier  notify.Notifier
	Faults    *faultlog.Logger
	Logger    *slog.Logger

	// Channel receives user and bot transcripts.
	Channel string
	// BotIdentity is the display identity for bot transcript posts.
	BotIdentity *notify.Identity
	// ReopenDelay overrides DefaultReopenDelay.
	ReopenDelay time.Duration
}

// Controller is the session state machine. One alive instance per process.
type Controller struct {
	transport Transport
	output    *audio.Output
	capture   *audio.Capture
	memory    *memory.Memory
	notifier  notify.Notifier
	faults    *faultlog.Logger
	logger    *slog.Logger

	channel     string
	botIdentity *notify.Identity
	reopenDelay time.Duration

	resp responseState

	tasks    chan func()
	shutdown chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// schedule defers fn by d. Swappable so tests simulate time.
	schedule func(d time.Duration, fn func())
}

// New validates the wiring and builds a stopped controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Transport == nil {
		return nil, errors.New("session: transport is required")
	}
	if cfg.Output == nil {
		return nil, errors.New("session: output manager is required")
	}
	if cfg.Memory == nil {
		return nil, errors.New("session: conversation memory is required")
	}
	if cfg.Notifier == nil {
		return nil, errors.New("session: notifier is required")
	}
	if cfg.Faults == nil {
		return nil, errors.New("session: fault logger is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReopenDelay == 0 {
		cfg.ReopenDelay = DefaultReopenDelay
	}

	c := &Controller{
		transport:   cfg.Transport,
		output:      cfg.Output,
		capture:     cfg.Capture,
		memory:      cfg.Memory,
		notifier:    cfg.Notifier,
		faults:      cfg.Faults,
		logger:      cfg.Logger,
		channel:     cfg.Channel,
		botIdentity: cfg.BotIdentity,
		reopenDelay: cfg.ReopenDelay,
		tasks:       make(chan func(), 32),
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	c.schedule = func(d time.Duration, fn func()) {
		time.AfterFunc(d, fn)
	}
	return c, nil
}

// Start opens the playback device, connects the transport, starts capture,
// and launches the dispatcher. Any failure here is a startup fault: fatal,
// decided by the caller.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.output.Open(); err != nil {
		return fmt.Errorf("session start: %w", err)
	}

	c.transport.OnReconnected(func() {
		c.memory.MarkReconnection()
		c.logger.Info("session transport re-established")
	})

	if err := c.transport.Connect(ctx); err != nil {
		c.output.ForceClose()
		return fmt.Errorf("session start: %w", err)
	}

	var frames <-chan media.Frame
	if c.capture != nil {
		if err := c.capture.Start(); err != nil {
			c.transport.Close()
			c.output.ForceClose()
			return fmt.Errorf("session start: %w", err)
		}
		frames = c.capture.Frames()
	}

	go c.run(ctx, frames)
	c.logger.Info("session started")
	return nil
}

// Stop tears the session down: capture first so no new audio flows, then the
// socket, then the playback device.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.shutdown)
		if c.capture != nil {
			c.capture.Stop()
		}
		c.transport.Close()
		c.output.ForceClose()
		<-c.done
		c.logger.Info("session stopped")
	})
}

// run is the dispatcher: the only goroutine that mutates session state.
func (c *Controller) run(ctx context.Context, frames <-chan media.Frame) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case fn := <-c.tasks:
			fn()
		case ev, ok := <-c.transport.Events():
			if !ok {
				return
			}
			c.faults.Guard(faultlog.ClassProtocol, "event-dispatch", func() error {
				c.handleEvent(ctx, ev)
				return nil
			})
		case frame, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			c.forwardAudio(frame)
		}
	}
}

// forwardAudio ships one captured frame. Frames that cannot be sent are
// dropped; capture never stalls on transport state.
func (c *Controller) forwardAudio(frame media.Frame) {
	err := c.transport.SendAudio(frame.Data)
	switch {
	case err == nil:
	case errors.Is(err, realtime.ErrNotOpen):
		// Disconnected or still configuring: lossy degradation.
	default:
		c.faults.Report(faultlog.ClassTransport, "audio-send", err)
	}
}

// enqueue hands a closure to the dispatcher for serialized execution.
func (c *Controller) enqueue(fn func()) {
	select {
	case c.tasks <- fn:
	case <-c.shutdown:
	}
}

// handleEvent applies one inbound event to the session state machine.
// Runs on the dispatcher goroutine only.
func (c *Controller) handleEvent(ctx context.Context, ev realtime.Event) {
	switch ev := ev.(type) {
	case realtime.ResponseCreatedEvent:
		c.resp.begin(ev.ResponseID)
		c.logger.Debug("response active", slog.String("id", ev.ResponseID))

	case realtime.ResponseAudioDeltaEvent:
		if !c.resp.allowsAudio(ev.ResponseID) {
			// Stale delta from a superseded response: never misrouted.
			return
		}
		if err := c.output.Write(ev.Audio); err != nil {
			// The write fault is already reported; replace the handle.
			c.replaceOutput()
		}

	case realtime.SpeechStartedEvent:
		c.handleInterruption()

	case realtime.ResponseCancelledEvent:
		if c.resp.status != StatusCancelling && c.resp.status != StatusActive {
			return
		}
		if ev.ResponseID != "" && !c.resp.matchesCurrent(ev.ResponseID) {
			return
		}
		// Cancelled is terminal: identifier and status clear immediately.
		c.resp.clear()
		c.logger.Debug("response cancelled by server")
		// Safety net in case audio arrived just before the acknowledgement.
		c.replaceOutput()

	case realtime.ResponseAudioDoneEvent:
		if ev.ResponseID != "" && !c.resp.matchesCurrent(ev.ResponseID) {
			return
		}
		c.logger.Debug("audio stream done, draining playback")
		c.output.DrainAndClose(func() {
			c.enqueue(c.reopenOutput)
		})

	case realtime.ResponseDoneEvent:
		if !c.resp.matchesCurrent(ev.ResponseID) {
			// Refers to an already-superseded response.
			return
		}
		// Done is terminal: identifier and status clear immediately.
		c.resp.clear()
		c.logger.Debug("response completed", slog.String("id", ev.ResponseID))

	case realtime.ResponseTranscriptDoneEvent:
		c.handleBotTranscript(ctx, ev)

	case realtime.InputTranscriptDeltaEvent:
		c.logger.Debug("user speech", slog.String("delta", ev.Delta))

	case realtime.InputTranscriptDoneEvent:
		c.handleUserTranscript(ctx, ev)

	case realtime.ErrorEvent:
		// The current turn terminates naturally; no cancel, no reconnect.
		c.faults.Report(faultlog.ClassProtocol, "server-error", errors.New(ev.Message))

	case realtime.DisconnectedEvent:
		// Response identifiers are connection-scoped; a stale one must not
		// gate audio on the next connection.
		c.resp.clear()
		c.logger.Warn("transport disconnected",
			slog.Int("code", ev.Code), slog.Bool("abnormal", ev.Abnormal))

	case realtime.UnknownEvent:
		c.logger.Debug("ignoring unknown event", slog.String("type", ev.Type))
	}
}

// handleInterruption reacts to user speech onset. At most one cancellation
// request goes out per active response; the playback handle is always
// replaced immediately for instant silence.
func (c *Controller) handleInterruption() {
	if c.resp.shouldCancel() {
		if err := c.transport.SendCancel(); err != nil {
			c.faults.Report(faultlog.ClassTransport, "cancel-send", err)
		}
		c.resp.status = StatusCancelling
		c.resp.cancellationSent = true
		c.logger.Debug("interruption: cancellation sent", slog.String("id", c.resp.id))
	}
	c.replaceOutput()
}

// replaceOutput tears the handle down now and schedules the reopen as a
// dispatcher task after the configured delay.
func (c *Controller) replaceOutput() {
	c.output.ForceClose()
	c.schedule(c.reopenDelay, func() {
		c.enqueue(c.reopenOutput)
	})
}

// reopenOutput opens a fresh playback handle if none is live. Runs on the
// dispatcher goroutine.
func (c *Controller) reopenOutput() {
	if c.output.HasDevice() {
		return
	}
	if err := c.output.Open(); err != nil {
		c.faults.Report(faultlog.ClassDevice, "output-reopen", err)
	}
}

// handleBotTranscript records and relays the bot's completed turn. Empty
// transcripts and transcripts from superseded responses are discarded.
func (c *Controller) handleBotTranscript(ctx context.Context, ev realtime.ResponseTranscriptDoneEvent) {
	text := strings.TrimSpace(ev.Transcript)
	if text == "" {
		return
	}
	if !c.resp.matchesTranscript(ev.ResponseID) {
		return
	}

	c.memory.Add(memory.SpeakerBot, text)
	c.logger.Info("bot turn", slog.String("transcript", text))

	if err := notify.PostWithFallback(ctx, c.notifier, c.channel, text, c.botIdentity); err != nil {
		c.faults.Report(faultlog.ClassNotify, "bot-transcript-post", err)
	}
}

// handleUserTranscript records and relays the user's completed turn.
func (c *Controller) handleUserTranscript(ctx context.Context, ev realtime.InputTranscriptDoneEvent) {
	text := strings.TrimSpace(ev.Transcript)
	if text == "" {
		return
	}

	c.memory.Add(memory.SpeakerUser, text)
	c.logger.Info("user turn", slog.String("transcript", text))

	if err := c.notifier.PostMessage(ctx, c.channel, text, nil); err != nil {
		c.faults.Report(faultlog.ClassNotify, "user-transcript-post", err)
	}
}

// Status returns the current response status. Test and diagnostics hook; the
// dispatcher remains the only writer.
func (c *Controller) Status() ResponseStatus {
	return c.resp.status
}
