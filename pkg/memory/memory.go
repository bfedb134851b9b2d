// Package memory keeps the recent conversation: a size-bounded in-memory
// window used to rebuild model context after a reconnect, mirrored to a
// durable append-only transcript log. One log file is created per session
// start and is never rewritten.
package memory

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Speaker identifies who produced an utterance.
type Speaker string

const (
	SpeakerUser Speaker = "User"
	SpeakerBot  Speaker = "Bot"
)

// Message is one (speaker, utterance, timestamp) tuple.
type Message struct {
	Speaker   Speaker
	Text      string
	Timestamp time.Time
}

const (
	// DefaultWindow is how many messages the in-memory window retains.
	DefaultWindow = 10
	// recentContext is how many window entries feed contextual instructions:
	// the last 3 exchanges, user and bot sides.
	recentContext = 6
)

// Option configures a Memory.
type Option func(*Memory)

// WithWindow overrides the in-memory window cap.
func WithWindow(n int) Option {
	return func(m *Memory) { m.window = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// Memory is the conversation store. Safe for concurrent use; all durable
// writes are serialized under the same lock that guards the window.
type Memory struct {
	persona string
	window  int
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.Mutex
	messages    []Message
	file        *os.File
	reconnected bool
}

// New creates a Memory backed by a fresh transcript log under dir.
func New(dir, persona string, logger *slog.Logger, opts ...Option) (*Memory, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation dir: %w", err)
	}
	m := &Memory{
		persona: persona,
		window:  DefaultWindow,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	ts := m.now()
	name := fmt.Sprintf("conversation-%s.log", ts.Format("2006-01-02T15-04-05"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open conversation log: %w", err)
	}
	header := fmt.Sprintf("=== CONVERSATION SESSION STARTED: %s ===\n", ts.Format(time.RFC3339))
	if _, err := f.WriteString(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("write conversation header: %w", err)
	}
	m.file = f
	logger.Info("conversation log opened", slog.String("file", name))
	return m, nil
}

// Add appends a message to the window and the durable log. The window is
// trimmed to its cap; the durable log always receives the entry.
func (m *Memory) Add(speaker Speaker, text string) {
	ts := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages = append(m.messages, Message{Speaker: speaker, Text: text, Timestamp: ts})
	if len(m.messages) > m.window {
		m.messages = m.messages[len(m.messages)-m.window:]
	}

	entry := fmt.Sprintf("[%s] %s: %s\n", ts.Format(time.RFC3339), speaker, text)
	if _, err := m.file.WriteString(entry); err != nil {
		m.logger.Error("conversation log write failed", slog.String("error", err.Error()))
	}
}

// RecentContext returns the last 3 exchanges as "speaker: text" lines, or
// the empty string when no messages exist.
func (m *Memory) RecentContext() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recentContextLocked()
}

func (m *Memory) recentContextLocked() string {
	if len(m.messages) == 0 {
		return ""
	}
	start := len(m.messages) - recentContext
	if start < 0 {
		start = 0
	}
	lines := make([]string, 0, recentContext)
	for _, msg := range m.messages[start:] {
		lines = append(lines, fmt.Sprintf("%s: %s", msg.Speaker, msg.Text))
	}
	return strings.Join(lines, "\n")
}

// ContextualInstructions returns the persona instruction, augmented with the
// recent context and a continuity note when a reconnection marker has been
// recorded since the last fetch. Fetching clears the reconnection note.
func (m *Memory) ContextualInstructions() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx := m.recentContextLocked()
	reconnected := m.reconnected
	m.reconnected = false

	if ctx == "" {
		return m.persona
	}
	if !reconnected {
		return fmt.Sprintf("%s\n\nRecent conversation context:\n\n%s", m.persona, ctx)
	}
	return fmt.Sprintf("%s\n\nIMPORTANT: You were recently reconnected due to a technical issue. "+
		"Here's the recent conversation context to maintain continuity:\n\n%s\n\n"+
		"Acknowledge the reconnection briefly if appropriate, then continue the conversation "+
		"naturally from where it left off.", m.persona, ctx)
}

// MarkReconnection records a durable reconnection marker. The marker is audit
// only; it is never replayed.
func (m *Memory) MarkReconnection() {
	ts := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.reconnected = true
	entry := fmt.Sprintf("[%s] === RECONNECTION EVENT ===\n", ts.Format(time.RFC3339))
	if _, err := m.file.WriteString(entry); err != nil {
		m.logger.Error("reconnection marker write failed", slog.String("error", err.Error()))
	}
	m.logger.Info("reconnection marked in conversation log")
}

// Len returns the number of messages currently in the window.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// Close releases the transcript log file.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}
