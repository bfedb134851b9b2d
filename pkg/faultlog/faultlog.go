// Package faultlog is the fault isolation layer. Every component reports its
// faults here instead of letting them unwind the process: each fault is
// classified, appended to an hourly-rotated durable log, and optionally
// forwarded to the notification channel when debug mode is on. Only startup
// faults are treated as fatal, and that decision belongs to the caller.
package faultlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Class categorizes a fault per the recovery policy applied to it.
type Class string

const (
	// ClassStartup faults occur before the session loop begins and are fatal.
	ClassStartup Class = "startup"
	// ClassTransport covers malformed frames and abnormal socket closure.
	ClassTransport Class = "transport"
	// ClassDevice covers capture and playback device errors.
	ClassDevice Class = "device"
	// ClassNotify covers failed posts to the notification collaborator.
	ClassNotify Class = "notify"
	// ClassProtocol covers explicit error frames from the remote service.
	ClassProtocol Class = "protocol"
)

// Forwarder receives a summarized fault notification in debug mode.
// Implemented by the Slack notifier; kept narrow to avoid coupling.
type Forwarder interface {
	ForwardFault(ctx context.Context, summary string) error
}

// Option configures a Logger.
type Option func(*Logger)

// WithForwarder enables debug-mode forwarding of fault summaries.
func WithForwarder(f Forwarder) Option {
	return func(l *Logger) { l.forward = f }
}

// WithClock overrides the time source used for rotation and timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// Logger appends classified fault records to an hourly-rotated log file.
// Safe for concurrent use.
type Logger struct {
	dir    string
	logger *slog.Logger

	forward Forwarder
	now     func() time.Time

	mu       sync.Mutex
	file     *os.File
	fileHour time.Time
}

// New creates a fault logger writing under dir, creating it if needed.
func New(dir string, logger *slog.Logger, opts ...Option) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create fault log dir: %w", err)
	}
	l := &Logger{
		dir:    dir,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.rotate(l.now()); err != nil {
		return nil, err
	}
	return l, nil
}

// Report records a fault. It never fails: if the primary log file cannot be
// written, the record goes to a fallback file; if that fails too, the record
// survives only in the structured log output.
func (l *Logger) Report(class Class, tag string, err error) {
	if err == nil {
		return
	}
	ts := l.now()

	l.logger.Error("fault captured",
		slog.String("class", string(class)),
		slog.String("context", tag),
		slog.String("error", err.Error()))

	record := fmt.Sprintf("[%s] [%s] %s: %s\n%s\n",
		ts.Format(time.RFC3339), tag, strings.ToUpper(string(class)), err.Error(),
		strings.Repeat("=", 80))

	l.mu.Lock()
	if werr := l.append(ts, record); werr != nil {
		l.logger.Error("fault log write failed", slog.String("error", werr.Error()))
		fallback := filepath.Join(l.dir, "fallback-faults.log")
		if f, ferr := os.OpenFile(fallback, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); ferr == nil {
			f.WriteString("FALLBACK: " + record)
			f.Close()
		}
	}
	l.mu.Unlock()

	if l.forward != nil {
		summary := fmt.Sprintf(":warning: fault [%s/%s] at %s: %s",
			class, tag, ts.Format(time.RFC3339), err.Error())
		if ferr := l.forward.ForwardFault(context.Background(), summary); ferr != nil {
			l.logger.Error("fault forward failed", slog.String("error", ferr.Error()))
		}
	}
}

// Guard runs fn, converting a panic or returned error into a reported fault.
// It never propagates either: session-scoped handlers must keep running
// regardless of what a single callback does.
func (l *Logger) Guard(class Class, tag string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			l.Report(class, tag, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(); err != nil {
		l.Report(class, tag, err)
	}
}

// Close releases the current log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// append writes a record, rotating first if the hour has rolled over.
// Caller holds l.mu.
func (l *Logger) append(ts time.Time, record string) error {
	if l.file == nil || !ts.Truncate(time.Hour).Equal(l.fileHour) {
		if err := l.rotateLocked(ts); err != nil {
			return err
		}
	}
	_, err := l.file.WriteString(record)
	return err
}

func (l *Logger) rotate(ts time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotateLocked(ts)
}

func (l *Logger) rotateLocked(ts time.Time) error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	name := fmt.Sprintf("faults-%s.log", ts.Format("2006-01-02T15"))
	f, err := os.OpenFile(filepath.Join(l.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open fault log: %w", err)
	}
	header := fmt.Sprintf("=== FAULT LOG STARTED: %s ===\n", ts.Format(time.RFC3339))
	if _, err := f.WriteString(header); err != nil {
		f.Close()
		return fmt.Errorf("write fault log header: %w", err)
	}
	l.file = f
	l.fileHour = ts.Truncate(time.Hour)
	l.logger.Info("fault log rotated", slog.String("file", name))
	return nil
}
