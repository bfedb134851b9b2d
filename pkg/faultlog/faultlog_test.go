package faultlog

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestLogger_ReportWritesRecord(t *testing.T) {
	is := is.New(t)

	dir := t.TempDir()
	l, err := New(dir, discardLogger())
	is.NoErr(err)
	defer l.Close()

	l.Report(ClassTransport, "read-loop", errors.New("connection reset"))

	entries, err := os.ReadDir(dir)
	is.NoErr(err)
	is.Equal(len(entries), 1)

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	is.NoErr(err)
	content := string(data)
	is.True(strings.Contains(content, "FAULT LOG STARTED"))
	is.True(strings.Contains(content, "[read-loop] TRANSPORT: connection reset"))
}

func TestLogger_HourlyRotation(t *testing.T) {
	is := is.New(t)

	now := time.Date(2025, 6, 1, 10, 59, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	dir := t.TempDir()
	l, err := New(dir, discardLogger(), WithClock(clock))
	is.NoErr(err)
	defer l.Close()

	l.Report(ClassDevice, "speaker", errors.New("underflow"))
	now = now.Add(2 * time.Minute) // crosses the hour boundary
	l.Report(ClassDevice, "speaker", errors.New("underflow again"))

	entries, err := os.ReadDir(dir)
	is.NoErr(err)
	is.Equal(len(entries), 2) // one file per hour
}

func TestLogger_GuardRecoversPanic(t *testing.T) {
	is := is.New(t)

	dir := t.TempDir()
	l, err := New(dir, discardLogger())
	is.NoErr(err)
	defer l.Close()

	l.Guard(ClassProtocol, "handler", func() error {
		panic("boom")
	})
	l.Guard(ClassProtocol, "handler", func() error {
		return errors.New("plain error")
	})

	entries, err := os.ReadDir(dir)
	is.NoErr(err)
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	is.NoErr(err)
	is.True(strings.Contains(string(data), "panic: boom"))
	is.True(strings.Contains(string(data), "plain error"))
}

type recordingForwarder struct {
	summaries []string
}

func (r *recordingForwarder) ForwardFault(_ context.Context, summary string) error {
	r.summaries = append(r.summaries, summary)
	return nil
}

func TestLogger_ForwardsWhenConfigured(t *testing.T) {
	is := is.New(t)

	fwd := &recordingForwarder{}
	l, err := New(t.TempDir(), discardLogger(), WithForwarder(fwd))
	is.NoErr(err)
	defer l.Close()

	l.Report(ClassNotify, "post", errors.New("rate limited"))

	is.Equal(len(fwd.summaries), 1)
	is.True(strings.Contains(fwd.summaries[0], "notify/post"))
	is.True(strings.Contains(fwd.summaries[0], "rate limited"))
}

func TestLogger_NilErrorIgnored(t *testing.T) {
	is := is.New(t)

	dir := t.TempDir()
	l, err := New(dir, discardLogger())
	is.NoErr(err)
	defer l.Close()

	l.Report(ClassTransport, "noop", nil)

	entries, err := os.ReadDir(dir)
	is.NoErr(err)
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	is.NoErr(err)
	is.True(!strings.Contains(string(data), "TRANSPORT"))
}
