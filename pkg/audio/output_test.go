package audio_test

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/learninglab/voicebot/pkg/audio"
	"github.com/learninglab/voicebot/pkg/audio/fake"
	"github.com/learninglab/voicebot/pkg/faultlog"
	"github.com/learninglab/voicebot/pkg/media"
)

type faultRecorder struct {
	mu     sync.Mutex
	faults []string
}

func (f *faultRecorder) Report(class faultlog.Class, tag string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, string(class)+"/"+tag)
}

func (f *faultRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.faults)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestOutput_WriteWithoutDeviceIsNoop(t *testing.T) {
	is := is.New(t)

	opener := &fake.FakeOutputOpener{}
	out := audio.NewOutput(opener, media.PlaybackFormat, quietLogger(), &faultRecorder{})

	is.NoErr(out.Write([]byte{1, 2})) // absent handle: no-op, never an error
	is.Equal(len(opener.Devices()), 0)
}

func TestOutput_OpenAndWrite(t *testing.T) {
	is := is.New(t)

	opener := &fake.FakeOutputOpener{}
	out := audio.NewOutput(opener, media.PlaybackFormat, quietLogger(), &faultRecorder{})

	is.NoErr(out.Open())
	is.True(out.HasDevice())
	is.NoErr(out.Write([]byte{1, 2, 3, 4}))

	devs := opener.Devices()
	is.Equal(len(devs), 1)
	is.Equal(len(devs[0].Writes()), 1)
}

func TestOutput_ForceCloseStopsWrites(t *testing.T) {
	is := is.New(t)

	opener := &fake.FakeOutputOpener{}
	out := audio.NewOutput(opener, media.PlaybackFormat, quietLogger(), &faultRecorder{})

	is.NoErr(out.Open())
	out.ForceClose()
	is.True(!out.HasDevice())

	dev := opener.Devices()[0]
	is.True(dev.Closed())

	// Writes after teardown are dropped, not routed to the dead handle.
	is.NoErr(out.Write([]byte{9, 9}))
	is.Equal(len(dev.Writes()), 0)
}

func TestOutput_DrainAndCloseDetachesImmediately(t *testing.T) {
	is := is.New(t)

	opener := &fake.FakeOutputOpener{}
	out := audio.NewOutput(opener, media.PlaybackFormat, quietLogger(), &faultRecorder{})
	is.NoErr(out.Open())

	done := make(chan struct{})
	out.DrainAndClose(func() { close(done) })

	// The handle is nulled before the drain finishes.
	is.True(!out.HasDevice())
	is.NoErr(out.Write([]byte{1}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain completion signal never fired")
	}
	is.True(opener.Devices()[0].Drained())
	is.True(opener.Devices()[0].Closed())
}

func TestOutput_DrainFailureReportedAndStillCloses(t *testing.T) {
	is := is.New(t)

	opener := &fake.FakeOutputOpener{}
	faults := &faultRecorder{}
	out := audio.NewOutput(opener, media.PlaybackFormat, quietLogger(), faults)
	is.NoErr(out.Open())
	opener.Devices()[0].DrainErr = errors.New("underrun")

	done := make(chan struct{})
	out.DrainAndClose(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain completion signal never fired")
	}
	is.Equal(faults.count(), 1) // drain error captured, not swallowed
	is.True(opener.Devices()[0].Closed())
}

func TestOutput_DrainWithoutDeviceFiresDone(t *testing.T) {
	is := is.New(t)

	out := audio.NewOutput(&fake.FakeOutputOpener{}, media.PlaybackFormat, quietLogger(), &faultRecorder{})

	fired := false
	out.DrainAndClose(func() { fired = true })
	is.True(fired)
}

func TestOutput_WriteErrorReported(t *testing.T) {
	is := is.New(t)

	opener := &fake.FakeOutputOpener{}
	faults := &faultRecorder{}
	out := audio.NewOutput(opener, media.PlaybackFormat, quietLogger(), faults)
	is.NoErr(out.Open())

	opener.Devices()[0].WriteErr = errors.New("underflow")
	err := out.Write([]byte{1, 2})
	is.True(err != nil)
	is.Equal(faults.count(), 1) // absorbed and classified, caller decides replacement

	// The manager did not retry or replace internally.
	is.True(out.HasDevice())
	is.Equal(len(opener.Devices()), 1)
}

func TestOutput_ReplaceOpensFreshDevice(t *testing.T) {
	is := is.New(t)

	opener := &fake.FakeOutputOpener{}
	out := audio.NewOutput(opener, media.PlaybackFormat, quietLogger(), &faultRecorder{})

	is.NoErr(out.Open())
	out.ForceClose()
	is.NoErr(out.Open())

	devs := opener.Devices()
	is.Equal(len(devs), 2)
	is.True(devs[0].Closed())

	is.NoErr(out.Write([]byte{5, 6}))
	is.Equal(len(devs[1].Writes()), 1) // writes land on the replacement only
}
