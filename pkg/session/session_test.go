package session

import (
	"context"
	"encoding/base64"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/learninglab/voicebot/internal/realtime"
	"github.com/learninglab/voicebot/pkg/audio"
	audiofake "github.com/learninglab/voicebot/pkg/audio/fake"
	"github.com/learninglab/voicebot/pkg/faultlog"
	"github.com/learninglab/voicebot/pkg/media"
	"github.com/learninglab/voicebot/pkg/memory"
	"github.com/learninglab/voicebot/pkg/notify"
	notifyfake "github.com/learninglab/voicebot/pkg/notify/fake"
)

type fakeTransport struct {
	mu            sync.Mutex
	cancels       int
	audio         [][]byte
	events        chan realtime.Event
	onReconnected func()
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan realtime.Event, 16)}
}

func (f *fakeTransport) Connect(context.Context) error { return nil }
func (f *fakeTransport) Events() <-chan realtime.Event { return f.events }
func (f *fakeTransport) Close() error                  { return nil }
func (f *fakeTransport) OnReconnected(fn func())       { f.onReconnected = fn }

func (f *fakeTransport) SendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, pcm)
	return nil
}

func (f *fakeTransport) SendCancel() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeTransport) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

type harness struct {
	ctl       *Controller
	transport *fakeTransport
	opener    *audiofake.FakeOutputOpener
	notifier  *notifyfake.FakeNotifier
	mem       *memory.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))

	faults, err := faultlog.New(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("fault logger: %v", err)
	}
	t.Cleanup(func() { faults.Close() })

	mem, err := memory.New(t.TempDir(), "You are an interviewer.", logger)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	transport := newFakeTransport()
	opener := &audiofake.FakeOutputOpener{}
	notifier := notifyfake.NewFakeNotifier()

	ctl, err := New(Config{
		Transport:   transport,
		Output:      audio.NewOutput(opener, media.PlaybackFormat, logger, faults),
		Memory:      mem,
		Notifier:    notifier,
		Faults:      faults,
		Logger:      logger,
		Channel:     "C-LOG",
		BotIdentity: &notify.Identity{Username: "Interview Bot"},
	})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}

	// Run scheduled work synchronously through the task queue so tests can
	// step time deterministically.
	ctl.schedule = func(_ time.Duration, fn func()) { fn() }

	if err := ctl.output.Open(); err != nil {
		t.Fatalf("open output: %v", err)
	}

	return &harness{ctl: ctl, transport: transport, opener: opener, notifier: notifier, mem: mem}
}

// handle feeds one event straight through the dispatcher path.
func (h *harness) handle(ev realtime.Event) {
	h.ctl.handleEvent(context.Background(), ev)
}

// flush executes queued dispatcher tasks (device reopens).
func (h *harness) flush() {
	for {
		select {
		case fn := <-h.ctl.tasks:
			fn()
		default:
			return
		}
	}
}

// waitTask blocks for one asynchronous task (e.g. a drain completion) and
// executes it.
func (h *harness) waitTask(t *testing.T) {
	t.Helper()
	select {
	case fn := <-h.ctl.tasks:
		fn()
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatcher task")
	}
}

func delta(id string, audio ...byte) realtime.ResponseAudioDeltaEvent {
	return realtime.ResponseAudioDeltaEvent{ResponseID: id, Audio: audio}
}

func TestController_AudioForwardedInOrderForActiveResponse(t *testing.T) {
	is := is.New(t)
	h := newHarness(t)

	h.handle(realtime.ResponseCreatedEvent{ResponseID: "r1"})
	h.handle(delta("r1", 1))
	h.handle(delta("r1", 2))
	h.handle(delta("r1", 3))

	writes := h.opener.Devices()[0].Writes()
	is.Equal(len(writes), 3)
	is.Equal(writes[0], []byte{1}) // receipt order preserved
	is.Equal(writes[1], []byte{2})
	is.Equal(writes[2], []byte{3})
}

func TestController_MismatchedDeltaDropped(t *testing.T) {
	is := is.New(t)
	h := newHarness(t)

	h.handle(realtime.ResponseCreatedEvent{ResponseID: "r1"})
	h.handle(delta("r0", 9)) // stale identifier
	h.handle(delta("", 9))   // no identifier
	h.handle(delta("r1", 1))

	writes := h.opener.Devices()[0].Writes()
	is.Equal(len(writes), 1)
	is.Equal(writes[0], []byte{1})
}

func TestController_DeltaWithNoActiveResponseDropped(t *testing.T) {
	is := is.New(t)
	h := newHarness(t)

	h.handle(delta("r1", 1))
	is.Equal(len(h.opener.Devices()[0].Writes()), 0)
}

func TestController_InterruptionScenario(t *testing.T) {
	is := is.New(t)
	h := newHarness(t)

	// Response r1 becomes active and two deltas play.
	h.handle(realtime.ResponseCreatedEvent{ResponseID: "r1"})
	h.handle(delta("r1", 1))
	h.handle(delta("r1", 2))
	is.Equal(len(h.opener.Devices()[0].Writes()), 2)

	// The user starts talking: exactly one cancel, device replaced at once.
	h.handle(realtime.SpeechStartedEvent{})
	is.Equal(h.transport.cancelCount(), 1)
	is.Equal(h.ctl.Status(), StatusCancelling)
	is.True(h.opener.Devices()[0].Closed())
	h.flush()
	is.Equal(len(h.opener.Devices()), 2) // replacement opened

	// A straggler delta for r1 is dropped: response is Cancelling.
	h.handle(delta("r1", 3))
	is.Equal(len(h.opener.Devices()[1].Writes()), 0)

	// Server acknowledges: state clears to None, device replaced again.
	h.handle(realtime.ResponseCancelledEvent{ResponseID: "r1"})
	is.Equal(h.ctl.Status(), StatusNone)
	is.True(h.opener.Devices()[1].Closed())
	h.flush()
	is.Equal(len(h.opener.Devices()), 3)
}

func TestController_SecondSpeechStartSendsNoExtraCancel(t *testing.T) {
	is := is.New(t)
	h := newHarness(t)

	h.handle(realtime.ResponseCreatedEvent{ResponseID: "r1"})
	h.handle(realtime.SpeechStartedEvent{})
	h.handle(realtime.SpeechStartedEvent{})
	h.handle(realtime.SpeechStartedEvent{})

	is.Equal(h.transport.cancelCount(), 1) // duplicate cancels suppressed
}

func TestController_SpeechStartWithoutActiveResponse(t *testing.T) {
	is := is.New(t)
	h := newHarness(t)

	h.handle(realtime.SpeechStartedEvent{})

	is.Equal(h.transport.cancelCount(), 0)
	// The device is still replaced for instant silence.
	is.True(h.opener.Devices()[0].Closed())
	h.flush()
	is.Equal(len(h.opener.Devices()), 2)
}

func TestController_NaturalCompletion(t *testing.T) {
	is := is.New(t)
	h := newHarness(t)

	h.handle(realtime.ResponseCreatedEvent{ResponseID: "r1"})
	h.handle(realtime.ResponseDoneEvent{ResponseID: "r1"})
	is.Equal(h.ctl.Status(), StatusNone)

	// A done for a superseded identifier is ignored.
	h.handle(realtime.ResponseCreatedEvent{ResponseID: "r2"})
	h.handle(realtime.ResponseDoneEvent{ResponseID: "r1"})
	is.Equal(h.ctl.Status(), StatusActive)
}

func TestController_AudioDoneDrainsAndReopens(t *testing.T) {
	is := is.New(t)
	h := newHarness(t)

	h.handle(realtime.ResponseCreatedEvent{ResponseID: "r1"})
	h.handle(delta("r1", 1))
	h.handle(realtime.ResponseAudioDoneEvent{ResponseID: "r1"})

	// Drain completes in the background and schedules a reopen task.
	h.waitTask(t)
	is.True(h.opener.Devices()[0].Drained())
	is.Equal(len(h.opener.Devices()), 2)
}

func TestController_BotTranscriptPostedAndRemembered(t *testing.T) {
	is := is.New(t)
	h := newHarness(t)

	h.handle(realtime.ResponseCreatedEvent{ResponseID: "r1"})
	h.handle(realtime.ResponseTranscriptDoneEvent{ResponseID: "r1", Transcript: "Tell me about cats."})

	posts := h.notifier.Posts()
	is.Equal(len(posts), 1)
	is.Equal(posts[0].Channel, "C-LOG")
	is.Equal(posts[0].Text, "Tell me about cats.")
	is.Equal(posts[0].Identity.Username, "Interview Bot")
	is.True(strings.Contains(h.mem.RecentContext(), "Bot: Tell me about cats."))
}

func TestController_TranscriptAfterDoneStillMatches(t *testing.T) {
	is := is.New(t)
	h := newHarness(t)

	h.handle(realtime.ResponseCreatedEvent{ResponseID: "r1"})
	h.handle(realtime.ResponseDoneEvent{ResponseID: "r1"})
	h.handle(realtime.ResponseTranscriptDoneEvent{ResponseID: "r1", Transcript: "Closing thought."})

	is.Equal(len(h.notifier.Posts()), 1)
}

func TestController_WhitespaceTranscriptDiscarded(t *testing.T) {
	is := is.New(t)
	h := newHarness(t)

	h.handle(realtime.ResponseCreatedEvent{ResponseID: "r1"})
	h.handle(realtime.ResponseTranscriptDoneEvent{ResponseID: "r1", Transcript: "  "})

	is.Equal(len(h.notifier.Posts()), 0) // no post
	is.Equal(h.mem.Len(), 0)             // no memory entry
}

func TestController_StaleTranscriptDiscarded(t *testing.T) {
	is := is.New(t)
	h := newHarness(t)

	h.handle(realtime.ResponseCreatedEvent{ResponseID: "r2"})
	h.handle(realtime.ResponseTranscriptDoneEvent{ResponseID: "r1", Transcript: "old turn"})

	is.Equal(len(h.notifier.Posts()), 0)
}

func TestController_BotTranscriptFallbackOnPostFailure(t *testing.T) {
	is := is.New(t)
	h := newHarness(t)

	h.notifier.FailNext(1)
	h.handle(realtime.ResponseCreatedEvent{ResponseID: "r1"})
	h.handle(realtime.ResponseTranscriptDoneEvent{ResponseID: "r1", Transcript: "hello"})

	posts := h.notifier.Posts()
	is.Equal(len(posts), 1)
	is.Equal(posts[0].Identity, (*notify.Identity)(nil)) // degraded retry
	is.True(h.mem.Len() == 1)                            // memory entry recorded regardless
}

func TestController_UserTranscriptPostedAndRemembered(t *testing.T) {
	is := is.New(t)
	h := newHarness(t)

	h.handle(realtime.InputTranscriptDoneEvent{Transcript: " what do you think? "})

	posts := h.notifier.Posts()
	is.Equal(len(posts), 1)
	is.Equal(posts[0].Text, "what do you think?")
	is.Equal(posts[0].Identity, (*notify.Identity)(nil))
	is.True(strings.Contains(h.mem.RecentContext(), "User: what do you think?"))
}

func TestController_ServerErrorLeavesTurnAlone(t *testing.T) {
	is := is.New(t)
	h := newHarness(t)

	h.handle(realtime.ResponseCreatedEvent{ResponseID: "r1"})
	h.handle(realtime.ErrorEvent{Message: "session expired"})

	// No cancellation, no state change; subsequent events still processed.
	is.Equal(h.transport.cancelCount(), 0)
	is.Equal(h.ctl.Status(), StatusActive)
	h.handle(delta("r1", 7))
	is.Equal(len(h.opener.Devices()[0].Writes()), 1)
}

func TestController_DisconnectClearsResponseState(t *testing.T) {
	is := is.New(t)
	h := newHarness(t)

	h.handle(realtime.ResponseCreatedEvent{ResponseID: "r1"})
	h.handle(realtime.DisconnectedEvent{Code: 1006, Abnormal: true})
	is.Equal(h.ctl.Status(), StatusNone)

	// Identifiers are connection-scoped: a reused id on the new connection
	// gates audio normally.
	h.handle(realtime.ResponseCreatedEvent{ResponseID: "r1"})
	h.handle(delta("r1", 1))
	is.Equal(len(h.opener.Devices()[0].Writes()), 1)
}

func TestController_ForwardAudioDropsWhenNotOpen(t *testing.T) {
	is := is.New(t)
	h := newHarness(t)

	sent := 0
	errTransport := &erroringTransport{fakeTransport: h.transport, err: realtime.ErrNotOpen, sent: &sent}
	h.ctl.transport = errTransport

	h.ctl.forwardAudio(media.NewFrame([]byte{1, 2}, media.CaptureFormat))
	is.Equal(sent, 1) // attempted exactly once, dropped silently
}

type erroringTransport struct {
	*fakeTransport
	err  error
	sent *int
}

func (e *erroringTransport) SendAudio([]byte) error {
	*e.sent++
	return e.err
}

func TestController_ConfigValidation(t *testing.T) {
	is := is.New(t)

	_, err := New(Config{})
	is.True(err != nil)

	_, err = New(Config{Transport: newFakeTransport()})
	is.True(err != nil) // output manager required
}

func TestParseDeltaRoundTrip(t *testing.T) {
	is := is.New(t)

	// The wire path: a base64 frame parsed by the transport layer gates
	// through the controller to the device untouched.
	raw := `{"type":"response.audio.delta","response_id":"r1","delta":"` +
		base64.StdEncoding.EncodeToString([]byte{10, 20, 30}) + `"}`
	ev, err := realtime.ParseEvent([]byte(raw))
	is.NoErr(err)

	h := newHarness(t)
	h.handle(realtime.ResponseCreatedEvent{ResponseID: "r1"})
	h.handle(ev)

	writes := h.opener.Devices()[0].Writes()
	is.Equal(len(writes), 1)
	is.Equal(writes[0], []byte{10, 20, 30})
}

func TestResponseState_Transitions(t *testing.T) {
	is := is.New(t)

	var r responseState
	is.Equal(r.status, StatusNone)
	is.True(!r.allowsAudio("r1"))

	r.begin("r1")
	is.Equal(r.status, StatusActive)
	is.True(r.allowsAudio("r1"))
	is.True(!r.allowsAudio("r2"))
	is.True(r.shouldCancel())

	r.status = StatusCancelling
	r.cancellationSent = true
	is.True(!r.allowsAudio("r1"))
	is.True(!r.shouldCancel())

	r.clear()
	is.Equal(r.status, StatusNone)
	is.Equal(r.id, "")
	is.True(r.matchesTranscript("r1")) // lastID survives clearing
	is.True(!r.matchesCurrent("r1"))
}
