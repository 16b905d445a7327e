package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/parley/internal/assistant"
	assistantmock "github.com/MrWong99/parley/internal/assistant/mock"
	"github.com/MrWong99/parley/internal/display"
	displaymock "github.com/MrWong99/parley/internal/display/mock"
	"github.com/MrWong99/parley/internal/identity"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/phrase"
	"github.com/MrWong99/parley/internal/recording"
	"github.com/MrWong99/parley/internal/segment"
	"github.com/MrWong99/parley/internal/stream"
	"github.com/MrWong99/parley/pkg/audio"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/audio/playback"
)

const waitTimeout = 2 * time.Second

// fakeRecorder stands in for the microphone. Stop hands out scripted
// outcomes while a recording is open.
type fakeRecorder struct {
	mu        sync.Mutex
	recording bool
	starts    int
	startErr  error
	next      []recording.Outcome
	cancels   int
}

func (r *fakeRecorder) CancelBurst() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels++
}

func (r *fakeRecorder) BurstCancels() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancels
}

func (r *fakeRecorder) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	if !r.recording {
		r.recording = true
		r.starts++
	}
	return nil
}

func (r *fakeRecorder) Stop() (recording.Utterance, recording.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return recording.Utterance{}, recording.NotRecording
	}
	r.recording = false
	out := recording.Discarded
	if len(r.next) > 0 {
		out = r.next[0]
		r.next = r.next[1:]
	}
	if out != recording.Accepted {
		return recording.Utterance{}, out
	}
	f := audio.Format{SampleRate: 16000, Channels: 1}
	pcm := make([]byte, 3200)
	return recording.Utterance{Audio: pcm, Format: f, Duration: f.Duration(len(pcm)), HadSustainedVoice: true}, out
}

func (r *fakeRecorder) script(o recording.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = append(r.next, o)
}

func (r *fakeRecorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

func (r *fakeRecorder) Starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

type harness struct {
	ctrl    *Controller
	rec     *fakeRecorder
	player  *audiomock.Player
	pq      *playback.Queue
	backend *assistantmock.Backend
	disp    *displaymock.Display
	ids     *identity.MemStore
	reader  *sdkmetric.ManualReader
	trs     chan Transition
}

type harnessOption func(*Deps)

func withExitPhrases(p ...string) harnessOption {
	return func(d *Deps) { d.ExitPhrases = phrase.New(p) }
}

func newHarness(t *testing.T, cfg Config, backend *assistantmock.Backend, opts ...harnessOption) *harness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		rec:     &fakeRecorder{},
		player:  &audiomock.Player{Hold: true},
		backend: backend,
		disp:    &displaymock.Display{},
		ids:     identity.NewMemStore(identity.Identity{}),
		reader:  reader,
		trs:     make(chan Transition, 128),
	}
	h.pq = playback.New(h.player,
		playback.WithOnStart(func(it playback.Item) { h.ctrl.PlaybackStarted(it) }),
		playback.WithOnFinish(func(it playback.Item, err error) { h.ctrl.PlaybackFinished(it, err) }),
	)

	deps := Deps{
		Recorder: h.rec,
		Playback: h.pq,
		Backend:  backend,
		Display:  h.disp,
		Identity: h.ids,
	}
	for _, o := range opts {
		o(&deps)
	}
	h.ctrl, err = New(deps, cfg, WithMetrics(metrics))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Subscribed after the controller so its side effects have run by the
	// time a test sees the transition.
	h.ctrl.Machine().Subscribe(func(tr Transition) { h.trs <- tr })
	t.Cleanup(func() {
		h.player.Release()
		_ = h.ctrl.Close()
		_ = h.pq.Close()
	})
	return h
}

// waitState consumes observed transitions until one enters want.
func (h *harness) waitState(t *testing.T, want State) Transition {
	t.Helper()
	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()
	for {
		select {
		case tr := <-h.trs:
			if tr.To == want {
				return tr
			}
		case <-timer.C:
			t.Fatalf("timed out waiting for state %s (now %s)", want, h.ctrl.Machine().State())
		}
	}
}

// utterance feeds one finished recording with the given outcome.
func (h *harness) utterance(o recording.Outcome) {
	h.rec.script(o)
	h.ctrl.HandleSegmentEvent(segment.Event{Kind: segment.UtteranceEnded, Reason: segment.ReasonSilence})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) counter(t *testing.T, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				if key == "" {
					total += dp.Value
					continue
				}
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.Emit() == value {
					total += dp.Value
				}
			}
			return total
		}
	}
	return 0
}

func chunk(s string) stream.Event {
	return stream.Event{Kind: stream.KindAudioChunk, Audio: []byte(s), Text: s}
}

func TestController_DoneWithQueuedChunksStaysSpeaking(t *testing.T) {
	t.Parallel()

	p := assistantmock.NewPipe()
	h := newHarness(t, Config{}, &assistantmock.Backend{Audio: []assistantmock.Response{{Pipe: p}}})

	if err := h.ctrl.Wake(); err != nil {
		t.Fatalf("Wake: %v", err)
	}
	h.waitState(t, Listening)
	if !h.rec.Recording() {
		t.Fatal("recorder not started on Listening")
	}

	h.utterance(recording.Accepted)
	h.waitState(t, Processing)

	go func() {
		_ = p.Send(
			stream.Event{Kind: stream.KindInputText, Text: "what's the weather"},
			stream.Event{Kind: stream.KindThreadID, ThreadID: "thread_1"},
			stream.Event{Kind: stream.KindTextDelta, Text: "Sunny "},
			chunk("a"),
			stream.Event{Kind: stream.KindTextDelta, Text: "all day."},
			chunk("b"),
			stream.Event{Kind: stream.KindDone, FullText: "Sunny all day."},
		)
		p.Close()
	}()

	h.waitState(t, Speaking)
	waitFor(t, "assistant message", func() bool {
		return h.disp.Contains(display.RoleAssistant, "Sunny all day.")
	})

	// Done arrived with both chunks still queued: the turn must keep speaking.
	if got := h.ctrl.Machine().State(); got != Speaking {
		t.Fatalf("State() after done = %s, want speaking", got)
	}
	if got := h.pq.Len(); got != 2 {
		t.Fatalf("playback Len() = %d, want 2", got)
	}

	h.player.Release()
	waitFor(t, "second clip", func() bool { return len(h.player.Started()) == 2 })
	if got := h.ctrl.Machine().State(); got != Speaking {
		t.Fatalf("State() with one clip left = %s, want speaking", got)
	}
	h.player.Release()

	h.waitState(t, Listening)
	if got := len(h.player.Played()); got != 2 {
		t.Errorf("played clips = %d, want 2", got)
	}
	if !h.disp.Contains(display.RoleUser, "what's the weather") {
		t.Error("user transcript not displayed")
	}
	if id, _ := h.ids.Load(context.Background()); id.ThreadID != "thread_1" {
		t.Errorf("stored thread id = %q, want thread_1", id.ThreadID)
	}
	if got := h.ctrl.Machine().Session().ThreadID; got != "thread_1" {
		t.Errorf("session thread id = %q, want thread_1", got)
	}
	if got := h.counter(t, "parley.playback.items", "status", "played"); got != 2 {
		t.Errorf("played metric = %d, want 2", got)
	}
}

func TestController_BargeIn(t *testing.T) {
	t.Parallel()

	p1, p2 := assistantmock.NewPipe(), assistantmock.NewPipe()
	h := newHarness(t, Config{BargeIn: true}, &assistantmock.Backend{
		Audio: []assistantmock.Response{{Pipe: p1}, {Pipe: p2}},
	})

	_ = h.ctrl.Wake()
	h.waitState(t, Listening)
	h.utterance(recording.Accepted)
	h.waitState(t, Processing)

	go func() { _ = p1.Send(chunk("a"), chunk("b"), chunk("c")) }()
	h.waitState(t, Speaking)
	waitFor(t, "first clip playing", func() bool { return len(h.player.Started()) == 1 })
	if !h.rec.Recording() {
		t.Fatal("recorder closed while speaking with barge-in enabled")
	}

	h.utterance(recording.Accepted)

	// The state moves to Processing synchronously with the barge-in.
	if got := h.ctrl.Machine().State(); got != Processing {
		t.Fatalf("State() after barge-in = %s, want processing", got)
	}
	if got := h.pq.Len(); got != 0 {
		t.Errorf("playback Len() after barge-in = %d, want 0", got)
	}
	waitFor(t, "interrupted clip", func() bool { return h.player.Interrupted() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := h.backend.WaitCalls(ctx, 2); err != nil {
		t.Fatalf("second audio turn not sent: %v", err)
	}
	go func() {
		_ = p2.Send(stream.Event{Kind: stream.KindDone, FullText: "ok"})
		p2.Close()
	}()
	h.waitState(t, Listening)

	if got := len(h.player.Played()); got != 0 {
		t.Errorf("played clips = %d, want 0", got)
	}
	if got := h.counter(t, "parley.barge_ins", "", ""); got != 1 {
		t.Errorf("barge_ins = %d, want 1", got)
	}
	if errs := h.counter(t, "parley.assistant.errors", "", ""); errs != 0 {
		t.Errorf("assistant errors = %d, want 0 (preemption is not an error)", errs)
	}
}

func TestController_NoSpeechResumesSilently(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, &assistantmock.Backend{Audio: []assistantmock.Response{{
		Events: []stream.Event{{Kind: stream.KindError, Error: "No speech detected or text too short"}},
	}}})

	_ = h.ctrl.Wake()
	h.waitState(t, Listening)
	h.utterance(recording.Accepted)
	h.waitState(t, Processing)
	h.waitState(t, Listening)

	if msgs := h.disp.Messages(display.RoleSystem); len(msgs) != 0 {
		t.Errorf("system messages = %q, want none", msgs)
	}
	if got := h.counter(t, "parley.assistant.errors", "kind", "no_speech"); got != 1 {
		t.Errorf("no_speech errors = %d, want 1", got)
	}
	if !h.rec.Recording() {
		t.Error("recorder not restarted after no-speech")
	}
}

func TestController_RateLimitCooldown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{RateLimitCooldown: 50 * time.Millisecond}, &assistantmock.Backend{
		Audio: []assistantmock.Response{{Err: &assistant.Error{
			Kind:       assistant.KindRateLimit,
			StatusCode: 429,
			Message:    "Rate limit reached. Please wait 1 seconds before trying again.",
		}}},
	})

	_ = h.ctrl.Wake()
	h.waitState(t, Listening)
	h.utterance(recording.Accepted)
	h.waitState(t, Processing)

	idle := h.waitState(t, Idle)
	if !idle.Active {
		t.Error("conversation deactivated by rate limit")
	}
	if !h.disp.Contains(display.RoleSystem, "Rate limit reached") {
		t.Error("rate-limit message not displayed")
	}

	start := time.Now()
	h.waitState(t, Listening)
	if d := time.Since(start); d < 20*time.Millisecond {
		t.Errorf("resumed after %v, want the cooldown to pass first", d)
	}
}

func TestController_ErrorShowsApology(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Apology: "sorry"}, &assistantmock.Backend{
		Chat: []assistantmock.Response{{Err: &assistant.Error{Kind: assistant.KindServer, StatusCode: 500}}},
	})

	if err := h.ctrl.SendText("  hello  "); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	h.waitState(t, Processing)
	h.waitState(t, Idle)

	if !h.disp.Contains(display.RoleUser, "hello") {
		t.Error("typed message not displayed")
	}
	if !h.disp.Contains(display.RoleSystem, "sorry") {
		t.Error("apology not displayed")
	}
	if got := h.counter(t, "parley.assistant.errors", "kind", "server"); got != 1 {
		t.Errorf("server errors = %d, want 1", got)
	}
}

func TestController_TimeoutEndsConversation(t *testing.T) {
	t.Parallel()

	p := assistantmock.NewPipe()
	h := newHarness(t, Config{RequestTimeout: 30 * time.Millisecond}, &assistantmock.Backend{
		Audio: []assistantmock.Response{{Pipe: p}},
	})

	_ = h.ctrl.Wake()
	h.waitState(t, Listening)
	h.utterance(recording.Accepted)
	h.waitState(t, Processing)
	h.waitState(t, Idle)

	if h.ctrl.Machine().Active() {
		t.Error("conversation still active after timeout")
	}
	waitFor(t, "apology", func() bool { return len(h.disp.Messages(display.RoleSystem)) == 1 })
	if got := h.counter(t, "parley.assistant.errors", "kind", "timeout"); got != 1 {
		t.Errorf("timeout errors = %d, want 1", got)
	}
}

func TestController_IdleRecordingsDeactivate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{IdleRecordings: 2}, &assistantmock.Backend{})

	_ = h.ctrl.Wake()
	h.waitState(t, Listening)

	h.utterance(recording.Discarded)
	if got := h.rec.Starts(); got != 2 {
		t.Fatalf("recorder starts after one discard = %d, want 2", got)
	}
	if !h.ctrl.Machine().Active() {
		t.Fatal("deactivated after one discard")
	}

	h.utterance(recording.Discarded)
	h.waitState(t, Idle)
	if h.ctrl.Machine().Active() {
		t.Error("still active after reaching the idle recording limit")
	}
	if !h.ctrl.CanListenForWakeWord() {
		t.Error("CanListenForWakeWord() = false after returning to wake-word mode")
	}
	if got := h.counter(t, "parley.utterances", "outcome", "discarded"); got != 2 {
		t.Errorf("discarded utterances = %d, want 2", got)
	}
}

func TestController_ExitPhraseEndsConversation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, &assistantmock.Backend{Audio: []assistantmock.Response{{
		Events: []stream.Event{
			{Kind: stream.KindInputText, Text: "Okay, goodbye!"},
			{Kind: stream.KindTextDelta, Text: "Bye."},
			{Kind: stream.KindDone},
		},
	}}}, withExitPhrases("goodbye"))

	_ = h.ctrl.Wake()
	h.waitState(t, Listening)
	h.utterance(recording.Accepted)
	h.waitState(t, Processing)
	h.waitState(t, Idle)

	if h.ctrl.Machine().Active() {
		t.Error("conversation still active after exit phrase")
	}
	if !h.disp.Contains(display.RoleAssistant, "Bye.") {
		t.Error("reply to the exit phrase not displayed")
	}
}

func TestController_SetExitPhrasesAppliesToNextTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, &assistantmock.Backend{Chat: []assistantmock.Response{{
		Events: []stream.Event{
			{Kind: stream.KindTextDelta, Text: "See you."},
			{Kind: stream.KindDone},
		},
	}}})
	h.ctrl.SetExitPhrases(phrase.New([]string{"see you later"}))

	_ = h.ctrl.Wake()
	h.waitState(t, Listening)
	if err := h.ctrl.SendText("see you later"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	h.waitState(t, Processing)
	h.waitState(t, Idle)

	if h.ctrl.Machine().Active() {
		t.Error("conversation still active after a reloaded exit phrase")
	}
}

func TestController_GreetingPlaysBeforeListening(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Greeting: "Hello there"}, &assistantmock.Backend{Greet: []assistantmock.Response{{
		Events: []stream.Event{
			{Kind: stream.KindAssistantID, AssistantID: "asst_9"},
			chunk("hi"),
			{Kind: stream.KindDone, FullText: "Hi, how can I help?", AudioChunks: 1},
		},
	}}})
	h.player.Hold = false

	if err := h.ctrl.Wake(); err != nil {
		t.Fatalf("Wake: %v", err)
	}
	h.waitState(t, Processing)
	if h.rec.Recording() {
		t.Error("recording while the greeting is processed")
	}
	h.waitState(t, Speaking)
	h.waitState(t, Listening)

	if len(h.backend.GreetingCalls) != 1 || h.backend.GreetingCalls[0].Message != "Hello there" {
		t.Errorf("greeting calls = %+v", h.backend.GreetingCalls)
	}
	if id, _ := h.ids.Load(context.Background()); id.AssistantID != "asst_9" {
		t.Errorf("stored assistant id = %q, want asst_9", id.AssistantID)
	}
	if !h.rec.Recording() {
		t.Error("recorder not started after greeting")
	}
}

func TestController_SendTextCarriesThread(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Language: "de-DE"}, &assistantmock.Backend{Chat: []assistantmock.Response{
		{Events: []stream.Event{
			{Kind: stream.KindThreadID, ThreadID: "thread_7"},
			{Kind: stream.KindTextDelta, Text: "first"},
			{Kind: stream.KindDone},
		}},
		{Events: []stream.Event{{Kind: stream.KindDone, FullText: "second"}}},
	}})

	_ = h.ctrl.SendText("one")
	h.waitState(t, Processing)
	h.waitState(t, Idle)
	_ = h.ctrl.SendText("two")
	h.waitState(t, Processing)
	h.waitState(t, Idle)

	_, chats := h.backend.Snapshot()
	if len(chats) != 2 {
		t.Fatalf("chat calls = %d, want 2", len(chats))
	}
	if chats[0].ThreadID != "" {
		t.Errorf("first call thread = %q, want empty", chats[0].ThreadID)
	}
	if chats[1].ThreadID != "thread_7" || chats[1].Language != "de-DE" {
		t.Errorf("second call = %+v, want thread_7 and de-DE", chats[1])
	}
	got := h.disp.Messages(display.RoleAssistant)
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("assistant messages = %q, want [first second]", got)
	}
}

func TestController_LeavingIdleCancelsWakeBurst(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, &assistantmock.Backend{Chat: []assistantmock.Response{
		{Events: []stream.Event{{Kind: stream.KindDone, FullText: "ok"}}},
	}})

	_ = h.ctrl.SendText("hello")
	h.waitState(t, Processing)
	if n := h.rec.BurstCancels(); n != 1 {
		t.Errorf("burst cancels after leaving idle = %d, want 1", n)
	}
	h.waitState(t, Idle)
	if n := h.rec.BurstCancels(); n != 1 {
		t.Errorf("burst cancels after returning to idle = %d, want 1", n)
	}
}

func TestController_SendTextEmpty(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, &assistantmock.Backend{})
	if err := h.ctrl.SendText("   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("SendText(blank) error = %v, want ErrEmptyMessage", err)
	}
}

func TestController_DeviceErrorEndsConversation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, &assistantmock.Backend{})
	h.rec.startErr = fmt.Errorf("%w: no microphone", recording.ErrDevice)

	_ = h.ctrl.Wake()
	h.waitState(t, Listening)
	h.waitState(t, Idle)

	if h.ctrl.Machine().Active() {
		t.Error("conversation still active after device error")
	}
	waitFor(t, "device message", func() bool {
		return h.disp.Contains(display.RoleSystem, "no microphone")
	})
}

func TestController_EndConversationStopsPlayback(t *testing.T) {
	t.Parallel()

	p := assistantmock.NewPipe()
	h := newHarness(t, Config{}, &assistantmock.Backend{Audio: []assistantmock.Response{{Pipe: p}}})

	_ = h.ctrl.Wake()
	h.waitState(t, Listening)
	h.utterance(recording.Accepted)
	h.waitState(t, Processing)
	go func() { _ = p.Send(chunk("a"), chunk("b")) }()
	h.waitState(t, Speaking)

	h.ctrl.EndConversation("user")
	h.waitState(t, Idle)

	if got := h.pq.Len(); got != 0 {
		t.Errorf("playback Len() = %d, want 0", got)
	}
	if h.rec.Recording() {
		t.Error("recorder still open after ending the conversation")
	}
	if !h.ctrl.CanListenForWakeWord() {
		t.Error("CanListenForWakeWord() = false after ending the conversation")
	}
}
