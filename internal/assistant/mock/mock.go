// Package mock provides a scriptable [assistant.Backend] for tests.
//
// Each call pops the next scripted [Response] for its endpoint. A response
// either fails, replays a fixed list of events, or streams events from a
// [Pipe] the test feeds while the consumer is running:
//
//	p := mock.NewPipe()
//	b := &mock.Backend{Audio: []mock.Response{{Pipe: p}}}
//	// ... trigger a turn ...
//	p.Send(stream.Event{Kind: stream.KindAudioChunk, Audio: clip})
//	p.Close()
package mock

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/MrWong99/parley/internal/assistant"
	"github.com/MrWong99/parley/internal/stream"
)

// ErrUnscripted is returned when a call has no scripted response left.
var ErrUnscripted = errors.New("mock: no scripted response")

// Response is the scripted result of one streaming call.
type Response struct {
	// Err, if non-nil, is returned instead of a stream.
	Err error

	// Events are replayed in order, then the stream ends.
	Events []stream.Event

	// Pipe, when set, takes precedence over Events.
	Pipe *Pipe
}

// WakeWordResponse is the scripted result of one DetectWakeWord call.
type WakeWordResponse struct {
	Result assistant.WakeWordResult
	Err    error
}

// Backend is a mock implementation of assistant.Backend.
type Backend struct {
	mu      sync.Mutex
	changed chan struct{}

	// Scripted responses, consumed front to back.
	Audio    []Response
	Chat     []Response
	Greet    []Response
	WakeWord []WakeWordResponse

	// DefaultWakeWord is returned once WakeWord is exhausted.
	DefaultWakeWord WakeWordResponse

	// HealthErr is returned by Health.
	HealthErr error

	// Recorded calls.
	AudioCalls    []assistant.AudioRequest
	ChatCalls     []assistant.ChatRequest
	GreetingCalls []assistant.GreetingRequest
	WakeWordCalls int
}

var _ assistant.Backend = (*Backend)(nil)

// SendAudio records the call and plays the next Audio response.
func (b *Backend) SendAudio(ctx context.Context, req assistant.AudioRequest) (*assistant.Stream, error) {
	b.mu.Lock()
	req.Audio = bytes.Clone(req.Audio)
	b.AudioCalls = append(b.AudioCalls, req)
	r, ok := pop(&b.Audio)
	b.notifyLocked()
	b.mu.Unlock()
	return open(r, ok)
}

// SendChat records the call and plays the next Chat response.
func (b *Backend) SendChat(ctx context.Context, req assistant.ChatRequest) (*assistant.Stream, error) {
	b.mu.Lock()
	b.ChatCalls = append(b.ChatCalls, req)
	r, ok := pop(&b.Chat)
	b.notifyLocked()
	b.mu.Unlock()
	return open(r, ok)
}

// Greeting records the call and plays the next Greet response.
func (b *Backend) Greeting(ctx context.Context, req assistant.GreetingRequest) (*assistant.Stream, error) {
	b.mu.Lock()
	b.GreetingCalls = append(b.GreetingCalls, req)
	r, ok := pop(&b.Greet)
	b.notifyLocked()
	b.mu.Unlock()
	return open(r, ok)
}

// DetectWakeWord records the call and returns the next WakeWord response.
func (b *Backend) DetectWakeWord(ctx context.Context, wav []byte) (assistant.WakeWordResult, error) {
	b.mu.Lock()
	b.WakeWordCalls++
	r, ok := pop(&b.WakeWord)
	if !ok {
		r = b.DefaultWakeWord
	}
	b.notifyLocked()
	b.mu.Unlock()
	return r.Result, r.Err
}

// Health returns HealthErr.
func (b *Backend) Health(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.HealthErr
}

// Calls returns the total number of calls made so far.
func (b *Backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callsLocked()
}

// WaitCalls blocks until at least n calls were made or ctx is done.
func (b *Backend) WaitCalls(ctx context.Context, n int) error {
	for {
		b.mu.Lock()
		if b.callsLocked() >= n {
			b.mu.Unlock()
			return nil
		}
		if b.changed == nil {
			b.changed = make(chan struct{})
		}
		ch := b.changed
		b.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Snapshot returns copies of the recorded audio and chat calls.
func (b *Backend) Snapshot() ([]assistant.AudioRequest, []assistant.ChatRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]assistant.AudioRequest(nil), b.AudioCalls...),
		append([]assistant.ChatRequest(nil), b.ChatCalls...)
}

func (b *Backend) callsLocked() int {
	return len(b.AudioCalls) + len(b.ChatCalls) + len(b.GreetingCalls) + b.WakeWordCalls
}

func (b *Backend) notifyLocked() {
	if b.changed != nil {
		close(b.changed)
		b.changed = nil
	}
}

func pop[T any](q *[]T) (T, bool) {
	var zero T
	if len(*q) == 0 {
		return zero, false
	}
	v := (*q)[0]
	*q = (*q)[1:]
	return v, true
}

func open(r Response, ok bool) (*assistant.Stream, error) {
	if !ok {
		return nil, ErrUnscripted
	}
	if r.Err != nil {
		return nil, r.Err
	}
	if r.Pipe != nil {
		return assistant.NewStream(r.Pipe.pr), nil
	}
	var buf bytes.Buffer
	for _, ev := range r.Events {
		buf.Write(Frame(ev))
	}
	return assistant.NewStream(io.NopCloser(&buf)), nil
}

// Pipe streams events to a consumer as the test sends them.
type Pipe struct {
	pr *io.PipeReader
	pw *io.PipeWriter
}

// NewPipe returns an open Pipe.
func NewPipe() *Pipe {
	pr, pw := io.Pipe()
	return &Pipe{pr: pr, pw: pw}
}

// Send writes evs and blocks until the consumer read them. It fails once
// the consumer closed the stream.
func (p *Pipe) Send(evs ...stream.Event) error {
	for _, ev := range evs {
		if _, err := p.pw.Write(Frame(ev)); err != nil {
			return err
		}
	}
	return nil
}

// Close ends the stream cleanly.
func (p *Pipe) Close() { _ = p.pw.Close() }

// Fail ends the stream with err.
func (p *Pipe) Fail(err error) { _ = p.pw.CloseWithError(err) }

// Frame encodes ev as one text/event-stream frame.
func Frame(ev stream.Event) []byte {
	w := map[string]any{"type": ev.Kind.String()}
	if ev.Text != "" {
		w["text"] = ev.Text
	}
	if ev.AssistantID != "" {
		w["assistant_id"] = ev.AssistantID
	}
	if ev.ThreadID != "" {
		w["thread_id"] = ev.ThreadID
	}
	if len(ev.Audio) > 0 {
		w["audio"] = base64.StdEncoding.EncodeToString(ev.Audio)
	}
	if ev.FullText != "" {
		w["full_text"] = ev.FullText
	}
	if ev.Emotion != nil {
		w["emotion"] = ev.Emotion
	}
	if ev.AudioChunks != 0 {
		w["audio_chunks"] = ev.AudioChunks
	}
	if ev.Error != "" {
		w["error"] = ev.Error
	}
	if ev.ErrorType != "" {
		w["error_type"] = ev.ErrorType
	}
	if ev.ErrorID != "" {
		w["error_id"] = ev.ErrorID
	}
	b, _ := json.Marshal(w)
	out := make([]byte, 0, len(b)+8)
	out = append(out, "data: "...)
	out = append(out, b...)
	return append(out, '\n', '\n')
}
