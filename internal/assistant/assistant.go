// Package assistant talks to the remote conversational backend.
//
// The backend accepts recorded utterances and typed messages and answers with
// a text/event-stream of [stream.Event] values: the transcript of what the
// user said, session identifiers, text deltas, synthesized audio chunks and a
// final done event. It also classifies short recordings for the wake word.
//
// [Client] is the HTTP implementation of [Backend]. Failures are reported as
// [*Error] values classified by [ErrorKind].
package assistant

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/parley/internal/stream"
)

// DefaultLanguage is the transcription language sent with audio turns when
// none is configured.
const DefaultLanguage = "en-IN"

// Backend is the assistant surface the conversation depends on.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// SendAudio uploads a recorded utterance (WAV) and returns the response
	// stream.
	SendAudio(ctx context.Context, req AudioRequest) (*Stream, error)

	// SendChat sends a typed message and returns the response stream.
	SendChat(ctx context.Context, req ChatRequest) (*Stream, error)

	// Greeting asks the assistant to voice a greeting for a fresh
	// conversation.
	Greeting(ctx context.Context, req GreetingRequest) (*Stream, error)

	// DetectWakeWord classifies a short WAV recording.
	DetectWakeWord(ctx context.Context, wav []byte) (WakeWordResult, error)

	// Health returns nil when the backend answers its status endpoint.
	Health(ctx context.Context) error
}

// AudioRequest is one spoken turn.
type AudioRequest struct {
	// Audio is a complete WAV file.
	Audio       []byte
	ThreadID    string
	AssistantID string
	Language    string
}

// ChatRequest is one typed turn.
type ChatRequest struct {
	Message     string
	ThreadID    string
	AssistantID string
	Language    string
}

// GreetingRequest asks for a voiced greeting.
type GreetingRequest struct {
	Message     string
	AssistantID string
}

// WakeWordResult is the classification of one burst.
type WakeWordResult struct {
	Detected bool
	Score    float64

	// Available is false when the backend has no wake-word model loaded.
	Available bool
}

// Stream is an open response. Callers must Close it.
type Stream struct {
	r     *stream.Reader
	body  io.Closer
	close sync.Once
	err   error
}

// NewStream wraps an SSE response body.
func NewStream(body io.ReadCloser) *Stream {
	return &Stream{r: stream.NewReader(body), body: body}
}

// Next returns the next event, or io.EOF at the end of the response.
func (s *Stream) Next() (stream.Event, error) {
	return s.r.Next()
}

// Close releases the response body. It is safe to call more than once.
func (s *Stream) Close() error {
	s.close.Do(func() { s.err = s.body.Close() })
	return s.err
}
