// Package stream parses the assistant's text/event-stream responses into
// typed events.
//
// Each event is a `data: <json>` frame terminated by a blank line. Payloads
// carry a "type" discriminator; see [Kind] for the recognised values.
package stream

import "fmt"

// Kind discriminates [Event] values.
type Kind int

const (
	KindUnknown Kind = iota
	KindInputText
	KindAssistantID
	KindThreadID
	KindTextDelta
	KindAudioChunk
	KindDone
	KindError
)

var kindNames = map[Kind]string{
	KindUnknown:     "unknown",
	KindInputText:   "input_text",
	KindAssistantID: "assistant_id",
	KindThreadID:    "thread_id",
	KindTextDelta:   "text",
	KindAudioChunk:  "audio_chunk",
	KindDone:        "done",
	KindError:       "error",
}

var wireKinds = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, v := range kindNames {
		if k != KindUnknown {
			m[v] = k
		}
	}
	return m
}()

// String returns the wire name of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Emotion is the affect the assistant attached to a finished response.
type Emotion struct {
	Tag       string  `json:"emotion"`
	Intensity float64 `json:"intensity"`
}

// Event is one parsed server-sent event. Only the fields relevant to Kind
// are set.
type Event struct {
	Kind Kind

	// Text is the transcript (InputText), the delta (TextDelta) or the
	// sentence an audio chunk voices (AudioChunk).
	Text string

	AssistantID string
	ThreadID    string

	// Audio is the decoded audio payload of an AudioChunk.
	Audio []byte

	// FullText and Emotion are set on Done when the server provides them.
	FullText string
	Emotion  *Emotion

	// AudioChunks is the number of audio chunks a greeting Done reports.
	AudioChunks int

	// Error fields of an Error event.
	Error     string
	ErrorType string
	ErrorID   string
}

// wireEvent is the JSON payload of one frame.
type wireEvent struct {
	Type        string   `json:"type"`
	Text        string   `json:"text"`
	AssistantID string   `json:"assistant_id"`
	ThreadID    string   `json:"thread_id"`
	Audio       string   `json:"audio"`
	FullText    string   `json:"full_text"`
	Emotion     *Emotion `json:"emotion"`
	AudioChunks int      `json:"audio_chunks"`
	Error       string   `json:"error"`
	ErrorType   string   `json:"error_type"`
	ErrorID     string   `json:"error_id"`
}
