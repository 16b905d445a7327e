package stream

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// ErrMalformedError is returned when a frame that announces itself as an
// error event cannot be decoded. Other malformed frames are skipped.
var ErrMalformedError = errors.New("stream: malformed error event")

// maxBuffered bounds the bytes held for a single unterminated frame.
const maxBuffered = 16 << 20

// Parser splits a text/event-stream byte stream into events. Feed it bytes in
// arbitrary chunks. A Parser is not safe for concurrent use.
type Parser struct {
	buf []byte
}

// Feed appends p and returns every event completed by it, in order. Frames
// that fail to decode are logged and skipped, unless they were error events,
// in which case Feed returns the events before it and [ErrMalformedError].
func (p *Parser) Feed(chunk []byte) ([]Event, error) {
	p.buf = append(p.buf, chunk...)
	if bytes.IndexByte(p.buf, '\r') >= 0 {
		p.buf = bytes.ReplaceAll(p.buf, []byte("\r\n"), []byte("\n"))
	}

	var events []Event
	for {
		i := bytes.Index(p.buf, []byte("\n\n"))
		if i < 0 {
			break
		}
		frame := p.buf[:i]
		p.buf = p.buf[i+2:]

		ev, ok, err := decodeFrame(frame)
		if err != nil {
			return events, err
		}
		if ok {
			events = append(events, ev)
		}
	}
	if len(p.buf) > maxBuffered {
		p.buf = nil
		return events, fmt.Errorf("stream: event exceeds %d bytes", maxBuffered)
	}
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return events, nil
}

// Flush decodes a trailing frame that was not terminated by a blank line.
func (p *Parser) Flush() ([]Event, error) {
	frame := bytes.TrimSpace(p.buf)
	p.buf = nil
	if len(frame) == 0 {
		return nil, nil
	}
	ev, ok, err := decodeFrame(frame)
	if err != nil || !ok {
		return nil, err
	}
	return []Event{ev}, nil
}

// decodeFrame joins the data lines of one frame and decodes the payload.
// ok is false for frames that carry nothing usable.
func decodeFrame(frame []byte) (Event, bool, error) {
	var data []byte
	for line := range bytes.Lines(frame) {
		line = bytes.TrimRight(line, "\n")
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue // comments, event:, id:, retry:
		}
		d := line[len("data:"):]
		if len(d) > 0 && d[0] == ' ' {
			d = d[1:]
		}
		data = append(data, d...)
	}
	if len(data) == 0 {
		return Event{}, false, nil
	}

	ev, err := decode(data)
	if err == nil {
		return ev, ev.Kind != KindUnknown, nil
	}
	if looksLikeError(data) {
		return Event{}, false, fmt.Errorf("%w: %w", ErrMalformedError, err)
	}
	slog.Warn("stream: skipping malformed event", "err", err, "bytes", len(data))
	return Event{}, false, nil
}

func decode(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, err
	}

	kind, ok := wireKinds[w.Type]
	if !ok {
		slog.Debug("stream: ignoring unknown event type", "type", w.Type)
		return Event{}, nil
	}

	ev := Event{
		Kind:        kind,
		Text:        w.Text,
		AssistantID: w.AssistantID,
		ThreadID:    w.ThreadID,
		FullText:    w.FullText,
		Emotion:     w.Emotion,
		AudioChunks: w.AudioChunks,
		Error:       w.Error,
		ErrorType:   w.ErrorType,
		ErrorID:     w.ErrorID,
	}
	if kind == KindAudioChunk {
		audio, err := base64.StdEncoding.DecodeString(w.Audio)
		if err != nil {
			return Event{}, fmt.Errorf("decode audio: %w", err)
		}
		if len(audio) == 0 {
			return Event{}, errors.New("empty audio chunk")
		}
		ev.Audio = audio
	}
	if kind == KindError && ev.Error == "" {
		ev.Error = "unknown error"
	}
	return ev, nil
}

// looksLikeError reports whether an undecodable payload was an error event.
func looksLikeError(data []byte) bool {
	compact := bytes.Join(bytes.Fields(data), nil)
	return bytes.Contains(compact, []byte(`"type":"error"`))
}

// Reader pulls events from an io.Reader.
type Reader struct {
	r       io.Reader
	p       Parser
	pending []Event
	buf     []byte
	err     error
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, buf: make([]byte, 32<<10)}
}

// Next returns the next event. It returns io.EOF once the stream ended
// cleanly and every event was delivered.
func (r *Reader) Next() (Event, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return Event{}, r.err
		}
		n, err := r.r.Read(r.buf)
		if n > 0 {
			evs, perr := r.p.Feed(r.buf[:n])
			r.pending = append(r.pending, evs...)
			if perr != nil {
				r.err = perr
				continue
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				evs, ferr := r.p.Flush()
				r.pending = append(r.pending, evs...)
				if ferr != nil {
					r.err = ferr
				} else {
					r.err = io.EOF
				}
			} else {
				r.err = err
			}
		}
	}
	ev := r.pending[0]
	r.pending[0] = Event{}
	r.pending = r.pending[1:]
	return ev, nil
}
