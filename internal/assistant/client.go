package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/parley/internal/observe"
)

// Endpoint paths relative to the base URL.
const (
	pathAudio    = "/audio"
	pathWakeWord = "/audio/wake-word"
	pathChats    = "/chats"
	pathGreeting = "/chats/greeting"
	pathStatus   = "/status"
)

// maxErrorBody bounds how much of a non-2xx body is read for the message.
const maxErrorBody = 4 << 10

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithHTTPClient replaces the default http.Client. Its Timeout must be zero
// or longer than a full response stream; use contexts for per-turn limits.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLanguage sets the transcription language used when a request leaves
// it empty.
func WithLanguage(lang string) Option {
	return func(c *Client) { c.language = lang }
}

// WithAPIKey sends key as a bearer token on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithMetrics records request latencies on m instead of the default
// instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client is the HTTP [Backend].
type Client struct {
	baseURL  string
	http     *http.Client
	language string
	apiKey   string
	metrics  *observe.Metrics
}

var _ Backend = (*Client)(nil)

// New creates a Client for the API rooted at baseURL
// (e.g. "http://localhost:5000/api").
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("assistant: base URL must not be empty")
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("assistant: base URL %q must be http or https", baseURL)
	}
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{},
		language: DefaultLanguage,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// BaseURL returns the API root this client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// SendAudio implements [Backend].
func (c *Client) SendAudio(ctx context.Context, req AudioRequest) (*Stream, error) {
	if len(req.Audio) == 0 {
		return nil, errors.New("assistant: audio must not be empty")
	}
	lang := req.Language
	if lang == "" {
		lang = c.language
	}
	body, contentType, err := multipartBody(req.Audio, map[string]string{
		"thread_id":    req.ThreadID,
		"assistant_id": req.AssistantID,
		"language":     lang,
	})
	if err != nil {
		return nil, err
	}
	return c.openStream(ctx, pathAudio, body, contentType)
}

// SendChat implements [Backend].
func (c *Client) SendChat(ctx context.Context, req ChatRequest) (*Stream, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("assistant: message must not be empty")
	}
	lang := req.Language
	if lang == "" {
		lang = c.language
	}
	payload := struct {
		Message     string `json:"message"`
		ThreadID    string `json:"thread_id,omitempty"`
		AssistantID string `json:"assistant_id,omitempty"`
		Language    string `json:"language,omitempty"`
	}{req.Message, req.ThreadID, req.AssistantID, lang}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("assistant: encode chat: %w", err)
	}
	return c.openStream(ctx, pathChats, bytes.NewReader(b), "application/json")
}

// Greeting implements [Backend].
func (c *Client) Greeting(ctx context.Context, req GreetingRequest) (*Stream, error) {
	payload := struct {
		Message     string `json:"message,omitempty"`
		AssistantID string `json:"assistant_id,omitempty"`
	}{req.Message, req.AssistantID}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("assistant: encode greeting: %w", err)
	}
	return c.openStream(ctx, pathGreeting, bytes.NewReader(b), "application/json")
}

// DetectWakeWord implements [Backend].
func (c *Client) DetectWakeWord(ctx context.Context, wav []byte) (WakeWordResult, error) {
	if len(wav) == 0 {
		return WakeWordResult{}, errors.New("assistant: wake-word audio must not be empty")
	}
	body, contentType, err := multipartBody(wav, nil)
	if err != nil {
		return WakeWordResult{}, err
	}
	resp, err := c.do(ctx, http.MethodPost, pathWakeWord, body, contentType, "application/json")
	if err != nil {
		return WakeWordResult{}, err
	}
	defer resp.Body.Close()

	var wr struct {
		Detected  bool    `json:"wake_word_detected"`
		Score     float64 `json:"wake_word_score"`
		Available bool    `json:"wake_word_available"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return WakeWordResult{}, &Error{Kind: KindServer, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode wake-word response: %w", err)}
	}
	return WakeWordResult{Detected: wr.Detected, Score: wr.Score, Available: wr.Available}, nil
}

// Health implements [Backend].
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, pathStatus, nil, "", "application/json")
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	return resp.Body.Close()
}

// openStream posts body to path and wraps the SSE response.
func (c *Client) openStream(ctx context.Context, path string, body io.Reader, contentType string) (*Stream, error) {
	resp, err := c.do(ctx, http.MethodPost, path, body, contentType, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return NewStream(resp.Body), nil
}

// do sends one request and returns the response when the status is 2xx.
// Any other status is drained, closed and classified.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType, accept string) (*http.Response, error) {
	ctx, span := observe.StartRequest(ctx, path)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("assistant: build request %s: %w", path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", accept)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	observe.InjectHTTP(ctx, req.Header)

	start := time.Now()
	resp, err := c.http.Do(req)
	c.metrics.AssistantRequestDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("endpoint", path)))
	if err != nil {
		observe.Fail(span, "transport", err)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("assistant: %s: %w", path, ctx.Err())
		}
		return nil, &Error{Kind: KindTransient, Err: err}
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		e := fromStatus(resp.StatusCode, errorMessage(raw), resp.Header.Get("Retry-After"))
		observe.Fail(span, e.Kind.String(), nil)
		observe.Logger(ctx).Warn("assistant request failed",
			"endpoint", path,
			"status", resp.StatusCode,
			"kind", e.Kind.String(),
			"message", e.Message,
		)
		return nil, e
	}
	return resp, nil
}

// errorMessage extracts {"error": "..."} from a JSON body and falls back to
// the trimmed raw text.
func errorMessage(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}

// multipartBody builds a multipart form with the audio file and the
// non-empty fields.
func multipartBody(audio []byte, fields map[string]string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("audio", "recording.wav")
	if err != nil {
		return nil, "", fmt.Errorf("assistant: multipart: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return nil, "", fmt.Errorf("assistant: multipart: %w", err)
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("assistant: multipart field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("assistant: multipart: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
