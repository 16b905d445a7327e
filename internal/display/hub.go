package display

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/internal/observe"
)

const (
	defaultHistory      = 50
	defaultClientBuffer = 256
	defaultPingInterval = 30 * time.Second
	writeTimeout        = 5 * time.Second
)

// Frame is one JSON message pushed to websocket clients.
type Frame struct {
	Type      string  `json:"type"`
	Role      Role    `json:"role,omitempty"`
	Text      string  `json:"text,omitempty"`
	Streaming bool    `json:"streaming,omitempty"`
	Tag       string  `json:"tag,omitempty"`
	Label     string  `json:"label,omitempty"`
	Emotion   string  `json:"emotion,omitempty"`
	Intensity float64 `json:"intensity,omitempty"`
	Audio     string  `json:"audio,omitempty"`
}

// Frame types.
const (
	FrameMessage      = "message"
	FrameAppend       = "append"
	FrameFinish       = "finish"
	FrameStatus       = "status"
	FrameEmotion      = "emotion"
	FrameLipSyncStart = "lipsync_start"
	FrameLipSyncStop  = "lipsync_stop"
)

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithHistory sets how many finished chat messages are replayed to a newly
// connected client. Zero disables replay.
func WithHistory(n int) HubOption {
	return func(h *Hub) { h.history = n }
}

// WithClientBuffer sets the per-client send buffer. Clients that fall this
// far behind are disconnected.
func WithClientBuffer(n int) HubOption {
	return func(h *Hub) { h.buffer = n }
}

// WithOriginPatterns allows cross-origin browser clients whose host matches
// one of patterns.
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) { h.origins = patterns }
}

// WithPingInterval sets the keepalive interval. Zero disables pings.
func WithPingInterval(d time.Duration) HubOption {
	return func(h *Hub) { h.ping = d }
}

// WithHubMetrics records connected clients on m.
func WithHubMetrics(m *observe.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// Hub is a [Display] that broadcasts chat updates to websocket clients. It
// also carries avatar cues (emotion, lip-sync) so a browser page can render
// the avatar next to the chat.
//
// Hub is an http.Handler; mount it on the websocket route.
type Hub struct {
	history int
	buffer  int
	origins []string
	ping    time.Duration
	metrics *observe.Metrics

	mu         sync.Mutex
	clients    map[*hubClient]struct{}
	backlog    [][]byte
	streamRole Role
	stream     strings.Builder
	closed     bool
}

type hubClient struct {
	send   chan []byte
	done   chan struct{}
	status websocket.StatusCode
	reason string
}

var _ Display = (*Hub)(nil)

// NewHub creates an empty Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		history: defaultHistory,
		buffer:  defaultClientBuffer,
		ping:    defaultPingInterval,
		clients: make(map[*hubClient]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams frames until the client goes
// away, falls behind or the hub closes. Incoming messages are ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		slog.Debug("display: websocket accept failed", "err", err)
		return
	}

	c := &hubClient{send: make(chan []byte, max(h.buffer, h.history)), done: make(chan struct{})}
	if !h.register(c) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.unregister(c)

	ctx := conn.CloseRead(r.Context())
	var pings <-chan time.Time
	if h.ping > 0 {
		t := time.NewTicker(h.ping)
		defer t.Stop()
		pings = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			conn.Close(c.status, c.reason)
			return
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				slog.Debug("display: websocket write failed", "err", err)
				return
			}
		case <-pings:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// Close disconnects every client. Later connections are refused.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.kickLocked(c, websocket.StatusGoingAway, "shutting down")
	}
	return nil
}

func (h *Hub) register(c *hubClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	for _, msg := range h.backlog {
		c.send <- msg
	}
	h.clients[c] = struct{}{}
	h.metrics.DisplayClients.Add(context.Background(), 1)
	return true
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.metrics.DisplayClients.Add(context.Background(), -1)
	}
}

// kickLocked schedules c for disconnection. Must be called with h.mu held.
func (h *Hub) kickLocked(c *hubClient, status websocket.StatusCode, reason string) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	h.metrics.DisplayClients.Add(context.Background(), -1)
	c.status, c.reason = status, reason
	close(c.done)
}

func (h *Hub) broadcast(f Frame, keep bool) {
	msg, err := json.Marshal(f)
	if err != nil {
		slog.Warn("display: encode frame", "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if keep {
		h.keepLocked(msg)
	}
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slog.Warn("display: dropping slow websocket client")
			h.kickLocked(c, websocket.StatusPolicyViolation, "client too slow")
		}
	}
}

func (h *Hub) AddMessage(role Role, text string, streaming bool) {
	if streaming {
		h.mu.Lock()
		h.streamRole = role
		h.stream.Reset()
		h.stream.WriteString(text)
		h.mu.Unlock()
	}
	h.broadcast(Frame{Type: FrameMessage, Role: role, Text: text, Streaming: streaming}, !streaming)
}

func (h *Hub) AppendStreamingText(delta string) {
	h.mu.Lock()
	h.stream.WriteString(delta)
	h.mu.Unlock()
	h.broadcast(Frame{Type: FrameAppend, Text: delta}, false)
}

func (h *Hub) FinishStreaming(final string) {
	h.mu.Lock()
	if final == "" {
		final = h.stream.String()
	}
	role := h.streamRole
	h.stream.Reset()
	h.mu.Unlock()
	if role == "" {
		role = RoleAssistant
	}
	h.broadcast(Frame{Type: FrameFinish, Text: final}, false)
	h.keep(Frame{Type: FrameMessage, Role: role, Text: final})
}

func (h *Hub) UpdateStatus(tag, label string) {
	h.broadcast(Frame{Type: FrameStatus, Tag: tag, Label: label}, false)
}

// SetEmotion forwards an avatar emotion cue.
func (h *Hub) SetEmotion(_ context.Context, tag string, intensity float64) error {
	h.broadcast(Frame{Type: FrameEmotion, Emotion: tag, Intensity: intensity}, false)
	return nil
}

// StartLipSync forwards the clip that starts playing so the page can drive
// mouth shapes from it.
func (h *Hub) StartLipSync(_ context.Context, clip []byte) error {
	h.broadcast(Frame{Type: FrameLipSyncStart, Audio: base64.StdEncoding.EncodeToString(clip)}, false)
	return nil
}

// StopLipSync ends the current lip-sync cue.
func (h *Hub) StopLipSync(context.Context) error {
	h.broadcast(Frame{Type: FrameLipSyncStop}, false)
	return nil
}

// keep appends a finished message to the replay backlog without sending it.
func (h *Hub) keep(f Frame) {
	msg, err := json.Marshal(f)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keepLocked(msg)
}

func (h *Hub) keepLocked(msg []byte) {
	if h.history <= 0 {
		return
	}
	if len(h.backlog) == h.history {
		copy(h.backlog, h.backlog[1:])
		h.backlog = h.backlog[:h.history-1]
	}
	h.backlog = append(h.backlog, msg)
}
