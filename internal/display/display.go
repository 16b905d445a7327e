// Package display is the chat display collaborator of a conversation.
//
// The conversation core never renders anything itself. It reports
// transcripts, streamed assistant text and state changes to a [Display].
// [Log] writes them to slog, [Hub] pushes them to browser clients over
// websockets and [Multi] fans out to several displays.
package display

import (
	"log/slog"
	"strings"
	"sync"
)

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Display receives chat and status updates. Implementations must be safe for
// concurrent use and must not block.
type Display interface {
	// AddMessage starts a new message. When streaming is true the text grows
	// through AppendStreamingText until FinishStreaming.
	AddMessage(role Role, text string, streaming bool)

	// AppendStreamingText appends delta to the open streaming message.
	AppendStreamingText(delta string)

	// FinishStreaming closes the streaming message with its final text.
	FinishStreaming(final string)

	// UpdateStatus shows the conversation state.
	UpdateStatus(tag, label string)
}

// Log is a [Display] that writes to slog. Streamed text is buffered and
// logged once at FinishStreaming.
type Log struct {
	logger *slog.Logger

	mu      sync.Mutex
	role    Role
	pending strings.Builder
}

var _ Display = (*Log)(nil)

// NewLog returns a Log writing to logger, or slog.Default when nil.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) AddMessage(role Role, text string, streaming bool) {
	if streaming {
		l.mu.Lock()
		l.role = role
		l.pending.Reset()
		l.pending.WriteString(text)
		l.mu.Unlock()
		return
	}
	l.logger.Info("chat", "role", string(role), "text", text)
}

func (l *Log) AppendStreamingText(delta string) {
	l.mu.Lock()
	l.pending.WriteString(delta)
	l.mu.Unlock()
}

func (l *Log) FinishStreaming(final string) {
	l.mu.Lock()
	role := l.role
	if final == "" {
		final = l.pending.String()
	}
	l.pending.Reset()
	l.mu.Unlock()
	if role == "" {
		role = RoleAssistant
	}
	l.logger.Info("chat", "role", string(role), "text", final)
}

func (l *Log) UpdateStatus(tag, label string) {
	l.logger.Debug("status", "state", tag, "label", label)
}

// Multi forwards every call to each display in order.
type Multi []Display

var _ Display = Multi(nil)

func (m Multi) AddMessage(role Role, text string, streaming bool) {
	for _, d := range m {
		d.AddMessage(role, text, streaming)
	}
}

func (m Multi) AppendStreamingText(delta string) {
	for _, d := range m {
		d.AppendStreamingText(delta)
	}
}

func (m Multi) FinishStreaming(final string) {
	for _, d := range m {
		d.FinishStreaming(final)
	}
}

func (m Multi) UpdateStatus(tag, label string) {
	for _, d := range m {
		d.UpdateStatus(tag, label)
	}
}
