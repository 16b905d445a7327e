// Package mock provides a recording [display.Display] for tests.
package mock

import (
	"strings"
	"sync"

	"github.com/MrWong99/parley/internal/display"
)

// Call is one recorded display call.
type Call struct {
	Method    string
	Role      display.Role
	Text      string
	Streaming bool
	Tag       string
	Label     string
}

// Display records every call.
type Display struct {
	mu    sync.Mutex
	calls []Call
}

var _ display.Display = (*Display)(nil)

func (d *Display) record(c Call) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, c)
}

func (d *Display) AddMessage(role display.Role, text string, streaming bool) {
	d.record(Call{Method: "AddMessage", Role: role, Text: text, Streaming: streaming})
}

func (d *Display) AppendStreamingText(delta string) {
	d.record(Call{Method: "AppendStreamingText", Text: delta})
}

func (d *Display) FinishStreaming(final string) {
	d.record(Call{Method: "FinishStreaming", Text: final})
}

func (d *Display) UpdateStatus(tag, label string) {
	d.record(Call{Method: "UpdateStatus", Tag: tag, Label: label})
}

// Calls returns a copy of every recorded call.
func (d *Display) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// Messages returns the text of finished messages by role: non-streaming
// AddMessage calls and FinishStreaming results.
func (d *Display) Messages(role display.Role) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var (
		out       []string
		streaming display.Role
	)
	for _, c := range d.calls {
		switch c.Method {
		case "AddMessage":
			if c.Streaming {
				streaming = c.Role
			} else if c.Role == role {
				out = append(out, c.Text)
			}
		case "FinishStreaming":
			if streaming == role {
				out = append(out, c.Text)
			}
			streaming = ""
		}
	}
	return out
}

// Statuses returns the tags of all UpdateStatus calls in order.
func (d *Display) Statuses() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, c := range d.calls {
		if c.Method == "UpdateStatus" {
			out = append(out, c.Tag)
		}
	}
	return out
}

// Contains reports whether any message of role contains sub.
func (d *Display) Contains(role display.Role, sub string) bool {
	for _, m := range d.Messages(role) {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}
