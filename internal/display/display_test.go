package display

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLog_BuffersStreamedText(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := NewLog(slog.New(slog.NewTextHandler(&buf, nil)))

	l.AddMessage(RoleAssistant, "", true)
	l.AppendStreamingText("Hello ")
	l.AppendStreamingText("there")
	if buf.Len() != 0 {
		t.Fatalf("logged before FinishStreaming: %s", buf.String())
	}
	l.FinishStreaming("")

	out := buf.String()
	if !strings.Contains(out, `text="Hello there"`) || !strings.Contains(out, "role=assistant") {
		t.Errorf("log = %q, want accumulated assistant text", out)
	}
}

func TestLog_FinalTextWins(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := NewLog(slog.New(slog.NewTextHandler(&buf, nil)))
	l.AddMessage(RoleAssistant, "", true)
	l.AppendStreamingText("partial")
	l.FinishStreaming("complete answer")

	if !strings.Contains(buf.String(), `text="complete answer"`) {
		t.Errorf("log = %q, want final text", buf.String())
	}
}

type countingDisplay struct{ adds, appends, finishes, statuses int }

func (c *countingDisplay) AddMessage(Role, string, bool) { c.adds++ }
func (c *countingDisplay) AppendStreamingText(string)    { c.appends++ }
func (c *countingDisplay) FinishStreaming(string)        { c.finishes++ }
func (c *countingDisplay) UpdateStatus(string, string)   { c.statuses++ }

func TestMulti_FansOut(t *testing.T) {
	t.Parallel()

	a, b := &countingDisplay{}, &countingDisplay{}
	m := Multi{a, b}
	m.AddMessage(RoleUser, "hi", false)
	m.AppendStreamingText("x")
	m.FinishStreaming("x")
	m.UpdateStatus("idle", "Idle")

	for i, d := range []*countingDisplay{a, b} {
		if d.adds != 1 || d.appends != 1 || d.finishes != 1 || d.statuses != 1 {
			t.Errorf("display %d = %+v, want one of each", i, *d)
		}
	}
}
