package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/parley/internal/assistant"
	"github.com/MrWong99/parley/internal/display"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/recording"
	"github.com/MrWong99/parley/internal/stream"
	"github.com/MrWong99/parley/pkg/audio/playback"
)

// ErrTimeout wraps [context.DeadlineExceeded] when an assistant request ran
// past the request timeout.
var ErrTimeout = errors.New("conversation: assistant request timed out")

type jobKind int

const (
	jobAudio jobKind = iota
	jobChat
	jobGreeting
)

func (k jobKind) String() string {
	switch k {
	case jobAudio:
		return "audio"
	case jobChat:
		return "chat"
	case jobGreeting:
		return "greeting"
	default:
		return fmt.Sprintf("jobKind(%d)", int(k))
	}
}

// job is one turn waiting in the processing queue.
type job struct {
	kind      jobKind
	utterance recording.Utterance
	text      string

	// exit ends the conversation once the reply has played.
	exit bool

	// turn is preassigned for barge-in and set by the handler otherwise.
	turn Turn
}

// handle runs one turn on the processing worker: open the request, consume
// the response stream and settle the state.
func (c *Controller) handle(ctx context.Context, j *job) error {
	if j.turn == 0 {
		turn, err := c.m.BeginTurn(j.kind.String())
		if err != nil {
			slog.Warn("turn skipped", "kind", j.kind, "err", err)
			return nil
		}
		j.turn = turn
	} else if c.m.CurrentTurn() != j.turn {
		return nil
	}

	ctx = observe.WithSession(ctx, c.m.Session().ID)
	ctx, span := observe.StartTurn(ctx, j.kind.String(), uint64(j.turn))
	defer span.End()

	start := time.Now()
	defer func() {
		c.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
	}()

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	st, err := c.open(reqCtx, j)
	if err != nil {
		err = requestErr(ctx, reqCtx, c.cfg.RequestTimeout, err)
		observe.Fail(span, err.Error(), err)
		return err
	}
	defer st.Close()
	stop := context.AfterFunc(reqCtx, func() { _ = st.Close() })
	defer stop()

	if err := c.consume(ctx, reqCtx, j, st, start); err != nil {
		observe.Fail(span, err.Error(), err)
		return err
	}
	return nil
}

func (c *Controller) open(ctx context.Context, j *job) (*assistant.Stream, error) {
	sess := c.m.Session()
	switch j.kind {
	case jobAudio:
		return c.deps.Backend.SendAudio(ctx, assistant.AudioRequest{
			Audio:       j.utterance.WAV(),
			ThreadID:    sess.ThreadID,
			AssistantID: sess.AssistantID,
			Language:    c.cfg.Language,
		})
	case jobChat:
		return c.deps.Backend.SendChat(ctx, assistant.ChatRequest{
			Message:     j.text,
			ThreadID:    sess.ThreadID,
			AssistantID: sess.AssistantID,
			Language:    c.cfg.Language,
		})
	default:
		return c.deps.Backend.Greeting(ctx, assistant.GreetingRequest{
			Message:     j.text,
			AssistantID: sess.AssistantID,
		})
	}
}

// consume reads the response stream of turn j until done, then waits for
// the queued audio and moves to Listening or Idle.
func (c *Controller) consume(ctx, reqCtx context.Context, j *job, st *assistant.Stream, start time.Time) error {
	var (
		reply     strings.Builder
		streaming bool
		chunks    int
		done      stream.Event
		exit      = j.exit
	)
	defer func() {
		// Close a message left open by a failed stream.
		if streaming {
			c.deps.Display.FinishStreaming(reply.String())
		}
	}()

read:
	for {
		ev, err := st.Next()
		if errors.Is(err, io.EOF) {
			slog.Debug("stream ended without done event", "turn", j.turn)
			break
		}
		if err != nil {
			return requestErr(ctx, reqCtx, c.cfg.RequestTimeout, fmt.Errorf("conversation: read stream: %w", err))
		}
		c.metrics.RecordStreamEvent(ctx, ev.Kind.String())

		switch ev.Kind {
		case stream.KindInputText:
			if ev.Text == "" {
				continue
			}
			c.deps.Display.AddMessage(display.RoleUser, ev.Text, false)
			if p, ok := c.exits.Load().Match(ev.Text); ok && c.m.Active() {
				slog.Info("exit phrase heard", "phrase", p)
				exit = true
			}
		case stream.KindAssistantID:
			c.m.SetAssistantID(ev.AssistantID)
			if err := c.deps.Identity.SetAssistantID(ctx, ev.AssistantID); err != nil {
				slog.Warn("failed to persist assistant id", "err", err)
			}
		case stream.KindThreadID:
			c.m.SetThreadID(ev.ThreadID)
			if err := c.deps.Identity.SetThreadID(ctx, ev.ThreadID); err != nil {
				slog.Warn("failed to persist thread id", "err", err)
			}
		case stream.KindTextDelta:
			if !streaming {
				c.deps.Display.AddMessage(display.RoleAssistant, "", true)
				streaming = true
			}
			c.deps.Display.AppendStreamingText(ev.Text)
			reply.WriteString(ev.Text)
		case stream.KindAudioChunk:
			if len(ev.Audio) == 0 {
				continue
			}
			if chunks == 0 {
				if err := c.m.TransitionTurn(j.turn, Speaking, "first audio"); err != nil {
					return superseded(err)
				}
				c.metrics.FirstAudioLatency.Record(ctx, time.Since(start).Seconds())
			}
			chunks++
			if err := c.push(j.turn, playback.Item{Audio: ev.Audio, Text: ev.Text}); err != nil {
				if errors.Is(err, ErrStaleTurn) {
					return nil
				}
				return fmt.Errorf("conversation: queue audio: %w", err)
			}
		case stream.KindDone:
			done = ev
			break read
		case stream.KindError:
			return assistant.FromEvent(ev)
		}
	}

	final := done.FullText
	if final == "" {
		final = reply.String()
	}
	switch {
	case streaming:
		c.deps.Display.FinishStreaming(final)
		streaming = false
	case final != "":
		c.deps.Display.AddMessage(display.RoleAssistant, final, false)
	}
	if e := done.Emotion; e != nil && e.Tag != "" {
		_ = c.deps.Avatar.SetEmotion(ctx, e.Tag, e.Intensity)
	}
	if done.AudioChunks > 0 && done.AudioChunks != chunks {
		slog.Debug("audio chunk count mismatch", "announced", done.AudioChunks, "received", chunks)
	}

	if chunks > 0 {
		if err := c.awaitPlayback(ctx); err != nil {
			return err
		}
	}

	if c.m.CurrentTurn() != j.turn {
		return nil
	}
	if exit {
		c.EndConversation("exit phrase")
		return nil
	}
	next := Idle
	if c.m.Active() {
		next = Listening
	}
	return superseded(c.m.TransitionTurn(j.turn, next, "turn complete"))
}

// awaitPlayback blocks until the playback queue drained. Playback still
// running after the drain timeout is stopped.
func (c *Controller) awaitPlayback(ctx context.Context) error {
	timer := time.NewTimer(c.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-c.deps.Playback.Idle():
		return nil
	case <-timer.C:
		n := c.deps.Playback.StopAll()
		slog.Warn("playback did not drain in time", "timeout", c.cfg.DrainTimeout, "dropped", n)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requestErr tells a cancelled turn apart from one that timed out.
func requestErr(ctx, reqCtx context.Context, timeout time.Duration, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if reqCtx.Err() != nil {
		return fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, context.DeadlineExceeded)
	}
	return err
}

// superseded drops ErrStaleTurn: a newer turn or a reset owns the state.
func superseded(err error) error {
	if errors.Is(err, ErrStaleTurn) {
		return nil
	}
	return err
}

// handleTurnError is the single reaction to a failed turn. It runs on the
// processing worker before the next turn starts.
func (c *Controller) handleTurnError(j *job, err error) {
	log := slog.With("turn", j.turn, "job", j.kind)

	if errors.Is(err, recording.ErrDevice) {
		c.HandleDeviceError(err)
		return
	}
	kind := errorKind(err)
	c.metrics.RecordAssistantError(c.ctx, kind)

	switch {
	case errors.Is(err, ErrTimeout):
		log.Warn("assistant request timed out", "err", err)
		c.deps.Display.AddMessage(display.RoleSystem, c.cfg.Apology, false)
		c.EndConversation("timeout")

	case assistant.KindOf(err) == assistant.KindNoSpeech:
		log.Debug("assistant heard no speech")
		if c.countDiscard() {
			return
		}
		c.settle(j.turn, "no speech")

	case assistant.KindOf(err) == assistant.KindRateLimit:
		wait := max(c.cfg.RateLimitCooldown, assistant.RetryAfter(err))
		log.Warn("rate limited", "cooldown", wait, "err", err)
		c.deps.Playback.StopAll()
		c.deps.Display.AddMessage(display.RoleSystem, rateLimitMessage(err, wait), false)
		c.pause(wait)

	default:
		log.Error("turn failed", "kind", kind, "err", err)
		c.deps.Playback.StopAll()
		c.deps.Display.AddMessage(display.RoleSystem, c.userMessage(err), false)
		c.settle(j.turn, kind)
	}
}

// settle returns from a failed turn to Listening or Idle.
func (c *Controller) settle(turn Turn, reason string) {
	next := Idle
	if c.m.Active() {
		next = Listening
	}
	if err := superseded(c.m.TransitionTurn(turn, next, reason)); err != nil {
		slog.Warn("could not settle after failed turn", "err", err)
		c.m.Reset(reason)
	}
}

// pause drops pending turns, goes Idle and resumes listening once the
// cooldown has passed, unless something else happened meanwhile.
func (c *Controller) pause(wait time.Duration) {
	c.queue.Reset()
	turn := c.m.Reset("rate limited")

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.cooldownUntil = time.Now().Add(wait)
	if c.cooldown != nil {
		c.cooldown.Stop()
	}
	c.cooldown = time.AfterFunc(wait, func() {
		if c.m.Active() {
			_ = c.m.TransitionTurn(turn, Listening, "cooldown over")
		}
	})
}

func (c *Controller) userMessage(err error) string {
	switch assistant.KindOf(err) {
	case assistant.KindQuota:
		return "The assistant's usage quota is exhausted. Please try again later."
	case assistant.KindAuth:
		return "The assistant rejected the request. Check the configured API key."
	default:
		return c.cfg.Apology
	}
}

func rateLimitMessage(err error, wait time.Duration) string {
	var aerr *assistant.Error
	if errors.As(err, &aerr) && strings.Contains(strings.ToLower(aerr.Message), "rate limit") {
		return aerr.Message
	}
	return fmt.Sprintf("Rate limit reached. Please wait %d seconds before trying again.", int(wait.Round(time.Second).Seconds()))
}

func errorKind(err error) string {
	if errors.Is(err, ErrTimeout) {
		return "timeout"
	}
	return assistant.KindOf(err).String()
}
