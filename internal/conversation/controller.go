package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/assistant"
	"github.com/MrWong99/parley/internal/avatar"
	"github.com/MrWong99/parley/internal/display"
	"github.com/MrWong99/parley/internal/identity"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/phrase"
	"github.com/MrWong99/parley/internal/processing"
	"github.com/MrWong99/parley/internal/recording"
	"github.com/MrWong99/parley/internal/segment"
	"github.com/MrWong99/parley/pkg/audio/playback"
)

// ErrEmptyMessage is returned by [Controller.SendText] for blank input.
var ErrEmptyMessage = errors.New("conversation: message is empty")

// Recorder is the microphone side the controller drives.
// [*recording.Recorder] implements it.
type Recorder interface {
	Start(ctx context.Context) error
	Stop() (recording.Utterance, recording.Outcome)
	CancelBurst()
}

// Playback is the speaker side the controller drives.
// [*playback.Queue] implements it.
type Playback interface {
	Push(it playback.Item) error
	StopAll() int
	Idle() <-chan struct{}
}

// Config tunes the controller. Zero values take the defaults noted on each
// field.
type Config struct {
	// Language is sent with every audio and chat turn. Default: "en-IN".
	Language string

	// Greeting, when set, is sent to the greeting endpoint right after a
	// wake and its reply is played before listening starts.
	Greeting string

	// Apology is shown when a turn fails for a transient or server reason.
	Apology string

	// RequestTimeout bounds one assistant request until its done event.
	// Default: 30s.
	RequestTimeout time.Duration

	// DrainTimeout bounds the wait for queued playback after done.
	// Default: 60s.
	DrainTimeout time.Duration

	// RateLimitCooldown is the minimum pause after a rate-limit error.
	// Default: 5s.
	RateLimitCooldown time.Duration

	// IdleRecordings ends an active conversation after this many
	// consecutive recordings without usable speech. Zero never ends it.
	IdleRecordings int

	// BargeIn keeps the microphone open while the assistant speaks, so a new
	// utterance interrupts the reply.
	BargeIn bool
}

const defaultApology = "Sorry, something went wrong while talking to the assistant. Please try again."

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = assistant.DefaultLanguage
	}
	if c.Apology == "" {
		c.Apology = defaultApology
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 60 * time.Second
	}
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = 5 * time.Second
	}
	return c
}

// Deps are the collaborators of a [Controller]. Recorder, Playback and
// Backend are required; the rest default to no-ops.
type Deps struct {
	Recorder    Recorder
	Playback    Playback
	Backend     assistant.Backend
	Display     display.Display
	Avatar      avatar.Avatar
	Identity    identity.Store
	ExitPhrases *phrase.Matcher
}

// Option configures a [Controller].
type Option func(*Controller)

// WithMetrics records controller metrics on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller wires the state machine to the recorder, the processing queue,
// the assistant backend and the playback queue. It is the single place that
// reacts to turn failures.
//
// All exported methods are safe for concurrent use.
type Controller struct {
	deps    Deps
	cfg     Config
	m       *Machine
	queue   *processing.Queue[*job]
	metrics *observe.Metrics
	exits   atomic.Pointer[phrase.Matcher]

	// ctx lives until Close; recordings and cooldown timers hang off it.
	ctx    context.Context
	cancel context.CancelFunc

	// playMu orders pushes of a turn's audio against the turn changes that
	// flush the playback queue, so a superseded turn cannot queue audio
	// after the flush.
	playMu sync.Mutex

	mu            sync.Mutex
	discards      int
	cooldownUntil time.Time
	cooldown      *time.Timer
	closed        bool
}

// New returns a controller in [Idle]. Call [Controller.Close] to stop it.
func New(deps Deps, cfg Config, opts ...Option) (*Controller, error) {
	if deps.Recorder == nil || deps.Playback == nil || deps.Backend == nil {
		return nil, errors.New("conversation: recorder, playback and backend are required")
	}
	if deps.Display == nil {
		deps.Display = display.Multi(nil)
	}
	if deps.Avatar == nil {
		deps.Avatar = avatar.Noop{}
	}
	if deps.Identity == nil {
		deps.Identity = identity.NewMemStore(identity.Identity{})
	}
	if deps.ExitPhrases == nil {
		deps.ExitPhrases = phrase.New(nil)
	}

	c := &Controller{deps: deps, cfg: cfg.withDefaults(), m: NewMachine()}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.exits.Store(deps.ExitPhrases)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.m.Subscribe(c.onTransition)
	c.queue = processing.New(c.handle, processing.WithOnError(c.handleTurnError))
	return c, nil
}

// Machine returns the controller's state machine.
func (c *Controller) Machine() *Machine { return c.m }

// LoadIdentity seeds the thread and assistant ids from the identity store.
func (c *Controller) LoadIdentity(ctx context.Context) error {
	id, err := c.deps.Identity.Load(ctx)
	if err != nil {
		return fmt.Errorf("conversation: load identity: %w", err)
	}
	c.m.SetThreadID(id.ThreadID)
	c.m.SetAssistantID(id.AssistantID)
	return nil
}

// Wake starts an active conversation, as after a detected wake word. With a
// greeting configured the greeting reply plays first; otherwise listening
// starts right away. Waking during an active conversation does nothing.
func (c *Controller) Wake() error {
	if !c.activate() {
		return nil
	}
	if c.cfg.Greeting != "" {
		return c.queue.Enqueue(&job{kind: jobGreeting, text: c.cfg.Greeting})
	}
	// A turn already in flight ends in Listening now that we are active.
	_ = c.m.TransitionFrom(Idle, Listening, "wake")
	return nil
}

// StartListening is the manual trigger: it activates a conversation if
// needed and starts recording when nothing else is going on.
func (c *Controller) StartListening() {
	c.activate()
	_ = c.m.TransitionFrom(Idle, Listening, "manual")
}

// EndConversation deactivates the conversation, drops queued and in-flight
// turns, stops playback and returns to [Idle].
func (c *Controller) EndConversation(reason string) {
	c.deactivate()
	c.queue.Reset()
	c.playMu.Lock()
	c.m.Reset(reason)
	c.deps.Playback.StopAll()
	c.playMu.Unlock()
}

// SendText sends a typed message through the same turn queue as spoken
// utterances. It is shown as a user message immediately.
func (c *Controller) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	c.deps.Display.AddMessage(display.RoleUser, text, false)
	j := &job{kind: jobChat, text: text}
	if _, ok := c.exits.Load().Match(text); ok && c.m.Active() {
		j.exit = true
	}
	return c.queue.Enqueue(j)
}

// SetExitPhrases swaps the exit phrase matcher. Turns already being
// processed may still use the previous one.
func (c *Controller) SetExitPhrases(m *phrase.Matcher) {
	if m == nil {
		m = phrase.New(nil)
	}
	c.exits.Store(m)
}

// CanListenForWakeWord reports whether the wake-word gate may use the
// microphone: nothing is going on and no rate-limit cooldown is running.
func (c *Controller) CanListenForWakeWord() bool {
	if c.m.State() != Idle || c.m.Active() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !time.Now().Before(c.cooldownUntil)
}

// HandleSegmentEvent receives the recorder's segmentation events. An ended
// utterance is collected and either queued as the next turn or, while the
// assistant is speaking, turned into a barge-in.
func (c *Controller) HandleSegmentEvent(ev segment.Event) {
	if ev.Kind != segment.UtteranceEnded {
		return
	}
	u, outcome := c.deps.Recorder.Stop()
	if outcome == recording.NotRecording {
		return
	}
	c.metrics.RecordUtterance(c.ctx, outcome.String())
	slog.Debug("utterance ended",
		"outcome", outcome,
		"reason", ev.Reason,
		"duration", u.Duration,
		"voiced", u.Decision.VoicedDuration,
	)

	if outcome == recording.Discarded {
		if c.m.State() == Listening && c.countDiscard() {
			return
		}
		c.resumeRecording()
		return
	}

	c.resetDiscards()
	j := &job{kind: jobAudio, utterance: u}
	if turn, dropped, ok := c.interrupt(); ok {
		j.turn = turn
		c.metrics.BargeIns.Add(c.ctx, 1)
		slog.Info("barge-in", "turn", turn, "dropped_chunks", dropped)
		if err := c.queue.Preempt(j); err != nil {
			slog.Warn("barge-in not queued", "err", err)
		}
	} else if err := c.queue.Enqueue(j); err != nil {
		slog.Warn("utterance not queued", "err", err)
		return
	}
	if c.cfg.BargeIn {
		c.resumeRecording()
	}
}

// interrupt starts a new turn if the assistant is speaking and flushes its
// remaining audio.
func (c *Controller) interrupt() (Turn, int, bool) {
	c.playMu.Lock()
	defer c.playMu.Unlock()
	turn, err := c.m.Interrupt("barge-in")
	if err != nil {
		return 0, 0, false
	}
	return turn, c.deps.Playback.StopAll(), true
}

// push queues audio for turn unless the turn has been superseded.
func (c *Controller) push(turn Turn, it playback.Item) error {
	c.playMu.Lock()
	defer c.playMu.Unlock()
	if c.m.CurrentTurn() != turn {
		return ErrStaleTurn
	}
	return c.deps.Playback.Push(it)
}

// HandleDeviceError is the single reaction to a failed capture or playback
// device: the conversation ends and the user is told.
func (c *Controller) HandleDeviceError(err error) {
	slog.Error("audio device failed", "err", err)
	c.metrics.RecordAssistantError(c.ctx, "device")
	c.deps.Display.AddMessage(display.RoleSystem, "Audio device error: "+err.Error(), false)
	c.EndConversation("device error")
}

// PlaybackStarted is the playback queue's start hook.
func (c *Controller) PlaybackStarted(it playback.Item) {
	_ = c.deps.Avatar.StartLipSync(c.ctx, it.Audio)
}

// PlaybackFinished is the playback queue's finish hook.
func (c *Controller) PlaybackFinished(it playback.Item, err error) {
	_ = c.deps.Avatar.StopLipSync(c.ctx)
	switch {
	case err == nil:
		c.metrics.RecordPlayback(c.ctx, "played")
	case errors.Is(err, context.Canceled):
		c.metrics.RecordPlayback(c.ctx, "interrupted")
	default:
		c.metrics.RecordPlayback(c.ctx, "failed")
		c.HandleDeviceError(fmt.Errorf("conversation: playback: %w", err))
	}
}

// Close stops the turn queue and any cooldown. The recorder and playback
// queue are owned by the caller. Close is idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.cooldown != nil {
		c.cooldown.Stop()
	}
	c.mu.Unlock()

	c.cancel()
	err := c.queue.Close()
	c.m.Reset("shutdown")
	c.deactivate()
	return err
}

// onTransition applies the side effects of a state change.
func (c *Controller) onTransition(tr Transition) {
	c.metrics.RecordTransition(c.ctx, tr.From.String(), tr.To.String())
	c.deps.Display.UpdateStatus(tr.To.String(), statusLabel(tr.To, tr.Active))

	// The wake-word gate only owns the microphone while idle.
	if tr.From == Idle && tr.To != Idle {
		c.deps.Recorder.CancelBurst()
	}

	switch tr.To {
	case Listening:
		if tr.Active {
			c.startRecording()
		}
	case Idle:
		c.stopRecording()
	case Processing:
		if !c.cfg.BargeIn {
			c.stopRecording()
		}
	}
}

func statusLabel(s State, active bool) string {
	switch s {
	case Listening:
		return "Listening..."
	case Processing:
		return "Thinking..."
	case Speaking:
		return "Speaking..."
	}
	if active {
		return "Paused"
	}
	return "Say the wake word"
}

func (c *Controller) startRecording() {
	if c.ctx.Err() != nil {
		return
	}
	if err := c.deps.Recorder.Start(c.ctx); err != nil {
		// The observer runs inside a transition; react once it is delivered.
		go c.HandleDeviceError(err)
	}
}

func (c *Controller) stopRecording() {
	if _, outcome := c.deps.Recorder.Stop(); outcome != recording.NotRecording {
		slog.Debug("recording dropped by state change", "outcome", outcome)
	}
}

// resumeRecording reopens the microphone after a recording ended without
// a state change that would have done so.
func (c *Controller) resumeRecording() {
	if !c.m.Active() {
		return
	}
	switch st := c.m.State(); {
	case st == Listening:
		c.startRecording()
	case c.cfg.BargeIn && st != Idle:
		c.startRecording()
	}
}

func (c *Controller) activate() bool {
	_, started := c.m.Activate()
	if started {
		c.metrics.ActiveConversations.Add(c.ctx, 1)
		c.resetDiscards()
	}
	return started
}

func (c *Controller) deactivate() {
	if c.m.Deactivate() {
		c.metrics.ActiveConversations.Add(c.ctx, -1)
	}
	c.resetDiscards()
}

// countDiscard counts a recording without usable speech and ends the
// conversation when the limit is reached. It reports whether it did.
func (c *Controller) countDiscard() bool {
	c.mu.Lock()
	c.discards++
	n := c.discards
	c.mu.Unlock()
	if c.cfg.IdleRecordings <= 0 || n < c.cfg.IdleRecordings {
		return false
	}
	slog.Info("conversation idle, returning to wake-word mode", "discarded", n)
	c.EndConversation("idle")
	return true
}

func (c *Controller) resetDiscards() {
	c.mu.Lock()
	c.discards = 0
	c.mu.Unlock()
}
