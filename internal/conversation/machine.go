// Package conversation drives the turn-taking voice conversation: a state
// machine that owns the conversation state and session, and a [Controller]
// that moves utterances and typed messages through the assistant and back
// out through the display and the speaker.
package conversation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidTransition is returned for a transition the state graph does
	// not allow. The state is left unchanged.
	ErrInvalidTransition = errors.New("conversation: invalid state transition")

	// ErrStaleTurn is returned when a turn that has since been superseded
	// tries to change the state.
	ErrStaleTurn = errors.New("conversation: stale turn")
)

// State is the single conversation state.
type State int

const (
	// Idle waits for the wake word or a manual trigger.
	Idle State = iota
	// Listening has the microphone recording an utterance.
	Listening
	// Processing has a turn in flight to the assistant.
	Processing
	// Speaking plays the assistant's reply.
	Speaking
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case Speaking:
		return "speaking"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// allowed[from][to] lists the edges of the state graph.
var allowed = [4][4]bool{
	Idle:       {Listening: true, Processing: true},
	Listening:  {Idle: true, Processing: true},
	Processing: {Idle: true, Listening: true, Speaking: true},
	Speaking:   {Idle: true, Listening: true, Processing: true},
}

func canTransition(from, to State) bool {
	if from < Idle || from > Speaking || to < Idle || to > Speaking {
		return false
	}
	return allowed[from][to]
}

// Turn identifies one request/response exchange. Every new turn and every
// reset gets a higher number, so work belonging to an older turn can be
// recognised and ignored.
type Turn uint64

// Session is one active conversation, from wake to deactivation. ThreadID
// and AssistantID outlive the session: they are carried into the next one.
type Session struct {
	ID          string
	ThreadID    string
	AssistantID string
	StartedAt   time.Time
}

// Transition describes one applied state change.
type Transition struct {
	From, To State
	Reason   string
	Turn     Turn

	// Session and Active are snapshots taken when the change was applied.
	Session Session
	Active  bool
}

// Machine owns the conversation state, the current turn and the session.
// Every change goes through its methods; observers registered with
// [Machine.Subscribe] see each applied transition exactly once, in the order
// the transitions were applied, and are called without the lock held.
//
// All exported methods are safe for concurrent use.
type Machine struct {
	mu          sync.Mutex
	state       State
	turn        Turn
	active      bool
	session     Session
	threadID    string
	assistantID string
	now         func() time.Time

	observers []func(Transition)
	pending   []Transition
	emitting  bool
}

// NewMachine returns a machine in [Idle] with no active conversation.
func NewMachine() *Machine {
	return &Machine{now: time.Now}
}

// Subscribe registers fn for every future transition. Observers may call
// back into the machine; transitions they cause are delivered after the
// current one has reached every observer.
func (m *Machine) Subscribe(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentTurn returns the number of the current turn.
func (m *Machine) CurrentTurn() Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turn
}

// Active reports whether a conversation is active.
func (m *Machine) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Session returns the active session, or a Session carrying only the
// remembered ids when no conversation is active.
func (m *Machine) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionLocked()
}

// Activate starts a new conversation session. It returns false and the
// running session when one is already active.
func (m *Machine) Activate() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return m.sessionLocked(), false
	}
	m.active = true
	m.session = Session{ID: uuid.NewString(), StartedAt: m.now()}
	slog.Info("conversation session started", "session_id", m.session.ID)
	return m.sessionLocked(), true
}

// Deactivate ends the active session. It reports whether one was active.
// The state is not changed; callers reset it separately.
func (m *Machine) Deactivate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return false
	}
	slog.Info("conversation session ended",
		"session_id", m.session.ID,
		"duration", m.now().Sub(m.session.StartedAt),
	)
	m.active = false
	m.session = Session{}
	return true
}

// SetThreadID records the thread id announced by the assistant.
// Last write wins.
func (m *Machine) SetThreadID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threadID = id
}

// SetAssistantID records the assistant id announced by the assistant.
// Last write wins.
func (m *Machine) SetAssistantID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assistantID = id
}

// Transition moves to `to` if the state graph allows it. A transition to
// the current state is a no-op.
func (m *Machine) Transition(to State, reason string) error {
	m.mu.Lock()
	err := m.applyLocked(to, reason)
	m.mu.Unlock()
	m.emit()
	return err
}

// TransitionFrom moves from `from` to `to`, failing with
// [ErrInvalidTransition] when the machine is not in `from`.
func (m *Machine) TransitionFrom(from, to State, reason string) error {
	m.mu.Lock()
	var err error
	if m.state != from {
		err = fmt.Errorf("%w: in %s, not %s", ErrInvalidTransition, m.state, from)
	} else {
		err = m.applyLocked(to, reason)
	}
	m.mu.Unlock()
	m.emit()
	return err
}

// TransitionTurn moves to `to` on behalf of turn. It fails with
// [ErrStaleTurn] once a newer turn or a reset has happened.
func (m *Machine) TransitionTurn(turn Turn, to State, reason string) error {
	m.mu.Lock()
	var err error
	if turn != m.turn {
		err = ErrStaleTurn
	} else {
		err = m.applyLocked(to, reason)
	}
	m.mu.Unlock()
	m.emit()
	return err
}

// BeginTurn starts a new turn from [Idle] or [Listening] and moves to
// [Processing].
func (m *Machine) BeginTurn(reason string) (Turn, error) {
	return m.beginTurn(reason, Idle, Listening)
}

// Interrupt starts a new turn while [Speaking] and moves to [Processing].
// It is the state side of barge-in.
func (m *Machine) Interrupt(reason string) (Turn, error) {
	return m.beginTurn(reason, Speaking)
}

func (m *Machine) beginTurn(reason string, from ...State) (Turn, error) {
	m.mu.Lock()
	ok := false
	for _, s := range from {
		if m.state == s {
			ok = true
			break
		}
	}
	if !ok {
		st := m.state
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: cannot begin a turn in %s", ErrInvalidTransition, st)
	}
	m.turn++
	turn := m.turn
	_ = m.applyLocked(Processing, reason)
	m.mu.Unlock()
	m.emit()
	return turn, nil
}

// Reset returns to [Idle] from any state and invalidates the current turn.
// It returns the new turn number.
func (m *Machine) Reset(reason string) Turn {
	m.mu.Lock()
	m.turn++
	turn := m.turn
	if m.state != Idle {
		m.queueLocked(m.state, Idle, reason)
		m.state = Idle
	}
	m.mu.Unlock()
	m.emit()
	return turn
}

func (m *Machine) applyLocked(to State, reason string) error {
	from := m.state
	if from == to {
		return nil
	}
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	m.queueLocked(from, to, reason)
	return nil
}

func (m *Machine) queueLocked(from, to State, reason string) {
	slog.Debug("conversation state", "from", from, "to", to, "reason", reason, "turn", m.turn)
	m.pending = append(m.pending, Transition{
		From:    from,
		To:      to,
		Reason:  reason,
		Turn:    m.turn,
		Session: m.sessionLocked(),
		Active:  m.active,
	})
}

func (m *Machine) sessionLocked() Session {
	s := m.session
	s.ThreadID = m.threadID
	s.AssistantID = m.assistantID
	return s
}

// emit delivers pending transitions. Only one goroutine delivers at a time;
// transitions queued meanwhile are picked up by that goroutine.
func (m *Machine) emit() {
	m.mu.Lock()
	if m.emitting {
		m.mu.Unlock()
		return
	}
	m.emitting = true
	for len(m.pending) > 0 {
		tr := m.pending[0]
		m.pending = m.pending[1:]
		observers := m.observers
		m.mu.Unlock()
		for _, fn := range observers {
			fn(tr)
		}
		m.mu.Lock()
	}
	m.pending = nil
	m.emitting = false
	m.mu.Unlock()
}
