// Package segment turns per-frame voice decisions into utterance boundaries.
//
// A [Segmenter] tracks one recording. It debounces voice onset, applies an
// adaptive silence threshold that tolerates long pauses early in an utterance
// and short ones once it is underway, enforces a hard recording ceiling and
// decides whether the finished recording is worth sending.
//
// Two paths can end an utterance: [Segmenter.OnFrameResult], driven by the
// voice activity detector, and [Segmenter.Tick], a time-based fallback that
// only looks at the time since voice was last seen. Both use the same
// threshold so they agree within one tick.
//
// A Segmenter is not safe for concurrent use.
package segment

import (
	"errors"
	"fmt"
	"time"
)

// Defaults for [Config]. These are empirically tuned and exposed as
// configuration.
const (
	DefaultFrameInterval    = 10 * time.Millisecond
	DefaultSustainedFrames  = 8
	DefaultEarlyPhase       = 900 * time.Millisecond
	DefaultEarlySilence     = 3000 * time.Millisecond
	DefaultSilence          = 120 * time.Millisecond
	DefaultMinVoiceDuration = 150 * time.Millisecond
	DefaultMaxRecording     = 5 * time.Second
	DefaultVoicedFloor      = 120 * time.Millisecond
	DefaultVoicedFloorRatio = 0.6
)

// Config holds segmentation thresholds. Zero fields take their defaults.
type Config struct {
	// FrameInterval is the duration covered by one VAD decision.
	FrameInterval time.Duration

	// SustainedFrames is the debounced voice-frame count that starts an
	// utterance.
	SustainedFrames int

	// EarlyPhase is the window after the first speech during which
	// EarlySilence applies instead of Silence.
	EarlyPhase   time.Duration
	EarlySilence time.Duration
	Silence      time.Duration

	// MinVoiceDuration is the minimum time between first speech and end.
	MinVoiceDuration time.Duration

	// MaxRecording is the hard ceiling measured from the recording start.
	MaxRecording time.Duration

	// MinVoicedFloor is the minimum total voiced time for acceptance. Zero
	// means max(DefaultVoicedFloor, DefaultVoicedFloorRatio*MinVoiceDuration).
	MinVoicedFloor time.Duration
}

// WithDefaults returns c with every zero field replaced by its default.
func (c Config) WithDefaults() Config {
	if c.FrameInterval == 0 {
		c.FrameInterval = DefaultFrameInterval
	}
	if c.SustainedFrames == 0 {
		c.SustainedFrames = DefaultSustainedFrames
	}
	if c.EarlyPhase == 0 {
		c.EarlyPhase = DefaultEarlyPhase
	}
	if c.EarlySilence == 0 {
		c.EarlySilence = DefaultEarlySilence
	}
	if c.Silence == 0 {
		c.Silence = DefaultSilence
	}
	if c.MinVoiceDuration == 0 {
		c.MinVoiceDuration = DefaultMinVoiceDuration
	}
	if c.MaxRecording == 0 {
		c.MaxRecording = DefaultMaxRecording
	}
	if c.MinVoicedFloor == 0 {
		c.MinVoicedFloor = max(DefaultVoicedFloor,
			time.Duration(DefaultVoicedFloorRatio*float64(c.MinVoiceDuration)))
	}
	return c
}

// Validate reports every invalid field of a defaulted config.
func (c Config) Validate() error {
	var errs []error
	if c.FrameInterval <= 0 {
		errs = append(errs, fmt.Errorf("segment: frame interval must be positive, got %v", c.FrameInterval))
	}
	if c.SustainedFrames < 1 {
		errs = append(errs, fmt.Errorf("segment: sustained frames must be positive, got %d", c.SustainedFrames))
	}
	if c.Silence <= 0 || c.EarlySilence < c.Silence {
		errs = append(errs, fmt.Errorf("segment: need 0 < silence (%v) <= early silence (%v)", c.Silence, c.EarlySilence))
	}
	if c.MaxRecording <= c.MinVoiceDuration {
		errs = append(errs, fmt.Errorf("segment: max recording (%v) must exceed min voice duration (%v)", c.MaxRecording, c.MinVoiceDuration))
	}
	return errors.Join(errs...)
}

// Kind classifies a segmenter [Event].
type Kind int

const (
	None Kind = iota
	UtteranceStarted
	UtteranceEnded
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case UtteranceStarted:
		return "utterance_started"
	case UtteranceEnded:
		return "utterance_ended"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Reason says which path ended an utterance.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonSilence
	ReasonFallback
	ReasonMaxDuration
)

// String returns the reason name.
func (r Reason) String() string {
	switch r {
	case ReasonSilence:
		return "silence"
	case ReasonFallback:
		return "fallback"
	case ReasonMaxDuration:
		return "max_duration"
	default:
		return "none"
	}
}

// Event is emitted by [Segmenter.OnFrameResult] and [Segmenter.Tick].
type Event struct {
	Kind   Kind
	Reason Reason
	At     time.Time
}

// State is the timing state of one recording. Zero times mean "not yet".
type State struct {
	StartedAt                time.Time
	FirstSpeechAt            time.Time
	LastVoiceAt              time.Time
	SilenceStartedAt         time.Time
	ConsecutiveVoiceFrames   int
	TotalVoiceFrames         int
	AdaptiveSilenceThreshold time.Duration
}

// Decision is the acceptance verdict for a finished recording.
type Decision struct {
	Accept bool
	Reason string

	// VoicedDuration is TotalVoiceFrames × FrameInterval.
	VoicedDuration time.Duration
}

// Segmenter tracks the timing state of one recording.
type Segmenter struct {
	cfg   Config
	state State
	ended bool
}

// New validates cfg and returns a segmenter. Call [Segmenter.Begin] before
// feeding frames.
func New(cfg Config) (*Segmenter, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Segmenter{cfg: cfg}, nil
}

// Config returns the effective configuration.
func (s *Segmenter) Config() Config { return s.cfg }

// Begin resets all state for a recording starting at now. blind marks a
// recording without a usable voice detector: speech is assumed to start
// immediately and only the fallback and ceiling paths can end it. Such a
// recording never counts a voice frame, so [Segmenter.Accept] discards it.
func (s *Segmenter) Begin(now time.Time, blind bool) {
	s.ended = false
	s.state = State{StartedAt: now}
	if blind {
		s.state.FirstSpeechAt = now
		s.state.LastVoiceAt = now
		s.state.AdaptiveSilenceThreshold = s.thresholdAt(now)
	}
}

// State returns a copy of the current timing state.
func (s *Segmenter) State() State { return s.state }

// Ended reports whether an UtteranceEnded event has been emitted.
func (s *Segmenter) Ended() bool { return s.ended }

// OnFrameResult feeds one VAD decision taken at now.
func (s *Segmenter) OnFrameResult(voicePresent bool, now time.Time) Event {
	if s.ended {
		return Event{}
	}
	st := &s.state

	if voicePresent {
		st.ConsecutiveVoiceFrames++
		st.TotalVoiceFrames++
		st.LastVoiceAt = now
		st.SilenceStartedAt = time.Time{}
	} else {
		st.ConsecutiveVoiceFrames = max(st.ConsecutiveVoiceFrames-2, 0)
	}

	var ev Event
	if st.FirstSpeechAt.IsZero() && st.ConsecutiveVoiceFrames >= s.cfg.SustainedFrames {
		st.FirstSpeechAt = now
		st.AdaptiveSilenceThreshold = s.thresholdAt(now)
		ev = Event{Kind: UtteranceStarted, At: now}
	}

	if !voicePresent && !st.FirstSpeechAt.IsZero() {
		if st.SilenceStartedAt.IsZero() {
			st.SilenceStartedAt = now
			st.AdaptiveSilenceThreshold = s.thresholdAt(now)
		}
		if now.Sub(st.SilenceStartedAt) >= st.AdaptiveSilenceThreshold && s.voicedLongEnough(now) {
			return s.end(ReasonSilence, now)
		}
	}

	if now.Sub(st.StartedAt) >= s.cfg.MaxRecording {
		return s.end(ReasonMaxDuration, now)
	}
	return ev
}

// Tick runs the time-based checks at now: the fallback silence path and the
// recording ceiling.
func (s *Segmenter) Tick(now time.Time) Event {
	if s.ended {
		return Event{}
	}
	st := &s.state

	if !st.FirstSpeechAt.IsZero() && !st.LastVoiceAt.IsZero() {
		threshold := st.AdaptiveSilenceThreshold
		if st.SilenceStartedAt.IsZero() {
			threshold = s.thresholdAt(st.LastVoiceAt)
		}
		if now.Sub(st.LastVoiceAt) >= threshold && s.voicedLongEnough(now) {
			return s.end(ReasonFallback, now)
		}
	}

	if now.Sub(st.StartedAt) >= s.cfg.MaxRecording {
		return s.end(ReasonMaxDuration, now)
	}
	return Event{}
}

// Accept decides whether the recording should be sent. A recording without
// a single voice frame is never sent.
func (s *Segmenter) Accept() Decision {
	st := s.state
	voiced := time.Duration(st.TotalVoiceFrames) * s.cfg.FrameInterval
	switch {
	case st.FirstSpeechAt.IsZero():
		return Decision{Reason: "no sustained voice", VoicedDuration: voiced}
	case st.TotalVoiceFrames == 0:
		return Decision{Reason: "no voice frames", VoicedDuration: voiced}
	case voiced < s.cfg.MinVoicedFloor:
		return Decision{Reason: fmt.Sprintf("voiced %v below floor %v", voiced, s.cfg.MinVoicedFloor), VoicedDuration: voiced}
	default:
		return Decision{Accept: true, VoicedDuration: voiced}
	}
}

// thresholdAt returns the silence gap required when silence begins at t.
func (s *Segmenter) thresholdAt(t time.Time) time.Duration {
	if t.Sub(s.state.FirstSpeechAt) < s.cfg.EarlyPhase {
		return s.cfg.EarlySilence
	}
	return s.cfg.Silence
}

func (s *Segmenter) voicedLongEnough(now time.Time) bool {
	return now.Sub(s.state.FirstSpeechAt) >= s.cfg.MinVoiceDuration
}

func (s *Segmenter) end(r Reason, now time.Time) Event {
	s.ended = true
	return Event{Kind: UtteranceEnded, Reason: r, At: now}
}
