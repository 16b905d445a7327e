// Package recording owns the microphone. A [Recorder] runs at most one
// capture at a time: either an utterance recording segmented by voice
// activity, or a fixed-length burst for wake-word classification.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/segment"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/vad"
)

var (
	// ErrDevice wraps capture device failures.
	ErrDevice = errors.New("recording: capture device failed")

	// ErrBusy is returned by [Recorder.Burst] while another capture runs.
	ErrBusy = errors.New("recording: device busy")

	// ErrPreempted is returned by [Recorder.Burst] when [Recorder.Start]
	// took the device over.
	ErrPreempted = errors.New("recording: burst preempted")
)

// Outcome is the result of [Recorder.Stop].
type Outcome int

const (
	NotRecording Outcome = iota
	Accepted
	Discarded
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case NotRecording:
		return "not_recording"
	case Accepted:
		return "accepted"
	case Discarded:
		return "discarded"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Utterance is one finished recording. Ownership of Audio passes to the
// caller of [Recorder.Stop].
type Utterance struct {
	Audio             []byte
	Format            audio.Format
	Duration          time.Duration
	HadSustainedVoice bool
	Decision          segment.Decision
}

// WAV returns the utterance wrapped in a WAV container.
func (u Utterance) WAV() []byte { return audio.EncodeWAV(u.Audio, u.Format) }

// Config holds the capture parameters.
type Config struct {
	Format       audio.Format
	FrameSize    time.Duration
	TickInterval time.Duration
	Segment      segment.Config

	// MutedBoost enables barge-in: while muted, frames keep flowing and the
	// detector start delta is multiplied by MutedBoost. Zero drops frames
	// while muted.
	MutedBoost float64
}

// Option configures a [Recorder].
type Option func(*Recorder)

// WithOnEvent registers fn for segmenter events. fn runs on the capture
// goroutine and must not block. UtteranceEnded is delivered after capture has
// stopped, so fn may call [Recorder.Stop] for it.
func WithOnEvent(fn func(segment.Event)) Option {
	return func(r *Recorder) { r.onEvent = fn }
}

// WithOnDeviceError registers fn for capture failures during a recording.
func WithOnDeviceError(fn func(error)) Option {
	return func(r *Recorder) { r.onDeviceError = fn }
}

// WithClock replaces time.Now. The clock anchors each recording and drives
// the fallback ticks; frames are timed by their capture position.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// Recorder is the exclusive owner of one capture device.
//
// All exported methods are safe for concurrent use.
type Recorder struct {
	dev           audio.CaptureDevice
	det           *vad.Detector
	cfg           Config
	onEvent       func(segment.Event)
	onDeviceError func(error)
	now           func() time.Time

	muted   atomic.Bool
	restart atomic.Bool

	// opMu serialises Start, Stop and burst setup so a capture is fully torn
	// down before the next one opens the device.
	opMu  sync.Mutex
	rec   *session
	burst *burst
}

type session struct {
	cancel context.CancelFunc
	stream audio.CaptureStream
	seg    *segment.Segmenter
	done   chan struct{}

	// base is the wall time of stream position zero.
	base time.Time

	// Owned by the capture goroutine until done is closed.
	buf []byte
	pos time.Duration
	err error
}

// frameTime returns the time at which f finished capturing. Devices that do
// not stamp frames are timed by the audio received so far.
func (s *session) frameTime(f audio.AudioFrame) time.Time {
	s.pos = max(s.pos, f.Timestamp) + f.Duration()
	return s.base.Add(s.pos)
}

type burst struct {
	cancel    context.CancelFunc
	done      chan struct{}
	preempted bool
}

// New returns a recorder for dev. det is reset at the start of every
// recording; pass [vad.NewUnavailable] for sources that cannot be analysed.
func New(dev audio.CaptureDevice, det *vad.Detector, cfg Config, opts ...Option) (*Recorder, error) {
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = 10 * time.Millisecond
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 20 * time.Millisecond
	}
	if cfg.Segment.FrameInterval == 0 {
		cfg.Segment.FrameInterval = cfg.FrameSize
	}
	cfg.Segment = cfg.Segment.WithDefaults()
	if err := cfg.Segment.Validate(); err != nil {
		return nil, err
	}
	r := &Recorder{
		dev: dev,
		det: det,
		cfg: cfg,
		now: time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Recording reports whether an utterance recording is open.
func (r *Recorder) Recording() bool {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.rec != nil
}

// Start opens a new utterance recording. It is a no-op while one is already
// open and preempts a running burst.
func (r *Recorder) Start(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if r.rec != nil {
		return nil
	}
	r.preemptBurst()

	sctx, cancel := context.WithCancel(ctx)
	stream, err := r.dev.Open(sctx, r.cfg.Format, r.cfg.FrameSize)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %w", ErrDevice, err)
	}

	seg, err := segment.New(r.cfg.Segment)
	if err != nil {
		cancel()
		_ = stream.Close()
		return err
	}
	r.det.Reset()
	r.restart.Store(false)
	base := r.now()
	seg.Begin(base, !r.det.Available())

	s := &session{
		cancel: cancel,
		stream: stream,
		seg:    seg,
		done:   make(chan struct{}),
		base:   base,
	}
	r.rec = s
	go r.capture(sctx, s)
	return nil
}

// CancelBurst ends a running wake-word burst, which then fails with
// [ErrPreempted]. It returns once the device is released and does nothing
// when no burst runs.
func (r *Recorder) CancelBurst() {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	r.preemptBurst()
}

// preemptBurst must be called with opMu held.
func (r *Recorder) preemptBurst() {
	b := r.burst
	if b == nil {
		return
	}
	b.preempted = true
	b.cancel()
	<-b.done
	r.burst = nil
}

// Stop closes the current recording and returns the captured utterance.
// Calling Stop when nothing is recording returns [NotRecording] and has no
// other effect.
func (r *Recorder) Stop() (Utterance, Outcome) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	s := r.rec
	if s == nil {
		return Utterance{}, NotRecording
	}
	r.rec = nil
	s.cancel()
	_ = s.stream.Close()
	<-s.done

	u := Utterance{
		Audio:    s.buf,
		Format:   r.cfg.Format,
		Duration: r.cfg.Format.Duration(len(s.buf)),
		Decision: s.seg.Accept(),
	}
	s.buf = nil
	u.HadSustainedVoice = !s.seg.State().FirstSpeechAt.IsZero()

	if s.err != nil || !u.Decision.Accept || len(u.Audio) == 0 {
		if s.err != nil {
			u.Decision = segment.Decision{Reason: s.err.Error()}
		}
		slog.Debug("recording discarded", "reason", u.Decision.Reason, "duration", u.Duration)
		u.Audio = nil
		return u, Discarded
	}
	return u, Accepted
}

// SetMuted is the microphone side of the playback mute guard.
func (r *Recorder) SetMuted(muted bool) {
	was := r.muted.Swap(muted)
	if r.cfg.MutedBoost > 0 {
		if muted {
			r.det.SetBoost(r.cfg.MutedBoost)
		} else {
			r.det.SetBoost(1)
		}
		return
	}
	if was && !muted {
		r.restart.Store(true)
	}
}

// Muted reports the current mute state.
func (r *Recorder) Muted() bool { return r.muted.Load() }

// Burst captures d of raw audio for a wake-word check. It fails with
// [ErrBusy] while a recording is open and with [ErrPreempted] when
// [Recorder.Start] takes the device over.
func (r *Recorder) Burst(ctx context.Context, d time.Duration) ([]byte, error) {
	r.opMu.Lock()
	if r.rec != nil || r.burst != nil {
		r.opMu.Unlock()
		return nil, ErrBusy
	}
	bctx, cancel := context.WithTimeout(ctx, d)
	stream, err := r.dev.Open(bctx, r.cfg.Format, r.cfg.FrameSize)
	if err != nil {
		cancel()
		r.opMu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrDevice, err)
	}
	b := &burst{cancel: cancel, done: make(chan struct{})}
	r.burst = b
	r.opMu.Unlock()

	var buf []byte
	var devErr error
loop:
	for {
		select {
		case <-bctx.Done():
			break loop
		case f, ok := <-stream.Frames():
			if !ok {
				devErr = stream.Err()
				break loop
			}
			buf = append(buf, f.Data...)
		}
	}
	go audio.Drain(stream.Frames())
	_ = stream.Close()
	cancel()
	close(b.done)

	r.opMu.Lock()
	preempted := b.preempted
	if r.burst == b {
		r.burst = nil
	}
	r.opMu.Unlock()

	switch {
	case preempted:
		return nil, ErrPreempted
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case devErr != nil:
		return nil, fmt.Errorf("%w: %w", ErrDevice, devErr)
	}
	return buf, nil
}

// capture is the per-recording goroutine. It owns s.buf, s.seg and the
// detector until s.done is closed.
func (r *Recorder) capture(ctx context.Context, s *session) {
	ended := r.captureLoop(ctx, s)
	close(s.done)

	if s.err != nil && r.onDeviceError != nil {
		r.onDeviceError(s.err)
	}
	if ended.Kind == segment.UtteranceEnded && r.onEvent != nil {
		r.onEvent(ended)
	}
}

func (r *Recorder) captureLoop(ctx context.Context, s *session) segment.Event {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	frames := s.stream.Frames()
	for {
		var ev segment.Event
		select {
		case <-ctx.Done():
			go audio.Drain(frames)
			return segment.Event{}
		case f, ok := <-frames:
			if !ok {
				if err := s.stream.Err(); err != nil && ctx.Err() == nil {
					s.err = fmt.Errorf("%w: %w", ErrDevice, err)
				}
				return segment.Event{}
			}
			start := s.base.Add(max(s.pos, f.Timestamp))
			at := s.frameTime(f)
			r.maybeRestart(s, start)
			if r.muted.Load() && r.cfg.MutedBoost <= 0 {
				continue
			}
			res := r.det.Observe(f)
			s.buf = append(s.buf, f.Data...)
			ev = s.seg.OnFrameResult(res.VoicePresent, at)
		case <-ticker.C:
			if r.muted.Load() && r.cfg.MutedBoost <= 0 {
				continue
			}
			ev = s.seg.Tick(r.now())
		}

		switch ev.Kind {
		case segment.UtteranceStarted:
			if r.onEvent != nil {
				r.onEvent(ev)
			}
		case segment.UtteranceEnded:
			go audio.Drain(frames)
			_ = s.stream.Close()
			return ev
		}
	}
}

// maybeRestart discards everything captured so far when the microphone was
// unmuted after frames were being dropped. The new recording starts with the
// frame captured at start.
func (r *Recorder) maybeRestart(s *session, start time.Time) {
	if !r.restart.Swap(false) {
		return
	}
	s.buf = s.buf[:0]
	r.det.Reset()
	s.seg.Begin(start, !r.det.Available())
}
