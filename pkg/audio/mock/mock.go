// Package mock provides in-memory implementations of [audio.CaptureDevice],
// [audio.CaptureStream] and [audio.Player] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so that tests
// can assert on counts and arguments, and they expose exported fields that
// the test can set to control behaviour.
//
// Typical usage:
//
//	dev := &mock.CaptureDevice{}
//	stream, _ := dev.Open(ctx, format, 10*time.Millisecond)
//	dev.Last().Send(audio.AudioFrame{Data: audio.Tone(0.2, 160)})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [CaptureDevice.Open] invocation.
type OpenCall struct {
	Format    audio.Format
	FrameSize time.Duration
}

// CaptureDevice is a mock implementation of [audio.CaptureDevice]. Every
// successful Open returns a fresh [CaptureStream] that the test feeds with
// [CaptureStream.Send].
type CaptureDevice struct {
	mu sync.Mutex

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// OpenCalls records every Open invocation, in order.
	OpenCalls []OpenCall

	streams []*CaptureStream
	opened  chan struct{}
}

// Open implements [audio.CaptureDevice].
func (d *CaptureDevice) Open(ctx context.Context, f audio.Format, frameSize time.Duration) (audio.CaptureStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, OpenCall{Format: f, FrameSize: frameSize})
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	s := &CaptureStream{
		frames: make(chan audio.AudioFrame),
		done:   make(chan struct{}),
	}
	d.streams = append(d.streams, s)
	if d.opened != nil {
		close(d.opened)
		d.opened = nil
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// Last returns the most recently opened stream, or nil.
func (d *CaptureDevice) Last() *CaptureStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// Streams returns the number of streams opened so far.
func (d *CaptureDevice) Streams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

// WaitOpen blocks until at least n streams have been opened or ctx is done.
// Returns the most recent stream.
func (d *CaptureDevice) WaitOpen(ctx context.Context, n int) *CaptureStream {
	for {
		d.mu.Lock()
		if len(d.streams) >= n {
			s := d.streams[len(d.streams)-1]
			d.mu.Unlock()
			return s
		}
		if d.opened == nil {
			d.opened = make(chan struct{})
		}
		ch := d.opened
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-ch:
		}
	}
}

// ─── CaptureStream ────────────────────────────────────────────────────────────

// CaptureStream is a mock implementation of [audio.CaptureStream].
type CaptureStream struct {
	mu     sync.Mutex
	frames chan audio.AudioFrame
	done   chan struct{}
	once   sync.Once
	closed bool
	err    error
}

// Frames implements [audio.CaptureStream].
func (s *CaptureStream) Frames() <-chan audio.AudioFrame { return s.frames }

// Err implements [audio.CaptureStream].
func (s *CaptureStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [audio.CaptureStream].
func (s *CaptureStream) Close() error {
	s.once.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}

// Send delivers f to the consumer, blocking until it is received. Returns
// false once the stream is closed.
func (s *CaptureStream) Send(f audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- f:
		return true
	case <-s.done:
		return false
	}
}

// Fail closes the stream with err, simulating a device failure.
func (s *CaptureStream) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	_ = s.Close()
}

// Closed reports whether the stream has been closed.
func (s *CaptureStream) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// ─── Player ───────────────────────────────────────────────────────────────────

// Player is a mock implementation of [audio.Player].
//
// Each Play call waits for Delay (zero returns immediately) or, when Hold is
// set, until [Player.Release] is called. Cancelled calls are counted in
// Interrupted and do not appear in Played.
type Player struct {
	mu sync.Mutex

	// Err is returned by every Play call that is not cancelled.
	Err error

	// Delay is how long each clip "plays".
	Delay time.Duration

	// Hold makes every Play wait for Release.
	Hold bool

	played      [][]byte
	started     [][]byte
	interrupted int
	active      int
	maxActive   int
	release     chan struct{}
}

// Play implements [audio.Player].
func (p *Player) Play(ctx context.Context, clip []byte) error {
	p.mu.Lock()
	p.started = append(p.started, clip)
	p.active++
	if p.active > p.maxActive {
		p.maxActive = p.active
	}
	if p.release == nil {
		p.release = make(chan struct{})
	}
	hold, release, delay := p.Hold, p.release, p.Delay
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()

	var wait <-chan time.Time
	if !hold {
		t := time.NewTimer(delay)
		defer t.Stop()
		wait = t.C
	}

	select {
	case <-ctx.Done():
		p.mu.Lock()
		p.interrupted++
		p.mu.Unlock()
		return ctx.Err()
	case <-release:
	case <-wait:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = append(p.played, clip)
	return p.Err
}

// Release lets every held Play call finish.
func (p *Player) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.release != nil {
		close(p.release)
		p.release = nil
	}
}

// Played returns the clips that finished playing, in order.
func (p *Player) Played() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.played))
	copy(out, p.played)
	return out
}

// Started returns the clips passed to Play, in order.
func (p *Player) Started() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.started))
	copy(out, p.started)
	return out
}

// Interrupted returns how many Play calls were cancelled.
func (p *Player) Interrupted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interrupted
}

// MaxConcurrent returns the highest number of simultaneous Play calls seen.
func (p *Player) MaxConcurrent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxActive
}

// ─── Muter ────────────────────────────────────────────────────────────────────

// Muter records SetMuted calls.
type Muter struct {
	mu    sync.Mutex
	calls []bool
}

// SetMuted records the call.
func (m *Muter) SetMuted(muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, muted)
}

// Calls returns every recorded SetMuted argument, in order.
func (m *Muter) Calls() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bool, len(m.calls))
	copy(out, m.calls)
	return out
}

// Muted reports the last value passed to SetMuted.
func (m *Muter) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls) > 0 && m.calls[len(m.calls)-1]
}
