// Package playback plays streamed audio clips strictly one at a time, in
// arrival order, and mutes the microphone for as long as anything is queued
// or playing.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// ErrClosed is returned by [Queue.Push] after [Queue.Close].
var ErrClosed = errors.New("playback: queue closed")

// Item is one decoded audio chunk awaiting playback together with the
// sentence it voices.
type Item struct {
	Audio []byte
	Text  string
}

// Muter is the microphone side of the mute guard. SetMuted is called with the
// queue lock held and must not call back into the [Queue].
type Muter interface {
	SetMuted(muted bool)
}

// Option configures a [Queue] during construction.
type Option func(*Queue)

// WithGap inserts d of silence between consecutive items. Zero (the default)
// plays items back to back.
func WithGap(d time.Duration) Option {
	return func(q *Queue) {
		q.gap = d
	}
}

// WithMuter installs the mute guard: m is muted when the queue becomes busy
// and unmuted on every path back to idle.
func WithMuter(m Muter) Option {
	return func(q *Queue) {
		q.muter = m
	}
}

// WithOnStart registers fn to run on the dispatch goroutine right before an
// item starts playing. fn must not block.
func WithOnStart(fn func(Item)) Option {
	return func(q *Queue) {
		q.onStart = fn
	}
}

// WithOnFinish registers fn to run after an item stopped playing, whether it
// finished, failed or was interrupted. err is nil on natural completion.
func WithOnFinish(fn func(it Item, err error)) Option {
	return func(q *Queue) {
		q.onFinish = fn
	}
}

// Queue is a FIFO audio playback queue. It never plays two items at once: the
// next item starts only after the previous one finished or was stopped.
//
// All exported methods are safe for concurrent use.
type Queue struct {
	player   audio.Player
	muter    Muter
	gap      time.Duration
	onStart  func(Item)
	onFinish func(Item, error)

	mu      sync.Mutex
	pending []Item
	current *slot         // item on the dispatch goroutine, or nil
	busy    bool          // pending or current non-empty
	idle    chan struct{} // closed while !busy
	notify  chan struct{}
	done    chan struct{}
	closed  bool
}

// slot identifies one dequeued item so a late finish from an item that was
// stopped cannot clobber the state of its successor.
type slot struct {
	item   Item
	cancel context.CancelFunc
}

// New creates a [Queue] that plays items through player and starts the
// dispatch goroutine. Call [Queue.Close] to stop it.
func New(player audio.Player, opts ...Option) *Queue {
	q := &Queue{
		player: player,
		idle:   make(chan struct{}),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	close(q.idle)
	for _, o := range opts {
		o(q)
	}
	go q.dispatch()
	return q
}

// Push appends it to the queue. Playback starts immediately when the queue is
// idle.
func (q *Queue) Push(it Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	q.pending = append(q.pending, it)
	if !q.busy {
		q.busy = true
		q.idle = make(chan struct{})
		if q.muter != nil {
			q.muter.SetMuted(true)
		}
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// StopAll halts the current item and discards everything queued. The
// microphone mute is released before StopAll returns. Returns the number of
// items dropped, including the one that was playing. A no-op on an idle
// queue.
func (q *Queue) StopAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.busy {
		return 0
	}
	return q.stopLocked()
}

// Len returns the number of items queued or playing.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.pending)
	if q.current != nil {
		n++
	}
	return n
}

// Idle returns a channel that is closed once the queue has drained. The
// channel is replaced whenever new items arrive, so callers should fetch it
// again after each wait.
func (q *Queue) Idle() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}

// WaitIdle blocks until the queue has drained or ctx is done.
func (q *Queue) WaitIdle(ctx context.Context) error {
	select {
	case <-q.Idle():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops playback, discards pending items and stops the dispatch
// goroutine. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	if q.busy {
		q.stopLocked()
	}
	q.mu.Unlock()

	close(q.done)
	return nil
}

// stopLocked cancels the current item, clears the backlog and returns the
// queue to idle. Must be called with q.mu held and q.busy set.
func (q *Queue) stopLocked() int {
	n := len(q.pending)
	q.pending = nil
	if q.current != nil {
		q.current.cancel()
		q.current = nil
		n++
	}
	q.setIdleLocked()
	return n
}

// setIdleLocked flips the queue to idle and releases the mute guard. Must be
// called with q.mu held.
func (q *Queue) setIdleLocked() {
	q.busy = false
	close(q.idle)
	if q.muter != nil {
		q.muter.SetMuted(false)
	}
}

func (q *Queue) dispatch() {
	var lastPlayed bool

	gapTimer := time.NewTimer(0)
	if !gapTimer.Stop() {
		<-gapTimer.C
	}
	defer gapTimer.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}

		for {
			s, ctx, ok := q.dequeue()
			if !ok {
				lastPlayed = false
				break
			}

			if lastPlayed && q.gap > 0 {
				gapTimer.Reset(q.gap)
				select {
				case <-ctx.Done():
					if !gapTimer.Stop() {
						<-gapTimer.C
					}
					q.finish(s, ctx.Err())
					continue
				case <-gapTimer.C:
				}
			}

			if q.onStart != nil {
				q.onStart(s.item)
			}
			err := q.player.Play(ctx, s.item.Audio)
			if err != nil && ctx.Err() == nil {
				slog.Warn("playback: player failed, skipping item", "err", err)
			}
			q.finish(s, err)
			lastPlayed = true
		}
	}
}

// dequeue pops the head of the queue and marks it as current.
func (q *Queue) dequeue() (*slot, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 || q.closed {
		return nil, nil, false
	}
	it := q.pending[0]
	q.pending[0] = Item{}
	q.pending = q.pending[1:]

	ctx, cancel := context.WithCancel(context.Background())
	q.current = &slot{item: it, cancel: cancel}
	return q.current, ctx, true
}

// finish clears s if it is still current and flips the queue to idle when
// nothing is left.
func (q *Queue) finish(s *slot, err error) {
	q.mu.Lock()
	if q.current == s {
		s.cancel()
		q.current = nil
		if len(q.pending) == 0 && q.busy {
			q.setIdleLocked()
		}
	}
	q.mu.Unlock()

	if q.onFinish != nil {
		q.onFinish(s.item, err)
	}
}
