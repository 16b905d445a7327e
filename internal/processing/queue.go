// Package processing serialises turns: at most one item is being sent to the
// assistant and awaited at any time, later items wait in a FIFO backlog.
package processing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned by [Queue.Enqueue] and [Queue.Preempt] after
// [Queue.Close].
var ErrClosed = errors.New("processing: queue closed")

// Handler processes one item. ctx is cancelled when the item is preempted,
// the queue is reset or closed.
type Handler[T any] func(ctx context.Context, item T) error

// Option configures a [Queue].
type Option[T any] func(*Queue[T])

// WithOnError registers fn for handler errors. fn runs on the worker
// goroutine before the next item is dequeued. Errors caused by cancellation
// through [Queue.Reset], [Queue.Preempt] or [Queue.Close] are not reported.
func WithOnError[T any](fn func(item T, err error)) Option[T] {
	return func(q *Queue[T]) { q.onError = fn }
}

// Queue runs a single worker goroutine over a FIFO backlog.
//
// All exported methods are safe for concurrent use.
type Queue[T any] struct {
	handler Handler[T]
	onError func(T, error)

	mu      sync.Mutex
	backlog []T
	active  *job
	notify  chan struct{}
	done    chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// job is the in-flight item. cancelled is set when the queue itself
// cancelled it.
type job struct {
	cancel    context.CancelFunc
	cancelled bool
}

// New starts a queue that processes items with h.
func New[T any](h Handler[T], opts ...Option[T]) *Queue[T] {
	q := &Queue[T]{
		handler: h,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.wg.Add(1)
	go q.work()
	return q
}

// Enqueue appends item to the backlog.
func (q *Queue[T]) Enqueue(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	q.backlog = append(q.backlog, item)
	q.signal()
	return nil
}

// Preempt cancels the in-flight item, drops the backlog and makes item the
// next one to run. Used for barge-in.
func (q *Queue[T]) Preempt(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	q.cancelActiveLocked()
	q.backlog = append(q.backlog[:0], item)
	q.signal()
	return nil
}

// Reset cancels the in-flight item and invalidates everything queued. Returns
// the number of backlog items dropped.
func (q *Queue[T]) Reset() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.cancelActiveLocked()
	n := len(q.backlog)
	clear(q.backlog)
	q.backlog = q.backlog[:0]
	return n
}

// Len returns the number of items waiting in the backlog.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// Active reports whether an item is being processed.
func (q *Queue[T]) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active != nil
}

// Close cancels the in-flight item, drops the backlog and waits for the
// worker to exit. Close is idempotent.
func (q *Queue[T]) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.cancelActiveLocked()
	q.backlog = nil
	q.mu.Unlock()

	close(q.done)
	q.wg.Wait()
	return nil
}

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) cancelActiveLocked() {
	if q.active != nil {
		q.active.cancelled = true
		q.active.cancel()
	}
}

func (q *Queue[T]) work() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}
		for q.runNext() {
		}
	}
}

// runNext processes the head of the backlog. Returns false when the backlog
// is empty or the queue is closed.
func (q *Queue[T]) runNext() bool {
	q.mu.Lock()
	if q.closed || len(q.backlog) == 0 {
		q.mu.Unlock()
		return false
	}
	item := q.backlog[0]
	var zero T
	q.backlog[0] = zero
	q.backlog = q.backlog[1:]

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{cancel: cancel}
	q.active = j
	q.mu.Unlock()

	err := q.run(ctx, item)

	q.mu.Lock()
	cancel()
	cancelled := j.cancelled
	if q.active == j {
		q.active = nil
	}
	q.mu.Unlock()

	if err != nil && !cancelled && q.onError != nil {
		q.onError(item, err)
	}
	return true
}

// run calls the handler and turns a panic into an error so one bad item
// cannot take the worker down.
func (q *Queue[T]) run(ctx context.Context, item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("processing: handler panicked", "panic", r)
			err = errors.New("processing: handler panicked")
		}
	}()
	return q.handler(ctx, item)
}
