// Package avatar is the avatar collaborator of a conversation: emotion cues
// from finished responses and lip-sync around played audio.
//
// The conversation core treats the avatar as optional decoration. [Safe]
// wraps any [Avatar] so that slow, failing or panicking implementations can
// never stall a turn.
package avatar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Emotions the assistant reports. Unknown tags are passed through.
const (
	EmotionFriendly  = "friendly"
	EmotionHappy     = "happy"
	EmotionSad       = "sad"
	EmotionExcited   = "excited"
	EmotionCalm      = "calm"
	EmotionConcerned = "concerned"
	EmotionNeutral   = "neutral"
)

// Avatar renders the assistant.
type Avatar interface {
	SetEmotion(ctx context.Context, tag string, intensity float64) error
	StartLipSync(ctx context.Context, clip []byte) error
	StopLipSync(ctx context.Context) error
}

// Noop ignores every call.
type Noop struct{}

func (Noop) SetEmotion(context.Context, string, float64) error { return nil }
func (Noop) StartLipSync(context.Context, []byte) error        { return nil }
func (Noop) StopLipSync(context.Context) error                 { return nil }

// Multi forwards every call to each avatar and joins the errors.
type Multi []Avatar

func (m Multi) SetEmotion(ctx context.Context, tag string, intensity float64) error {
	var errs []error
	for _, a := range m {
		errs = append(errs, a.SetEmotion(ctx, tag, intensity))
	}
	return errors.Join(errs...)
}

func (m Multi) StartLipSync(ctx context.Context, clip []byte) error {
	var errs []error
	for _, a := range m {
		errs = append(errs, a.StartLipSync(ctx, clip))
	}
	return errors.Join(errs...)
}

func (m Multi) StopLipSync(ctx context.Context) error {
	var errs []error
	for _, a := range m {
		errs = append(errs, a.StopLipSync(ctx))
	}
	return errors.Join(errs...)
}

const (
	defaultTimeout = 2 * time.Second
	queueSize      = 64
)

// SafeOption configures [Safe].
type SafeOption func(*SafeAvatar)

// WithTimeout bounds each call. Default: 2s.
func WithTimeout(d time.Duration) SafeOption {
	return func(s *SafeAvatar) { s.timeout = d }
}

// SafeAvatar runs avatar calls on its own goroutine, in order, each bounded
// by a timeout. Calls never block the caller: when the backlog is full they
// are dropped. Errors and panics are logged.
type SafeAvatar struct {
	inner   Avatar
	timeout time.Duration
	calls   chan func(context.Context) error
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// Safe wraps a. Call Close to stop the worker.
func Safe(a Avatar, opts ...SafeOption) *SafeAvatar {
	s := &SafeAvatar{
		inner:   a,
		timeout: defaultTimeout,
		calls:   make(chan func(context.Context) error, queueSize),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// SetEmotion queues the call and returns nil.
func (s *SafeAvatar) SetEmotion(_ context.Context, tag string, intensity float64) error {
	s.submit("set_emotion", func(ctx context.Context) error {
		return s.inner.SetEmotion(ctx, tag, intensity)
	})
	return nil
}

// StartLipSync queues the call and returns nil.
func (s *SafeAvatar) StartLipSync(_ context.Context, clip []byte) error {
	s.submit("start_lip_sync", func(ctx context.Context) error {
		return s.inner.StartLipSync(ctx, clip)
	})
	return nil
}

// StopLipSync queues the call and returns nil.
func (s *SafeAvatar) StopLipSync(context.Context) error {
	s.submit("stop_lip_sync", s.inner.StopLipSync)
	return nil
}

// Close stops the worker after the call in progress. Queued calls are
// dropped.
func (s *SafeAvatar) Close() error {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

func (s *SafeAvatar) submit(name string, fn func(context.Context) error) {
	select {
	case <-s.done:
		return
	default:
	}
	call := func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("avatar: %s: %w", name, err)
		}
		return nil
	}
	select {
	case s.calls <- call:
	default:
		slog.Warn("avatar: backlog full, dropping call", "call", name)
	}
}

func (s *SafeAvatar) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.calls:
			s.invoke(fn)
		}
	}
}

func (s *SafeAvatar) invoke(fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("avatar: call panicked", "panic", r)
		}
	}()
	if err := fn(ctx); err != nil {
		slog.Warn("avatar call failed", "err", err)
	}
}
