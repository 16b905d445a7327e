package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/parley/internal/assistant"
)

// AssistantFallback implements [assistant.Backend] across several backend
// deployments. Only transport and server failures trip a breaker or move on
// to the next backend; rate limits, quota and no-speech answers are final.
//
// Failover covers opening a response. Once a stream is returned, mid-stream
// errors belong to the caller; a turn is never replayed against a second
// backend.
type AssistantFallback struct {
	group *FallbackGroup[assistant.Backend]
}

var _ assistant.Backend = (*AssistantFallback)(nil)

// NewAssistantFallback creates an [AssistantFallback] with primary as the
// preferred backend. cfg.CircuitBreaker.IsFailure and cfg.ShouldFallback
// default to [assistant.Retryable].
func NewAssistantFallback(primary assistant.Backend, primaryName string, cfg FallbackConfig) *AssistantFallback {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = assistant.Retryable
	}
	if cfg.ShouldFallback == nil {
		cfg.ShouldFallback = assistant.Retryable
	}
	return &AssistantFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *AssistantFallback) AddFallback(name string, b assistant.Backend) {
	f.group.AddFallback(name, b)
}

// Status reports every backend's breaker state.
func (f *AssistantFallback) Status() []EntryStatus { return f.group.Status() }

// SendAudio implements [assistant.Backend].
func (f *AssistantFallback) SendAudio(ctx context.Context, req assistant.AudioRequest) (*assistant.Stream, error) {
	return ExecuteWithResult(f.group, func(b assistant.Backend) (*assistant.Stream, error) {
		return b.SendAudio(ctx, req)
	})
}

// SendChat implements [assistant.Backend].
func (f *AssistantFallback) SendChat(ctx context.Context, req assistant.ChatRequest) (*assistant.Stream, error) {
	return ExecuteWithResult(f.group, func(b assistant.Backend) (*assistant.Stream, error) {
		return b.SendChat(ctx, req)
	})
}

// Greeting implements [assistant.Backend].
func (f *AssistantFallback) Greeting(ctx context.Context, req assistant.GreetingRequest) (*assistant.Stream, error) {
	return ExecuteWithResult(f.group, func(b assistant.Backend) (*assistant.Stream, error) {
		return b.Greeting(ctx, req)
	})
}

// DetectWakeWord implements [assistant.Backend].
func (f *AssistantFallback) DetectWakeWord(ctx context.Context, wav []byte) (assistant.WakeWordResult, error) {
	return ExecuteWithResult(f.group, func(b assistant.Backend) (assistant.WakeWordResult, error) {
		return b.DetectWakeWord(ctx, wav)
	})
}

// Health returns nil when at least one backend is healthy. It bypasses the
// breakers so probes can observe recovery.
func (f *AssistantFallback) Health(ctx context.Context) error {
	var errs []error
	for i := range f.group.entries {
		err := f.group.entries[i].value.Health(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
