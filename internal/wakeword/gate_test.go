package wakeword

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/parley/internal/assistant"
	assistantmock "github.com/MrWong99/parley/internal/assistant/mock"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/recording"
	"github.com/MrWong99/parley/pkg/audio"
)

// fakeBurster returns a short clip for every burst. during runs while the
// burst "records".
type fakeBurster struct {
	mu     sync.Mutex
	calls  int
	errs   []error
	during func()
}

func (b *fakeBurster) Burst(ctx context.Context, d time.Duration) ([]byte, error) {
	b.mu.Lock()
	b.calls++
	var err error
	if len(b.errs) > 0 {
		err, b.errs = b.errs[0], b.errs[1:]
	}
	during := b.during
	b.mu.Unlock()

	if during != nil {
		during()
	}
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Millisecond):
	}
	return make([]byte, 320), nil
}

func (b *fakeBurster) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func testConfig() Config {
	return Config{
		Format:        audio.Format{SampleRate: 16000, Channels: 1},
		BurstDuration: time.Millisecond,
		RetryBackoff:  5 * time.Millisecond,
		PollInterval:  time.Millisecond,
	}
}

func runGate(t *testing.T, g *Gate) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel, done
}

func TestGate_WakesAfterDetection(t *testing.T) {
	t.Parallel()

	backend := &assistantmock.Backend{
		WakeWord: []assistantmock.WakeWordResponse{
			{Result: assistant.WakeWordResult{Available: true, Score: 0.1}},
			{Result: assistant.WakeWordResult{Available: true, Detected: true, Score: 0.9}},
		},
		DefaultWakeWord: assistantmock.WakeWordResponse{Result: assistant.WakeWordResult{Available: true}},
	}
	var ready atomic.Bool
	ready.Store(true)
	woke := make(chan struct{}, 1)

	g := New(&fakeBurster{}, backend, ready.Load, func() error {
		ready.Store(false)
		woke <- struct{}{}
		return nil
	}, testConfig(), WithMetrics(testMetrics(t)))
	runGate(t, g)

	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatal("onWake not called")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := backend.WaitCalls(ctx, 2); err != nil {
		t.Fatalf("WaitCalls: %v", err)
	}
	if got := backend.Calls(); got != 2 {
		t.Errorf("wake-word checks = %d, want 2 (no checks while not ready)", got)
	}
}

func TestGate_IdleWhileNotReady(t *testing.T) {
	t.Parallel()

	b := &fakeBurster{}
	g := New(b, &assistantmock.Backend{}, func() bool { return false }, func() error { return nil },
		testConfig(), WithMetrics(testMetrics(t)))
	runGate(t, g)

	time.Sleep(30 * time.Millisecond)
	if got := b.Calls(); got != 0 {
		t.Errorf("bursts while not ready = %d, want 0", got)
	}
}

func TestGate_DiscardsBurstWhenStateChanged(t *testing.T) {
	t.Parallel()

	var ready atomic.Bool
	ready.Store(true)
	b := &fakeBurster{during: func() { ready.Store(false) }}
	backend := &assistantmock.Backend{}

	g := New(b, backend, ready.Load, func() error { return nil }, testConfig(), WithMetrics(testMetrics(t)))
	runGate(t, g)

	deadline := time.Now().Add(time.Second)
	for b.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	if got := backend.Calls(); got != 0 {
		t.Errorf("wake-word checks = %d, want 0 for a burst recorded across a state change", got)
	}
}

func TestGate_BacksOffOnErrors(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RetryBackoff = 50 * time.Millisecond
	backend := &assistantmock.Backend{
		DefaultWakeWord: assistantmock.WakeWordResponse{Err: errors.New("boom")},
	}
	g := New(&fakeBurster{}, backend, func() bool { return true }, func() error { return nil },
		cfg, WithMetrics(testMetrics(t)))
	runGate(t, g)

	time.Sleep(120 * time.Millisecond)
	if got := backend.Calls(); got < 1 || got > 4 {
		t.Errorf("wake-word checks in 120ms with 50ms backoff = %d, want 1..4", got)
	}
}

func TestGate_SkipsBusyDevice(t *testing.T) {
	t.Parallel()

	b := &fakeBurster{errs: []error{recording.ErrBusy, recording.ErrPreempted}}
	backend := &assistantmock.Backend{
		DefaultWakeWord: assistantmock.WakeWordResponse{Result: assistant.WakeWordResult{Available: true}},
	}
	g := New(b, backend, func() bool { return true }, func() error { return nil },
		testConfig(), WithMetrics(testMetrics(t)))
	runGate(t, g)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := backend.WaitCalls(ctx, 1); err != nil {
		t.Fatalf("no check after busy bursts: %v", err)
	}
	if got := b.Calls(); got < 3 {
		t.Errorf("bursts = %d, want at least 3", got)
	}
}

func TestGate_RunReturnsOnCancel(t *testing.T) {
	t.Parallel()

	g := New(&fakeBurster{}, &assistantmock.Backend{}, func() bool { return false }, func() error { return nil },
		testConfig(), WithMetrics(testMetrics(t)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	g.Kick()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
