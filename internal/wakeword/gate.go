// Package wakeword listens for the wake word while no conversation is
// active. It records short bursts from the microphone and asks the
// assistant backend to classify them.
package wakeword

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/parley/internal/assistant"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/recording"
	"github.com/MrWong99/parley/pkg/audio"
)

// Burster records a fixed-length burst. [*recording.Recorder] implements it.
type Burster interface {
	Burst(ctx context.Context, d time.Duration) ([]byte, error)
}

// Detector classifies a WAV clip. [assistant.Backend] implements it.
type Detector interface {
	DetectWakeWord(ctx context.Context, wav []byte) (assistant.WakeWordResult, error)
}

// Config tunes the gate.
type Config struct {
	// Format is the PCM format of the bursts, used for the WAV header.
	Format audio.Format

	// BurstDuration is the length of one burst. Default: 3s.
	BurstDuration time.Duration

	// RetryBackoff is the pause after a failed burst or classification, and
	// while the backend reports the wake-word model as unavailable.
	// Default: 2s.
	RetryBackoff time.Duration

	// PollInterval is how often readiness is re-checked without a
	// [Gate.Kick]. Default: 250ms.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BurstDuration <= 0 {
		c.BurstDuration = 3 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	return c
}

// Option configures a [Gate].
type Option func(*Gate)

// WithMetrics records wake-word checks on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// Gate is the wake-word loop.
type Gate struct {
	burster  Burster
	detector Detector
	ready    func() bool
	onWake   func() error
	cfg      Config
	metrics  *observe.Metrics
	kick     chan struct{}
}

// New returns a gate that records from b and classifies with d. ready
// reports whether the microphone is free for wake-word listening; onWake is
// called for every detection made while ready still holds.
func New(b Burster, d Detector, ready func() bool, onWake func() error, cfg Config, opts ...Option) *Gate {
	g := &Gate{
		burster:  b,
		detector: d,
		ready:    ready,
		onWake:   onWake,
		cfg:      cfg.withDefaults(),
		kick:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Kick wakes a gate waiting for readiness, typically when the conversation
// returned to idle. It never blocks.
func (g *Gate) Kick() {
	select {
	case g.kick <- struct{}{}:
	default:
	}
}

// Run loops until ctx is done. It returns nil on cancellation.
func (g *Gate) Run(ctx context.Context) error {
	slog.Info("wake-word gate started", "burst", g.cfg.BurstDuration)
	defer slog.Info("wake-word gate stopped")

	var warnedUnavailable bool
	for {
		if !g.waitReady(ctx) {
			return nil
		}

		pcm, err := g.burster.Burst(ctx, g.cfg.BurstDuration)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, recording.ErrBusy), errors.Is(err, recording.ErrPreempted):
			continue
		case err != nil:
			slog.Warn("wake-word burst failed", "err", err)
			if !g.sleep(ctx, g.cfg.RetryBackoff) {
				return nil
			}
			continue
		}

		// The conversation may have started while the burst was recording.
		if !g.ready() || len(pcm) == 0 {
			continue
		}

		res, err := g.detector.DetectWakeWord(ctx, audio.EncodeWAV(pcm, g.cfg.Format))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := max(g.cfg.RetryBackoff, assistant.RetryAfter(err))
			slog.Warn("wake-word check failed", "err", err, "retry_in", wait)
			if !g.sleep(ctx, wait) {
				return nil
			}
			continue
		}
		g.metrics.RecordWakeWordCheck(ctx, res.Detected)

		if !res.Available {
			if !warnedUnavailable {
				slog.Warn("wake-word model unavailable on the assistant backend")
				warnedUnavailable = true
			}
			if !g.sleep(ctx, g.cfg.RetryBackoff) {
				return nil
			}
			continue
		}
		warnedUnavailable = false

		if !res.Detected {
			slog.Debug("no wake word", "score", res.Score)
			continue
		}
		if !g.ready() {
			continue
		}
		slog.Info("wake word detected", "score", res.Score)
		if err := g.onWake(); err != nil {
			slog.Error("failed to start conversation after wake word", "err", err)
		}
	}
}

// waitReady blocks until ready holds. It returns false once ctx is done.
func (g *Gate) waitReady(ctx context.Context) bool {
	if g.ready() {
		return true
	}
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-g.kick:
		case <-ticker.C:
		}
		if g.ready() {
			return true
		}
	}
}

func (g *Gate) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
