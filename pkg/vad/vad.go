// Package vad implements an energy-based voice activity detector with a short
// noise-floor calibration phase and hysteresis.
//
// A [Detector] is stateful and belongs to exactly one capture stream. Call
// [Detector.Reset] at the start of every recording so that the ambient noise
// estimate reflects the current room.
//
// Detectors are not safe for concurrent use; the recording loop that owns the
// capture stream is the only caller of [Detector.Observe]. [Detector.SetBoost]
// is the exception and may be called from any goroutine.
package vad

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/MrWong99/parley/pkg/audio"
)

// Default tuning values. The deltas are expressed in normalised RMS units
// (full-scale sine ≈ 0.707).
const (
	DefaultCalibrationFrames    = 60
	DefaultMinCalibrationFrames = 10
	DefaultSpikeRatio           = 3.0
	DefaultStartDelta           = 0.015
	DefaultStopDelta            = 0.008
)

// Config holds detector tuning. Zero fields are replaced by their defaults in
// [New].
type Config struct {
	// CalibrationFrames is the number of frames averaged into the noise
	// floor before detection starts.
	CalibrationFrames int

	// MinCalibrationFrames is the minimum number of frames observed before a
	// loud frame may cut calibration short.
	MinCalibrationFrames int

	// SpikeRatio is the multiple of the running baseline above which a frame
	// is treated as early speech and ends calibration.
	SpikeRatio float64

	// StartDelta is the energy above the baseline that enters the voice state.
	StartDelta float64

	// StopDelta is the energy above the baseline below which the voice state
	// is left. Must be smaller than StartDelta.
	StopDelta float64
}

func (c Config) withDefaults() Config {
	if c.CalibrationFrames == 0 {
		c.CalibrationFrames = DefaultCalibrationFrames
	}
	if c.MinCalibrationFrames == 0 {
		c.MinCalibrationFrames = DefaultMinCalibrationFrames
	}
	if c.SpikeRatio == 0 {
		c.SpikeRatio = DefaultSpikeRatio
	}
	if c.StartDelta == 0 {
		c.StartDelta = DefaultStartDelta
	}
	if c.StopDelta == 0 {
		c.StopDelta = DefaultStopDelta
	}
	return c
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.CalibrationFrames < 1 {
		errs = append(errs, fmt.Errorf("vad: calibration frames must be positive, got %d", c.CalibrationFrames))
	}
	if c.MinCalibrationFrames < 1 || c.MinCalibrationFrames > c.CalibrationFrames {
		errs = append(errs, fmt.Errorf("vad: min calibration frames must be in [1, %d], got %d", c.CalibrationFrames, c.MinCalibrationFrames))
	}
	if c.SpikeRatio <= 1 {
		errs = append(errs, fmt.Errorf("vad: spike ratio must be greater than 1, got %g", c.SpikeRatio))
	}
	if c.StopDelta <= 0 || c.StartDelta <= c.StopDelta {
		errs = append(errs, fmt.Errorf("vad: need 0 < stop delta (%g) < start delta (%g)", c.StopDelta, c.StartDelta))
	}
	return errors.Join(errs...)
}

// Baseline is the ambient noise estimate. FramesObserved only grows while
// Calibrating and is frozen afterwards.
type Baseline struct {
	MeanRMS        float64
	FramesObserved int
	Calibrating    bool
}

// Result is the per-frame decision.
type Result struct {
	VoicePresent bool
	RMS          float64
}

// Detector classifies frames as voice or silence.
type Detector struct {
	cfg       Config
	available bool

	baseline Baseline
	voice    bool

	// boost multiplies StartDelta, stored as float64 bits.
	boost atomic.Uint64
}

// New returns a calibrating detector. Zero fields of cfg take their defaults.
func New(cfg Config) (*Detector, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Detector{cfg: cfg, available: true}
	d.boost.Store(math.Float64bits(1))
	d.Reset()
	return d, nil
}

// NewUnavailable returns a detector for sources that cannot be analysed. It
// reports silence for every frame so callers fall back to time-based
// segmentation.
func NewUnavailable() *Detector {
	d := &Detector{cfg: Config{}.withDefaults()}
	d.boost.Store(math.Float64bits(1))
	return d
}

// Available reports whether the detector analyses audio at all.
func (d *Detector) Available() bool { return d.available }

// Reset discards the baseline and hysteresis state and restarts calibration.
func (d *Detector) Reset() {
	d.baseline = Baseline{Calibrating: d.available}
	d.voice = false
}

// Baseline returns a copy of the current noise estimate.
func (d *Detector) Baseline() Baseline { return d.baseline }

// SetBoost scales the start delta by f (f >= 1). A boost makes it harder to
// enter the voice state, e.g. while the assistant's own voice leaks into the
// microphone. f <= 1 restores normal sensitivity.
func (d *Detector) SetBoost(f float64) {
	if f < 1 {
		f = 1
	}
	d.boost.Store(math.Float64bits(f))
}

// Observe analyses one frame.
func (d *Detector) Observe(frame audio.AudioFrame) Result {
	rms := audio.RMS(frame.Data)
	if !d.available {
		return Result{RMS: rms}
	}

	startDelta := d.cfg.StartDelta * math.Float64frombits(d.boost.Load())

	if d.baseline.Calibrating {
		b := &d.baseline
		spike := b.FramesObserved >= d.cfg.MinCalibrationFrames &&
			rms > b.MeanRMS*d.cfg.SpikeRatio &&
			rms > b.MeanRMS+startDelta
		if !spike {
			b.FramesObserved++
			b.MeanRMS += (rms - b.MeanRMS) / float64(b.FramesObserved)
			if b.FramesObserved >= d.cfg.CalibrationFrames {
				b.Calibrating = false
			}
			return Result{RMS: rms}
		}
		// Probable early speech: freeze the floor and classify this frame.
		b.Calibrating = false
	}

	if d.voice {
		d.voice = rms >= d.baseline.MeanRMS+d.cfg.StopDelta
	} else {
		d.voice = rms > d.baseline.MeanRMS+startDelta
	}
	return Result{VoicePresent: d.voice, RMS: rms}
}
