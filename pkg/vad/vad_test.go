package vad_test

import (
	"testing"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/vad"
)

func frame(amplitude float64) audio.AudioFrame {
	return audio.AudioFrame{Data: audio.Tone(amplitude, 160), SampleRate: 16000, Channels: 1}
}

func calibrated(t *testing.T, floor float64) *vad.Detector {
	t.Helper()
	d, err := vad.New(vad.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for range vad.DefaultCalibrationFrames {
		if r := d.Observe(frame(floor)); r.VoicePresent {
			t.Fatal("voice reported during calibration")
		}
	}
	if d.Baseline().Calibrating {
		t.Fatal("still calibrating after the calibration window")
	}
	return d
}

func TestCalibrationWindow(t *testing.T) {
	t.Parallel()

	d := calibrated(t, 0.005)
	b := d.Baseline()
	if b.FramesObserved != vad.DefaultCalibrationFrames {
		t.Errorf("FramesObserved = %d, want %d", b.FramesObserved, vad.DefaultCalibrationFrames)
	}
	if b.MeanRMS < 0.004 || b.MeanRMS > 0.006 {
		t.Errorf("MeanRMS = %f, want ≈0.005", b.MeanRMS)
	}

	// Frozen after calibration.
	d.Observe(frame(0.3))
	if got := d.Baseline().FramesObserved; got != vad.DefaultCalibrationFrames {
		t.Errorf("FramesObserved grew to %d after calibration", got)
	}
}

func TestCalibrationEndsEarlyOnSpike(t *testing.T) {
	t.Parallel()

	d, err := vad.New(vad.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for range vad.DefaultMinCalibrationFrames {
		d.Observe(frame(0.005))
	}
	r := d.Observe(frame(0.2))
	if !r.VoicePresent {
		t.Error("spike after minimum calibration should be classified as voice")
	}
	b := d.Baseline()
	if b.Calibrating {
		t.Error("calibration should end on a spike")
	}
	if b.FramesObserved != vad.DefaultMinCalibrationFrames {
		t.Errorf("FramesObserved = %d, want %d", b.FramesObserved, vad.DefaultMinCalibrationFrames)
	}
}

func TestSpikeBeforeMinimumIsAbsorbed(t *testing.T) {
	t.Parallel()

	d, _ := vad.New(vad.Config{})
	for range 3 {
		d.Observe(frame(0.005))
	}
	if r := d.Observe(frame(0.2)); r.VoicePresent {
		t.Error("spike before the minimum calibration count must not be voice")
	}
	if !d.Baseline().Calibrating {
		t.Error("calibration ended before the minimum frame count")
	}
}

func TestHysteresis(t *testing.T) {
	t.Parallel()

	d := calibrated(t, 0)

	steps := []struct {
		amp  float64
		want bool
	}{
		{0.012, false}, // between stop and start: stays silent
		{0.02, true},   // above start
		{0.012, true},  // between stop and start: stays voice
		{0.009, true},
		{0.005, false}, // below stop
		{0.012, false},
	}
	for i, s := range steps {
		if got := d.Observe(frame(s.amp)).VoicePresent; got != s.want {
			t.Errorf("step %d (amp %g): voice = %v, want %v", i, s.amp, got, s.want)
		}
	}
}

func TestResetRestartsCalibration(t *testing.T) {
	t.Parallel()

	d := calibrated(t, 0.01)
	d.Observe(frame(0.3))
	d.Reset()

	b := d.Baseline()
	if !b.Calibrating || b.FramesObserved != 0 || b.MeanRMS != 0 {
		t.Errorf("Baseline after Reset = %+v, want fresh calibration", b)
	}
}

func TestBoostRaisesStartThreshold(t *testing.T) {
	t.Parallel()

	d := calibrated(t, 0)
	d.SetBoost(3)
	if d.Observe(frame(0.03)).VoicePresent {
		t.Error("0.03 should not enter voice with a 3x boost")
	}
	if !d.Observe(frame(0.06)).VoicePresent {
		t.Error("0.06 should enter voice with a 3x boost")
	}
	d.SetBoost(0)
	d.Reset()
	for range vad.DefaultCalibrationFrames {
		d.Observe(frame(0))
	}
	if !d.Observe(frame(0.03)).VoicePresent {
		t.Error("0.03 should enter voice once the boost is removed")
	}
}

func TestUnavailableAlwaysSilent(t *testing.T) {
	t.Parallel()

	d := vad.NewUnavailable()
	if d.Available() {
		t.Fatal("Available = true, want false")
	}
	for range 100 {
		if r := d.Observe(frame(0.9)); r.VoicePresent {
			t.Fatal("unavailable detector reported voice")
		}
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	if _, err := vad.New(vad.Config{StartDelta: 0.01, StopDelta: 0.02}); err == nil {
		t.Error("expected error for stop delta >= start delta")
	}
	if _, err := vad.New(vad.Config{CalibrationFrames: 5, MinCalibrationFrames: 10}); err == nil {
		t.Error("expected error for min calibration frames above window")
	}
}
