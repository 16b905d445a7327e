package audio

import "time"

// bytesPerSample is the width of a single 16-bit PCM sample.
const bytesPerSample = 2

// AudioFrame is a short slice of captured microphone audio, typically ~10 ms.
// Frames are transient: they are analysed by the voice activity detector,
// appended to the utterance buffer and then dropped.
type AudioFrame struct {
	// Data holds 16-bit signed little-endian PCM.
	Data []byte

	// SampleRate in Hz (e.g., 16000).
	SampleRate int

	// Channels is 1 for mono capture.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame. Zero for frames with an
// unknown format.
func (f AudioFrame) Duration() time.Duration {
	return f.Format().Duration(len(f.Data))
}

// Format returns the sample format of the frame.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the PCM byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * bytesPerSample
}

// Duration converts a PCM byte count to its playback length.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// FrameBytes returns the number of PCM bytes covering d, rounded down to a
// whole sample across all channels.
func (f Format) FrameBytes(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.Channels * bytesPerSample
}
