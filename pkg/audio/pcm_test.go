package audio_test

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

func TestRMS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		pcm  []byte
		want float64
	}{
		{name: "empty", pcm: nil, want: 0},
		{name: "odd byte", pcm: []byte{0x01}, want: 0},
		{name: "silence", pcm: make([]byte, 320), want: 0},
		{name: "half scale", pcm: audio.Tone(0.5, 160), want: 0.5},
		{name: "full scale", pcm: audio.Tone(1, 160), want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := audio.RMS(tt.pcm)
			if math.Abs(got-tt.want) > 1e-3 {
				t.Errorf("RMS = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestEncodeWAV(t *testing.T) {
	t.Parallel()

	pcm := audio.Tone(0.1, 16)
	wav := audio.EncodeWAV(pcm, audio.Format{SampleRate: 16000, Channels: 1})

	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("bad header: %q", wav[:12])
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 16000 {
		t.Errorf("sample rate = %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != uint32(len(pcm)) {
		t.Errorf("data size = %d, want %d", got, len(pcm))
	}
	if !bytes.Equal(wav[44:], pcm) {
		t.Error("payload differs from input PCM")
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	f := audio.Format{SampleRate: 16000, Channels: 1}
	if got := f.FrameBytes(10 * time.Millisecond); got != 320 {
		t.Errorf("FrameBytes(10ms) = %d, want 320", got)
	}
	if got := f.Duration(32000); got != time.Second {
		t.Errorf("Duration(32000) = %v, want 1s", got)
	}
	if got := (audio.Format{}).Duration(100); got != 0 {
		t.Errorf("zero format Duration = %v, want 0", got)
	}

	frame := audio.AudioFrame{Data: make([]byte, 320), SampleRate: 16000, Channels: 1}
	if got := frame.Duration(); got != 10*time.Millisecond {
		t.Errorf("frame Duration = %v, want 10ms", got)
	}
}
