package portaudio

import (
	"bytes"
	"testing"

	"github.com/MrWong99/parley/pkg/audio"
)

func TestPutPCM(t *testing.T) {
	t.Parallel()
	src := []int16{0, 1, -1, 32767, -32768}
	dst := make([]byte, 2*len(src))
	putPCM(dst, src)
	want := []byte{0x00, 0x00, 0x01, 0x00, 0xff, 0xff, 0xff, 0x7f, 0x00, 0x80}
	if !bytes.Equal(dst, want) {
		t.Errorf("putPCM = % x, want % x", dst, want)
	}
}

func TestMatchDevice(t *testing.T) {
	t.Parallel()
	names := []string{"HDA Intel PCH: ALC3246 Analog", "USB Audio Device", "usb audio"}
	tests := []struct {
		want string
		idx  int
	}{
		{"usb audio", 2},
		{"USB", 1},
		{"  alc3246 ", 0},
		{"bluetooth", -1},
	}
	for _, tt := range tests {
		if got := matchDevice(names, tt.want); got != tt.idx {
			t.Errorf("matchDevice(%q) = %d, want %d", tt.want, got, tt.idx)
		}
	}
}

func TestDeviceIsCaptureDevice(t *testing.T) {
	t.Parallel()
	var _ audio.CaptureDevice = New("")
}
