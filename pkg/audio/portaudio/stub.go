//go:build !portaudio

package portaudio

import (
	"context"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Device is a placeholder input device for builds without PortAudio.
type Device struct {
	name string
}

// New returns a device whose Open always fails with [ErrUnavailable].
func New(name string) *Device { return &Device{name: name} }

// Open implements [audio.CaptureDevice].
func (d *Device) Open(context.Context, audio.Format, time.Duration) (audio.CaptureStream, error) {
	return nil, ErrUnavailable
}
