// Package audio defines the audio frame type, PCM helpers and the device
// interfaces the voice pipeline is built on.
//
// The two device abstractions are:
//
//   - [CaptureDevice]: a microphone that yields a stream of [AudioFrame]s.
//   - [Player]: a sink that plays one encoded audio clip at a time.
//
// Concrete devices live in sub-packages (audio/portaudio, audio/ffplay) so the
// core pipeline never depends on a native audio stack.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrDeviceClosed is returned by devices that are used after Close.
var ErrDeviceClosed = errors.New("audio: device closed")

// CaptureStream is an open microphone stream.
//
// Frames is closed when the stream stops, either because Close was called,
// the context passed to [CaptureDevice.Open] was cancelled, or the device
// failed. After Frames is closed, Err reports the failure (nil on a clean
// stop).
type CaptureStream interface {
	Frames() <-chan AudioFrame
	Err() error

	// Close stops capture and releases the device. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// CaptureDevice opens microphone streams. Implementations may only support a
// single open stream at a time; callers serialise access.
type CaptureDevice interface {
	// Open starts capturing at format, delivering frames of frameSize.
	Open(ctx context.Context, format Format, frameSize time.Duration) (CaptureStream, error)
}

// Player plays a single encoded audio clip (mp3, wav).
//
// Play blocks until the clip has finished playing, ctx is cancelled or the
// player fails. Cancelling ctx must stop audible output before Play returns.
type Player interface {
	Play(ctx context.Context, clip []byte) error
}

// PlayerFunc adapts a function to the [Player] interface.
type PlayerFunc func(ctx context.Context, clip []byte) error

// Play implements [Player].
func (f PlayerFunc) Play(ctx context.Context, clip []byte) error { return f(ctx, clip) }
