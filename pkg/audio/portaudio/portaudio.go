//go:build portaudio

package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/parley/pkg/audio"
)

// frameBuffer is the number of captured frames held for a slow reader
// before frames are dropped.
const frameBuffer = 64

// Device is a PortAudio input device.
type Device struct {
	name string
}

// New returns the input device whose name contains name. An empty name
// selects the system default input.
func New(name string) *Device { return &Device{name: name} }

// Open implements [audio.CaptureDevice].
func (d *Device) Open(ctx context.Context, f audio.Format, frameSize time.Duration) (audio.CaptureStream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	info, err := d.lookup()
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}

	samples := int(int64(f.SampleRate) * int64(frameSize) / int64(time.Second))
	buf := make([]int16, samples*f.Channels)
	params := portaudio.LowLatencyParameters(info, nil)
	params.Input.Channels = f.Channels
	params.SampleRate = float64(f.SampleRate)
	params.FramesPerBuffer = samples

	st, err := portaudio.OpenStream(params, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: open %q: %w", info.Name, err)
	}
	if err := st.Start(); err != nil {
		_ = st.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: start %q: %w", info.Name, err)
	}
	slog.Debug("portaudio: capture started", "device", info.Name, "sample_rate", f.SampleRate, "frame", frameSize)

	s := &stream{
		pa:     st,
		buf:    buf,
		format: f,
		frames: make(chan audio.AudioFrame, frameBuffer),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.loop(ctx)
	return s, nil
}

func (d *Device) lookup() (*portaudio.DeviceInfo, error) {
	if d.name == "" {
		info, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("portaudio: default input: %w", err)
		}
		return info, nil
	}
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	var inputs []*portaudio.DeviceInfo
	var names []string
	for _, dev := range devs {
		if dev.MaxInputChannels > 0 {
			inputs = append(inputs, dev)
			names = append(names, dev.Name)
		}
	}
	i := matchDevice(names, d.name)
	if i < 0 {
		return nil, fmt.Errorf("portaudio: no input device matches %q (have %q)", d.name, names)
	}
	return inputs[i], nil
}

type stream struct {
	pa     *portaudio.Stream
	buf    []int16
	format audio.Format
	frames chan audio.AudioFrame

	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	err error
}

func (s *stream) Frames() <-chan audio.AudioFrame { return s.frames }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	s.stopOnce.Do(func() { close(s.done) })
	<-s.exited
	return nil
}

func (s *stream) loop(ctx context.Context) {
	defer close(s.exited)
	defer close(s.frames)
	defer func() {
		_ = s.pa.Stop()
		_ = s.pa.Close()
		_ = portaudio.Terminate()
	}()

	var (
		pos     time.Duration
		dropped int
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		if err := s.pa.Read(); err != nil {
			// Overflow only means we were late; the buffer is still valid.
			if !errors.Is(err, portaudio.InputOverflowed) {
				s.mu.Lock()
				s.err = fmt.Errorf("portaudio: read: %w", err)
				s.mu.Unlock()
				return
			}
		}

		data := make([]byte, 2*len(s.buf))
		putPCM(data, s.buf)
		frame := audio.AudioFrame{
			Data:       data,
			SampleRate: s.format.SampleRate,
			Channels:   s.format.Channels,
			Timestamp:  pos,
		}
		pos += frame.Duration()

		select {
		case s.frames <- frame:
		default:
			dropped++
			if dropped == 1 || dropped%100 == 0 {
				slog.Warn("portaudio: reader too slow, dropping frames", "dropped", dropped)
			}
		}
	}
}
