// Package portaudio captures microphone audio through PortAudio.
//
// The native binding is only compiled with the "portaudio" build tag, which
// needs the PortAudio headers and a cgo toolchain. Without the tag [New]
// returns a device whose Open fails with [ErrUnavailable], so the rest of
// the client still builds on machines without an audio stack.
package portaudio

import (
	"encoding/binary"
	"errors"
	"strings"
)

// ErrUnavailable is returned by Open when the binary was built without
// PortAudio support.
var ErrUnavailable = errors.New("portaudio: support not compiled in (build with -tags portaudio)")

// putPCM writes src as 16-bit little-endian PCM into dst, which must hold
// at least 2*len(src) bytes.
func putPCM(dst []byte, src []int16) {
	for i, s := range src {
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(s))
	}
}

// matchDevice returns the index of the first name that contains want,
// ignoring case. An exact match wins over a substring match. Returns -1 when
// nothing matches.
func matchDevice(names []string, want string) int {
	want = strings.ToLower(strings.TrimSpace(want))
	partial := -1
	for i, n := range names {
		n = strings.ToLower(n)
		if n == want {
			return i
		}
		if partial < 0 && strings.Contains(n, want) {
			partial = i
		}
	}
	return partial
}
