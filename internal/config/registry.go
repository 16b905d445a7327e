package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

// ErrDeviceNotRegistered is returned by Create* methods when no factory has
// been registered under the requested device name.
var ErrDeviceNotRegistered = errors.New("config: device not registered")

// Registry maps device names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	capture map[string]func(DeviceEntry) (audio.CaptureDevice, error)
	players map[string]func(DeviceEntry) (audio.Player, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		capture: make(map[string]func(DeviceEntry) (audio.CaptureDevice, error)),
		players: make(map[string]func(DeviceEntry) (audio.Player, error)),
	}
}

// RegisterCapture registers a capture device factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterCapture(name string, factory func(DeviceEntry) (audio.CaptureDevice, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterPlayer registers a player factory under name.
func (r *Registry) RegisterPlayer(name string, factory func(DeviceEntry) (audio.Player, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.players[name] = factory
}

// CreateCapture instantiates the capture device named by entry.Name.
// Returns [ErrDeviceNotRegistered] if no factory is registered under that name.
func (r *Registry) CreateCapture(entry DeviceEntry) (audio.CaptureDevice, error) {
	r.mu.RLock()
	f, ok := r.capture[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture %q", ErrDeviceNotRegistered, entry.Name)
	}
	return f(entry)
}

// CreatePlayer instantiates the player named by entry.Name.
// Returns [ErrDeviceNotRegistered] if no factory is registered under that name.
func (r *Registry) CreatePlayer(entry DeviceEntry) (audio.Player, error) {
	r.mu.RLock()
	f, ok := r.players[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: player %q", ErrDeviceNotRegistered, entry.Name)
	}
	return f(entry)
}
