// Package identity persists which assistant and conversation thread the
// client is talking to, so a restart continues the same thread.
//
// The conversation treats the pair as opaque strings: the backend announces
// them in the response stream and they are sent back with every turn.
package identity

import (
	"context"
	"sync"
)

// Identity is the persisted pair. Empty fields are unknown.
type Identity struct {
	ThreadID    string
	AssistantID string
}

// Store loads and saves the identity of one client profile.
//
// Implementations must be safe for concurrent use. Setters are
// last-write-wins.
type Store interface {
	Load(ctx context.Context) (Identity, error)
	SetThreadID(ctx context.Context, id string) error
	SetAssistantID(ctx context.Context, id string) error
}

// MemStore keeps the identity in memory.
type MemStore struct {
	mu  sync.Mutex
	cur Identity
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns a store seeded with initial.
func NewMemStore(initial Identity) *MemStore {
	return &MemStore{cur: initial}
}

func (m *MemStore) Load(context.Context) (Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur, nil
}

func (m *MemStore) SetThreadID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cur.ThreadID = id
	return nil
}

func (m *MemStore) SetAssistantID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cur.AssistantID = id
	return nil
}
