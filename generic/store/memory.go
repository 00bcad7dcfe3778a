// Package store provides StateStore implementations.
package store

import (
	"context"
	"sync"

	"github.com/finlegal/accident-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	slots map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{slots: make(map[string][]byte)}
}

func (m *Memory) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	payload, ok := m.slots[key]
	if !ok {
		return nil, generic.ErrSlotNotFound
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

func (m *Memory) Save(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(payload))
	copy(stored, payload)
	m.slots[key] = stored
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots, key)
	return nil
}

// Keys returns the keys of every stored slot.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.slots))
	for k := range m.slots {
		keys = append(keys, k)
	}
	return keys
}

// =============================================================================
// FAILING STORE - Simulates unavailable storage
// =============================================================================

// Failing returns Err from every operation. Used to exercise best-effort
// persistence paths.
type Failing struct {
	Err error
}

func (f *Failing) Load(context.Context, string) ([]byte, error) { return nil, f.Err }
func (f *Failing) Save(context.Context, string, []byte) error   { return f.Err }
func (f *Failing) Delete(context.Context, string) error         { return f.Err }
