package registry

import (
	"context"
	"sync"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

var (
	_ Registry = (*Memory)(nil)
	_ Purger   = (*Memory)(nil)
)

type memoryEntry struct {
	desc      model.Descriptor
	expiresAt time.Time
}

// Memory is an in-process Registry. Expired entries are invisible to Get and
// are dropped by Purge.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Put stores a copy of d.
func (m *Memory) Put(ctx context.Context, d *model.Descriptor, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[d.ID] = memoryEntry{desc: *d, expiresAt: m.now().Add(ttl)}
	return nil
}

// Get returns a copy of the stored descriptor.
func (m *Memory) Get(ctx context.Context, id string) (*model.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok || !m.now().Before(e.expiresAt) {
		return nil, ErrNotFound
	}
	d := e.desc
	return &d, nil
}

// Delete removes id.
func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

// Purge drops expired entries and reports how many were removed.
func (m *Memory) Purge(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for id, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
