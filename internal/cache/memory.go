package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hochfrequenz/trend-orchestrator/internal/fingerprint"
)

// MemoryBackend keeps entries in process memory
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[fingerprint.Fingerprint]*Entry
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[fingerprint.Fingerprint]*Entry)}
}

func (m *MemoryBackend) Get(_ context.Context, fp fingerprint.Fingerprint) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[fp]
	if !ok {
		return nil, nil
	}
	return e.clone(), nil
}

func (m *MemoryBackend) Put(_ context.Context, e *Entry) error {
	c := e.clone()
	m.mu.Lock()
	m.entries[e.Fingerprint] = c
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, fp fingerprint.Fingerprint) error {
	m.mu.Lock()
	delete(m.entries, fp)
	m.mu.Unlock()
	return nil
}

// Sweep removes entries expired at now
func (m *MemoryBackend) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for fp, e := range m.entries {
		if e.Expired(now) {
			delete(m.entries, fp)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries, expired or not
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
