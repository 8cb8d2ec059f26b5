package session

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	data      []byte
	updatedAt time.Time
}

// MemoryStore keeps encoded sessions in process memory. Sessions are stored
// as bytes so callers never share a *Session with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]memoryEntry
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]memoryEntry)}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	entry, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decode(entry.data)
}

func (m *MemoryStore) Put(_ context.Context, s *Session) error {
	data, err := encode(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sessions[s.ID] = memoryEntry{data: data, updatedAt: s.UpdatedAt}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) IdleSince(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, entry := range m.sessions {
		if entry.updatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len reports how many sessions are held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
