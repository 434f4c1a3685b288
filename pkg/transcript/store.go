package transcript

import (
	"context"
	"sync"
)

// Store persists transcripts across process restarts. Append must keep the
// order of entries within and across calls.
type Store interface {
	Load(ctx context.Context, sessionID string) ([]Entry, error)
	Append(ctx context.Context, sessionID string, entries ...Entry) error
}

// MemoryStore keeps transcripts in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string][]Entry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string][]Entry{}}
}

func (m *MemoryStore) Load(_ context.Context, sessionID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.sessions[sessionID]
	out := make([]Entry, len(stored))
	for i, e := range stored {
		out[i] = e.Clone()
	}
	return out, nil
}

func (m *MemoryStore) Append(_ context.Context, sessionID string, entries ...Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.sessions[sessionID] = append(m.sessions[sessionID], e.Clone())
	}
	return nil
}
