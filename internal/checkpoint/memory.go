package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nidhogg/nuka-conductor/internal/orchestrator"
)

// MemoryStore keeps encoded checkpoints in process memory. It applies the
// same codec as the database store so reloads see the same truncation.
type MemoryStore struct {
	codec *Codec

	mu       sync.RWMutex
	sessions map[string]map[int][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(codec *Codec) *MemoryStore {
	if codec == nil {
		codec = NewCodec(DefaultLimits())
	}
	return &MemoryStore{codec: codec, sessions: make(map[string]map[int][]byte)}
}

// Save upserts the state for (sessionID, turnIndex).
func (m *MemoryStore) Save(_ context.Context, sessionID string, turnIndex int, s *orchestrator.State) error {
	data, err := m.codec.Encode(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	turns, ok := m.sessions[sessionID]
	if !ok {
		turns = make(map[int][]byte)
		m.sessions[sessionID] = turns
	}
	turns[turnIndex] = data
	return nil
}

// LoadAll returns every saved turn in turn order.
func (m *MemoryStore) LoadAll(_ context.Context, sessionID string) ([]*orchestrator.State, error) {
	m.mu.RLock()
	turns := m.sessions[sessionID]
	idx := make([]int, 0, len(turns))
	blobs := make(map[int][]byte, len(turns))
	for i, b := range turns {
		idx = append(idx, i)
		blobs[i] = b
	}
	m.mu.RUnlock()

	sort.Ints(idx)
	out := make([]*orchestrator.State, 0, len(idx))
	for _, i := range idx {
		s, err := m.codec.Decode(blobs[i])
		if err != nil {
			return nil, fmt.Errorf("turn %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// LatestTurnIndex returns the highest saved turn, or -1.
func (m *MemoryStore) LatestTurnIndex(_ context.Context, sessionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	latest := -1
	for i := range m.sessions[sessionID] {
		if i > latest {
			latest = i
		}
	}
	return latest, nil
}

// LoadTurn returns one saved turn.
func (m *MemoryStore) LoadTurn(_ context.Context, sessionID string, turnIndex int) (*orchestrator.State, error) {
	m.mu.RLock()
	data, ok := m.sessions[sessionID][turnIndex]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s/%d: %w", sessionID, turnIndex, ErrNotFound)
	}
	return m.codec.Decode(data)
}

// Delete drops every turn of the session.
func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	return nil
}
