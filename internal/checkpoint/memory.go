// ABOUTME: In-memory checkpoint store used in tests and single-process deployments
// ABOUTME: Stores deep clones so callers can never mutate a checkpoint in place

package checkpoint

import (
	"context"
	"sort"
	"sync"

	"github.com/infinitum-ia/taxi322/internal/state"
)

// MemoryStore keeps conversation state in a map guarded by a mutex.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*state.ConversationState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*state.ConversationState),
	}
}

// Load returns a clone of the stored state, or ErrNotFound.
func (m *MemoryStore) Load(ctx context.Context, id string) (*state.ConversationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone(), nil
}

// Save stores a clone of st, replacing any existing record.
func (m *MemoryStore) Save(ctx context.Context, st *state.ConversationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.conversations[st.ID] = st.Clone()
	return nil
}

// List returns up to limit conversations ordered by most recent update.
func (m *MemoryStore) List(ctx context.Context, limit int) ([]*state.ConversationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*state.ConversationState, 0, len(m.conversations))
	for _, st := range m.conversations {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete removes a conversation. Returns ErrNotFound if it does not exist.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(m.conversations, id)
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)
