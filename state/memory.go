package state

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore is a non-durable Store for tests and development.
type MemoryStore struct {
	mu      sync.Mutex
	snap    Snapshot
	history []Record
	closed  bool

	// ErrorOnAdvance, when set, is returned by Advance.
	ErrorOnAdvance error
	// ErrorOnLoad, when set, is returned by Load.
	ErrorOnLoad error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snap: Snapshot{Nonces: make(map[string]uint64)}}
}

// NewMemoryStoreFrom creates a store seeded with snap. Useful for
// exercising startup validation.
func NewMemoryStoreFrom(snap Snapshot) *MemoryStore {
	return &MemoryStore{snap: snap.Clone()}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ErrorOnLoad != nil {
		return Snapshot{}, m.ErrorOnLoad
	}
	return m.snap.Clone(), nil
}

// Advance implements Store.
func (m *MemoryStore) Advance(_ context.Context, c Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ErrorOnAdvance != nil {
		return m.ErrorOnAdvance
	}
	if err := check(m.snap, c); err != nil {
		return err
	}
	apply(&m.snap, c)
	m.history = append(m.history, Record{
		Sequence:          c.Sequence,
		ContentID:         c.ContentID,
		PreviousContentID: c.PreviousContentID,
		Intentions:        c.Intentions,
		CommittedAt:       c.CommittedAt,
	})
	return nil
}

// History implements Store.
func (m *MemoryStore) History(_ context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Clone(m.history)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (m *MemoryStore) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

var _ Store = (*MemoryStore)(nil)
