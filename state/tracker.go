package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pithecene-io/cairn/types"
)

// ErrNotLoaded is returned when the tracker is used before Load.
var ErrNotLoaded = errors.New("proposer state not loaded")

// Tracker is the in-memory view of proposer state backed by a Store.
// Readers share the read lock; Advance holds the write lock across the
// store write so no reader observes a head the store has not accepted.
type Tracker struct {
	store Store

	mu     sync.RWMutex
	snap   Snapshot
	loaded bool
}

// NewTracker creates a tracker over store. Call Load before use.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

// Load reads state from the store and validates it.
// Inconsistent state wraps types.ErrStateCorruption.
func (t *Tracker) Load(ctx context.Context) (Snapshot, error) {
	snap, err := t.store.Load(ctx)
	if err != nil {
		if errors.Is(err, types.ErrStateCorruption) {
			return Snapshot{}, err
		}
		return Snapshot{}, fmt.Errorf("load proposer state: %w", err)
	}
	if snap.Nonces == nil {
		snap.Nonces = make(map[string]uint64)
	}
	if err := Validate(snap); err != nil {
		return Snapshot{}, err
	}

	t.mu.Lock()
	t.snap = snap
	t.loaded = true
	t.mu.Unlock()
	return snap.Clone(), nil
}

// Head returns the last committed sequence and content id.
func (t *Tracker) Head() (uint64, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap.Sequence, t.snap.ContentID
}

// CommittedNonce returns the writer's highest committed nonce, 0 if none.
func (t *Tracker) CommittedNonce(writer string) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap.Nonces[writer]
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap.Clone()
}

// Advance persists c and then applies it in memory.
// The tracker is unchanged if the store rejects the commit.
func (t *Tracker) Advance(ctx context.Context, c Commit) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.loaded {
		return ErrNotLoaded
	}
	if err := check(t.snap, c); err != nil {
		return err
	}
	if err := t.store.Advance(ctx, c); err != nil {
		return fmt.Errorf("persist commit %d: %w", c.Sequence, err)
	}
	apply(&t.snap, c)
	return nil
}

// History proxies the store's commit history.
func (t *Tracker) History(ctx context.Context, limit int) ([]Record, error) {
	return t.store.History(ctx, limit)
}

// Close closes the underlying store.
func (t *Tracker) Close() error {
	return t.store.Close()
}
