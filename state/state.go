// Package state holds the proposer's durable cursor: the last committed
// bundle sequence and content id, and the highest committed nonce per writer.
//
// The Tracker is the in-memory authority read by the validator and pool and
// advanced only by the publisher after ledger confirmation. A Store persists
// it; every Store implements Advance as an atomic compare-and-set against the
// current head.
package state

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/pithecene-io/cairn/canon"
	"github.com/pithecene-io/cairn/types"
)

// ErrConflict is returned when a commit does not extend the current head.
var ErrConflict = errors.New("state advance conflict")

// Snapshot is a point-in-time copy of proposer state.
type Snapshot struct {
	Sequence  uint64            `json:"sequence"`
	ContentID string            `json:"content_id,omitempty"`
	Nonces    map[string]uint64 `json:"nonces"`
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Nonces = make(map[string]uint64, len(s.Nonces))
	maps.Copy(out.Nonces, s.Nonces)
	return out
}

// Commit describes one confirmed bundle advancing the head.
type Commit struct {
	Sequence          uint64
	ContentID         string
	PreviousContentID string
	NonceUpdates      map[string]uint64
	Intentions        int
	CommittedAt       time.Time
}

// Record is one committed bundle in the state history.
type Record struct {
	Sequence          uint64    `json:"sequence"`
	ContentID         string    `json:"content_id"`
	PreviousContentID string    `json:"previous_content_id,omitempty"`
	Intentions        int       `json:"intentions"`
	CommittedAt       time.Time `json:"committed_at"`
}

// Store persists proposer state.
type Store interface {
	// Load returns the persisted state, or the zero state if none exists.
	Load(ctx context.Context) (Snapshot, error)
	// Advance atomically applies c if it extends the persisted head.
	// Returns ErrConflict otherwise.
	Advance(ctx context.Context, c Commit) error
	// History returns up to limit most recent records, newest first.
	History(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// CommitFromBundle builds the commit for a sealed bundle.
func CommitFromBundle(b *types.Bundle, at time.Time) Commit {
	return Commit{
		Sequence:          b.Sequence,
		ContentID:         b.ContentID,
		PreviousContentID: b.PreviousContentID,
		NonceUpdates:      types.NonceUpdates(b.Intentions),
		Intentions:        len(b.Intentions),
		CommittedAt:       at.UTC(),
	}
}

// Validate reports whether s is internally consistent.
// Errors wrap types.ErrStateCorruption.
func Validate(s Snapshot) error {
	switch {
	case s.Sequence == 0 && s.ContentID != "":
		return fmt.Errorf("%w: content id %q recorded without a committed bundle", types.ErrStateCorruption, s.ContentID)
	case s.Sequence > 0 && s.ContentID == "":
		return fmt.Errorf("%w: sequence %d has no content id", types.ErrStateCorruption, s.Sequence)
	}
	if s.ContentID != "" {
		if err := canon.ValidateContentID(s.ContentID); err != nil {
			return fmt.Errorf("%w: %v", types.ErrStateCorruption, err)
		}
	}
	for w, n := range s.Nonces {
		if w == "" || n == 0 {
			return fmt.Errorf("%w: invalid nonce record %q=%d", types.ErrStateCorruption, w, n)
		}
	}
	return nil
}

// check reports whether c extends s.
func check(s Snapshot, c Commit) error {
	if c.Sequence != s.Sequence+1 || c.PreviousContentID != s.ContentID {
		return fmt.Errorf("%w: head is %d/%q, commit is %d on %q",
			ErrConflict, s.Sequence, s.ContentID, c.Sequence, c.PreviousContentID)
	}
	if c.ContentID == "" {
		return fmt.Errorf("%w: commit %d has no content id", ErrConflict, c.Sequence)
	}
	return nil
}

// apply advances s by c. Nonce watermarks only move upward.
func apply(s *Snapshot, c Commit) {
	s.Sequence = c.Sequence
	s.ContentID = c.ContentID
	if s.Nonces == nil {
		s.Nonces = make(map[string]uint64, len(c.NonceUpdates))
	}
	for w, n := range c.NonceUpdates {
		if n > s.Nonces[w] {
			s.Nonces[w] = n
		}
	}
}
