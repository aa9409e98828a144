// Package statetest provides a behavioural test suite shared by every
// state.Store implementation.
package statetest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pithecene-io/cairn/state"
)

// CID returns a well-formed content id derived from label.
func CID(label string) string {
	sum := sha256.Sum256([]byte(label))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Chain returns n commits forming a linear history from the zero state.
func Chain(n int) []state.Commit {
	commits := make([]state.Commit, n)
	prev := ""
	for i := range n {
		cid := CID(fmt.Sprintf("bundle-%d", i+1))
		commits[i] = state.Commit{
			Sequence:          uint64(i + 1),
			ContentID:         cid,
			PreviousContentID: prev,
			NonceUpdates:      map[string]uint64{"writer-a": uint64(i + 1)},
			Intentions:        1,
			CommittedAt:       time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC),
		}
		prev = cid
	}
	return commits
}

// Run exercises a Store produced by open. open must return an empty store;
// reopen, if non-nil, must return a new handle over the same durable data.
func Run(t *testing.T, open func(t *testing.T) state.Store, reopen func(t *testing.T) state.Store) {
	t.Helper()

	t.Run("empty load", func(t *testing.T) {
		s := open(t)
		snap, err := s.Load(t.Context())
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if snap.Sequence != 0 || snap.ContentID != "" || len(snap.Nonces) != 0 {
			t.Errorf("empty store loaded %+v", snap)
		}
	})

	t.Run("advance chain", func(t *testing.T) {
		s := open(t)
		for _, c := range Chain(3) {
			if err := s.Advance(t.Context(), c); err != nil {
				t.Fatalf("advance %d: %v", c.Sequence, err)
			}
		}
		snap, err := s.Load(t.Context())
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if snap.Sequence != 3 || snap.ContentID != CID("bundle-3") {
			t.Errorf("head = %d/%s", snap.Sequence, snap.ContentID)
		}
		if snap.Nonces["writer-a"] != 3 {
			t.Errorf("nonce = %d, want 3", snap.Nonces["writer-a"])
		}
	})

	t.Run("rejects gap and fork", func(t *testing.T) {
		s := open(t)
		chain := Chain(2)
		if err := s.Advance(t.Context(), chain[1]); !errors.Is(err, state.ErrConflict) {
			t.Errorf("gap: err = %v, want ErrConflict", err)
		}
		if err := s.Advance(t.Context(), chain[0]); err != nil {
			t.Fatalf("advance: %v", err)
		}
		fork := chain[1]
		fork.PreviousContentID = CID("elsewhere")
		if err := s.Advance(t.Context(), fork); !errors.Is(err, state.ErrConflict) {
			t.Errorf("fork: err = %v, want ErrConflict", err)
		}
		if err := s.Advance(t.Context(), chain[0]); !errors.Is(err, state.ErrConflict) {
			t.Errorf("replay: err = %v, want ErrConflict", err)
		}
	})

	t.Run("nonces only move up", func(t *testing.T) {
		s := open(t)
		chain := Chain(2)
		chain[0].NonceUpdates = map[string]uint64{"a": 5, "b": 2}
		chain[1].NonceUpdates = map[string]uint64{"a": 3, "b": 7}
		for _, c := range chain {
			if err := s.Advance(t.Context(), c); err != nil {
				t.Fatalf("advance: %v", err)
			}
		}
		snap, err := s.Load(t.Context())
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if snap.Nonces["a"] != 5 || snap.Nonces["b"] != 7 {
			t.Errorf("nonces = %v, want a=5 b=7", snap.Nonces)
		}
	})

	t.Run("history newest first", func(t *testing.T) {
		s := open(t)
		for _, c := range Chain(4) {
			if err := s.Advance(t.Context(), c); err != nil {
				t.Fatalf("advance: %v", err)
			}
		}
		recs, err := s.History(t.Context(), 2)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(recs) != 2 || recs[0].Sequence != 4 || recs[1].Sequence != 3 {
			t.Fatalf("history = %+v", recs)
		}
		if recs[0].PreviousContentID != CID("bundle-3") {
			t.Errorf("previous = %s", recs[0].PreviousContentID)
		}
		if !recs[0].CommittedAt.Equal(time.Date(2026, 1, 1, 0, 0, 3, 0, time.UTC)) {
			t.Errorf("committed_at = %v", recs[0].CommittedAt)
		}
	})

	if reopen == nil {
		return
	}

	t.Run("durable across reopen", func(t *testing.T) {
		s := open(t)
		for _, c := range Chain(2) {
			if err := s.Advance(t.Context(), c); err != nil {
				t.Fatalf("advance: %v", err)
			}
		}
		if err := s.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}

		again := reopen(t)
		snap, err := again.Load(t.Context())
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if snap.Sequence != 2 || snap.ContentID != CID("bundle-2") || snap.Nonces["writer-a"] != 2 {
			t.Errorf("reopened state = %+v", snap)
		}
	})
}
