package cmd

import (
	"errors"
	"testing"
	"time"

	"github.com/pithecene-io/cairn/canon"
	"github.com/pithecene-io/cairn/state"
	"github.com/pithecene-io/cairn/types"
)

func TestLoadStateView(t *testing.T) {
	ctx := t.Context()
	store := state.NewMemoryStore()

	writer := state.NewTracker(store)
	if _, err := writer.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	prev := ""
	for seq := uint64(1); seq <= 3; seq++ {
		cid := canon.ContentID([]byte{byte(seq)})
		err := writer.Advance(ctx, state.Commit{
			Sequence:          seq,
			ContentID:         cid,
			PreviousContentID: prev,
			NonceUpdates:      map[string]uint64{"w1": seq},
			Intentions:        1,
			CommittedAt:       time.Unix(int64(seq), 0).UTC(),
		})
		if err != nil {
			t.Fatalf("Advance(%d): %v", seq, err)
		}
		prev = cid
	}

	view, err := loadStateView(ctx, state.NewTracker(store), 2)
	if err != nil {
		t.Fatalf("loadStateView: %v", err)
	}
	if view.Sequence != 3 || view.ContentID != prev {
		t.Errorf("head = %d/%s, want 3/%s", view.Sequence, view.ContentID, prev)
	}
	if view.Writers != 1 {
		t.Errorf("writers = %d, want 1", view.Writers)
	}
	if len(view.History) != 2 || view.History[0].Sequence != 3 {
		t.Errorf("history = %+v, want the two newest records", view.History)
	}
}

func TestLoadStateView_Empty(t *testing.T) {
	view, err := loadStateView(t.Context(), state.NewTracker(state.NewMemoryStore()), 0)
	if err != nil {
		t.Fatalf("loadStateView: %v", err)
	}
	if view.Sequence != 0 || view.ContentID != "" {
		t.Errorf("fresh state head = %d/%q", view.Sequence, view.ContentID)
	}
	if view.History == nil {
		t.Error("history should render as an empty list, not null")
	}
}

func TestLoadStateView_Corrupt(t *testing.T) {
	store := state.NewMemoryStoreFrom(state.Snapshot{Sequence: 4})
	_, err := loadStateView(t.Context(), state.NewTracker(store), 5)
	if !errors.Is(err, types.ErrStateCorruption) {
		t.Fatalf("err = %v, want ErrStateCorruption", err)
	}
}
