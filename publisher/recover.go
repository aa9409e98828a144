package publisher

import (
	"context"
	"errors"
	"fmt"

	"github.com/pithecene-io/cairn/canon"
	"github.com/pithecene-io/cairn/contentstore"
	"github.com/pithecene-io/cairn/state"
	"github.com/pithecene-io/cairn/types"
)

// Recover replays commitments the ledger confirmed beyond the state head.
// This closes the gap left by a crash between ledger confirmation and the
// state write. Returns the number of bundles applied.
//
// A commitment whose bundle is missing from the content store, or whose
// bytes do not match it, wraps types.ErrStateCorruption.
func (p *Publisher) Recover(ctx context.Context) (int, error) {
	ctx, span := p.tracer.Start(ctx, "publisher.Recover")
	defer span.End()

	p.mu.Lock()
	defer p.mu.Unlock()

	applied := 0
	for {
		seq, head := p.state.Head()
		next := seq + 1

		c, ok, err := p.ledger.Commitment(ctx, next)
		if err != nil {
			return applied, fmt.Errorf("look up commitment %d: %w", next, err)
		}
		if !ok {
			return applied, nil
		}
		if c.PreviousContentID != head {
			return applied, fmt.Errorf("%w: ledger commitment %d links to %q, state head is %q",
				types.ErrStateCorruption, next, c.PreviousContentID, head)
		}

		data, err := p.content.Get(ctx, c.ContentID)
		switch {
		case errors.Is(err, contentstore.ErrNotFound), errors.Is(err, contentstore.ErrCorrupt),
			errors.Is(err, canon.ErrContentMismatch):
			return applied, fmt.Errorf("%w: bundle %d (%s): %v", types.ErrStateCorruption, next, c.ContentID, err)
		case err != nil:
			return applied, fmt.Errorf("fetch bundle %d: %w", next, err)
		}

		b, err := canon.DecodeBundle(data)
		if err != nil {
			return applied, fmt.Errorf("%w: bundle %d: %v", types.ErrStateCorruption, next, err)
		}
		if b.ContentID != c.ContentID || b.Sequence != next || b.PreviousContentID != head {
			return applied, fmt.Errorf("%w: bundle %s does not match commitment %d", types.ErrStateCorruption, c.ContentID, next)
		}

		if err := p.state.Advance(ctx, state.CommitFromBundle(b, p.now())); err != nil {
			return applied, fmt.Errorf("advance state to %d: %w", next, err)
		}
		applied++
		p.logger.Warn("recovered bundle confirmed before restart", map[string]any{
			"sequence":   b.Sequence,
			"content_id": b.ContentID,
			"intentions": b.Len(),
		})
	}
}
