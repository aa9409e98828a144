// Package ledger defines the boundary to the external ledger that anchors
// bundle content ids.
//
// A ledger records one commitment per sequence number. Commitments form a
// chain: sequence n+1 must name the content id committed at n as its
// previous content id. Resubmitting an identical commitment is confirmed
// again; anything else at an occupied sequence is rejected.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/pithecene-io/cairn/canon"
)

var (
	// ErrRejected means the ledger refused the commitment. Not retryable.
	ErrRejected = errors.New("ledger rejected commitment")

	// ErrUnavailable means the ledger could not be reached or did not
	// answer. Retryable.
	ErrUnavailable = errors.New("ledger unavailable")
)

// Commitment anchors one bundle.
type Commitment struct {
	Sequence          uint64 `json:"sequence"`
	ContentID         string `json:"content_id"`
	PreviousContentID string `json:"previous_content_id,omitempty"`
}

// Validate checks the commitment's shape.
func (c Commitment) Validate() error {
	if c.Sequence == 0 {
		return fmt.Errorf("%w: sequence must be >= 1", ErrRejected)
	}
	if err := canon.ValidateContentID(c.ContentID); err != nil {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	if c.Sequence == 1 && c.PreviousContentID != "" {
		return fmt.Errorf("%w: sequence 1 has a previous content id", ErrRejected)
	}
	if c.Sequence > 1 && c.PreviousContentID == "" {
		return fmt.Errorf("%w: sequence %d has no previous content id", ErrRejected, c.Sequence)
	}
	return nil
}

// Client submits and looks up commitments.
type Client interface {
	// SubmitCommitment anchors c. nil means confirmed.
	// Errors wrap ErrRejected or ErrUnavailable.
	SubmitCommitment(ctx context.Context, c Commitment) error

	// Commitment returns the commitment recorded at seq, if any.
	Commitment(ctx context.Context, seq uint64) (Commitment, bool, error)

	// Close releases client resources.
	Close() error
}

// Admit decides whether c may be appended given the current head and the
// commitment already recorded at c.Sequence (nil if none). duplicate is true
// when c is already recorded and the submission should be confirmed without
// writing.
func Admit(head *Commitment, existing *Commitment, c Commitment) (duplicate bool, err error) {
	if err := c.Validate(); err != nil {
		return false, err
	}
	if existing != nil {
		if existing.ContentID == c.ContentID && existing.PreviousContentID == c.PreviousContentID {
			return true, nil
		}
		return false, fmt.Errorf("%w: sequence %d already committed as %s", ErrRejected, c.Sequence, existing.ContentID)
	}

	var headSeq uint64
	var headCID string
	if head != nil {
		headSeq, headCID = head.Sequence, head.ContentID
	}
	if c.Sequence != headSeq+1 {
		return false, fmt.Errorf("%w: sequence %d does not follow head %d", ErrRejected, c.Sequence, headSeq)
	}
	if c.PreviousContentID != headCID {
		return false, fmt.Errorf("%w: previous content id %q does not match head %q", ErrRejected, c.PreviousContentID, headCID)
	}
	return false, nil
}
