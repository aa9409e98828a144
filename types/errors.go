package types

import (
	"errors"
	"fmt"
)

// RejectReason classifies why a submission was not admitted.
type RejectReason string

// Reject reasons surfaced to submitters.
const (
	ReasonUnauthorized           RejectReason = "unauthorized"
	ReasonInvalidSignature       RejectReason = "invalid_signature"
	ReasonReplayedNonce          RejectReason = "replayed_nonce"
	ReasonNotEligible            RejectReason = "not_eligible"
	ReasonEligibilityUnavailable RejectReason = "eligibility_unavailable"
	ReasonPoolSaturated          RejectReason = "pool_saturated"
	ReasonMalformed              RejectReason = "malformed"
	ReasonShuttingDown           RejectReason = "shutting_down"
)

// Sentinel errors for each reject reason.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	ErrUnauthorized           = errors.New("unauthorized")
	ErrInvalidSignature       = errors.New("invalid signature")
	ErrReplayedNonce          = errors.New("replayed nonce")
	ErrNotEligible            = errors.New("writer not eligible")
	ErrEligibilityUnavailable = errors.New("eligibility unavailable")
	ErrPoolSaturated          = errors.New("pool saturated")
	ErrMalformed              = errors.New("malformed intention")
	ErrShuttingDown           = errors.New("node shutting down")
)

// Pipeline errors. Neither is surfaced to submitters.
var (
	// ErrPublishFailed is returned when a publish cycle exhausts its retries.
	// The cycle's intentions are re-queued.
	ErrPublishFailed = errors.New("publish failed")

	// ErrStateCorruption is returned when durable proposer state is
	// unreadable or inconsistent. The node refuses to start.
	ErrStateCorruption = errors.New("proposer state corruption")
)

var reasonKinds = map[RejectReason]error{
	ReasonUnauthorized:           ErrUnauthorized,
	ReasonInvalidSignature:       ErrInvalidSignature,
	ReasonReplayedNonce:          ErrReplayedNonce,
	ReasonNotEligible:            ErrNotEligible,
	ReasonEligibilityUnavailable: ErrEligibilityUnavailable,
	ReasonPoolSaturated:          ErrPoolSaturated,
	ReasonMalformed:              ErrMalformed,
	ReasonShuttingDown:           ErrShuttingDown,
}

// Kind returns the sentinel error for the reason.
func (r RejectReason) Kind() error {
	if k, ok := reasonKinds[r]; ok {
		return k
	}
	return errors.New(string(r))
}

// Retryable reports whether a submitter may retry the same intention.
func (r RejectReason) Retryable() bool {
	switch r {
	case ReasonEligibilityUnavailable, ReasonPoolSaturated, ReasonShuttingDown:
		return true
	default:
		return false
	}
}

// RejectionError is a definite rejection of one submission.
// It preserves the underlying cause for errors.As inspection.
type RejectionError struct {
	Reason RejectReason
	Writer string
	Nonce  uint64
	Err    error
}

func (e *RejectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rejected %s/%d: %s: %v", e.Writer, e.Nonce, e.Reason, e.Err)
	}
	return fmt.Sprintf("rejected %s/%d: %s", e.Writer, e.Nonce, e.Reason)
}

// Unwrap returns the underlying cause.
func (e *RejectionError) Unwrap() error { return e.Err }

// Is reports whether the reason's sentinel matches target.
func (e *RejectionError) Is(target error) bool {
	return errors.Is(e.Reason.Kind(), target)
}

// Retryable reports whether the rejection is advertised as retryable.
func (e *RejectionError) Retryable() bool { return e.Reason.Retryable() }

// Reject builds a RejectionError for the intention.
func Reject(reason RejectReason, in *Intention, err error) *RejectionError {
	re := &RejectionError{Reason: reason, Err: err}
	if in != nil {
		re.Writer = in.Writer
		re.Nonce = in.Nonce
	}
	return re
}

// ReasonOf extracts the reject reason from err, if any.
func ReasonOf(err error) (RejectReason, bool) {
	var re *RejectionError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	return "", false
}
