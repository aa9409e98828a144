// Package validator checks a single intention before it may enter the pool.
//
// Checks run in a fixed order: shape, signature, replay, eligibility. The
// replay check here is a fast pre-check; the pool repeats it atomically on
// Accept. Validation never mutates proposer state.
package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/pithecene-io/cairn/canon"
	"github.com/pithecene-io/cairn/eligibility"
	"github.com/pithecene-io/cairn/signature"
	"github.com/pithecene-io/cairn/types"
)

// DefaultEligibilityTimeout bounds a single eligibility lookup.
const DefaultEligibilityTimeout = 2 * time.Second

// MaxPayloadBytes is the largest accepted payload.
const MaxPayloadBytes = 64 << 10

// MaxNonce is the largest nonce the durable state stores can record.
const MaxNonce = math.MaxInt64

// NonceSource reports the highest nonce already accepted for a writer,
// committed or pooled. pool.Pool implements it.
type NonceSource interface {
	HighestNonce(writer string) uint64
}

// Config configures a Validator.
type Config struct {
	Verifier           signature.Verifier
	Nonces             NonceSource
	Oracle             eligibility.Oracle
	EligibilityTimeout time.Duration
}

// Validator verifies intentions.
type Validator struct {
	verifier signature.Verifier
	nonces   NonceSource
	oracle   eligibility.Oracle
	timeout  time.Duration
}

// New creates a validator. Verifier defaults to ed25519 and Oracle to
// allow-all; Nonces is required.
func New(cfg Config) (*Validator, error) {
	if cfg.Nonces == nil {
		return nil, errors.New("validator requires a nonce source")
	}
	if cfg.Verifier == nil {
		cfg.Verifier = signature.Ed25519{}
	}
	if cfg.Oracle == nil {
		cfg.Oracle = eligibility.AllowAll{}
	}
	if cfg.EligibilityTimeout <= 0 {
		cfg.EligibilityTimeout = DefaultEligibilityTimeout
	}
	return &Validator{
		verifier: cfg.Verifier,
		nonces:   cfg.Nonces,
		oracle:   cfg.Oracle,
		timeout:  cfg.EligibilityTimeout,
	}, nil
}

// Validate returns nil if in may be admitted, otherwise a
// *types.RejectionError.
func (v *Validator) Validate(ctx context.Context, in *types.Intention) error {
	if err := checkShape(in); err != nil {
		return types.Reject(types.ReasonMalformed, in, err)
	}

	msg, err := canon.SigningMessage(in.Writer, in.Nonce, in.Payload)
	if err != nil {
		return types.Reject(types.ReasonMalformed, in, err)
	}
	if err := v.verifier.Verify(in.Writer, msg, in.Signature); err != nil {
		return types.Reject(types.ReasonInvalidSignature, in, err)
	}

	if last := v.nonces.HighestNonce(in.Writer); in.Nonce <= last {
		return types.Reject(types.ReasonReplayedNonce, in,
			fmt.Errorf("nonce %d <= last accepted %d", in.Nonce, last))
	}

	lookupCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	ok, err := v.oracle.Eligible(lookupCtx, in.Writer, in.Payload)
	if err != nil {
		return types.Reject(types.ReasonEligibilityUnavailable, in, err)
	}
	if !ok {
		return types.Reject(types.ReasonNotEligible, in, nil)
	}
	return nil
}

func checkShape(in *types.Intention) error {
	switch {
	case in.Writer == "":
		return errors.New("writer is required")
	case in.Nonce > MaxNonce:
		return fmt.Errorf("nonce exceeds %d", uint64(MaxNonce))
	case len(in.Signature) == 0:
		return errors.New("signature is required")
	case len(in.Payload) == 0:
		return errors.New("payload is required")
	case len(in.Payload) > MaxPayloadBytes:
		return fmt.Errorf("payload exceeds %d bytes", MaxPayloadBytes)
	case !json.Valid(in.Payload):
		return errors.New("payload is not valid JSON")
	}
	return nil
}
