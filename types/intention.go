// Package types defines core domain types for the cairn node.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"encoding/json"
	"time"
)

// Intention is a signed action request submitted by a writer.
// Once validated it is never mutated; it moves from the pool into exactly
// one Bundle.
type Intention struct {
	// ID is the receipt identifier assigned on arrival.
	ID string `json:"id"`
	// Writer identifies the submitting account. For the ed25519 scheme it is
	// the lowercase hex encoding of the public key.
	Writer string `json:"writer"`
	// Nonce is the writer-scoped counter. The first valid nonce is 1.
	Nonce uint64 `json:"nonce"`
	// Payload is the opaque action data.
	Payload json.RawMessage `json:"payload"`
	// Signature covers the canonical encoding of (writer, nonce, payload).
	Signature []byte `json:"signature"`
	// ReceivedAt is the receipt timestamp.
	ReceivedAt time.Time `json:"received_at"`
}

// NonceUpdates returns the highest nonce per writer in the given intentions.
func NonceUpdates(intentions []Intention) map[string]uint64 {
	out := make(map[string]uint64)
	for i := range intentions {
		w := intentions[i].Writer
		if intentions[i].Nonce > out[w] {
			out[w] = intentions[i].Nonce
		}
	}
	return out
}
