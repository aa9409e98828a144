// Package canon defines the deterministic encodings that signatures and
// content ids are computed over.
//
// Both encodings are msgpack arrays with a fixed element order, integer
// timestamps (unix nanoseconds) and payloads carried as raw bytes, so the
// same logical value always produces the same bytes.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/cairn/types"
)

// ContentIDPrefix names the digest algorithm of every content id.
const ContentIDPrefix = "sha256:"

var (
	// ErrInvalidContentID is returned for ids that are not sha256:<64 hex>.
	ErrInvalidContentID = errors.New("invalid content id")

	// ErrContentMismatch is returned when bytes do not hash to the expected id.
	ErrContentMismatch = errors.New("content id mismatch")

	// ErrUnknownFormat is returned when decoding bytes with a foreign format tag.
	ErrUnknownFormat = errors.New("unknown bundle format")
)

type signingMessage struct {
	_msgpack struct{} `msgpack:",as_array"`

	Domain  string
	Writer  string
	Nonce   uint64
	Payload []byte
}

type wireIntention struct {
	_msgpack struct{} `msgpack:",as_array"`

	ID         string
	Writer     string
	Nonce      uint64
	Payload    []byte
	Signature  []byte
	ReceivedAt int64
}

type wireBundle struct {
	_msgpack struct{} `msgpack:",as_array"`

	Format            string
	Sequence          uint64
	PreviousContentID string
	CreatedAt         int64
	Intentions        []wireIntention
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SigningMessage returns the bytes a writer signs for an intention.
func SigningMessage(writer string, nonce uint64, payload []byte) ([]byte, error) {
	b, err := encode(signingMessage{
		Domain:  types.SigningDomain,
		Writer:  writer,
		Nonce:   nonce,
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode signing message: %w", err)
	}
	return b, nil
}

// EncodeBundle serializes everything in b except its content id.
func EncodeBundle(b *types.Bundle) ([]byte, error) {
	w := wireBundle{
		Format:            types.BundleFormat,
		Sequence:          b.Sequence,
		PreviousContentID: b.PreviousContentID,
		CreatedAt:         b.CreatedAt.UnixNano(),
		Intentions:        make([]wireIntention, len(b.Intentions)),
	}
	for i := range b.Intentions {
		in := &b.Intentions[i]
		w.Intentions[i] = wireIntention{
			ID:         in.ID,
			Writer:     in.Writer,
			Nonce:      in.Nonce,
			Payload:    in.Payload,
			Signature:  in.Signature,
			ReceivedAt: in.ReceivedAt.UnixNano(),
		}
	}
	data, err := encode(w)
	if err != nil {
		return nil, fmt.Errorf("encode bundle %d: %w", b.Sequence, err)
	}
	return data, nil
}

// Seal encodes b, sets its ContentID and returns the encoded bytes.
func Seal(b *types.Bundle) ([]byte, error) {
	data, err := EncodeBundle(b)
	if err != nil {
		return nil, err
	}
	b.ContentID = ContentID(data)
	return data, nil
}

// DecodeBundle parses bundle bytes and derives the content id from them.
func DecodeBundle(data []byte) (*types.Bundle, error) {
	var w wireBundle
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if w.Format != types.BundleFormat {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, w.Format)
	}

	b := &types.Bundle{
		Sequence:          w.Sequence,
		PreviousContentID: w.PreviousContentID,
		ContentID:         ContentID(data),
		CreatedAt:         time.Unix(0, w.CreatedAt).UTC(),
		Intentions:        make([]types.Intention, len(w.Intentions)),
	}
	for i, wi := range w.Intentions {
		b.Intentions[i] = types.Intention{
			ID:         wi.ID,
			Writer:     wi.Writer,
			Nonce:      wi.Nonce,
			Payload:    wi.Payload,
			Signature:  wi.Signature,
			ReceivedAt: time.Unix(0, wi.ReceivedAt).UTC(),
		}
	}
	return b, nil
}

// ContentID returns the content id of data.
func ContentID(data []byte) string {
	sum := sha256.Sum256(data)
	return ContentIDPrefix + hex.EncodeToString(sum[:])
}

// ValidateContentID checks that id is well formed.
func ValidateContentID(id string) error {
	digest, ok := strings.CutPrefix(id, ContentIDPrefix)
	if !ok || len(digest) != sha256.Size*2 {
		return fmt.Errorf("%w: %q", ErrInvalidContentID, id)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidContentID, id)
	}
	if strings.ToLower(digest) != digest {
		return fmt.Errorf("%w: %q must be lowercase", ErrInvalidContentID, id)
	}
	return nil
}

// VerifyContentID checks that data hashes to id.
func VerifyContentID(id string, data []byte) error {
	if got := ContentID(data); got != id {
		return fmt.Errorf("%w: want %s, got %s", ErrContentMismatch, id, got)
	}
	return nil
}
