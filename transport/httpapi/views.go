package httpapi

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pithecene-io/cairn/types"
)

// IntentionView is the JSON form of a committed intention. Binary fields
// are hex encoded.
type IntentionView struct {
	ID         string          `json:"id" yaml:"id"`
	Writer     string          `json:"writer" yaml:"writer"`
	Nonce      uint64          `json:"nonce" yaml:"nonce"`
	Payload    json.RawMessage `json:"payload" yaml:"payload"`
	Signature  string          `json:"signature" yaml:"signature"`
	ReceivedAt time.Time       `json:"received_at" yaml:"received_at"`
}

// BundleView is the JSON form of a bundle.
type BundleView struct {
	Sequence          uint64          `json:"sequence" yaml:"sequence"`
	ContentID         string          `json:"content_id" yaml:"content_id"`
	PreviousContentID string          `json:"previous_content_id,omitempty" yaml:"previous_content_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at" yaml:"created_at"`
	Intentions        []IntentionView `json:"intentions" yaml:"intentions"`
}

// NewBundleView converts a bundle for rendering.
func NewBundleView(b *types.Bundle) BundleView {
	v := BundleView{
		Sequence:          b.Sequence,
		ContentID:         b.ContentID,
		PreviousContentID: b.PreviousContentID,
		CreatedAt:         b.CreatedAt,
		Intentions:        make([]IntentionView, len(b.Intentions)),
	}
	for i, in := range b.Intentions {
		v.Intentions[i] = IntentionView{
			ID:         in.ID,
			Writer:     in.Writer,
			Nonce:      in.Nonce,
			Payload:    in.Payload,
			Signature:  hex.EncodeToString(in.Signature),
			ReceivedAt: in.ReceivedAt,
		}
	}
	return v
}
