package types

import "time"

// Bundle is an immutable ordered batch of intentions committed as a unit.
// Sequence numbers start at 1 and are gapless. PreviousContentID is empty
// only for the first bundle.
type Bundle struct {
	Sequence          uint64      `json:"sequence"`
	PreviousContentID string      `json:"previous_content_id,omitempty"`
	ContentID         string      `json:"content_id"`
	CreatedAt         time.Time   `json:"created_at"`
	Intentions        []Intention `json:"intentions"`
}

// Len returns the number of intentions in the bundle.
func (b *Bundle) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Intentions)
}
