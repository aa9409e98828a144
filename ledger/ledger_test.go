package ledger

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func cid(label string) string {
	const hex = "0123456789abcdef"
	var b strings.Builder
	b.WriteString("sha256:")
	for i := range 64 {
		b.WriteByte(hex[(int(label[i%len(label)])+i)%16])
	}
	return b.String()
}

func chain(n int) []Commitment {
	out := make([]Commitment, n)
	prev := ""
	for i := range n {
		c := Commitment{Sequence: uint64(i + 1), ContentID: cid(fmt.Sprintf("b%d", i+1)), PreviousContentID: prev}
		out[i] = c
		prev = c.ContentID
	}
	return out
}

func TestCommitment_Validate(t *testing.T) {
	good := chain(2)
	tests := []struct {
		name string
		c    Commitment
		ok   bool
	}{
		{"first", good[0], true},
		{"second", good[1], true},
		{"zero sequence", Commitment{ContentID: good[0].ContentID}, false},
		{"bad content id", Commitment{Sequence: 1, ContentID: "sha256:xyz"}, false},
		{"first with previous", Commitment{Sequence: 1, ContentID: good[0].ContentID, PreviousContentID: good[1].ContentID}, false},
		{"later without previous", Commitment{Sequence: 2, ContentID: good[1].ContentID}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrRejected) {
				t.Fatalf("expected ErrRejected, got %v", err)
			}
		})
	}
}

func TestMemory_AppendsChain(t *testing.T) {
	m := NewMemory()
	for _, c := range chain(3) {
		if err := m.SubmitCommitment(t.Context(), c); err != nil {
			t.Fatalf("submit %d: %v", c.Sequence, err)
		}
	}
	head, ok := m.Head()
	if !ok || head.Sequence != 3 {
		t.Fatalf("head = %+v, %v; want sequence 3", head, ok)
	}
	got, ok, err := m.Commitment(t.Context(), 2)
	if err != nil || !ok || got != chain(3)[1] {
		t.Errorf("Commitment(2) = %+v, %v, %v", got, ok, err)
	}
	if _, ok, _ := m.Commitment(t.Context(), 4); ok {
		t.Error("Commitment(4) should not exist")
	}
}

func TestMemory_IdempotentResubmit(t *testing.T) {
	m := NewMemory()
	c := chain(1)[0]
	for i := range 2 {
		if err := m.SubmitCommitment(t.Context(), c); err != nil {
			t.Fatalf("submit #%d: %v", i, err)
		}
	}
}

func TestMemory_Rejections(t *testing.T) {
	cs := chain(3)
	tests := []struct {
		name string
		c    Commitment
	}{
		{"gap", cs[2]},
		{"conflicting content", Commitment{Sequence: 1, ContentID: cs[1].ContentID}},
		{"broken link", Commitment{Sequence: 2, ContentID: cs[1].ContentID, PreviousContentID: cs[2].ContentID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemory()
			if err := m.SubmitCommitment(t.Context(), cs[0]); err != nil {
				t.Fatalf("submit first: %v", err)
			}
			if err := m.SubmitCommitment(t.Context(), tt.c); !errors.Is(err, ErrRejected) {
				t.Fatalf("expected ErrRejected, got %v", err)
			}
		})
	}
}

func TestMemory_FailHook(t *testing.T) {
	m := NewMemory()
	m.Fail = func(Commitment) error { return ErrUnavailable }

	c := chain(1)[0]
	if err := m.SubmitCommitment(t.Context(), c); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, ok := m.Head(); ok {
		t.Error("failed submission must not be recorded")
	}

	m.Fail = nil
	if err := m.SubmitCommitment(t.Context(), c); err != nil {
		t.Fatalf("submit after recovery: %v", err)
	}
	if m.Submits() != 2 {
		t.Errorf("Submits() = %d, want 2", m.Submits())
	}
}
