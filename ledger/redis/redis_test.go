package redis

import (
	"errors"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/pithecene-io/cairn/ledger"
)

func cid(c byte) string {
	return "sha256:" + strings.Repeat(string(c), 64)
}

func chain() []ledger.Commitment {
	return []ledger.Commitment{
		{Sequence: 1, ContentID: cid('a')},
		{Sequence: 2, ContentID: cid('b'), PreviousContentID: cid('a')},
		{Sequence: 3, ContentID: cid('c'), PreviousContentID: cid('b')},
	}
}

func newLedger(t *testing.T) (*Ledger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	l, err := New(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l, mr
}

func TestSubmit_AppendsAndStreams(t *testing.T) {
	l, mr := newLedger(t)

	for _, c := range chain() {
		if err := l.SubmitCommitment(t.Context(), c); err != nil {
			t.Fatalf("submit %d: %v", c.Sequence, err)
		}
	}

	got, ok, err := l.Commitment(t.Context(), 2)
	if err != nil || !ok {
		t.Fatalf("Commitment(2) = %v, %v", ok, err)
	}
	if got != chain()[1] {
		t.Errorf("Commitment(2) = %+v, want %+v", got, chain()[1])
	}

	entries, err := mr.Stream(l.StreamKey())
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 stream entries, got %d", len(entries))
	}
	values := entries[2].Values
	// Values alternate field, value.
	if len(values) < 2 || values[0] != "sequence" || values[1] != "3" {
		t.Errorf("unexpected stream entry %v", values)
	}
}

func TestSubmit_IdempotentResubmit(t *testing.T) {
	l, mr := newLedger(t)
	c := chain()[0]

	for i := range 2 {
		if err := l.SubmitCommitment(t.Context(), c); err != nil {
			t.Fatalf("submit #%d: %v", i, err)
		}
	}
	entries, _ := mr.Stream(l.StreamKey())
	if len(entries) != 1 {
		t.Errorf("resubmission must not append to the stream, got %d entries", len(entries))
	}
}

func TestSubmit_RejectsConflicts(t *testing.T) {
	tests := []struct {
		name string
		c    ledger.Commitment
	}{
		{"gap", chain()[2]},
		{"conflicting content", ledger.Commitment{Sequence: 1, ContentID: cid('z')}},
		{"broken link", ledger.Commitment{Sequence: 2, ContentID: cid('b'), PreviousContentID: cid('z')}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newLedger(t)
			if err := l.SubmitCommitment(t.Context(), chain()[0]); err != nil {
				t.Fatalf("submit first: %v", err)
			}
			err := l.SubmitCommitment(t.Context(), tt.c)
			if !errors.Is(err, ledger.ErrRejected) {
				t.Fatalf("expected ErrRejected, got %v", err)
			}
		})
	}
}

func TestSubmit_UnavailableWhenServerDown(t *testing.T) {
	l, mr := newLedger(t)
	mr.Close()

	err := l.SubmitCommitment(t.Context(), chain()[0])
	if !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, _, err := l.Commitment(t.Context(), 1); !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on lookup, got %v", err)
	}
}

func TestCommitment_Missing(t *testing.T) {
	l, _ := newLedger(t)
	_, ok, err := l.Commitment(t.Context(), 7)
	if err != nil || ok {
		t.Fatalf("Commitment(7) = %v, %v; want false, nil", ok, err)
	}
}

func TestNew_RequiresURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestNew_InvalidURL(t *testing.T) {
	if _, err := New(Config{URL: "not-a-url"}); err == nil {
		t.Fatal("expected error for invalid URL")
	}
}

func TestNew_Defaults(t *testing.T) {
	l, err := New(Config{URL: "redis://localhost:6379"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = l.Close() }()

	if l.config.Prefix != DefaultPrefix {
		t.Errorf("expected prefix %q, got %q", DefaultPrefix, l.config.Prefix)
	}
	if l.config.Timeout != DefaultTimeout {
		t.Errorf("expected timeout %v, got %v", DefaultTimeout, l.config.Timeout)
	}
}
