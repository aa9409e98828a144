package ledger

import (
	"context"
	"sync"
)

// Memory is an in-process ledger. Used for development and tests.
type Memory struct {
	mu          sync.Mutex
	commitments map[uint64]Commitment
	head        *Commitment
	submits     int
	closed      bool

	// Fail, if set, is consulted before every submission. A non-nil return
	// is returned to the caller and nothing is recorded.
	Fail func(c Commitment) error
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{commitments: make(map[uint64]Commitment)}
}

// SubmitCommitment records c if it extends the chain.
func (m *Memory) SubmitCommitment(_ context.Context, c Commitment) error {
	m.mu.Lock()
	m.submits++
	fail := m.Fail
	m.mu.Unlock()

	// The hook runs unlocked so it may block without stalling Close.
	if fail != nil {
		if err := fail(c); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var existing *Commitment
	if prev, ok := m.commitments[c.Sequence]; ok {
		existing = &prev
	}
	dup, err := Admit(m.head, existing, c)
	if err != nil || dup {
		return err
	}

	m.commitments[c.Sequence] = c
	m.head = &c
	return nil
}

// Commitment returns the commitment recorded at seq.
func (m *Memory) Commitment(_ context.Context, seq uint64) (Commitment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commitments[seq]
	return c, ok, nil
}

// Head returns the latest commitment.
func (m *Memory) Head() (Commitment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.head == nil {
		return Commitment{}, false
	}
	return *m.head, true
}

// Submits returns the number of SubmitCommitment calls, including failed ones.
func (m *Memory) Submits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submits
}

// Close marks the ledger closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

var _ Client = (*Memory)(nil)
