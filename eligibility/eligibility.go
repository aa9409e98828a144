// Package eligibility decides whether a writer may submit an intention.
//
// An Oracle returns (false, nil) for an ineligible writer and a non-nil
// error when the decision cannot be made. Callers treat errors as
// retryable unavailability, never as ineligibility.
package eligibility

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// Oracle answers eligibility queries.
type Oracle interface {
	Eligible(ctx context.Context, writer string, payload json.RawMessage) (bool, error)
}

// AllowAll admits every writer.
type AllowAll struct{}

// Eligible implements Oracle.
func (AllowAll) Eligible(context.Context, string, json.RawMessage) (bool, error) {
	return true, nil
}

// Allowlist admits a fixed set of writers. Safe for concurrent use;
// Add and Remove may be called while serving.
type Allowlist struct {
	mu      sync.RWMutex
	writers map[string]struct{}
}

// NewAllowlist creates an allowlist of the given writer ids.
func NewAllowlist(writers ...string) *Allowlist {
	a := &Allowlist{writers: make(map[string]struct{}, len(writers))}
	for _, w := range writers {
		a.Add(w)
	}
	return a
}

// Add admits writer.
func (a *Allowlist) Add(writer string) {
	w := strings.ToLower(strings.TrimSpace(writer))
	if w == "" {
		return
	}
	a.mu.Lock()
	a.writers[w] = struct{}{}
	a.mu.Unlock()
}

// Remove revokes writer.
func (a *Allowlist) Remove(writer string) {
	a.mu.Lock()
	delete(a.writers, strings.ToLower(strings.TrimSpace(writer)))
	a.mu.Unlock()
}

// Eligible implements Oracle.
func (a *Allowlist) Eligible(_ context.Context, writer string, _ json.RawMessage) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.writers[writer]
	return ok, nil
}

var (
	_ Oracle = AllowAll{}
	_ Oracle = (*Allowlist)(nil)
)
