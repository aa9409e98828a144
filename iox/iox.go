// Package iox provides I/O helpers for resource cleanup.
package iox

import (
	"errors"
	"fmt"
	"io"
)

// DiscardClose closes c and discards the error.
// Use in defer statements where close errors are unactionable:
//
//	defer iox.DiscardClose(f)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc returns a cleanup function that closes c.
// Designed for t.Cleanup registration:
//
//	t.Cleanup(iox.CloseFunc(client))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// DrainClose reads rc to EOF and closes it so HTTP connections can be reused.
func DrainClose(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, rc)
	_ = rc.Close()
}

// Named pairs a closer with a label used in error messages.
type Named struct {
	Name   string
	Closer io.Closer
}

// CloseAll closes every handle in order, continuing past failures.
// Nil closers are skipped. Errors are joined and labelled by name.
func CloseAll(handles ...Named) error {
	var errs []error
	for _, h := range handles {
		if h.Closer == nil {
			continue
		}
		if err := h.Closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", h.Name, err))
		}
	}
	return errors.Join(errs...)
}
