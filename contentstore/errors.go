package contentstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strings"
	"syscall"
)

// Sentinel errors for storage failure classification.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrNotFound indicates no bundle is stored under the content id.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied indicates a permission/access failure (EACCES, 403).
	ErrPermissionDenied = errors.New("permission denied")

	// ErrDiskFull indicates storage is out of space (ENOSPC).
	ErrDiskFull = errors.New("no space left on device")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrThrottled indicates rate limiting (429, SlowDown).
	ErrThrottled = errors.New("rate limited")

	// ErrAuth indicates missing or expired credentials.
	ErrAuth = errors.New("authentication failed")

	// ErrNetwork indicates a network-level failure (connection refused, DNS).
	ErrNetwork = errors.New("network error")

	// ErrCorrupt indicates stored bytes do not hash to their key.
	ErrCorrupt = errors.New("stored content corrupt")

	errUnclassified = errors.New("storage error")
)

// StorageError wraps an underlying error with storage classification.
type StorageError struct {
	// Kind is the sentinel error for classification.
	Kind error
	// Op is the operation that failed: put, get, exists.
	Op string
	// Key is the storage key involved.
	Key string
	// Err is the underlying error.
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Key, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error { return e.Err }

// Is reports whether the error matches the target sentinel.
func (e *StorageError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// Retryable reports whether the failure may clear on retry.
func (e *StorageError) Retryable() bool {
	switch e.Kind {
	case ErrTimeout, ErrThrottled, ErrNetwork, errUnclassified:
		return true
	default:
		return false
	}
}

func wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Kind: classify(key, err), Op: op, Key: key, Err: err}
}

// IsRetryable reports whether err is a storage failure that may clear on
// retry. Non-storage errors are treated as retryable.
func IsRetryable(err error) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}

// classify maps an error to a sentinel. Typed errors and HTTP status
// codes decide first; message matching ignores the key, whose hex digest
// can contain any status-like digits.
func classify(key string, err error) error {
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return ErrTimeout
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrPermissionDenied
	case errors.Is(err, syscall.ENOSPC):
		return ErrDiskFull
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	}

	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		if kind := statusKind(statusErr.HTTPStatusCode()); kind != nil {
			return kind
		}
	}

	msg := err.Error()
	if key != "" {
		msg = strings.ReplaceAll(msg, key, "")
	}
	msg = strings.ToLower(msg)
	has := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(msg, strings.ToLower(s)) {
				return true
			}
		}
		return false
	}

	switch {
	case has("no such file", "does not exist", "not found", "ENOENT", "NoSuchKey"):
		return ErrNotFound
	case has("permission denied", "EACCES", "AccessDenied", "Forbidden"):
		return ErrPermissionDenied
	case has("no space left", "disk full", "ENOSPC", "quota exceeded"):
		return ErrDiskFull
	case has("timeout", "timed out", "deadline exceeded"):
		return ErrTimeout
	case has("SlowDown", "rate exceeded", "throttl", "TooManyRequests"):
		return ErrThrottled
	case has("NoCredentialProviders", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "Unauthorized"):
		return ErrAuth
	case has("connection refused", "no route to host", "network unreachable", "dial tcp", "DNS"):
		return ErrNetwork
	default:
		return errUnclassified
	}
}

// statusKind maps an HTTP status to a sentinel, or nil if the status says
// nothing about the failure.
func statusKind(code int) error {
	switch {
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrPermissionDenied
	case code == http.StatusUnauthorized:
		return ErrAuth
	case code == http.StatusTooManyRequests, code == http.StatusServiceUnavailable:
		return ErrThrottled
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return ErrTimeout
	case code >= 500:
		return errUnclassified
	default:
		return nil
	}
}
