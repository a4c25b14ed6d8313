// Package errkind classifies errors into the taxonomy spec.md §7
// requires: transient, authentication, not-found, validation,
// conflict and store-integrity kinds. Only Transient is retried by
// the core; the rest are surfaced with reason.
package errkind

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is one bucket of the error taxonomy.
type Kind string

const (
	Transient  Kind = "transient"
	Auth       Kind = "auth"
	NotFound   Kind = "not_found"
	Validation Kind = "validation"
	Conflict   Kind = "conflict"
	Integrity  Kind = "integrity"
	Unknown    Kind = "unknown"
)

// Error wraps an underlying error with a classified Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with an explicit kind.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Of returns the Kind attached to err, or Unknown if err was never
// classified by this package.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsTransient reports whether err should be retried, either because it
// was explicitly classified as Transient or because its message
// matches one of the network-flakiness substrings the teacher's
// internal/retry package checks (timeouts, connection resets, 5xx,
// rate limiting).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if Of(err) == Transient {
		return true
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

var transientPatterns = []string{
	"timeout",
	"i/o timeout",
	"connection refused",
	"connection reset",
	"temporary failure",
	"temporarily unavailable",
	"server error",
	"rate limit",
	"429",
	"502",
	"503",
	"504",
	"network",
	"dns",
	"tcp",
	"no such host",
	"deadline exceeded",
	"tls handshake",
	"broken pipe",
	"eof",
}
