package engine

import (
	"errors"
	"fmt"
)

// Kind classifies an engine failure. The split drives retry policy: the
// worker retries retryable kinds up to its configured maximum and fails the
// task immediately on fatal ones.
type Kind string

const (
	// KindMalformedOutput: the model replied but the reply did not parse
	// into entities. Retried a small bounded number of times at the pass
	// level — a fresh sample usually parses.
	KindMalformedOutput Kind = "malformed_output"
	// KindTransport: network error, timeout, 5xx. Retryable.
	KindTransport Kind = "transport"
	// KindAuth: invalid or missing credentials. Fatal — retrying cannot help.
	KindAuth Kind = "auth"
	// KindRateLimit: provider rejected the call for quota reasons. Fatal for
	// the task; the client should resubmit later.
	KindRateLimit Kind = "rate_limit"
	// KindFetch: the document could not be downloaded. Retryable, bounded.
	KindFetch Kind = "fetch"
)

// Error is an engine failure with its retry classification.
type Error struct {
	Kind     Kind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("engine %s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("engine: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure may succeed on a fresh attempt.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindAuth, KindRateLimit:
		return false
	default:
		return true
	}
}

// Errf builds an *Error.
func Errf(kind Kind, provider string, format string, args ...any) *Error {
	return &Error{Kind: kind, Provider: provider, Err: fmt.Errorf(format, args...)}
}

// Retryable classifies any error: *Error values answer for themselves,
// everything else (unknown failure) defaults to retryable so transient bugs
// in collaborators get the retry budget rather than an instant failure.
// Unknown-provider errors are configuration mistakes and never retry.
func Retryable(err error) bool {
	if errors.Is(err, ErrUnknownProvider) {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return true
}

// KindOf extracts the failure kind, or "" for non-engine errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
