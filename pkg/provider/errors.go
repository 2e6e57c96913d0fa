package provider

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a provider failure so callers can pick a recovery
// strategy without string matching.
type ErrorKind string

const (
	// ErrAuth covers bad credentials and expired or revoked tokens.
	// Recoverable by reauthentication, never retried automatically.
	ErrAuth ErrorKind = "authentication_failure"
	// ErrConnection covers timeouts, DNS and TLS failures. Retryable by
	// the caller with backoff.
	ErrConnection ErrorKind = "connection_failure"
	// ErrQuota is a backend rate limit; retryable after a backoff window.
	ErrQuota ErrorKind = "quota_exceeded"
	// ErrNotFound is a missing message, folder or subscription. Terminal.
	ErrNotFound ErrorKind = "not_found"
	// ErrMalformed marks unparsable content. The codec degrades instead of
	// raising it, so it appears only when degradation is impossible.
	ErrMalformed ErrorKind = "malformed_content"
)

// Error is the typed failure every provider surfaces. Providers do not
// retry internally; Retryable tells the orchestration layer whether it may.
type Error struct {
	Provider  string
	Kind      ErrorKind
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Provider, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed provider error.
func NewError(provider string, kind ErrorKind, message string, err error, retryable bool) *Error {
	return &Error{Provider: provider, Kind: kind, Message: message, Retryable: retryable, Err: err}
}

func authErr(provider, message string, err error) *Error {
	return NewError(provider, ErrAuth, message, err, false)
}

func connErr(provider, message string, err error) *Error {
	return NewError(provider, ErrConnection, message, err, true)
}

func quotaErr(provider, message string, err error) *Error {
	return NewError(provider, ErrQuota, message, err, true)
}

func notFoundErr(provider, message string, err error) *Error {
	return NewError(provider, ErrNotFound, message, err, false)
}

// KindOf extracts the kind from any error in the chain, or "" for untyped
// errors.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsRetryable reports whether the caller may retry with backoff. Untyped
// errors are not retryable.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// errFromStatus maps an HTTP status from a provider REST API onto the
// taxonomy. Used by the Gmail and Outlook transports.
func errFromStatus(provider string, status int, body string) *Error {
	switch {
	case status == 401 || status == 403:
		return authErr(provider, body, nil)
	case status == 404:
		return notFoundErr(provider, body, nil)
	case status == 429:
		return quotaErr(provider, body, nil)
	case status >= 500:
		return connErr(provider, body, nil)
	default:
		return NewError(provider, ErrConnection, body, nil, false)
	}
}
