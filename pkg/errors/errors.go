// Package errors defines the error taxonomy shared by the Katamari core.
//
// Every subsystem surfaces failures as a *Error carrying a machine-readable
// Kind so callers can branch on the failure class without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindSchema
	KindCodec
	KindIO
	KindWALReplay
	KindTransaction
	KindProtocol
	KindTimeout
	KindConcurrencyLimit
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindSchema:
		return "schema"
	case KindCodec:
		return "codec"
	case KindIO:
		return "io"
	case KindWALReplay:
		return "wal_replay"
	case KindTransaction:
		return "transaction"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindConcurrencyLimit:
		return "concurrency_limit"
	default:
		return "unknown"
	}
}

// Error is a standardized core error with a kind and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error // wrapped cause, nil for leaf errors
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two core errors by kind so errors.Is(err, NotFound("")) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates a new core error.
func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NotFound reports a missing key or out-of-range version.
func NotFound(message string) *Error {
	return New(KindNotFound, message, nil)
}

// NotFoundKey reports a missing key by name.
func NotFoundKey(key string) *Error {
	return New(KindNotFound, fmt.Sprintf("key %q not found", key), nil)
}

// Schema reports an unsupported or inconsistent schema definition.
func Schema(message string) *Error {
	return New(KindSchema, message, nil)
}

// Codec reports an encode/decode/checksum failure.
func Codec(message string, err error) *Error {
	return New(KindCodec, message, err)
}

// IO reports a file open/read/write/fsync failure.
func IO(message string, err error) *Error {
	return New(KindIO, message, err)
}

// WALReplay reports a short or malformed WAL record during recovery.
func WALReplay(message string, err error) *Error {
	return New(KindWALReplay, message, err)
}

// Transaction reports an unknown or misused transaction id.
func Transaction(message string) *Error {
	return New(KindTransaction, message, nil)
}

// Protocol reports a malformed wire frame.
func Protocol(message string, err error) *Error {
	return New(KindProtocol, message, err)
}

// Timeout reports a deadline expiry.
func Timeout(message string) *Error {
	return New(KindTimeout, message, nil)
}

// ConcurrencyLimit reports an invocation skipped at the concurrency gate.
func ConcurrencyLimit(message string) *Error {
	return New(KindConcurrencyLimit, message, nil)
}

// IsKind reports whether err (or anything it wraps) is a core error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// IsNotFound is a shorthand for the most common check.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }
