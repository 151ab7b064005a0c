// Package bserrors defines the single public error type returned across the
// client facade, per spec §7's error taxonomy.
package bserrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the error taxonomy from spec §7.
type Kind int

const (
	// TransientPeer covers a send failure or mid-send disconnect to a single
	// peer. The message queue retries/defers internally; this variant only
	// ever surfaces if every candidate peer exhausted its retries.
	TransientPeer Kind = iota
	// ProviderLookup covers a failed provider/DHT lookup. Sessions continue
	// in Discovery and retry at the next rebroadcast.
	ProviderLookup
	// ResourceExhausted covers a full internal channel that could not
	// coalesce the work safely (this should be rare; wants coalesce, cancels
	// block briefly instead of erroring).
	ResourceExhausted
	// ProtocolViolation covers a malformed message or a block whose bytes
	// don't hash to its claimed CID.
	ProtocolViolation
	// SessionShutdown covers a caller's request failing because its session
	// (or the whole client) was stopped.
	SessionShutdown
)

func (k Kind) String() string {
	switch k {
	case TransientPeer:
		return "transient-peer"
	case ProviderLookup:
		return "provider-lookup"
	case ResourceExhausted:
		return "resource-exhausted"
	case ProtocolViolation:
		return "protocol-violation"
	case SessionShutdown:
		return "session-shutdown"
	default:
		return "unknown"
	}
}

// Error is the single error type returned from the Client facade.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("bitswap: %s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("bitswap: %s: %s", e.Kind, e.msg)
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped cause.
func (e *Error) Unwrap() error { return e.err }

// New constructs an Error of the given kind with a plain message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

// Wrap constructs an Error of the given kind, wrapping cause with
// github.com/pkg/errors so internal logs retain a stack trace while the
// public Error() string stays short.
func Wrap(kind Kind, msg string, cause error) *Error {
	if cause == nil {
		return New(kind, msg)
	}
	return &Error{Kind: kind, msg: msg, err: errors.Wrap(cause, msg)}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var be *Error
	if !errors.As(err, &be) {
		return false
	}
	return be.Kind == kind
}
