package ntc

import (
	"errors"
	"fmt"
)

// Kind is the abstract error taxonomy from which every [Error] is built.
// It intentionally stays small and closed: callers are expected to branch
// on Kind rather than on error strings.
type Kind int

const (
	// KindOK is the zero value; it is never wrapped in an [Error].
	KindOK Kind = iota
	// KindWouldBlock indicates a non-blocking operation has no data/space
	// available right now; it is transient and recovered locally by
	// re-arming interest or retrying.
	KindWouldBlock
	// KindInterrupted indicates a syscall was interrupted (EINTR-class);
	// transient, retried silently.
	KindInterrupted
	// KindEOF indicates the peer has performed an orderly shutdown of its
	// sending side; surfaced once as the terminal read result.
	KindEOF
	// KindCancelled indicates an operation was cancelled via its token.
	KindCancelled
	// KindTimeout indicates a deadline elapsed before completion.
	KindTimeout
	// KindLimit indicates a resource limit (accept backlog, handle
	// reservation) was hit; triggers throttling rather than failure.
	KindLimit
	// KindConnectionRefused indicates the peer actively refused a connect.
	KindConnectionRefused
	// KindConnectionReset indicates the peer reset the connection.
	KindConnectionReset
	// KindConnectionDead indicates the connection is no longer usable.
	KindConnectionDead
	// KindAddressInUse indicates a bind failed because the address is taken.
	KindAddressInUse
	// KindAddressUnreachable indicates the destination address can't be routed to.
	KindAddressUnreachable
	// KindUnreachable is a generic network-unreachable condition.
	KindUnreachable
	// KindInvalid indicates invalid arguments or state for the requested operation.
	KindInvalid
	// KindNotImplemented indicates an optional capability isn't supported
	// by the active driver/platform.
	KindNotImplemented
)

// String renders the Kind using the GLOSSARY-style lowerCamelCase names
// used throughout spec.md §3/§7.
func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindWouldBlock:
		return "wouldBlock"
	case KindInterrupted:
		return "interrupted"
	case KindEOF:
		return "eof"
	case KindCancelled:
		return "cancelled"
	case KindTimeout:
		return "timeout"
	case KindLimit:
		return "limit"
	case KindConnectionRefused:
		return "connectionRefused"
	case KindConnectionReset:
		return "connectionReset"
	case KindConnectionDead:
		return "connectionDead"
	case KindAddressInUse:
		return "addressInUse"
	case KindAddressUnreachable:
		return "addressUnreachable"
	case KindUnreachable:
		return "unreachable"
	case KindInvalid:
		return "invalid"
	case KindNotImplemented:
		return "notImplemented"
	default:
		return "unknown"
	}
}

// Transient reports whether the error kind is recovered locally (re-arm
// interest, retry) rather than surfaced to the caller as a failure.
func (k Kind) Transient() bool {
	return k == KindWouldBlock || k == KindInterrupted
}

// Terminal reports whether the error kind marks the connection
// unrecoverable, per spec.md §7 "All others surface as transport errors
// that close the connection."
func (k Kind) Terminal() bool {
	switch k {
	case KindOK, KindWouldBlock, KindInterrupted, KindEOF, KindCancelled,
		KindTimeout, KindLimit:
		return false
	default:
		return true
	}
}

// Error is the concrete error type returned or delivered through callbacks
// by every operation in this package. It always carries a [Kind] and
// supports [errors.Is]/[errors.As] via Unwrap, grounded on the teacher's
// errors.go (TypeError/RangeError/TimeoutError + WrapError pattern).
type Error struct {
	Kind    Kind
	Op      string // operation that produced the error, e.g. "stream.connect"
	Cause   error
	Message string
}

// NewError constructs an *Error for the given kind and operation.
func NewError(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the wrapped cause, allowing errors.Is/errors.As to reach
// through to an underlying syscall or os error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, or a sentinel
// that maps 1:1 to this error's Kind (see the Err* sentinels below).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	if sentinel, ok := kindSentinels[e.Kind]; ok {
		return errors.Is(target, sentinel)
	}
	return false
}

// Sentinel errors, one per Kind, usable with errors.Is without constructing
// an *Error. KindOf(err) recovers the Kind from either form.
var (
	ErrWouldBlock           = errors.New("ntc: would block")
	ErrInterrupted          = errors.New("ntc: interrupted")
	ErrEOF                  = errors.New("ntc: eof")
	ErrCancelled            = errors.New("ntc: cancelled")
	ErrTimeout              = errors.New("ntc: timeout")
	ErrLimit                = errors.New("ntc: limit")
	ErrConnectionRefused    = errors.New("ntc: connection refused")
	ErrConnectionReset      = errors.New("ntc: connection reset")
	ErrConnectionDead       = errors.New("ntc: connection dead")
	ErrAddressInUse         = errors.New("ntc: address in use")
	ErrAddressUnreachable   = errors.New("ntc: address unreachable")
	ErrUnreachable          = errors.New("ntc: unreachable")
	ErrInvalid              = errors.New("ntc: invalid")
	ErrNotImplemented       = errors.New("ntc: not implemented")
	ErrAlreadyExists        = errors.New("ntc: already exists")
	ErrLoopTerminated       = errors.New("ntc: driver terminated")
	ErrReentrantRun         = errors.New("ntc: cannot call Run from within a callback")
	ErrDetachInProgress     = errors.New("ntc: detach already in progress")
	ErrInvalidDescriptor    = errors.New("ntc: invalid descriptor")
	ErrPollerClosed         = errors.New("ntc: poller closed")
)

var kindSentinels = map[Kind]error{
	KindWouldBlock:         ErrWouldBlock,
	KindInterrupted:        ErrInterrupted,
	KindEOF:                ErrEOF,
	KindCancelled:          ErrCancelled,
	KindTimeout:            ErrTimeout,
	KindLimit:              ErrLimit,
	KindConnectionRefused:  ErrConnectionRefused,
	KindConnectionReset:    ErrConnectionReset,
	KindConnectionDead:     ErrConnectionDead,
	KindAddressInUse:       ErrAddressInUse,
	KindAddressUnreachable: ErrAddressUnreachable,
	KindUnreachable:        ErrUnreachable,
	KindInvalid:            ErrInvalid,
	KindNotImplemented:     ErrNotImplemented,
}

// KindOf recovers the Kind carried by err, if any, by unwrapping *Error
// values or matching known sentinels. Returns (KindOK, false) otherwise.
func KindOf(err error) (Kind, bool) {
	if err == nil {
		return KindOK, false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	for k, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return k, true
		}
	}
	return KindOK, false
}
