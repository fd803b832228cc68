// Package mprpc implements the MPRPC core: Connection, Pool, Service,
// Relay, and the type registry, per spec.md §4 and §7.
package mprpc

import (
	"errors"
	"fmt"

	"github.com/solidoss/solidframe-sub006/message"
)

// Kind enumerates the error taxonomy from spec.md §7.
type Kind int

const (
	// connection/ kinds
	KindResolver Kind = iota
	KindConnectTimeout
	KindConnectRefused
	KindHandshake
	KindPeerClosed
	KindReadError
	KindWriteError
	KindDecodeError
	KindFrameError
	KindTooManyKeepalive
	KindInactivityTimeout
	KindSecuredTimeout

	// message/ kinds
	KindTooLarge
	KindTypeUnknown
	KindCanceled
	KindPoolStopping
	KindNoConnection
	KindQueueFull
	KindBadState

	// relay/ kinds
	KindUnknownSession
	KindDuplicatePacket
	KindForwardFailed
)

func (k Kind) String() string {
	switch k {
	case KindResolver:
		return "resolver"
	case KindConnectTimeout:
		return "connect_timeout"
	case KindConnectRefused:
		return "connect_refused"
	case KindHandshake:
		return "handshake"
	case KindPeerClosed:
		return "peer_closed"
	case KindReadError:
		return "read_error"
	case KindWriteError:
		return "write_error"
	case KindDecodeError:
		return "decode_error"
	case KindFrameError:
		return "frame_error"
	case KindTooManyKeepalive:
		return "too_many_keepalive"
	case KindInactivityTimeout:
		return "inactivity_timeout"
	case KindSecuredTimeout:
		return "secured_timeout"
	case KindTooLarge:
		return "too_large"
	case KindTypeUnknown:
		return "type_unknown"
	case KindCanceled:
		return "canceled"
	case KindPoolStopping:
		return "pool_stopping"
	case KindNoConnection:
		return "no_connection"
	case KindQueueFull:
		return "queue_full"
	case KindBadState:
		return "bad_state"
	case KindUnknownSession:
		return "unknown_session"
	case KindDuplicatePacket:
		return "duplicate_packet"
	case KindForwardFailed:
		return "forward_failed"
	default:
		return "unknown"
	}
}

// Error is the typed error every MPRPC-core operation returns or passes to
// a completion callback, wrapping an optional underlying cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("mprpc: %s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("mprpc: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, mprpc.ErrKind(KindCanceled)) style matching by
// Kind alone.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// ErrKind returns a sentinel *Error of the given kind, for use with
// errors.Is in tests and caller code.
func ErrKind(k Kind) error { return &Error{Kind: k} }

// failureKind labels err for the messages_failed_total metric: the Kind
// string for an *Error, or a fixed label for the message package's own
// sentinels, which never carry a Kind.
func failureKind(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.String()
	}
	if errors.Is(err, message.ErrCanceled) {
		return "canceled"
	}
	if errors.Is(err, message.ErrTooLarge) {
		return "too_large"
	}
	return "unknown"
}
