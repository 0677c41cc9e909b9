// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package bridge

import (
	"errors"
	"fmt"
)

// Kind classifies a bridge failure. Every kind is terminal for the bridge
// instance; transient conditions are never reported as errors.
type Kind int

const (
	// StartupError: the session has no usable video, or the RFB connection
	// could not be established. The instance never runs.
	StartupError Kind = iota + 1

	// AllocationError: a framebuffer or image could not be allocated.
	AllocationError

	// ProtocolError: the RFB endpoint failed.
	ProtocolError

	// ReadError: the session returned an unacceptable frame read.
	ReadError
)

func (k Kind) String() string {
	switch k {
	case StartupError:
		return "startup"
	case AllocationError:
		return "allocation"
	case ProtocolError:
		return "protocol"
	case ReadError:
		return "read"
	default:
		return "unknown"
	}
}

// Error is a classified bridge failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bridge %s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("bridge %s: %s", e.Kind, e.Op)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether err is a bridge Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == kind
}

// errNotReady is wrapped by startup failures on a dead channel.
var errNotReady = errors.New("session is not ready")

// errNoVideoCodec is wrapped by startup failures on audio-only sessions.
var errNoVideoCodec = errors.New("session has no video read codec")
