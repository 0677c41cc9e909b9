// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"errors"
	"fmt"
	"slices"
)

// ErrorCode classifies failures raised by the RFB endpoints.
type ErrorCode int

// Error codes.
const (
	ErrProtocol       ErrorCode = iota // malformed or unexpected message
	ErrAuthentication                  // security handshake failed
	ErrEncoding                        // rectangle could not be encoded or decoded
	ErrNetwork                         // transport read or write failed
	ErrConfiguration                   // invalid endpoint configuration
	ErrTimeout                         // deadline or context expired
	ErrValidation                      // input failed validation
	ErrUnsupported                     // peer asked for something not implemented
	ErrClosed                          // endpoint used after Close
)

var errorCodeNames = [...]string{
	ErrProtocol:       "protocol",
	ErrAuthentication: "authentication",
	ErrEncoding:       "encoding",
	ErrNetwork:        "network",
	ErrConfiguration:  "configuration",
	ErrTimeout:        "timeout",
	ErrValidation:     "validation",
	ErrUnsupported:    "unsupported",
	ErrClosed:         "closed",
}

func (e ErrorCode) String() string {
	if e < 0 || int(e) >= len(errorCodeNames) {
		return "unknown"
	}
	return errorCodeNames[e]
}

// VNCError carries the failing operation, a classification code and the
// underlying cause.
type VNCError struct {
	Op      string
	Code    ErrorCode
	Message string
	Err     error
}

func (e *VNCError) Error() string {
	msg := fmt.Sprintf("vnc %s: %s: %s", e.Code, e.Op, e.Message)
	if e.Err == nil {
		return msg
	}
	return msg + ": " + e.Err.Error()
}

func (e *VNCError) Unwrap() error { return e.Err }

// Is matches another VNCError with the same code and operation, so callers
// can test with errors.Is(err, &VNCError{Op: "Listen", Code: ErrNetwork}).
func (e *VNCError) Is(target error) bool {
	t, ok := target.(*VNCError)
	return ok && t.Code == e.Code && t.Op == e.Op
}

// NewVNCError creates a new VNCError.
func NewVNCError(op string, code ErrorCode, message string, err error) *VNCError {
	return &VNCError{Op: op, Code: code, Message: message, Err: err}
}

// IsVNCError reports whether err wraps a VNCError. With codes, its code
// must be one of them.
func IsVNCError(err error, codes ...ErrorCode) bool {
	var vncErr *VNCError
	if !errors.As(err, &vncErr) {
		return false
	}
	return len(codes) == 0 || slices.Contains(codes, vncErr.Code)
}

// GetErrorCode returns the code of the VNCError wrapped by err, or -1.
func GetErrorCode(err error) ErrorCode {
	if vncErr := (*VNCError)(nil); errors.As(err, &vncErr) {
		return vncErr.Code
	}
	return -1
}

type errorFunc func(op, message string, err error) error

func coded(code ErrorCode) errorFunc {
	return func(op, message string, err error) error {
		return NewVNCError(op, code, message, err)
	}
}

var (
	protocolError       = coded(ErrProtocol)
	authenticationError = coded(ErrAuthentication)
	encodingError       = coded(ErrEncoding)
	networkError        = coded(ErrNetwork)
	configurationError  = coded(ErrConfiguration)
	timeoutError        = coded(ErrTimeout)
	validationError     = coded(ErrValidation)
	unsupportedError    = coded(ErrUnsupported)
)

func closedError(op string) error {
	return NewVNCError(op, ErrClosed, "endpoint is closed", nil)
}
