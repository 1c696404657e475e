package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrConnClosed is returned for every call and stream still pending when the connection goes away.
	ErrConnClosed = errors.New("rpc: connection closed")
	// ErrProtocolViolation marks a malformed or out-of-order message. It is fatal to the connection.
	ErrProtocolViolation = errors.New("rpc: protocol violation")
	// ErrReservedMethod is returned by the client for method names it will not send.
	ErrReservedMethod = errors.New("rpc: reserved method name")
	// ErrUnknownMethod matches call failures for methods the server does not have.
	ErrUnknownMethod = &Error{Code: CodeUnknownMethod}
	// ErrCanceled matches stream failures caused by the consumer closing the stream.
	ErrCanceled = &Error{Code: CodeCanceled}
)

// Error codes carried on the wire.
const (
	CodeApplication   = "application"
	CodeUnknownMethod = "unknown_method"
	CodeBadArgs       = "bad_args"
	CodeStream        = "stream"
	CodeCanceled      = "canceled"
	CodeEncoding      = "encoding"
)

// Error is a failure reported by the remote side: a call whose method failed, or a stream
// whose production failed. It does not affect other calls or streams on the connection.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote error (%s)", e.Code)
	}
	return fmt.Sprintf("remote error (%s): %s", e.Code, e.Message)
}

// Is matches any *Error with the same code, so errors.Is(err, ErrUnknownMethod) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func errorf(code string, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// toWireError converts an error from application code into its wire form.
func toWireError(code string, err error) *Error {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr
	}
	return &Error{Code: code, Message: err.Error()}
}

func protocolErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}
