package mcp

import (
	"errors"
	"fmt"
)

// BindError reports that one of the two transports could not bind its listener. It is fatal to
// server startup and is never retried.
type BindError struct {
	// Transport names the listener that failed, "event-stream" or "handshake".
	Transport string
	Addr      string
	Err       error
}

// ProtocolError reports a malformed or incomplete request. It is sent back to the calling client
// as a JSON-RPC error and never affects other connections.
type ProtocolError struct {
	Code    int
	Message string
}

// ConnectionError reports a transport-level I/O failure in the middle of a stream or request.
// On the event stream it is treated as a client disconnect.
type ConnectionError struct {
	Op  string
	Err error
}

var (
	// ErrSessionNotFound is returned by a SessionStore when no session exists for the given ID.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired is returned by a SessionStore when the session exists but its expiry passed.
	ErrSessionExpired = errors.New("session expired")
	// ErrServerStarted is returned by Server.Start when it is called more than once.
	ErrServerStarted = errors.New("server already started")
)

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind %s transport on %s: %v", e.Transport, e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error, code: %d, message: %s", e.Code, e.Message)
}

// JSONRPCError converts the error to its wire form.
func (e *ProtocolError) JSONRPCError() *JSONRPCError {
	return &JSONRPCError{
		Code:    e.Code,
		Message: e.Message,
	}
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func newInvalidParamsError(msg string) *ProtocolError {
	return &ProtocolError{Code: jsonRPCInvalidParamsCode, Message: msg}
}

func newInvalidRequestError(msg string) *ProtocolError {
	return &ProtocolError{Code: jsonRPCInvalidRequestCode, Message: msg}
}

// toJSONRPCError maps any handler error to the error object written on the wire. Errors that are
// not protocol errors are reported as internal errors without leaking their text.
func toJSONRPCError(err error) *JSONRPCError {
	var pErr *ProtocolError
	if errors.As(err, &pErr) {
		return pErr.JSONRPCError()
	}
	var jErr JSONRPCError
	if errors.As(err, &jErr) {
		return &jErr
	}
	return &JSONRPCError{
		Code:    jsonRPCInternalErrorCode,
		Message: "Internal error",
	}
}
