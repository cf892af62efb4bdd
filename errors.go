package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportClosed is returned when the peer ended the stream, or when a Conn is used after Close.
	ErrTransportClosed = errors.New("transport closed")

	// ErrSessionNotReady is returned when a request is issued on a Session that is not in StateReady.
	ErrSessionNotReady = errors.New("session not ready")

	// ErrTimeout is returned when a request does not receive its response within the configured
	// request timeout.
	ErrTimeout = errors.New("request timeout")

	// ErrCapabilityNotFound is reported by the Dispatcher when no registered capability matches a request.
	ErrCapabilityNotFound = errors.New("capability not found")

	// ErrRegistryFrozen is returned when a capability is registered after the Registry started serving.
	ErrRegistryFrozen = errors.New("registry is frozen")
)

// TransportError reports a failure of the underlying byte streams, such as a peer process that
// could not be started or a broken pipe.
type TransportError struct {
	Op  string
	Err error
}

// DecodeError reports a frame that could not be decoded into a protocol message.
type DecodeError struct {
	Frame []byte
	Err   error
}

// HandshakeError reports a failed initialize exchange. Err holds the cause, which may be a
// *TransportError, a *RemoteError or a protocol mismatch.
type HandshakeError struct {
	Err error
}

// RemoteError carries a Failure outcome reported by the server. Message is the remote text verbatim.
type RemoteError struct {
	Code    int
	Message string
}

// DuplicateCapabilityError is returned when the same kind and name are registered twice.
type DuplicateCapabilityError struct {
	Kind Kind
	Name string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed: %v", e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *DuplicateCapabilityError) Error() string {
	return fmt.Sprintf("%s %q is already registered", e.Kind, e.Name)
}
