package mcp

import (
	"errors"
	"fmt"
)

// Sentinel errors for transport and session failure modes. Callers use
// errors.Is to classify outcomes; the wrapped messages carry detail.
var (
	// ErrTransportUnavailable means the channel could not be established:
	// missing executable, unreachable port, failed health probe.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrTransportClosed means a send was attempted after the channel went away.
	ErrTransportClosed = errors.New("transport closed")

	// ErrTimeout means the remote did not answer within the call budget.
	// Local-only: it does not imply the remote is dead.
	ErrTimeout = errors.New("call timed out")

	// ErrSessionClosed is delivered to every pending call when the session
	// is closed before the call resolves.
	ErrSessionClosed = errors.New("session closed")

	// ErrNotReady means a tool operation was attempted before Initialize
	// succeeded or after the session left the Ready state.
	ErrNotReady = errors.New("session not ready")
)

// RemoteError is a well-formed JSON-RPC error response from the child,
// passed through verbatim to the caller. Never retried automatically.
type RemoteError struct {
	Code    int
	Message string
	Data    any
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// TransportError wraps a mid-session channel loss. It surfaces to every
// pending call before the session moves to Failed.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolViolation records a malformed or unmatched inbound message. It is
// logged, never returned to a caller, and never crashes the session.
type ProtocolViolation struct {
	Reason string
	Raw    []byte
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}
