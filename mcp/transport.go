package mcp

import (
	"context"
	"encoding/json"
)

// Transport is the byte-level channel carrying protocol messages to one
// child process or one network endpoint. A Transport knows nothing about
// sessions or pending calls; it moves complete JSON-RPC messages.
//
// Lifecycle: Connect establishes the channel, Messages yields inbound
// messages until the peer goes away, Close releases everything. Close is
// idempotent. The Messages channel is closed exactly once: after a clean
// peer shutdown Err returns nil, after an unexpected death it returns the
// cause.
type Transport interface {
	// Connect establishes the underlying channel: spawn and pipe wiring
	// for stdio, health-probed connection for network transports. Fails
	// with an error wrapping ErrTransportUnavailable if the executable or
	// port cannot be reached.
	Connect(ctx context.Context) error

	// Send writes one complete JSON-RPC message. Fails with an error
	// wrapping ErrTransportClosed if the channel is gone.
	Send(msg *JSONRPCRequest) error

	// Messages returns the inbound message stream. The channel is closed
	// when the peer closes; consult Err afterwards for the cause.
	Messages() <-chan json.RawMessage

	// Err reports why Messages closed. Nil means a clean shutdown.
	// Undefined before Messages is closed.
	Err() error

	// Close releases all OS resources. For process transports the child
	// gets a graceful termination signal escalating to a forced kill
	// after the grace period. Idempotent.
	Close() error
}
