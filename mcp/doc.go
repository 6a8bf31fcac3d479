// Package mcp implements the client side of the Model Context Protocol:
// the transport layer that carries JSON-RPC 2.0 messages to a tool server,
// and the session layer that performs the handshake, discovers tools, and
// invokes them.
//
// # Layers
//
//  1. Transport: one byte-level channel per child. StdioTransport spawns
//     the child itself and frames messages as lines over its pipes.
//     HTTPTransport dials a child that is already listening (the supervisor
//     owns that process) and speaks either plain request/response ("http")
//     or an event stream ("sse").
//
//  2. Session: one initialized protocol conversation over one transport.
//     The session assigns monotonically increasing request ids, tracks
//     every in-flight call in a pending table, and resolves each call from
//     exactly one of: the matching response, the call timeout, or session
//     teardown. A background reader drains the transport; responses are
//     matched by id, so concurrent calls may complete out of order without
//     ever cross-wiring results.
//
// # Failure behavior
//
// A response whose id matches no pending call is protocol drift: it is
// logged and discarded, never fatal. A transport death fails every pending
// call with a TransportError and moves the session to the absorbing Failed
// state. Close cancels every pending call with ErrSessionClosed, so no
// caller waits past teardown.
package mcp
