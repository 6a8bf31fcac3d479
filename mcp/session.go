package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default call budgets. Tool calls get a generous budget since hardware
// operations (camera capture, audio recording) can be slow.
const (
	DefaultCallTimeout = 30 * time.Second
	DefaultInitTimeout = 10 * time.Second
)

// SessionState is the lifecycle state of a protocol session.
type SessionState int

const (
	StateUninitialized SessionState = iota
	StateHandshaking
	StateReady
	StateClosing
	StateClosed
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// NotificationHandler receives unsolicited notifications from the child,
// for example streaming partial output before a call completes. Called from
// the session's reader goroutine; implementations must not block.
type NotificationHandler func(method string, params json.RawMessage)

// SessionConfig holds the tunables for a protocol session.
type SessionConfig struct {
	CallTimeout    time.Duration
	InitTimeout    time.Duration
	ClientName     string
	ClientVersion  string
	OnNotification NotificationHandler
}

// callOutcome is the single-resolution slot of a pending call. Exactly one
// of result/rpcErr/err is meaningful.
type callOutcome struct {
	result json.RawMessage
	rpcErr *RPCError
	err    error
}

// Session is one initialized, stateful protocol conversation with a single
// child instance. It tracks in-flight requests by id and resolves each one
// from a matching response, a timeout, or session teardown, whichever comes
// first. Concurrent calls on one session are safe and may complete out of
// order.
type Session struct {
	transport Transport
	config    SessionConfig
	log       *slog.Logger

	mu         sync.Mutex
	state      SessionState
	nextID     int64
	pending    map[int64]chan callOutcome
	tools      []ToolDescriptor
	serverInfo ServerInfo
	readerDone chan struct{}
}

// NewSession wraps a transport. The transport must already be connected;
// Initialize performs the protocol handshake.
func NewSession(transport Transport, config SessionConfig, log *slog.Logger) *Session {
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultCallTimeout
	}
	if config.InitTimeout <= 0 {
		config.InitTimeout = DefaultInitTimeout
	}
	if config.ClientName == "" {
		config.ClientName = "mcphub"
	}
	if config.ClientVersion == "" {
		config.ClientVersion = "dev"
	}
	return &Session{
		transport: transport,
		config:    config,
		log:       log,
		state:     StateUninitialized,
		pending:   make(map[int64]chan callOutcome),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ServerInfo returns the server identity reported during the handshake.
func (s *Session) ServerInfo() ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// Initialize performs the protocol handshake. Must be called exactly once
// before tool operations; a second call is an error.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("initialize in state %s", state)
	}
	s.state = StateHandshaking
	s.readerDone = make(chan struct{})
	s.mu.Unlock()

	go s.readLoop()

	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    Capability{Tools: &ToolCapability{}},
		ClientInfo:      ClientInfo{Name: s.config.ClientName, Version: s.config.ClientVersion},
	}

	raw, err := s.call(ctx, MethodInitialize, params, s.config.InitTimeout)
	if err != nil {
		s.fail()
		return fmt.Errorf("handshake: %w", err)
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		s.fail()
		return fmt.Errorf("handshake: malformed initialize result: %w", err)
	}

	// The handshake completes with a fire-and-forget notification.
	initialized := &JSONRPCRequest{JSONRPC: JSONRPCVersion, Method: MethodInitialized}
	if err := s.transport.Send(initialized); err != nil {
		s.fail()
		return fmt.Errorf("handshake: %w", err)
	}

	s.mu.Lock()
	s.serverInfo = result.ServerInfo
	if s.state == StateHandshaking {
		s.state = StateReady
	}
	state := s.state
	s.mu.Unlock()

	if state != StateReady {
		return fmt.Errorf("handshake: %w", ErrSessionClosed)
	}

	s.log.Info("session ready",
		"server", result.ServerInfo.Name,
		"version", result.ServerInfo.Version,
		"protocol", result.ProtocolVersion)
	return nil
}

// ListTools queries the child for its tool set. Valid only in Ready. The
// result is cached for CachedTools, but each call re-queries the child.
func (s *Session) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}

	raw, err := s.call(ctx, MethodToolsList, struct{}{}, s.config.CallTimeout)
	if err != nil {
		return nil, err
	}

	var result ToolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("malformed tools/list result: %w", err)
	}

	for i := range result.Tools {
		if err := result.Tools[i].InputSchema.Check(); err != nil {
			s.log.Warn("tool has malformed schema",
				"tool", result.Tools[i].Name, "error", err)
		}
	}

	s.mu.Lock()
	s.tools = result.Tools
	tools := make([]ToolDescriptor, len(result.Tools))
	copy(tools, result.Tools)
	s.mu.Unlock()

	return tools, nil
}

// CachedTools returns the most recent tool set without a round trip.
func (s *Session) CachedTools() []ToolDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	tools := make([]ToolDescriptor, len(s.tools))
	copy(tools, s.tools)
	return tools
}

// CallTool invokes one tool. Valid only in Ready. Arguments are validated
// by the child, not here. The outcome is exactly one of: the result, a
// RemoteError (the child rejected the call), ErrTimeout (no response within
// the budget), or a TransportError/ErrSessionClosed (the channel died).
func (s *Session) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}
	if arguments == nil {
		arguments = map[string]any{}
	}

	raw, err := s.call(ctx, MethodToolsCall, ToolCallParams{Name: name, Arguments: arguments}, s.config.CallTimeout)
	if err != nil {
		return nil, err
	}

	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("malformed tools/call result: %w", err)
	}
	return &result, nil
}

// Close cancels every outstanding call with ErrSessionClosed, then releases
// the transport. Idempotent; no caller is ever left waiting.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	prior := s.state
	s.state = StateClosing
	orphans := s.pending
	s.pending = make(map[int64]chan callOutcome)
	readerDone := s.readerDone
	s.mu.Unlock()

	for _, ch := range orphans {
		ch <- callOutcome{err: ErrSessionClosed}
	}

	err := s.transport.Close()

	// The reader drains until the transport's message stream closes.
	if readerDone != nil && prior != StateUninitialized {
		<-readerDone
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	s.log.Debug("session closed")
	return err
}

// requireReady gates tool operations on the Ready state.
func (s *Session) requireReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return fmt.Errorf("%w (state %s)", ErrNotReady, s.state)
	}
	return nil
}

// fail moves the session to the absorbing Failed state and cancels every
// pending call with a transport error.
func (s *Session) fail() {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	orphans := s.pending
	s.pending = make(map[int64]chan callOutcome)
	s.mu.Unlock()

	terr := s.transport.Err()
	if terr == nil {
		terr = &TransportError{Op: "receive", Err: ErrTransportClosed}
	}
	for _, ch := range orphans {
		ch <- callOutcome{err: terr}
	}
}

// call registers a PendingCall, sends the request, and waits for exactly
// one outcome. The id is fresh per call and never reused while outstanding.
func (s *Session) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	s.mu.Lock()
	switch s.state {
	case StateClosing, StateClosed:
		s.mu.Unlock()
		return nil, ErrSessionClosed
	case StateFailed:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w (state failed)", ErrNotReady)
	}
	s.nextID++
	id := s.nextID
	ch := make(chan callOutcome, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	req := &JSONRPCRequest{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
	if err := s.transport.Send(req); err != nil {
		s.resolveLocal(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		if out.rpcErr != nil {
			return nil, &RemoteError{Code: out.rpcErr.Code, Message: out.rpcErr.Message, Data: out.rpcErr.Data}
		}
		return out.result, nil
	case <-timer.C:
		// Unregister so a late response is discarded instead of leaking.
		// The reader may have resolved the call in the same instant; if
		// so, honor the real outcome.
		if s.resolveLocal(id) {
			return nil, fmt.Errorf("%s: %w after %s", method, ErrTimeout, timeout)
		}
		out := <-ch
		if out.err != nil {
			return nil, out.err
		}
		if out.rpcErr != nil {
			return nil, &RemoteError{Code: out.rpcErr.Code, Message: out.rpcErr.Message, Data: out.rpcErr.Data}
		}
		return out.result, nil
	case <-ctx.Done():
		if s.resolveLocal(id) {
			return nil, ctx.Err()
		}
		out := <-ch
		if out.err != nil {
			return nil, out.err
		}
		if out.rpcErr != nil {
			return nil, &RemoteError{Code: out.rpcErr.Code, Message: out.rpcErr.Message, Data: out.rpcErr.Data}
		}
		return out.result, nil
	}
}

// resolveLocal removes a pending call before a response arrived. Returns
// false if the reader (or teardown) already claimed it, in which case the
// outcome channel holds the real result.
func (s *Session) resolveLocal(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	return true
}

// readLoop drains the transport. Each inbound message resolves the pending
// call with the matching id, or is forwarded as a notification, or is
// logged and discarded. When the stream ends the remaining calls are
// cancelled and the session state settles.
func (s *Session) readLoop() {
	defer close(s.readerDone)

	for raw := range s.transport.Messages() {
		var msg JSONRPCMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			v := &ProtocolViolation{Reason: "unparseable message", Raw: raw}
			s.log.Warn("discarding inbound message", "error", v, "cause", err)
			continue
		}

		switch {
		case msg.IsNotification():
			if s.config.OnNotification != nil {
				s.config.OnNotification(msg.Method, msg.Params)
			}
		case msg.IsResponse():
			s.resolveResponse(&msg)
		default:
			v := &ProtocolViolation{Reason: "message is neither response nor notification", Raw: raw}
			s.log.Warn("discarding inbound message", "error", v)
		}
	}

	s.mu.Lock()
	closing := s.state == StateClosing || s.state == StateClosed
	s.mu.Unlock()
	if closing {
		return
	}

	// The peer went away without us asking. Every pending call gets the
	// transport's verdict and the session is done.
	s.fail()
}

// resolveResponse matches a response to its pending call by id. An unknown
// id is protocol drift, not a local fault: logged and discarded.
func (s *Session) resolveResponse(msg *JSONRPCMessage) {
	id, ok := idAsInt64(msg.ID)
	if !ok {
		s.log.Warn("discarding response with non-numeric id", "id", msg.ID)
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if !ok {
		s.log.Warn("discarding response for unknown id", "id", id)
		return
	}
	ch <- callOutcome{result: msg.Result, rpcErr: msg.Error}
}

// idAsInt64 normalizes a JSON-decoded id. Our requests use integer ids;
// the decoder hands them back as float64.
func idAsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
