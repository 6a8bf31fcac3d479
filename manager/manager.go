// Package manager runs interactive debug sessions: one service launched on
// demand, spoken to over an initialized protocol session, torn down when the
// operator is done. At most one debug session per service is allowed.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Pamir-AI/distiller-cm5-mcp-hub/config"
	"github.com/Pamir-AI/distiller-cm5-mcp-hub/mcp"
	"github.com/Pamir-AI/distiller-cm5-mcp-hub/supervisor"
)

// AlreadyActiveError reports a second StartSession for a service that
// already has a live debug session.
type AlreadyActiveError struct {
	Service   string
	SessionID string
}

func (e *AlreadyActiveError) Error() string {
	return fmt.Sprintf("service %s already has active session %s", e.Service, e.SessionID)
}

// NoSessionError reports an operation against a service with no active
// debug session.
type NoSessionError struct {
	Service string
}

func (e *NoSessionError) Error() string {
	return fmt.Sprintf("service %s has no active session", e.Service)
}

// EventKind classifies manager events delivered to observers.
type EventKind string

const (
	EventSessionStarted EventKind = "session_started"
	EventSessionStopped EventKind = "session_stopped"
	EventSessionFailed  EventKind = "session_failed"
	EventNotification   EventKind = "notification"
	// EventServiceState reports a hub-supervised service changing state.
	EventServiceState EventKind = "service_state"
)

// Event is an asynchronous happening inside the manager: session lifecycle
// changes and notifications forwarded from the child.
type Event struct {
	Kind      EventKind       `json:"kind"`
	Service   string          `json:"service"`
	SessionID string          `json:"session_id"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	State     string          `json:"state,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// EventFunc receives manager events. Called from manager and session reader
// goroutines; implementations must not block and must not call back into the
// manager's lifecycle methods.
type EventFunc func(Event)

// Launcher brings up a service process and returns the transport to speak
// MCP over. Split out so tests can substitute an in-memory transport. The
// returned supervisor may be nil when no real process backs the transport.
type Launcher func(ctx context.Context, svc *config.ServiceConfig, log *slog.Logger) (*supervisor.Supervisor, mcp.Transport, error)

// DefaultLauncher spawns the real service under a non-restarting supervisor
// and returns the transport to speak MCP over.
func DefaultLauncher(ctx context.Context, svc *config.ServiceConfig, log *slog.Logger) (*supervisor.Supervisor, mcp.Transport, error) {
	// A crashed debug target is terminal; the operator restarts explicitly.
	sup := supervisor.New(svc, supervisor.Config{
		AutoRestart: false,
		DrainOutput: svc.Transport.Network(),
	}, log)
	if err := sup.Start(ctx); err != nil {
		return nil, nil, err
	}

	if !svc.Transport.Network() {
		return sup, sup.Transport(), nil
	}

	mode := mcp.ModeSSE
	if svc.Transport == config.TransportHTTP {
		mode = mcp.ModeHTTP
	}
	tr := mcp.NewHTTPTransport(mcp.HTTPConfig{BaseURL: svc.BaseURL(), Mode: mode}, log)
	if err := tr.Connect(ctx); err != nil {
		sup.Stop()
		return nil, nil, err
	}
	return sup, tr, nil
}

// debugSession bundles everything behind one live session.
type debugSession struct {
	id        string
	service   string
	startedAt time.Time
	sup       *supervisor.Supervisor
	session   *mcp.Session
}

// SessionInfo is the externally visible snapshot of a debug session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Service   string    `json:"service"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
	ToolCount int       `json:"tool_count"`
}

// ExecuteResult is one tool invocation's outcome plus how long it took.
type ExecuteResult struct {
	Result   *mcp.ToolCallResult `json:"result"`
	Duration time.Duration       `json:"duration"`
}

// Manager owns the debug sessions, keyed by service ID.
type Manager struct {
	cfg     *config.Config
	log     *slog.Logger
	launch  Launcher
	onEvent EventFunc

	mu       sync.RWMutex
	sessions map[string]*debugSession
}

// New creates a manager over the loaded service table.
func New(cfg *config.Config, log *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		log:      log,
		launch:   DefaultLauncher,
		sessions: make(map[string]*debugSession),
	}
}

// SetLauncher sets a custom launcher (for testing).
func (m *Manager) SetLauncher(l Launcher) {
	m.launch = l
}

// SetEventFunc registers the observer for session events.
func (m *Manager) SetEventFunc(fn EventFunc) {
	m.onEvent = fn
}

func (m *Manager) emit(evt Event) {
	if m.onEvent != nil {
		m.onEvent(evt)
	}
}

// StartSession launches the service, performs the protocol handshake, and
// prefetches the tool list. On any failure everything already brought up is
// torn down and no session is recorded.
func (m *Manager) StartSession(ctx context.Context, serviceID string) (SessionInfo, error) {
	svc, ok := m.cfg.Service(serviceID)
	if !ok {
		return SessionInfo{}, fmt.Errorf("unknown service %q", serviceID)
	}

	// Reserve the slot so concurrent starts for the same service collide.
	// The reservation carries the session id but no session yet; only the
	// start that placed it may replace or remove it.
	reservation := &debugSession{id: uuid.NewString(), service: serviceID}
	m.mu.Lock()
	if existing, ok := m.sessions[serviceID]; ok {
		m.mu.Unlock()
		return SessionInfo{}, &AlreadyActiveError{Service: serviceID, SessionID: existing.id}
	}
	m.sessions[serviceID] = reservation
	m.mu.Unlock()

	info, err := m.startSession(ctx, svc, reservation)
	if err != nil {
		m.mu.Lock()
		if m.sessions[serviceID] == reservation {
			delete(m.sessions, serviceID)
		}
		m.mu.Unlock()
		return SessionInfo{}, err
	}
	return info, nil
}

func (m *Manager) startSession(ctx context.Context, svc *config.ServiceConfig, reservation *debugSession) (SessionInfo, error) {
	id := reservation.id
	log := m.log.With("service", svc.ID, "session", id)

	sup, tr, err := m.launch(ctx, svc, log)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("start session for %s: %w", svc.ID, err)
	}

	teardown := func() {
		if sup != nil {
			sup.Stop()
		}
	}

	sess := mcp.NewSession(tr, mcp.SessionConfig{
		OnNotification: func(method string, params json.RawMessage) {
			m.emit(Event{
				Kind:      EventNotification,
				Service:   svc.ID,
				SessionID: id,
				Method:    method,
				Params:    params,
			})
		},
	}, log)

	if err := sess.Initialize(ctx); err != nil {
		sess.Close()
		teardown()
		return SessionInfo{}, fmt.Errorf("start session for %s: %w", svc.ID, err)
	}

	tools, err := sess.ListTools(ctx)
	if err != nil {
		sess.Close()
		teardown()
		return SessionInfo{}, fmt.Errorf("start session for %s: %w", svc.ID, err)
	}

	ds := &debugSession{
		id:        id,
		service:   svc.ID,
		startedAt: time.Now(),
		sup:       sup,
		session:   sess,
	}

	m.mu.Lock()
	if m.sessions[svc.ID] != reservation {
		m.mu.Unlock()
		sess.Close()
		teardown()
		return SessionInfo{}, fmt.Errorf("start session for %s: superseded during startup", svc.ID)
	}
	m.sessions[svc.ID] = ds
	m.mu.Unlock()

	m.watchFailure(ds)

	log.Info("debug session started", "tools", len(tools))
	m.emit(Event{Kind: EventSessionStarted, Service: svc.ID, SessionID: id})
	return m.info(ds), nil
}

// watchFailure reports the session's death to observers once it leaves the
// Ready state without being stopped. The session itself already moved to
// Failed; this only surfaces the event.
func (m *Manager) watchFailure(ds *debugSession) {
	if ds.sup == nil {
		return
	}
	go func() {
		tr := ds.sup.Transport()
		if tr == nil {
			return
		}
		<-tr.Done()

		m.mu.RLock()
		current := m.sessions[ds.service]
		m.mu.RUnlock()
		if current != ds || ds.session.State() != mcp.StateFailed {
			return
		}

		cause := ""
		if err := tr.Err(); err != nil {
			cause = err.Error()
		}
		m.log.Warn("debug session failed", "service", ds.service, "session", ds.id, "error", cause)
		m.emit(Event{Kind: EventSessionFailed, Service: ds.service, SessionID: ds.id, Error: cause})
	}()
}

// StopSession tears down the service's debug session. Stopping a service
// with no session is a no-op, and a slot still mid-start is left for its
// owner to finish or roll back.
func (m *Manager) StopSession(serviceID string) error {
	m.mu.Lock()
	ds := m.sessions[serviceID]
	if ds == nil || ds.session == nil {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, serviceID)
	m.mu.Unlock()

	err := ds.session.Close()
	if ds.sup != nil {
		ds.sup.Stop()
	}

	m.log.Info("debug session stopped",
		"service", serviceID,
		"session", ds.id,
		"uptime", time.Since(ds.startedAt).Round(time.Millisecond))
	m.emit(Event{Kind: EventSessionStopped, Service: serviceID, SessionID: ds.id})
	return err
}

// Execute invokes one tool in the service's active session. Arguments are
// validated against the cached tool schema before the call goes out.
func (m *Manager) Execute(ctx context.Context, serviceID, tool string, args map[string]any) (*ExecuteResult, error) {
	ds, err := m.active(serviceID)
	if err != nil {
		return nil, err
	}

	if desc, ok := findTool(ds.session.CachedTools(), tool); ok {
		if err := mcp.ValidateArguments(desc, args); err != nil {
			return nil, fmt.Errorf("invalid arguments for %s: %w", tool, err)
		}
	}

	start := time.Now()
	result, err := ds.session.CallTool(ctx, tool, args)
	elapsed := time.Since(start)
	if err != nil {
		m.log.Warn("tool call failed",
			"service", serviceID, "tool", tool,
			"duration", elapsed.Round(time.Millisecond), "error", err)
		return nil, err
	}

	m.log.Info("tool call completed",
		"service", serviceID, "tool", tool,
		"duration", elapsed.Round(time.Millisecond), "is_error", result.IsError)
	return &ExecuteResult{Result: result, Duration: elapsed}, nil
}

// Tools returns the cached tool set without a round trip to the child.
func (m *Manager) Tools(serviceID string) ([]mcp.ToolDescriptor, error) {
	ds, err := m.active(serviceID)
	if err != nil {
		return nil, err
	}
	return ds.session.CachedTools(), nil
}

// RefreshTools re-queries the child and updates the cache.
func (m *Manager) RefreshTools(ctx context.Context, serviceID string) ([]mcp.ToolDescriptor, error) {
	ds, err := m.active(serviceID)
	if err != nil {
		return nil, err
	}
	return ds.session.ListTools(ctx)
}

// Session returns the snapshot for one service's active session.
func (m *Manager) Session(serviceID string) (SessionInfo, error) {
	ds, err := m.active(serviceID)
	if err != nil {
		return SessionInfo{}, err
	}
	return m.info(ds), nil
}

// Sessions lists every active session sorted by service ID.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SessionInfo, 0, len(m.sessions))
	for _, ds := range m.sessions {
		if ds == nil || ds.session == nil {
			continue
		}
		out = append(out, m.info(ds))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// CloseAll stops every active session, for hub shutdown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id, ds := range m.sessions {
		if ds != nil && ds.session != nil {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.StopSession(id)
	}
}

// active looks up a live session, distinguishing "no session" from a
// reserved slot still starting up.
func (m *Manager) active(serviceID string) (*debugSession, error) {
	m.mu.RLock()
	ds, ok := m.sessions[serviceID]
	m.mu.RUnlock()
	if !ok || ds == nil || ds.session == nil {
		return nil, &NoSessionError{Service: serviceID}
	}
	return ds, nil
}

func (m *Manager) info(ds *debugSession) SessionInfo {
	return SessionInfo{
		ID:        ds.id,
		Service:   ds.service,
		State:     ds.session.State().String(),
		StartedAt: ds.startedAt,
		ToolCount: len(ds.session.CachedTools()),
	}
}

func findTool(tools []mcp.ToolDescriptor, name string) (*mcp.ToolDescriptor, bool) {
	for i := range tools {
		if tools[i].Name == name {
			return &tools[i], true
		}
	}
	return nil, false
}
