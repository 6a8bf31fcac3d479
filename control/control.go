// Package control exposes the hub over a unix domain socket: line-framed
// JSON requests from the CLI, line-framed responses back, plus asynchronous
// event frames pushed to every connected client.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Pamir-AI/distiller-cm5-mcp-hub/config"
	"github.com/Pamir-AI/distiller-cm5-mcp-hub/manager"
	"github.com/Pamir-AI/distiller-cm5-mcp-hub/mcp"
	"github.com/Pamir-AI/distiller-cm5-mcp-hub/supervisor"
)

const (
	// readTimeout bounds each blocking read so the handler can notice
	// shutdown on an idle connection.
	readTimeout = 10 * time.Second
	// writeTimeout keeps a stuck client from wedging the hub.
	writeTimeout = 10 * time.Second
	// requestTimeout bounds one dispatched operation.
	requestTimeout = 60 * time.Second
	// outboundQueue is the per-connection frame backlog. A client that
	// stops reading loses events, not the hub.
	outboundQueue = 64
)

// Operations accepted over the control socket.
const (
	OpPing         = "ping"
	OpStatus       = "status"
	OpServices     = "services"
	OpSessions     = "sessions"
	OpStartSession = "start_session"
	OpStopSession  = "stop_session"
	OpExecute      = "execute"
	OpTools        = "tools"
	OpRefreshTools = "refresh_tools"
)

// Request is one client command.
type Request struct {
	ID      int64          `json:"id,omitempty"`
	Op      string         `json:"op"`
	Service string         `json:"service,omitempty"`
	Tool    string         `json:"tool,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
}

// Frame is one line on the wire: either the response to a request (matched
// by ID) or an unsolicited event.
type Frame struct {
	Type   string          `json:"type"`
	ID     int64           `json:"id,omitempty"`
	OK     bool            `json:"ok,omitempty"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Event  *manager.Event  `json:"event,omitempty"`
}

const (
	frameResponse = "response"
	frameEvent    = "event"
)

// ServiceSummary is the wire form of one configured service.
type ServiceSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Enabled   bool   `json:"enabled"`
	Port      int    `json:"port,omitempty"`
}

// Backend is everything the control surface needs from the hub.
type Backend interface {
	Services() []*config.ServiceConfig
	Status() []supervisor.Status
	Sessions() []manager.SessionInfo
	StartSession(ctx context.Context, service string) (manager.SessionInfo, error)
	StopSession(service string) error
	Execute(ctx context.Context, service, tool string, args map[string]any) (*manager.ExecuteResult, error)
	Tools(service string) ([]mcp.ToolDescriptor, error)
	RefreshTools(ctx context.Context, service string) ([]mcp.ToolDescriptor, error)
}

// Server owns the control socket.
type Server struct {
	socketPath string
	listener   net.Listener
	backend    Backend
	log        *slog.Logger

	mu     sync.Mutex
	conns  map[net.Conn]chan []byte
	closed bool

	readyCh chan struct{}
	wg      sync.WaitGroup
}

// NewServer binds the control socket. A stale socket file from a previous
// run is removed first.
func NewServer(socketPath string, backend Backend, log *slog.Logger) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, fmt.Errorf("control socket dir: %w", err)
	}
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("control socket listen: %w", err)
	}

	log.Info("control socket listening", "path", socketPath)
	return &Server{
		socketPath: socketPath,
		listener:   listener,
		backend:    backend,
		log:        log,
		conns:      make(map[net.Conn]chan []byte),
		readyCh:    make(chan struct{}),
	}, nil
}

// SocketPath returns the bound socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Start launches the accept loop.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.run()
}

// WaitReady blocks until the server is accepting connections.
func (s *Server) WaitReady() {
	<-s.readyCh
}

func (s *Server) run() {
	defer s.wg.Done()
	close(s.readyCh)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.log.Warn("accept error (continuing)", "error", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	out := make(chan []byte, outboundQueue)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.conns[conn] = out
	s.mu.Unlock()

	s.log.Debug("control client connected")

	var writers sync.WaitGroup
	writers.Add(1)
	go func() {
		defer writers.Done()
		for frame := range out {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := conn.Write(append(frame, '\n')); err != nil {
				s.log.Debug("control write failed", "error", err)
				conn.Close()
				return
			}
		}
	}()

	s.readLoop(conn, out)

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	close(out)
	writers.Wait()

	s.log.Debug("control client disconnected")
}

func (s *Server) readLoop(conn net.Conn, out chan []byte) {
	reader := bufio.NewReader(conn)
	for {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))

		line, err := reader.ReadString('\n')
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() && line == "" {
				// Idle connection; keep waiting unless shutting down.
				continue
			}
			return
		}

		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.log.Warn("malformed control request", "error", err)
			continue
		}

		frame := s.dispatch(&req)
		data, err := json.Marshal(frame)
		if err != nil {
			s.log.Error("control response marshal failed", "op", req.Op, "error", err)
			continue
		}
		select {
		case out <- data:
		default:
			// Writer wedged; drop the client rather than block the hub.
			return
		}
	}
}

// dispatch runs one request against the backend.
func (s *Server) dispatch(req *Request) Frame {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	frame := Frame{Type: frameResponse, ID: req.ID}

	var result any
	var err error
	switch req.Op {
	case OpPing:
		result = "pong"
	case OpStatus:
		result = s.backend.Status()
	case OpServices:
		result = summarize(s.backend.Services())
	case OpSessions:
		result = s.backend.Sessions()
	case OpStartSession:
		result, err = s.backend.StartSession(ctx, req.Service)
	case OpStopSession:
		err = s.backend.StopSession(req.Service)
	case OpExecute:
		result, err = s.backend.Execute(ctx, req.Service, req.Tool, req.Args)
	case OpTools:
		result, err = s.backend.Tools(req.Service)
	case OpRefreshTools:
		result, err = s.backend.RefreshTools(ctx, req.Service)
	default:
		err = fmt.Errorf("unknown op %q", req.Op)
	}

	if err != nil {
		s.log.Warn("control request failed", "op", req.Op, "service", req.Service, "error", err)
		frame.Error = err.Error()
		return frame
	}

	frame.OK = true
	if result != nil {
		data, merr := json.Marshal(result)
		if merr != nil {
			frame.OK = false
			frame.Error = merr.Error()
			return frame
		}
		frame.Result = data
	}
	return frame
}

// Notify pushes an event frame to every connected client. Never blocks; a
// client with a full queue misses the event.
func (s *Server) Notify(evt manager.Event) {
	frame := Frame{Type: frameEvent, Event: &evt}
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.Error("event marshal failed", "kind", evt.Kind, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, out := range s.conns {
		select {
		case out <- data:
		default:
			s.log.Debug("dropping event for slow client", "remote", conn.RemoteAddr())
		}
	}
}

// Close stops accepting, drops every client, and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	err := s.listener.Close()
	for _, conn := range conns {
		conn.Close()
	}
	s.wg.Wait()
	os.Remove(s.socketPath)

	s.log.Info("control socket closed")
	return err
}

func summarize(services []*config.ServiceConfig) []ServiceSummary {
	out := make([]ServiceSummary, 0, len(services))
	for _, svc := range services {
		summary := ServiceSummary{
			ID:        svc.ID,
			Name:      svc.DisplayName(),
			Transport: string(svc.Transport),
			Enabled:   svc.Enabled,
		}
		if svc.Transport.Network() {
			summary.Port = svc.Port
		}
		out = append(out, summary)
	}
	return out
}
