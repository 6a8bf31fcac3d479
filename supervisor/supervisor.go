// Package supervisor owns the lifecycle of one MCP service process: launch,
// health gating, crash detection, and restart with exponential backoff.
//
// The supervisor owns the child process regardless of how MCP traffic flows.
// For stdio services the spawned transport doubles as the message channel and
// is handed to whoever runs the protocol session; for network services the
// child's stdout is just server logging, which the supervisor drains itself.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Pamir-AI/distiller-cm5-mcp-hub/config"
	"github.com/Pamir-AI/distiller-cm5-mcp-hub/mcp"
)

// State is the supervisor's lifecycle phase.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashBackoff
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateCrashBackoff:
		return "crash-backoff"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrAlreadyInProgress is returned when a Start races with another Start or
// an in-flight Stop.
var ErrAlreadyInProgress = errors.New("operation already in progress")

// LaunchError wraps a failure to bring a service up, whether the spawn
// itself failed or the health probe never answered.
type LaunchError struct {
	Service string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Service, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// errSuperseded aborts a restart loop that lost a race with Stop or a newer
// Start.
var errSuperseded = errors.New("supervisor superseded")

// Config tunes one supervisor.
type Config struct {
	// AutoRestart relaunches the child after an unexpected exit. Debug
	// sessions leave this off; a crashed session is terminal.
	AutoRestart bool
	// MaxRetries bounds consecutive restart attempts. Zero means retry
	// forever.
	MaxRetries int
	// DrainOutput consumes the child's stdout stream. Leave off when a
	// protocol session will own the transport instead.
	DrainOutput bool

	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	GracePeriod  time.Duration
	ProbeTimeout time.Duration

	// OnStateChange fires on every transition, outside the supervisor's
	// lock. It must not call back into Start or Stop.
	OnStateChange func(serviceID string, old, next State)
	// OnCrash fires when the supervisor gives up on a crashed child,
	// either because restarts are off or the retry budget is spent.
	OnCrash func(serviceID string, err error)
}

// Status is a point-in-time snapshot of a supervised service.
type Status struct {
	Service   string    `json:"service"`
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Pid       int       `json:"pid,omitempty"`
	Failures  int       `json:"failures,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

// Supervisor manages one service process.
type Supervisor struct {
	svc    *config.ServiceConfig
	config Config
	log    *slog.Logger

	// opMu serializes Start and Stop against each other.
	opMu sync.Mutex

	mu        sync.Mutex
	state     State
	transport *mcp.StdioTransport
	startedAt time.Time
	failures  int
	stopCh    chan struct{}
	gen       int

	wg sync.WaitGroup
}

// New creates a supervisor for svc. Nothing is launched until Start.
func New(svc *config.ServiceConfig, cfg Config, log *slog.Logger) *Supervisor {
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = mcp.DefaultGracePeriod
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	return &Supervisor{
		svc:    svc,
		config: cfg,
		log:    log,
	}
}

// Service returns the service config this supervisor manages.
func (s *Supervisor) Service() *config.ServiceConfig {
	return s.svc
}

// State returns the current lifecycle phase.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transport returns the current child's stdio transport, or nil when no
// child is running. For stdio services this is the MCP message channel.
func (s *Supervisor) Transport() *mcp.StdioTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// Status returns a snapshot for status reporting.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Service:  s.svc.ID,
		Name:     s.svc.DisplayName(),
		State:    s.state.String(),
		Failures: s.failures,
	}
	if s.transport != nil && s.state == StateRunning {
		st.Pid = s.transport.Pid()
		st.StartedAt = s.startedAt
	}
	return st
}

// Start launches the service and begins supervising it. Starting a service
// that is already up is a no-op. A concurrent Start or Stop is rejected with
// ErrAlreadyInProgress.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.opMu.TryLock() {
		return ErrAlreadyInProgress
	}
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.transition(StateStarting)
	tr, err := s.launch(ctx)
	if err != nil {
		s.transition(StateStopped)
		return err
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.transport = tr
	s.startedAt = time.Now()
	s.failures = 0
	s.stopCh = make(chan struct{})
	s.mu.Unlock()
	s.transition(StateRunning)

	s.wg.Add(1)
	go s.supervise(tr, gen)

	s.log.Info("service started", "pid", tr.Pid(), "transport", string(s.svc.Transport))
	return nil
}

// Stop terminates the child and waits for supervision to wind down. It
// always leaves the supervisor in StateStopped and never fails.
func (s *Supervisor) Stop() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	// The Stopping transition must land in the same critical section that
	// snapshots the transport, or a concurrent relaunch could commit a new
	// child between the snapshot and the transition and we would close the
	// stale transport while supervision waits on the live one.
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	old := s.state
	s.state = StateStopping
	tr := s.transport
	stop := s.stopCh
	s.mu.Unlock()

	if old != StateStopping && s.config.OnStateChange != nil {
		s.config.OnStateChange(s.svc.ID, old, StateStopping)
	}

	if stop != nil {
		close(stop)
	}
	if tr != nil {
		tr.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.transport = nil
	s.mu.Unlock()
	s.transition(StateStopped)

	s.log.Info("service stopped")
	return nil
}

// launch spawns the child and, for network services, waits for its health
// endpoint to answer.
func (s *Supervisor) launch(ctx context.Context) (*mcp.StdioTransport, error) {
	dir, err := config.ResolveProjectDir(s.svc)
	if err != nil {
		return nil, &LaunchError{Service: s.svc.ID, Err: err}
	}

	command, args := s.svc.CommandLine()
	tr := mcp.NewStdioTransport(mcp.StdioConfig{
		Command:     command,
		Args:        args,
		Dir:         dir,
		Env:         s.svc.Env,
		GracePeriod: s.config.GracePeriod,
	}, s.log)

	if err := tr.Connect(ctx); err != nil {
		return nil, &LaunchError{Service: s.svc.ID, Err: err}
	}

	if s.config.DrainOutput {
		s.wg.Add(1)
		go s.drain(tr)
	}

	if s.svc.Transport.Network() {
		if err := mcp.ProbeHealth(ctx, nil, s.svc.BaseURL(), s.config.ProbeTimeout); err != nil {
			tr.Close()
			return nil, &LaunchError{Service: s.svc.ID, Err: err}
		}
	}
	return tr, nil
}

// drain consumes stdout from a child whose output nobody else reads. For
// network services this is the server's own logging, kept at debug.
func (s *Supervisor) drain(tr *mcp.StdioTransport) {
	defer s.wg.Done()
	for line := range tr.Messages() {
		s.log.Debug("service output", "line", string(line))
	}
}

// supervise waits for the child to exit and restarts it per the backoff
// policy. One supervise goroutine runs per Start; it survives restarts and
// returns when the service stops, gives up, or is superseded.
func (s *Supervisor) supervise(tr *mcp.StdioTransport, gen int) {
	defer s.wg.Done()

	var pendingErr error
	for {
		if tr != nil {
			<-tr.Done()
			pendingErr = tr.Err()
		}

		stop, delay, retry := s.recordCrash(gen, pendingErr)
		if !retry {
			return
		}

		select {
		case <-time.After(delay):
		case <-stop:
			return
		}

		var err error
		tr, err = s.relaunch(gen)
		if errors.Is(err, errSuperseded) {
			return
		}
		if err != nil {
			tr = nil
			pendingErr = err
			continue
		}
		pendingErr = nil
	}
}

// recordCrash classifies an unexpected exit. It returns retry=false when the
// exit was expected (Stop in progress) or the supervisor is giving up;
// otherwise it moves to CrashBackoff and returns the wait.
func (s *Supervisor) recordCrash(gen int, cause error) (stop <-chan struct{}, delay time.Duration, retry bool) {
	s.mu.Lock()
	if gen != s.gen || s.state == StateStopping || s.state == StateStopped {
		s.mu.Unlock()
		return nil, 0, false
	}
	// A child that stayed up past the backoff ceiling earned a fresh
	// failure streak.
	if !s.startedAt.IsZero() && time.Since(s.startedAt) > s.config.MaxBackoff {
		s.failures = 1
	} else {
		s.failures++
	}
	failures := s.failures
	stopCh := s.stopCh
	s.mu.Unlock()

	s.log.Warn("service exited unexpectedly", "failures", failures, "error", cause)

	exhausted := s.config.MaxRetries > 0 && failures > s.config.MaxRetries
	if !s.config.AutoRestart || exhausted {
		if exhausted {
			s.log.Error("giving up after repeated crashes", "failures", failures)
		}
		s.transition(StateStopped)
		if cb := s.config.OnCrash; cb != nil {
			cb(s.svc.ID, cause)
		}
		return nil, 0, false
	}

	delay = backoffDelay(s.config.BaseBackoff, s.config.MaxBackoff, failures)
	s.transition(StateCrashBackoff)
	s.log.Info("restarting after backoff", "delay", delay, "attempt", failures)
	return stopCh, delay, true
}

// relaunch brings the child back after backoff, unless a Stop or a newer
// Start won the race in the meantime.
func (s *Supervisor) relaunch(gen int) (*mcp.StdioTransport, error) {
	tr, err := s.launch(context.Background())

	s.mu.Lock()
	if gen != s.gen || s.state == StateStopping || s.state == StateStopped {
		s.mu.Unlock()
		if err == nil {
			tr.Close()
		}
		return nil, errSuperseded
	}
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.transport = tr
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.transition(StateRunning)

	s.log.Info("service restarted", "pid", tr.Pid())
	return tr, nil
}

// transition moves to next and fires the state-change callback outside the
// lock.
func (s *Supervisor) transition(next State) {
	s.mu.Lock()
	old := s.state
	s.state = next
	s.mu.Unlock()

	if old != next && s.config.OnStateChange != nil {
		s.config.OnStateChange(s.svc.ID, old, next)
	}
}
