// Package hub runs every enabled service under its own supervisor and
// exposes the combined backend the control socket serves. It also hosts the
// debug-session manager, routing debug attach requests at already-running
// services instead of spawning duplicates.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Pamir-AI/distiller-cm5-mcp-hub/config"
	"github.com/Pamir-AI/distiller-cm5-mcp-hub/control"
	"github.com/Pamir-AI/distiller-cm5-mcp-hub/manager"
	"github.com/Pamir-AI/distiller-cm5-mcp-hub/mcp"
	"github.com/Pamir-AI/distiller-cm5-mcp-hub/process"
	"github.com/Pamir-AI/distiller-cm5-mcp-hub/supervisor"
)

// DefaultShutdownTimeout bounds the whole shutdown sequence. Grace periods
// are per service; this is the ceiling for all of them together.
const DefaultShutdownTimeout = 30 * time.Second

// Runner owns the hub's supervisors and the debug-session manager.
type Runner struct {
	cfg   *config.Config
	log   *slog.Logger
	mgr   *manager.Manager
	ports *PortAllocator

	mu          sync.Mutex
	supervisors map[string]*supervisor.Supervisor
	onEvent     manager.EventFunc
}

var _ control.Backend = (*Runner)(nil)

// NewRunner wires a runner over the loaded service table. Nothing is
// launched until Startup.
func NewRunner(cfg *config.Config, log *slog.Logger) *Runner {
	r := &Runner{
		cfg:         cfg,
		log:         log,
		ports:       NewPortAllocator(),
		supervisors: make(map[string]*supervisor.Supervisor),
	}
	r.mgr = manager.New(cfg, log)
	r.mgr.SetLauncher(r.debugLauncher)
	return r
}

// SetEventFunc registers the observer for service and session events.
func (r *Runner) SetEventFunc(fn manager.EventFunc) {
	r.onEvent = fn
	r.mgr.SetEventFunc(fn)
}

func (r *Runner) emit(evt manager.Event) {
	if r.onEvent != nil {
		r.onEvent(evt)
	}
}

// Startup sweeps orphans from a previous run, then brings up every enabled
// service. One service failing does not stop the others; Startup only fails
// when no service came up at all.
func (r *Runner) Startup(ctx context.Context) error {
	if killed := process.CleanupOrphans(r.cfg, nil); killed > 0 {
		r.log.Info("cleaned up orphaned service processes", "count", killed)
	}

	enabled := r.cfg.Enabled()
	if len(enabled) == 0 {
		r.log.Warn("no enabled services in config", "path", r.cfg.FilePath())
		return nil
	}

	var failed []string
	for _, svc := range enabled {
		if err := r.startService(ctx, svc); err != nil {
			r.log.Error("service failed to start", "service", svc.ID, "error", err)
			failed = append(failed, svc.ID)
		}
	}
	if len(failed) == len(enabled) {
		return fmt.Errorf("no service started: %s", strings.Join(failed, ", "))
	}
	return nil
}

func (r *Runner) startService(ctx context.Context, svc *config.ServiceConfig) error {
	if svc.Transport.Network() {
		if err := r.ports.Reserve(svc.Port, svc.ID); err != nil {
			return err
		}
	}

	retries := svc.MaxRestarts
	switch {
	case retries == 0:
		retries = supervisor.DefaultMaxRetries
	case retries < 0:
		retries = 0
	}

	sup := supervisor.New(svc, supervisor.Config{
		AutoRestart: true,
		MaxRetries:  retries,
		DrainOutput: true,
		OnStateChange: func(id string, old, next supervisor.State) {
			r.emit(manager.Event{Kind: manager.EventServiceState, Service: id, State: next.String()})
		},
		OnCrash: func(id string, err error) {
			cause := ""
			if err != nil {
				cause = err.Error()
			}
			r.emit(manager.Event{
				Kind:    manager.EventServiceState,
				Service: id,
				State:   supervisor.StateStopped.String(),
				Error:   cause,
			})
		},
	}, r.log.With("service", svc.ID))

	if err := sup.Start(ctx); err != nil {
		if svc.Transport.Network() {
			r.ports.Release(svc.Port)
		}
		return err
	}

	r.mu.Lock()
	r.supervisors[svc.ID] = sup
	r.mu.Unlock()
	return nil
}

// Shutdown closes every debug session, then stops all supervisors in
// parallel. Returns once everything is down or the timeout expires.
func (r *Runner) Shutdown(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.mgr.CloseAll()

		var wg sync.WaitGroup
		for _, sup := range r.snapshot() {
			wg.Add(1)
			go func(sup *supervisor.Supervisor) {
				defer wg.Done()
				sup.Stop()
			}(sup)
		}
		wg.Wait()
	}()

	select {
	case <-done:
		r.log.Info("all services stopped")
	case <-time.After(timeout):
		r.log.Error("shutdown deadline exceeded", "timeout", timeout)
	}
}

func (r *Runner) snapshot() []*supervisor.Supervisor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*supervisor.Supervisor, 0, len(r.supervisors))
	for _, sup := range r.supervisors {
		out = append(out, sup)
	}
	return out
}

// debugLauncher backs the manager. A service already running under the hub
// is attached to over its network endpoint rather than spawned again; a
// stdio service cannot be attached because the hub owns its only channel.
func (r *Runner) debugLauncher(ctx context.Context, svc *config.ServiceConfig, log *slog.Logger) (*supervisor.Supervisor, mcp.Transport, error) {
	r.mu.Lock()
	sup := r.supervisors[svc.ID]
	r.mu.Unlock()

	if sup != nil && sup.State() != supervisor.StateStopped {
		if !svc.Transport.Network() {
			return nil, nil, fmt.Errorf("service %s runs over stdio under the hub; disable it before debugging", svc.ID)
		}
		mode := mcp.ModeSSE
		if svc.Transport == config.TransportHTTP {
			mode = mcp.ModeHTTP
		}
		tr := mcp.NewHTTPTransport(mcp.HTTPConfig{BaseURL: svc.BaseURL(), Mode: mode}, log)
		if err := tr.Connect(ctx); err != nil {
			return nil, nil, fmt.Errorf("attach to running %s: %w", svc.ID, err)
		}
		log.Info("attached to running service", "service", svc.ID, "url", svc.BaseURL())
		return nil, tr, nil
	}

	return manager.DefaultLauncher(ctx, svc, log)
}

// Backend surface for the control socket.

func (r *Runner) Services() []*config.ServiceConfig {
	return r.cfg.Services()
}

func (r *Runner) Status() []supervisor.Status {
	sups := r.snapshot()
	out := make([]supervisor.Status, 0, len(sups))
	for _, sup := range sups {
		out = append(out, sup.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

func (r *Runner) Sessions() []manager.SessionInfo {
	return r.mgr.Sessions()
}

func (r *Runner) StartSession(ctx context.Context, service string) (manager.SessionInfo, error) {
	return r.mgr.StartSession(ctx, service)
}

func (r *Runner) StopSession(service string) error {
	return r.mgr.StopSession(service)
}

func (r *Runner) Execute(ctx context.Context, service, tool string, args map[string]any) (*manager.ExecuteResult, error) {
	return r.mgr.Execute(ctx, service, tool, args)
}

func (r *Runner) Tools(service string) ([]mcp.ToolDescriptor, error) {
	return r.mgr.Tools(service)
}

func (r *Runner) RefreshTools(ctx context.Context, service string) ([]mcp.ToolDescriptor, error) {
	return r.mgr.RefreshTools(ctx, service)
}

// Manager exposes the debug-session manager for direct embedding.
func (r *Runner) Manager() *manager.Manager {
	return r.mgr
}
