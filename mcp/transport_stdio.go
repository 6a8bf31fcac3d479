package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// DefaultGracePeriod is how long Close waits after the termination signal
// before force-killing the child.
const DefaultGracePeriod = 5 * time.Second

// stderrTailLines bounds how much child stderr is retained for diagnostics.
const stderrTailLines = 50

// maxLineBytes bounds a single framed message. Tool results can be large
// (base64 images), so the ceiling is generous.
const maxLineBytes = 4 * 1024 * 1024

// StdioConfig holds the launch settings for a stdio child process.
type StdioConfig struct {
	Command     string
	Args        []string
	Dir         string
	Env         map[string]string
	GracePeriod time.Duration
}

// StdioTransport spawns a child process and exchanges line-framed JSON-RPC
// messages over its stdin/stdout. Stderr is drained concurrently and the
// tail retained for error reporting.
type StdioTransport struct {
	config StdioConfig
	log    *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stderr   []string
	runErr   error
	waitErr  error
	closed   bool
	started  bool
	msgs     chan json.RawMessage
	waitDone chan struct{}

	wg sync.WaitGroup
}

// NewStdioTransport creates a transport for the given launch settings.
// Nothing is spawned until Connect.
func NewStdioTransport(config StdioConfig, log *slog.Logger) *StdioTransport {
	if config.GracePeriod <= 0 {
		config.GracePeriod = DefaultGracePeriod
	}
	return &StdioTransport{
		config: config,
		log:    log,
		msgs:   make(chan json.RawMessage, 32),
	}
}

// Connect spawns the child and wires its pipes. Fails with an error
// wrapping ErrTransportUnavailable if the executable is missing or cannot
// be started.
func (t *StdioTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return nil
	}
	if t.closed {
		return fmt.Errorf("connect after close: %w", ErrTransportClosed)
	}

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Dir = t.config.Dir
	cmd.Env = os.Environ()
	for k, v := range t.config.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w: %v", ErrTransportUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stdout pipe: %w: %v", ErrTransportUnavailable, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("stderr pipe: %w: %v", ErrTransportUnavailable, err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		t.log.Error("failed to start process", "command", t.config.Command, "error", err)
		return fmt.Errorf("start %s: %w: %v", t.config.Command, ErrTransportUnavailable, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.waitDone = make(chan struct{})
	t.started = true

	t.log.Info("process started", "command", t.config.Command, "pid", cmd.Process.Pid)

	// readOutput is the sole producer of msgs and closes it once the exit
	// status is known. monitorExit is the sole caller of cmd.Wait();
	// Close() coordinates via waitDone instead of calling Wait() itself.
	t.wg.Add(3)
	go func() {
		defer t.wg.Done()
		t.readOutput(stdout)
	}()
	go func() {
		defer t.wg.Done()
		t.drainStderr(stderr)
	}()
	go func() {
		defer t.wg.Done()
		t.monitorExit()
	}()

	return nil
}

// Send writes one line-framed message to the child's stdin.
func (t *StdioTransport) Send(msg *JSONRPCRequest) error {
	t.mu.Lock()
	stdin := t.stdin
	closed := t.closed
	started := t.started
	t.mu.Unlock()

	if closed || !started || stdin == nil {
		return fmt.Errorf("send: %w", ErrTransportClosed)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("write to process: %w: %v", ErrTransportClosed, err)
	}
	return nil
}

// Messages returns the inbound message stream.
func (t *StdioTransport) Messages() <-chan json.RawMessage {
	return t.msgs
}

// Err reports why the message stream ended.
func (t *StdioTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runErr
}

// Kill force-terminates the child immediately, skipping the graceful
// shutdown sequence. The exit is reported as unexpected.
func (t *StdioTransport) Kill() {
	t.mu.Lock()
	cmd := t.cmd
	t.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
}

// Done returns a channel closed once the child has been reaped. For a
// transport that was never connected the channel is already closed.
func (t *StdioTransport) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.waitDone == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return t.waitDone
}

// Pid returns the child's process ID, or 0 if not running.
func (t *StdioTransport) Pid() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd != nil && t.cmd.Process != nil {
		return t.cmd.Process.Pid
	}
	return 0
}

// StderrTail returns the retained tail of the child's stderr.
func (t *StdioTransport) StderrTail() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.stderr, "\n")
}

// Close terminates the child: stdin EOF plus SIGTERM, escalating to a kill
// after the grace period. Idempotent; always leaves the process reaped.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true

	if t.stdin != nil {
		t.stdin.Close()
		t.stdin = nil
	}
	cmd := t.cmd
	waitDone := t.waitDone
	started := t.started
	t.mu.Unlock()

	if !started {
		close(t.msgs)
		return nil
	}

	if cmd != nil && cmd.Process != nil {
		t.log.Debug("stopping process", "pid", cmd.Process.Pid)
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			t.log.Debug("SIGTERM failed (process may have exited)", "error", err)
		}

		select {
		case <-waitDone:
			t.log.Debug("process exited gracefully")
		case <-time.After(t.config.GracePeriod):
			t.log.Warn("grace period expired, force killing", "pid", cmd.Process.Pid)
			cmd.Process.Kill()
			<-waitDone
		}
	}

	t.wg.Wait()
	return nil
}

// readOutput scans stdout line by line and forwards each non-empty line as
// one message. It closes msgs after the exit status is known, so Err is
// stable by the time consumers observe the closed channel.
func (t *StdioTransport) readOutput(stdout io.ReadCloser) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg := make(json.RawMessage, len(line))
		copy(msg, line)
		t.msgs <- msg
	}
	if err := scanner.Err(); err != nil {
		t.log.Debug("error reading stdout", "error", err)
	}

	// Stdout hit EOF. Wait for the reaper so the exit status decides
	// whether this was a clean close or a crash.
	<-t.waitDone

	t.mu.Lock()
	if !t.closed && t.waitErr != nil {
		t.runErr = &TransportError{Op: "receive", Err: fmt.Errorf("process exited: %v (stderr: %s)", t.waitErr, strings.Join(t.stderr, "\n"))}
	}
	t.mu.Unlock()

	close(t.msgs)
}

// drainStderr keeps the last stderrTailLines lines of the child's stderr.
func (t *StdioTransport) drainStderr(stderr io.ReadCloser) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		t.mu.Lock()
		t.stderr = append(t.stderr, line)
		if len(t.stderr) > stderrTailLines {
			t.stderr = t.stderr[len(t.stderr)-stderrTailLines:]
		}
		t.mu.Unlock()
		t.log.Debug("child stderr", "line", line)
	}
}

// monitorExit is the sole caller of cmd.Wait. It records the exit status
// and signals waitDone for Close and readOutput.
func (t *StdioTransport) monitorExit() {
	err := t.cmd.Wait()

	t.mu.Lock()
	t.waitErr = err
	t.mu.Unlock()

	if err != nil {
		t.log.Debug("process exited", "error", err)
	} else {
		t.log.Debug("process exited cleanly")
	}
	close(t.waitDone)
}

// Ensure StdioTransport implements Transport at compile time.
var _ Transport = (*StdioTransport)(nil)
