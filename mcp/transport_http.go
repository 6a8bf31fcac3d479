package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// HTTPMode selects the request/response style for a network transport.
type HTTPMode string

const (
	// ModeHTTP posts each message to /mcp and reads one JSON response.
	ModeHTTP HTTPMode = "http"
	// ModeSSE posts each message to /sse and reads an event-stream;
	// every data event on the stream is delivered, so the child can emit
	// partial output before the final response.
	ModeSSE HTTPMode = "sse"
)

// HTTPConfig holds the settings for a network transport.
type HTTPConfig struct {
	BaseURL        string
	Mode           HTTPMode
	ConnectTimeout time.Duration
}

// HTTPTransport talks to an already-listening MCP server over HTTP. The
// process itself is owned elsewhere (the supervisor); this transport only
// owns the connection.
type HTTPTransport struct {
	config HTTPConfig
	log    *slog.Logger
	client *http.Client

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	runErr error

	msgs      chan json.RawMessage
	closeMsgs sync.Once
	wg        sync.WaitGroup
}

// NewHTTPTransport creates a transport that dials the given base URL.
func NewHTTPTransport(config HTTPConfig, log *slog.Logger) *HTTPTransport {
	if config.Mode == "" {
		config.Mode = ModeSSE
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HTTPTransport{
		config: config,
		log:    log,
		client: &http.Client{},
		ctx:    ctx,
		cancel: cancel,
		msgs:   make(chan json.RawMessage, 32),
	}
}

// Connect probes the server's health endpoint until it answers or the
// timeout expires.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	return ProbeHealth(ctx, t.client, t.config.BaseURL, t.config.ConnectTimeout)
}

// ProbeHealth polls GET <baseURL>/health until it returns 200 or the timeout
// expires. Failures wrap ErrTransportUnavailable.
func ProbeHealth(ctx context.Context, client *http.Client, baseURL string, timeout time.Duration) error {
	if client == nil {
		client = &http.Client{}
	}
	deadline := time.Now().Add(timeout)
	url := strings.TrimRight(baseURL, "/") + "/health"

	var lastErr error
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("health probe: %w: %v", ErrTransportUnavailable, err)
		}
		resp, err := client.Do(req)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Errorf("health returned %d", resp.StatusCode)
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("health probe: %w: %v", ErrTransportUnavailable, ctx.Err())
		case <-time.After(250 * time.Millisecond):
		}
	}
	return fmt.Errorf("health probe %s: %w: %v", url, ErrTransportUnavailable, lastErr)
}

// Send posts one message. The response (and, for event streams, any
// intermediate events) arrives on Messages; Send itself only fails if the
// transport is closed or the message cannot be serialized.
func (t *HTTPTransport) Send(msg *JSONRPCRequest) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	// The Add has to happen under mu so a concurrent Close cannot pass its
	// wg.Wait between our closed check and the post being registered.
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("send: %w", ErrTransportClosed)
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		if err := t.post(data); err != nil {
			t.fail(err)
		}
	}()
	return nil
}

// post performs one round trip and feeds the results into msgs.
func (t *HTTPTransport) post(data []byte) error {
	path := "/mcp"
	if t.config.Mode == ModeSSE {
		path = "/sse"
	}
	url := strings.TrimRight(t.config.BaseURL, "/") + path

	req, err := http.NewRequestWithContext(t.ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.config.Mode == ModeSSE {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if t.config.Mode == ModeSSE {
		return t.readEventStream(resp.Body)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLineBytes))
	if err != nil {
		return err
	}
	body = bytes.TrimSpace(body)
	if len(body) > 0 {
		t.deliver(body)
	}
	return nil
}

// readEventStream parses "data: {...}" events until the stream ends.
func (t *HTTPTransport) readEventStream(body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" {
			continue
		}
		t.deliver([]byte(payload))
	}
	return scanner.Err()
}

// deliver hands one message to the consumer unless the transport closed.
func (t *HTTPTransport) deliver(data []byte) {
	msg := make(json.RawMessage, len(data))
	copy(msg, data)
	select {
	case t.msgs <- msg:
	case <-t.ctx.Done():
	}
}

// fail records the first fatal error and ends the message stream. The
// channel is never closed here while posts are still in flight: another
// post could be past its ctx check and about to deliver, and a send on a
// closed channel would take down the process. A janitor closes msgs once
// the last post has exited.
func (t *HTTPTransport) fail(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	first := t.runErr == nil
	if first {
		t.runErr = &TransportError{Op: "send", Err: err}
	}
	t.mu.Unlock()

	t.log.Warn("transport request failed", "error", err)
	t.cancel()
	if first {
		go func() {
			t.wg.Wait()
			t.closeMsgs.Do(func() { close(t.msgs) })
		}()
	}
}

// Messages returns the inbound message stream.
func (t *HTTPTransport) Messages() <-chan json.RawMessage {
	return t.msgs
}

// Err reports why the message stream ended.
func (t *HTTPTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runErr
}

// Close tears down the connection. Idempotent.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	t.closeMsgs.Do(func() { close(t.msgs) })
	t.client.CloseIdleConnections()
	return nil
}

// Ensure HTTPTransport implements Transport at compile time.
var _ Transport = (*HTTPTransport)(nil)
