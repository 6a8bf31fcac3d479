package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Pamir-AI/distiller-cm5-mcp-hub/manager"
)

// callTimeout is how long the client waits for its response. Longer than
// the server's own request budget so the server's error arrives first.
const callTimeout = 90 * time.Second

// Client is one CLI-side connection to the hub's control socket.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader

	// OnEvent, when set, receives event frames that arrive while waiting
	// for a response.
	OnEvent func(manager.Event)

	mu     sync.Mutex
	nextID int64
}

// Dial connects to the control socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("hub not reachable at %s: %w", socketPath, err)
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// Call sends one request and waits for its response. Event frames seen in
// the meantime are forwarded to OnEvent. Only one Call may run at a time.
func (c *Client) Call(req Request) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	req.ID = c.nextID

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("control socket write: %w", err)
	}

	deadline := time.Now().Add(callTimeout)
	for {
		c.conn.SetReadDeadline(deadline)
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("control socket read: %w", err)
		}

		var frame Frame
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			return nil, fmt.Errorf("malformed control frame: %w", err)
		}

		switch frame.Type {
		case frameEvent:
			if c.OnEvent != nil && frame.Event != nil {
				c.OnEvent(*frame.Event)
			}
		case frameResponse:
			if frame.ID != req.ID {
				continue
			}
			if !frame.OK {
				return nil, fmt.Errorf("%s", frame.Error)
			}
			return frame.Result, nil
		}
	}
}

// Watch streams event frames until ctx is done or the connection drops.
// Do not mix with Call on the same client.
func (c *Client) Watch(ctx context.Context, fn func(manager.Event)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c.conn.SetReadDeadline(time.Now().Add(time.Second))
		line, err := c.reader.ReadString('\n')
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() && line == "" {
				continue
			}
			return fmt.Errorf("control socket read: %w", err)
		}

		var frame Frame
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			return fmt.Errorf("malformed control frame: %w", err)
		}
		if frame.Type == frameEvent && frame.Event != nil {
			fn(*frame.Event)
		}
	}
}

// Close drops the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
