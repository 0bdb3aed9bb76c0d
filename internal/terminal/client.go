// Package terminal implements the websocket client for the terminal bridge:
// a sidecar process that exposes the trading terminal's API as JSON
// request/response frames over a single websocket connection.
package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Config holds the bridge connection settings.
type Config struct {
	URL            string        // ws://host:port/terminal
	RequestTimeout time.Duration // per-request deadline, default 10s
}

// request is one command frame sent to the bridge.
type request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one reply frame. Retcode is populated for trade methods;
// query methods fill Result only. A non-empty Error means the bridge itself
// failed to execute the method.
type Response struct {
	ID      uint64          `json:"id"`
	Retcode int             `json:"retcode,omitempty"`
	Comment string          `json:"comment,omitempty"`
	Error   string          `json:"error,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// Client is a synchronous request/response client over one websocket
// connection. Calls are serialized internally; concurrent callers block on
// the mutex. Reconnection is the caller's concern: a transport error leaves
// the client disconnected and the next Call redials.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID uint64
}

// NewClient builds a client; no connection is made until the first Call.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Client{cfg: cfg, logger: logger.With("component", "terminal")}
}

func (c *Client) dialLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.RequestTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial bridge %s: %w", c.cfg.URL, err)
	}
	c.conn = conn
	c.logger.Info("bridge connected", "url", c.cfg.URL)
	return nil
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Call sends one method frame and waits for its reply. params may be nil.
// Transport failures close the connection so the next call redials.
func (c *Client) Call(ctx context.Context, method string, params any) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.dialLocked(ctx); err != nil {
		return nil, err
	}

	c.nextID++
	req := request{ID: c.nextID, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		req.Params = raw
	}

	deadline := time.Now().Add(c.cfg.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(req); err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	// Skip unsolicited frames (heartbeats, stale replies after a timeout)
	// until the matching id arrives.
	c.conn.SetReadDeadline(deadline)
	for {
		var resp Response
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.dropLocked()
			return nil, fmt.Errorf("read %s: %w", method, err)
		}
		if resp.ID != req.ID {
			c.logger.Debug("dropping stale frame", "got", resp.ID, "want", req.ID)
			continue
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("bridge %s: %s", method, resp.Error)
		}
		return &resp, nil
	}
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
	return nil
}
