package wsengine

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tiger/blackbox-orchestrator/api/interaction"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/provider/contracts"
)

// ClientConfig locates a remote engine worker.
type ClientConfig struct {
	URL         string
	EngineID    string
	Stage       interaction.Stage
	DialTimeout time.Duration
	Header      http.Header
}

// Validate requires a websocket URL, an engine id and a known stage.
func (c ClientConfig) Validate() error {
	if !strings.HasPrefix(c.URL, "ws://") && !strings.HasPrefix(c.URL, "wss://") {
		return fmt.Errorf("worker url %q must use ws:// or wss://", c.URL)
	}
	if strings.TrimSpace(c.EngineID) == "" {
		return fmt.Errorf("engine id is required")
	}
	return c.Stage.Validate()
}

// Client is a contracts.Engine whose work happens in a remote worker. The
// connection is dialed on first use and redialed after it drops.
type Client struct {
	cfg    ClientConfig
	dialer websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan frame

	writeMu sync.Mutex
}

// NewClient validates cfg. It does not dial; the first call does.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	return &Client{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
	}, nil
}

// EngineID returns the configured engine id.
func (c *Client) EngineID() string {
	return c.cfg.EngineID
}

// Stage returns the hop the remote engine serves.
func (c *Client) Stage() interaction.Stage {
	return c.cfg.Stage
}

// Process sends req to the worker and waits for its answer. When ctx ends
// first the worker is told to cancel and ctx.Err() is returned. A worker
// timeout is reported as context.DeadlineExceeded, any other worker failure
// as *RemoteError.
func (c *Client) Process(ctx context.Context, req contracts.Request) (contracts.Response, error) {
	reply, err := c.roundTrip(ctx, frame{Type: frameRequest, ID: uuid.NewString(), Request: &req})
	if err != nil {
		return contracts.Response{}, err
	}
	if reply.Error != "" {
		if reply.Timeout {
			return contracts.Response{}, fmt.Errorf("%w: %s", context.DeadlineExceeded, reply.Error)
		}
		return contracts.Response{}, &RemoteError{Message: reply.Error}
	}
	if reply.Response == nil {
		return contracts.Response{}, fmt.Errorf("worker reply %s has no response", reply.ID)
	}
	return *reply.Response, nil
}

// Ping round-trips a ping frame, dialing if needed.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.roundTrip(ctx, frame{Type: framePing, ID: uuid.NewString()})
	return err
}

// Close drops the connection and fails every call still waiting on it. A
// later call dials again.
func (c *Client) Close() error {
	c.mu.Lock()
	conn, pending := c.conn, c.pending
	c.conn, c.pending = nil, nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	for _, reply := range pending {
		close(reply)
	}
	return conn.Close()
}

func (c *Client) roundTrip(ctx context.Context, f frame) (frame, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return frame{}, err
	}
	reply := make(chan frame, 1)
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return frame{}, fmt.Errorf("worker connection closed")
	}
	c.pending[f.ID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, f.ID)
		}
		c.mu.Unlock()
	}()

	if err := c.write(conn, f); err != nil {
		c.drop(conn)
		return frame{}, fmt.Errorf("send %s: %w", f.Type, err)
	}
	select {
	case r, ok := <-reply:
		if !ok {
			return frame{}, fmt.Errorf("worker connection closed")
		}
		return r, nil
	case <-ctx.Done():
		if f.Type == frameRequest {
			_ = c.write(conn, frame{Type: frameCancel, ID: f.ID})
		}
		return frame{}, ctx.Err()
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("dial worker %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(maxMessageSize)
	c.conn = conn
	c.pending = make(map[string]chan frame)
	go c.readLoop(conn)
	return conn, nil
}

func (c *Client) write(conn *websocket.Conn, f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.drop(conn)
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Type != frameResponse && f.Type != framePong {
			continue
		}
		c.mu.Lock()
		reply, ok := c.pending[f.ID]
		if ok {
			delete(c.pending, f.ID)
		}
		c.mu.Unlock()
		if ok {
			reply <- f
		}
	}
}

// drop forgets conn and fails every call still waiting on it.
func (c *Client) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	pending := c.pending
	c.conn = nil
	c.pending = nil
	c.mu.Unlock()
	_ = conn.Close()
	for _, reply := range pending {
		close(reply)
	}
}
