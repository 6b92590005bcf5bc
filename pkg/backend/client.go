package backend

import (
	"context"
	"sync"
	"time"

	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/monitor"
	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/settings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// DefaultURL is where the native backend listens for commands
	DefaultURL = "ws://127.0.0.1:9920/ipc"
	// DefaultTimeout bounds a single command round trip
	DefaultTimeout = 10 * time.Second
)

// Client implements Backend over a websocket connection. The connection is
// dialed on first use and redialed after it drops; in-flight commands on a
// dropped connection fail with ErrUnavailable.
type Client struct {
	url     string
	timeout time.Duration
	dialer  *websocket.Dialer
	logger  *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan Message
	closed  bool

	writeMu sync.Mutex
}

var _ Backend = (*Client)(nil)

// NewClient creates a client for the backend at url. A zero timeout means
// DefaultTimeout.
func NewClient(url string, timeout time.Duration, logger *zap.Logger) *Client {
	if url == "" {
		url = DefaultURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:     url,
		timeout: timeout,
		dialer:  &websocket.Dialer{HandshakeTimeout: timeout},
		logger:  logger.Named("backend"),
		pending: make(map[string]chan Message),
	}
}

// URL returns the command endpoint
func (c *Client) URL() string {
	return c.url
}

// Ping dials the command endpoint if not already connected
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.connection(ctx)
	return err
}

// Close drops the connection. Further commands fail with ErrUnavailable.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan Message)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// StartServer sends start_server
func (c *Client) StartServer(ctx context.Context, port int, cfg settings.ServerConfig) (string, error) {
	resp, err := c.call(ctx, Message{Command: CmdStartServer, Port: port, Options: &cfg})
	if err != nil {
		return "", err
	}
	return resp.Address, nil
}

// StopServer sends stop_server
func (c *Client) StopServer(ctx context.Context) error {
	_, err := c.call(ctx, Message{Command: CmdStopServer})
	return err
}

// ServerStatus sends get_server_status
func (c *Client) ServerStatus(ctx context.Context) (bool, error) {
	resp, err := c.call(ctx, Message{Command: CmdGetServerStatus})
	if err != nil {
		return false, err
	}
	return resp.Running, nil
}

// ServerURL sends get_server_url
func (c *Client) ServerURL(ctx context.Context) (string, error) {
	resp, err := c.call(ctx, Message{Command: CmdGetServerURL})
	if err != nil {
		return "", err
	}
	return resp.Address, nil
}

// AvailableMonitors sends get_available_monitors
func (c *Client) AvailableMonitors(ctx context.Context) ([]monitor.Monitor, error) {
	resp, err := c.call(ctx, Message{Command: CmdGetAvailableMonitors})
	if err != nil {
		return nil, err
	}
	return resp.Monitors, nil
}

// Logs sends get_logs
func (c *Client) Logs(ctx context.Context) (Logs, error) {
	resp, err := c.call(ctx, Message{Command: CmdGetLogs})
	if err != nil {
		return Logs{}, err
	}
	return Logs{Debug: resp.DebugLog, Error: resp.ErrorLog}, nil
}

// call sends req and waits for the response with the same ID
func (c *Client) call(ctx context.Context, req Message) (Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.connection(ctx)
	if err != nil {
		return Message{}, err
	}

	req.Type = TypeRequest
	req.ID = uuid.NewString()
	ch := make(chan Message, 1)

	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()

	if err := c.write(ctx, conn, req); err != nil {
		c.forget(req.ID)
		c.drop(conn)
		return Message{}, errors.Wrapf(ErrUnavailable, "send %s: %v", req.Command, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return Message{}, errors.Wrapf(ErrUnavailable, "%s: connection lost", req.Command)
		}
		if resp.Error != "" {
			return resp, &RemoteError{Command: req.Command, Message: resp.Error}
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(req.ID)
		return Message{}, errors.Wrapf(ErrUnavailable, "%s: %v", req.Command, ctx.Err())
	}
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	_ = conn.SetWriteDeadline(deadline)
	return conn.WriteJSON(msg)
}

// connection returns the live connection, dialing if needed
func (c *Client) connection(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.Wrap(ErrUnavailable, "client closed")
	}
	if c.conn != nil {
		return c.conn, nil
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "dial %s: %v", c.url, err)
	}
	c.logger.Debug("connected", zap.String("url", c.url))

	c.conn = conn
	go c.readLoop(conn)
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.drop(conn)

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		if msg.Type != TypeResponse {
			c.logger.Debug("ignoring message", zap.String("type", msg.Type))
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()

		if !ok {
			c.logger.Debug("response without pending request",
				zap.String("id", msg.ID), zap.String("command", msg.Command))
			continue
		}
		ch <- msg
	}
}

// drop discards conn and fails its pending commands
func (c *Client) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan Message)
	c.mu.Unlock()

	conn.Close()
	for _, ch := range pending {
		close(ch)
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
