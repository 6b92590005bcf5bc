package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultPath is the command endpoint path
const DefaultPath = "/ipc"

// Server exposes a Backend implementation on a websocket endpoint
type Server struct {
	backend  Backend
	logger   *zap.Logger
	upgrader websocket.Upgrader
	ctx      context.Context
}

// conn is one connected command client
type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{} // closed when writePump exits
	server *Server
}

// NewServer creates an endpoint dispatching to b
func NewServer(b Backend, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		backend: b,
		logger:  logger.Named("endpoint"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // loopback control channel
			},
		},
		ctx: context.Background(),
	}
}

// ServeHTTP upgrades the request and serves commands until the peer leaves
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &conn{
		ws:     ws,
		send:   make(chan []byte, 64),
		done:   make(chan struct{}),
		server: s,
	}

	go c.writePump()
	go c.readPump()
}

// ListenAndServe serves the endpoint on addr at DefaultPath until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.ctx = ctx

	mux := http.NewServeMux()
	mux.Handle(DefaultPath, s)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("command endpoint listening", zap.String("addr", addr), zap.String("path", DefaultPath))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serve command endpoint")
	}
	return nil
}

// readPump decodes requests and queues responses. Requests on one
// connection are handled in order.
func (c *conn) readPump() {
	defer func() {
		close(c.send)
		c.ws.Close()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		var req Message
		if err := json.Unmarshal(data, &req); err != nil {
			c.server.logger.Warn("invalid message format", zap.Error(err))
			continue
		}
		if req.Type != TypeRequest {
			continue
		}

		resp := c.server.handle(req)
		out, err := json.Marshal(resp)
		if err != nil {
			c.server.logger.Error("encode response", zap.Error(err))
			continue
		}
		if !c.queue(out) {
			return
		}
	}
}

// queue hands a response to writePump. It reports false once the writer
// is gone.
func (c *conn) queue(out []byte) bool {
	select {
	case c.send <- out:
		return true
	case <-c.done:
		return false
	}
}

// writePump sends queued responses
func (c *conn) writePump() {
	defer func() {
		close(c.done)
		c.ws.Close()
	}()

	for message := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
			c.server.logger.Warn("websocket write failed", zap.Error(err))
			return
		}
	}
}

// handle runs one command against the backend
func (s *Server) handle(req Message) Message {
	ctx := s.ctx
	resp := Message{Type: TypeResponse, ID: req.ID, Command: req.Command}

	var err error
	switch req.Command {
	case CmdStartServer:
		if req.Options == nil {
			err = errors.New("missing options")
			break
		}
		resp.Address, err = s.backend.StartServer(ctx, req.Port, *req.Options)
	case CmdStopServer:
		err = s.backend.StopServer(ctx)
	case CmdGetServerStatus:
		resp.Running, err = s.backend.ServerStatus(ctx)
	case CmdGetServerURL:
		resp.Address, err = s.backend.ServerURL(ctx)
	case CmdGetAvailableMonitors:
		resp.Monitors, err = s.backend.AvailableMonitors(ctx)
	case CmdGetLogs:
		var logs Logs
		logs, err = s.backend.Logs(ctx)
		resp.DebugLog, resp.ErrorLog = logs.Debug, logs.Error
	default:
		err = errors.Errorf("unknown command %q", req.Command)
	}

	if err != nil {
		// Remote errors keep only their message so they do not nest on the client
		if re, ok := AsRemote(err); ok {
			resp.Error = re.Message
		} else {
			resp.Error = err.Error()
		}
		s.logger.Debug("command failed", zap.String("command", req.Command), zap.Error(err))
	}
	return resp
}
