package wsengine

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/provider/contracts"
)

const (
	writeWait      = 5 * time.Second
	maxMessageSize = 16 << 20
)

// Server exposes one engine to remote orchestrators.
type Server struct {
	engine   contracts.Engine
	logger   *slog.Logger
	upgrader websocket.Upgrader
	// Grace is added to each request's deadline hint.
	Grace time.Duration
}

// NewServer wraps engine; a nil logger uses slog.Default.
func NewServer(engine contracts.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine: engine,
		logger: logger.With("component", "wsengine", "engine", engine.EngineID()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 64 << 10,
		},
		Grace: 250 * time.Millisecond,
	}
}

// ServeHTTP upgrades to a websocket and serves frames until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}
	s.serveConn(r.Context(), conn)
}

type serverConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

func (c *serverConn) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

func (s *Server) serveConn(parent context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	sc := &serverConn{conn: conn, inflight: make(map[string]context.CancelFunc)}
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("connection closed", "error", err)
			}
			return
		}
		if err := f.validate(); err != nil {
			s.logger.Warn("dropping frame", "error", err)
			continue
		}
		switch f.Type {
		case framePing:
			if err := sc.write(frame{Type: framePong, ID: f.ID}); err != nil {
				return
			}
		case frameCancel:
			sc.mu.Lock()
			if stop, ok := sc.inflight[f.ID]; ok {
				stop()
			}
			sc.mu.Unlock()
		case frameRequest:
			callCtx, stop := s.callContext(ctx, *f.Request)
			sc.mu.Lock()
			sc.inflight[f.ID] = stop
			sc.mu.Unlock()
			wg.Add(1)
			go func(f frame) {
				defer wg.Done()
				defer func() {
					sc.mu.Lock()
					delete(sc.inflight, f.ID)
					sc.mu.Unlock()
					stop()
				}()
				if err := sc.write(s.process(callCtx, f)); err != nil {
					s.logger.Debug("response not delivered", "id", f.ID, "error", err)
				}
			}(f)
		}
	}
}

func (s *Server) callContext(ctx context.Context, req contracts.Request) (context.Context, context.CancelFunc) {
	if req.Config.DeadlineHint <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, req.Config.DeadlineHint+s.Grace)
}

func (s *Server) process(ctx context.Context, f frame) frame {
	resp, err := s.engine.Process(ctx, *f.Request)
	if err != nil {
		return frame{
			Type:    frameResponse,
			ID:      f.ID,
			Error:   err.Error(),
			Timeout: errors.Is(err, context.DeadlineExceeded),
		}
	}
	return frame{Type: frameResponse, ID: f.ID, Response: &resp}
}
