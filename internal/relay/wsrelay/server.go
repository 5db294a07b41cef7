package wsrelay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"treesync/internal/relay"
)

// Server is an http.Handler that upgrades requests to relay channels and a
// relay.Listener that hands them out.
type Server struct {
	settings Settings
	upgrader websocket.Upgrader

	accept    chan *conn
	closed    chan struct{}
	closeOnce sync.Once
}

func NewServer(settings Settings) *Server {
	return &Server{
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		accept: make(chan *conn),
		closed: make(chan struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.closed:
		http.Error(w, "relay closed", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(ws, s.settings)
	select {
	case s.accept <- c:
	case <-s.closed:
		_ = c.Close()
	case <-r.Context().Done():
		_ = c.Close()
	}
}

func (s *Server) Accept(ctx context.Context) (relay.Conn, error) {
	select {
	case c := <-s.accept:
		return c, nil
	case <-s.closed:
		return nil, relay.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting. Channels already handed out stay open.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
