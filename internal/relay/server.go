package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"treesync/internal/protocol"
)

// Handler receives the relay's view of replica channels. Calls for one
// replica are made from a single goroutine, in channel order.
type Handler interface {
	// OnRegister is called once per channel after its register frame.
	OnRegister(id protocol.ReplicaID, conn Conn)
	// OnRequestSnapshot follows every register frame, including retries.
	OnRequestSnapshot(id protocol.ReplicaID)
	OnFrame(id protocol.ReplicaID, f protocol.Frame)
	OnDisconnect(id protocol.ReplicaID, conn Conn, err error)
}

// Server accepts replica channels, performs the register handshake and
// forwards everything after it to a Handler.
type Server struct {
	ln              Listener
	handler         Handler
	registerTimeout time.Duration

	wg sync.WaitGroup
}

func NewServer(ln Listener, h Handler, registerTimeout time.Duration) *Server {
	if registerTimeout <= 0 {
		registerTimeout = 5 * time.Second
	}
	return &Server{ln: ln, handler: h, registerTimeout: registerTimeout}
}

// Serve runs the accept loop until ctx ends or the listener closes. Open
// channels are closed when ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			slog.Warn("relay accept failed", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// Wait blocks until every channel goroutine has returned.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) serveConn(ctx context.Context, conn Conn) {
	id, err := s.handshake(ctx, conn)
	if err != nil {
		slog.Warn("relay handshake failed", "error", err)
		_ = conn.Close()
		return
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-conn.Done():
		}
	}()

	slog.Info("replica registered", "replica", id.String())
	s.handler.OnRegister(id, conn)
	s.handler.OnRequestSnapshot(id)

	for f := range conn.Recv() {
		switch f.Type {
		case protocol.MsgRegister:
			if f.From != id {
				slog.Warn("register for a different replica on an open channel",
					"replica", id.String(), "claimed", f.From.String())
				continue
			}
			s.handler.OnRequestSnapshot(id)
		case protocol.MsgMutation:
			s.handler.OnFrame(id, f)
		default:
			slog.Warn("unexpected frame from replica", "replica", id.String(), "type", string(f.Type))
		}
	}

	err = conn.Err()
	if errors.Is(err, ErrClosed) {
		err = nil
	}
	slog.Info("replica disconnected", "replica", id.String(), "error", err)
	s.handler.OnDisconnect(id, conn, err)
}

func (s *Server) handshake(ctx context.Context, conn Conn) (protocol.ReplicaID, error) {
	timer := time.NewTimer(s.registerTimeout)
	defer timer.Stop()

	select {
	case f, ok := <-conn.Recv():
		if !ok {
			return "", fmt.Errorf("%w: channel closed before register", ErrHandshake)
		}
		if f.Type != protocol.MsgRegister || f.From == protocol.HostOrigin {
			return "", fmt.Errorf("%w: first frame %q from %q", ErrHandshake, f.Type, f.From)
		}
		return f.From, nil
	case <-timer.C:
		return "", fmt.Errorf("%w: no register within %s", ErrHandshake, s.registerTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
